// Package device provides the accelerator abstraction consumed by the
// engine's staging pipeline: devices own memory that is not host-addressable,
// streams execute copies asynchronously in FIFO order, and events mark
// completion points that other streams (or the host) can wait on.
//
// The implementation is a faithful in-process simulation: device memory is
// ordinary memory that may only be touched through stream operations, so any
// code that is correctly ordered against this package is also correctly
// ordered against a real accelerator runtime.
package device

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/xsync"
	"k8s.io/klog/v2"
)

// Device is an accelerator with byte-addressable allocations and streams.
//
// Every device starts with a default stream, returned by CurrentStream. Work
// submitted by independent operations should run on private streams obtained
// from NewStream, so it never serializes against the caller's own stream.
type Device struct {
	name string

	mu      sync.Mutex
	current *Stream
	streams []*Stream
	closed  bool
}

// New creates a device with the given name and a default stream.
func New(name string) *Device {
	d := &Device{name: name}
	d.current = d.newStreamLocked()
	return d
}

// Name returns the device name given at construction.
func (d *Device) Name() string { return d.name }

// CurrentStream returns the stream new work from the caller is ordered
// against, the analogue of an accelerator's "current stream".
func (d *Device) CurrentStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// SetCurrentStream swaps the current stream and returns the previous one, so
// callers can scope the change and restore it.
func (d *Device) SetCurrentStream(s *Stream) *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.current
	d.current = s
	return prev
}

// NewStream creates a private stream on the device.
func (d *Device) NewStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newStreamLocked()
}

func (d *Device) newStreamLocked() *Stream {
	if d.closed {
		exceptions.Panicf("device %q: NewStream after Close", d.name)
	}
	s := &Stream{dev: d, ops: make(chan func(), 64)}
	go s.loop()
	d.streams = append(d.streams, s)
	return s
}

// Alloc reserves nbytes of device memory. The returned buffer may only be
// read or written through stream copies.
func (d *Device) Alloc(nbytes int) *Buffer {
	return &Buffer{dev: d, data: make([]byte, nbytes)}
}

// Close drains and stops every stream on the device. Streams must not be
// used afterwards.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	streams := d.streams
	d.mu.Unlock()
	for _, s := range streams {
		s.Synchronize()
		close(s.ops)
	}
	klog.V(2).Infof("device %q: closed %d stream(s)", d.name, len(streams))
}

// Buffer is a device memory allocation.
type Buffer struct {
	dev  *Device
	data []byte
}

// Size returns the allocation size in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Device returns the owning device.
func (b *Buffer) Device() *Device { return b.dev }

// Stream executes device operations asynchronously, in submission order.
type Stream struct {
	dev *Device
	ops chan func()
}

func (s *Stream) loop() {
	for fn := range s.ops {
		fn()
	}
}

// Device returns the device the stream belongs to.
func (s *Stream) Device() *Device { return s.dev }

// CopyToHost asynchronously copies a device buffer into host memory. The
// host slice must stay valid (and unread) until the copy is known complete,
// via an event or Synchronize.
func (s *Stream) CopyToHost(dst []byte, src *Buffer) {
	if len(dst) != len(src.data) {
		exceptions.Panicf("device %q: CopyToHost size mismatch: host %d bytes, device %d bytes",
			s.dev.name, len(dst), len(src.data))
	}
	s.ops <- func() { copy(dst, src.data) }
}

// CopyFromHost asynchronously copies host memory into a device buffer. The
// host slice must not be written until the copy is known complete.
func (s *Stream) CopyFromHost(dst *Buffer, src []byte) {
	if len(src) != len(dst.data) {
		exceptions.Panicf("device %q: CopyFromHost size mismatch: host %d bytes, device %d bytes",
			s.dev.name, len(src), len(dst.data))
	}
	s.ops <- func() { copy(dst.data, src) }
}

// RecordEvent enqueues a completion marker: the returned event triggers once
// every operation submitted to the stream before it has executed.
func (s *Stream) RecordEvent() *Event {
	ev := &Event{latch: xsync.NewLatch()}
	s.ops <- ev.latch.Trigger
	return ev
}

// WaitEvent makes the stream wait for ev before executing anything submitted
// after this call. It returns immediately; only the stream blocks.
func (s *Stream) WaitEvent(ev *Event) {
	s.ops <- ev.latch.Wait
}

// Synchronize blocks the calling goroutine until everything submitted to the
// stream so far has executed.
func (s *Stream) Synchronize() {
	s.RecordEvent().Synchronize()
}

// Event is a one-shot completion marker recorded on a stream.
type Event struct {
	latch *xsync.Latch
}

// Done reports whether the event has triggered, without blocking.
func (e *Event) Done() bool { return e.latch.Test() }

// Synchronize blocks the calling goroutine until the event triggers.
func (e *Event) Synchronize() { e.latch.Wait() }
