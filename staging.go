package procgroup

import (
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/device"
	"github.com/gomlx/procgroup/tensors"
)

// stagedCollective carries the device staging state of one operation whose
// buffers live on an accelerator: pinned host scratch, one private stream
// per tensor, and the completion events of the result copies.
//
// Construction immediately starts the device-to-host copy of the source
// tensor on its private stream, ordered after an event recorded on the
// caller's current stream, so the copy cannot observe in-flight writes and
// the caller's stream is never serialized against the staging work.
type stagedCollective struct {
	dev     *device.Device
	ts      []*tensors.Tensor
	src     int
	scratch *tensors.Tensor
	host    []byte
	streams []*device.Stream
	events  []*device.Event
}

func newStagedCollective(opName string, dev *device.Device, ts []*tensors.Tensor, src int) (*stagedCollective, error) {
	scratch := tensors.PinnedLike(ts[src])
	host, err := scratch.Bytes()
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	s := &stagedCollective{
		dev:     dev,
		ts:      ts,
		src:     src,
		scratch: scratch,
		host:    host,
		streams: make([]*device.Stream, len(ts)),
		events:  make([]*device.Event, len(ts)),
	}
	ready := dev.CurrentStream().RecordEvent()
	for i := range ts {
		s.streams[i] = dev.NewStream()
	}
	s.streams[src].WaitEvent(ready)
	s.streams[src].CopyToHost(host, ts[src].DeviceBuffer())
	return s, nil
}

// hostBytes is the staged host view handed to the network step.
func (s *stagedCollective) hostBytes() []byte { return s.host }

// awaitStaging blocks the worker until the staging copy landed in host
// scratch. Called at the start of the run step.
func (s *stagedCollective) awaitStaging() {
	s.streams[s.src].Synchronize()
}

// copyBack asynchronously copies the network result from host scratch into
// every device tensor, one private stream each, and records a completion
// event per tensor. It does not block.
func (s *stagedCollective) copyBack() {
	for i, t := range s.ts {
		s.streams[i].CopyFromHost(t.DeviceBuffer(), s.host)
		s.events[i] = s.streams[i].RecordEvent()
	}
}

// synchronize orders the caller's current stream after every result copy.
// Device-side only; the host is not blocked.
func (s *stagedCollective) synchronize() error {
	current := s.dev.CurrentStream()
	for _, ev := range s.events {
		if ev != nil {
			current.WaitEvent(ev)
		}
	}
	return nil
}
