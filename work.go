package procgroup

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Work is the asynchronous handle returned by every collective and
// point-to-point operation.
type Work interface {
	// Wait blocks until the operation reached a terminal state. It returns
	// the captured failure, if any; on success it also performs the
	// device-side Synchronize step. Safe to call repeatedly and from
	// multiple goroutines.
	Wait() error

	// Synchronize orders the caller's current device stream after the
	// operation's result copies. It never blocks the host and is a no-op
	// for host-only operations. Wait already calls it on success.
	Synchronize() error
}

// RecvWork is the handle of a receive-from-any operation; the peer that
// actually sent the message is only known at completion.
type RecvWork interface {
	Work

	// SourceRank blocks for completion and reports the rank the message
	// came from.
	SourceRank() int
}

// result holds an operation's terminal failure. It is split out of asyncWork
// so barrier observers can read completion state without keeping the work
// item (and the buffers its run closure captured) alive.
type result struct {
	mu  sync.Mutex
	err error
}

func (r *result) set(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *result) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// asyncWork is a queued collective operation: a run step executed on a
// worker and an optional synchronize step executed on the caller's thread
// after Wait.
type asyncWork struct {
	opName string
	tag    uint32

	run         func() error
	synchronize func() error // nil for host-only operations

	done *xsync.Latch
	res  *result
}

var _ Work = (*asyncWork)(nil)

func newAsyncWork(opName string, tag uint32, run func() error) *asyncWork {
	return &asyncWork{
		opName: opName,
		tag:    tag,
		run:    run,
		done:   xsync.NewLatch(),
		res:    &result{},
	}
}

// execute runs the operation on a worker goroutine. Failures, including
// panics escaping the run step, are captured on the item; the pool keeps
// going.
func (w *asyncWork) execute() {
	var runErr error
	panicErr := exceptions.TryCatch[error](func() {
		runErr = w.run()
	})
	if runErr == nil {
		runErr = panicErr
	}
	w.res.set(runErr)
	w.done.Trigger()
	if runErr != nil {
		klog.V(2).Infof("procgroup: %s (tag %d) failed: %v", w.opName, w.tag, runErr)
	}
}

// Wait implements Work.
func (w *asyncWork) Wait() error {
	w.done.Wait()
	if err := w.res.load(); err != nil {
		return errors.WithMessagef(err, "%s (tag %d)", w.opName, w.tag)
	}
	return w.Synchronize()
}

// Synchronize implements Work.
func (w *asyncWork) Synchronize() error {
	if w.synchronize == nil {
		return nil
	}
	return w.synchronize()
}

// observer returns a non-owning completion view of w: it shares the done
// latch and the result, but not the work item itself.
func (w *asyncWork) observer() workObserver {
	return workObserver{done: w.done, res: w.res}
}

// workObserver is what a barrier snapshots per outstanding operation.
type workObserver struct {
	done *xsync.Latch
	res  *result
}

// await blocks until the observed operation completed and returns its
// failure, if any.
func (o workObserver) await() error {
	o.done.Wait()
	return o.res.load()
}

// p2pWork is the handle for Send, Recv and RecvAnySource. Point-to-point
// transfers never occupy a worker: the transfer is posted at construction
// and Wait blocks the caller directly on the transport buffer.
type p2pWork struct {
	opName string
	await  func() (srcRank int, err error)

	once sync.Once
	src  int
	err  error
}

var _ Work = (*p2pWork)(nil)

// Wait implements Work.
func (p *p2pWork) Wait() error {
	p.once.Do(func() {
		p.src, p.err = p.await()
	})
	if p.err != nil {
		return errors.WithMessage(p.err, p.opName)
	}
	return nil
}

// Synchronize implements Work. Point-to-point buffers are host-only.
func (p *p2pWork) Synchronize() error { return nil }

// SourceRank reports the rank the message was received from, blocking for
// completion first. For sends it is -1.
func (p *p2pWork) SourceRank() int {
	p.Wait()
	return p.src
}
