package procgroup

import (
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/transport"
)

// Barrier blocks, once waited on, until every process in the group reached
// it, and additionally until every operation outstanding on this process at
// the moment Barrier was called has completed. Outstanding covers items
// still in the pending queue as much as items currently executing; a failed
// prior operation fails the barrier.
func (g *Group) Barrier() (Work, error) {
	const opName = "barrier"
	tag := g.nextTag()
	ctx := g.contexts[0]

	// Snapshot the outstanding work and enqueue under one critical section,
	// so no operation can slip in between. The observers are non-owning:
	// they share each item's completion latch and failure slot, never the
	// item itself, so a barrier cannot extend the life of the buffers
	// captured by unrelated operations.
	g.mu.Lock()
	if g.stop {
		g.mu.Unlock()
		return nil, errors.Errorf("procgroup: group is closed, cannot enqueue %s", opName)
	}
	observers := make([]workObserver, 0, len(g.inProgress)+len(g.queue))
	for _, prior := range g.inProgress {
		if prior != nil {
			observers = append(observers, prior.observer())
		}
	}
	for _, prior := range g.queue {
		observers = append(observers, prior.observer())
	}
	w := newAsyncWork(opName, tag, func() error {
		for _, o := range observers {
			if err := o.await(); err != nil {
				return errors.WithMessage(err, "a prior operation failed")
			}
		}
		return ctx.Barrier(transport.BarrierOptions{Tag: tag})
	})
	g.queue = append(g.queue, w)
	g.produceCond.Signal()
	g.mu.Unlock()
	return w, nil
}
