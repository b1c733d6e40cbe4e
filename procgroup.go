// Package procgroup implements an asynchronous collective-communication
// engine for a fixed-size group of cooperating processes.
//
// Every process constructs a Group with the same rendezvous store, group
// size and its own rank. The Group establishes a fully-connected
// communication context per configured transport device, then accepts
// collective operations (Broadcast, Allreduce, Reduce, Allgather, Gather,
// Scatter, Barrier) and point-to-point transfers (Send, Recv,
// RecvAnySource). Collectives are validated synchronously, tagged, and
// executed asynchronously on a bounded pool of worker goroutines; callers
// block on the returned Work handle. Buffers resident on an accelerator are
// staged through pinned host memory around the network step (see staging.go).
//
// Operation tags are allocated from a per-Group counter, so every process
// must issue the same sequence of collective operations for matching calls
// to carry matching tags. Point-to-point transfers use caller-chosen tags
// and are exempt.
package procgroup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/procgroup/store"
	"github.com/gomlx/procgroup/transport"
	"github.com/gomlx/procgroup/transport/tcpmesh"
)

// Options configures a Group. Immutable after New.
type Options struct {
	// ConnectTimeout bounds rendezvous and mesh establishment. It is the
	// only timeout in the engine; individual operations are not timed out.
	ConnectTimeout time.Duration

	// Threads is the number of worker goroutines draining the operation
	// queue. Minimum 1.
	Threads int

	// CacheNumAlgorithmEntries is forwarded to transports that cache
	// per-shape algorithm instances. The bundled tcpmesh transport keeps
	// one algorithm per collective and ignores it.
	CacheNumAlgorithmEntries int

	// Devices lists the transport devices to connect a context over. All
	// operations use the first context. Empty means one loopback TCP mesh.
	Devices []transport.Device
}

// DefaultOptions returns the default configuration: 10s connect timeout and
// 2 worker threads.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:           10 * time.Second,
		Threads:                  2,
		CacheNumAlgorithmEntries: 1,
	}
}

// Group is one process's membership in a collective-communication group.
//
// All methods are safe for concurrent use by multiple goroutines.
type Group struct {
	rank, size int
	options    Options
	contexts   []transport.Context

	tagCounter atomic.Uint32

	// mu guards queue, inProgress and stop. It is held only for short,
	// non-blocking critical sections; work never runs under it.
	mu          sync.Mutex
	produceCond *sync.Cond // signalled when the queue gains an item or stop is set
	consumeCond *sync.Cond // signalled when the queue loses an item
	queue       []*asyncWork
	inProgress  []*asyncWork // one slot per worker, nil when idle
	stop        bool

	workers sync.WaitGroup
	closed  atomic.Bool
}

// New connects this process (rank) into a group of size processes, using st
// to exchange rendezvous metadata, and starts the worker pool.
//
// Every member must call New with the same store, the same size and a
// distinct rank; New blocks until the mesh is established or
// options.ConnectTimeout expires.
func New(st store.Store, rank, size int, options Options) (*Group, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, errors.Errorf("procgroup: invalid rank %d for group size %d", rank, size)
	}
	if options.Threads < 1 {
		return nil, errors.Errorf("procgroup: options.Threads is %d, at least one worker is required", options.Threads)
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	devices := options.Devices
	if len(devices) == 0 {
		devices = []transport.Device{tcpmesh.NewDevice("")}
	}

	g := &Group{
		rank:       rank,
		size:       size,
		options:    options,
		inProgress: make([]*asyncWork, options.Threads),
	}
	g.produceCond = sync.NewCond(&g.mu)
	g.consumeCond = sync.NewCond(&g.mu)

	// One context per device, each rendezvousing under its own key prefix.
	for i, dev := range devices {
		prefixed := store.NewPrefixStore(fmt.Sprintf("mesh/%d", i), st)
		ctx, err := dev.Connect(prefixed, rank, size, options.ConnectTimeout)
		if err != nil {
			for _, prev := range g.contexts {
				prev.Close()
			}
			return nil, errors.WithMessagef(err, "procgroup: rank %d connecting device %d", rank, i)
		}
		g.contexts = append(g.contexts, ctx)
	}

	g.workers.Add(options.Threads)
	for w := 0; w < options.Threads; w++ {
		go g.runLoop(w)
	}
	klog.V(1).Infof("procgroup: rank %d/%d up with %d contexts, %d workers",
		rank, size, len(g.contexts), options.Threads)
	return g, nil
}

// Rank returns this process's position in the group, in [0, Size()).
func (g *Group) Rank() int { return g.rank }

// Size returns the fixed number of processes in the group.
func (g *Group) Size() int { return g.size }

// TagsIssued returns the number of operation tags allocated so far. Rejected
// calls never allocate a tag.
func (g *Group) TagsIssued() uint32 { return g.tagCounter.Load() }

// nextTag allocates the next operation tag. Strictly increasing per Group,
// wraps on uint32 overflow; a collision after wraparound within one
// context's lifetime is an accepted limitation.
func (g *Group) nextTag() uint32 {
	return g.tagCounter.Add(1) - 1
}

// enqueue appends w to the pending queue and wakes one worker. It fails once
// the pool has begun stopping.
func (g *Group) enqueue(w *asyncWork) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop {
		return errors.Errorf("procgroup: group is closed, cannot enqueue %s", w.opName)
	}
	g.queue = append(g.queue, w)
	g.produceCond.Signal()
	return nil
}

// runLoop is one worker: pop the queue head, publish it in this worker's
// slot, execute with the lock released, clear the slot.
func (g *Group) runLoop(worker int) {
	defer g.workers.Done()
	g.mu.Lock()
	for {
		for len(g.queue) == 0 {
			if g.stop {
				g.mu.Unlock()
				klog.V(2).Infof("procgroup: rank %d worker %d exiting", g.rank, worker)
				return
			}
			g.produceCond.Wait()
		}
		w := g.queue[0]
		g.queue = g.queue[1:]
		g.inProgress[worker] = w
		g.consumeCond.Broadcast()

		g.mu.Unlock()
		w.execute()
		g.mu.Lock()
		g.inProgress[worker] = nil
	}
}

// Close drains the pending queue (every already-enqueued operation is
// started, none is dropped), stops the workers and closes the communication
// contexts. Started operations may still be executing when Close returns;
// their handles' Wait remains the completion guarantee.
func (g *Group) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.mu.Lock()
	for len(g.queue) > 0 {
		g.consumeCond.Wait()
	}
	g.stop = true
	g.produceCond.Broadcast()
	g.mu.Unlock()
	g.workers.Wait()

	var firstErr error
	for _, ctx := range g.contexts {
		if err := ctx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	klog.V(1).Infof("procgroup: rank %d/%d closed", g.rank, g.size)
	return firstErr
}
