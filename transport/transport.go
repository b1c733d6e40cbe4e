// Package transport defines the communication-context collaborator consumed
// by the collective engine: a fully-connected mesh of peer connections
// established through a rendezvous store, offering per-operation collective
// primitives and tagged point-to-point transfers over host-addressable
// memory.
//
// Implementations live in subpackages (see transport/tcpmesh). The engine
// treats a Context as opaque: it hands it flat byte buffers, an operation
// tag to keep concurrent traffic apart, and a reduction kernel where one is
// needed.
package transport

import (
	"time"

	"github.com/gomlx/procgroup/reduction"
	"github.com/gomlx/procgroup/store"
)

// Device describes one network device a mesh can be established over. It is
// the factory for contexts.
type Device interface {
	// Connect establishes the full mesh among the size processes, using st
	// to exchange connection metadata. It blocks until every peer
	// connection is up or timeout expires.
	Connect(st store.Store, rank, size int, timeout time.Duration) (Context, error)
}

// Context is a connected mesh. All methods are safe for concurrent use as
// long as concurrent operations carry distinct tags.
//
// Collective calls block until the operation completes on this rank; the
// engine runs them on worker threads.
type Context interface {
	Rank() int
	Size() int

	Broadcast(opts BroadcastOptions) error
	Allreduce(opts AllreduceOptions) error
	Reduce(opts ReduceOptions) error
	Allgather(opts AllgatherOptions) error
	Gather(opts GatherOptions) error
	Scatter(opts ScatterOptions) error
	Barrier(opts BarrierOptions) error

	// CreateUnboundBuffer wraps data for tagged point-to-point transfer.
	CreateUnboundBuffer(data []byte) UnboundBuffer

	Close() error
}

// UnboundBuffer is a registration of host memory for point-to-point
// transfer, mirroring the posted-then-awaited structure of the underlying
// communication libraries: exactly one Send or Recv is posted, then the
// matching Wait observes completion.
type UnboundBuffer interface {
	// Send posts an asynchronous send of the buffer to dst.
	Send(dst int, tag uint32)

	// Recv posts an asynchronous receive into the buffer, accepting a
	// message with the given tag from any of srcs.
	Recv(srcs []int, tag uint32)

	// WaitSend blocks until the posted send completed (or failed).
	WaitSend() error

	// WaitRecv blocks until the posted receive completed, returning the
	// rank the message actually came from.
	WaitRecv() (srcRank int, err error)
}

// BroadcastOptions: Data is the value on the root rank, and the destination
// on every other rank.
type BroadcastOptions struct {
	Root int
	Tag  uint32
	Data []byte
}

// AllreduceOptions: Data is reduced element-wise across all ranks with
// Reduce; on return it holds the full result on every rank. ElemSize is the
// dtype's size in bytes, needed to split Data at element boundaries.
type AllreduceOptions struct {
	Tag      uint32
	Data     []byte
	ElemSize int
	Reduce   reduction.Func
}

// ReduceOptions: like allreduce, but only the root's Data holds the result;
// other ranks' buffers are left unchanged.
type ReduceOptions struct {
	Root   int
	Tag    uint32
	Data   []byte
	Reduce reduction.Func
}

// AllgatherOptions: every rank contributes Input; Output (length
// Size*len(Input)) receives the contributions in rank order on every rank.
type AllgatherOptions struct {
	Tag    uint32
	Input  []byte
	Output []byte
}

// GatherOptions: like allgather, but Output is only filled on the root; it
// must be nil elsewhere.
type GatherOptions struct {
	Root   int
	Tag    uint32
	Input  []byte
	Output []byte
}

// ScatterOptions: the root supplies Inputs, one slice per destination rank;
// every rank's Output receives its slice. Inputs must be nil off-root.
type ScatterOptions struct {
	Root   int
	Tag    uint32
	Inputs [][]byte
	Output []byte
}

// BarrierOptions carries only the operation tag.
type BarrierOptions struct {
	Tag uint32
}
