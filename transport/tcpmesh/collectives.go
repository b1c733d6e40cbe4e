package tcpmesh

import (
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/transport"
)

func (m *mesh) checkRoot(root int) error {
	if root < 0 || root >= m.size {
		return errors.Errorf("tcpmesh: root rank %d out of range [0, %d)", root, m.size)
	}
	return nil
}

// await drains a batch of asynchronous sends and keeps the first failure.
func await(pending []<-chan error) error {
	var first error
	for _, ch := range pending {
		if err := <-ch; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Broadcast implements transport.Context: the root fans its buffer out to
// every other rank.
func (m *mesh) Broadcast(opts transport.BroadcastOptions) error {
	if err := m.checkRoot(opts.Root); err != nil {
		return err
	}
	if m.size == 1 {
		return nil
	}
	if m.rank == opts.Root {
		pending := make([]<-chan error, 0, m.size-1)
		for r := 0; r < m.size; r++ {
			if r == m.rank {
				continue
			}
			pending = append(pending, m.asyncSend(r, opts.Tag, opts.Data))
		}
		return await(pending)
	}
	f, err := m.recv([]int{opts.Root}, opts.Tag)
	if err != nil {
		return err
	}
	if len(f.Payload) != len(opts.Data) {
		return errors.Errorf("tcpmesh: broadcast received %d bytes, buffer holds %d",
			len(f.Payload), len(opts.Data))
	}
	copy(opts.Data, f.Payload)
	return nil
}

// Allreduce implements transport.Context with the bandwidth-optimal ring
// algorithm: size-1 reduce-scatter steps followed by size-1 allgather steps,
// each rank sending to its right neighbor and receiving from its left.
func (m *mesh) Allreduce(opts transport.AllreduceOptions) error {
	if opts.ElemSize <= 0 {
		return errors.Errorf("tcpmesh: allreduce element size %d must be positive", opts.ElemSize)
	}
	if len(opts.Data)%opts.ElemSize != 0 {
		return errors.Errorf("tcpmesh: allreduce buffer of %d bytes is not a multiple of element size %d",
			len(opts.Data), opts.ElemSize)
	}
	if opts.Reduce == nil {
		return errors.New("tcpmesh: allreduce requires a reduction function")
	}
	if m.size == 1 {
		return nil
	}

	// Partition the buffer into size chunks of near-equal element counts;
	// trailing chunks may be empty for tiny buffers.
	n := len(opts.Data) / opts.ElemSize
	bounds := make([]int, m.size+1)
	base, rem := n/m.size, n%m.size
	for i := 0; i < m.size; i++ {
		bounds[i+1] = bounds[i] + base
		if i < rem {
			bounds[i+1]++
		}
	}
	chunk := func(i int) []byte {
		return opts.Data[bounds[i]*opts.ElemSize : bounds[i+1]*opts.ElemSize]
	}
	right := (m.rank + 1) % m.size
	left := (m.rank - 1 + m.size) % m.size

	step := func(sendIdx, recvIdx int, accumulate bool) error {
		sent := m.asyncSend(right, opts.Tag, chunk(sendIdx))
		f, err := m.recv([]int{left}, opts.Tag)
		if err != nil {
			<-sent
			return err
		}
		dst := chunk(recvIdx)
		if len(f.Payload) != len(dst) {
			<-sent
			return errors.Errorf("tcpmesh: allreduce chunk %d: received %d bytes, expected %d",
				recvIdx, len(f.Payload), len(dst))
		}
		if len(dst) > 0 {
			if accumulate {
				opts.Reduce(dst, f.Payload)
			} else {
				copy(dst, f.Payload)
			}
		}
		return <-sent
	}

	// Reduce-scatter: after it, chunk (rank+1)%size holds the full
	// reduction on this rank.
	for s := 0; s < m.size-1; s++ {
		sendIdx := (m.rank - s + m.size) % m.size
		recvIdx := (m.rank - s - 1 + m.size) % m.size
		if err := step(sendIdx, recvIdx, true); err != nil {
			return err
		}
	}
	// Allgather: circulate the reduced chunks until every rank has all of
	// them.
	for s := 0; s < m.size-1; s++ {
		sendIdx := (m.rank + 1 - s + m.size) % m.size
		recvIdx := (m.rank - s + m.size) % m.size
		if err := step(sendIdx, recvIdx, false); err != nil {
			return err
		}
	}
	return nil
}

// Reduce implements transport.Context: non-root ranks send their buffer to
// the root, which folds them in rank order. Off-root buffers are untouched.
func (m *mesh) Reduce(opts transport.ReduceOptions) error {
	if err := m.checkRoot(opts.Root); err != nil {
		return err
	}
	if opts.Reduce == nil {
		return errors.New("tcpmesh: reduce requires a reduction function")
	}
	if m.size == 1 {
		return nil
	}
	if m.rank != opts.Root {
		return m.send(opts.Root, opts.Tag, opts.Data)
	}
	for r := 0; r < m.size; r++ {
		if r == m.rank {
			continue
		}
		f, err := m.recv([]int{r}, opts.Tag)
		if err != nil {
			return err
		}
		if len(f.Payload) != len(opts.Data) {
			return errors.Errorf("tcpmesh: reduce received %d bytes from rank %d, buffer holds %d",
				len(f.Payload), r, len(opts.Data))
		}
		opts.Reduce(opts.Data, f.Payload)
	}
	return nil
}

// Allgather implements transport.Context: every rank sends its input to
// every other rank and assembles the outputs in rank order.
func (m *mesh) Allgather(opts transport.AllgatherOptions) error {
	if len(opts.Output) != m.size*len(opts.Input) {
		return errors.Errorf("tcpmesh: allgather output of %d bytes, expected %d (size %d x input %d)",
			len(opts.Output), m.size*len(opts.Input), m.size, len(opts.Input))
	}
	slot := func(r int) []byte {
		return opts.Output[r*len(opts.Input) : (r+1)*len(opts.Input)]
	}
	copy(slot(m.rank), opts.Input)
	if m.size == 1 {
		return nil
	}
	pending := make([]<-chan error, 0, m.size-1)
	for r := 0; r < m.size; r++ {
		if r == m.rank {
			continue
		}
		pending = append(pending, m.asyncSend(r, opts.Tag, opts.Input))
	}
	var recvErr error
	for r := 0; r < m.size; r++ {
		if r == m.rank {
			continue
		}
		f, err := m.recv([]int{r}, opts.Tag)
		if err != nil {
			recvErr = err
			break
		}
		if len(f.Payload) != len(opts.Input) {
			recvErr = errors.Errorf("tcpmesh: allgather received %d bytes from rank %d, expected %d",
				len(f.Payload), r, len(opts.Input))
			break
		}
		copy(slot(r), f.Payload)
	}
	if err := await(pending); recvErr == nil {
		recvErr = err
	}
	return recvErr
}

// Gather implements transport.Context: the root collects every rank's input
// into Output in rank order.
func (m *mesh) Gather(opts transport.GatherOptions) error {
	if err := m.checkRoot(opts.Root); err != nil {
		return err
	}
	if m.rank != opts.Root {
		if len(opts.Output) != 0 {
			return errors.New("tcpmesh: gather output must be empty off the root rank")
		}
		if m.size == 1 {
			return nil
		}
		return m.send(opts.Root, opts.Tag, opts.Input)
	}
	if len(opts.Output) != m.size*len(opts.Input) {
		return errors.Errorf("tcpmesh: gather output of %d bytes, expected %d (size %d x input %d)",
			len(opts.Output), m.size*len(opts.Input), m.size, len(opts.Input))
	}
	slot := func(r int) []byte {
		return opts.Output[r*len(opts.Input) : (r+1)*len(opts.Input)]
	}
	copy(slot(m.rank), opts.Input)
	for r := 0; r < m.size; r++ {
		if r == m.rank {
			continue
		}
		f, err := m.recv([]int{r}, opts.Tag)
		if err != nil {
			return err
		}
		if len(f.Payload) != len(opts.Input) {
			return errors.Errorf("tcpmesh: gather received %d bytes from rank %d, expected %d",
				len(f.Payload), r, len(opts.Input))
		}
		copy(slot(r), f.Payload)
	}
	return nil
}

// Scatter implements transport.Context: the root distributes one input slice
// per rank; each rank's Output receives its slice.
func (m *mesh) Scatter(opts transport.ScatterOptions) error {
	if err := m.checkRoot(opts.Root); err != nil {
		return err
	}
	if m.rank != opts.Root {
		if len(opts.Inputs) != 0 {
			return errors.New("tcpmesh: scatter inputs must be empty off the root rank")
		}
		f, err := m.recv([]int{opts.Root}, opts.Tag)
		if err != nil {
			return err
		}
		if len(f.Payload) != len(opts.Output) {
			return errors.Errorf("tcpmesh: scatter received %d bytes, buffer holds %d",
				len(f.Payload), len(opts.Output))
		}
		copy(opts.Output, f.Payload)
		return nil
	}
	if len(opts.Inputs) != m.size {
		return errors.Errorf("tcpmesh: scatter requires %d inputs on the root, got %d",
			m.size, len(opts.Inputs))
	}
	for r, in := range opts.Inputs {
		if len(in) != len(opts.Output) {
			return errors.Errorf("tcpmesh: scatter input %d of %d bytes, output holds %d",
				r, len(in), len(opts.Output))
		}
	}
	copy(opts.Output, opts.Inputs[m.rank])
	if m.size == 1 {
		return nil
	}
	pending := make([]<-chan error, 0, m.size-1)
	for r := 0; r < m.size; r++ {
		if r == m.rank {
			continue
		}
		pending = append(pending, m.asyncSend(r, opts.Tag, opts.Inputs[r]))
	}
	return await(pending)
}

// Barrier implements transport.Context with the dissemination algorithm:
// ceil(log2(size)) rounds, each sending a token distance 2^k ahead and
// waiting for one from 2^k behind.
func (m *mesh) Barrier(opts transport.BarrierOptions) error {
	for dist := 1; dist < m.size; dist <<= 1 {
		to := (m.rank + dist) % m.size
		from := (m.rank - dist + m.size) % m.size
		sent := m.asyncSend(to, opts.Tag, nil)
		if _, err := m.recv([]int{from}, opts.Tag); err != nil {
			<-sent
			return err
		}
		if err := <-sent; err != nil {
			return err
		}
	}
	return nil
}
