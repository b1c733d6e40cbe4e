package procgroup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/procgroup/device"
	"github.com/gomlx/procgroup/reduction"
	"github.com/gomlx/procgroup/store"
	"github.com/gomlx/procgroup/tensors"
)

// newTestGroups brings up an in-process group of the given size over
// loopback TCP, one Group per rank, and registers cleanup.
func newTestGroups(t *testing.T, size, threads int) []*Group {
	t.Helper()
	st := store.NewMemoryStore()
	groups := make([]*Group, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			options := DefaultOptions()
			options.Threads = threads
			options.ConnectTimeout = 5 * time.Second
			groups[rank], errs[rank] = New(st, rank, size, options)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d failed to connect", rank)
	}
	t.Cleanup(func() {
		for _, g := range groups {
			if g != nil {
				g.Close()
			}
		}
	})
	return groups
}

// runGroups executes fn once per rank concurrently and fails the test on the
// first error.
func runGroups(t *testing.T, groups []*Group, fn func(g *Group) error) {
	t.Helper()
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g *Group) {
			defer wg.Done()
			errs[i] = fn(g)
		}(i, g)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
}

func flatFloat32(tensor *tensors.Tensor) []float32 {
	var out []float32
	tensors.ConstFlatData(tensor, func(flat []float32) {
		out = append(out, flat...)
	})
	return out
}

func waitOn(w Work, err error) error {
	if err != nil {
		return err
	}
	return w.Wait()
}

func TestNewValidation(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := New(st, 2, 2, DefaultOptions())
	require.Error(t, err)
	_, err = New(st, -1, 2, DefaultOptions())
	require.Error(t, err)
	options := DefaultOptions()
	options.Threads = 0
	_, err = New(st, 0, 1, options)
	require.Error(t, err)
}

func TestAllreduceSum(t *testing.T) {
	const size = 3
	groups := newTestGroups(t, size, 2)
	results := make([][][]float32, size)
	runGroups(t, groups, func(g *Group) error {
		// Two local buffers: only buffer 0 contributes, both receive the
		// result.
		t0 := tensors.FromScalarAndDimensions(float32(g.Rank()+1), 4)
		t1 := tensors.FromScalarAndDimensions(float32(-1), 4)
		if err := waitOn(g.Allreduce([]*tensors.Tensor{t0, t1},
			AllreduceOptions{Op: reduction.Sum})); err != nil {
			return err
		}
		results[g.Rank()] = [][]float32{flatFloat32(t0), flatFloat32(t1)}
		return nil
	})
	want := []float32{6, 6, 6, 6} // 1+2+3
	for rank := 0; rank < size; rank++ {
		assert.Equalf(t, want, results[rank][0], "rank %d buffer 0", rank)
		assert.Equalf(t, want, results[rank][1], "rank %d buffer 1", rank)
	}
}

func TestAllreduceOps(t *testing.T) {
	const size = 2
	tests := []struct {
		op   reduction.Op
		want float32 // over inputs 1 and 2
	}{
		{reduction.Sum, 3},
		{reduction.Product, 2},
		{reduction.Min, 1},
		{reduction.Max, 2},
	}
	for _, test := range tests {
		t.Run(test.op.String(), func(t *testing.T) {
			groups := newTestGroups(t, size, 2)
			results := make([][]float32, size)
			runGroups(t, groups, func(g *Group) error {
				buf := tensors.FromScalarAndDimensions(float32(g.Rank()+1), 2)
				if err := waitOn(g.Allreduce([]*tensors.Tensor{buf},
					AllreduceOptions{Op: test.op})); err != nil {
					return err
				}
				results[g.Rank()] = flatFloat32(buf)
				return nil
			})
			for rank := 0; rank < size; rank++ {
				assert.Equal(t, []float32{test.want, test.want}, results[rank])
			}
		})
	}
}

func TestBroadcastReplicatesRootTensor(t *testing.T) {
	const size, root, rootTensor = 2, 1, 1
	groups := newTestGroups(t, size, 2)
	results := make([][][]float32, size)
	runGroups(t, groups, func(g *Group) error {
		ts := []*tensors.Tensor{
			tensors.FromScalarAndDimensions(float32(0), 3),
			tensors.FromScalarAndDimensions(float32(0), 3),
		}
		if g.Rank() == root {
			ts[rootTensor] = tensors.FromFlatData([]float32{5, 6, 7}, 3)
		}
		if err := waitOn(g.Broadcast(ts, BroadcastOptions{
			RootRank:   root,
			RootTensor: rootTensor,
		})); err != nil {
			return err
		}
		results[g.Rank()] = [][]float32{flatFloat32(ts[0]), flatFloat32(ts[1])}
		return nil
	})
	want := []float32{5, 6, 7}
	for rank := 0; rank < size; rank++ {
		for i := 0; i < 2; i++ {
			assert.Equalf(t, want, results[rank][i], "rank %d tensor %d", rank, i)
		}
	}
}

func TestReduceRootOnly(t *testing.T) {
	const size, root = 2, 0
	groups := newTestGroups(t, size, 2)
	results := make([][]float32, size)
	runGroups(t, groups, func(g *Group) error {
		buf := tensors.FromScalarAndDimensions(float32(g.Rank()+1), 2)
		if err := waitOn(g.Reduce(buf, ReduceOptions{
			RootRank: root,
			Op:       reduction.Sum,
		})); err != nil {
			return err
		}
		results[g.Rank()] = flatFloat32(buf)
		return nil
	})
	assert.Equal(t, []float32{3, 3}, results[0])
	assert.Equal(t, []float32{2, 2}, results[1], "non-root buffer must stay unchanged")
}

func TestAllgather(t *testing.T) {
	const size = 3
	groups := newTestGroups(t, size, 2)
	results := make([][][]float32, size)
	runGroups(t, groups, func(g *Group) error {
		in := tensors.FromScalarAndDimensions(float32(g.Rank()*10), 2)
		outs := make([]*tensors.Tensor, size)
		for r := range outs {
			outs[r] = tensors.FromShape(in.Shape())
		}
		if err := waitOn(g.Allgather([][]*tensors.Tensor{outs},
			[]*tensors.Tensor{in})); err != nil {
			return err
		}
		gathered := make([][]float32, size)
		for r, out := range outs {
			gathered[r] = flatFloat32(out)
		}
		results[g.Rank()] = gathered
		return nil
	})
	for rank := 0; rank < size; rank++ {
		for r := 0; r < size; r++ {
			assert.Equalf(t, []float32{float32(r * 10), float32(r * 10)}, results[rank][r],
				"rank %d slot %d", rank, r)
		}
	}
}

func TestGatherScatterRoundTrip(t *testing.T) {
	const size, root = 3, 0
	groups := newTestGroups(t, size, 2)
	var gathered []*tensors.Tensor
	runGroups(t, groups, func(g *Group) error {
		// Scatter [10, 20, 30] from the root.
		out := tensors.FromScalarAndDimensions(float32(0), 1)
		var inputs [][]*tensors.Tensor
		if g.Rank() == root {
			inputs = [][]*tensors.Tensor{{
				tensors.FromFlatData([]float32{10}, 1),
				tensors.FromFlatData([]float32{20}, 1),
				tensors.FromFlatData([]float32{30}, 1),
			}}
		}
		if err := waitOn(g.Scatter(out, inputs, ScatterOptions{RootRank: root})); err != nil {
			return err
		}
		// Gather the received values back.
		var outputs [][]*tensors.Tensor
		if g.Rank() == root {
			gathered = make([]*tensors.Tensor, size)
			for r := range gathered {
				gathered[r] = tensors.FromShape(out.Shape())
			}
			outputs = [][]*tensors.Tensor{gathered}
		}
		return waitOn(g.Gather(outputs, out, GatherOptions{RootRank: root}))
	})
	want := []float32{10, 20, 30}
	for r, tensor := range gathered {
		assert.Equal(t, []float32{want[r]}, flatFloat32(tensor), "slot %d", r)
	}
}

func TestValidationRejectsBeforeTagAllocation(t *testing.T) {
	groups := newTestGroups(t, 1, 1)
	g := groups[0]

	a := tensors.FromFlatData([]float32{1, 2}, 2)
	mismatched := tensors.FromFlatData([]float32{1, 2, 3}, 3)
	sparse := tensors.SparseCOO(a.Shape(), []int{0, 1}, a)
	before := g.TagsIssued()

	_, err := g.Allreduce([]*tensors.Tensor{a, mismatched}, AllreduceOptions{Op: reduction.Sum})
	require.Error(t, err)
	_, err = g.Allreduce(nil, AllreduceOptions{Op: reduction.Sum})
	require.Error(t, err)
	_, err = g.Allreduce([]*tensors.Tensor{sparse}, AllreduceOptions{Op: reduction.Sum})
	require.Error(t, err)
	_, err = g.Broadcast([]*tensors.Tensor{a}, BroadcastOptions{RootRank: 5})
	require.Error(t, err)
	_, err = g.Broadcast([]*tensors.Tensor{a}, BroadcastOptions{RootTensor: 3})
	require.Error(t, err)
	_, err = g.Reduce(a, ReduceOptions{RootRank: -1, Op: reduction.Sum})
	require.Error(t, err)
	_, err = g.Send(a, 0, -1)
	require.Error(t, err)
	_, err = g.Recv(a, 7, 0)
	require.Error(t, err)
	_, err = g.Gather([][]*tensors.Tensor{{a}, {a}}, a, GatherOptions{})
	require.Error(t, err)
	_, err = g.Scatter(a, [][]*tensors.Tensor{{a}, {a}}, ScatterOptions{})
	require.Error(t, err)

	assert.Equal(t, before, g.TagsIssued(), "rejected calls must not allocate tags")

	// A valid call allocates exactly one.
	require.NoError(t, waitOn(g.Allreduce([]*tensors.Tensor{a}, AllreduceOptions{Op: reduction.Sum})))
	assert.Equal(t, before+1, g.TagsIssued())
}

func TestExecutionErrorSurfacesOnWait(t *testing.T) {
	// Bool has no reduction kernels; the builder accepts it and the failure
	// is captured during execution, surfacing on Wait.
	groups := newTestGroups(t, 1, 1)
	g := groups[0]
	buf := tensors.FromFlatData([]bool{true, false}, 2)
	w, err := g.Allreduce([]*tensors.Tensor{buf}, AllreduceOptions{Op: reduction.Sum})
	require.NoError(t, err)
	err = w.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestBarrierWaitsForDelayedWork(t *testing.T) {
	groups := newTestGroups(t, 1, 2)
	g := groups[0]

	release := make(chan struct{})
	var completed atomic.Bool
	delayed := newAsyncWork("delayed", g.nextTag(), func() error {
		<-release
		completed.Store(true)
		return nil
	})
	require.NoError(t, g.enqueue(delayed))

	bw, err := g.Barrier()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- bw.Wait() }()

	select {
	case <-done:
		t.Fatal("barrier completed before the delayed operation")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("barrier did not complete after the delayed operation finished")
	}
	assert.True(t, completed.Load())
	require.NoError(t, delayed.Wait())
}

func TestBarrierPropagatesPriorFailure(t *testing.T) {
	groups := newTestGroups(t, 1, 2)
	g := groups[0]

	release := make(chan struct{})
	failing := newAsyncWork("failing", g.nextTag(), func() error {
		<-release
		return errors.New("boom")
	})
	require.NoError(t, g.enqueue(failing))

	bw, err := g.Barrier()
	require.NoError(t, err)
	close(release)
	err = bw.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a prior operation failed")
}

func TestBarrierAcrossRanks(t *testing.T) {
	groups := newTestGroups(t, 3, 2)
	runGroups(t, groups, func(g *Group) error {
		return waitOn(g.Barrier())
	})
}

func TestTagsPairwiseDistinct(t *testing.T) {
	groups := newTestGroups(t, 1, 1)
	g := groups[0]

	const callers, perCaller = 8, 200
	tags := make([][]uint32, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tags[i] = make([]uint32, perCaller)
			for j := range tags[i] {
				tags[i][j] = g.nextTag()
			}
		}(i)
	}
	wg.Wait()
	seen := make(map[uint32]bool, callers*perCaller)
	for _, batch := range tags {
		for _, tag := range batch {
			assert.False(t, seen[tag], "tag %d issued twice", tag)
			seen[tag] = true
		}
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	groups := newTestGroups(t, 1, 1)
	g := groups[0]

	// Hold the single worker so the queue backs up.
	gate := make(chan struct{})
	blocker := newAsyncWork("blocker", g.nextTag(), func() error {
		<-gate
		return nil
	})
	require.NoError(t, g.enqueue(blocker))

	const k = 10
	var started atomic.Int32
	queued := make([]*asyncWork, k)
	for i := range queued {
		queued[i] = newAsyncWork("queued", g.nextTag(), func() error {
			started.Add(1)
			return nil
		})
		require.NoError(t, g.enqueue(queued[i]))
	}

	closed := make(chan error, 1)
	go func() { closed <- g.Close() }()
	// Close must drain, not drop: nothing can have started yet.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), started.Load())

	close(gate)
	require.NoError(t, <-closed)
	assert.Equal(t, int32(k), started.Load(), "all queued operations must start before shutdown")
	for _, w := range queued {
		require.NoError(t, w.Wait())
	}

	// The pool is gone; new operations are rejected.
	buf := tensors.FromFlatData([]float32{1}, 1)
	_, err := g.Allreduce([]*tensors.Tensor{buf}, AllreduceOptions{Op: reduction.Sum})
	require.Error(t, err)
	_, err = g.Barrier()
	require.Error(t, err)
}

func TestSendRecv(t *testing.T) {
	groups := newTestGroups(t, 2, 2)
	var received []float32
	runGroups(t, groups, func(g *Group) error {
		if g.Rank() == 0 {
			buf := tensors.FromFlatData([]float32{1, 2, 3}, 3)
			return waitOn(g.Send(buf, 1, 5))
		}
		buf := tensors.FromFlatData([]float32{0, 0, 0}, 3)
		if err := waitOn(g.Recv(buf, 0, 5)); err != nil {
			return err
		}
		received = flatFloat32(buf)
		return nil
	})
	assert.Equal(t, []float32{1, 2, 3}, received)
}

func TestRecvAnySourceReportsSender(t *testing.T) {
	const size = 3
	groups := newTestGroups(t, size, 2)
	var srcRank int
	var received []float32
	runGroups(t, groups, func(g *Group) error {
		switch g.Rank() {
		case 0:
			buf := tensors.FromFlatData([]float32{0, 0}, 2)
			w, err := g.RecvAnySource(buf, 6)
			if err != nil {
				return err
			}
			if err := w.Wait(); err != nil {
				return err
			}
			srcRank = w.SourceRank()
			received = flatFloat32(buf)
			return nil
		case 2:
			buf := tensors.FromFlatData([]float32{8, 9}, 2)
			return waitOn(g.Send(buf, 0, 6))
		}
		return nil
	})
	assert.Equal(t, 2, srcRank)
	assert.Equal(t, []float32{8, 9}, received)
}

func TestMixedPlacementRejected(t *testing.T) {
	groups := newTestGroups(t, 1, 1)
	g := groups[0]
	dev := device.New("sim0")
	defer dev.Close()

	host := tensors.FromFlatData([]float32{1, 2}, 2)
	onDev, err := host.ToDevice(dev)
	require.NoError(t, err)

	_, err = g.Allreduce([]*tensors.Tensor{host, onDev}, AllreduceOptions{Op: reduction.Sum})
	require.Error(t, err)

	// Host-only operations reject device tensors outright.
	_, err = g.Reduce(onDev, ReduceOptions{Op: reduction.Sum})
	require.Error(t, err)
	_, err = g.Send(onDev, 0, 1)
	require.Error(t, err)
}
