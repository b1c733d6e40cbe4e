package procgroup

import (
	"github.com/gomlx/procgroup/reduction"
	"github.com/gomlx/procgroup/tensors"
	"github.com/gomlx/procgroup/transport"
)

// ReduceOptions selects the destination rank and the reduction operator.
type ReduceOptions struct {
	RootRank int
	Op       reduction.Op
}

// Reduce folds the single tensor element-wise across all processes; the
// result lands only in the root process's tensor, other processes' buffers
// are left unchanged. Host memory only; there is no staging path for this
// operation.
func (g *Group) Reduce(t *tensors.Tensor, opts ReduceOptions) (Work, error) {
	const opName = "reduce"
	if err := g.checkRootRank(opName, opts.RootRank); err != nil {
		return nil, err
	}
	if err := checkSingleHostTensor(opName, t); err != nil {
		return nil, err
	}
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}

	dtype := t.DType()
	tag := g.nextTag()
	ctx := g.contexts[0]
	w := newAsyncWork(opName, tag, func() error {
		fn, err := reduction.OfType(opts.Op, dtype)
		if err != nil {
			return err
		}
		return ctx.Reduce(transport.ReduceOptions{
			Root:   opts.RootRank,
			Tag:    tag,
			Data:   data,
			Reduce: fn,
		})
	})
	if err := g.enqueue(w); err != nil {
		return nil, err
	}
	return w, nil
}
