package procgroup

import (
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/reduction"
	"github.com/gomlx/procgroup/tensors"
	"github.com/gomlx/procgroup/transport"
)

// AllreduceOptions selects the reduction operator.
type AllreduceOptions struct {
	Op reduction.Op
}

// Allreduce reduces tensor 0 element-wise across all processes and writes
// the fully reduced value into every buffer of every process. The operator
// must be associative and commutative (Sum, Product, Min, Max).
//
// Tensors may all live on one accelerator device, staged through pinned
// host memory. An unsupported dtype for the operator surfaces on Wait, not
// here.
func (g *Group) Allreduce(ts []*tensors.Tensor, opts AllreduceOptions) (Work, error) {
	const opName = "allreduce"
	if err := checkCollectiveInputs(opName, ts); err != nil {
		return nil, err
	}
	dev, err := tensors.CheckSamePlacement(ts)
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}

	dtype := ts[0].DType()
	elemSize := int(dtype.Memory())
	tag := g.nextTag()
	ctx := g.contexts[0]
	var w *asyncWork
	if dev == nil {
		data, err := ts[0].Bytes()
		if err != nil {
			return nil, errors.WithMessage(err, opName)
		}
		w = newAsyncWork(opName, tag, func() error {
			fn, err := reduction.OfType(opts.Op, dtype)
			if err != nil {
				return err
			}
			if err := ctx.Allreduce(transport.AllreduceOptions{
				Tag:      tag,
				Data:     data,
				ElemSize: elemSize,
				Reduce:   fn,
			}); err != nil {
				return err
			}
			for _, t := range ts[1:] {
				if err := t.CopyFrom(ts[0]); err != nil {
					return err
				}
			}
			return nil
		})
	} else {
		staged, err := newStagedCollective(opName, dev, ts, 0)
		if err != nil {
			return nil, err
		}
		w = newAsyncWork(opName, tag, func() error {
			fn, err := reduction.OfType(opts.Op, dtype)
			if err != nil {
				return err
			}
			staged.awaitStaging()
			if err := ctx.Allreduce(transport.AllreduceOptions{
				Tag:      tag,
				Data:     staged.hostBytes(),
				ElemSize: elemSize,
				Reduce:   fn,
			}); err != nil {
				return err
			}
			staged.copyBack()
			return nil
		})
		w.synchronize = staged.synchronize
	}
	if err := g.enqueue(w); err != nil {
		return nil, err
	}
	return w, nil
}
