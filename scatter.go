package procgroup

import (
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/tensors"
	"github.com/gomlx/procgroup/transport"
)

// ScatterOptions selects the source rank.
type ScatterOptions struct {
	RootRank int
}

// Scatter distributes one tensor per rank from the root: process r's output
// receives inputs[0][r]. The root passes exactly one input list of Size()
// tensors matching the output's dtype and shape; every other process passes
// an empty inputs. Host memory only.
func (g *Group) Scatter(output *tensors.Tensor, inputs [][]*tensors.Tensor, opts ScatterOptions) (Work, error) {
	const opName = "scatter"
	if err := g.checkRootRank(opName, opts.RootRank); err != nil {
		return nil, err
	}
	if err := checkSingleHostTensor(opName, output); err != nil {
		return nil, err
	}

	isRoot := g.rank == opts.RootRank
	var rootIns []*tensors.Tensor
	if isRoot {
		if len(inputs) != 1 || len(inputs[0]) != g.size {
			return nil, errors.Errorf("%s: the root requires a single input list of %d tensors",
				opName, g.size)
		}
		rootIns = inputs[0]
		if err := tensors.CheckDense(rootIns); err != nil {
			return nil, errors.WithMessage(err, opName)
		}
		if err := tensors.CheckContiguous(rootIns); err != nil {
			return nil, errors.WithMessage(err, opName)
		}
		if err := checkHostOnly(opName, rootIns); err != nil {
			return nil, err
		}
		if err := tensors.CheckSameTypeAndShapeAs(output, rootIns); err != nil {
			return nil, errors.WithMessage(err, opName)
		}
	} else if len(inputs) != 0 {
		return nil, errors.Errorf("%s: inputs must be empty on non-root ranks", opName)
	}

	out, err := output.Bytes()
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	var inBytes [][]byte
	if isRoot {
		inBytes, err = tensorBytes(opName, rootIns)
		if err != nil {
			return nil, err
		}
	}

	tag := g.nextTag()
	ctx := g.contexts[0]
	w := newAsyncWork(opName, tag, func() error {
		return ctx.Scatter(transport.ScatterOptions{
			Root:   opts.RootRank,
			Tag:    tag,
			Inputs: inBytes,
			Output: out,
		})
	})
	if err := g.enqueue(w); err != nil {
		return nil, err
	}
	return w, nil
}
