package procgroup

import (
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/tensors"
	"github.com/gomlx/procgroup/transport"
)

// GatherOptions selects the destination rank.
type GatherOptions struct {
	RootRank int
}

// Gather collects every process's input tensor on the root: after
// completion outputs[0][r] on the root holds process r's input. The root
// passes exactly one output list of Size() tensors matching the input's
// dtype and shape; every other process passes an empty outputs. Host memory
// only.
func (g *Group) Gather(outputs [][]*tensors.Tensor, input *tensors.Tensor, opts GatherOptions) (Work, error) {
	const opName = "gather"
	if err := g.checkRootRank(opName, opts.RootRank); err != nil {
		return nil, err
	}
	if err := checkSingleHostTensor(opName, input); err != nil {
		return nil, err
	}

	isRoot := g.rank == opts.RootRank
	var rootOuts []*tensors.Tensor
	if isRoot {
		if len(outputs) != 1 || len(outputs[0]) != g.size {
			return nil, errors.Errorf("%s: the root requires a single output list of %d tensors",
				opName, g.size)
		}
		rootOuts = outputs[0]
		if err := tensors.CheckDense(rootOuts); err != nil {
			return nil, errors.WithMessage(err, opName)
		}
		if err := tensors.CheckContiguous(rootOuts); err != nil {
			return nil, errors.WithMessage(err, opName)
		}
		if err := checkHostOnly(opName, rootOuts); err != nil {
			return nil, err
		}
		if err := tensors.CheckSameTypeAndShapeAs(input, rootOuts); err != nil {
			return nil, errors.WithMessage(err, opName)
		}
	} else if len(outputs) != 0 {
		return nil, errors.Errorf("%s: outputs must be empty on non-root ranks", opName)
	}

	in, err := input.Bytes()
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	var outBytes [][]byte
	if isRoot {
		outBytes, err = tensorBytes(opName, rootOuts)
		if err != nil {
			return nil, err
		}
	}

	tag := g.nextTag()
	ctx := g.contexts[0]
	size := g.size
	w := newAsyncWork(opName, tag, func() error {
		var flatOut []byte
		if isRoot {
			flatOut = make([]byte, size*len(in))
		}
		if err := ctx.Gather(transport.GatherOptions{
			Root:   opts.RootRank,
			Tag:    tag,
			Input:  in,
			Output: flatOut,
		}); err != nil {
			return err
		}
		for r := range outBytes {
			copy(outBytes[r], flatOut[r*len(in):(r+1)*len(in)])
		}
		return nil
	})
	if err := g.enqueue(w); err != nil {
		return nil, err
	}
	return w, nil
}
