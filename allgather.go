package procgroup

import (
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/tensors"
	"github.com/gomlx/procgroup/transport"
)

// Allgather gathers every process's inputs into every process's outputs:
// after completion outputs[i][r] holds, on every process, the value process
// r passed as inputs[i]. outputs must have one list per input tensor, each
// of length Size(), all matching the inputs' dtype and shape. Host memory
// only.
//
// The exchange runs over one contiguous scratch buffer per direction, then
// the gathered block is de-interleaved into the per-rank destinations.
func (g *Group) Allgather(outputs [][]*tensors.Tensor, inputs []*tensors.Tensor) (Work, error) {
	const opName = "allgather"
	if err := checkCollectiveInputs(opName, inputs); err != nil {
		return nil, err
	}
	if err := checkHostOnly(opName, inputs); err != nil {
		return nil, err
	}
	if len(outputs) != len(inputs) {
		return nil, errors.Errorf("%s: got %d output lists for %d inputs, they must match",
			opName, len(outputs), len(inputs))
	}
	for i, outs := range outputs {
		if len(outs) != g.size {
			return nil, errors.Errorf("%s: output list %d has %d tensors, group size is %d",
				opName, i, len(outs), g.size)
		}
		if err := tensors.CheckDense(outs); err != nil {
			return nil, errors.WithMessage(err, opName)
		}
		if err := tensors.CheckContiguous(outs); err != nil {
			return nil, errors.WithMessage(err, opName)
		}
		if err := checkHostOnly(opName, outs); err != nil {
			return nil, err
		}
		if err := tensors.CheckSameTypeAndShapeAs(inputs[0], outs); err != nil {
			return nil, errors.WithMessage(err, opName)
		}
	}

	inBytes, err := tensorBytes(opName, inputs)
	if err != nil {
		return nil, err
	}
	outBytes := make([][][]byte, len(outputs))
	for i, outs := range outputs {
		outBytes[i], err = tensorBytes(opName, outs)
		if err != nil {
			return nil, err
		}
	}

	each := len(inBytes[0])
	total := each * len(inputs)
	tag := g.nextTag()
	ctx := g.contexts[0]
	size := g.size
	w := newAsyncWork(opName, tag, func() error {
		flatIn := make([]byte, total)
		for i, in := range inBytes {
			copy(flatIn[i*each:], in)
		}
		flatOut := make([]byte, size*total)
		if err := ctx.Allgather(transport.AllgatherOptions{
			Tag:    tag,
			Input:  flatIn,
			Output: flatOut,
		}); err != nil {
			return err
		}
		for r := 0; r < size; r++ {
			slot := flatOut[r*total : (r+1)*total]
			for i := range outBytes {
				copy(outBytes[i][r], slot[i*each:(i+1)*each])
			}
		}
		return nil
	})
	if err := g.enqueue(w); err != nil {
		return nil, err
	}
	return w, nil
}
