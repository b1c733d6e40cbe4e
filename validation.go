package procgroup

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/tensors"
)

// Builder-side argument validation. Everything here runs synchronously on
// the calling goroutine, before any tag is allocated or work enqueued.

// checkCollectiveInputs validates the common collective preconditions:
// non-empty, dense, contiguous, uniform dtype and shape.
func checkCollectiveInputs(opName string, ts []*tensors.Tensor) error {
	for _, check := range []func([]*tensors.Tensor) error{
		tensors.CheckNonEmpty,
		tensors.CheckDense,
		tensors.CheckContiguous,
		tensors.CheckSameTypeAndShape,
	} {
		if err := check(ts); err != nil {
			return errors.WithMessage(err, opName)
		}
	}
	return nil
}

// checkHostOnly rejects device-resident tensors for operations without a
// staging path.
func checkHostOnly(opName string, ts []*tensors.Tensor) error {
	if err := tensors.CheckOnHost(ts); err != nil {
		return errors.WithMessage(err, opName)
	}
	return nil
}

func (g *Group) checkRootRank(opName string, root int) error {
	if root < 0 || root >= g.size {
		return errors.Errorf("%s: root rank %d out of range [0, %d)", opName, root, g.size)
	}
	return nil
}

func (g *Group) checkPeerRank(opName string, peer int) error {
	if peer < 0 || peer >= g.size {
		return errors.Errorf("%s: peer rank %d out of range [0, %d)", opName, peer, g.size)
	}
	return nil
}

// checkUserTag validates a caller-supplied point-to-point tag. Collective
// tags are engine-allocated and never pass through here.
func checkUserTag(opName string, tag int) error {
	if tag < 0 || tag > math.MaxInt32 {
		return errors.Errorf("%s: tag %d out of range [0, %d]", opName, tag, math.MaxInt32)
	}
	return nil
}

// checkSingleHostTensor validates the one buffer of a point-to-point or
// reduce call: dense, contiguous and on host memory.
func checkSingleHostTensor(opName string, t *tensors.Tensor) error {
	if t == nil {
		return errors.Errorf("%s: requires a tensor, got nil", opName)
	}
	ts := []*tensors.Tensor{t}
	if err := checkCollectiveInputs(opName, ts); err != nil {
		return err
	}
	return checkHostOnly(opName, ts)
}

// tensorBytes collects the raw bytes of each tensor. All tensors were
// already validated dense, contiguous and host-resident.
func tensorBytes(opName string, ts []*tensors.Tensor) ([][]byte, error) {
	out := make([][]byte, len(ts))
	for i, t := range ts {
		data, err := t.Bytes()
		if err != nil {
			return nil, errors.WithMessage(err, opName)
		}
		out[i] = data
	}
	return out, nil
}
