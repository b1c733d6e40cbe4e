package tensors

import (
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/device"
)

// The Check* helpers implement the buffer validation used by collective
// builders. They return errors (never panic) so callers can fail fast
// without touching the worker pool.

// CheckNonEmpty verifies ts has at least one tensor.
func CheckNonEmpty(ts []*Tensor) error {
	if len(ts) == 0 {
		return errors.New("requires a non-empty tensor list")
	}
	return nil
}

// CheckDense verifies every tensor has dense storage.
func CheckDense(ts []*Tensor) error {
	for i, t := range ts {
		if !t.IsDense() {
			return errors.Errorf("tensor %d (%s) is sparse, dense storage required", i, t)
		}
	}
	return nil
}

// CheckContiguous verifies every tensor is contiguous.
func CheckContiguous(ts []*Tensor) error {
	for i, t := range ts {
		if !t.IsContiguous() {
			return errors.Errorf("tensor %d (%s) is not contiguous", i, t)
		}
	}
	return nil
}

// CheckOnHost verifies no tensor is device-resident.
func CheckOnHost(ts []*Tensor) error {
	for i, t := range ts {
		if t.Device() != nil {
			return errors.Errorf("tensor %d (%s) resides on device %s, host memory required",
				i, t, t.Device().Name())
		}
	}
	return nil
}

// CheckSameTypeAndShape verifies all tensors share the dtype and shape of
// the first one.
func CheckSameTypeAndShape(ts []*Tensor) error {
	if len(ts) == 0 {
		return nil
	}
	want := ts[0].Shape()
	for i, t := range ts[1:] {
		if !t.Shape().Equal(want) {
			return errors.Errorf("tensor %d has shape %s, expected %s like tensor 0",
				i+1, t.Shape(), want)
		}
	}
	return nil
}

// CheckSameTypeAndShapeAs verifies all tensors share reference's dtype and
// shape.
func CheckSameTypeAndShapeAs(reference *Tensor, ts []*Tensor) error {
	want := reference.Shape()
	for i, t := range ts {
		if !t.Shape().Equal(want) {
			return errors.Errorf("tensor %d has shape %s, expected %s", i, t.Shape(), want)
		}
	}
	return nil
}

// CheckSamePlacement verifies all tensors are on the host (returns nil
// device) or all on the same device (returned).
func CheckSamePlacement(ts []*Tensor) (*device.Device, error) {
	if len(ts) == 0 {
		return nil, nil
	}
	dev := ts[0].Device()
	for i, t := range ts[1:] {
		if t.Device() != dev {
			return nil, errors.Errorf("tensor %d placement differs from tensor 0: mixing host and "+
				"device (or distinct devices) in one operation is not supported", i+1)
		}
	}
	return dev, nil
}
