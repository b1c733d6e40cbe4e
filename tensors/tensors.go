// Package tensors implements the buffer container consumed by the collective
// engine: a multidimensional array defined by a shape (dtype plus axes
// dimensions), backed either by a flat host slice or by a device allocation.
//
// It deliberately covers only what collective communication needs:
// construction, flat data access, dense/contiguous introspection, narrow
// views, host<->device transfer and staging scratch allocation. It is not a
// compute library.
package tensors

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/procgroup/device"
)

// Tensor is a dense (or, minimally, sparse COO) multidimensional array.
//
// Host tensors store their values in a flat slice of the Go type matching
// the dtype. Device tensors hold a device.Buffer instead, and their values
// can only be moved through device streams.
//
// A Tensor may be a view into another tensor's storage (see Narrow), in
// which case it is possibly non-contiguous.
type Tensor struct {
	shape shapes.Shape

	// Host storage: flat is the full backing slice ([]T of the dtype's Go
	// type); offset and strides (in elements) locate this tensor's values in
	// it. strides == nil means packed row-major at offset 0.
	flat    any
	offset  int
	strides []int

	// Sparse COO storage: flat holds the values, sparseIndices the flattened
	// coordinates. Sparse tensors are rejected by every collective; they
	// exist so density validation has something real to check.
	sparseIndices []int

	// Device storage.
	devBuf *device.Buffer

	pinned bool
}

// FromShape creates a zero-initialized host tensor of the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{shape: shape, flat: flatV.Interface()}
}

// FromFlatData creates a host tensor with the given dimensions, taking
// ownership of data as its flat backing. It panics if the length of data
// doesn't match the dimensions.
func FromFlatData[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatData: got %d values for shape %s, which requires %d",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: data}
}

// FromScalarAndDimensions creates a host tensor with the given dimensions,
// filled with value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	data := make([]T, shape.Size())
	for i := range data {
		data[i] = value
	}
	return &Tensor{shape: shape, flat: data}
}

// SparseCOO creates a minimal sparse tensor: values holds the non-zero
// entries and indices their flattened coordinates within shape.
func SparseCOO(shape shapes.Shape, indices []int, values *Tensor) *Tensor {
	if values.Size() != len(indices) {
		exceptions.Panicf("tensors.SparseCOO: %d indices for %d values", len(indices), values.Size())
	}
	return &Tensor{shape: shape, flat: values.flat, sparseIndices: indices}
}

// OnDevice creates a zero-initialized tensor resident on dev.
func OnDevice(dev *device.Device, shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape, devBuf: dev.Alloc(int(shape.Memory()))}
}

// PinnedLike allocates host-pinned scratch with the same shape as t, used to
// stage device tensors for the network layer.
func PinnedLike(t *Tensor) *Tensor {
	scratch := FromShape(t.shape)
	scratch.pinned = true
	return scratch
}

// Shape returns the tensor shape. It implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType is a shortcut for Shape().DType.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the storage size in bytes.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Device returns the device the tensor resides on, or nil for host tensors.
func (t *Tensor) Device() *device.Device {
	if t.devBuf == nil {
		return nil
	}
	return t.devBuf.Device()
}

// DeviceBuffer returns the underlying device allocation, or nil for host
// tensors.
func (t *Tensor) DeviceBuffer() *device.Buffer { return t.devBuf }

// IsDense reports whether the tensor has dense storage (it is not sparse).
func (t *Tensor) IsDense() bool { return t.sparseIndices == nil }

// IsPinned reports whether a host tensor was allocated as pinned scratch.
func (t *Tensor) IsPinned() bool { return t.pinned }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	switch {
	case !t.IsDense():
		return fmt.Sprintf("Tensor<sparse %s>", t.shape)
	case t.devBuf != nil:
		return fmt.Sprintf("Tensor<%s on %s>", t.shape, t.devBuf.Device().Name())
	}
	return fmt.Sprintf("Tensor<%s>", t.shape)
}

// packedStrides returns row-major strides for dims.
func packedStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

func (t *Tensor) currentStrides() []int {
	if t.strides != nil {
		return t.strides
	}
	return packedStrides(t.shape.Dimensions)
}

// IsContiguous reports whether the tensor's elements are laid out packed,
// row-major, in its backing storage. Device tensors are always contiguous.
func (t *Tensor) IsContiguous() bool {
	if t.strides == nil {
		return true
	}
	packed := packedStrides(t.shape.Dimensions)
	for axis, stride := range t.strides {
		if t.shape.Dimensions[axis] > 1 && stride != packed[axis] {
			return false
		}
	}
	return true
}

// Narrow returns a view of t restricted to dims [start, start+n) along axis.
// The view shares storage with t and may be non-contiguous. Host dense
// tensors only.
func (t *Tensor) Narrow(axis, start, n int) *Tensor {
	if t.devBuf != nil || !t.IsDense() {
		exceptions.Panicf("tensors.Narrow: requires a dense host tensor, got %s", t)
	}
	dims := t.shape.Dimensions
	if axis < 0 || axis >= len(dims) {
		exceptions.Panicf("tensors.Narrow: axis %d out of range for rank %d", axis, len(dims))
	}
	if start < 0 || n <= 0 || start+n > dims[axis] {
		exceptions.Panicf("tensors.Narrow: range [%d, %d) out of bounds for dimension %d",
			start, start+n, dims[axis])
	}
	strides := t.currentStrides()
	newDims := make([]int, len(dims))
	copy(newDims, dims)
	newDims[axis] = n
	return &Tensor{
		shape:   shapes.Make(t.shape.DType, newDims...),
		flat:    t.flat,
		offset:  t.offset + start*strides[axis],
		strides: strides,
	}
}

// Contiguous returns t if it is already contiguous, otherwise a packed copy.
func (t *Tensor) Contiguous() *Tensor {
	if t.devBuf != nil || !t.IsDense() {
		exceptions.Panicf("tensors.Contiguous: requires a dense host tensor, got %s", t)
	}
	if t.IsContiguous() {
		return t
	}
	out := FromShape(t.shape)
	srcV := reflect.ValueOf(t.flat)
	dstV := reflect.ValueOf(out.flat)
	dims := t.shape.Dimensions
	strides := t.currentStrides()
	idx := make([]int, len(dims))
	for pos := 0; ; pos++ {
		srcOffset := t.offset
		for axis, i := range idx {
			srcOffset += i * strides[axis]
		}
		dstV.Index(pos).Set(srcV.Index(srcOffset))
		axis := len(dims) - 1
		for ; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < dims[axis] {
				break
			}
			idx[axis] = 0
		}
		if axis < 0 {
			break
		}
	}
	return out
}

// Bytes returns the tensor's values as a byte slice aliasing the backing
// storage (no copy). It requires a dense, contiguous host tensor.
func (t *Tensor) Bytes() ([]byte, error) {
	if t.devBuf != nil {
		return nil, errors.Errorf("tensor %s is on device, host bytes unavailable", t)
	}
	if !t.IsDense() {
		return nil, errors.Errorf("tensor %s is sparse, flat bytes unavailable", t)
	}
	if !t.IsContiguous() {
		return nil, errors.Errorf("tensor %s is not contiguous, call Contiguous() first", t)
	}
	flatV := reflect.ValueOf(t.flat)
	elem := flatV.Index(t.offset)
	ptr := elem.Addr().UnsafePointer()
	nbytes := uintptr(t.shape.Size()) * elem.Type().Size()
	return unsafe.Slice((*byte)(ptr), nbytes), nil
}

// ConstFlatData calls accessFn with the tensor's flat values. The slice
// aliases the tensor storage and must not be modified.
//
// It panics if T doesn't match the tensor dtype or the tensor has no
// host-contiguous flat representation.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatData[T](t, "ConstFlatData"))
}

// MutableFlatData calls accessFn with the tensor's flat values; the contents
// may be modified until accessFn returns.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatData[T](t, "MutableFlatData"))
}

func flatData[T dtypes.Supported](t *Tensor, caller string) []T {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("tensors.%s[%T] is incompatible with tensor dtype %s", caller, v, t.shape.DType)
	}
	if t.devBuf != nil || !t.IsDense() || !t.IsContiguous() {
		exceptions.Panicf("tensors.%s: requires a dense, contiguous host tensor, got %s", caller, t)
	}
	return t.flat.([]T)[t.offset : t.offset+t.shape.Size()]
}

// CopyFrom copies src's values into t. Both must be dense, contiguous host
// tensors of the same dtype and shape.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.shape.Equal(src.shape) {
		return errors.Errorf("cannot copy %s into %s: shapes differ", src, t)
	}
	dst, err := t.Bytes()
	if err != nil {
		return errors.Wrap(err, "copy destination")
	}
	from, err := src.Bytes()
	if err != nil {
		return errors.Wrap(err, "copy source")
	}
	copy(dst, from)
	return nil
}

// ToDevice copies a host tensor to dev, returning the new device tensor. The
// copy is issued on the device's current stream and waited for.
func (t *Tensor) ToDevice(dev *device.Device) (*Tensor, error) {
	data, err := t.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "ToDevice")
	}
	out := OnDevice(dev, t.shape)
	stream := dev.CurrentStream()
	stream.CopyFromHost(out.devBuf, data)
	stream.Synchronize()
	return out, nil
}

// ToHost copies a device tensor back to the host, returning the new host
// tensor. The copy is issued on the device's current stream and waited for.
func (t *Tensor) ToHost() (*Tensor, error) {
	if t.devBuf == nil {
		return t, nil
	}
	out := FromShape(t.shape)
	data, err := out.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "ToHost")
	}
	stream := t.devBuf.Device().CurrentStream()
	stream.CopyToHost(data, t.devBuf)
	stream.Synchronize()
	return out, nil
}
