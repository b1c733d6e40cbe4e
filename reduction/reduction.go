// Package reduction defines the reduction operators accepted by collective
// operations (sum, product, min, max) and resolves them into concrete
// element-wise kernels for a given dtype.
//
// The kernels operate on raw byte slices so they can be handed directly to a
// transport context, which works on host-addressable flat memory and knows
// nothing about element types.
package reduction

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Op identifies an associative, commutative reduction operator.
type Op int

const (
	Sum Op = iota
	Product
	Min
	Max
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case Sum:
		return "Sum"
	case Product:
		return "Product"
	case Min:
		return "Min"
	case Max:
		return "Max"
	}
	return "InvalidOp"
}

// Func is an element-wise accumulation kernel: it updates dst in place with
// dst[i] = dst[i] (op) src[i].
//
// Both slices must hold the same number of elements of the dtype the Func was
// resolved for. A Func never allocates.
type Func func(dst, src []byte)

// OfType resolves op into a kernel for the given dtype.
//
// Supported dtypes are Float16, Float32, Float64, Int8, Uint8, Int32 and
// Int64, matching the element types the engine accepts on the wire. Other
// dtypes return an error.
func OfType(op Op, dtype dtypes.DType) (Func, error) {
	var fn Func
	switch dtype {
	case dtypes.Float32:
		fn = kernel[float32](op)
	case dtypes.Float64:
		fn = kernel[float64](op)
	case dtypes.Float16:
		fn = float16Kernel(op)
	case dtypes.Int8:
		fn = kernel[int8](op)
	case dtypes.Uint8:
		fn = kernel[uint8](op)
	case dtypes.Int32:
		fn = kernel[int32](op)
	case dtypes.Int64:
		fn = kernel[int64](op)
	default:
		return nil, errors.Errorf("reduction: dtype %s not supported for %s", dtype, op)
	}
	if fn == nil {
		return nil, errors.Errorf("reduction: invalid operator %d", op)
	}
	return fn, nil
}

func kernel[T constraints.Integer | constraints.Float](op Op) Func {
	switch op {
	case Sum:
		return forEach(func(a, b T) T { return a + b })
	case Product:
		return forEach(func(a, b T) T { return a * b })
	case Min:
		return forEach(func(a, b T) T {
			if b < a {
				return b
			}
			return a
		})
	case Max:
		return forEach(func(a, b T) T {
			if b > a {
				return b
			}
			return a
		})
	}
	return nil
}

func forEach[T constraints.Integer | constraints.Float](combine func(a, b T) T) Func {
	return func(dst, src []byte) {
		d := bytesAs[T](dst)
		s := bytesAs[T](src)
		for i := range d {
			d[i] = combine(d[i], s[i])
		}
	}
}

// float16Kernel combines through float32: float16 has no native Go
// arithmetic, so each element is widened, combined and narrowed back.
func float16Kernel(op Op) Func {
	combine := kernelScalar32(op)
	if combine == nil {
		return nil
	}
	return func(dst, src []byte) {
		d := bytesAs[float16.Float16](dst)
		s := bytesAs[float16.Float16](src)
		for i := range d {
			d[i] = float16.Fromfloat32(combine(d[i].Float32(), s[i].Float32()))
		}
	}
}

func kernelScalar32(op Op) func(a, b float32) float32 {
	switch op {
	case Sum:
		return func(a, b float32) float32 { return a + b }
	case Product:
		return func(a, b float32) float32 { return a * b }
	case Min:
		return func(a, b float32) float32 {
			if b < a {
				return b
			}
			return a
		}
	case Max:
		return func(a, b float32) float32 {
			if b > a {
				return b
			}
			return a
		}
	}
	return nil
}

// bytesAs reinterprets data as a flat slice of T, without copying.
func bytesAs[T any](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var zero T
	n := len(data) / int(unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}
