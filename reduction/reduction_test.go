package reduction

import (
	"testing"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// asBytes views a typed slice as raw bytes, the inverse of bytesAs.
func asBytes[T any](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*int(unsafe.Sizeof(zero)))
}

func TestKernelsInt32(t *testing.T) {
	tests := []struct {
		op   Op
		want []int32
	}{
		{Sum, []int32{5, 7, 9}},
		{Product, []int32{4, 10, 18}},
		{Min, []int32{1, 2, 3}},
		{Max, []int32{4, 5, 6}},
	}
	for _, test := range tests {
		t.Run(test.op.String(), func(t *testing.T) {
			fn, err := OfType(test.op, dtypes.Int32)
			require.NoError(t, err)
			dst := []int32{1, 2, 3}
			src := []int32{4, 5, 6}
			fn(asBytes(dst), asBytes(src))
			assert.Equal(t, test.want, dst)
			assert.Equal(t, []int32{4, 5, 6}, src, "src must not be modified")
		})
	}
}

func TestKernelsFloat64(t *testing.T) {
	fn, err := OfType(Sum, dtypes.Float64)
	require.NoError(t, err)
	dst := []float64{0.5, -1}
	src := []float64{0.25, 3}
	fn(asBytes(dst), asBytes(src))
	assert.Equal(t, []float64{0.75, 2}, dst)
}

func TestKernelsUint8(t *testing.T) {
	fn, err := OfType(Max, dtypes.Uint8)
	require.NoError(t, err)
	dst := []uint8{10, 200}
	src := []uint8{30, 100}
	fn(dst, src)
	assert.Equal(t, []uint8{30, 200}, dst)
}

func TestFloat16Kernel(t *testing.T) {
	fn, err := OfType(Sum, dtypes.Float16)
	require.NoError(t, err)
	dst := []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}
	src := []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(2)}
	fn(asBytes(dst), asBytes(src))
	assert.Equal(t, float32(2), dst[0].Float32())
	assert.Equal(t, float32(0), dst[1].Float32())
}

func TestOfTypeUnsupported(t *testing.T) {
	_, err := OfType(Sum, dtypes.Bool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")

	_, err = OfType(Op(42), dtypes.Float32)
	require.Error(t, err)
}

func TestEmptySlices(t *testing.T) {
	fn, err := OfType(Sum, dtypes.Float32)
	require.NoError(t, err)
	assert.NotPanics(t, func() { fn(nil, nil) })
}
