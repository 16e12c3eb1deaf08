package comm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_Widths(t *testing.T) {
	assert.Equal(t, 8, SizeOf[float64]())
	assert.Equal(t, 4, SizeOf[float32]())
	assert.Equal(t, 8, SizeOf[int64]())
	assert.Equal(t, 4, SizeOf[int32]())
}

func TestCodec_Float64(t *testing.T) {
	src := []float64{0, -1.25, math.MaxFloat64, math.SmallestNonzeroFloat64}
	b := Encode(nil, src)
	require.Len(t, b, 8*len(src))

	got, err := Decode[float64](nil, b)
	require.NoError(t, err)
	assert.Equal(t, src, got)

	// decoding reuses the destination when it is large enough
	dst := make([]float64, 0, 16)
	got, err = Decode(dst, b)
	require.NoError(t, err)
	assert.Same(t, &dst[:1][0], &got[0])
}

func TestCodec_Int32Negative(t *testing.T) {
	b := Encode(nil, []int32{-7, math.MaxInt32})
	got, err := Decode[int32](nil, b)
	require.NoError(t, err)
	assert.Equal(t, []int32{-7, math.MaxInt32}, got)
}

func TestCodec_LengthChecks(t *testing.T) {
	_, err := Decode[float64](nil, make([]byte, 12))
	assert.ErrorIs(t, err, ErrSizeMismatch)

	b := Encode(nil, []float32{1, 2, 3})
	_, err = DecodeExact[float32](nil, b, 4)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	got, err := DecodeExact[float32](nil, b, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got)
}
