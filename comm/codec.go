package comm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Number is the set of element types that can travel through the typed
// collectives and the scatter channels.
type Number interface {
	float32 | float64 | int32 | int64
}

// SizeOf returns the encoded size in bytes of one element of T.
func SizeOf[T Number]() int {
	var zero T
	switch any(zero).(type) {
	case float32, int32:
		return 4
	default:
		return 8
	}
}

// Encode appends the little-endian encoding of src to dst.
func Encode[T Number](dst []byte, src []T) []byte {
	switch s := any(src).(type) {
	case []float64:
		for _, v := range s {
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
		}
	case []float32:
		for _, v := range s {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	case []int64:
		for _, v := range s {
			dst = binary.LittleEndian.AppendUint64(dst, uint64(v))
		}
	case []int32:
		for _, v := range s {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(v))
		}
	}
	return dst
}

// Decode decodes src into dst, reusing its capacity, and returns the
// resliced dst.
func Decode[T Number](dst []T, src []byte) ([]T, error) {
	size := SizeOf[T]()
	if len(src)%size != 0 {
		return dst[:0], fmt.Errorf("%w: %d bytes is not a multiple of element size %d",
			ErrSizeMismatch, len(src), size)
	}
	n := len(src) / size
	if cap(dst) < n {
		dst = make([]T, n)
	}
	dst = dst[:n]
	switch d := any(dst).(type) {
	case []float64:
		for i := range d {
			d[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[8*i:]))
		}
	case []float32:
		for i := range d {
			d[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
	case []int64:
		for i := range d {
			d[i] = int64(binary.LittleEndian.Uint64(src[8*i:]))
		}
	case []int32:
		for i := range d {
			d[i] = int32(binary.LittleEndian.Uint32(src[4*i:]))
		}
	}
	return dst, nil
}

// DecodeExact is Decode with a required element count.
func DecodeExact[T Number](dst []T, src []byte, n int) ([]T, error) {
	if want := n * SizeOf[T](); len(src) != want {
		return dst[:0], fmt.Errorf("%w: expected %d elements (%d bytes), got %d bytes",
			ErrSizeMismatch, n, want, len(src))
	}
	return Decode(dst, src)
}
