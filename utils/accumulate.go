package utils

import (
	"math"
	"slices"
	"sync/atomic"
	"unsafe"
)

// AtomicAddFloat64 adds inc to *addr with a compare-and-swap loop and returns
// the new value.
func AtomicAddFloat64(addr *float64, inc float64) float64 {
	p := (*uint64)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint64(p)
		nval := math.Float64frombits(old) + inc
		if atomic.CompareAndSwapUint64(p, old, math.Float64bits(nval)) {
			return nval
		}
	}
}

// Contribution is one increment of a cell field.
type Contribution struct {
	Cell  int
	Delta float64
}

// SortReduce adds every contribution into field in ascending cell order, and
// for equal cells in the order given, so the result does not depend on how
// the contributions were produced. contribs is sorted in place.
func SortReduce(contribs []Contribution, field []float64) {
	slices.SortStableFunc(contribs, func(a, b Contribution) int { return a.Cell - b.Cell })
	for i := 0; i < len(contribs); {
		c := contribs[i].Cell
		sum := 0.0
		for ; i < len(contribs) && contribs[i].Cell == c; i++ {
			sum += contribs[i].Delta
		}
		field[c] += sum
	}
}
