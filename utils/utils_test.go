package utils

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelFor_CoversRange(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 65, 1000, 4097} {
		for _, workers := range []int{0, 1, 3, 16} {
			hits := make([]int32, n)
			err := ParallelFor(n, workers, func(lo, hi int) error {
				for i := lo; i < hi; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
				return nil
			})
			require.NoError(t, err)
			for i, h := range hits {
				if h != 1 {
					t.Fatalf("n=%d workers=%d: index %d visited %d times", n, workers, i, h)
				}
			}
		}
	}
}

func TestParallelFor_Error(t *testing.T) {
	bad := errors.New("bad chunk")
	err := ParallelFor(1000, 4, func(lo, hi int) error {
		if lo <= 500 && 500 < hi {
			return bad
		}
		return nil
	})
	assert.ErrorIs(t, err, bad)
}

func TestParallelEach(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)
	ParallelEach(300, 4, func(i int) {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
	})
	assert.Len(t, seen, 300)
}

func TestAtomicAddFloat64(t *testing.T) {
	var sum float64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				AtomicAddFloat64(&sum, 0.5)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4000.0, sum)
	assert.Equal(t, 4001.0, AtomicAddFloat64(&sum, 1))
}

func TestSortReduce(t *testing.T) {
	field := []float64{1, 0, 0, 0}
	contribs := []Contribution{
		{Cell: 3, Delta: 0.25},
		{Cell: 0, Delta: 1},
		{Cell: 3, Delta: 0.5},
		{Cell: 2, Delta: 2},
	}
	SortReduce(contribs, field)
	assert.Equal(t, []float64{2, 0, 2, 0.75}, field)
	assert.Equal(t, 0, contribs[0].Cell)
	assert.Equal(t, 0.25, contribs[2].Delta) // stable within a cell

	// The result does not depend on the input order.
	a := []Contribution{{0, 0.1}, {0, 0.2}, {0, 0.3}, {1, 1e-17}, {1, 1}}
	b := []Contribution{{1, 1}, {0, 0.1}, {1, 1e-17}, {0, 0.2}, {0, 0.3}}
	fa, fb := make([]float64, 2), make([]float64, 2)
	SortReduce(a, fa)
	SortReduce(b, fb)
	assert.Equal(t, fa[0], fb[0])
}
