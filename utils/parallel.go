// Package utils holds the intra-process data-parallel helpers shared by the
// neighbor search and the distribution kernels.
package utils

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minChunk is the smallest range handed to one worker
const minChunk = 64

// Workers returns the worker count used when a caller passes 0.
func Workers() int { return runtime.GOMAXPROCS(0) }

// ParallelFor calls fn on contiguous chunks [lo, hi) covering [0, n), at most
// workers chunks running at once. workers <= 0 means Workers(). The first
// error returned by fn is returned after all chunks finish.
func ParallelFor(n, workers int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = Workers()
	}
	chunk := max((n+workers-1)/workers, minChunk)
	if chunk >= n {
		return fn(0, n)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}

// ParallelEach calls fn for every i in [0, n).
func ParallelEach(n, workers int, fn func(i int)) {
	_ = ParallelFor(n, workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			fn(i)
		}
		return nil
	})
}
