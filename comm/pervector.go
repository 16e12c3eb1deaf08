package comm

import "fmt"

// PerRankVector is a fixed-length container with one entry per rank.
type PerRankVector[T any] struct {
	items []T
}

// NewPerRankVector returns a vector of size zero-valued entries.
func NewPerRankVector[T any](size int) *PerRankVector[T] {
	return &PerRankVector[T]{items: make([]T, size)}
}

// PerRankVectorFrom wraps items, which must hold exactly one entry per rank
// of c. The slice is not copied.
func PerRankVectorFrom[T any](c Comm, items []T) (*PerRankVector[T], error) {
	if len(items) != c.Size() {
		return nil, fmt.Errorf("%w: %d entries for %d ranks", ErrSizeMismatch, len(items), c.Size())
	}
	return &PerRankVector[T]{items: items}, nil
}

// Len returns the number of ranks.
func (v *PerRankVector[T]) Len() int { return len(v.items) }

// At returns the entry of rank r. It panics if r is out of range.
func (v *PerRankVector[T]) At(r int) T {
	v.check(r)
	return v.items[r]
}

// Ptr returns a pointer to the entry of rank r.
func (v *PerRankVector[T]) Ptr(r int) *T {
	v.check(r)
	return &v.items[r]
}

// Set replaces the entry of rank r.
func (v *PerRankVector[T]) Set(r int, x T) {
	v.check(r)
	v.items[r] = x
}

// Each calls fn for every rank in rank order.
func (v *PerRankVector[T]) Each(fn func(r int, x T)) {
	for r, x := range v.items {
		fn(r, x)
	}
}

// Slice returns the backing slice.
func (v *PerRankVector[T]) Slice() []T { return v.items }

func (v *PerRankVector[T]) check(r int) {
	if r < 0 || r >= len(v.items) {
		panic(fmt.Errorf("%w: %d not in [0,%d)", ErrRankRange, r, len(v.items)))
	}
}
