// Package scatter moves per-particle arrays between the master rank, which
// owns every particle, and the ranks that own the cells containing them.
//
// A Plan holds one ParticleIndexMap per rank: the ordered global indices of
// the particles that rank currently owns. Each map is compiled into a
// Descriptor, the indexed block transfer type used to read a rank's elements
// straight out of the master array and to fold a rank's contribution back in.
// A Channel combines a Plan with the master-side receive buffers and provides
// Distribute (master to all) and CollectSum (all to master, summed).
package scatter

import (
	"errors"
	"fmt"

	"github.com/notargets/DEMCoupling/comm"
)

var (
	// ErrNotMaster is returned by master-only operations called elsewhere.
	ErrNotMaster = errors.New("scatter: operation is master-only")
	// ErrIndexRange is returned when a map references an index outside the
	// master array.
	ErrIndexRange = errors.New("scatter: particle index out of range")
	// ErrReleased is returned when a released descriptor is used.
	ErrReleased = errors.New("scatter: descriptor has been released")
	// ErrDuplicateIndex is returned when two ranks own the same particle.
	ErrDuplicateIndex = errors.New("scatter: particle owned by more than one rank")
)

// Descriptor selects blocks of blockLen consecutive elements from a source
// array of sourceLen blocks. Block i of the transfer is source block
// indices[i].
type Descriptor struct {
	indices   []int
	blockLen  int
	sourceLen int
	released  bool
}

// Compile validates indices against sourceLen and returns the descriptor.
// The index slice is copied.
func Compile(indices []int, blockLen, sourceLen int) (*Descriptor, error) {
	if blockLen < 1 {
		return nil, fmt.Errorf("compile descriptor: block length %d < 1", blockLen)
	}
	for i, idx := range indices {
		if idx < 0 || idx >= sourceLen {
			return nil, fmt.Errorf("compile descriptor: entry %d: %w: %d not in [0,%d)",
				i, ErrIndexRange, idx, sourceLen)
		}
	}
	return &Descriptor{
		indices:   append([]int(nil), indices...),
		blockLen:  blockLen,
		sourceLen: sourceLen,
	}, nil
}

// Count returns the number of blocks moved by the descriptor.
func (d *Descriptor) Count() int { return len(d.indices) }

// Len returns the number of elements moved by the descriptor.
func (d *Descriptor) Len() int { return len(d.indices) * d.blockLen }

// Indices returns the block indices in transfer order. The slice must not be
// modified.
func (d *Descriptor) Indices() []int { return d.indices }

// Release invalidates the descriptor.
func (d *Descriptor) Release() {
	d.released = true
	d.indices = nil
}

// Released reports whether Release has been called.
func (d *Descriptor) Released() bool { return d.released }

func (d *Descriptor) checkSource(n int) error {
	if d.released {
		return ErrReleased
	}
	if n != d.sourceLen*d.blockLen {
		return fmt.Errorf("%w: array of %d elements, descriptor expects %d blocks of %d",
			comm.ErrSizeMismatch, n, d.sourceLen, d.blockLen)
	}
	return nil
}

// Pack appends the wire encoding of the selected blocks of src to dst. The
// blocks are read in place, no intermediate copy of src is made.
func Pack[T comm.Number](d *Descriptor, dst []byte, src []T) ([]byte, error) {
	if err := d.checkSource(len(src)); err != nil {
		return dst, fmt.Errorf("pack: %w", err)
	}
	b := d.blockLen
	for _, idx := range d.indices {
		dst = comm.Encode(dst, src[idx*b:(idx+1)*b])
	}
	return dst, nil
}

// AccumulateInto adds buf, laid out in transfer order, into the selected
// blocks of dst: dst[indices[i]] += buf[i].
func AccumulateInto[T comm.Number](d *Descriptor, dst, buf []T) error {
	if err := d.checkSource(len(dst)); err != nil {
		return fmt.Errorf("accumulate: %w", err)
	}
	if len(buf) != d.Len() {
		return fmt.Errorf("accumulate: %w: buffer has %d elements, descriptor moves %d",
			comm.ErrSizeMismatch, len(buf), d.Len())
	}
	b := d.blockLen
	for i, idx := range d.indices {
		out := dst[idx*b : (idx+1)*b]
		for k, v := range buf[i*b : (i+1)*b] {
			out[k] += v
		}
	}
	return nil
}
