package scatter

import (
	"fmt"

	"github.com/notargets/DEMCoupling/comm"
)

// DefaultTag is the message tag used by a new Channel. Channels used in
// interleaved order on the same ranks need distinct tags.
const DefaultTag = 1000

// Channel moves a master-resident array of T into rank-owned slices and sums
// rank-owned contributions back into a master-resident array. Each particle
// is a block of Width consecutive values, so a channel of width 3 carries
// vectors.
//
// The channel does no locking: SetMaps must not run concurrently with
// Distribute or CollectSum.
type Channel[T comm.Number] struct {
	c     comm.Comm
	Width int
	Tag   int
	// Deterministic makes CollectSum fold rank contributions in rank order
	// instead of arrival order, so the result is reproducible bit for bit.
	Deterministic bool

	// master side
	plan     *Plan
	buffers  *comm.PerRankVector[[]T]
	capacity []int

	localCount int
	wire       []byte
}

// NewChannel returns a channel with no maps on rank context c.
func NewChannel[T comm.Number](c comm.Comm, width int) *Channel[T] {
	if width < 1 {
		panic(fmt.Sprintf("scatter: channel width must be >= 1, got %d", width))
	}
	return &Channel[T]{
		c:          c,
		Width:      width,
		Tag:        DefaultTag,
		buffers:    comm.NewPerRankVector[[]T](c.Size()),
		capacity:   make([]int, c.Size()),
		localCount: -1,
	}
}

// SetMaps replaces the ParticleIndexMaps. It is master-only. The previous
// descriptors are released, one descriptor per rank is compiled from maps,
// and the receive buffers are grown to fit. nGlobal is the number of
// particles in the master arrays. On error the channel is left without maps
// and the caller must abort the group.
func (ch *Channel[T]) SetMaps(maps [][]int, nGlobal int) error {
	if !ch.c.IsMaster() {
		return fmt.Errorf("set maps: %w", ErrNotMaster)
	}
	if ch.plan != nil {
		ch.plan.Release()
		ch.plan = nil
	}
	perRank, err := comm.PerRankVectorFrom(ch.c, maps)
	if err != nil {
		return fmt.Errorf("set maps: %w", err)
	}
	plan, err := NewPlan(perRank.Slice(), nGlobal, ch.Width)
	if err != nil {
		return fmt.Errorf("set maps: %w", err)
	}
	ch.plan = plan
	ch.EnsureCapacity()
	ch.localCount = plan.Count(ch.c.Rank())
	comm.Logger(ch.c).Debug("scatter maps set", "tag", ch.Tag, "particles", nGlobal,
		"counts", plan.Counts())
	return nil
}

// Plan returns the current plan, nil before SetMaps or on non-master ranks.
func (ch *Channel[T]) Plan() *Plan { return ch.plan }

// EnsureCapacity grows every receive buffer that is smaller than its rank's
// map to 1.1 times the map size plus one. Buffers never shrink.
func (ch *Channel[T]) EnsureCapacity() {
	if ch.plan == nil {
		return
	}
	for r := 0; r < ch.plan.Ranks(); r++ {
		need := ch.plan.Count(r)
		if ch.capacity[r] >= need {
			continue
		}
		grown := int(1.1*float64(need)) + 1
		ch.buffers.Set(r, make([]T, 0, grown*ch.Width))
		ch.capacity[r] = grown
	}
}

// Capacity returns the receive buffer capacity of rank r, in particles.
func (ch *Channel[T]) Capacity(r int) int { return ch.capacity[r] }

// LocalCount returns the number of particles owned by this rank, or -1 if
// it is not known yet.
func (ch *Channel[T]) LocalCount() int { return ch.localCount }

// ShareCounts is collective. The master sends every rank the size of its map
// so that the ranks can size their local arrays before Distribute. It
// returns the local count.
func (ch *Channel[T]) ShareCounts() (int, error) {
	var parts [][]int64
	if ch.c.IsMaster() {
		if ch.plan == nil {
			return 0, fmt.Errorf("share counts: maps not set")
		}
		parts = make([][]int64, ch.plan.Ranks())
		for r, n := range ch.plan.Counts() {
			parts[r] = []int64{n}
		}
	}
	mine, err := comm.Scatter(ch.c, parts, comm.MasterRank)
	if err != nil {
		return 0, fmt.Errorf("share counts: %w", err)
	}
	if len(mine) != 1 {
		return 0, fmt.Errorf("share counts: %w: got %d values", comm.ErrSizeMismatch, len(mine))
	}
	ch.localCount = int(mine[0])
	return ch.localCount, nil
}

// Distribute is collective. The master sends each rank the blocks of src
// selected by that rank's map, reading them in place; every rank, master
// included, receives its slice into dest, in map order. dest is reused when
// large enough and the filled slice is returned. src is only read on the
// master.
func (ch *Channel[T]) Distribute(src, dest []T) ([]T, error) {
	var reqs []*comm.Request
	if ch.c.IsMaster() {
		if ch.plan == nil {
			return dest, fmt.Errorf("distribute: maps not set")
		}
		reqs = make([]*comm.Request, ch.plan.Ranks())
		for r := range reqs {
			payload, err := Pack(ch.plan.Descriptor(r), nil, src)
			if err != nil {
				return dest, fmt.Errorf("distribute: rank %d: %w", r, err)
			}
			if reqs[r], err = ch.c.Isend(payload, r, ch.Tag); err != nil {
				return dest, fmt.Errorf("distribute: send to rank %d: %w", r, err)
			}
		}
	}
	b, err := ch.c.Recv(comm.MasterRank, ch.Tag)
	if err != nil {
		return dest, fmt.Errorf("distribute: receive: %w", err)
	}
	if ch.localCount >= 0 {
		dest, err = comm.DecodeExact(dest, b, ch.localCount*ch.Width)
	} else {
		dest, err = comm.Decode(dest, b)
	}
	if err != nil {
		return dest, fmt.Errorf("distribute: %w", err)
	}
	if err := comm.WaitAll(reqs); err != nil {
		return dest, fmt.Errorf("distribute: %w", err)
	}
	return dest, nil
}

// CollectSum is collective. Every rank sends src, its contribution in map
// order, to the master, which adds each one into dest at the rank's map
// indices: dest[map[r][i]] += src_r[i]. Contributions are folded in arrival
// order unless Deterministic is set. dest is only written on the master and
// is not cleared first.
func (ch *Channel[T]) CollectSum(src, dest []T) error {
	if ch.localCount >= 0 && len(src) != ch.localCount*ch.Width {
		return fmt.Errorf("collect: %w: local slice has %d elements, want %d",
			comm.ErrSizeMismatch, len(src), ch.localCount*ch.Width)
	}
	ch.wire = comm.Encode(ch.wire[:0], src)
	send, err := ch.c.Isend(ch.wire, comm.MasterRank, ch.Tag+1)
	if err != nil {
		return fmt.Errorf("collect: send: %w", err)
	}
	if ch.c.IsMaster() {
		if err := ch.gather(dest); err != nil {
			return err
		}
	}
	if _, err := send.Wait(); err != nil {
		return fmt.Errorf("collect: send: %w", err)
	}
	return nil
}

func (ch *Channel[T]) gather(dest []T) error {
	if ch.plan == nil {
		return fmt.Errorf("collect: maps not set")
	}
	reqs := make([]*comm.Request, ch.plan.Ranks())
	for r := range reqs {
		var err error
		if reqs[r], err = ch.c.Irecv(r, ch.Tag+1); err != nil {
			return fmt.Errorf("collect: receive from rank %d: %w", r, err)
		}
	}
	fold := func(r int, b []byte) error {
		buf, err := comm.DecodeExact(ch.buffers.At(r)[:0], b, ch.plan.Count(r)*ch.Width)
		if err != nil {
			return fmt.Errorf("collect: rank %d: %w", r, err)
		}
		ch.buffers.Set(r, buf)
		if err := AccumulateInto(ch.plan.Descriptor(r), dest, buf); err != nil {
			return fmt.Errorf("collect: rank %d: %w", r, err)
		}
		return nil
	}

	if ch.Deterministic {
		for r, req := range reqs {
			b, err := req.Wait()
			if err != nil {
				return fmt.Errorf("collect: receive from rank %d: %w", r, err)
			}
			if err := fold(r, b); err != nil {
				return err
			}
		}
		return nil
	}
	for {
		r, b, err := comm.WaitAny(reqs)
		if r < 0 {
			return nil
		}
		if err != nil {
			return fmt.Errorf("collect: receive from rank %d: %w", r, err)
		}
		if err := fold(r, b); err != nil {
			return err
		}
	}
}
