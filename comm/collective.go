package comm

import "fmt"

// Bcast sends data from root to every rank. On root data is returned
// unchanged; on the other ranks the received slice is returned.
func Bcast[T Number](c Comm, data []T, root int) ([]T, error) {
	if err := checkRank(c, root); err != nil {
		return nil, fmt.Errorf("bcast: %w", err)
	}
	if c.Rank() == root {
		payload := Encode(nil, data)
		reqs := make([]*Request, 0, c.Size()-1)
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			req, err := c.Isend(payload, r, tagBcast)
			if err != nil {
				return nil, fmt.Errorf("bcast: send to rank %d: %w", r, err)
			}
			reqs = append(reqs, req)
		}
		if err := WaitAll(reqs); err != nil {
			return nil, fmt.Errorf("bcast: %w", err)
		}
		return data, nil
	}
	b, err := c.Recv(root, tagBcast)
	if err != nil {
		return nil, fmt.Errorf("bcast: receive from rank %d: %w", root, err)
	}
	return Decode[T](nil, b)
}

// Gather collects one slice from every rank on root. On root the result is
// indexed by rank; on the other ranks it is nil.
func Gather[T Number](c Comm, data []T, root int) ([][]T, error) {
	if err := checkRank(c, root); err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	if c.Rank() != root {
		if err := c.Send(Encode(nil, data), root, tagGather); err != nil {
			return nil, fmt.Errorf("gather: send to rank %d: %w", root, err)
		}
		return nil, nil
	}
	out := make([][]T, c.Size())
	for r := 0; r < c.Size(); r++ {
		if r == root {
			out[r] = append([]T(nil), data...)
			continue
		}
		b, err := c.Recv(r, tagGather)
		if err != nil {
			return nil, fmt.Errorf("gather: receive from rank %d: %w", r, err)
		}
		if out[r], err = Decode[T](nil, b); err != nil {
			return nil, fmt.Errorf("gather: rank %d: %w", r, err)
		}
	}
	return out, nil
}

// AllGather collects one slice from every rank on every rank.
func AllGather[T Number](c Comm, data []T) ([][]T, error) {
	parts, err := Gather(c, data, MasterRank)
	if err != nil {
		return nil, fmt.Errorf("allgather: %w", err)
	}
	var counts []int64
	var flat []T
	if c.IsMaster() {
		counts = make([]int64, c.Size())
		for r, p := range parts {
			counts[r] = int64(len(p))
			flat = append(flat, p...)
		}
	}
	if counts, err = Bcast(c, counts, MasterRank); err != nil {
		return nil, fmt.Errorf("allgather: counts: %w", err)
	}
	if flat, err = Bcast(c, flat, MasterRank); err != nil {
		return nil, fmt.Errorf("allgather: data: %w", err)
	}
	if len(counts) != c.Size() {
		return nil, fmt.Errorf("allgather: %w: %d counts for %d ranks",
			ErrSizeMismatch, len(counts), c.Size())
	}
	out := make([][]T, c.Size())
	offset := 0
	for r, n := range counts {
		end := offset + int(n)
		if end > len(flat) {
			return nil, fmt.Errorf("allgather: %w: counts exceed payload", ErrSizeMismatch)
		}
		out[r] = flat[offset:end:end]
		offset = end
	}
	return out, nil
}

// Scatter sends parts[r] from root to rank r and returns the part of the
// calling rank. parts is only read on root, where it must hold one entry per
// rank.
func Scatter[T Number](c Comm, parts [][]T, root int) ([]T, error) {
	if err := checkRank(c, root); err != nil {
		return nil, fmt.Errorf("scatter: %w", err)
	}
	if c.Rank() != root {
		b, err := c.Recv(root, tagScatter)
		if err != nil {
			return nil, fmt.Errorf("scatter: receive from rank %d: %w", root, err)
		}
		return Decode[T](nil, b)
	}
	if len(parts) != c.Size() {
		return nil, fmt.Errorf("scatter: %w: %d parts for %d ranks",
			ErrSizeMismatch, len(parts), c.Size())
	}
	reqs := make([]*Request, 0, c.Size()-1)
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		req, err := c.Isend(Encode(nil, parts[r]), r, tagScatter)
		if err != nil {
			return nil, fmt.Errorf("scatter: send to rank %d: %w", r, err)
		}
		reqs = append(reqs, req)
	}
	if err := WaitAll(reqs); err != nil {
		return nil, fmt.Errorf("scatter: %w", err)
	}
	return append([]T(nil), parts[root]...), nil
}

// ReduceSum returns the sum of v over all ranks on root, and 0 elsewhere.
func ReduceSum(c Comm, v float64, root int) (float64, error) {
	parts, err := Gather(c, []float64{v}, root)
	if err != nil {
		return 0, fmt.Errorf("reduce: %w", err)
	}
	var sum float64
	for _, p := range parts {
		for _, x := range p {
			sum += x
		}
	}
	return sum, nil
}

// Barrier returns once every rank has entered it.
func Barrier(c Comm) error {
	if c.IsMaster() {
		for r := 0; r < c.Size(); r++ {
			if r == MasterRank {
				continue
			}
			if _, err := c.Recv(r, tagBarrier); err != nil {
				return fmt.Errorf("barrier: %w", err)
			}
		}
		for r := 0; r < c.Size(); r++ {
			if r == MasterRank {
				continue
			}
			if err := c.Send(nil, r, tagBarrier); err != nil {
				return fmt.Errorf("barrier: %w", err)
			}
		}
		return nil
	}
	if err := c.Send(nil, MasterRank, tagBarrier); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	if _, err := c.Recv(MasterRank, tagBarrier); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return nil
}
