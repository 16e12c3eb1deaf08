package comm

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// LocalWorld runs a group of ranks as goroutines of the current process. Each
// rank has its own mailbox; no state other than the mailboxes is shared, so
// the message-passing discipline is the same as between OS processes.
type LocalWorld struct {
	size  int
	boxes []*mailbox
	comms []*LocalComm

	abort     chan struct{}
	abortOnce sync.Once
	mu        sync.Mutex
	abortErr  *AbortError
}

// NewLocalWorld creates a world of size ranks.
func NewLocalWorld(size int) *LocalWorld {
	if size < 1 {
		panic(fmt.Sprintf("comm: local world size must be >= 1, got %d", size))
	}
	w := &LocalWorld{
		size:  size,
		boxes: make([]*mailbox, size),
		comms: make([]*LocalComm, size),
		abort: make(chan struct{}),
	}
	for r := 0; r < size; r++ {
		w.boxes[r] = newMailbox()
		w.comms[r] = &LocalComm{world: w, rank: r}
	}
	return w
}

// Comm returns the rank context of rank.
func (w *LocalWorld) Comm(rank int) *LocalComm {
	return w.comms[rank]
}

// Size returns the number of ranks in the world.
func (w *LocalWorld) Size() int { return w.size }

// Run executes fn once per rank, each in its own goroutine, and waits for all
// of them. A rank that returns an error aborts the world so that no other rank
// stays blocked. The first error, or the *AbortError of an abort, is returned.
func (w *LocalWorld) Run(fn func(c Comm) error) error {
	var g errgroup.Group
	for r := 0; r < w.size; r++ {
		c := w.comms[r]
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					ae, ok := rec.(*AbortError)
					if !ok {
						panic(rec)
					}
					err = ae
				}
			}()
			if err = fn(c); err != nil {
				w.abortWith(&AbortError{Code: 1, Rank: c.rank, Err: err})
			}
			return err
		})
	}
	err := g.Wait()
	if ae := w.AbortError(); ae != nil {
		return ae
	}
	return err
}

// Aborted reports whether the world has been aborted.
func (w *LocalWorld) Aborted() bool {
	select {
	case <-w.abort:
		return true
	default:
		return false
	}
}

// AbortError returns the reason of the first abort, or nil.
func (w *LocalWorld) AbortError() *AbortError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abortErr
}

func (w *LocalWorld) abortWith(ae *AbortError) {
	w.abortOnce.Do(func() {
		w.mu.Lock()
		w.abortErr = ae
		w.mu.Unlock()
		close(w.abort)
	})
}

// LocalComm is the rank context of one goroutine rank of a LocalWorld.
type LocalComm struct {
	world *LocalWorld
	rank  int
}

func (c *LocalComm) Rank() int      { return c.rank }
func (c *LocalComm) Size() int      { return c.world.size }
func (c *LocalComm) IsMaster() bool { return c.rank == MasterRank }

// Abort poisons the world so every blocked call on every rank returns
// ErrAborted, then unwinds the calling goroutine. LocalWorld.Run recovers the
// unwind and reports the abort.
func (c *LocalComm) Abort(code int) {
	c.abortWith(&AbortError{Code: code, Rank: c.rank})
}

func (c *LocalComm) abortWith(ae *AbortError) {
	ae.Rank = c.rank
	c.world.abortWith(ae)
	panic(ae)
}

func (c *LocalComm) Send(data []byte, dest, tag int) error {
	_, err := c.Isend(data, dest, tag)
	return err
}

// Isend delivers eagerly into the destination mailbox, so the request is
// complete on return.
func (c *LocalComm) Isend(data []byte, dest, tag int) (*Request, error) {
	if err := checkRank(c, dest); err != nil {
		return nil, err
	}
	if c.world.Aborted() {
		return nil, ErrAborted
	}
	b := make([]byte, len(data))
	copy(b, data)
	c.world.boxes[dest].put(msgKey{source: c.rank, tag: tag}, b)
	return completedRequest(dest, tag, nil, nil), nil
}

func (c *LocalComm) Recv(source, tag int) ([]byte, error) {
	if err := checkRank(c, source); err != nil {
		return nil, err
	}
	return c.world.boxes[c.rank].get(msgKey{source: source, tag: tag}, c.world.abort)
}

func (c *LocalComm) Irecv(source, tag int) (*Request, error) {
	if err := checkRank(c, source); err != nil {
		return nil, err
	}
	return c.world.boxes[c.rank].postRecv(msgKey{source: source, tag: tag}, c.world.abort), nil
}
