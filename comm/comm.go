// Package comm provides the rank context used by the coupling layer: process
// identity within a group of ranks, point-to-point messaging (blocking and
// non-blocking with WaitAny), the standard collectives, and a group-wide abort.
//
// All ranks execute the same program. Rank 0 is the master rank and owns the
// full particle state. Every collective must be called by all ranks in the
// same order; a mismatched call order is a bug in the caller and is not
// detected here.
//
// Two backends implement Comm:
//
//	LocalWorld: one goroutine per rank inside a single process, used for
//	            tests and single-node runs.
//	Network:    one OS process per rank, all-to-all TCP connections.
//
// Errors are never recoverable in this layer. Library calls return an error
// and the caller is expected to pass it to Check, which logs the failing
// operation and aborts the whole group.
package comm

import (
	"errors"
	"fmt"
	"reflect"
)

// MasterRank is the rank that owns the full particle arrays
const MasterRank = 0

// Reserved tags for the collectives. User tags must be >= 0.
const (
	tagBcast = -(iota + 1)
	tagGather
	tagScatter
	tagBarrier
)

var (
	// ErrAborted is returned by every blocked or subsequent call once the
	// group has been aborted.
	ErrAborted = errors.New("comm: group aborted")
	// ErrRankRange is returned when a rank argument is outside [0, Size()).
	ErrRankRange = errors.New("comm: rank out of range")
	// ErrSizeMismatch is returned when a per-rank container or a message
	// payload has the wrong length.
	ErrSizeMismatch = errors.New("comm: size mismatch")
)

// Comm is the rank context of one process in the group.
type Comm interface {
	Rank() int
	Size() int
	IsMaster() bool
	// Abort terminates every rank of the group. It does not return.
	Abort(code int)

	// Send blocks until data has been handed to the transport; data may be
	// reused afterwards. Messages between one (source, dest, tag) triple are
	// delivered in send order. A rank may send to itself.
	Send(data []byte, dest, tag int) error
	// Isend starts a send and returns immediately.
	Isend(data []byte, dest, tag int) (*Request, error)
	// Recv blocks until a message from source with tag has arrived.
	Recv(source, tag int) ([]byte, error)
	// Irecv posts a receive and returns immediately.
	Irecv(source, tag int) (*Request, error)
}

// AbortError carries the reason for a group abort.
type AbortError struct {
	Code int
	Rank int
	Op   string
	File string
	Line int
	Err  error
}

func (a *AbortError) Error() string {
	msg := fmt.Sprintf("rank %d aborted the group with code %d", a.Rank, a.Code)
	if a.Op != "" {
		msg += fmt.Sprintf(" in %s (%s:%d)", a.Op, a.File, a.Line)
	}
	if a.Err != nil {
		msg += ": " + a.Err.Error()
	}
	return msg
}

func (a *AbortError) Unwrap() error { return a.Err }

// abortReporter is implemented by backends that can carry a diagnostic
// through the abort.
type abortReporter interface {
	abortWith(ae *AbortError)
}

func checkRank(c Comm, rank int) error {
	if rank < 0 || rank >= c.Size() {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrRankRange, rank, c.Size())
	}
	return nil
}

// Request is the handle of a non-blocking operation.
type Request struct {
	Peer int
	Tag  int

	done chan struct{}
	data []byte
	err  error
}

func newRequest(peer, tag int) *Request {
	return &Request{Peer: peer, Tag: tag, done: make(chan struct{})}
}

func completedRequest(peer, tag int, data []byte, err error) *Request {
	r := newRequest(peer, tag)
	r.complete(data, err)
	return r
}

func (r *Request) complete(data []byte, err error) {
	r.data, r.err = data, err
	close(r.done)
}

// Wait blocks until the operation completes. For receives it returns the
// payload.
func (r *Request) Wait() ([]byte, error) {
	<-r.done
	return r.data, r.err
}

// Test reports whether the operation has completed without blocking.
func (r *Request) Test() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// WaitAll waits for every non-nil request and returns the first error.
// Completed requests are set to nil.
func WaitAll(reqs []*Request) error {
	var first error
	for i, r := range reqs {
		if r == nil {
			continue
		}
		if _, err := r.Wait(); err != nil && first == nil {
			first = err
		}
		reqs[i] = nil
	}
	return first
}

// WaitAny blocks until one of the non-nil requests completes, sets that
// entry to nil and returns its index and payload. It returns -1 when every
// entry is nil. The order in which completions are reported is not
// deterministic.
func WaitAny(reqs []*Request) (int, []byte, error) {
	cases := make([]reflect.SelectCase, 0, len(reqs))
	index := make([]int, 0, len(reqs))
	for i, r := range reqs {
		if r == nil {
			continue
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(r.done),
		})
		index = append(index, i)
	}
	if len(cases) == 0 {
		return -1, nil, nil
	}
	chosen, _, _ := reflect.Select(cases)
	i := index[chosen]
	data, err := reqs[i].data, reqs[i].err
	reqs[i] = nil
	return i, data, err
}
