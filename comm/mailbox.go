package comm

import "sync"

type msgKey struct {
	source, tag int
}

// mailbox holds the messages delivered to one rank, matched by (source, tag).
// Messages and waiters on a key are both served first-in first-out, which
// gives the non-overtaking guarantee of Comm.
type mailbox struct {
	mu      sync.Mutex
	queued  map[msgKey][][]byte
	waiting map[msgKey][]chan []byte
}

func newMailbox() *mailbox {
	return &mailbox{
		queued:  make(map[msgKey][][]byte),
		waiting: make(map[msgKey][]chan []byte),
	}
}

func (mb *mailbox) put(k msgKey, b []byte) {
	mb.mu.Lock()
	if ws := mb.waiting[k]; len(ws) > 0 {
		w := ws[0]
		if len(ws) == 1 {
			delete(mb.waiting, k)
		} else {
			mb.waiting[k] = ws[1:]
		}
		mb.mu.Unlock()
		w <- b
		return
	}
	mb.queued[k] = append(mb.queued[k], b)
	mb.mu.Unlock()
}

func (mb *mailbox) get(k msgKey, abort <-chan struct{}) ([]byte, error) {
	b, w := mb.take(k)
	if w == nil {
		return b, nil
	}
	return await(w, abort)
}

// take removes the oldest message on k. When none is queued it registers a
// waiter instead, so receives on one key match in the order they are posted.
func (mb *mailbox) take(k msgKey) ([]byte, chan []byte) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if q := mb.queued[k]; len(q) > 0 {
		if len(q) == 1 {
			delete(mb.queued, k)
		} else {
			mb.queued[k] = q[1:]
		}
		return q[0], nil
	}
	w := make(chan []byte, 1)
	mb.waiting[k] = append(mb.waiting[k], w)
	return nil, w
}

func await(w <-chan []byte, abort <-chan struct{}) ([]byte, error) {
	select {
	case b := <-w:
		return b, nil
	case <-abort:
		return nil, ErrAborted
	}
}

// postRecv registers a receive on k and returns its request. The match is
// made before postRecv returns; only the wait runs in the background.
func (mb *mailbox) postRecv(k msgKey, abort <-chan struct{}) *Request {
	b, w := mb.take(k)
	if w == nil {
		return completedRequest(k.source, k.tag, b, nil)
	}
	req := newRequest(k.source, k.tag)
	go func() {
		req.complete(await(w, abort))
	}()
	return req
}

// pending returns the number of undelivered messages, for tests.
func (mb *mailbox) pending() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	n := 0
	for _, q := range mb.queued {
		n += len(q)
	}
	return n
}
