package comm

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/zstd"
	"golang.org/x/sync/errgroup"
)

// Network implements Comm with one OS process per rank and all-to-all TCP
// connections. Every pair of ranks is joined by two connections: the one a
// rank dials carries its outgoing frames, the one it accepts carries incoming
// frames. Ranks are assigned by the position of Addr in the sorted Addrs, so
// all processes agree on the numbering without a coordinator.
//
// Connections are authenticated only by a shared password exchanged in the
// handshake; Network is meant for a trusted cluster network.
type Network struct {
	Protocol string        // network protocol, "tcp" if empty
	Addr     string        // address of the local process, must be in Addrs
	Addrs    []string      // addresses of all processes
	Timeout  time.Duration // Init fails if the group is not connected in time; zero waits forever
	Password string

	// CompressAbove enables zstd compression of payloads of at least this
	// many bytes. Zero disables compression.
	CompressAbove int

	rank int
	size int

	dial    []net.Conn
	listen  []net.Conn
	sendMu  []sync.Mutex
	out     []chan outFrame
	writers sync.WaitGroup

	box       *mailbox
	abort     chan struct{}
	abortOnce sync.Once
	closing   atomic.Bool

	exit func(code int)
}

const (
	kindData  byte = 1
	kindAbort byte = 2
	kindClose byte = 3

	flagZstd byte = 1

	frameHeaderSize = 14
	outQueueLength  = 64
	redialInterval  = 300 * time.Millisecond
)

type outFrame struct {
	tag     int
	payload []byte
	req     *Request
}

type initialMessage struct {
	Password string
	ID       int
}

// Init sorts the address list, determines the local rank and connects to
// every other process.
func (n *Network) Init() error {
	if n.Protocol == "" {
		n.Protocol = "tcp"
	}
	if n.exit == nil {
		n.exit = os.Exit
	}
	addrs := append([]string(nil), n.Addrs...)
	sort.Strings(addrs)
	for i := 0; i < len(addrs)-1; i++ {
		if addrs[i] == addrs[i+1] {
			return fmt.Errorf("network init: address %s listed twice", addrs[i])
		}
	}
	n.rank = sort.SearchStrings(addrs, n.Addr)
	if n.rank >= len(addrs) || addrs[n.rank] != n.Addr {
		return fmt.Errorf("network init: local address %s not in address list", n.Addr)
	}
	n.Addrs = addrs
	n.size = len(addrs)
	n.dial = make([]net.Conn, n.size)
	n.listen = make([]net.Conn, n.size)
	n.sendMu = make([]sync.Mutex, n.size)
	n.out = make([]chan outFrame, n.size)
	n.box = newMailbox()
	n.abort = make(chan struct{})

	var g errgroup.Group
	g.Go(n.establishListenConnections)
	g.Go(n.establishDialConnections)
	if err := g.Wait(); err != nil {
		n.closeConnections()
		return fmt.Errorf("network init: %w", err)
	}

	for p := 0; p < n.size; p++ {
		if p == n.rank {
			continue
		}
		n.out[p] = make(chan outFrame, outQueueLength)
		n.writers.Add(1)
		go n.writeLoop(p)
		go n.readLoop(p)
	}
	return nil
}

func (n *Network) establishListenConnections() error {
	listener, err := net.Listen(n.Protocol, n.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.Addr, err)
	}
	defer listener.Close()
	if tl, ok := listener.(*net.TCPListener); ok && n.Timeout > 0 {
		if err := tl.SetDeadline(time.Now().Add(n.Timeout)); err != nil {
			return err
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < n.size-1; i++ {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		g.Go(func() error {
			var msg initialMessage
			if err := gob.NewDecoder(conn).Decode(&msg); err != nil {
				conn.Close()
				return fmt.Errorf("handshake decode: %w", err)
			}
			id, err := n.passwordAndID(msg)
			if err != nil {
				conn.Close()
				return err
			}
			mu.Lock()
			dup := n.listen[id] != nil
			if !dup {
				n.listen[id] = conn
			}
			mu.Unlock()
			if dup {
				conn.Close()
				return fmt.Errorf("handshake: rank %d connected twice", id)
			}
			return gob.NewEncoder(conn).Encode(initialMessage{Password: n.Password, ID: n.rank})
		})
	}
	return g.Wait()
}

func (n *Network) establishDialConnections() error {
	var g errgroup.Group
	for p := 0; p < n.size; p++ {
		if p == n.rank {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			var conn net.Conn
			var err error
			for {
				conn, err = net.DialTimeout(n.Protocol, n.Addrs[p], redialInterval)
				if err == nil || (n.Timeout > 0 && time.Since(start) > n.Timeout) {
					break
				}
				time.Sleep(redialInterval)
			}
			if err != nil {
				return fmt.Errorf("dial rank %d at %s: %w", p, n.Addrs[p], err)
			}
			if err := gob.NewEncoder(conn).Encode(initialMessage{Password: n.Password, ID: n.rank}); err != nil {
				conn.Close()
				return fmt.Errorf("handshake encode: %w", err)
			}
			var msg initialMessage
			if err := gob.NewDecoder(conn).Decode(&msg); err != nil {
				conn.Close()
				return fmt.Errorf("handshake reply from rank %d: %w", p, err)
			}
			id, err := n.passwordAndID(msg)
			if err != nil {
				conn.Close()
				return err
			}
			if id != p {
				conn.Close()
				return fmt.Errorf("handshake: dialed rank %d but rank %d answered", p, id)
			}
			n.dial[p] = conn
			return nil
		})
	}
	return g.Wait()
}

func (n *Network) passwordAndID(msg initialMessage) (int, error) {
	if msg.Password != n.Password {
		return -1, errors.New("handshake: bad password")
	}
	if msg.ID < 0 || msg.ID >= n.size || msg.ID == n.rank {
		return -1, fmt.Errorf("handshake: bad id %d", msg.ID)
	}
	return msg.ID, nil
}

// Finalize drains the outgoing queues, tells every peer that the connection
// ends here and closes every connection. No Comm call may be made
// afterwards. A peer whose connection ends without the close frame is
// treated as crashed and aborts the group.
func (n *Network) Finalize() {
	n.closing.Store(true)
	for _, ch := range n.out {
		if ch != nil {
			close(ch)
		}
	}
	n.writers.Wait()
	for p := 0; p < n.size; p++ {
		if p == n.rank || n.dial[p] == nil {
			continue
		}
		// the peer may be gone already
		_ = n.writeFrame(p, kindClose, 0, nil)
	}
	n.closeConnections()
}

func (n *Network) closeConnections() {
	for _, c := range n.dial {
		if c != nil {
			c.Close()
		}
	}
	for _, c := range n.listen {
		if c != nil {
			c.Close()
		}
	}
}

func (n *Network) Rank() int      { return n.rank }
func (n *Network) Size() int      { return n.size }
func (n *Network) IsMaster() bool { return n.rank == MasterRank }

// Abort notifies every peer and exits the process with code. Peers exit with
// the same code when the notification arrives.
func (n *Network) Abort(code int) {
	n.abortWith(&AbortError{Code: code, Rank: n.rank})
}

func (n *Network) abortWith(ae *AbortError) {
	n.abortOnce.Do(func() {
		close(n.abort)
		for p := 0; p < n.size; p++ {
			if p == n.rank || n.dial[p] == nil {
				continue
			}
			// best effort, the process exits regardless
			_ = n.writeFrame(p, kindAbort, int64(ae.Code), nil)
		}
	})
	n.exit(ae.Code)
}

func (n *Network) Send(data []byte, dest, tag int) error {
	req, err := n.Isend(data, dest, tag)
	if err != nil {
		return err
	}
	_, err = req.Wait()
	return err
}

// Isend queues data on the connection to dest. Frames to one peer are
// written in queue order.
func (n *Network) Isend(data []byte, dest, tag int) (*Request, error) {
	if err := checkRank(n, dest); err != nil {
		return nil, err
	}
	select {
	case <-n.abort:
		return nil, ErrAborted
	default:
	}
	b := make([]byte, len(data))
	copy(b, data)
	if dest == n.rank {
		n.box.put(msgKey{source: n.rank, tag: tag}, b)
		return completedRequest(dest, tag, nil, nil), nil
	}
	req := newRequest(dest, tag)
	n.out[dest] <- outFrame{tag: tag, payload: b, req: req}
	return req, nil
}

func (n *Network) Recv(source, tag int) ([]byte, error) {
	if err := checkRank(n, source); err != nil {
		return nil, err
	}
	return n.box.get(msgKey{source: source, tag: tag}, n.abort)
}

func (n *Network) Irecv(source, tag int) (*Request, error) {
	if err := checkRank(n, source); err != nil {
		return nil, err
	}
	return n.box.postRecv(msgKey{source: source, tag: tag}, n.abort), nil
}

func (n *Network) writeLoop(p int) {
	defer n.writers.Done()
	for f := range n.out[p] {
		f.req.complete(nil, n.writeFrame(p, kindData, int64(f.tag), f.payload))
	}
}

// writeFrame writes header and payload as one frame:
// kind(1) flags(1) tag(8) length(4) payload(length).
func (n *Network) writeFrame(p int, kind byte, tag int64, payload []byte) error {
	var flags byte
	if n.CompressAbove > 0 && len(payload) >= n.CompressAbove {
		z, err := zstd.CompressLevel(nil, payload, 1)
		if err != nil {
			return fmt.Errorf("compress frame for rank %d: %w", p, err)
		}
		payload, flags = z, flagZstd
	}
	var hdr [frameHeaderSize]byte
	hdr[0], hdr[1] = kind, flags
	binary.LittleEndian.PutUint64(hdr[2:], uint64(tag))
	binary.LittleEndian.PutUint32(hdr[10:], uint32(len(payload)))

	n.sendMu[p].Lock()
	defer n.sendMu[p].Unlock()
	if _, err := n.dial[p].Write(hdr[:]); err != nil {
		return fmt.Errorf("write to rank %d: %w", p, err)
	}
	if len(payload) > 0 {
		if _, err := n.dial[p].Write(payload); err != nil {
			return fmt.Errorf("write to rank %d: %w", p, err)
		}
	}
	return nil
}

func (n *Network) readLoop(p int) {
	conn := n.listen[p]
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			n.readFailed(p, err)
			return
		}
		kind, flags := hdr[0], hdr[1]
		tag := int64(binary.LittleEndian.Uint64(hdr[2:]))
		payload := make([]byte, binary.LittleEndian.Uint32(hdr[10:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			n.readFailed(p, err)
			return
		}
		if flags&flagZstd != 0 {
			raw, err := zstd.Decompress(nil, payload)
			if err != nil {
				n.readFailed(p, err)
				return
			}
			payload = raw
		}
		switch kind {
		case kindAbort:
			Logger(n).Error("peer aborted the group", "peer", p, "code", tag)
			n.abortOnce.Do(func() { close(n.abort) })
			n.exit(int(tag))
			return
		case kindData:
			n.box.put(msgKey{source: p, tag: int(tag)}, payload)
		case kindClose:
			return
		default:
			n.readFailed(p, fmt.Errorf("unknown frame kind %d", kind))
			return
		}
	}
}

func (n *Network) readFailed(p int, err error) {
	if n.closing.Load() {
		return
	}
	Logger(n).Error("lost connection to peer", "peer", p, "err", err)
	n.abortWith(&AbortError{Code: 1, Rank: n.rank, Op: "receive",
		Err: fmt.Errorf("connection from rank %d: %w", p, err)})
}
