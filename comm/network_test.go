package comm

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = l.Addr().String()
		require.NoError(t, l.Close())
	}
	return addrs
}

// startNetworks connects one Network per address inside the test process.
// A rank that exits fails the test.
func startNetworks(t *testing.T, n int, compressAbove int) []*Network {
	t.Helper()
	return connectNetworks(t, n, compressAbove, func(code int) { panic(fmt.Sprintf("exit %d", code)) })
}

func connectNetworks(t *testing.T, n int, compressAbove int, exit func(code int)) []*Network {
	t.Helper()
	addrs := freeAddrs(t, n)
	nets := make([]*Network, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range nets {
		nets[i] = &Network{
			Addr:          addrs[i],
			Addrs:         addrs,
			Timeout:       10 * time.Second,
			Password:      "coupling",
			CompressAbove: compressAbove,
			exit:          exit,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = nets[i].Init()
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "rank at %s", addrs[i])
	}
	return nets
}

func runNetworks(nets []*Network, fn func(c Comm) error) []error {
	errs := make([]error, len(nets))
	var wg sync.WaitGroup
	for i, n := range nets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(n)
		}()
	}
	wg.Wait()
	return errs
}

func TestNetwork_RanksAgree(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP listeners")
	}
	nets := startNetworks(t, 3, 0)
	seen := map[int]bool{}
	for _, n := range nets {
		assert.Equal(t, 3, n.Size())
		seen[n.Rank()] = true
	}
	assert.Len(t, seen, 3)
	for _, n := range nets {
		n.Finalize()
	}
}

func TestNetwork_MessagingAndCollectives(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP listeners")
	}
	// payloads of 512 bytes and more travel compressed
	nets := startNetworks(t, 3, 512)
	defer func() {
		for _, n := range nets {
			n.Finalize()
		}
	}()

	big := bytes.Repeat([]byte("particle"), 1024)
	errs := runNetworks(nets, func(c Comm) error {
		if c.Rank() != MasterRank {
			for i := 0; i < 5; i++ {
				if err := c.Send([]byte{byte(i)}, MasterRank, 1); err != nil {
					return err
				}
			}
			if err := c.Send(big, MasterRank, 2); err != nil {
				return err
			}
		} else {
			for r := 1; r < c.Size(); r++ {
				for i := 0; i < 5; i++ {
					b, err := c.Recv(r, 1)
					if err != nil {
						return err
					}
					if int(b[0]) != i {
						return fmt.Errorf("rank %d message %d arrived as %d", r, i, b[0])
					}
				}
				b, err := c.Recv(r, 2)
				if err != nil {
					return err
				}
				if !bytes.Equal(b, big) {
					return fmt.Errorf("compressed payload from rank %d corrupted", r)
				}
			}
		}

		all, err := AllGather(c, []float64{float64(c.Rank())})
		if err != nil {
			return err
		}
		for r, p := range all {
			if p[0] != float64(r) {
				return fmt.Errorf("allgather: rank %d part %v", r, p)
			}
		}
		return Barrier(c)
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestNetwork_InitRejectsBadAddressList(t *testing.T) {
	n := &Network{Addr: "127.0.0.1:1", Addrs: []string{"127.0.0.1:2"}}
	assert.Error(t, n.Init())

	n = &Network{Addr: "127.0.0.1:1", Addrs: []string{"127.0.0.1:1", "127.0.0.1:1"}}
	assert.Error(t, n.Init())
}

// recordExits returns an exit hook that reports codes on the channel
// instead of ending the process.
func recordExits() (func(code int), chan int) {
	codes := make(chan int, 16)
	return func(code int) {
		select {
		case codes <- code:
		default:
		}
	}, codes
}

func TestNetwork_LostPeerAbortsGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP listeners")
	}
	exit, codes := recordExits()
	nets := connectNetworks(t, 2, 0, exit)
	master, peer := nets[0], nets[1]
	if peer.IsMaster() {
		master, peer = peer, master
	}
	defer master.closeConnections()

	// the peer goes away without Finalize
	peer.closeConnections()

	done := make(chan error, 1)
	go func() {
		_, err := master.Recv(peer.Rank(), 7)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv still blocked after the peer connection was lost")
	}
	select {
	case code := <-codes:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("exit hook not called")
	}
}

func TestNetwork_FinalizeIsClean(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP listeners")
	}
	exit, codes := recordExits()
	nets := connectNetworks(t, 3, 0, exit)
	nets[0].Finalize()
	time.Sleep(200 * time.Millisecond)

	errs := runNetworks(nets[1:], func(c Comm) error {
		other := nets[1].Rank() + nets[2].Rank() - c.Rank()
		if err := c.Send([]byte{byte(c.Rank())}, other, 4); err != nil {
			return err
		}
		b, err := c.Recv(other, 4)
		if err != nil {
			return err
		}
		if int(b[0]) != other {
			return fmt.Errorf("rank %d got %d from rank %d", c.Rank(), b[0], other)
		}
		return nil
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}
	nets[1].Finalize()
	nets[2].Finalize()
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, codes, "finalized peers must not abort the group")
}
