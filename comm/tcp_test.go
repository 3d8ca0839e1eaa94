package comm

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// startTCPGroup brings up a loopback group of the given size and returns
// one communicator per rank.
func startTCPGroup(t *testing.T, size int) []Communicator {
	t.Helper()

	coord, err := ListenTCP("127.0.0.1:0", size)
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })

	addr := coord.Addr().String()

	var wg sync.WaitGroup
	comms := make([]Communicator, size)
	comms[0] = coord

	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, coord.Accept())
	}()

	for rank := 1; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			peer, err := DialTCP(addr, rank, size)
			require.NoError(t, err)
			t.Cleanup(func() { peer.Close() })
			comms[rank] = peer
		}(rank)
	}
	wg.Wait()
	return comms
}

func TestTCPGroupReduce(t *testing.T) {
	const size = 3
	comms := startTCPGroup(t, size)

	results := make([][]float64, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			out, err := comms[rank].Reduce([]float64{float64(rank + 1), 0.5})
			if err != nil {
				t.Errorf("rank %d: %v", rank, err)
				return
			}
			results[rank] = out
		}(rank)
	}
	wg.Wait()

	want := []float64{6, 1.5} // (1+2+3), 0.5*3
	for rank, got := range results {
		require.Len(t, got, len(want), "rank %d", rank)
		for i := range want {
			if math.Abs(got[i]-want[i]) > 1e-12 {
				t.Errorf("rank %d value %d: got %f, want %f", rank, i, got[i], want[i])
			}
		}
	}
}

func TestTCPGroupBarrier(t *testing.T) {
	const size = 3
	comms := startTCPGroup(t, size)

	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := comms[rank].Barrier(); err != nil {
				t.Errorf("rank %d: barrier failed: %v", rank, err)
			}
		}(rank)
	}
	wg.Wait()
}

func TestTCPGroupPeerFailureIsFatal(t *testing.T) {
	const size = 2
	comms := startTCPGroup(t, size)

	// Kill the peer; the coordinator's next reduce must fail with a
	// CommunicationError, not hang or retry.
	require.NoError(t, comms[1].Close())

	_, err := comms[0].Reduce([]float64{1})
	require.Error(t, err)
	if _, ok := err.(*CommunicationError); !ok {
		t.Errorf("expected *CommunicationError, got %T: %v", err, err)
	}
}

func TestTCPGroupRejectsSmallWorld(t *testing.T) {
	_, err := ListenTCP("127.0.0.1:0", 1)
	require.Error(t, err)

	_, err = DialTCP("127.0.0.1:1", 0, 2)
	require.Error(t, err)
}
