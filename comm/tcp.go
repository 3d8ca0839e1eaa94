package comm

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// messageType identifies collective messages on the wire.
type messageType int

const (
	msgReduce messageType = iota
	msgReduceResult
	msgBarrier
	msgBarrierRelease
	msgError
)

// message is the gob-encoded unit exchanged between the coordinator and its
// peers. Vec is only set for reduce traffic.
type message struct {
	Type messageType
	Vec  []float64
	Err  string
}

// peerConn wraps one coordinator<->peer connection with its codecs.
type peerConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (p *peerConn) send(m *message) error {
	return p.enc.Encode(m)
}

func (p *peerConn) receive() (*message, error) {
	var m message
	if err := p.dec.Decode(&m); err != nil {
		return nil, err
	}
	if m.Type == msgError {
		return nil, fmt.Errorf("remote error: %s", m.Err)
	}
	return &m, nil
}

// TCPComm is a Communicator over TCP with a star topology: rank 0 listens
// and every other rank dials it. The coordinator sums incoming vectors with
// its own and sends the result back, so after a Reduce every rank holds the
// group sum.
type TCPComm struct {
	rank      int
	worldSize int

	mu    sync.Mutex
	peers []*peerConn // coordinator: one per remote rank; peer: single entry for rank 0
	ln    net.Listener
}

// ListenTCP starts the coordinator (rank 0) for a group of the given size.
// The returned communicator is not usable until Accept has seen all size-1
// peers connect.
func ListenTCP(addr string, size int) (*TCPComm, error) {
	if size < 2 {
		return nil, fmt.Errorf("comm: TCP group needs at least 2 workers, got %d", size)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "comm: listen")
	}
	return &TCPComm{rank: 0, worldSize: size, ln: ln}, nil
}

// Accept blocks until every peer rank has connected to the coordinator.
func (c *TCPComm) Accept() error {
	if c.rank != 0 {
		return fmt.Errorf("comm: only the coordinator accepts connections")
	}
	for i := 1; i < c.worldSize; i++ {
		conn, err := c.ln.Accept()
		if err != nil {
			return errors.Wrapf(err, "comm: accepting peer %d", i)
		}
		c.peers = append(c.peers, newPeerConn(conn))
	}
	return nil
}

// DialTCP connects a non-coordinator rank to the coordinator at addr.
func DialTCP(addr string, rank, size int) (*TCPComm, error) {
	if rank < 1 || rank >= size {
		return nil, fmt.Errorf("comm: rank %d out of range for world size %d", rank, size)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "comm: dial coordinator")
	}
	return &TCPComm{rank: rank, worldSize: size, peers: []*peerConn{newPeerConn(conn)}}, nil
}

func (c *TCPComm) Rank() int      { return c.rank }
func (c *TCPComm) WorldSize() int { return c.worldSize }

// Addr returns the coordinator's listen address. Only valid on rank 0.
func (c *TCPComm) Addr() net.Addr {
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

func (c *TCPComm) Reduce(vec []float64) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rank == 0 {
		sum := make([]float64, len(vec))
		copy(sum, vec)
		for i, p := range c.peers {
			m, err := p.receive()
			if err != nil {
				return nil, &CommunicationError{Op: "reduce", Rank: c.rank,
					Err: errors.Wrapf(err, "receiving from peer %d", i+1)}
			}
			if m.Type != msgReduce || len(m.Vec) != len(sum) {
				return nil, &CommunicationError{Op: "reduce", Rank: c.rank,
					Err: fmt.Errorf("peer %d sent %d values, want %d", i+1, len(m.Vec), len(sum))}
			}
			floats.Add(sum, m.Vec)
		}
		out := &message{Type: msgReduceResult, Vec: sum}
		for i, p := range c.peers {
			if err := p.send(out); err != nil {
				return nil, &CommunicationError{Op: "reduce", Rank: c.rank,
					Err: errors.Wrapf(err, "sending result to peer %d", i+1)}
			}
		}
		return sum, nil
	}

	p := c.peers[0]
	if err := p.send(&message{Type: msgReduce, Vec: vec}); err != nil {
		return nil, &CommunicationError{Op: "reduce", Rank: c.rank, Err: errors.Wrap(err, "sending to coordinator")}
	}
	m, err := p.receive()
	if err != nil {
		return nil, &CommunicationError{Op: "reduce", Rank: c.rank, Err: errors.Wrap(err, "receiving result")}
	}
	if m.Type != msgReduceResult {
		return nil, &CommunicationError{Op: "reduce", Rank: c.rank,
			Err: fmt.Errorf("unexpected message type %d", m.Type)}
	}
	return m.Vec, nil
}

func (c *TCPComm) Barrier() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rank == 0 {
		for i, p := range c.peers {
			m, err := p.receive()
			if err != nil {
				return &CommunicationError{Op: "barrier", Rank: c.rank,
					Err: errors.Wrapf(err, "waiting for peer %d", i+1)}
			}
			if m.Type != msgBarrier {
				return &CommunicationError{Op: "barrier", Rank: c.rank,
					Err: fmt.Errorf("unexpected message type %d", m.Type)}
			}
		}
		release := &message{Type: msgBarrierRelease}
		for i, p := range c.peers {
			if err := p.send(release); err != nil {
				return &CommunicationError{Op: "barrier", Rank: c.rank,
					Err: errors.Wrapf(err, "releasing peer %d", i+1)}
			}
		}
		return nil
	}

	p := c.peers[0]
	if err := p.send(&message{Type: msgBarrier}); err != nil {
		return &CommunicationError{Op: "barrier", Rank: c.rank, Err: errors.Wrap(err, "notifying coordinator")}
	}
	m, err := p.receive()
	if err != nil {
		return &CommunicationError{Op: "barrier", Rank: c.rank, Err: errors.Wrap(err, "awaiting release")}
	}
	if m.Type != msgBarrierRelease {
		return &CommunicationError{Op: "barrier", Rank: c.rank,
			Err: fmt.Errorf("unexpected message type %d", m.Type)}
	}
	return nil
}

func (c *TCPComm) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, p := range c.peers {
		if err := p.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.ln != nil {
		if err := c.ln.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
