package transport

import (
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// Conditions describe the impairments a MemoryNetwork applies per datagram.
type Conditions struct {
	Loss      float64
	Duplicate float64
	Reorder   float64
}

// MemoryNetwork is an in-process datagram network. Impairments are drawn
// from a seeded source so runs are reproducible.
type MemoryNetwork struct {
	mu        sync.Mutex
	rng       *rand.Rand
	cond      Conditions
	endpoints map[string]*MemoryConn
}

func NewMemoryNetwork(seed uint64) *MemoryNetwork {
	return &MemoryNetwork{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		endpoints: make(map[string]*MemoryConn),
	}
}

// SetConditions replaces the impairments applied to future datagrams.
func (n *MemoryNetwork) SetConditions(c Conditions) {
	n.mu.Lock()
	n.cond = c
	n.mu.Unlock()
}

// Listen creates an endpoint reachable at name.
func (n *MemoryNetwork) Listen(name string) *MemoryConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn := &MemoryConn{
		network: n,
		addr:    MemoryAddr(name),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	n.endpoints[name] = conn
	return conn
}

func (n *MemoryNetwork) send(from MemoryAddr, to net.Addr, b []byte) {
	n.mu.Lock()
	dst, ok := n.endpoints[to.String()]
	if !ok {
		n.mu.Unlock()
		return
	}
	cond := n.cond
	lose := n.rng.Float64() < cond.Loss
	dup := n.rng.Float64() < cond.Duplicate
	hold := n.rng.Float64() < cond.Reorder
	n.mu.Unlock()
	if lose {
		return
	}
	pkt := memPacket{from: from, data: append([]byte(nil), b...)}
	dst.enqueue(pkt, hold)
	if dup {
		dst.enqueue(memPacket{from: from, data: append([]byte(nil), b...)}, false)
	}
}

// MemoryAddr names a MemoryNetwork endpoint.
type MemoryAddr string

func (a MemoryAddr) Network() string { return "mem" }
func (a MemoryAddr) String() string  { return string(a) }

type memPacket struct {
	from MemoryAddr
	data []byte
}

// MemoryConn is a net.PacketConn on a MemoryNetwork.
type MemoryConn struct {
	network *MemoryNetwork
	addr    MemoryAddr

	mu     sync.Mutex
	queue  []memPacket
	held   []memPacket
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// enqueue appends pkt. Held packets are released behind the next packet
// that is not held, which reorders them.
func (c *MemoryConn) enqueue(pkt memPacket, hold bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if hold {
		c.held = append(c.held, pkt)
	} else {
		c.queue = append(c.queue, pkt)
		c.queue = append(c.queue, c.held...)
		c.held = nil
	}
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Release delivers any packets still held back for reordering.
func (c *MemoryConn) Release() {
	c.mu.Lock()
	c.queue = append(c.queue, c.held...)
	c.held = nil
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// TryRead pops one queued datagram without blocking.
func (c *MemoryConn) TryRead() ([]byte, net.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, nil, false
	}
	pkt := c.queue[0]
	c.queue = c.queue[1:]
	return pkt.data, pkt.from, true
}

func (c *MemoryConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		data, from, ok := c.TryRead()
		if ok {
			return copy(b, data), from, nil
		}
		select {
		case <-c.notify:
		case <-c.done:
			return 0, nil, net.ErrClosed
		}
	}
}

func (c *MemoryConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	c.network.send(c.addr, addr, b)
	return len(b), nil
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.network.mu.Lock()
	delete(c.network.endpoints, string(c.addr))
	c.network.mu.Unlock()
	return nil
}

func (c *MemoryConn) LocalAddr() net.Addr              { return c.addr }
func (c *MemoryConn) SetDeadline(time.Time) error      { return nil }
func (c *MemoryConn) SetReadDeadline(time.Time) error  { return nil }
func (c *MemoryConn) SetWriteDeadline(time.Time) error { return nil }
