package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

type multiPacket struct {
	data []byte
	from net.Addr
}

// MultiConn merges packet connections so one Transport can serve UDP and
// websocket peers together. A write goes to the connection whose local
// address has the destination's network.
type MultiConn struct {
	conns    []net.PacketConn
	incoming chan multiPacket
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewMultiConn(bufferSize int, conns ...net.PacketConn) *MultiConn {
	m := &MultiConn{
		conns:    conns,
		incoming: make(chan multiPacket, 1024),
		done:     make(chan struct{}),
	}
	for _, conn := range conns {
		m.wg.Add(1)
		go m.read(conn, bufferSize)
	}
	return m
}

func (m *MultiConn) read(conn net.PacketConn, size int) {
	defer m.wg.Done()
	buf := make([]byte, size)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return
		}
		select {
		case m.incoming <- multiPacket{data: append([]byte(nil), buf[:n]...), from: from}:
		case <-m.done:
			return
		}
	}
}

func (m *MultiConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case pkt := <-m.incoming:
		return copy(b, pkt.data), pkt.from, nil
	case <-m.done:
		return 0, nil, net.ErrClosed
	}
}

func (m *MultiConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	for _, conn := range m.conns {
		if conn.LocalAddr().Network() == addr.Network() {
			return conn.WriteTo(b, addr)
		}
	}
	return 0, eris.Wrapf(ErrUnknownPeer, "no connection for %s address %s", addr.Network(), addr)
}

func (m *MultiConn) Close() error {
	var errs []error
	m.once.Do(func() {
		close(m.done)
		for _, conn := range m.conns {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		m.wg.Wait()
	})
	return errors.Join(errs...)
}

// LocalAddr reports the address of the first connection.
func (m *MultiConn) LocalAddr() net.Addr {
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[0].LocalAddr()
}

func (m *MultiConn) SetDeadline(time.Time) error      { return nil }
func (m *MultiConn) SetReadDeadline(time.Time) error  { return nil }
func (m *MultiConn) SetWriteDeadline(time.Time) error { return nil }
