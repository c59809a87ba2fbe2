package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// ErrSlowPeer reports a websocket peer whose send queue filled up because it
// stopped reading. The connection is closed when it is returned.
var ErrSlowPeer = eris.New("websocket peer not reading")

const (
	defaultWriteWait = 10 * time.Second
	defaultSendQueue = 256
)

// WebSocketAddr identifies one websocket connection.
type WebSocketAddr string

func (a WebSocketAddr) Network() string { return "ws" }
func (a WebSocketAddr) String() string  { return string(a) }

type wsOptions struct {
	writeWait time.Duration
	sendQueue int
	readLimit int64
}

func defaultWSOptions() wsOptions {
	return wsOptions{
		writeWait: defaultWriteWait,
		sendQueue: defaultSendQueue,
		readLimit: int64(DefaultConfig().MaxPacketSize),
	}
}

type WebSocketOption func(*wsOptions)

// WithWriteWait bounds how long one message write may take before the
// connection is dropped.
func WithWriteWait(d time.Duration) WebSocketOption {
	return func(o *wsOptions) {
		if d > 0 {
			o.writeWait = d
		}
	}
}

// WithSendQueue sets how many datagrams may wait for one connection's writer.
func WithSendQueue(n int) WebSocketOption {
	return func(o *wsOptions) {
		if n > 0 {
			o.sendQueue = n
		}
	}
}

// WithReadLimit caps the size of one inbound message. Larger messages close
// the connection.
func WithReadLimit(n int) WebSocketOption {
	return func(o *wsOptions) {
		if n > 0 {
			o.readLimit = int64(n)
		}
	}
}

type wsPacket struct {
	from WebSocketAddr
	data []byte
}

// frameConn is the part of *websocket.Conn the writer goroutine drives.
type frameConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// wsConn owns the write side of one websocket. Writes are queued for a
// dedicated goroutine so callers never wait on the socket.
type wsConn struct {
	conn      frameConn
	send      chan []byte
	done      chan struct{}
	once      sync.Once
	writeWait time.Duration
}

func newWSConn(conn frameConn, opts wsOptions) *wsConn {
	c := &wsConn{
		conn:      conn,
		send:      make(chan []byte, opts.sendQueue),
		done:      make(chan struct{}),
		writeWait: opts.writeWait,
	}
	go c.writePump()
	return c
}

// write queues a copy of b. A full queue closes the connection.
func (c *wsConn) write(b []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	frame := append([]byte(nil), b...)
	select {
	case c.send <- frame:
		return nil
	default:
		c.close()
		return ErrSlowPeer
	}
}

func (c *wsConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.close()
				return
			}
		}
	}
}

// shutdown sends a close frame, then closes the connection.
func (c *wsConn) shutdown(code int, text string) {
	message := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	c.close()
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConn) closed() <-chan struct{} { return c.done }

// WebSocketListener accepts browser clients over HTTP upgrade and exposes
// their binary messages as datagrams, so a Transport can serve them next to
// UDP peers.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	addr     WebSocketAddr
	logger   zerolog.Logger
	opts     wsOptions

	mu       sync.Mutex
	conns    map[WebSocketAddr]*wsConn
	incoming chan wsPacket
	done     chan struct{}
	once     sync.Once
}

func NewWebSocketListener(name string, logger zerolog.Logger, opts ...WebSocketOption) *WebSocketListener {
	o := defaultWSOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		addr:     WebSocketAddr(name),
		logger:   logger,
		opts:     o,
		conns:    make(map[WebSocketAddr]*wsConn),
		incoming: make(chan wsPacket, 1024),
		done:     make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and pumps its messages until it closes.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(l.opts.readLimit)
	addr := WebSocketAddr("ws:" + r.RemoteAddr)
	wc := newWSConn(conn, l.opts)
	l.mu.Lock()
	l.conns[addr] = wc
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.conns[addr] == wc {
			delete(l.conns, addr)
		}
		l.mu.Unlock()
		wc.close()
	}()

	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-wc.closed():
			default:
				l.logger.Debug().Err(err).Str("addr", string(addr)).Msg("websocket read ended")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case l.incoming <- wsPacket{from: addr, data: payload}:
		case <-l.done:
			return
		default:
			// Receive queue full; drop like a congested socket would.
		}
	}
}

func (l *WebSocketListener) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case pkt := <-l.incoming:
		return copy(b, pkt.data), pkt.from, nil
	case <-l.done:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo queues b for addr and returns without waiting on the socket.
func (l *WebSocketListener) WriteTo(b []byte, addr net.Addr) (int, error) {
	l.mu.Lock()
	wc, ok := l.conns[WebSocketAddr(addr.String())]
	l.mu.Unlock()
	if !ok {
		return 0, eris.Wrapf(ErrUnknownPeer, "websocket %s", addr)
	}
	if err := wc.write(b); err != nil {
		if eris.Is(err, ErrSlowPeer) {
			l.logger.Warn().Str("addr", addr.String()).Msg("dropping websocket peer with full send queue")
		}
		return 0, eris.Wrapf(err, "write websocket %s", addr)
	}
	return len(b), nil
}

func (l *WebSocketListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		conns := make([]*wsConn, 0, len(l.conns))
		for _, wc := range l.conns {
			conns = append(conns, wc)
		}
		l.mu.Unlock()
		for _, wc := range conns {
			wc.shutdown(websocket.CloseGoingAway, "shutdown")
		}
	})
	return nil
}

func (l *WebSocketListener) LocalAddr() net.Addr              { return l.addr }
func (l *WebSocketListener) SetDeadline(time.Time) error      { return nil }
func (l *WebSocketListener) SetReadDeadline(time.Time) error  { return nil }
func (l *WebSocketListener) SetWriteDeadline(time.Time) error { return nil }

// websocketClient presents one dialed websocket as a PacketConn whose only
// peer is the server.
type websocketClient struct {
	conn   *websocket.Conn
	wc     *wsConn
	local  WebSocketAddr
	remote WebSocketAddr
}

// DialWebSocket connects to a server's websocket endpoint.
func DialWebSocket(ctx context.Context, url string, opts ...WebSocketOption) (net.PacketConn, error) {
	o := defaultWSOptions()
	for _, opt := range opts {
		opt(&o)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s", url)
	}
	conn.SetReadLimit(o.readLimit)
	return &websocketClient{
		conn:   conn,
		wc:     newWSConn(conn, o),
		local:  WebSocketAddr("ws:" + conn.LocalAddr().String()),
		remote: WebSocketAddr(url),
	}, nil
}

// RemoteAddr is the address datagrams from the server arrive from.
func (c *websocketClient) RemoteAddr() net.Addr { return c.remote }

func (c *websocketClient) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.wc.closed():
				return 0, nil, net.ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, nil, net.ErrClosed
			}
			return 0, nil, eris.Wrap(err, "read websocket")
		}
		if kind == websocket.BinaryMessage {
			return copy(b, payload), c.remote, nil
		}
	}
}

func (c *websocketClient) WriteTo(b []byte, _ net.Addr) (int, error) {
	if err := c.wc.write(b); err != nil {
		return 0, eris.Wrap(err, "write websocket")
	}
	return len(b), nil
}

func (c *websocketClient) Close() error {
	c.wc.shutdown(websocket.CloseNormalClosure, "")
	return nil
}

func (c *websocketClient) LocalAddr() net.Addr              { return c.local }
func (c *websocketClient) SetDeadline(time.Time) error      { return nil }
func (c *websocketClient) SetReadDeadline(time.Time) error  { return nil }
func (c *websocketClient) SetWriteDeadline(time.Time) error { return nil }
