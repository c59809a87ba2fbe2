package client

import (
	"net"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/transport"
)

// ClientVersion is sent in every handshake.
const ClientVersion = codec.ProtocolVersion

// ErrNotConnected is returned for commands issued before the handshake
// completes.
var ErrNotConnected = eris.New("not connected")

// Link is the slice of the transport a client needs.
type Link interface {
	Connect(addr net.Addr)
	Send(addr net.Addr, ch transport.Channel, payload []byte) error
	Poll() []transport.Delivery
	Events() []transport.PeerEvent
	Disconnect(addr net.Addr, reason uint8)
}

// Update reports what one Pump call processed.
type Update struct {
	Connected  bool
	Snapshots  int
	Dropped    int
	CommandAck uint32
	// Backpressure is set when the server dropped queued commands.
	Backpressure   bool
	HandshakeRetry bool
	Resync         *ResyncSignal
	Closed         *codec.Disconnect
	Lost           *transport.PeerEvent
}

const defaultHandshakeRetry = 40

type DriverOption func(*Driver)

// WithHandshakeRetry resends an unanswered handshake every pumps calls to
// Pump. Zero or less keeps the default.
func WithHandshakeRetry(pumps int) DriverOption {
	return func(d *Driver) {
		if pumps > 0 {
			d.retryAfter = pumps
		}
	}
}

// Driver runs a Reconciler against a server over a Link: handshake,
// commands on the reliable channel, snapshots and acks.
type Driver struct {
	link   Link
	codec  *codec.Codec
	server net.Addr
	rec    *Reconciler
	logger zerolog.Logger

	connected    bool
	tickRate     int
	highest      uint32
	backpressure int

	awaiting   bool
	waited     int
	retryAfter int
	retries    int
}

func NewDriver(link Link, c *codec.Codec, server net.Addr, rec *Reconciler, logger zerolog.Logger, opts ...DriverOption) *Driver {
	d := &Driver{link: link, codec: c, server: server, rec: rec, logger: logger, retryAfter: defaultHandshakeRetry}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Reconciler() *Reconciler { return d.rec }

func (d *Driver) Connected() bool { return d.connected }

// TickRate is the server tick rate from the last handshake, or zero.
func (d *Driver) TickRate() int { return d.tickRate }

// HighestAcked reports the highest command sequence the server confirmed.
func (d *Driver) HighestAcked() uint32 { return d.highest }

// Backpressure counts command acks that reported dropped commands.
func (d *Driver) Backpressure() int { return d.backpressure }

// HandshakeRetries counts handshakes resent for lack of an answer.
func (d *Driver) HandshakeRetries() int { return d.retries }

// Handshake opens the session, or asks for a fresh baseline when already
// connected. It is resent from Pump until the server answers.
func (d *Driver) Handshake() error {
	d.link.Connect(d.server)
	d.awaiting = true
	d.waited = 0
	return d.send(transport.ChannelReliable, codec.Handshake{ClientVersion: ClientVersion})
}

// Command issues action through the reconciler and sends it.
func (d *Driver) Command(action codec.Action) (codec.Command, error) {
	if !d.connected {
		return codec.Command{}, ErrNotConnected
	}
	cmd := d.rec.Issue(action)
	return cmd, d.send(transport.ChannelReliable, cmd)
}

// Step advances local prediction by one tick.
func (d *Driver) Step() {
	if d.connected {
		d.rec.Step()
	}
}

// Pump processes every pending delivery and transport event.
func (d *Driver) Pump() (Update, error) {
	var up Update
	var errs []error
	for _, ev := range d.link.Events() {
		if ev.Kind == transport.PeerLost && ev.Addr.String() == d.server.String() {
			up.Lost = &ev
			if ev.Code != 0 {
				up.Closed = &codec.Disconnect{Reason: codec.DisconnectReason(ev.Code)}
			}
			d.connected = false
			d.awaiting = false
		}
	}
	for _, del := range d.link.Poll() {
		if del.Addr.String() != d.server.String() {
			continue
		}
		msg, err := d.codec.Decode(del.Payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch m := msg.(type) {
		case codec.HandshakeAck:
			d.tickRate = int(m.TickRate)
			d.rec.Start(m.SessionID, m.Tick, d.tickRate)
			d.connected = true
			d.awaiting = false
			up.Connected = true
			d.logger.Info().Uint32("session", m.SessionID).Uint64("tick", m.Tick).Uint16("tickRate", m.TickRate).Msg("session established")
		case codec.Snapshot:
			if !d.connected {
				up.Dropped++
				continue
			}
			ack, err := d.rec.ApplySnapshot(m)
			if ack.Tick != 0 {
				up.Snapshots++
				if sendErr := d.send(transport.ChannelReliable, ack); sendErr != nil {
					errs = append(errs, sendErr)
				}
			} else {
				up.Dropped++
			}
			if err != nil && !eris.Is(err, ErrStaleSnapshot) {
				d.logger.Debug().Err(err).Uint64("tick", m.Tick).Msg("snapshot not applied cleanly")
			}
		case codec.CommandAck:
			if m.HighestSequence > d.highest {
				d.highest = m.HighestSequence
			}
			up.CommandAck = d.highest
			if m.Backpressure {
				up.Backpressure = true
				d.backpressure++
				d.logger.Warn().Uint32("seq", m.HighestSequence).Int("total", d.backpressure).Msg("server dropped queued commands")
			}
		case codec.Disconnect:
			up.Closed = &m
			d.connected = false
			d.awaiting = false
		}
	}
	if d.awaiting {
		d.waited++
		if d.waited >= d.retryAfter {
			d.retries++
			up.HandshakeRetry = true
			d.logger.Debug().Int("attempt", d.retries+1).Msg("handshake unanswered, resending")
			if err := d.Handshake(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if signal, ok := d.rec.NeedsResync(); ok && d.connected {
		up.Resync = &signal
		d.logger.Warn().Str("signal", signal.String()).Msg("requesting resync")
		if err := d.Handshake(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return up, eris.Wrapf(errs[0], "pump: %d errors", len(errs))
	}
	return up, nil
}

// Close tells the server the client is leaving.
func (d *Driver) Close() {
	d.link.Disconnect(d.server, uint8(codec.ReasonClientQuit))
	d.connected = false
}

func (d *Driver) send(ch transport.Channel, msg codec.Message) error {
	payload, err := d.codec.Encode(msg)
	if err != nil {
		return err
	}
	return d.link.Send(d.server, ch, payload)
}
