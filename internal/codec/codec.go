package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"

	"unnamed-rts/server/internal/ecs"
)

var (
	// ErrProtocol is the umbrella for payloads that cannot be decoded.
	ErrProtocol = eris.New("protocol error")
	// ErrMalformed reports a truncated or inconsistent payload.
	ErrMalformed = eris.New("malformed payload")
	// ErrUnsupportedVersion reports a schema tag this build does not speak.
	ErrUnsupportedVersion = eris.New("unsupported schema version")
	// ErrUnknownMessage reports an unrecognized message type.
	ErrUnknownMessage = eris.New("unknown message type")
)

// IsProtocol reports whether err is any decoding failure.
func IsProtocol(err error) bool {
	return eris.Is(err, ErrProtocol) ||
		eris.Is(err, ErrMalformed) ||
		eris.Is(err, ErrUnsupportedVersion) ||
		eris.Is(err, ErrUnknownMessage)
}

const (
	snapshotFull uint8 = 1 << iota
	snapshotLZ4
	snapshotZstd
)

const (
	entryDespawned uint8 = 1 << iota
)

// DefaultMaxBody caps the decompressed size of a snapshot body.
const DefaultMaxBody = 4 << 20

// Codec encodes and decodes wire messages. Snapshot bodies above the
// compression threshold are compressed: zstd for full snapshots, lz4 for
// deltas. A Codec is safe for concurrent use.
type Codec struct {
	threshold int
	maxBody   int

	zenc *zstd.Encoder
	zdec *zstd.Decoder

	lzMu sync.Mutex
	lz   lz4.Compressor
}

type Option func(*Codec)

// WithCompressThreshold sets the body size, in bytes, above which snapshot
// bodies are compressed. Zero or less disables compression.
func WithCompressThreshold(n int) Option {
	return func(c *Codec) { c.threshold = n }
}

// WithMaxBody caps decompressed snapshot bodies.
func WithMaxBody(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

func New(opts ...Option) (*Codec, error) {
	c := &Codec{maxBody: DefaultMaxBody}
	for _, opt := range opts {
		opt(c)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, eris.Wrap(err, "create zstd encoder")
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(c.maxBody)))
	if err != nil {
		return nil, eris.Wrap(err, "create zstd decoder")
	}
	c.zenc = enc
	c.zdec = dec
	return c, nil
}

// Close releases the zstd resources.
func (c *Codec) Close() {
	if c == nil {
		return
	}
	if c.zenc != nil {
		_ = c.zenc.Close()
	}
	if c.zdec != nil {
		c.zdec.Close()
	}
}

const ackBackpressure uint8 = 1 << 0

// Encode serializes msg behind the schema header.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 64)}
	w.u8(SchemaVersion)
	w.u8(uint8(msg.Type()))
	switch m := msg.(type) {
	case Handshake:
		w.u16(m.ClientVersion)
	case HandshakeAck:
		w.u32(m.SessionID)
		w.u64(m.Tick)
		w.u16(m.TickRate)
	case Command:
		body, err := msgpack.Marshal(actionToWire(m.Action))
		if err != nil {
			return nil, eris.Wrap(err, "encode action")
		}
		if len(body) > 0xFFFF {
			return nil, eris.Errorf("action body of %d bytes exceeds limit", len(body))
		}
		w.u32(m.SessionID)
		w.u32(m.Sequence)
		w.u64(m.TickIssued)
		w.u16(uint16(len(body)))
		w.bytes(body)
	case CommandAck:
		w.u32(m.SessionID)
		w.u32(m.HighestSequence)
		var flags uint8
		if m.Backpressure {
			flags |= ackBackpressure
		}
		w.u8(flags)
	case Snapshot:
		if err := c.encodeSnapshot(w, m); err != nil {
			return nil, err
		}
	case SnapshotAck:
		w.u64(m.Tick)
	case Disconnect:
		w.u8(uint8(m.Reason))
	default:
		return nil, eris.Errorf("cannot encode %T", msg)
	}
	return w.buf, nil
}

// Decode parses a message. Every failure wraps one of the protocol sentinels.
func (c *Codec) Decode(b []byte) (Message, error) {
	r := &reader{buf: b}
	version := r.u8()
	kind := MessageType(r.u8())
	if r.err != nil {
		return nil, eris.Wrap(r.err, "decode header")
	}
	if version != SchemaVersion {
		return nil, eris.Wrapf(ErrUnsupportedVersion, "schema %d", version)
	}
	var msg Message
	switch kind {
	case TypeHandshake:
		msg = Handshake{ClientVersion: r.u16()}
	case TypeHandshakeAck:
		msg = HandshakeAck{SessionID: r.u32(), Tick: r.u64(), TickRate: r.u16()}
	case TypeCommand:
		cmd := Command{SessionID: r.u32(), Sequence: r.u32(), TickIssued: r.u64()}
		body := r.take(int(r.u16()))
		if r.err == nil {
			var aw actionWire
			if err := msgpack.Unmarshal(body, &aw); err != nil {
				return nil, eris.Wrapf(ErrMalformed, "action body: %v", err)
			}
			cmd.Action = aw.action()
		}
		msg = cmd
	case TypeCommandAck:
		ack := CommandAck{SessionID: r.u32(), HighestSequence: r.u32()}
		flags := r.u8()
		if flags&^ackBackpressure != 0 {
			return nil, eris.Wrapf(ErrMalformed, "command ack flags %#x", flags)
		}
		ack.Backpressure = flags&ackBackpressure != 0
		msg = ack
	case TypeSnapshot:
		snap, err := c.decodeSnapshot(r)
		if err != nil {
			return nil, err
		}
		msg = snap
	case TypeSnapshotAck:
		msg = SnapshotAck{Tick: r.u64()}
	case TypeDisconnect:
		msg = Disconnect{Reason: DisconnectReason(r.u8())}
	default:
		return nil, eris.Wrapf(ErrUnknownMessage, "type %d", uint8(kind))
	}
	if err := r.finish(); err != nil {
		return nil, eris.Wrapf(err, "decode %s", kind)
	}
	return msg, nil
}

type actionWire struct {
	Kind   uint8   `msgpack:"k"`
	Unit   uint64  `msgpack:"u"`
	Target uint64  `msgpack:"t,omitempty"`
	X      float64 `msgpack:"x,omitempty"`
	Y      float64 `msgpack:"y,omitempty"`
}

func packEntity(e ecs.Entity) uint64 {
	return uint64(e.Index)<<32 | uint64(e.Generation)
}

func unpackEntity(v uint64) ecs.Entity {
	return ecs.Entity{Index: uint32(v >> 32), Generation: uint32(v)}
}

func actionToWire(a Action) actionWire {
	return actionWire{
		Kind:   uint8(a.Kind),
		Unit:   packEntity(a.Unit),
		Target: packEntity(a.Target),
		X:      a.Point.X,
		Y:      a.Point.Y,
	}
}

func (a actionWire) action() Action {
	return Action{
		Kind:   ActionKind(a.Kind),
		Unit:   unpackEntity(a.Unit),
		Target: unpackEntity(a.Target),
		Point:  ecs.Vec2{X: a.X, Y: a.Y},
	}
}

func (c *Codec) encodeSnapshot(w *writer, m Snapshot) error {
	body := &writer{buf: make([]byte, 0, 16+len(m.Entries)*48)}
	body.u32(uint32(len(m.Entries)))
	for i := range m.Entries {
		encodeEntry(body, &m.Entries[i])
	}

	flags := uint8(0)
	if m.Full {
		flags |= snapshotFull
	}
	payload := body.buf
	if c.threshold > 0 && len(body.buf) > c.threshold {
		compressed, codecFlag, err := c.compress(body.buf, m.Full)
		if err != nil {
			return err
		}
		if compressed != nil {
			flags |= codecFlag
			framed := &writer{buf: make([]byte, 0, 4+len(compressed))}
			framed.u32(uint32(len(body.buf)))
			framed.bytes(compressed)
			payload = framed.buf
		}
	}

	w.u64(m.Tick)
	w.u64(m.BaselineTick)
	w.u8(flags)
	w.u32(m.AckedSequence)
	w.u64(m.Digest)
	w.bytes(payload)
	return nil
}

// compress returns nil when the body does not shrink.
func (c *Codec) compress(raw []byte, full bool) ([]byte, uint8, error) {
	if full {
		out := c.zenc.EncodeAll(raw, nil)
		if len(out)+4 >= len(raw) {
			return nil, 0, nil
		}
		return out, snapshotZstd, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	c.lzMu.Lock()
	n, err := c.lz.CompressBlock(raw, dst)
	c.lzMu.Unlock()
	if err != nil {
		return nil, 0, eris.Wrap(err, "lz4 compress")
	}
	if n == 0 || n+4 >= len(raw) {
		return nil, 0, nil
	}
	return dst[:n], snapshotLZ4, nil
}

func (c *Codec) decodeSnapshot(r *reader) (Snapshot, error) {
	snap := Snapshot{Tick: r.u64(), BaselineTick: r.u64()}
	flags := r.u8()
	snap.AckedSequence = r.u32()
	snap.Digest = r.u64()
	snap.Full = flags&snapshotFull != 0
	payload := r.rest()
	if r.err != nil {
		return Snapshot{}, eris.Wrap(r.err, "decode snapshot header")
	}
	if flags&(snapshotLZ4|snapshotZstd) != 0 {
		raw, err := c.decompress(payload, flags)
		if err != nil {
			return Snapshot{}, err
		}
		payload = raw
	}
	body := &reader{buf: payload}
	count := body.u32()
	if body.err == nil && uint64(count)*minEntrySize > uint64(len(payload)) {
		return Snapshot{}, eris.Wrapf(ErrMalformed, "%d entries cannot fit in %d bytes", count, len(payload))
	}
	snap.Entries = make([]Entry, 0, count)
	for i := uint32(0); i < count && body.err == nil; i++ {
		entry, err := decodeEntry(body)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Entries = append(snap.Entries, entry)
	}
	if err := body.finish(); err != nil {
		return Snapshot{}, eris.Wrap(err, "decode snapshot body")
	}
	return snap, nil
}

func (c *Codec) decompress(payload []byte, flags uint8) ([]byte, error) {
	framed := &reader{buf: payload}
	rawLen := int(framed.u32())
	compressed := framed.rest()
	if framed.err != nil {
		return nil, eris.Wrap(framed.err, "decode compressed frame")
	}
	if rawLen > c.maxBody {
		return nil, eris.Wrapf(ErrMalformed, "body of %d bytes exceeds limit %d", rawLen, c.maxBody)
	}
	if flags&snapshotZstd != 0 {
		raw, err := c.zdec.DecodeAll(compressed, make([]byte, 0, rawLen))
		if err != nil {
			return nil, eris.Wrapf(ErrMalformed, "zstd: %v", err)
		}
		if len(raw) != rawLen {
			return nil, eris.Wrapf(ErrMalformed, "zstd body %d bytes, header says %d", len(raw), rawLen)
		}
		return raw, nil
	}
	raw := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(compressed, raw)
	if err != nil {
		return nil, eris.Wrapf(ErrMalformed, "lz4: %v", err)
	}
	if n != rawLen {
		return nil, eris.Wrapf(ErrMalformed, "lz4 body %d bytes, header says %d", n, rawLen)
	}
	return raw, nil
}
