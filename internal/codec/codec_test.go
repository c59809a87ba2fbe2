package codec

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unnamed-rts/server/internal/ecs"
)

func newCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func unitRow(i uint32) ecs.Row {
	return ecs.Row{
		Entity: ecs.Entity{Index: i, Generation: 1},
		Components: ecs.Components{
			Mask:     ecs.Position | ecs.Velocity | ecs.Owner | ecs.Health | ecs.Unit | ecs.Weapon,
			Position: ecs.Vec2{X: float64(i), Y: 2},
			Owner:    3,
			Health:   ecs.HealthPool{Current: 8, Max: 10},
			Unit:     ecs.UnitBasic,
			Weapon:   ecs.WeaponStats{Damage: 2, Range: 1.5, CooldownTicks: 10},
		},
	}
}

func TestCommandCarriesAction(t *testing.T) {
	c := newCodec(t)
	cmd := Command{
		SessionID:  9,
		Sequence:   41,
		TickIssued: 1000,
		Action: Action{
			Kind:   ActionAttack,
			Unit:   ecs.Entity{Index: 4, Generation: 2},
			Target: ecs.Entity{Index: 7, Generation: 1},
		},
	}
	b, err := c.Encode(cmd)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, b[0])
	assert.Equal(t, uint8(TypeCommand), b[1])

	msg, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, cmd, msg)
}

func TestCommandAckCarriesBackpressure(t *testing.T) {
	c := newCodec(t)
	for _, ack := range []CommandAck{
		{SessionID: 2, HighestSequence: 17},
		{SessionID: 2, HighestSequence: 18, Backpressure: true},
	} {
		b, err := c.Encode(ack)
		require.NoError(t, err)
		msg, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, ack, msg)
	}

	b, err := c.Encode(CommandAck{SessionID: 2, HighestSequence: 1})
	require.NoError(t, err)
	b[len(b)-1] = 0x80
	_, err = c.Decode(b)
	assert.True(t, eris.Is(err, ErrMalformed))
}

func TestDecodeRejectsBadHeaders(t *testing.T) {
	c := newCodec(t)

	_, err := c.Decode(nil)
	require.Error(t, err)
	assert.True(t, IsProtocol(err))
	assert.True(t, eris.Is(err, ErrMalformed))

	_, err = c.Decode([]byte{SchemaVersion + 1, uint8(TypeHandshake), 0, 0})
	assert.True(t, eris.Is(err, ErrUnsupportedVersion))

	_, err = c.Decode([]byte{SchemaVersion, 200})
	assert.True(t, eris.Is(err, ErrUnknownMessage))
	assert.True(t, IsProtocol(err))
}

func TestDecodeRejectsTruncationAndTrailingBytes(t *testing.T) {
	c := newCodec(t)
	b, err := c.Encode(HandshakeAck{SessionID: 1, Tick: 2, TickRate: 20})
	require.NoError(t, err)

	for cut := 2; cut < len(b); cut++ {
		_, err := c.Decode(b[:cut])
		require.Error(t, err, "cut at %d", cut)
		assert.True(t, IsProtocol(err))
	}
	_, err = c.Decode(append(b, 0))
	assert.True(t, eris.Is(err, ErrMalformed))
}

func TestSnapshotDeltaEntries(t *testing.T) {
	c := newCodec(t)
	snap := Snapshot{
		Tick:          100,
		BaselineTick:  95,
		AckedSequence: 12,
		Digest:        0xDEADBEEF,
		Entries: []Entry{
			{Entity: ecs.Entity{Index: 1, Generation: 1}, Values: ecs.Components{Mask: ecs.Position, Position: ecs.Vec2{X: 1.5, Y: -2}}},
			{Entity: ecs.Entity{Index: 2, Generation: 3}, Removed: ecs.MoveTarget, Values: ecs.Components{Mask: ecs.Velocity}},
			{Entity: ecs.Entity{Index: 5, Generation: 1}, Despawned: true},
		},
	}
	b, err := c.Encode(snap)
	require.NoError(t, err)
	msg, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, snap, msg)
}

func TestSnapshotCompression(t *testing.T) {
	c := newCodec(t, WithCompressThreshold(64))
	entries := make([]Entry, 0, 200)
	for i := uint32(1); i <= 200; i++ {
		row := unitRow(i % 4)
		row.Entity.Index = i
		entries = append(entries, Entry{Entity: row.Entity, Values: row.Components})
	}
	plain := newCodec(t)

	for _, full := range []bool{true, false} {
		snap := Snapshot{Tick: 10, Full: full, Entries: entries}
		compressed, err := c.Encode(snap)
		require.NoError(t, err)
		uncompressed, err := plain.Encode(snap)
		require.NoError(t, err)
		assert.Less(t, len(compressed), len(uncompressed), "full=%v", full)

		flags := compressed[2+16]
		if full {
			assert.NotZero(t, flags&snapshotZstd)
		} else {
			assert.NotZero(t, flags&snapshotLZ4)
		}

		msg, err := plain.Decode(compressed)
		require.NoError(t, err)
		assert.Equal(t, snap, msg)
	}
}

func TestSnapshotRejectsOversizedCount(t *testing.T) {
	c := newCodec(t)
	b, err := c.Encode(Snapshot{Tick: 1})
	require.NoError(t, err)
	// entry count lives right after the 31 byte header
	b[2+29] = 0xFF
	_, err = c.Decode(b)
	assert.True(t, eris.Is(err, ErrMalformed))
}

func TestStateDigestIsOrderIndependent(t *testing.T) {
	rows := []ecs.Row{unitRow(1), unitRow(2), unitRow(3)}
	reversed := []ecs.Row{rows[2], rows[1], rows[0]}
	assert.Equal(t, StateDigest(rows), StateDigest(reversed))

	changed := append([]ecs.Row(nil), rows...)
	changed[1].Components.Position.X += 0.5
	assert.NotEqual(t, StateDigest(rows), StateDigest(changed))
	assert.Equal(t, reversed[0].Entity.Index, uint32(3), "input is not reordered")
}
