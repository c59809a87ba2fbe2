package snapshot

import (
	"net"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/journal"
	"unnamed-rts/server/internal/session"
	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/internal/transport"
)

// Sender queues an encoded payload for one peer.
type Sender interface {
	Send(addr net.Addr, ch transport.Channel, payload []byte) error
}

// Encoder serializes wire messages.
type Encoder interface {
	Encode(msg codec.Message) ([]byte, error)
}

type Option func(*Dispatcher)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(metrics telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = telemetry.OrNop(metrics) }
}

// Result summarizes one dispatch round.
type Result struct {
	Tick   uint64
	Full   int
	Delta  int
	Bytes  int
	Failed int
}

// Dispatcher builds and sends one snapshot per session per tick. It reads
// the store between ticks and never waits for acknowledgements.
type Dispatcher struct {
	store    *ecs.Store
	registry *session.Registry
	journal  *journal.Journal
	encoder  Encoder
	sender   Sender
	logger   zerolog.Logger
	metrics  telemetry.Metrics
}

func New(store *ecs.Store, registry *session.Registry, j *journal.Journal, encoder Encoder, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		registry: registry,
		journal:  j,
		encoder:  encoder,
		sender:   sender,
		logger:   zerolog.Nop(),
		metrics:  telemetry.NopMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the state at the store's current tick to every active
// session. Sessions that share a baseline share one encoded payload.
func (d *Dispatcher) Dispatch() Result {
	cursors := d.registry.Active()
	var result Result
	d.store.Read(func(view ecs.View) {
		tick := view.Tick()
		result.Tick = tick
		rows := view.Rows()
		digest := codec.StateDigest(rows)

		type key struct {
			baseline uint64
			full     bool
			acked    uint32
		}
		encoded := make(map[key][]byte)
		for _, cur := range cursors {
			snap := codec.Snapshot{Tick: tick, AckedSequence: cur.AppliedSequence, Digest: digest}
			full := cur.NeedsFull || !cur.HasBaseline || !d.journal.Retains(cur.Baseline) || cur.Baseline > tick
			k := key{full: full, acked: cur.AppliedSequence}
			if !full {
				k.baseline = cur.Baseline
			}
			payload, ok := encoded[k]
			if !ok {
				if full {
					snap.Full = true
					snap.Entries = FullEntries(rows)
				} else {
					changes, retained := d.journal.Changes(cur.Baseline, tick)
					if !retained {
						snap.Full = true
						snap.Entries = FullEntries(rows)
						full = true
					} else {
						snap.BaselineTick = cur.Baseline
						snap.Entries = DeltaEntries(view, changes)
					}
				}
				var err error
				payload, err = d.encoder.Encode(snap)
				if err != nil {
					d.logger.Error().Err(err).Uint32("session", cur.ID).Uint64("tick", tick).Msg("encode snapshot")
					result.Failed++
					continue
				}
				encoded[k] = payload
			}
			if err := d.sender.Send(cur.Addr, transport.ChannelSequenced, payload); err != nil {
				if !eris.Is(err, transport.ErrUnknownPeer) {
					d.logger.Warn().Err(err).Uint32("session", cur.ID).Msg("send snapshot")
				}
				result.Failed++
				continue
			}
			d.registry.MarkSent(cur.ID, tick, full)
			result.Bytes += len(payload)
			if full {
				result.Full++
			} else {
				result.Delta++
			}
		}
	})
	if result.Full > 0 {
		d.metrics.Add(telemetry.MetricSnapshotsFull, uint64(result.Full))
	}
	if result.Delta > 0 {
		d.metrics.Add(telemetry.MetricSnapshotsDelta, uint64(result.Delta))
	}
	if result.Bytes > 0 {
		d.metrics.Add(telemetry.MetricSnapshotBytes, uint64(result.Bytes))
	}
	return result
}

// Acknowledge records a SnapshotAck from session id. Lower or repeated acks
// are ignored.
func (d *Dispatcher) Acknowledge(id session.ID, tick uint64) (bool, error) {
	return d.registry.AckSnapshot(id, tick)
}

// FullEntries lists every row as a set entry.
func FullEntries(rows []ecs.Row) []codec.Entry {
	entries := make([]codec.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, codec.Entry{Entity: row.Entity, Values: row.Components})
	}
	sortEntries(entries)
	return entries
}

// DeltaEntries turns merged changes into entries carrying the current
// values of the changed kinds. Entities born and gone inside the window
// still get a despawn entry: a client may have seen them in a snapshot it
// never acknowledged.
func DeltaEntries(view ecs.View, changes map[ecs.Entity]ecs.Change) []codec.Entry {
	entries := make([]codec.Entry, 0, len(changes))
	for e, change := range changes {
		current, alive := view.Get(e)
		if change.Despawned || !alive {
			entries = append(entries, codec.Entry{Entity: e, Despawned: true})
			continue
		}
		entry := codec.Entry{Entity: e}
		if change.Spawned {
			entry.Values = current
		} else {
			entry.Values = current.Project(change.Set)
			entry.Removed = change.Removed &^ current.Mask
		}
		if entry.Values.Mask == 0 && entry.Removed == 0 {
			continue
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries
}

func sortEntries(entries []codec.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Entity.Less(entries[j].Entity) })
}

// Apply folds a snapshot into rows keyed by entity, the way a client
// baseline is rebuilt. A full snapshot replaces the map.
func Apply(state map[ecs.Entity]ecs.Components, snap codec.Snapshot) map[ecs.Entity]ecs.Components {
	if snap.Full || state == nil {
		state = make(map[ecs.Entity]ecs.Components, len(snap.Entries))
	}
	for _, entry := range snap.Entries {
		if entry.Despawned {
			delete(state, entry.Entity)
			continue
		}
		c := state[entry.Entity]
		c.Clear(entry.Removed)
		c.Overlay(&entry.Values, entry.Values.Mask)
		c.Mask |= entry.Values.Mask
		state[entry.Entity] = c
	}
	return state
}

// Rows orders a rebuilt state for digesting.
func Rows(state map[ecs.Entity]ecs.Components) []ecs.Row {
	rows := make([]ecs.Row, 0, len(state))
	for e, c := range state {
		rows = append(rows, ecs.Row{Entity: e, Components: c})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Entity.Less(rows[j].Entity) })
	return rows
}

// Verify compares a rebuilt state against a snapshot digest.
func Verify(state map[ecs.Entity]ecs.Components, digest uint64) error {
	if got := codec.StateDigest(Rows(state)); got != digest {
		return eris.Errorf("state digest %016x, server %016x", got, digest)
	}
	return nil
}
