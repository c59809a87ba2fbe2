package client

import (
	"sort"

	"github.com/rotisserie/eris"

	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/sim"
	"unnamed-rts/server/internal/snapshot"
)

var (
	// ErrStaleSnapshot reports a snapshot no newer than the current baseline.
	ErrStaleSnapshot = eris.New("stale snapshot")
	// ErrBaselineMissing reports a delta against a tick the client never applied.
	ErrBaselineMissing = eris.New("delta baseline missing")
	// ErrDigestMismatch reports a baseline that diverged from the server.
	ErrDigestMismatch = eris.New("state digest mismatch")
)

// Correction decides how a prediction error is shown. Errors larger than
// SnapDistance snap; smaller ones become a display offset that shrinks by
// BlendFactor every local tick.
type Correction struct {
	SnapDistance float64
	BlendFactor  float64
}

func DefaultCorrection() Correction {
	return Correction{SnapDistance: 2, BlendFactor: 0.25}
}

// RenderEntity is one entity as a frame should draw it.
type RenderEntity struct {
	Entity     ecs.Entity
	Components ecs.Components
	Position   ecs.Vec2
	Predicted  bool
}

type track struct {
	prev, curr ecs.Vec2
}

// Reconciler keeps the client's predicted world: the last authoritative
// baseline plus every local command the server has not yet applied.
type Reconciler struct {
	session    uint32
	rules      sim.Rules
	delta      float64
	correction Correction

	sequence uint32
	pending  []codec.Command

	baseline     map[ecs.Entity]ecs.Components
	baselineTick uint64
	hasBaseline  bool

	tick      uint64
	predicted map[ecs.Entity]ecs.Components
	offsets   map[ecs.Entity]ecs.Vec2
	remote    map[ecs.Entity]*track

	resync *resyncPolicy
	stats  Stats
}

// Stats counts reconciliation outcomes.
type Stats struct {
	Snapshots       uint64
	Stale           uint64
	BaselineMissing uint64
	DigestMismatch  uint64
	Snaps           uint64
	Blends          uint64
	Replayed        uint64
}

func NewReconciler(rules sim.Rules, tickRate int, correction Correction) *Reconciler {
	if tickRate <= 0 {
		tickRate = 20
	}
	return &Reconciler{
		rules:      rules,
		delta:      1 / float64(tickRate),
		correction: correction,
		predicted:  make(map[ecs.Entity]ecs.Components),
		offsets:    make(map[ecs.Entity]ecs.Vec2),
		remote:     make(map[ecs.Entity]*track),
		resync:     newResyncPolicy(),
	}
}

// Start binds the reconciler to a session at the server's tick. It keeps
// the command sequence so a re-handshake does not replay old sequences.
func (r *Reconciler) Start(session uint32, tick uint64, tickRate int) {
	r.session = session
	r.tick = tick
	if tickRate > 0 {
		r.delta = 1 / float64(tickRate)
	}
	r.baseline = nil
	r.hasBaseline = false
	r.baselineTick = 0
	clear(r.predicted)
	clear(r.offsets)
	clear(r.remote)
}

func (r *Reconciler) Session() uint32 { return r.session }

// Tick reports the local predicted tick.
func (r *Reconciler) Tick() uint64 { return r.tick }

// BaselineTick reports the tick of the last applied snapshot.
func (r *Reconciler) BaselineTick() (uint64, bool) { return r.baselineTick, r.hasBaseline }

func (r *Reconciler) Pending() []codec.Command {
	return append([]codec.Command(nil), r.pending...)
}

func (r *Reconciler) Stats() Stats { return r.stats }

// Issue stamps action for the next local tick and buffers it until the
// server reports it applied. The next Step predicts it.
func (r *Reconciler) Issue(action codec.Action) codec.Command {
	r.sequence++
	cmd := codec.Command{
		SessionID:  r.session,
		Sequence:   r.sequence,
		TickIssued: r.tick + 1,
		Action:     action,
	}
	r.pending = append(r.pending, cmd)
	return cmd
}

// Step advances the prediction by one tick: due local commands first, then
// movement of owned units.
func (r *Reconciler) Step() {
	r.tick++
	r.simulate(r.predicted, r.tick)
	for e, off := range r.offsets {
		off = off.Scale(1 - r.correction.BlendFactor)
		if off.Len() < r.rules.ArriveEpsilon {
			delete(r.offsets, e)
			continue
		}
		r.offsets[e] = off
	}
}

// simulate runs owned-unit prediction for tick, applying the pending
// commands issued for it.
func (r *Reconciler) simulate(state map[ecs.Entity]ecs.Components, tick uint64) {
	for _, cmd := range r.pending {
		if cmd.TickIssued == tick {
			r.applyAction(state, cmd.Action)
		}
	}
	step := r.rules.UnitSpeed * r.delta
	for e, c := range state {
		if c.Owner != r.session || !c.Mask.Has(ecs.Position|ecs.MoveTarget) {
			continue
		}
		next, arrived := sim.StepMovement(c.Position, c.MoveTarget, step, r.rules.ArriveEpsilon)
		if arrived {
			c.Velocity = ecs.Vec2{}
			c.Clear(ecs.MoveTarget)
		} else {
			c.Velocity = next.Sub(c.Position).Scale(1 / r.delta)
		}
		c.Position = next
		state[e] = c
	}
}

// applyAction mirrors the server's order handling for owned units. Anything
// the server would reject is ignored here too.
func (r *Reconciler) applyAction(state map[ecs.Entity]ecs.Components, a codec.Action) {
	c, ok := state[a.Unit]
	if !ok || c.Owner != r.session || !c.Mask.Has(ecs.Owner|ecs.Unit) {
		return
	}
	switch a.Kind {
	case codec.ActionMove:
		if !c.Mask.Has(ecs.Position) || !sim.InBounds(a.Point, r.rules.WorldSize) {
			return
		}
		c.Clear(ecs.AttackTarget)
		c.Mask |= ecs.MoveTarget
		c.MoveTarget = a.Point
	case codec.ActionAttack:
		target, ok := state[a.Target]
		if !c.Mask.Has(ecs.Weapon) || !ok || !target.Mask.Has(ecs.Health) || target.Owner == r.session {
			return
		}
		c.Clear(ecs.MoveTarget)
		c.Mask |= ecs.AttackTarget
		c.AttackTarget = a.Target
	case codec.ActionStop:
		c.Clear(ecs.MoveTarget | ecs.AttackTarget)
		if c.Mask.Has(ecs.Velocity) {
			c.Velocity = ecs.Vec2{}
		}
	}
	state[a.Unit] = c
}

// ApplySnapshot makes snap the new baseline, drops commands the server has
// applied and replays the rest up to the local tick. The returned ack names
// the tick to acknowledge; it is set whenever the snapshot was applied, even
// if the digest check then failed.
func (r *Reconciler) ApplySnapshot(snap codec.Snapshot) (codec.SnapshotAck, error) {
	if r.hasBaseline && snap.Tick <= r.baselineTick {
		r.stats.Stale++
		return codec.SnapshotAck{}, eris.Wrapf(ErrStaleSnapshot, "tick %d at baseline %d", snap.Tick, r.baselineTick)
	}
	if !snap.Full && (!r.hasBaseline || snap.BaselineTick > r.baselineTick) {
		r.stats.BaselineMissing++
		r.resync.noteMiss(snap.Tick)
		return codec.SnapshotAck{}, eris.Wrapf(ErrBaselineMissing, "delta from %d, have %d", snap.BaselineTick, r.baselineTick)
	}
	r.stats.Snapshots++
	r.resync.noteApplied()

	r.baseline = snapshot.Apply(r.baseline, snap)
	r.baselineTick = snap.Tick
	r.hasBaseline = true
	if r.tick < snap.Tick {
		r.tick = snap.Tick
	}

	keep := r.pending[:0]
	for _, cmd := range r.pending {
		if cmd.Sequence > snap.AckedSequence {
			keep = append(keep, cmd)
		}
	}
	clear(r.pending[len(keep):])
	r.pending = keep

	r.updateRemote()
	r.rebuild(snap.Tick)

	ack := codec.SnapshotAck{Tick: snap.Tick}
	if err := snapshot.Verify(r.baseline, snap.Digest); err != nil {
		r.stats.DigestMismatch++
		r.resync.noteMismatch(snap.Tick)
		return ack, eris.Wrap(ErrDigestMismatch, err.Error())
	}
	return ack, nil
}

// rebuild re-derives the prediction from the baseline and folds the
// difference for each owned unit into the correction policy.
func (r *Reconciler) rebuild(from uint64) {
	next := make(map[ecs.Entity]ecs.Components, len(r.baseline))
	for e, c := range r.baseline {
		next[e] = c
	}
	// commands the server had not applied by the baseline tick land on the
	// next server tick, the way late commands are clamped
	for _, cmd := range r.pending {
		if cmd.TickIssued <= from {
			r.applyAction(next, cmd.Action)
		}
	}
	replayed := 0
	for t := from + 1; t <= r.tick; t++ {
		r.simulate(next, t)
		replayed++
	}
	r.stats.Replayed += uint64(replayed)

	for e, c := range next {
		if c.Owner != r.session || !c.Mask.Has(ecs.Position) {
			continue
		}
		old, ok := r.predicted[e]
		if !ok || !old.Mask.Has(ecs.Position) {
			continue
		}
		shown := old.Position.Add(r.offsets[e])
		diff := shown.Sub(c.Position)
		switch {
		case diff.Len() <= r.rules.ArriveEpsilon:
			delete(r.offsets, e)
		case diff.Len() > r.correction.SnapDistance:
			delete(r.offsets, e)
			r.stats.Snaps++
		default:
			r.offsets[e] = diff
			r.stats.Blends++
		}
	}
	for e := range r.offsets {
		if _, ok := next[e]; !ok {
			delete(r.offsets, e)
		}
	}
	r.predicted = next
}

func (r *Reconciler) updateRemote() {
	for e, c := range r.baseline {
		if c.Owner == r.session || !c.Mask.Has(ecs.Position) {
			continue
		}
		tr, ok := r.remote[e]
		if !ok {
			r.remote[e] = &track{prev: c.Position, curr: c.Position}
			continue
		}
		tr.prev = tr.curr
		tr.curr = c.Position
	}
	for e := range r.remote {
		if _, ok := r.baseline[e]; !ok {
			delete(r.remote, e)
		}
	}
}

// Predicted returns the predicted components of e.
func (r *Reconciler) Predicted(e ecs.Entity) (ecs.Components, bool) {
	c, ok := r.predicted[e]
	return c, ok
}

// Owned lists the session's units in entity order.
func (r *Reconciler) Owned() []ecs.Entity {
	var out []ecs.Entity
	for e, c := range r.predicted {
		if c.Owner == r.session && c.Mask.Has(ecs.Unit) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Frame yields the entities to draw at alpha in [0, 1] between the last two
// snapshots. Owned units show their prediction plus the decaying correction
// offset; remote entities are interpolated.
func (r *Reconciler) Frame(alpha float64) []RenderEntity {
	alpha = max(0, min(1, alpha))
	out := make([]RenderEntity, 0, len(r.predicted))
	for e, c := range r.predicted {
		item := RenderEntity{Entity: e, Components: c, Position: c.Position}
		if c.Owner == r.session {
			item.Predicted = true
			item.Position = c.Position.Add(r.offsets[e])
		} else if tr, ok := r.remote[e]; ok {
			item.Position = tr.prev.Lerp(tr.curr, alpha)
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity.Less(out[j].Entity) })
	return out
}

// NeedsResync reports whether the client should re-handshake and why.
func (r *Reconciler) NeedsResync() (ResyncSignal, bool) {
	return r.resync.consume()
}
