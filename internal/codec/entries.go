package codec

import (
	"encoding/binary"
	"sort"

	"github.com/rotisserie/eris"
	"lukechampine.com/blake3"

	"unnamed-rts/server/internal/ecs"
)

// index u32, generation u32, flags u8, removed u16, set u16
const minEntrySize = 13

func encodeEntry(w *writer, e *Entry) {
	w.u32(e.Entity.Index)
	w.u32(e.Entity.Generation)
	flags := uint8(0)
	if e.Despawned {
		flags |= entryDespawned
	}
	w.u8(flags)
	w.u16(uint16(e.Removed))
	if e.Despawned {
		w.u16(0)
		return
	}
	w.u16(uint16(e.Values.Mask))
	encodeComponents(w, &e.Values)
}

func decodeEntry(r *reader) (Entry, error) {
	entry := Entry{Entity: ecs.Entity{Index: r.u32(), Generation: r.u32()}}
	flags := r.u8()
	entry.Removed = ecs.Mask(r.u16())
	set := ecs.Mask(r.u16())
	if r.err != nil {
		return Entry{}, eris.Wrap(r.err, "decode entry header")
	}
	if !entry.Removed.Valid() || !set.Valid() {
		return Entry{}, eris.Wrapf(ErrMalformed, "entity %s names unknown components", entry.Entity)
	}
	if entry.Entity.IsNil() {
		return Entry{}, eris.Wrapf(ErrMalformed, "nil entity in snapshot")
	}
	entry.Despawned = flags&entryDespawned != 0
	entry.Values.Mask = set
	decodeComponents(r, &entry.Values)
	if r.err != nil {
		return Entry{}, eris.Wrapf(r.err, "decode entity %s", entry.Entity)
	}
	return entry, nil
}

func encodeComponents(w *writer, c *ecs.Components) {
	m := c.Mask
	if m.Has(ecs.Position) {
		w.f64(c.Position.X)
		w.f64(c.Position.Y)
	}
	if m.Has(ecs.Velocity) {
		w.f64(c.Velocity.X)
		w.f64(c.Velocity.Y)
	}
	if m.Has(ecs.Health) {
		w.i32(c.Health.Current)
		w.i32(c.Health.Max)
	}
	if m.Has(ecs.Owner) {
		w.u32(c.Owner)
	}
	if m.Has(ecs.Unit) {
		w.u8(uint8(c.Unit))
	}
	if m.Has(ecs.MoveTarget) {
		w.f64(c.MoveTarget.X)
		w.f64(c.MoveTarget.Y)
	}
	if m.Has(ecs.AttackTarget) {
		w.u32(c.AttackTarget.Index)
		w.u32(c.AttackTarget.Generation)
	}
	if m.Has(ecs.Weapon) {
		w.i32(c.Weapon.Damage)
		w.f64(c.Weapon.Range)
		w.u16(c.Weapon.CooldownTicks)
		w.u16(c.Weapon.Cooldown)
	}
	if m.Has(ecs.Harvest) {
		w.i32(c.Harvest.Rate)
		w.i32(c.Harvest.Carried)
		w.i32(c.Harvest.Capacity)
	}
}

func decodeComponents(r *reader, c *ecs.Components) {
	m := c.Mask
	if m.Has(ecs.Position) {
		c.Position = ecs.Vec2{X: r.f64(), Y: r.f64()}
	}
	if m.Has(ecs.Velocity) {
		c.Velocity = ecs.Vec2{X: r.f64(), Y: r.f64()}
	}
	if m.Has(ecs.Health) {
		c.Health = ecs.HealthPool{Current: r.i32(), Max: r.i32()}
	}
	if m.Has(ecs.Owner) {
		c.Owner = r.u32()
	}
	if m.Has(ecs.Unit) {
		c.Unit = ecs.UnitKind(r.u8())
	}
	if m.Has(ecs.MoveTarget) {
		c.MoveTarget = ecs.Vec2{X: r.f64(), Y: r.f64()}
	}
	if m.Has(ecs.AttackTarget) {
		c.AttackTarget = ecs.Entity{Index: r.u32(), Generation: r.u32()}
	}
	if m.Has(ecs.Weapon) {
		c.Weapon = ecs.WeaponStats{Damage: r.i32(), Range: r.f64(), CooldownTicks: r.u16(), Cooldown: r.u16()}
	}
	if m.Has(ecs.Harvest) {
		c.Harvest = ecs.HarvestState{Rate: r.i32(), Carried: r.i32(), Capacity: r.i32()}
	}
}

// StateDigest hashes rows in entity order. Server and client compute it
// over the same canonical component encoding, so equal states give equal
// digests.
func StateDigest(rows []ecs.Row) uint64 {
	sorted := rows
	if !sort.SliceIsSorted(rows, func(i, j int) bool { return rows[i].Entity.Less(rows[j].Entity) }) {
		sorted = append([]ecs.Row(nil), rows...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Entity.Less(sorted[j].Entity) })
	}
	h := blake3.New(32, nil)
	w := &writer{buf: make([]byte, 0, 128)}
	for i := range sorted {
		w.buf = w.buf[:0]
		w.u32(sorted[i].Entity.Index)
		w.u32(sorted[i].Entity.Generation)
		w.u16(uint16(sorted[i].Components.Mask))
		encodeComponents(w, &sorted[i].Components)
		_, _ = h.Write(w.buf)
	}
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}
