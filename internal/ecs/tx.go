package ecs

import (
	"iter"

	"github.com/rotisserie/eris"
)

// Tx is the single writer for one tick. It is not safe for concurrent use;
// parallel systems each work through their own Frame.
type Tx struct {
	store   *Store
	tick    uint64
	touched map[uint32]struct{}
	done    bool
}

func (tx *Tx) Tick() uint64 { return tx.tick }

func (tx *Tx) touch(idx uint32) {
	tx.touched[idx] = struct{}{}
}

// Spawn creates an entity carrying c.
func (tx *Tx) Spawn(c Components) Entity {
	s := tx.store
	idx := s.alloc()
	sl := &s.slots[idx]
	c.Mask &= AllKinds
	sl.data = c.Project(c.Mask)
	sl.alive = true
	s.live++
	tx.touch(idx)
	return Entity{Index: idx, Generation: sl.generation}
}

// Despawn removes e. Despawning a gone entity is a no-op and reports false.
func (tx *Tx) Despawn(e Entity) bool {
	s := tx.store
	sl, ok := s.resolve(e)
	if !ok {
		return false
	}
	sl.alive = false
	sl.data = Components{}
	sl.freedAt = tx.tick
	s.free = append(s.free, e.Index)
	s.live--
	tx.touch(e.Index)
	return true
}

func (tx *Tx) Get(e Entity) (Components, bool) {
	sl, ok := tx.store.resolve(e)
	if !ok {
		return Components{}, false
	}
	return sl.data, true
}

func (tx *Tx) Alive(e Entity) bool {
	_, ok := tx.store.resolve(e)
	return ok
}

// Mut edits e in place. fn may add or drop kinds through Mask.
func (tx *Tx) Mut(e Entity, fn func(*Components)) bool {
	sl, ok := tx.store.resolve(e)
	if !ok {
		return false
	}
	before := sl.data.Mask
	fn(&sl.data)
	sl.data.Mask &= AllKinds
	if dropped := before &^ sl.data.Mask; dropped != 0 {
		sl.data.Clear(dropped)
	}
	tx.touch(e.Index)
	return true
}

// Insert attaches or overwrites the kinds named in c.Mask.
func (tx *Tx) Insert(e Entity, c Components) bool {
	return tx.Mut(e, func(dst *Components) {
		mask := c.Mask & AllKinds
		dst.Overlay(&c, mask)
		dst.Mask |= mask
	})
}

// Remove detaches the kinds in mask.
func (tx *Tx) Remove(e Entity, mask Mask) bool {
	return tx.Mut(e, func(dst *Components) {
		dst.Clear(mask)
	})
}

// Query yields live entities carrying every kind in mask, including those
// spawned earlier in this tick.
func (tx *Tx) Query(mask Mask) iter.Seq2[Entity, Components] {
	return func(yield func(Entity, Components) bool) {
		slots := tx.store.slots
		for i := range slots {
			sl := &slots[i]
			if !sl.alive || !sl.data.Mask.Has(mask) {
				continue
			}
			if !yield(Entity{Index: uint32(i), Generation: sl.generation}, sl.data) {
				return
			}
		}
	}
}

// Frame opens a restricted view for one system. reads and writes are the
// component kinds the system declared.
func (tx *Tx) Frame(reads, writes Mask) *Frame {
	return &Frame{tx: tx, reads: reads | writes, writes: writes}
}

// Apply merges the touched sets of frames and replays their deferred
// structural operations in frame order.
func (tx *Tx) Apply(frames ...*Frame) {
	for _, f := range frames {
		if f == nil {
			continue
		}
		for _, idx := range f.touched {
			tx.touch(idx)
		}
		for _, op := range f.ops {
			op(tx)
		}
		f.touched = nil
		f.ops = nil
	}
}

// Commit closes the transaction, returning the exact changes of this tick.
// It releases the store's write lock even when the store is corrupted.
func (tx *Tx) Commit() (ChangeSet, error) {
	if tx.done {
		return ChangeSet{}, eris.New("transaction already committed")
	}
	tx.done = true
	s := tx.store
	defer s.mu.Unlock()

	cs := ChangeSet{Tick: tx.tick, Changes: make(map[Entity]Change, len(tx.touched))}
	for idx := range tx.touched {
		sl := &s.slots[idx]
		e := Entity{Index: idx, Generation: sl.generation}
		switch {
		case sl.alive && !sl.committedAlive:
			cs.Changes[e] = Change{Set: sl.data.Mask, Spawned: true}
		case !sl.alive && sl.committedAlive:
			cs.Changes[e] = Change{Despawned: true}
		case sl.alive:
			set := sl.data.Changed(&sl.committed) | (sl.data.Mask &^ sl.committed.Mask)
			removed := sl.committed.Mask &^ sl.data.Mask
			if set != 0 || removed != 0 {
				cs.Changes[e] = Change{Set: set, Removed: removed}
			}
		}
		sl.committed = sl.data
		sl.committedAlive = sl.alive
	}
	s.tick = tx.tick

	live := 0
	for i := range s.slots {
		if s.slots[i].alive {
			live++
		}
	}
	if live != s.live {
		return cs, eris.Wrapf(ErrStoreCorrupted, "tick %d: %d live slots, %d counted", tx.tick, live, s.live)
	}
	return cs, nil
}

// Frame is a system's view of the tick. Reads and in-place writes are limited
// to the declared kinds so systems with disjoint sets can run in parallel;
// structural changes are deferred until Tx.Apply.
type Frame struct {
	tx      *Tx
	reads   Mask
	writes  Mask
	touched []uint32
	ops     []func(*Tx)
}

func (f *Frame) Tick() uint64 { return f.tx.tick }

// Get returns e projected onto the frame's declared kinds.
func (f *Frame) Get(e Entity) (Components, bool) {
	sl, ok := f.tx.store.resolve(e)
	if !ok {
		return Components{}, false
	}
	return sl.data.Project(f.reads), true
}

func (f *Frame) Alive(e Entity) bool {
	_, ok := f.tx.store.resolve(e)
	return ok
}

// Query yields live entities carrying every kind in mask, projected onto the
// frame's declared kinds.
func (f *Frame) Query(mask Mask) iter.Seq2[Entity, Components] {
	return func(yield func(Entity, Components) bool) {
		slots := f.tx.store.slots
		for i := range slots {
			sl := &slots[i]
			if !sl.alive || !sl.data.Mask.Has(mask) {
				continue
			}
			if !yield(Entity{Index: uint32(i), Generation: sl.generation}, sl.data.Project(f.reads)) {
				return
			}
		}
	}
}

// Update passes a projected copy of e to fn and writes back the declared
// write kinds the entity already carries.
func (f *Frame) Update(e Entity, fn func(*Components)) bool {
	sl, ok := f.tx.store.resolve(e)
	if !ok {
		return false
	}
	c := sl.data.Project(f.reads)
	fn(&c)
	sl.data.Overlay(&c, f.writes&sl.data.Mask)
	f.touched = append(f.touched, e.Index)
	return true
}

// Spawn defers an entity creation to the end of the batch.
func (f *Frame) Spawn(c Components) {
	f.ops = append(f.ops, func(tx *Tx) { tx.Spawn(c) })
}

// Despawn defers a removal to the end of the batch.
func (f *Frame) Despawn(e Entity) {
	f.ops = append(f.ops, func(tx *Tx) { tx.Despawn(e) })
}

// Insert defers attaching the kinds in c.Mask.
func (f *Frame) Insert(e Entity, c Components) {
	f.ops = append(f.ops, func(tx *Tx) { tx.Insert(e, c) })
}

// Remove defers detaching the kinds in mask.
func (f *Frame) Remove(e Entity, mask Mask) {
	f.ops = append(f.ops, func(tx *Tx) { tx.Remove(e, mask) })
}
