package ecs

import (
	"iter"
	"sync"

	"github.com/rotisserie/eris"
)

var (
	// ErrStoreCorrupted reports a broken store invariant. It is fatal.
	ErrStoreCorrupted = eris.New("entity store corrupted")
	// ErrTickRegression is returned by Begin when the tick does not advance.
	ErrTickRegression = eris.New("tick does not advance")
)

type slot struct {
	generation     uint32
	alive          bool
	committedAlive bool
	freedAt        uint64
	data           Components
	committed      Components
}

// Store holds every simulated entity. Mutation happens only inside a Tx
// opened by Begin; readers see the state committed at the last tick.
type Store struct {
	mu         sync.RWMutex
	slots      []slot
	free       []uint32
	live       int
	tick       uint64
	reuseFloor uint64
}

func NewStore() *Store {
	return &Store{}
}

// Begin opens the single writer transaction for tick. It holds the store's
// write lock until Commit.
func (s *Store) Begin(tick uint64) (*Tx, error) {
	s.mu.Lock()
	if tick <= s.tick {
		current := s.tick
		s.mu.Unlock()
		return nil, eris.Wrapf(ErrTickRegression, "begin tick %d at tick %d", tick, current)
	}
	return &Tx{store: s, tick: tick, touched: make(map[uint32]struct{})}, nil
}

// SetReuseFloor allows slots freed strictly before tick to be reused.
func (s *Store) SetReuseFloor(tick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tick > s.reuseFloor {
		s.reuseFloor = tick
	}
}

// Read runs fn with a consistent view of the committed state.
func (s *Store) Read(fn func(View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(View{s: s})
}

func (s *Store) Tick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

func (s *Store) Len() int {
	var n int
	s.Read(func(v View) { n = v.Len() })
	return n
}

func (s *Store) Get(e Entity) (Components, bool) {
	var (
		c  Components
		ok bool
	)
	s.Read(func(v View) { c, ok = v.Get(e) })
	return c, ok
}

func (s *Store) Alive(e Entity) bool {
	var ok bool
	s.Read(func(v View) { ok = v.Alive(e) })
	return ok
}

// Query yields committed entities carrying every kind in mask. The matches
// are collected under the read lock and yielded after it is released, so
// the loop body may call back into the store.
func (s *Store) Query(mask Mask) iter.Seq2[Entity, Components] {
	return func(yield func(Entity, Components) bool) {
		var rows []Row
		s.Read(func(v View) {
			for e, c := range v.Query(mask) {
				rows = append(rows, Row{Entity: e, Components: c})
			}
		})
		for _, row := range rows {
			if !yield(row.Entity, row.Components) {
				return
			}
		}
	}
}

// Capture copies every committed row in slot order.
func (s *Store) Capture() ([]Row, uint64) {
	var (
		rows []Row
		tick uint64
	)
	s.Read(func(v View) {
		rows = v.Rows()
		tick = v.Tick()
	})
	return rows, tick
}

func (s *Store) resolve(e Entity) (*slot, bool) {
	if e.IsNil() || int(e.Index) >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[e.Index]
	if !sl.alive || sl.generation != e.Generation {
		return nil, false
	}
	return sl, true
}

func (s *Store) alloc() uint32 {
	if len(s.free) > 0 {
		idx := s.free[0]
		if s.slots[idx].freedAt < s.reuseFloor {
			s.free = s.free[1:]
			sl := &s.slots[idx]
			sl.generation++
			if sl.generation == 0 {
				sl.generation = 1
			}
			return idx
		}
	}
	s.slots = append(s.slots, slot{generation: 1})
	return uint32(len(s.slots) - 1)
}

// View reads committed state. It is only valid inside Store.Read.
type View struct {
	s *Store
}

func (v View) Tick() uint64 { return v.s.tick }

func (v View) Len() int {
	n := 0
	for i := range v.s.slots {
		if v.s.slots[i].committedAlive {
			n++
		}
	}
	return n
}

func (v View) Get(e Entity) (Components, bool) {
	if e.IsNil() || int(e.Index) >= len(v.s.slots) {
		return Components{}, false
	}
	sl := &v.s.slots[e.Index]
	if !sl.committedAlive || sl.generation != e.Generation {
		return Components{}, false
	}
	return sl.committed, true
}

func (v View) Alive(e Entity) bool {
	_, ok := v.Get(e)
	return ok
}

func (v View) Query(mask Mask) iter.Seq2[Entity, Components] {
	return func(yield func(Entity, Components) bool) {
		for i := range v.s.slots {
			sl := &v.s.slots[i]
			if !sl.committedAlive || !sl.committed.Mask.Has(mask) {
				continue
			}
			if !yield(Entity{Index: uint32(i), Generation: sl.generation}, sl.committed) {
				return
			}
		}
	}
}

func (v View) Rows() []Row {
	rows := make([]Row, 0, len(v.s.slots))
	for e, c := range v.Query(0) {
		rows = append(rows, Row{Entity: e, Components: c})
	}
	return rows
}

// Change describes what happened to one entity during a tick.
type Change struct {
	Set       Mask
	Removed   Mask
	Spawned   bool
	Despawned bool
}

// Merge folds a later change into c.
func (c Change) Merge(later Change) Change {
	return Change{
		Set:       (c.Set &^ later.Removed) | later.Set,
		Removed:   (c.Removed &^ later.Set) | later.Removed,
		Spawned:   c.Spawned || later.Spawned,
		Despawned: later.Despawned,
	}
}

// ChangeSet is the exact set of entity changes committed at Tick.
type ChangeSet struct {
	Tick    uint64
	Changes map[Entity]Change
}

func (cs ChangeSet) Len() int { return len(cs.Changes) }
