package sim

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rotisserie/eris"

	"unnamed-rts/server/internal/ecs"
)

// Env is what a system sees of the tick besides the store.
type Env struct {
	Tick  uint64
	Delta float64
	Rules Rules
}

// System is one simulation step over the store. Reads and Writes declare the
// component kinds it touches; Run only sees those kinds through its Frame.
type System struct {
	Name   string
	Reads  ecs.Mask
	Writes ecs.Mask
	Run    func(Env, *ecs.Frame)
}

func (s System) conflicts(other System) bool {
	return s.Writes.Intersects(other.Reads|other.Writes) || other.Writes.Intersects(s.Reads|s.Writes)
}

// SystemFault records a system that panicked during a tick. The system is
// disabled afterwards.
type SystemFault struct {
	System string
	Tick   uint64
	Err    error
}

func (f SystemFault) Error() string {
	return fmt.Sprintf("system %s failed at tick %d: %v", f.System, f.Tick, f.Err)
}

// Scheduler runs systems in declared order, grouping consecutive systems
// whose component sets do not conflict into batches that run in parallel.
// Batches are recomputed only when the set of enabled systems changes.
type Scheduler struct {
	systems  []System
	disabled map[string]bool
	batches  [][]int
}

func NewScheduler(systems ...System) (*Scheduler, error) {
	seen := make(map[string]bool, len(systems))
	for _, sys := range systems {
		if sys.Name == "" || sys.Run == nil {
			return nil, eris.New("system needs a name and a run function")
		}
		if seen[sys.Name] {
			return nil, eris.Errorf("system %q registered twice", sys.Name)
		}
		seen[sys.Name] = true
	}
	s := &Scheduler{systems: systems, disabled: make(map[string]bool)}
	s.plan()
	return s, nil
}

// plan packs each enabled system into the latest batch unless it conflicts
// with a member, which keeps declared order between dependent systems.
func (s *Scheduler) plan() {
	s.batches = s.batches[:0]
	var current []int
	for i, sys := range s.systems {
		if s.disabled[sys.Name] {
			continue
		}
		clash := false
		for _, j := range current {
			if sys.conflicts(s.systems[j]) {
				clash = true
				break
			}
		}
		if clash {
			s.batches = append(s.batches, current)
			current = nil
		}
		current = append(current, i)
	}
	if len(current) > 0 {
		s.batches = append(s.batches, current)
	}
}

// Batches reports the current plan as system names.
func (s *Scheduler) Batches() [][]string {
	out := make([][]string, 0, len(s.batches))
	for _, batch := range s.batches {
		names := make([]string, 0, len(batch))
		for _, i := range batch {
			names = append(names, s.systems[i].Name)
		}
		out = append(out, names)
	}
	return out
}

// Disable removes a system from future ticks.
func (s *Scheduler) Disable(name string) {
	if s.disabled[name] {
		return
	}
	s.disabled[name] = true
	s.plan()
}

func (s *Scheduler) Enabled(name string) bool {
	for _, sys := range s.systems {
		if sys.Name == name {
			return !s.disabled[name]
		}
	}
	return false
}

// Run executes every batch against tx. A panicking system is recovered,
// reported and disabled; its partial writes stay in the tick.
func (s *Scheduler) Run(tx *ecs.Tx, env Env) []SystemFault {
	var faults []SystemFault
	for _, batch := range s.batches {
		frames := make([]*ecs.Frame, len(batch))
		errs := make([]error, len(batch))
		for k, i := range batch {
			frames[k] = tx.Frame(s.systems[i].Reads, s.systems[i].Writes)
		}
		if len(batch) == 1 {
			errs[0] = runSystem(s.systems[batch[0]], env, frames[0])
		} else {
			var wg sync.WaitGroup
			for k, i := range batch {
				wg.Add(1)
				go func(k int, sys System) {
					defer wg.Done()
					errs[k] = runSystem(sys, env, frames[k])
				}(k, s.systems[i])
			}
			wg.Wait()
		}
		tx.Apply(frames...)
		for k, err := range errs {
			if err != nil {
				faults = append(faults, SystemFault{System: s.systems[batch[k]].Name, Tick: env.Tick, Err: err})
			}
		}
	}
	for _, f := range faults {
		s.Disable(f.System)
	}
	return faults
}

func runSystem(sys System, env Env, f *ecs.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	sys.Run(env, f)
	return nil
}
