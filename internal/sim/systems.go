package sim

import (
	"math"

	"unnamed-rts/server/internal/ecs"
)

// Rules are the tunables the systems and command validation share with
// client prediction.
type Rules struct {
	UnitSpeed     float64
	ArriveEpsilon float64
	WorldSize     float64
	StartingUnits int
}

func DefaultRules() Rules {
	return Rules{
		UnitSpeed:     3.0,
		ArriveEpsilon: 0.01,
		WorldSize:     256,
		StartingUnits: 3,
	}
}

// StepMovement advances pos toward target by at most step. It reports
// arrival once the remaining distance is within epsilon, in which case the
// returned position is exactly target.
func StepMovement(pos, target ecs.Vec2, step, epsilon float64) (ecs.Vec2, bool) {
	delta := target.Sub(pos)
	dist := delta.Len()
	if dist <= epsilon {
		return target, true
	}
	move := min(step, dist)
	if dist-move <= epsilon {
		return target, true
	}
	return pos.Add(delta.Scale(move / dist)), false
}

// InBounds reports whether p lies inside a square world of side size.
func InBounds(p ecs.Vec2, size float64) bool {
	return p.Finite() && p.X >= 0 && p.Y >= 0 && p.X <= size && p.Y <= size
}

// DefaultSystems lists the server systems in dependency order.
func DefaultSystems() []System {
	return []System{
		{
			Name:   "movement",
			Reads:  ecs.Position | ecs.MoveTarget,
			Writes: ecs.Position | ecs.Velocity,
			Run:    runMovement,
		},
		{
			Name:   "harvest",
			Reads:  ecs.Harvest,
			Writes: ecs.Harvest,
			Run:    runHarvest,
		},
		{
			Name:   "combat",
			Reads:  ecs.Position | ecs.AttackTarget | ecs.Weapon | ecs.Owner,
			Writes: ecs.Health | ecs.Weapon,
			Run:    runCombat,
		},
		{
			Name:  "cleanup",
			Reads: ecs.Health,
			Run:   runCleanup,
		},
	}
}

func runMovement(env Env, f *ecs.Frame) {
	step := env.Rules.UnitSpeed * env.Delta
	for e, c := range f.Query(ecs.Position | ecs.MoveTarget) {
		next, arrived := StepMovement(c.Position, c.MoveTarget, step, env.Rules.ArriveEpsilon)
		f.Update(e, func(dst *ecs.Components) {
			if arrived {
				dst.Velocity = ecs.Vec2{}
			} else if env.Delta > 0 {
				dst.Velocity = next.Sub(dst.Position).Scale(1 / env.Delta)
			}
			dst.Position = next
		})
		if arrived {
			f.Remove(e, ecs.MoveTarget)
		}
	}
}

func runHarvest(_ Env, f *ecs.Frame) {
	for e, c := range f.Query(ecs.Harvest) {
		if c.Harvest.Carried >= c.Harvest.Capacity || c.Harvest.Rate <= 0 {
			continue
		}
		f.Update(e, func(dst *ecs.Components) {
			dst.Harvest.Carried = min(dst.Harvest.Capacity, dst.Harvest.Carried+dst.Harvest.Rate)
		})
	}
}

func runCombat(_ Env, f *ecs.Frame) {
	for e, c := range f.Query(ecs.Position | ecs.AttackTarget | ecs.Weapon) {
		if c.Weapon.Cooldown > 0 {
			f.Update(e, func(dst *ecs.Components) { dst.Weapon.Cooldown-- })
			continue
		}
		target, ok := f.Get(c.AttackTarget)
		if !ok || !target.Mask.Has(ecs.Position|ecs.Health) || target.Owner == c.Owner {
			f.Remove(e, ecs.AttackTarget)
			continue
		}
		if target.Health.Current <= 0 {
			continue
		}
		if c.Position.Dist(target.Position) > c.Weapon.Range {
			continue
		}
		f.Update(c.AttackTarget, func(dst *ecs.Components) {
			dst.Health.Current = max(0, dst.Health.Current-c.Weapon.Damage)
		})
		f.Update(e, func(dst *ecs.Components) { dst.Weapon.Cooldown = dst.Weapon.CooldownTicks })
	}
}

func runCleanup(_ Env, f *ecs.Frame) {
	for e, c := range f.Query(ecs.Health) {
		if c.Health.Current <= 0 {
			f.Despawn(e)
		}
	}
}

// spawnPoint places a session's base on a ring around the world center.
func spawnPoint(session uint32, size float64) ecs.Vec2 {
	const golden = 2.399963229728653
	radius := size / 4
	angle := float64(session) * golden
	center := size / 2
	return ecs.Vec2{X: center + radius*math.Cos(angle), Y: center + radius*math.Sin(angle)}
}

// StartingUnits builds the units a new session receives. The last unit is
// a harvester.
func StartingUnits(session uint32, rules Rules) []ecs.Components {
	base := spawnPoint(session, rules.WorldSize)
	units := make([]ecs.Components, 0, rules.StartingUnits)
	for i := 0; i < rules.StartingUnits; i++ {
		pos := base.Add(ecs.Vec2{X: float64(i) * 1.5})
		c := ecs.Components{
			Mask:     ecs.Position | ecs.Velocity | ecs.Health | ecs.Owner | ecs.Unit,
			Position: pos,
			Health:   ecs.HealthPool{Current: 100, Max: 100},
			Owner:    session,
			Unit:     ecs.UnitBasic,
		}
		if i == rules.StartingUnits-1 && rules.StartingUnits > 1 {
			c.Unit = ecs.UnitHarvester
			c.Mask |= ecs.Harvest
			c.Harvest = ecs.HarvestState{Rate: 1, Capacity: 100}
		} else {
			c.Mask |= ecs.Weapon
			c.Weapon = ecs.WeaponStats{Damage: 10, Range: 2, CooldownTicks: 10}
		}
		units = append(units, c)
	}
	return units
}
