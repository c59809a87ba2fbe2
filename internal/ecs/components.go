package ecs

// UnitKind distinguishes unit archetypes.
type UnitKind uint8

const (
	UnitBasic UnitKind = iota + 1
	UnitHarvester
)

type HealthPool struct {
	Current int32
	Max     int32
}

type WeaponStats struct {
	Damage        int32
	Range         float64
	CooldownTicks uint16
	Cooldown      uint16
}

type HarvestState struct {
	Rate     int32
	Carried  int32
	Capacity int32
}

// Components is one entity row. Only the kinds named in Mask carry meaning;
// the other fields are zero.
type Components struct {
	Mask         Mask
	Position     Vec2
	Velocity     Vec2
	Health       HealthPool
	Owner        uint32
	Unit         UnitKind
	MoveTarget   Vec2
	AttackTarget Entity
	Weapon       WeaponStats
	Harvest      HarvestState
}

// Row pairs an entity with its components.
type Row struct {
	Entity     Entity
	Components Components
}

// Project copies the kinds in mask (intersected with the row's own mask) and
// zeroes the rest. It reads no field outside mask.
func (c *Components) Project(mask Mask) Components {
	mask &= c.Mask
	out := Components{Mask: mask}
	copyKinds(&out, c, mask)
	return out
}

// Overlay writes the kinds in mask from src into c without changing c.Mask.
func (c *Components) Overlay(src *Components, mask Mask) {
	copyKinds(c, src, mask)
}

// Clear zeroes the kinds in mask and removes them from c.Mask.
func (c *Components) Clear(mask Mask) {
	var zero Components
	copyKinds(c, &zero, mask)
	c.Mask &^= mask
}

// Changed reports the kinds present in both rows whose values differ.
func (c *Components) Changed(other *Components) Mask {
	var out Mask
	shared := c.Mask & other.Mask
	for k := Kind(0); k < kindCount; k++ {
		bit := k.Mask()
		if shared&bit == 0 {
			continue
		}
		if !kindEqual(c, other, k) {
			out |= bit
		}
	}
	return out
}

func copyKinds(dst, src *Components, mask Mask) {
	if mask&Position != 0 {
		dst.Position = src.Position
	}
	if mask&Velocity != 0 {
		dst.Velocity = src.Velocity
	}
	if mask&Health != 0 {
		dst.Health = src.Health
	}
	if mask&Owner != 0 {
		dst.Owner = src.Owner
	}
	if mask&Unit != 0 {
		dst.Unit = src.Unit
	}
	if mask&MoveTarget != 0 {
		dst.MoveTarget = src.MoveTarget
	}
	if mask&AttackTarget != 0 {
		dst.AttackTarget = src.AttackTarget
	}
	if mask&Weapon != 0 {
		dst.Weapon = src.Weapon
	}
	if mask&Harvest != 0 {
		dst.Harvest = src.Harvest
	}
}

func kindEqual(a, b *Components, k Kind) bool {
	switch k {
	case KindPosition:
		return a.Position == b.Position
	case KindVelocity:
		return a.Velocity == b.Velocity
	case KindHealth:
		return a.Health == b.Health
	case KindOwner:
		return a.Owner == b.Owner
	case KindUnit:
		return a.Unit == b.Unit
	case KindMoveTarget:
		return a.MoveTarget == b.MoveTarget
	case KindAttackTarget:
		return a.AttackTarget == b.AttackTarget
	case KindWeapon:
		return a.Weapon == b.Weapon
	case KindHarvest:
		return a.Harvest == b.Harvest
	}
	return true
}
