package ecs

import (
	"fmt"
	"math"
	"strings"
)

// Entity is a generation-checked handle to a store slot. The zero value is
// the nil entity: generations start at 1.
type Entity struct {
	Index      uint32
	Generation uint32
}

// Nil is the entity that never resolves.
var Nil = Entity{}

func (e Entity) IsNil() bool {
	return e.Generation == 0
}

func (e Entity) String() string {
	return fmt.Sprintf("%d:%d", e.Index, e.Generation)
}

// Less orders entities by slot index, then generation.
func (e Entity) Less(other Entity) bool {
	if e.Index != other.Index {
		return e.Index < other.Index
	}
	return e.Generation < other.Generation
}

// Kind identifies a component type.
type Kind uint8

const (
	KindPosition Kind = iota
	KindVelocity
	KindHealth
	KindOwner
	KindUnit
	KindMoveTarget
	KindAttackTarget
	KindWeapon
	KindHarvest

	kindCount
)

var kindNames = [kindCount]string{
	"position", "velocity", "health", "owner", "unit",
	"move_target", "attack_target", "weapon", "harvest",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Mask returns the single-bit mask for k.
func (k Kind) Mask() Mask {
	return Mask(1) << k
}

// Kinds lists every component kind in wire order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Mask is a set of component kinds.
type Mask uint16

const (
	Position     = Mask(1) << KindPosition
	Velocity     = Mask(1) << KindVelocity
	Health       = Mask(1) << KindHealth
	Owner        = Mask(1) << KindOwner
	Unit         = Mask(1) << KindUnit
	MoveTarget   = Mask(1) << KindMoveTarget
	AttackTarget = Mask(1) << KindAttackTarget
	Weapon       = Mask(1) << KindWeapon
	Harvest      = Mask(1) << KindHarvest

	// AllKinds covers every known component.
	AllKinds = Mask(1)<<kindCount - 1
)

// Has reports whether every kind in other is present.
func (m Mask) Has(other Mask) bool {
	return m&other == other
}

// Intersects reports whether m and other share a kind.
func (m Mask) Intersects(other Mask) bool {
	return m&other != 0
}

func (m Mask) With(other Mask) Mask    { return m | other }
func (m Mask) Without(other Mask) Mask { return m &^ other }

// Valid reports whether m only names known kinds.
func (m Mask) Valid() bool {
	return m&^AllKinds == 0
}

func (m Mask) String() string {
	if m == 0 {
		return "{}"
	}
	var parts []string
	for k := Kind(0); k < kindCount; k++ {
		if m.Has(k.Mask()) {
			parts = append(parts, k.String())
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Vec2 is a world-space position or velocity.
type Vec2 struct {
	X float64
	Y float64
}

func (v Vec2) Add(o Vec2) Vec2      { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2      { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Scale(f float64) Vec2 { return Vec2{v.X * f, v.Y * f} }
func (v Vec2) Len() float64         { return math.Hypot(v.X, v.Y) }
func (v Vec2) Dist(o Vec2) float64  { return v.Sub(o).Len() }
func (v Vec2) Lerp(o Vec2, t float64) Vec2 {
	return Vec2{v.X + (o.X-v.X)*t, v.Y + (o.Y-v.Y)*t}
}

// Finite reports whether both coordinates are real numbers.
func (v Vec2) Finite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) && !math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}
