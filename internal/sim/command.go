package sim

import (
	"github.com/rotisserie/eris"

	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/ecs"
)

// ErrInvalidCommand reports a command that failed server-side validation.
var ErrInvalidCommand = eris.New("invalid command")

// ApplyCommand validates cmd against the live state in tx and applies it.
// Invalid commands leave the store untouched.
func ApplyCommand(tx *ecs.Tx, rules Rules, cmd codec.Command) error {
	a := cmd.Action
	unit, ok := tx.Get(a.Unit)
	if !ok {
		return eris.Wrapf(ErrInvalidCommand, "unit %s is gone", a.Unit)
	}
	if !unit.Mask.Has(ecs.Owner|ecs.Unit) || unit.Owner != cmd.SessionID {
		return eris.Wrapf(ErrInvalidCommand, "unit %s is not owned by session %d", a.Unit, cmd.SessionID)
	}

	switch a.Kind {
	case codec.ActionMove:
		if !unit.Mask.Has(ecs.Position) {
			return eris.Wrapf(ErrInvalidCommand, "unit %s cannot move", a.Unit)
		}
		if !InBounds(a.Point, rules.WorldSize) {
			return eris.Wrapf(ErrInvalidCommand, "move target %v outside world", a.Point)
		}
		tx.Remove(a.Unit, ecs.AttackTarget)
		tx.Insert(a.Unit, ecs.Components{Mask: ecs.MoveTarget, MoveTarget: a.Point})
	case codec.ActionAttack:
		if !unit.Mask.Has(ecs.Weapon) {
			return eris.Wrapf(ErrInvalidCommand, "unit %s has no weapon", a.Unit)
		}
		target, ok := tx.Get(a.Target)
		if !ok || !target.Mask.Has(ecs.Health) {
			return eris.Wrapf(ErrInvalidCommand, "attack target %s is gone", a.Target)
		}
		if target.Mask.Has(ecs.Owner) && target.Owner == cmd.SessionID {
			return eris.Wrapf(ErrInvalidCommand, "attack target %s is friendly", a.Target)
		}
		tx.Remove(a.Unit, ecs.MoveTarget)
		tx.Insert(a.Unit, ecs.Components{Mask: ecs.AttackTarget, AttackTarget: a.Target})
	case codec.ActionStop:
		Stop(tx, a.Unit)
	default:
		return eris.Wrapf(ErrInvalidCommand, "unknown action %s", a.Kind)
	}
	return nil
}

// Stop clears a unit's orders and zeroes its velocity.
func Stop(tx *ecs.Tx, e ecs.Entity) {
	tx.Mut(e, func(c *ecs.Components) {
		c.Clear(ecs.MoveTarget | ecs.AttackTarget)
		if c.Mask.Has(ecs.Velocity) {
			c.Velocity = ecs.Vec2{}
		}
	})
}
