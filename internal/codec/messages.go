package codec

import (
	"fmt"

	"unnamed-rts/server/internal/ecs"
)

// SchemaVersion leads every encoded message.
const SchemaVersion uint8 = 1

// ProtocolVersion is the client protocol a Handshake must announce.
const ProtocolVersion uint16 = 1

type MessageType uint8

const (
	TypeHandshake MessageType = iota + 1
	TypeHandshakeAck
	TypeCommand
	TypeCommandAck
	TypeSnapshot
	TypeSnapshotAck
	TypeDisconnect
)

func (t MessageType) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeHandshakeAck:
		return "handshake_ack"
	case TypeCommand:
		return "command"
	case TypeCommandAck:
		return "command_ack"
	case TypeSnapshot:
		return "snapshot"
	case TypeSnapshotAck:
		return "snapshot_ack"
	case TypeDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Message is any wire message.
type Message interface {
	Type() MessageType
}

type Handshake struct {
	ClientVersion uint16
}

type HandshakeAck struct {
	SessionID uint32
	Tick      uint64
	TickRate  uint16
}

type ActionKind uint8

const (
	ActionMove ActionKind = iota + 1
	ActionAttack
	ActionStop
)

func (k ActionKind) String() string {
	switch k {
	case ActionMove:
		return "move"
	case ActionAttack:
		return "attack"
	case ActionStop:
		return "stop"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// Action is a client intent addressed to one unit.
type Action struct {
	Kind   ActionKind
	Unit   ecs.Entity
	Target ecs.Entity
	Point  ecs.Vec2
}

type Command struct {
	SessionID  uint32
	Sequence   uint32
	TickIssued uint64
	Action     Action
}

type CommandAck struct {
	SessionID       uint32
	HighestSequence uint32
	// Backpressure is set when the session's command queue overflowed and
	// older commands were dropped.
	Backpressure bool
}

// Entry is one entity's diff inside a snapshot. Values.Mask names the kinds
// that were set; Removed names the kinds that were detached.
type Entry struct {
	Entity    ecs.Entity
	Despawned bool
	Removed   ecs.Mask
	Values    ecs.Components
}

type Snapshot struct {
	Tick          uint64
	BaselineTick  uint64
	Full          bool
	AckedSequence uint32
	Digest        uint64
	Entries       []Entry
}

type SnapshotAck struct {
	Tick uint64
}

type DisconnectReason uint8

const (
	ReasonClientQuit DisconnectReason = iota + 1
	ReasonTimeout
	ReasonProtocol
	ReasonShutdown
	ReasonUnreachable
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClientQuit:
		return "client_quit"
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocol:
		return "protocol"
	case ReasonShutdown:
		return "shutdown"
	case ReasonUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

type Disconnect struct {
	Reason DisconnectReason
}

func (Handshake) Type() MessageType    { return TypeHandshake }
func (HandshakeAck) Type() MessageType { return TypeHandshakeAck }
func (Command) Type() MessageType      { return TypeCommand }
func (CommandAck) Type() MessageType   { return TypeCommandAck }
func (Snapshot) Type() MessageType     { return TypeSnapshot }
func (SnapshotAck) Type() MessageType  { return TypeSnapshotAck }
func (Disconnect) Type() MessageType   { return TypeDisconnect }
