package network

import (
	"context"

	"unnamed-rts/server/logging"
)

const (
	// EventProtocolViolation is emitted when a peer sends a malformed or unversioned payload.
	EventProtocolViolation logging.EventType = "network.protocol_violation"
	// EventPeerUnreachable is emitted when reliable delivery exhausts its retries.
	EventPeerUnreachable logging.EventType = "network.peer_unreachable"
	// EventPeerDisconnected is emitted when the transport drops a peer for offenses or silence.
	EventPeerDisconnected logging.EventType = "network.peer_disconnected"
	// EventAckRegression is emitted when a client reports an older snapshot acknowledgement.
	EventAckRegression logging.EventType = "network.ack_regression"
)

// ProtocolViolationPayload captures the offense and the running count.
type ProtocolViolationPayload struct {
	Error    string `json:"error"`
	Offenses int    `json:"offenses"`
	Limit    int    `json:"limit"`
}

// PeerPayload describes a transport peer state change.
type PeerPayload struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// AckPayload captures acknowledgement progression details.
type AckPayload struct {
	Previous uint64 `json:"previous"`
	Ack      uint64 `json:"ack"`
}

// ProtocolViolation publishes a warning for a dropped packet.
func ProtocolViolation(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ProtocolViolationPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventProtocolViolation,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// PeerUnreachable publishes an error when a peer exhausts reliable retries.
func PeerUnreachable(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPeerUnreachable,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// PeerDisconnected publishes a peer loss for any other reason.
func PeerDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPeerDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// AckRegression publishes a debug event when a client acknowledgement goes backwards.
func AckRegression(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventAckRegression,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}
