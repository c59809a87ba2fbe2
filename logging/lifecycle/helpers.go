package lifecycle

import (
	"context"

	"unnamed-rts/server/logging"
)

const (
	// EventSessionJoined is emitted when a handshake creates a session.
	EventSessionJoined logging.EventType = "lifecycle.session_joined"
	// EventSessionLeft is emitted when a session disconnects explicitly.
	EventSessionLeft logging.EventType = "lifecycle.session_left"
	// EventSessionTimeout is emitted when a session is expired for inactivity.
	EventSessionTimeout logging.EventType = "lifecycle.session_timeout"
	// EventMatchStarted is emitted when enough players joined for the simulation to run.
	EventMatchStarted logging.EventType = "lifecycle.match_started"
)

// SessionPayload captures the address and unit policy applied to a session.
type SessionPayload struct {
	Address string `json:"address"`
	Policy  string `json:"policy,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// MatchPayload reports the lobby state when a match starts.
type MatchPayload struct {
	Players    int `json:"players"`
	MinPlayers int `json:"minPlayers"`
}

// SessionJoined publishes a session join event.
func SessionJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionPayload) {
	publish(ctx, pub, EventSessionJoined, logging.SeverityInfo, tick, actor, payload)
}

// SessionLeft publishes an explicit disconnect.
func SessionLeft(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionPayload) {
	publish(ctx, pub, EventSessionLeft, logging.SeverityInfo, tick, actor, payload)
}

// SessionTimeout publishes an idle expiry.
func SessionTimeout(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionPayload) {
	publish(ctx, pub, EventSessionTimeout, logging.SeverityWarn, tick, actor, payload)
}

// MatchStarted publishes the end of the lobby phase.
func MatchStarted(ctx context.Context, pub logging.Publisher, tick uint64, payload MatchPayload) {
	publish(ctx, pub, EventMatchStarted, logging.SeverityInfo, tick, logging.EntityRef{ID: "match", Kind: logging.EntityKindWorld}, payload)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
