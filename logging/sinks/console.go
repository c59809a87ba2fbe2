package sinks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"unnamed-rts/server/logging"
)

// ConsoleSink writes operator events through the process logger.
type ConsoleSink struct {
	logger zerolog.Logger
}

func NewConsoleSink(logger zerolog.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger.With().Str("component", "events").Logger()}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	entry := s.logger.WithLevel(zerologLevel(event.Severity)).
		Str("type", string(event.Type)).
		Uint64("tick", event.Tick).
		Str("actor", formatEntity(event.Actor))
	if event.Category != "" {
		entry = entry.Str("category", event.Category)
	}
	if len(event.Targets) > 0 {
		targets := make([]string, 0, len(event.Targets))
		for _, target := range event.Targets {
			targets = append(targets, formatEntity(target))
		}
		entry = entry.Strs("targets", targets)
	}
	if event.Payload != nil {
		entry = entry.Interface("payload", event.Payload)
	}
	if len(event.Extra) > 0 {
		entry = entry.Fields(event.Extra)
	}
	if event.RunID != "" {
		entry = entry.Str("run_id", event.RunID)
	}
	entry.Msg(string(event.Type))
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func zerologLevel(sev logging.Severity) zerolog.Level {
	switch sev {
	case logging.SeverityDebug:
		return zerolog.DebugLevel
	case logging.SeverityWarn:
		return zerolog.WarnLevel
	case logging.SeverityError:
		return zerolog.ErrorLevel
	case logging.SeverityFatal:
		// The sink reports fatal events; shutdown belongs to the caller.
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return fmt.Sprintf("%s:%s", ref.Kind, ref.ID)
}
