package simulation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unnamed-rts/server/logging"
	"unnamed-rts/server/logging/simulation"
	"unnamed-rts/server/logging/sinks"
)

func TestHelpersPublishTypedEvents(t *testing.T) {
	fault := simulation.SystemFaultPayload{System: "movement", Error: "nan position"}
	corrupted := simulation.StoreCorruptedPayload{Error: "dangling owner", Entities: 40}
	overrun := simulation.TickBudgetOverrunPayload{DurationMillis: 80, BudgetMillis: 50, Ratio: 1.6}
	cases := []struct {
		name     string
		publish  func(logging.Publisher)
		want     logging.EventType
		severity logging.Severity
		actor    logging.EntityRef
		payload  any
	}{
		{
			name:     "system fault",
			publish:  func(p logging.Publisher) { simulation.SystemFault(context.Background(), p, 21, fault) },
			want:     simulation.EventSystemFault,
			severity: logging.SeverityError,
			actor:    logging.EntityRef{ID: "movement", Kind: logging.EntityKindSystem},
			payload:  fault,
		},
		{
			name:     "store corrupted",
			publish:  func(p logging.Publisher) { simulation.StoreCorrupted(context.Background(), p, 21, corrupted) },
			want:     simulation.EventStoreCorrupted,
			severity: logging.SeverityFatal,
			actor:    logging.EntityRef{Kind: logging.EntityKindWorld},
			payload:  corrupted,
		},
		{
			name:     "budget overrun",
			publish:  func(p logging.Publisher) { simulation.TickBudgetOverrun(context.Background(), p, 21, overrun) },
			want:     simulation.EventTickBudgetOverrun,
			severity: logging.SeverityWarn,
			payload:  overrun,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := sinks.NewMemorySink()
			tc.publish(sink)
			events := sink.Events()
			require.Len(t, events, 1)
			ev := events[0]
			assert.Equal(t, tc.want, ev.Type)
			assert.Equal(t, uint64(21), ev.Tick)
			assert.Equal(t, tc.severity, ev.Severity)
			assert.Equal(t, logging.CategorySimulation, ev.Category)
			assert.Equal(t, tc.actor, ev.Actor)
			assert.Equal(t, tc.payload, ev.Payload)

			assert.NotPanics(t, func() { tc.publish(nil) })
		})
	}
}
