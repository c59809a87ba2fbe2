package simulation

import (
	"context"

	"unnamed-rts/server/logging"
)

const (
	// EventSystemFault is emitted when a simulation system fails mid-tick and is disabled.
	EventSystemFault logging.EventType = "simulation.system_fault"
	// EventStoreCorrupted is emitted before the process stops on a store invariant violation.
	EventStoreCorrupted logging.EventType = "simulation.store_corrupted"
	// EventTickBudgetOverrun is emitted when the simulation loop exceeds the allotted tick budget.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
)

// SystemFaultPayload identifies the disabled system.
type SystemFaultPayload struct {
	System string `json:"system"`
	Error  string `json:"error"`
}

// StoreCorruptedPayload carries the tick context of the violation.
type StoreCorruptedPayload struct {
	Error    string `json:"error"`
	Entities int    `json:"entities"`
}

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
}

// SystemFault publishes an error event for a disabled system.
func SystemFault(ctx context.Context, pub logging.Publisher, tick uint64, payload SystemFaultPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSystemFault,
		Tick:     tick,
		Actor:    logging.EntityRef{ID: payload.System, Kind: logging.EntityKindSystem},
		Severity: logging.SeverityError,
		Category: logging.CategorySimulation,
		Payload:  payload,
	})
}

// StoreCorrupted publishes a fatal event.
func StoreCorrupted(ctx context.Context, pub logging.Publisher, tick uint64, payload StoreCorruptedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStoreCorrupted,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindWorld},
		Severity: logging.SeverityFatal,
		Category: logging.CategorySimulation,
		Payload:  payload,
	})
}

// TickBudgetOverrun publishes a warning when the simulation exceeds the configured tick budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetOverrunPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickBudgetOverrun,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
	})
}
