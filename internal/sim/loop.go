package sim

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"unnamed-rts/server/internal/codec"
	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/journal"
	"unnamed-rts/server/internal/session"
	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/logging/lifecycle"
	logsim "unnamed-rts/server/logging/simulation"
)

// LeavePolicy decides what happens to a departed session's units.
type LeavePolicy string

const (
	// PolicyDespawn removes the units immediately.
	PolicyDespawn LeavePolicy = "despawn"
	// PolicyObserve keeps the units in the world without orders.
	PolicyObserve LeavePolicy = "observe"
)

// ParseLeavePolicy accepts "despawn" or "observe".
func ParseLeavePolicy(name string) (LeavePolicy, error) {
	switch p := LeavePolicy(strings.ToLower(strings.TrimSpace(name))); p {
	case PolicyDespawn, PolicyObserve:
		return p, nil
	case "":
		return PolicyDespawn, nil
	default:
		return "", eris.Errorf("unknown despawn policy %q", name)
	}
}

// LoopConfig tunes the tick loop.
type LoopConfig struct {
	TickRate int
	Rules    Rules
	Policy   LeavePolicy
	// MinPlayers holds the match in the lobby until that many sessions are
	// registered. Once started it keeps running whatever the count.
	MinPlayers int
	// Systems overrides DefaultSystems when set.
	Systems []System
}

// LoopTickContext describes the tick about to run.
type LoopTickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// LoopStepResult reports one committed tick.
type LoopStepResult struct {
	Tick       uint64
	Now        time.Time
	Delta      float64
	Changes    ecs.ChangeSet
	Commands   int
	Invalid    int
	Clamped    int
	Faults     []SystemFault
	Checkpoint bool
	Duration   time.Duration
	Budget     time.Duration
	// Waiting is set for lobby ticks, which commit nothing.
	Waiting bool
}

// LoopHooks lets the server observe tick progress.
type LoopHooks struct {
	Prepare      func(LoopTickContext)
	AfterStep    func(LoopStepResult)
	OnCheckpoint func(journal.Checkpoint, journal.RecordResult)
}

// Loop is the fixed-rate authoritative tick driver and the only writer of
// the entity store.
type Loop struct {
	store     *ecs.Store
	registry  *session.Registry
	journal   *journal.Journal
	scheduler *Scheduler
	config    LoopConfig
	hooks     LoopHooks
	deps      Deps

	mu      sync.Mutex
	started bool
}

// NewLoop wires the loop and records the initial checkpoint so the retained
// window is defined from the first tick.
func NewLoop(store *ecs.Store, registry *session.Registry, j *journal.Journal, cfg LoopConfig, hooks LoopHooks, deps Deps) (*Loop, error) {
	if store == nil || registry == nil || j == nil {
		return nil, eris.New("loop needs a store, a registry and a journal")
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 20
	}
	if cfg.Rules == (Rules{}) {
		cfg.Rules = DefaultRules()
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDespawn
	}
	systems := cfg.Systems
	if systems == nil {
		systems = DefaultSystems()
	}
	scheduler, err := NewScheduler(systems...)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		store:     store,
		registry:  registry,
		journal:   j,
		scheduler: scheduler,
		config:    cfg,
		hooks:     hooks,
		deps:      deps.normalized(),
	}
	if _, ok := j.Oldest(); !ok {
		l.checkpoint()
	}
	l.publishWindow()
	return l, nil
}

func (l *Loop) Config() LoopConfig { return l.config }

// Started reports whether the lobby gate has opened.
func (l *Loop) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Delta is the fixed simulated time per tick, in seconds.
func (l *Loop) Delta() float64 { return 1 / float64(l.config.TickRate) }

// Tick reports the last committed tick.
func (l *Loop) Tick() uint64 { return l.store.Tick() }

// Scheduler exposes the system plan for inspection.
func (l *Loop) Scheduler() *Scheduler { return l.scheduler }

// Advance runs exactly one tick: session notices, due commands, systems,
// commit, journal.
func (l *Loop) Advance() (LoopStepResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clock := l.deps.Clock
	now := clock.Now()
	tick := l.store.Tick() + 1
	tc := LoopTickContext{Tick: tick, Now: now, Delta: l.Delta()}
	if l.hooks.Prepare != nil {
		l.hooks.Prepare(tc)
	}
	if !l.started {
		players := l.registry.Len()
		if players < l.config.MinPlayers {
			// Notices and commands stay queued until the match starts.
			return LoopStepResult{Tick: l.store.Tick(), Now: now, Delta: tc.Delta, Waiting: true}, nil
		}
		l.started = true
		l.deps.Logger.Info().Int("players", players).Int("min_players", l.config.MinPlayers).Uint64("tick", tick).Msg("match started")
		lifecycle.MatchStarted(context.Background(), l.deps.Publisher, tick, lifecycle.MatchPayload{
			Players:    players,
			MinPlayers: l.config.MinPlayers,
		})
	}

	tx, err := l.store.Begin(tick)
	if err != nil {
		return LoopStepResult{}, err
	}
	result := LoopStepResult{Tick: tick, Now: now, Delta: tc.Delta, Budget: time.Second / time.Duration(l.config.TickRate)}

	l.handleNotices(tx, l.registry.Notices())

	commands := l.registry.DrainDue(tick)
	result.Commands = len(commands)
	for _, cmd := range commands {
		if cmd.TickIssued < tick {
			result.Clamped++
		}
		if err := ApplyCommand(tx, l.config.Rules, cmd); err != nil {
			result.Invalid++
			l.deps.Logger.Debug().Err(err).Uint32("session", cmd.SessionID).Uint32("seq", cmd.Sequence).Msg("dropping command")
		}
		l.registry.MarkApplied(cmd.SessionID, cmd.Sequence)
	}
	if result.Clamped > 0 {
		l.deps.Metrics.Add(telemetry.MetricCommandsClamped, uint64(result.Clamped))
	}
	if result.Invalid > 0 {
		l.deps.Metrics.Add(telemetry.MetricCommandsInvalid, uint64(result.Invalid))
	}

	result.Faults = l.scheduler.Run(tx, Env{Tick: tick, Delta: tc.Delta, Rules: l.config.Rules})
	for _, fault := range result.Faults {
		l.deps.Metrics.Add(telemetry.MetricSystemFaults, 1)
		l.deps.Logger.Error().Err(fault.Err).Str("system", fault.System).Uint64("tick", tick).Msg("system disabled")
		logsim.SystemFault(context.Background(), l.deps.Publisher, tick, logsim.SystemFaultPayload{
			System: fault.System,
			Error:  fault.Err.Error(),
		})
	}

	changes, err := tx.Commit()
	result.Changes = changes
	if err != nil {
		logsim.StoreCorrupted(context.Background(), l.deps.Publisher, tick, logsim.StoreCorruptedPayload{
			Error:    err.Error(),
			Entities: l.store.Len(),
		})
		return result, err
	}

	l.journal.Record(changes)
	if l.journal.Due(tick) {
		l.checkpoint()
		result.Checkpoint = true
	}
	l.publishWindow()

	result.Duration = clock.Now().Sub(now)
	l.deps.Metrics.Store(telemetry.MetricTick, tick)
	l.deps.Metrics.Store(telemetry.MetricEntities, uint64(l.store.Len()))
	l.deps.Metrics.Store(telemetry.MetricTickDurationMicros, uint64(result.Duration.Microseconds()))
	if result.Duration > result.Budget {
		logsim.TickBudgetOverrun(context.Background(), l.deps.Publisher, tick, logsim.TickBudgetOverrunPayload{
			DurationMillis: result.Duration.Milliseconds(),
			BudgetMillis:   result.Budget.Milliseconds(),
			Ratio:          float64(result.Duration) / float64(result.Budget),
		})
	}

	if l.hooks.AfterStep != nil {
		l.hooks.AfterStep(result)
	}
	return result, nil
}

func (l *Loop) checkpoint() {
	rows, tick := l.store.Capture()
	cp := journal.Checkpoint{Tick: tick, Rows: rows, Digest: codec.StateDigest(rows)}
	res := l.journal.RecordCheckpoint(cp)
	if l.hooks.OnCheckpoint != nil {
		l.hooks.OnCheckpoint(cp, res)
	}
}

// publishWindow moves the reuse floor and the command window to the oldest
// retained checkpoint.
func (l *Loop) publishWindow() {
	oldest, _ := l.journal.Oldest()
	l.store.SetReuseFloor(oldest)
	l.registry.AdvanceTick(l.store.Tick(), oldest)
}

func (l *Loop) handleNotices(tx *ecs.Tx, notices []session.Notice) {
	for _, n := range notices {
		switch n.Kind {
		case session.NoticeJoined:
			for _, c := range StartingUnits(n.Session, l.config.Rules) {
				tx.Spawn(c)
			}
		case session.NoticeLeft:
			var owned []ecs.Entity
			for e, c := range tx.Query(ecs.Owner) {
				if c.Owner == n.Session {
					owned = append(owned, e)
				}
			}
			for _, e := range owned {
				if l.config.Policy == PolicyObserve {
					Stop(tx, e)
				} else {
					tx.Despawn(e)
				}
			}
		}
	}
}

// Run ticks at the configured rate until ctx is cancelled. A tick in
// progress always completes. Only store corruption ends the loop early.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(l.config.TickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.Advance(); err != nil {
				if eris.Is(err, ecs.ErrStoreCorrupted) {
					return err
				}
				l.deps.Logger.Error().Err(err).Msg("tick failed")
			}
		}
	}
}
