// Package journal keeps the retained history window: periodic full-state
// checkpoints plus every committed change set since the oldest of them.
package journal

import (
	"sort"
	"sync"
	"time"

	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/logging"
)

// Checkpoint captures the full committed state at Tick.
type Checkpoint struct {
	Tick       uint64
	Rows       []ecs.Row
	Digest     uint64
	RecordedAt time.Time
}

// CheckpointInfo summarizes a checkpoint without its rows.
type CheckpointInfo struct {
	Tick       uint64    `json:"tick"`
	Entities   int       `json:"entities"`
	Digest     uint64    `json:"digest"`
	RecordedAt time.Time `json:"recordedAt"`
}

// CheckpointEviction describes a checkpoint removed from the buffer.
type CheckpointEviction struct {
	Tick   uint64 `json:"tick"`
	Reason string `json:"reason,omitempty"`
}

// RecordResult reports journal state after storing a checkpoint.
type RecordResult struct {
	Size       int                  `json:"size"`
	OldestTick uint64               `json:"oldestTick"`
	NewestTick uint64               `json:"newestTick"`
	Evicted    []CheckpointEviction `json:"evicted,omitempty"`
}

type Option func(*Journal)

func WithClock(clock logging.Clock) Option {
	return func(j *Journal) {
		if clock != nil {
			j.clock = clock
		}
	}
}

func WithMetrics(metrics telemetry.Metrics) Option {
	return func(j *Journal) { j.metrics = telemetry.OrNop(metrics) }
}

// Journal is safe for concurrent use. The simulation loop writes; the
// snapshot dispatcher and admin surface read.
type Journal struct {
	mu          sync.RWMutex
	interval    uint64
	maxFrames   int
	checkpoints []Checkpoint
	changes     []ecs.ChangeSet
	lastTick    uint64

	clock   logging.Clock
	metrics telemetry.Metrics
}

// New constructs a journal that checkpoints every interval ticks and keeps
// retention checkpoints.
func New(interval uint64, retention int, opts ...Option) *Journal {
	if interval == 0 {
		interval = 1
	}
	if retention < 1 {
		retention = 1
	}
	j := &Journal{
		interval:  interval,
		maxFrames: retention,
		clock:     logging.SystemClock{},
		metrics:   telemetry.NopMetrics(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Interval reports the checkpoint cadence in ticks.
func (j *Journal) Interval() uint64 { return j.interval }

// Due reports whether tick should be checkpointed.
func (j *Journal) Due(tick uint64) bool {
	return tick%j.interval == 0
}

// Record appends the change set committed at cs.Tick. Change sets must be
// recorded in tick order.
func (j *Journal) Record(cs ecs.ChangeSet) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if cs.Tick <= j.lastTick && j.lastTick != 0 {
		return
	}
	j.lastTick = cs.Tick
	if cs.Len() == 0 {
		return
	}
	j.changes = append(j.changes, cs)
}

// RecordCheckpoint stores cp, evicting the oldest checkpoints beyond the
// retention count together with the change sets they no longer anchor.
func (j *Journal) RecordCheckpoint(cp Checkpoint) RecordResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = j.clock.Now()
	}
	if n := len(j.checkpoints); n > 0 && cp.Tick <= j.checkpoints[n-1].Tick {
		return j.resultLocked(nil)
	}
	if cp.Tick > j.lastTick {
		j.lastTick = cp.Tick
	}
	j.checkpoints = append(j.checkpoints, cp)

	var evicted []CheckpointEviction
	if len(j.checkpoints) > j.maxFrames {
		overflow := len(j.checkpoints) - j.maxFrames
		for i := 0; i < overflow; i++ {
			evicted = append(evicted, CheckpointEviction{Tick: j.checkpoints[i].Tick, Reason: "count"})
		}
		copy(j.checkpoints, j.checkpoints[overflow:])
		clear(j.checkpoints[len(j.checkpoints)-overflow:])
		j.checkpoints = j.checkpoints[:len(j.checkpoints)-overflow]
	}

	oldest := j.checkpoints[0].Tick
	drop := sort.Search(len(j.changes), func(i int) bool { return j.changes[i].Tick > oldest })
	if drop > 0 {
		j.changes = append(j.changes[:0:0], j.changes[drop:]...)
	}
	j.metrics.Store(telemetry.MetricCheckpoints, uint64(len(j.checkpoints)))
	return j.resultLocked(evicted)
}

func (j *Journal) resultLocked(evicted []CheckpointEviction) RecordResult {
	size := len(j.checkpoints)
	result := RecordResult{Size: size, Evicted: evicted}
	if size > 0 {
		result.OldestTick = j.checkpoints[0].Tick
		result.NewestTick = j.checkpoints[size-1].Tick
	}
	return result
}

// Oldest reports the tick of the oldest retained checkpoint. Baselines,
// command ticks and freed entity slots older than it are outside the
// retained history window.
func (j *Journal) Oldest() (uint64, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.checkpoints) == 0 {
		return 0, false
	}
	return j.checkpoints[0].Tick, true
}

// Retains reports whether a delta from baseline can be built.
func (j *Journal) Retains(baseline uint64) bool {
	oldest, ok := j.Oldest()
	return ok && baseline >= oldest
}

// Changes merges every change committed in (from, to]. It reports false when
// from lies outside the retained window.
func (j *Journal) Changes(from, to uint64) (map[ecs.Entity]ecs.Change, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.checkpoints) == 0 || from < j.checkpoints[0].Tick || from > to {
		return nil, false
	}
	merged := make(map[ecs.Entity]ecs.Change)
	start := sort.Search(len(j.changes), func(i int) bool { return j.changes[i].Tick > from })
	for _, cs := range j.changes[start:] {
		if cs.Tick > to {
			break
		}
		for e, c := range cs.Changes {
			if prev, ok := merged[e]; ok {
				merged[e] = prev.Merge(c)
			} else {
				merged[e] = c
			}
		}
	}
	return merged, true
}

// Checkpoint returns the checkpoint recorded at tick.
func (j *Journal) Checkpoint(tick uint64) (Checkpoint, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	i := sort.Search(len(j.checkpoints), func(i int) bool { return j.checkpoints[i].Tick >= tick })
	if i == len(j.checkpoints) || j.checkpoints[i].Tick != tick {
		return Checkpoint{}, false
	}
	return j.checkpoints[i], true
}

// Checkpoints lists the retained checkpoints oldest first.
func (j *Journal) Checkpoints() []CheckpointInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]CheckpointInfo, 0, len(j.checkpoints))
	for _, cp := range j.checkpoints {
		out = append(out, CheckpointInfo{Tick: cp.Tick, Entities: len(cp.Rows), Digest: cp.Digest, RecordedAt: cp.RecordedAt})
	}
	return out
}

// Window reports the current retention window.
func (j *Journal) Window() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = len(j.checkpoints)
	if size == 0 {
		return 0, 0, 0
	}
	return size, j.checkpoints[0].Tick, j.checkpoints[size-1].Tick
}

// PendingChanges reports how many non-empty change sets are retained.
func (j *Journal) PendingChanges() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.changes)
}
