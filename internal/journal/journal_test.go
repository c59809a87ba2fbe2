package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unnamed-rts/server/internal/ecs"
	"unnamed-rts/server/internal/telemetry"
	"unnamed-rts/server/logging"
)

var (
	unitA = ecs.Entity{Index: 0, Generation: 1}
	unitB = ecs.Entity{Index: 1, Generation: 1}
)

func changeSet(tick uint64, changes map[ecs.Entity]ecs.Change) ecs.ChangeSet {
	return ecs.ChangeSet{Tick: tick, Changes: changes}
}

func TestCheckpointRetentionEvictsOldest(t *testing.T) {
	metrics := telemetry.NewMetrics("journal-test")
	j := New(10, 3, WithMetrics(metrics))

	var result RecordResult
	for tick := uint64(0); tick <= 40; tick += 10 {
		result = j.RecordCheckpoint(Checkpoint{Tick: tick})
	}
	assert.Equal(t, 3, result.Size)
	assert.Equal(t, uint64(20), result.OldestTick)
	assert.Equal(t, uint64(40), result.NewestTick)
	require.Len(t, result.Evicted, 1)
	assert.Equal(t, uint64(10), result.Evicted[0].Tick)
	assert.Equal(t, uint64(3), metrics.Value(telemetry.MetricCheckpoints))

	oldest, ok := j.Oldest()
	require.True(t, ok)
	assert.Equal(t, uint64(20), oldest)
	_, ok = j.Checkpoint(10)
	assert.False(t, ok)
	cp, ok := j.Checkpoint(30)
	require.True(t, ok)
	assert.Equal(t, uint64(30), cp.Tick)
}

func TestCheckpointRejectsNonAdvancingTick(t *testing.T) {
	j := New(5, 4)
	j.RecordCheckpoint(Checkpoint{Tick: 10})
	result := j.RecordCheckpoint(Checkpoint{Tick: 10})
	assert.Equal(t, 1, result.Size)
	size, oldest, newest := j.Window()
	assert.Equal(t, 1, size)
	assert.Equal(t, uint64(10), oldest)
	assert.Equal(t, uint64(10), newest)
}

func TestChangesMergeOverWindow(t *testing.T) {
	j := New(10, 2)
	j.RecordCheckpoint(Checkpoint{Tick: 0})
	j.Record(changeSet(1, map[ecs.Entity]ecs.Change{
		unitA: {Set: ecs.Position | ecs.MoveTarget, Spawned: true},
	}))
	j.Record(changeSet(2, map[ecs.Entity]ecs.Change{
		unitA: {Set: ecs.Position, Removed: ecs.MoveTarget},
		unitB: {Set: ecs.Health},
	}))
	j.Record(changeSet(3, nil))
	j.Record(changeSet(4, map[ecs.Entity]ecs.Change{
		unitB: {Despawned: true},
	}))

	all, ok := j.Changes(0, 4)
	require.True(t, ok)
	assert.Equal(t, ecs.Change{Set: ecs.Position, Removed: ecs.MoveTarget, Spawned: true}, all[unitA])
	assert.True(t, all[unitB].Despawned)

	partial, ok := j.Changes(1, 2)
	require.True(t, ok)
	assert.Equal(t, ecs.Change{Set: ecs.Position, Removed: ecs.MoveTarget}, partial[unitA])
	assert.Equal(t, ecs.Change{Set: ecs.Health}, partial[unitB])

	none, ok := j.Changes(4, 4)
	require.True(t, ok)
	assert.Empty(t, none)
	assert.Equal(t, 3, j.PendingChanges(), "empty change sets are not stored")
}

func TestChangesOutsideWindowAreRefused(t *testing.T) {
	j := New(10, 1)
	_, ok := j.Changes(0, 5)
	assert.False(t, ok, "no checkpoint yet")

	j.RecordCheckpoint(Checkpoint{Tick: 0})
	for tick := uint64(1); tick <= 10; tick++ {
		j.Record(changeSet(tick, map[ecs.Entity]ecs.Change{unitA: {Set: ecs.Position}}))
	}
	j.RecordCheckpoint(Checkpoint{Tick: 10})

	assert.False(t, j.Retains(5))
	_, ok = j.Changes(5, 10)
	assert.False(t, ok)
	assert.True(t, j.Retains(10))
	assert.Zero(t, j.PendingChanges(), "change sets before the oldest checkpoint are pruned")

	j.Record(changeSet(11, map[ecs.Entity]ecs.Change{unitB: {Set: ecs.Health}}))
	changes, ok := j.Changes(10, 11)
	require.True(t, ok)
	assert.Len(t, changes, 1)
}

func TestCheckpointsStampRecordedAt(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	j := New(10, 2, WithClock(logging.ClockFunc(func() time.Time { return at })))
	j.RecordCheckpoint(Checkpoint{Tick: 10, Rows: make([]ecs.Row, 3), Digest: 7})
	infos := j.Checkpoints()
	require.Len(t, infos, 1)
	assert.Equal(t, CheckpointInfo{Tick: 10, Entities: 3, Digest: 7, RecordedAt: at}, infos[0])
	assert.True(t, j.Due(20))
	assert.False(t, j.Due(21))
}
