package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gometrics "github.com/armon/go-metrics"
)

// Metric keys shared across components.
const (
	MetricCommandsAccepted     = "commands_accepted_total"
	MetricCommandsDuplicate    = "commands_duplicate_total"
	MetricCommandsStale        = "commands_stale_total"
	MetricCommandsFuture       = "commands_future_total"
	MetricCommandsInvalid      = "commands_invalid_total"
	MetricCommandsClamped      = "commands_clamped_total"
	MetricCommandBackpressure  = "command_queue_backpressure_total"
	MetricSnapshotsFull        = "snapshots_full_total"
	MetricSnapshotsDelta       = "snapshots_delta_total"
	MetricSnapshotBytes        = "snapshot_bytes_total"
	MetricSnapshotsStale       = "snapshots_stale_dropped_total"
	MetricRetransmits          = "transport_retransmits_total"
	MetricPeersUnreachable     = "transport_peers_unreachable_total"
	MetricProtocolOffenses     = "protocol_offenses_total"
	MetricSystemFaults         = "sim_system_faults_total"
	MetricTickDurationMicros   = "sim_tick_duration_us"
	MetricTick                 = "sim_tick"
	MetricEntities             = "store_entities"
	MetricSessions             = "sessions_active"
	MetricInboxOccupancy       = "transport_inbox_occupancy"
	MetricInboxOverflow        = "transport_inbox_overflow_total"
	MetricOutboxOccupancy      = "transport_outbox_occupancy"
	MetricOutboxOverflow       = "transport_outbox_overflow_total"
	MetricRateLimited          = "transport_rate_limited_total"
	MetricCheckpoints          = "journal_checkpoints"
	MetricSessionsExpired      = "sessions_expired_total"
	MetricStaleSnapshotsClient = "client_snapshots_stale_total"
)

// Registry keeps exact counters for the admin surface and mirrors every
// sample into a go-metrics in-memory sink for interval aggregation.
type Registry struct {
	mu     sync.RWMutex
	values map[string]*atomic.Uint64

	sink  *gometrics.InmemSink
	inner *gometrics.Metrics
}

// NewMetrics constructs a registry reporting under serviceName.
func NewMetrics(serviceName string) *Registry {
	sink := gometrics.NewInmemSink(10*time.Second, time.Minute)
	conf := gometrics.DefaultConfig(serviceName)
	conf.EnableHostname = false
	conf.EnableHostnameLabel = false
	conf.EnableRuntimeMetrics = false
	inner, err := gometrics.New(conf, sink)
	if err != nil {
		inner = nil
	}
	return &Registry{
		values: make(map[string]*atomic.Uint64),
		sink:   sink,
		inner:  inner,
	}
}

func (r *Registry) slot(key string) *atomic.Uint64 {
	r.mu.RLock()
	v, ok := r.values[key]
	r.mu.RUnlock()
	if ok {
		return v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = r.values[key]; ok {
		return v
	}
	v = new(atomic.Uint64)
	r.values[key] = v
	return v
}

// Add increments key by delta.
func (r *Registry) Add(key string, delta uint64) {
	if r == nil {
		return
	}
	r.slot(key).Add(delta)
	if r.inner != nil {
		r.inner.IncrCounter([]string{key}, float32(delta))
	}
}

// Store sets key to value.
func (r *Registry) Store(key string, value uint64) {
	if r == nil {
		return
	}
	r.slot(key).Store(value)
	if r.inner != nil {
		r.inner.SetGauge([]string{key}, float32(value))
	}
}

// Value reports the current value of key.
func (r *Registry) Value(key string) uint64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.values[key]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot returns a copy of every recorded value.
func (r *Registry) Snapshot() map[string]uint64 {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.values))
	for k, v := range r.values {
		out[k] = v.Load()
	}
	return out
}

// Keys returns the recorded keys in sorted order.
func (r *Registry) Keys() []string {
	snapshot := r.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Intervals exposes the aggregated go-metrics intervals.
func (r *Registry) Intervals() []*gometrics.IntervalMetrics {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Data()
}
