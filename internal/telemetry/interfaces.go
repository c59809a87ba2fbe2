package telemetry

// Metrics exposes the telemetry methods required by server components.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

type nopMetrics struct{}

func (nopMetrics) Add(string, uint64)   {}
func (nopMetrics) Store(string, uint64) {}

// NopMetrics discards every sample.
func NopMetrics() Metrics {
	return nopMetrics{}
}

// OrNop returns m, or a discarding implementation when m is nil.
func OrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
