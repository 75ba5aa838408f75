package observability

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// Metric names recorded by the runtime.
const (
	MetricDispatchTotal     = "rondo_bus_dispatch_total"
	MetricMessagesTotal     = "rondo_bus_messages_total"
	MetricAcksTotal         = "rondo_bus_acks_total"
	MetricNacksTotal        = "rondo_bus_nacks_total"
	MetricDeadLetteredTotal = "rondo_broker_dead_lettered_total"
	MetricOutboxPending     = "rondo_outbox_pending"
	MetricOutboxRelayTotal  = "rondo_outbox_relay_total"
	MetricMigrationsTotal   = "rondo_db_migrations_total"
)
