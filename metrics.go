package mailrelay

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names emitted by the pipeline.
const (
	metricAttempts              = "relay.attempts"
	metricAttemptFailed         = "relay.attempt_failed"
	metricDelivered             = "relay.delivered"
	metricDeadLettered          = "relay.dead_lettered"
	metricDeadLetterPublishFail = "relay.dead_letter.publish_failed"
	metricOutcomePersistFailed  = "relay.outcome.persist_failed"
	metricAbandoned             = "relay.abandoned"
	metricBatchDuration         = "relay.batch.duration"
	metricBatchSize             = "relay.batch.size"
	metricBatchCommitted        = "relay.batch.committed"
	metricBatchUnresolved       = "relay.batch.unresolved"
	metricCommitFailed          = "relay.batch.commit_failed"
)

// NopMetricsCollector discards everything.
type NopMetricsCollector struct{}

// NewNopMetricsCollector creates a new NopMetricsCollector.
func NewNopMetricsCollector() *NopMetricsCollector {
	return &NopMetricsCollector{}
}

func (m *NopMetricsCollector) IncrementCounter(string, map[string]string) {}

func (m *NopMetricsCollector) RecordDuration(string, time.Duration, map[string]string) {}

func (m *NopMetricsCollector) RecordGauge(string, float64, map[string]string) {}

// OpenTelemetryMetricsCollector records through an OpenTelemetry meter. Instruments are
// created lazily and cached; it is safe for concurrent use.
type OpenTelemetryMetricsCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOpenTelemetryMetricsCollector uses the global meter provider.
func NewOpenTelemetryMetricsCollector() *OpenTelemetryMetricsCollector {
	return NewOpenTelemetryMetricsCollectorWithMeter(otel.Meter("mailrelay"))
}

// NewOpenTelemetryMetricsCollectorWithMeter uses the given meter.
func NewOpenTelemetryMetricsCollectorWithMeter(meter metric.Meter) *OpenTelemetryMetricsCollector {
	return &OpenTelemetryMetricsCollector{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// IncrementCounter implements MetricsCollector.
func (m *OpenTelemetryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	counter, err := m.counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(toAttributes(tags)...))
}

// RecordDuration implements MetricsCollector. Durations are recorded in seconds.
func (m *OpenTelemetryMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	histogram, err := m.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(toAttributes(tags)...))
}

// RecordGauge implements MetricsCollector.
func (m *OpenTelemetryMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	gauge, err := m.gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(toAttributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) counter(name string) (metric.Int64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if counter, ok := m.counters[name]; ok {
		return counter, nil
	}
	counter, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = counter
	return counter, nil
}

func (m *OpenTelemetryMetricsCollector) histogram(name string) (metric.Float64Histogram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if histogram, ok := m.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	m.histograms[name] = histogram
	return histogram, nil
}

func (m *OpenTelemetryMetricsCollector) gauge(name string) (metric.Float64Gauge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gauge, ok := m.gauges[name]; ok {
		return gauge, nil
	}
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	m.gauges[name] = gauge
	return gauge, nil
}

func toAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for key, value := range tags {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
