package observability

import "time"

// NoopLogger discards all log output. Used in tests and as a default when no
// logger is injected.
type NoopLogger struct{}

// NewNoopLogger creates a new no-op logger
func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) WithPrefix(prefix string) Logger          { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new no-op metrics client
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (m *NoopMetricsClient) IncrementCounter(name string, value float64, labels map[string]string) {}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)      {}
func (m *NoopMetricsClient) RecordLatency(operation string, duration time.Duration)                {}
func (m *NoopMetricsClient) RecordCacheOperation(operation string, hit bool, durationSeconds float64) {
}
func (m *NoopMetricsClient) Close() error { return nil }
