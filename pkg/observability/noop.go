package observability

import "time"

// NoopLogger is a Logger that discards everything
type NoopLogger struct{}

// NewNoopLogger creates a logger that discards everything
func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) WithPrefix(prefix string) Logger                 { return l }

// NoopMetricsClient is a MetricsClient that discards everything
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (m *NoopMetricsClient) IncrementCounter(name string, value float64)                         {}
func (m *NoopMetricsClient) IncrementCounterWithLabels(string, float64, map[string]string)       {}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)    {}
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (m *NoopMetricsClient) RecordDuration(name string, duration time.Duration)                  {}
func (m *NoopMetricsClient) Close() error                                                        { return nil }
