// Package metrics provides metrics collection for the query engine.
package metrics

import (
	"time"
)

// Metric names emitted by the engine and its HTTP surface.
const (
	QueriesTotal           = "queries_total"
	QueryDBDuration        = "query_db_duration_seconds"
	QueryServerDuration    = "query_server_duration_seconds"
	CacheHitsTotal         = "cache_hits_total"
	CacheMissesTotal       = "cache_misses_total"
	CacheErrorsTotal       = "cache_errors_total"
	SafetyRejectionsTotal  = "safety_rejections_total"
	QueryErrorsTotal       = "query_errors_total"
	ExplainFailuresTotal   = "explain_failures_total"
	IndexOperationsTotal   = "index_operations_total"
	IndexOperationDuration = "index_operation_duration_seconds"
	ExperimentStepsTotal   = "experiment_steps_total"
	ExperimentStepDuration = "experiment_step_duration_seconds"
	HTTPRequestsTotal      = "http_requests_total"
	HTTPRequestDuration    = "http_request_duration_seconds"
	RateLimitedTotal       = "http_rate_limited_total"
	PoolOpenConnections    = "db_pool_open_connections"
	PoolInUseConnections   = "db_pool_in_use_connections"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)

	// StartTimer starts a timer whose Stop observes the named histogram.
	StartTimer(name string, labels ...string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop stops the timer and returns the duration.
	Stop() time.Duration
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

// IncrementCounter does nothing.
func (n *NoOpCollector) IncrementCounter(string, ...string) {}

// RecordHistogram does nothing.
func (n *NoOpCollector) RecordHistogram(string, float64, ...string) {}

// RecordGauge does nothing.
func (n *NoOpCollector) RecordGauge(string, float64, ...string) {}

// StartTimer returns a timer that only measures.
func (n *NoOpCollector) StartTimer(string, ...string) Timer {
	return &stopwatch{start: time.Now()}
}

type stopwatch struct {
	start time.Time
}

func (t *stopwatch) Stop() time.Duration {
	return time.Since(t.start)
}
