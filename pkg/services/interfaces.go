// Package services contains business logic implementations.
package services

import (
	"context"
	"time"

	"github.com/TFMV/queryscope/pkg/models"
)

// QueryService executes submitted statements and reports their plans.
type QueryService interface {
	// Execute classifies, runs and analyzes free-text SQL.
	Execute(ctx context.Context, req *models.SQLRequest) (*models.QueryResult, error)
	// ExplainAnalyze runs a trusted statement under EXPLAIN ANALYZE.
	ExplainAnalyze(ctx context.Context, stmt string) (*models.PlanAnalysis, error)
	// Lookup runs a parameterised single-column equality lookup.
	Lookup(ctx context.Context, req *models.LookupRequest) (*models.LookupResult, error)
}

// IndexService creates and drops secondary indexes.
type IndexService interface {
	// Create builds spec's index if it does not exist.
	Create(ctx context.Context, spec models.IndexSpec) (*models.IndexResult, error)
	// Drop removes spec's index if it exists.
	Drop(ctx context.Context, spec models.IndexSpec) (*models.IndexResult, error)
	// Manage dispatches a wire-level create or drop request.
	Manage(ctx context.Context, req *models.IndexRequest) (*models.IndexResult, error)
	// Apply drops every index of family not in keep, then creates keep.
	Apply(ctx context.Context, family []models.IndexSpec, keep []models.IndexSpec) error
}

// ExperimentService runs the named experiment families.
type ExperimentService interface {
	// RunStep executes one step of a family.
	RunStep(ctx context.Context, req *models.StepRequest) (*models.StepResult, error)
	// CheckSeeded reports the row count of a family's table.
	CheckSeeded(ctx context.Context, family models.Family) (*models.SeedStatus, error)
	// Catalog lists every known step.
	Catalog() []models.StepDefinition
}

// ResultCache stores result rows keyed by the exact query text.
type ResultCache interface {
	Enabled() bool
	LoadRows(ctx context.Context, query string) ([]models.Row, bool, error)
	StoreRows(ctx context.Context, query string, rows []models.Row) error
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string, labels ...string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop() time.Duration
}
