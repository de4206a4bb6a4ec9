// Package repositories defines interfaces for data access operations.
package repositories

import (
	"context"
	"time"

	"github.com/TFMV/queryscope/pkg/models"
)

// QueryRepository runs statements against the database.
type QueryRepository interface {
	// Query runs a row-returning statement. The duration covers only the
	// database call and row materialisation.
	Query(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error)
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, stmt string, args ...interface{}) (*models.ExecResult, error)
	// ExplainAnalyze executes stmt under EXPLAIN (ANALYZE, FORMAT JSON) and
	// returns the raw plan document.
	ExplainAnalyze(ctx context.Context, stmt string) ([]byte, error)
}

// IndexRepository issues index DDL and reads index state from the catalog.
type IndexRepository interface {
	// CreateIndex builds the index if it does not exist.
	CreateIndex(ctx context.Context, spec models.IndexSpec, concurrent bool) error
	// DropIndex removes the named index if it exists.
	DropIndex(ctx context.Context, name string, concurrent bool) error
	// GetIndex returns the catalog entry for name, or NOT_FOUND.
	GetIndex(ctx context.Context, name string) (*models.IndexInfo, error)
	// ListIndexes returns the secondary indexes on table.
	ListIndexes(ctx context.Context, table string) ([]models.IndexInfo, error)
}

// MetadataRepository answers questions about tables.
type MetadataRepository interface {
	// TableExists reports whether table is visible on the search path.
	TableExists(ctx context.Context, table string) (bool, error)
	// CountRows returns the exact row count of table; a missing table counts 0.
	CountRows(ctx context.Context, table string) (int64, error)
	// Analyze refreshes planner statistics for table.
	Analyze(ctx context.Context, table string) error
}
