// Package postgres provides PostgreSQL repository implementations.
package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/infrastructure/pool"
	"github.com/TFMV/queryscope/pkg/models"
	"github.com/TFMV/queryscope/pkg/repositories"
)

// explainPrefix wraps a statement so PostgreSQL executes it and returns the
// actual plan as a single JSON document.
const explainPrefix = "EXPLAIN (ANALYZE, FORMAT JSON) "

// queryRepository implements repositories.QueryRepository for PostgreSQL.
type queryRepository struct {
	pool   pool.ConnectionPool
	logger zerolog.Logger
}

// NewQueryRepository creates a new PostgreSQL query repository.
func NewQueryRepository(p pool.ConnectionPool, logger zerolog.Logger) repositories.QueryRepository {
	return &queryRepository{
		pool:   p,
		logger: logger,
	}
}

// Query runs a row-returning statement and materialises every row.
func (r *queryRepository) Query(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error) {
	r.logger.Debug().
		Str("query", query).
		Int("args_count", len(args)).
		Msg("Executing query")

	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, 0, err
	}

	start := time.Now()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		elapsed := time.Since(start)
		r.pool.Report(query, elapsed, err)
		return nil, elapsed, translateError(err, "failed to execute query")
	}

	result, err := scanRows(rows)
	elapsed := time.Since(start)
	r.pool.Report(query, elapsed, err)
	if err != nil {
		return nil, elapsed, translateError(err, "failed to read query results")
	}

	r.logger.Debug().
		Int("rows", len(result)).
		Dur("execution_time", elapsed).
		Msg("Query executed successfully")

	return result, elapsed, nil
}

// Exec runs a statement that returns no rows.
func (r *queryRepository) Exec(ctx context.Context, stmt string, args ...interface{}) (*models.ExecResult, error) {
	r.logger.Debug().
		Str("statement", stmt).
		Int("args_count", len(args)).
		Msg("Executing statement")

	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := db.ExecContext(ctx, stmt, args...)
	elapsed := time.Since(start)
	r.pool.Report(stmt, elapsed, err)
	if err != nil {
		return nil, translateError(err, "failed to execute statement")
	}

	// Utility statements report no count; -1 is surfaced as 0.
	affected, err := res.RowsAffected()
	if err != nil || affected < 0 {
		affected = 0
	}

	return &models.ExecResult{
		RowsAffected: affected,
		DurationMs:   durationMs(elapsed),
	}, nil
}

// ExplainAnalyze executes stmt under EXPLAIN ANALYZE and returns the JSON plan.
func (r *queryRepository) ExplainAnalyze(ctx context.Context, stmt string) ([]byte, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	query := explainPrefix + stmt
	start := time.Now()
	var raw []byte
	err = db.QueryRowContext(ctx, query).Scan(&raw)
	r.pool.Report(query, time.Since(start), err)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New(errors.CodeExplainFailed, "explain returned no plan")
		}
		return nil, translateError(err, "failed to explain statement")
	}
	return raw, nil
}

// scanRows reads all rows into column-keyed maps and closes rows.
func scanRows(rows *sql.Rows) ([]models.Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := make([]models.Row, 0)
	values := make([]interface{}, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(models.Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// normalizeValue turns driver values into JSON-friendly ones.
func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return x
	}
}

// quoteIdent quotes a validated identifier. Unquoted identifiers fold to lower
// case in PostgreSQL, so the folded form is quoted to keep that meaning.
func quoteIdent(name string) (string, error) {
	if !models.ValidIdentifier(name) {
		return "", errors.Newf(errors.CodeInvalidRequest, "invalid identifier %q", name)
	}
	return pgx.Identifier{strings.ToLower(name)}.Sanitize(), nil
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
