package postgres

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/TFMV/queryscope/pkg/infrastructure/pool"
	"github.com/TFMV/queryscope/pkg/repositories"
)

// metadataRepository implements repositories.MetadataRepository for PostgreSQL.
type metadataRepository struct {
	pool    pool.ConnectionPool
	queries repositories.QueryRepository
	logger  zerolog.Logger
}

// NewMetadataRepository creates a new PostgreSQL metadata repository.
func NewMetadataRepository(p pool.ConnectionPool, logger zerolog.Logger) repositories.MetadataRepository {
	return &metadataRepository{
		pool:    p,
		queries: NewQueryRepository(p, logger),
		logger:  logger,
	}
}

// TableExists reports whether table resolves on the search path.
func (r *metadataRepository) TableExists(ctx context.Context, table string) (bool, error) {
	if _, err := quoteIdent(table); err != nil {
		return false, err
	}

	db, err := r.pool.Get(ctx)
	if err != nil {
		return false, err
	}

	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", strings.ToLower(table)).Scan(&exists); err != nil {
		return false, translateError(err, "failed to look up table")
	}
	return exists, nil
}

// CountRows returns the exact row count; a missing table counts as empty.
func (r *metadataRepository) CountRows(ctx context.Context, table string) (int64, error) {
	exists, err := r.TableExists(ctx, table)
	if err != nil || !exists {
		return 0, err
	}

	quoted, _ := quoteIdent(table)
	db, err := r.pool.Get(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+quoted).Scan(&count); err != nil {
		return 0, translateError(err, "failed to count rows")
	}

	r.logger.Debug().Str("table", table).Int64("rows", count).Msg("Counted rows")
	return count, nil
}

// Analyze refreshes planner statistics for table.
func (r *metadataRepository) Analyze(ctx context.Context, table string) error {
	quoted, err := quoteIdent(table)
	if err != nil {
		return err
	}
	_, err = r.queries.Exec(ctx, "ANALYZE "+quoted)
	return err
}
