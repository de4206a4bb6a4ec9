package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/infrastructure/pool"
	"github.com/TFMV/queryscope/pkg/models"
	"github.com/TFMV/queryscope/pkg/repositories"
)

const indexColumns = `
SELECT c.relname, t.relname, i.indisvalid
FROM pg_catalog.pg_index i
JOIN pg_catalog.pg_class c ON c.oid = i.indexrelid
JOIN pg_catalog.pg_class t ON t.oid = i.indrelid
WHERE pg_catalog.pg_table_is_visible(c.oid)`

const getIndexQuery = indexColumns + ` AND c.relname = $1`

const listIndexesQuery = indexColumns + ` AND t.relname = $1 AND NOT i.indisprimary ORDER BY c.relname`

// indexRepository implements repositories.IndexRepository for PostgreSQL.
type indexRepository struct {
	pool    pool.ConnectionPool
	queries repositories.QueryRepository
	logger  zerolog.Logger
}

// NewIndexRepository creates a new PostgreSQL index repository.
func NewIndexRepository(p pool.ConnectionPool, logger zerolog.Logger) repositories.IndexRepository {
	return &indexRepository{
		pool:    p,
		queries: NewQueryRepository(p, logger),
		logger:  logger,
	}
}

// CreateIndexSQL renders the CREATE INDEX statement for spec.
func CreateIndexSQL(spec models.IndexSpec, concurrent bool) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", errors.New(errors.CodeInvalidRequest, err.Error())
	}

	name, _ := quoteIdent(spec.Name())
	table, _ := quoteIdent(spec.Table)
	cols := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i], _ = quoteIdent(c)
	}

	var b strings.Builder
	b.WriteString("CREATE INDEX ")
	if concurrent {
		b.WriteString("CONCURRENTLY ")
	}
	fmt.Fprintf(&b, "IF NOT EXISTS %s ON %s USING %s (%s)", name, table, spec.AccessMethod(), strings.Join(cols, ", "))
	return b.String(), nil
}

// DropIndexSQL renders the DROP INDEX statement for name.
func DropIndexSQL(name string, concurrent bool) (string, error) {
	quoted, err := quoteIdent(name)
	if err != nil {
		return "", err
	}
	if concurrent {
		return "DROP INDEX CONCURRENTLY IF EXISTS " + quoted, nil
	}
	return "DROP INDEX IF EXISTS " + quoted, nil
}

// CreateIndex builds the index if it does not exist.
func (r *indexRepository) CreateIndex(ctx context.Context, spec models.IndexSpec, concurrent bool) error {
	stmt, err := CreateIndexSQL(spec, concurrent)
	if err != nil {
		return err
	}

	r.logger.Debug().Str("statement", stmt).Msg("Creating index")
	if _, err := r.queries.Exec(ctx, stmt); err != nil {
		return errors.Wrapf(err, errors.CodeIndexOperationFailed, "failed to create index %s", spec.Name())
	}
	return nil
}

// DropIndex removes the named index if it exists.
func (r *indexRepository) DropIndex(ctx context.Context, name string, concurrent bool) error {
	stmt, err := DropIndexSQL(name, concurrent)
	if err != nil {
		return err
	}

	r.logger.Debug().Str("statement", stmt).Msg("Dropping index")
	if _, err := r.queries.Exec(ctx, stmt); err != nil {
		return errors.Wrapf(err, errors.CodeIndexOperationFailed, "failed to drop index %s", name)
	}
	return nil
}

// GetIndex returns the catalog entry for name.
func (r *indexRepository) GetIndex(ctx context.Context, name string) (*models.IndexInfo, error) {
	infos, err := r.list(ctx, getIndexQuery, strings.ToLower(name))
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.Newf(errors.CodeNotFound, "index %s not found", name)
	}
	return &infos[0], nil
}

// ListIndexes returns the non-primary indexes on table.
func (r *indexRepository) ListIndexes(ctx context.Context, table string) ([]models.IndexInfo, error) {
	return r.list(ctx, listIndexesQuery, strings.ToLower(table))
}

func (r *indexRepository) list(ctx context.Context, query string, arg string) ([]models.IndexInfo, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, translateError(err, "failed to read index catalog")
	}
	defer rows.Close()

	var infos []models.IndexInfo
	for rows.Next() {
		var info models.IndexInfo
		if err := rows.Scan(&info.Name, &info.Table, &info.Valid); err != nil {
			return nil, translateError(err, "failed to scan index catalog")
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, "failed to read index catalog")
	}
	return infos, nil
}
