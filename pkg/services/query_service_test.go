package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/infrastructure/metrics"
	"github.com/TFMV/queryscope/pkg/models"
)

func setupTestQueryService(cache ResultCache) (QueryService, *mockQueryRepo, *mockMetricsCollector) {
	repo := &mockQueryRepo{}
	collector := &mockMetricsCollector{}
	service := NewQueryService(repo, cache, &mockLogger{}, collector, QueryServiceConfig{})
	return service, repo, collector
}

func TestQueryService_Execute_Select(t *testing.T) {
	service, repo, collector := setupTestQueryService(nil)

	repo.queryFunc = func(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error) {
		return []models.Row{{"id": int64(1), "email": "a@b.c"}}, 2 * time.Millisecond, nil
	}
	repo.explainFunc = func(ctx context.Context, stmt string) ([]byte, error) {
		return []byte(indexScanExplain), nil
	}

	result, err := service.Execute(context.Background(), &models.SQLRequest{Query: "SELECT * FROM users_large WHERE email = 'a@b.c'"})
	require.NoError(t, err)

	assert.Equal(t, models.SourceDatabase, result.Source)
	assert.Equal(t, "SELECT", result.StatementType)
	assert.Equal(t, int64(1), result.RowCount)
	assert.Equal(t, 2.0, result.DBDurationMs)
	assert.Equal(t, models.ScanIndex, result.Scan.Strategy)
	assert.Equal(t, "idx_users_large_email", result.Scan.IndexName)
	assert.Len(t, result.TopCostNodes, 1)
	assert.Equal(t, 0.06, result.ExecutionMs)
	assert.GreaterOrEqual(t, result.ServerDurationMs, 0.0)
	assert.Equal(t, []string{"SELECT * FROM users_large WHERE email = 'a@b.c'"}, repo.queries)
	assert.Len(t, repo.explains, 1)
	assert.Equal(t, 1, collector.count(metrics.QueriesTotal))
}

func TestQueryService_Execute_ExplainFailureKeepsRows(t *testing.T) {
	service, repo, collector := setupTestQueryService(nil)

	repo.queryFunc = func(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error) {
		return []models.Row{{"n": int64(1)}}, time.Millisecond, nil
	}
	repo.explainFunc = func(ctx context.Context, stmt string) ([]byte, error) {
		return nil, errors.New(errors.CodeExplainFailed, "explain returned no plan")
	}

	result, err := service.Execute(context.Background(), &models.SQLRequest{Query: "SELECT 1 AS n"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RowCount)
	assert.Equal(t, models.ScanExplainFailed, result.Scan.Strategy)
	assert.Equal(t, "explain returned no plan", result.Scan.Note)
	assert.Equal(t, 1, collector.count(metrics.ExplainFailuresTotal))
}

func TestQueryService_Execute_Rejected(t *testing.T) {
	service, repo, collector := setupTestQueryService(nil)

	_, err := service.Execute(context.Background(), &models.SQLRequest{Query: "DROP TABLE users_large"})
	require.Error(t, err)
	assert.True(t, errors.IsRejected(err))

	se := errors.Root(err)
	require.NotNil(t, se)
	assert.Equal(t, "drop table", se.Details["fragment"])
	assert.Empty(t, repo.queries)
	assert.Empty(t, repo.explains)
	assert.Equal(t, 1, collector.count(metrics.SafetyRejectionsTotal))
}

func TestQueryService_Execute_EmptyQuery(t *testing.T) {
	service, _, _ := setupTestQueryService(nil)

	for _, req := range []*models.SQLRequest{nil, {Query: ""}, {Query: "   "}} {
		_, err := service.Execute(context.Background(), req)
		assert.True(t, errors.IsInvalidRequest(err))
	}
}

func TestQueryService_Execute_DatabaseError(t *testing.T) {
	service, repo, collector := setupTestQueryService(nil)

	dbErr := errors.New(errors.CodeSyntaxError, `syntax error at or near "FROMM"`).WithPosition("", 10)
	repo.queryFunc = func(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error) {
		return nil, 0, dbErr
	}

	_, err := service.Execute(context.Background(), &models.SQLRequest{Query: "SELECT * FROMM t"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeSyntaxError, errors.GetCode(err))
	assert.Equal(t, 10, errors.Root(err).Position)
	assert.Empty(t, repo.explains)
	assert.Equal(t, 1, collector.count(metrics.QueryErrorsTotal))
}

func TestQueryService_Execute_CacheMissThenHit(t *testing.T) {
	cache := newMockResultCache()
	service, repo, collector := setupTestQueryService(cache)

	rows := []models.Row{{"id": int64(7)}}
	repo.queryFunc = func(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error) {
		return rows, time.Millisecond, nil
	}
	req := &models.SQLRequest{Query: "SELECT * FROM users_small", UseCache: true}

	first, err := service.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.SourceDatabase, first.Source)
	assert.Equal(t, 1, cache.stores)

	second, err := service.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, second.Source)
	assert.Equal(t, rows, second.Rows)
	assert.Equal(t, models.ScanNotApplicable, second.Scan.Strategy)
	assert.Zero(t, second.DBDurationMs)

	assert.Len(t, repo.queries, 1)
	assert.Len(t, repo.explains, 1)
	assert.Equal(t, 1, collector.count(metrics.CacheHitsTotal))
	assert.Equal(t, 1, collector.count(metrics.CacheMissesTotal))
}

func TestQueryService_Execute_CacheBypassed(t *testing.T) {
	cache := newMockResultCache()
	service, repo, _ := setupTestQueryService(cache)

	req := &models.SQLRequest{Query: "SELECT 1", UseCache: false}
	_, err := service.Execute(context.Background(), req)
	require.NoError(t, err)
	_, err = service.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, cache.stores)
	assert.Len(t, repo.queries, 2)
}

func TestQueryService_Execute_CacheUnavailableDegrades(t *testing.T) {
	cache := newMockResultCache()
	cache.loadErr = errors.New(errors.CodeCacheUnavailable, "connection refused")
	cache.storeErr = cache.loadErr
	service, repo, collector := setupTestQueryService(cache)

	result, err := service.Execute(context.Background(), &models.SQLRequest{Query: "SELECT 1", UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, models.SourceDatabase, result.Source)
	assert.Contains(t, result.Notes, noteCacheDegraded)
	assert.Len(t, repo.queries, 1)
	assert.Equal(t, 2, collector.count(metrics.CacheErrorsTotal))
}

func TestQueryService_Execute_Modify(t *testing.T) {
	service, repo, _ := setupTestQueryService(nil)

	repo.explainFunc = func(ctx context.Context, stmt string) ([]byte, error) {
		return []byte(insertExplain), nil
	}

	result, err := service.Execute(context.Background(), &models.SQLRequest{Query: "MERGE INTO t USING s ON t.id = s.id WHEN MATCHED THEN DO NOTHING"})
	require.NoError(t, err)
	assert.Equal(t, "MODIFY", result.StatementType)
	assert.Empty(t, repo.queries, "modify statements must run exactly once, under EXPLAIN ANALYZE")
	assert.Len(t, repo.explains, 1)
	assert.Equal(t, int64(100000), result.RowCount)
	assert.Equal(t, 312.0, result.DBDurationMs)
	assert.Empty(t, result.Rows)
	assert.Contains(t, result.Notes, noteModifyNoPreview)
}

func TestQueryService_Execute_Explain(t *testing.T) {
	service, repo, _ := setupTestQueryService(nil)

	result, err := service.Execute(context.Background(), &models.SQLRequest{Query: "EXPLAIN ANALYZE SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, "EXPLAIN", result.StatementType)
	assert.Equal(t, models.ScanNotApplicable, result.Scan.Strategy)
	assert.Contains(t, result.Notes, noteExplainAnalyze)
	assert.Empty(t, repo.explains)

	result, err = service.Execute(context.Background(), &models.SQLRequest{Query: "EXPLAIN SELECT 1"})
	require.NoError(t, err)
	assert.NotContains(t, result.Notes, noteExplainAnalyze)
}

func TestQueryService_Execute_Utility(t *testing.T) {
	cache := newMockResultCache()
	service, repo, _ := setupTestQueryService(cache)

	repo.execFunc = func(ctx context.Context, stmt string, args ...interface{}) (*models.ExecResult, error) {
		return &models.ExecResult{RowsAffected: 0, DurationMs: 12.5}, nil
	}

	result, err := service.Execute(context.Background(), &models.SQLRequest{
		Query:    "CREATE INDEX idx_users_large_email ON users_large (email)",
		UseCache: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "UTILITY", result.StatementType)
	assert.Equal(t, models.ScanUtilityCommand, result.Scan.Strategy)
	assert.Equal(t, models.SourceDatabase, result.Source)
	assert.Equal(t, 12.5, result.DBDurationMs)
	assert.Equal(t, []string{"CREATE INDEX idx_users_large_email ON users_large (email)"}, repo.execs)
	assert.Empty(t, repo.queries)
	assert.Empty(t, repo.explains)
	assert.Equal(t, 0, cache.loads)
	assert.Equal(t, 0, cache.stores)
}

func TestQueryService_Execute_UtilityReportsRowsAffected(t *testing.T) {
	service, repo, _ := setupTestQueryService(nil)

	repo.execFunc = func(ctx context.Context, stmt string, args ...interface{}) (*models.ExecResult, error) {
		return &models.ExecResult{RowsAffected: 42, DurationMs: 3}, nil
	}

	result, err := service.Execute(context.Background(), &models.SQLRequest{Query: "COPY users_large FROM '/tmp/users.csv'"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.RowCount)
	assert.Empty(t, result.Rows)
}

func TestQueryService_Execute_UtilityWithResultSet(t *testing.T) {
	cache := newMockResultCache()
	service, repo, _ := setupTestQueryService(cache)

	repo.queryFunc = func(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error) {
		return []models.Row{{"work_mem": "4MB"}}, time.Millisecond, nil
	}

	result, err := service.Execute(context.Background(), &models.SQLRequest{Query: "SHOW work_mem", UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RowCount)
	assert.Equal(t, []models.Row{{"work_mem": "4MB"}}, result.Rows)
	assert.Equal(t, []string{"SHOW work_mem"}, repo.queries)
	assert.Empty(t, repo.execs)
	assert.Equal(t, 0, cache.stores)
}

func TestQueryService_Execute_AppliesTimeout(t *testing.T) {
	repo := &mockQueryRepo{}
	service := NewQueryService(repo, nil, &mockLogger{}, &mockMetricsCollector{}, QueryServiceConfig{QueryTimeout: time.Second})

	var deadline time.Time
	repo.queryFunc = func(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error) {
		deadline, _ = ctx.Deadline()
		return nil, 0, nil
	}

	_, err := service.Execute(context.Background(), &models.SQLRequest{Query: "SELECT 1"})
	require.NoError(t, err)
	assert.False(t, deadline.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
}

func TestQueryService_Lookup(t *testing.T) {
	service, repo, _ := setupTestQueryService(nil)

	var gotArgs []interface{}
	repo.queryFunc = func(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error) {
		gotArgs = args
		return []models.Row{{"email": "a@b.c"}}, 3 * time.Millisecond, nil
	}

	result, err := service.Lookup(context.Background(), &models.LookupRequest{Table: "users_large", Column: "email", Value: "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, []string{`SELECT * FROM "users_large" WHERE "email" = $1`}, repo.queries)
	assert.Equal(t, []interface{}{"a@b.c"}, gotArgs)
	assert.Equal(t, int64(1), result.RowCount)
	assert.Equal(t, 3.0, result.DurationMs)
	assert.Equal(t, models.SourceDatabase, result.Source)
	assert.Empty(t, repo.explains)
}

func TestQueryService_Lookup_InvalidIdentifiers(t *testing.T) {
	service, repo, _ := setupTestQueryService(nil)

	tests := []struct {
		name string
		req  *models.LookupRequest
	}{
		{"nil request", nil},
		{"quoted table", &models.LookupRequest{Table: `users"; DROP TABLE x; --`, Column: "email"}},
		{"empty column", &models.LookupRequest{Table: "users_large", Column: ""}},
		{"long table", &models.LookupRequest{Table: strings.Repeat("t", 64), Column: "email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Lookup(context.Background(), tt.req)
			assert.True(t, errors.IsInvalidRequest(err))
		})
	}
	assert.Empty(t, repo.queries)
}

func TestQueryService_ExplainAnalyze(t *testing.T) {
	service, repo, _ := setupTestQueryService(nil)

	repo.explainFunc = func(ctx context.Context, stmt string) ([]byte, error) {
		return []byte(compositeNoneExplain), nil
	}
	analysis, err := service.ExplainAnalyze(context.Background(), CompositeQuery)
	require.NoError(t, err)
	assert.Equal(t, models.ScanSequential, analysis.Scan.Strategy)
	assert.Equal(t, int64(1000000), analysis.RowsScanned)

	repo.explainFunc = func(ctx context.Context, stmt string) ([]byte, error) {
		return nil, assert.AnError
	}
	_, err = service.ExplainAnalyze(context.Background(), CompositeQuery)
	assert.ErrorIs(t, err, assert.AnError)
}
