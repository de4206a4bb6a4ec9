package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/models"
)

func errNotFound(name string) error {
	return errors.Newf(errors.CodeNotFound, "index %s not found", name)
}

// mockLogger implements Logger
type mockLogger struct{}

func (m *mockLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (m *mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {}

// mockMetricsCollector implements MetricsCollector and counts increments by name.
type mockMetricsCollector struct {
	mu       sync.Mutex
	counters map[string]int
}

func (m *mockMetricsCollector) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[name]++
}

func (m *mockMetricsCollector) RecordHistogram(name string, value float64, labels ...string) {}

func (m *mockMetricsCollector) RecordGauge(name string, value float64, labels ...string) {}

func (m *mockMetricsCollector) StartTimer(name string, labels ...string) Timer {
	return &mockTimer{}
}

func (m *mockMetricsCollector) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// mockTimer implements Timer
type mockTimer struct{}

func (m *mockTimer) Stop() time.Duration {
	return 0
}

// mockQueryRepo implements repositories.QueryRepository
type mockQueryRepo struct {
	mu          sync.Mutex
	queryFunc   func(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error)
	execFunc    func(ctx context.Context, stmt string, args ...interface{}) (*models.ExecResult, error)
	explainFunc func(ctx context.Context, stmt string) ([]byte, error)
	queries     []string
	execs       []string
	explains    []string
}

func (m *mockQueryRepo) Query(ctx context.Context, query string, args ...interface{}) ([]models.Row, time.Duration, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()
	if m.queryFunc != nil {
		return m.queryFunc(ctx, query, args...)
	}
	return []models.Row{}, time.Millisecond, nil
}

func (m *mockQueryRepo) Exec(ctx context.Context, stmt string, args ...interface{}) (*models.ExecResult, error) {
	m.mu.Lock()
	m.execs = append(m.execs, stmt)
	m.mu.Unlock()
	if m.execFunc != nil {
		return m.execFunc(ctx, stmt, args...)
	}
	return &models.ExecResult{}, nil
}

func (m *mockQueryRepo) ExplainAnalyze(ctx context.Context, stmt string) ([]byte, error) {
	m.mu.Lock()
	m.explains = append(m.explains, stmt)
	m.mu.Unlock()
	if m.explainFunc != nil {
		return m.explainFunc(ctx, stmt)
	}
	return []byte(seqScanExplain), nil
}

// mockIndexRepo implements repositories.IndexRepository with an in-memory catalog.
type mockIndexRepo struct {
	mu        sync.Mutex
	indexes   map[string]*models.IndexInfo
	createErr error
	dropErr   error
	calls     []string
}

func newMockIndexRepo() *mockIndexRepo {
	return &mockIndexRepo{indexes: make(map[string]*models.IndexInfo)}
}

func (m *mockIndexRepo) CreateIndex(ctx context.Context, spec models.IndexSpec, concurrent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create "+spec.Name())
	if m.createErr != nil {
		return m.createErr
	}
	m.indexes[spec.Name()] = &models.IndexInfo{Name: spec.Name(), Table: spec.Table, Valid: true}
	return nil
}

func (m *mockIndexRepo) DropIndex(ctx context.Context, name string, concurrent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "drop "+name)
	if m.dropErr != nil {
		return m.dropErr
	}
	delete(m.indexes, name)
	return nil
}

func (m *mockIndexRepo) GetIndex(ctx context.Context, name string) (*models.IndexInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.indexes[name]
	if !ok {
		return nil, errNotFound(name)
	}
	copied := *info
	return &copied, nil
}

func (m *mockIndexRepo) ListIndexes(ctx context.Context, table string) ([]models.IndexInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IndexInfo
	for _, info := range m.indexes {
		if info.Table == table {
			out = append(out, *info)
		}
	}
	return out, nil
}

func (m *mockIndexRepo) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name := range m.indexes {
		out = append(out, name)
	}
	return out
}

// mockMetadataRepo implements repositories.MetadataRepository
type mockMetadataRepo struct {
	mu       sync.Mutex
	counts   map[string]int64
	analyzed []string
	countErr error
}

func (m *mockMetadataRepo) TableExists(ctx context.Context, table string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.counts[strings.ToLower(table)]
	return ok, nil
}

func (m *mockMetadataRepo) CountRows(ctx context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.counts[strings.ToLower(table)], nil
}

func (m *mockMetadataRepo) Analyze(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzed = append(m.analyzed, table)
	return nil
}

func (m *mockMetadataRepo) setCount(table string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	m.counts[table] = n
}

// mockResultCache implements ResultCache
type mockResultCache struct {
	enabled  bool
	entries  map[string][]models.Row
	loadErr  error
	storeErr error
	loads    int
	stores   int
}

func newMockResultCache() *mockResultCache {
	return &mockResultCache{enabled: true, entries: make(map[string][]models.Row)}
}

func (m *mockResultCache) Enabled() bool { return m.enabled }

func (m *mockResultCache) LoadRows(ctx context.Context, query string) ([]models.Row, bool, error) {
	m.loads++
	if m.loadErr != nil {
		return nil, false, m.loadErr
	}
	rows, ok := m.entries[query]
	return rows, ok, nil
}

func (m *mockResultCache) StoreRows(ctx context.Context, query string, rows []models.Row) error {
	m.stores++
	if m.storeErr != nil {
		return m.storeErr
	}
	m.entries[query] = rows
	return nil
}

const seqScanExplain = `[{"Plan": {"Node Type": "Seq Scan", "Relation Name": "users_large",
	"Total Cost": 20834.0, "Actual Total Time": 95.1, "Actual Rows": 1, "Actual Loops": 1,
	"Rows Removed by Filter": 999999}, "Planning Time": 0.2, "Execution Time": 95.4}]`

const indexScanExplain = `[{"Plan": {"Node Type": "Index Scan", "Relation Name": "users_large",
	"Index Name": "idx_users_large_email", "Total Cost": 8.44, "Actual Total Time": 0.04,
	"Actual Rows": 1, "Actual Loops": 1}, "Planning Time": 0.1, "Execution Time": 0.06}]`

const insertExplain = `[{"Plan": {"Node Type": "ModifyTable", "Operation": "Insert",
	"Relation Name": "insert_test", "Actual Total Time": 310.0, "Actual Rows": 0, "Actual Loops": 1,
	"Plans": [{"Node Type": "Function Scan", "Actual Total Time": 25.0, "Actual Rows": 100000,
	"Actual Loops": 1}]}, "Execution Time": 312.0}]`

const compositeNoneExplain = `[{"Plan": {"Node Type": "Limit", "Actual Rows": 1000, "Actual Loops": 1,
	"Plans": [{"Node Type": "Sort", "Actual Rows": 1000, "Actual Loops": 1,
	"Plans": [{"Node Type": "Seq Scan", "Relation Name": "orders", "Actual Rows": 20000,
	"Actual Loops": 1, "Rows Removed by Filter": 980000}]}]}, "Execution Time": 140.0}]`

const compositeIndexExplain = `[{"Plan": {"Node Type": "Limit", "Actual Rows": 1000, "Actual Loops": 1,
	"Plans": [{"Node Type": "Index Scan Backward", "Relation Name": "orders",
	"Index Name": "idx_orders_status_created_at", "Actual Rows": 1000, "Actual Loops": 1}]},
	"Execution Time": 0.9}]`
