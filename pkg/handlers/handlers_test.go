package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/models"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (m *mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {}

type mockQueryService struct {
	executeFunc func(ctx context.Context, req *models.SQLRequest) (*models.QueryResult, error)
	lookupFunc  func(ctx context.Context, req *models.LookupRequest) (*models.LookupResult, error)
}

func (m *mockQueryService) Execute(ctx context.Context, req *models.SQLRequest) (*models.QueryResult, error) {
	return m.executeFunc(ctx, req)
}

func (m *mockQueryService) ExplainAnalyze(ctx context.Context, stmt string) (*models.PlanAnalysis, error) {
	return nil, errors.New(errors.CodeInternal, "not used")
}

func (m *mockQueryService) Lookup(ctx context.Context, req *models.LookupRequest) (*models.LookupResult, error) {
	return m.lookupFunc(ctx, req)
}

type mockIndexService struct {
	manageFunc func(ctx context.Context, req *models.IndexRequest) (*models.IndexResult, error)
}

func (m *mockIndexService) Create(ctx context.Context, spec models.IndexSpec) (*models.IndexResult, error) {
	return nil, nil
}

func (m *mockIndexService) Drop(ctx context.Context, spec models.IndexSpec) (*models.IndexResult, error) {
	return nil, nil
}

func (m *mockIndexService) Manage(ctx context.Context, req *models.IndexRequest) (*models.IndexResult, error) {
	return m.manageFunc(ctx, req)
}

func (m *mockIndexService) Apply(ctx context.Context, family []models.IndexSpec, keep []models.IndexSpec) error {
	return nil
}

type mockExperimentService struct {
	runStepFunc func(ctx context.Context, req *models.StepRequest) (*models.StepResult, error)
	seededFunc  func(ctx context.Context, family models.Family) (*models.SeedStatus, error)
}

func (m *mockExperimentService) RunStep(ctx context.Context, req *models.StepRequest) (*models.StepResult, error) {
	return m.runStepFunc(ctx, req)
}

func (m *mockExperimentService) CheckSeeded(ctx context.Context, family models.Family) (*models.SeedStatus, error) {
	return m.seededFunc(ctx, family)
}

func (m *mockExperimentService) Catalog() []models.StepDefinition {
	return []models.StepDefinition{{Family: models.FamilyWriteCost, StepID: "0", SeedsData: true}}
}

type staticHealth bool

func (s staticHealth) Healthy() bool { return bool(s) }
func (s staticHealth) Enabled() bool { return bool(s) }

type fixture struct {
	router      http.Handler
	queries     *mockQueryService
	indexes     *mockIndexService
	experiments *mockExperimentService
}

func setupTestRouter(healthy bool) *fixture {
	f := &fixture{
		queries:     &mockQueryService{},
		indexes:     &mockIndexService{},
		experiments: &mockExperimentService{},
	}
	logger := &mockLogger{}
	health := NewHealthHandler(staticHealth(healthy), staticHealth(true))
	health.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	f.router = NewRouter(&Handlers{
		Query:      NewQueryHandler(f.queries, logger),
		Index:      NewIndexHandler(f.indexes, logger),
		Experiment: NewExperimentHandler(f.experiments, logger),
		Health:     health,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestRunSQL_Success(t *testing.T) {
	f := setupTestRouter(true)

	var got *models.SQLRequest
	f.queries.executeFunc = func(ctx context.Context, req *models.SQLRequest) (*models.QueryResult, error) {
		got = req
		return &models.QueryResult{
			Rows:          []models.Row{{"id": 1}},
			RowCount:      1,
			Source:        models.SourceCache,
			StatementType: "SELECT",
			Scan:          models.ScanInfo{Strategy: models.ScanNotApplicable},
		}, nil
	}

	rec, body := f.do(t, http.MethodPost, "/api/sql", `{"query": "SELECT 1", "useCache": true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NotNil(t, got)
	assert.Equal(t, "SELECT 1", got.Query)
	assert.True(t, got.UseCache)
	assert.Equal(t, "cache", body["source"])
	assert.Equal(t, float64(1), body["rowCount"])
	scan := body["scan"].(map[string]interface{})
	assert.Equal(t, "not_applicable", scan["strategy"])
}

func TestRunSQL_QueryErrorIsStructured(t *testing.T) {
	f := setupTestRouter(true)

	f.queries.executeFunc = func(ctx context.Context, req *models.SQLRequest) (*models.QueryResult, error) {
		return nil, errors.New(errors.CodeSyntaxError, `syntax error at or near "FROMM"`).WithPosition("", 10)
	}

	rec, body := f.do(t, http.MethodPost, "/api/sql", `{"query": "SELECT * FROMM t"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["error"])
	assert.Equal(t, `syntax error at or near "FROMM"`, body["message"])
	assert.Equal(t, defaultSQLDetail, body["detail"])
	assert.Equal(t, float64(10), body["position"])
	assert.Equal(t, errors.CodeSyntaxError, body["code"])
}

func TestRunSQL_TimeoutIsNotReportedAsSyntaxError(t *testing.T) {
	f := setupTestRouter(true)

	for _, code := range []string{
		errors.CodeDeadlineExceeded,
		errors.CodeUnavailable,
		errors.CodeCanceled,
		errors.CodeResourceExhausted,
	} {
		t.Run(code, func(t *testing.T) {
			f.queries.executeFunc = func(ctx context.Context, req *models.SQLRequest) (*models.QueryResult, error) {
				return nil, errors.Wrap(context.DeadlineExceeded, code, "statement exceeded its time limit").AsRetryable()
			}

			rec, body := f.do(t, http.MethodPost, "/api/sql", `{"query": "SELECT pg_sleep(60)"}`)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, code, body["code"])
			assert.Equal(t, true, body["retryable"])
			assert.NotContains(t, body, "detail")
		})
	}
}

func TestRunSQL_EngineDetailIsKept(t *testing.T) {
	f := setupTestRouter(true)

	f.queries.executeFunc = func(ctx context.Context, req *models.SQLRequest) (*models.QueryResult, error) {
		return nil, errors.New(errors.CodeDeadlineExceeded, "canceling statement due to statement timeout").
			WithPosition("statement ran longer than 30s", 0).AsRetryable()
	}

	rec, body := f.do(t, http.MethodPost, "/api/sql", `{"query": "SELECT pg_sleep(60)"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "statement ran longer than 30s", body["detail"])
	assert.Equal(t, true, body["retryable"])
	assert.NotContains(t, body, "position")
}

func TestRunSQL_Rejected(t *testing.T) {
	f := setupTestRouter(true)

	f.queries.executeFunc = func(ctx context.Context, req *models.SQLRequest) (*models.QueryResult, error) {
		return nil, errors.New(errors.CodeRejected, "statement rejected by safety guard").WithDetail("fragment", "drop table")
	}

	rec, body := f.do(t, http.MethodPost, "/api/sql", `{"query": "DROP TABLE t"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.CodeRejected, body["code"])
	assert.Equal(t, "drop table", body["fragment"])
}

func TestRunSQL_MalformedBody(t *testing.T) {
	f := setupTestRouter(true)

	rec, body := f.do(t, http.MethodPost, "/api/sql", `{"query": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.CodeInvalidRequest, body["code"])
}

func TestRunSQL_MethodNotAllowed(t *testing.T) {
	f := setupTestRouter(true)

	rec, _ := f.do(t, http.MethodGet, "/api/sql", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRunQuery(t *testing.T) {
	f := setupTestRouter(true)

	var got *models.LookupRequest
	f.queries.lookupFunc = func(ctx context.Context, req *models.LookupRequest) (*models.LookupResult, error) {
		got = req
		return &models.LookupResult{Rows: []models.Row{{"email": "a@b.c"}}, RowCount: 1, DurationMs: 1.5, Source: models.SourceDatabase}, nil
	}

	rec, body := f.do(t, http.MethodPost, "/api/query", `{"table": "users_large", "column": "email", "value": "a@b.c"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "users_large", got.Table)
	assert.Equal(t, "a@b.c", got.Value)
	assert.Equal(t, float64(1), body["rows"])
	assert.Equal(t, 1.5, body["duration"])
	assert.Equal(t, "database", body["source"])
	assert.Len(t, body["data"], 1)
}

func TestRunQuery_InvalidIdentifier(t *testing.T) {
	f := setupTestRouter(true)

	f.queries.lookupFunc = func(ctx context.Context, req *models.LookupRequest) (*models.LookupResult, error) {
		return nil, errors.Newf(errors.CodeInvalidRequest, "invalid table name %q", req.Table)
	}

	rec, body := f.do(t, http.MethodPost, "/api/query", `{"table": "users;", "column": "email", "value": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, true, body["error"])
}

func TestManageIndex(t *testing.T) {
	f := setupTestRouter(true)

	var got *models.IndexRequest
	f.indexes.manageFunc = func(ctx context.Context, req *models.IndexRequest) (*models.IndexResult, error) {
		got = req
		return &models.IndexResult{Success: true, Name: "idx_users_large_email", Message: "Index idx_users_large_email created successfully.", DurationMs: 812.5}, nil
	}

	rec, body := f.do(t, http.MethodPost, "/api/manage-index", `{"action": "create", "table": "users_large", "column": "email", "type": "btree"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.IndexActionCreate, got.Action)
	assert.Equal(t, "email", got.Column)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Index idx_users_large_email created successfully.", body["message"])
	assert.Equal(t, 812.5, body["duration"])
}

func TestManageIndex_Failure(t *testing.T) {
	f := setupTestRouter(true)

	f.indexes.manageFunc = func(ctx context.Context, req *models.IndexRequest) (*models.IndexResult, error) {
		return nil, errors.New(errors.CodeIndexOperationFailed, "relation \"nope\" does not exist")
	}

	rec, body := f.do(t, http.MethodPost, "/api/manage-index", `{"action": "create", "table": "nope", "column": "c"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, errors.CodeIndexOperationFailed, body["code"])
}

func TestModifyData_LadderStepAcceptsNumber(t *testing.T) {
	f := setupTestRouter(true)

	var got *models.StepRequest
	f.experiments.runStepFunc = func(ctx context.Context, req *models.StepRequest) (*models.StepResult, error) {
		got = req
		return &models.StepResult{
			RunID:        "run-1",
			Family:       req.Family,
			Step:         req.Step,
			Scan:         models.ScanInfo{Strategy: models.ScanNotApplicable},
			RowsReturned: 100000,
			DurationMs:   312,
			IndexSet:     []string{"idx_insert_test_col1"},
			Session:      &models.LadderSession{Completed: []int{0, 1}},
		}, nil
	}

	rec, body := f.do(t, http.MethodPost, "/api/modify-data", `{"action": "index_cost_test", "step": 1, "session": {"completed": [0]}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, models.FamilyWriteCost, got.Family)
	assert.Equal(t, "1", got.Step)
	assert.Equal(t, []int{0}, got.Session.Completed)

	assert.Equal(t, float64(312), body["duration"])
	assert.Equal(t, "idx_insert_test_col1", body["idxName"])
	session := body["session"].(map[string]interface{})
	assert.Equal(t, []interface{}{float64(0), float64(1)}, session["completed"])
	details := body["details"].(map[string]interface{})
	assert.Equal(t, "N/A", details["indexName"])
}

func TestModifyData_SelectivityRun(t *testing.T) {
	f := setupTestRouter(true)

	var got *models.StepRequest
	f.experiments.runStepFunc = func(ctx context.Context, req *models.StepRequest) (*models.StepResult, error) {
		got = req
		return &models.StepResult{
			Family:      req.Family,
			Step:        req.Step,
			Threshold:   req.Threshold,
			Scan:        models.ScanInfo{Strategy: models.ScanBitmapOrOther, NodeType: "Bitmap Heap Scan", IndexName: "idx_data_score"},
			RowsScanned: 20000,
			IndexName:   "idx_data_score",
			IndexSet:    []string{"idx_data_score"},
		}, nil
	}

	rec, body := f.do(t, http.MethodPost, "/api/modify-data", `{"action": "selectivity_test", "step": "run", "threshold": 10}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.FamilySelectivity, got.Family)
	assert.Equal(t, 10.0, got.Threshold)

	details := body["details"].(map[string]interface{})
	assert.Equal(t, "Bitmap Heap Scan", details["scanType"])
	assert.Equal(t, float64(20000), details["rowsScanned"])
	assert.Equal(t, "idx_data_score", details["indexName"])
	assert.Equal(t, float64(10), body["threshold"])
}

func TestModifyData_OutOfOrder(t *testing.T) {
	f := setupTestRouter(true)

	f.experiments.runStepFunc = func(ctx context.Context, req *models.StepRequest) (*models.StepResult, error) {
		return nil, errors.New(errors.CodeStepOutOfOrder, "step 2 requires step 1 to have been run first")
	}

	rec, body := f.do(t, http.MethodPost, "/api/modify-data", `{"action": "index_cost_test", "step": 2}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errors.CodeStepOutOfOrder, body["code"])
}

func TestModifyData_CheckCompositeData(t *testing.T) {
	f := setupTestRouter(true)

	f.experiments.seededFunc = func(ctx context.Context, family models.Family) (*models.SeedStatus, error) {
		assert.Equal(t, models.FamilyComposite, family)
		return &models.SeedStatus{Family: family, Count: 1000000}, nil
	}

	rec, body := f.do(t, http.MethodPost, "/api/modify-data", `{"action": "check_composite_data"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1000000), body["count"])
}

func TestModifyData_BadInput(t *testing.T) {
	f := setupTestRouter(true)

	rec, body := f.do(t, http.MethodPost, "/api/modify-data", `{"action": "drop_everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.CodeInvalidRequest, body["code"])

	rec, _ = f.do(t, http.MethodPost, "/api/modify-data", `{"action": "index_cost_test", "step": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExperimentRoutes(t *testing.T) {
	f := setupTestRouter(true)

	var got *models.StepRequest
	f.experiments.runStepFunc = func(ctx context.Context, req *models.StepRequest) (*models.StepResult, error) {
		got = req
		return &models.StepResult{Family: req.Family, Step: req.Step, IndexSet: []string{}}, nil
	}
	f.experiments.seededFunc = func(ctx context.Context, family models.Family) (*models.SeedStatus, error) {
		return &models.SeedStatus{Family: family, Count: 42}, nil
	}

	rec, body := f.do(t, http.MethodPost, "/api/experiments/composite/steps/test_status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.FamilyComposite, got.Family)
	assert.Equal(t, "test_status", got.Step)
	assert.Equal(t, "No Index", body["idxName"])

	rec, body = f.do(t, http.MethodGet, "/api/experiments/selectivity/seeded", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(42), body["count"])
	assert.Equal(t, "selectivity", body["family"])

	rec, _ = f.do(t, http.MethodGet, "/api/experiments", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"family":"write_cost"`)
}

func TestHealth(t *testing.T) {
	rec, body := setupTestRouter(true).do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "healthy", body["database"])
	assert.Equal(t, "2024-05-01T12:00:00Z", body["timestamp"])

	_, body = setupTestRouter(false).do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unhealthy", body["database"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{errors.CodeInvalidRequest, http.StatusBadRequest},
		{errors.CodeNotFound, http.StatusNotFound},
		{errors.CodeStepOutOfOrder, http.StatusConflict},
		{errors.CodeDeadlineExceeded, http.StatusGatewayTimeout},
		{errors.CodeUnavailable, http.StatusServiceUnavailable},
		{errors.CodeQueryFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(errors.New(tt.code, "x")), tt.code)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
