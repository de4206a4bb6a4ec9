package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/infrastructure/metrics"
	"github.com/TFMV/queryscope/pkg/models"
	"github.com/TFMV/queryscope/pkg/plan"
	"github.com/TFMV/queryscope/pkg/repositories"
)

// DefaultQueryTimeout bounds every executor call.
const DefaultQueryTimeout = 30 * time.Second

const (
	noteServedFromCache = "served from cache; no plan was produced"
	noteCacheDegraded   = "cache unavailable; result served from the database"
	noteModifyNoPreview = "data-modifying statement ran under EXPLAIN ANALYZE; no row preview is available"
	noteExplainAnalyze  = "EXPLAIN ANALYZE runs the statement; the duration reflects a real execution"
	noteUtility         = "utility command; no plan classification"
)

// QueryServiceConfig tunes the executor.
type QueryServiceConfig struct {
	QueryTimeout time.Duration
}

// queryService implements QueryService interface.
type queryService struct {
	repo       repositories.QueryRepository
	cache      ResultCache
	logger     Logger
	metrics    MetricsCollector
	classifier *StatementClassifier
	timeout    time.Duration
}

// NewQueryService creates a new query service. cache may be nil.
func NewQueryService(
	repo repositories.QueryRepository,
	cache ResultCache,
	logger Logger,
	metrics MetricsCollector,
	cfg QueryServiceConfig,
) QueryService {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return &queryService{
		repo:       repo,
		cache:      cache,
		logger:     logger,
		metrics:    metrics,
		classifier: NewStatementClassifier(),
		timeout:    cfg.QueryTimeout,
	}
}

// Execute classifies the statement and runs it on the path its type requires.
func (s *queryService) Execute(ctx context.Context, req *models.SQLRequest) (*models.QueryResult, error) {
	serverStart := time.Now()

	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, errors.New(errors.CodeInvalidRequest, errors.ErrEmptyQuery.Message)
	}

	verdict := s.classifier.Classify(req.Query)
	if !verdict.Allowed {
		s.metrics.IncrementCounter(metrics.SafetyRejectionsTotal)
		s.logger.Warn("Statement rejected by safety guard", "fragment", verdict.Fragment)
		return nil, errors.New(errors.CodeRejected, verdict.Reason).WithDetail("fragment", verdict.Fragment)
	}

	s.logger.Debug("Executing statement", "type", verdict.Type.String(), "use_cache", req.UseCache)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result := &models.QueryResult{
		Rows:          []models.Row{},
		Source:        models.SourceDatabase,
		StatementType: verdict.Type.String(),
	}

	var err error
	switch verdict.Type {
	case StatementTypeSelect:
		err = s.executeSelect(ctx, req, result)
	case StatementTypeModify:
		err = s.executeModify(ctx, req.Query, result)
	case StatementTypeExplain:
		err = s.executeExplain(ctx, req.Query, verdict, result)
	default:
		err = s.executeUtility(ctx, req.Query, verdict, result)
	}

	if err != nil {
		s.metrics.IncrementCounter(metrics.QueryErrorsTotal, "type", verdict.Type.String(), "code", errors.GetCode(err))
		s.logger.Error("Statement failed", "type", verdict.Type.String(), "error", err)
		return nil, err
	}

	result.ServerDurationMs = durationMs(time.Since(serverStart))

	s.metrics.IncrementCounter(metrics.QueriesTotal, "type", verdict.Type.String(), "source", string(result.Source))
	if result.Source == models.SourceDatabase {
		s.metrics.RecordHistogram(metrics.QueryDBDuration, result.DBDurationMs/1000, "type", verdict.Type.String())
	}
	s.metrics.RecordHistogram(metrics.QueryServerDuration, result.ServerDurationMs/1000, "type", verdict.Type.String())

	s.logger.Info("Statement executed",
		"type", verdict.Type.String(),
		"source", string(result.Source),
		"rows", result.RowCount,
		"scan", result.Scan.Strategy.String(),
		"db_ms", result.DBDurationMs,
		"server_ms", result.ServerDurationMs)

	return result, nil
}

func (s *queryService) executeSelect(ctx context.Context, req *models.SQLRequest, result *models.QueryResult) error {
	useCache := req.UseCache && s.cache != nil && s.cache.Enabled()

	if useCache {
		rows, found, err := s.cache.LoadRows(ctx, req.Query)
		switch {
		case err != nil:
			s.metrics.IncrementCounter(metrics.CacheErrorsTotal, "op", "load")
			s.logger.Warn("Cache lookup failed", "error", err)
			result.AddNote(noteCacheDegraded)
		case found:
			s.metrics.IncrementCounter(metrics.CacheHitsTotal)
			result.Rows = rows
			result.RowCount = int64(len(rows))
			result.Source = models.SourceCache
			result.Scan = models.ScanInfo{Strategy: models.ScanNotApplicable, Note: noteServedFromCache}
			return nil
		default:
			s.metrics.IncrementCounter(metrics.CacheMissesTotal)
		}
	}

	rows, elapsed, err := s.repo.Query(ctx, req.Query)
	if err != nil {
		return err
	}
	result.Rows = rows
	result.RowCount = int64(len(rows))
	result.DBDurationMs = durationMs(elapsed)

	applyAnalysis(result, s.explain(ctx, req.Query))

	if useCache {
		if err := s.cache.StoreRows(ctx, req.Query, rows); err != nil {
			s.metrics.IncrementCounter(metrics.CacheErrorsTotal, "op", "store")
			s.logger.Warn("Cache store failed", "error", err)
		}
	}
	return nil
}

// executeModify runs only the EXPLAIN ANALYZE form so the statement executes
// exactly once.
func (s *queryService) executeModify(ctx context.Context, query string, result *models.QueryResult) error {
	raw, err := s.repo.ExplainAnalyze(ctx, query)
	if err != nil {
		return err
	}

	analysis := plan.Parse(raw)
	if analysis.Scan.Strategy == models.ScanExplainFailed {
		s.metrics.IncrementCounter(metrics.ExplainFailuresTotal)
	}
	applyAnalysis(result, analysis)
	result.RowCount = analysis.RowsReturned
	result.DBDurationMs = analysis.DurationMs()
	result.AddNote(noteModifyNoPreview)
	return nil
}

func (s *queryService) executeExplain(ctx context.Context, query string, verdict Verdict, result *models.QueryResult) error {
	rows, elapsed, err := s.repo.Query(ctx, query)
	if err != nil {
		return err
	}
	result.Rows = rows
	result.RowCount = int64(len(rows))
	result.DBDurationMs = durationMs(elapsed)
	result.Scan = models.ScanInfo{Strategy: models.ScanNotApplicable, Note: "plan returned as rows"}
	if verdict.Executes {
		result.AddNote(noteExplainAnalyze)
	}
	return nil
}

// executeUtility returns rows for statements that produce them and the
// rows-affected count for the rest.
func (s *queryService) executeUtility(ctx context.Context, query string, verdict Verdict, result *models.QueryResult) error {
	result.Scan = models.ScanInfo{Strategy: models.ScanUtilityCommand, Note: noteUtility}

	if verdict.ReturnsRows {
		rows, elapsed, err := s.repo.Query(ctx, query)
		if err != nil {
			return err
		}
		result.Rows = rows
		result.RowCount = int64(len(rows))
		result.DBDurationMs = durationMs(elapsed)
		return nil
	}

	res, err := s.repo.Exec(ctx, query)
	if err != nil {
		return err
	}
	result.RowCount = res.RowsAffected
	result.DBDurationMs = res.DurationMs
	return nil
}

// explain obtains and analyzes the plan of an already executed query. Any
// failure is folded into an ExplainFailed analysis.
func (s *queryService) explain(ctx context.Context, query string) *models.PlanAnalysis {
	raw, err := s.repo.ExplainAnalyze(ctx, query)
	if err != nil {
		s.metrics.IncrementCounter(metrics.ExplainFailuresTotal)
		s.logger.Warn("Explain failed", "error", err)
		return plan.Failed(errors.GetMessage(err))
	}

	analysis := plan.Parse(raw)
	if analysis.Scan.Strategy == models.ScanExplainFailed {
		s.metrics.IncrementCounter(metrics.ExplainFailuresTotal)
		s.logger.Warn("Explain output could not be decoded", "reason", analysis.Scan.Note)
	}
	return analysis
}

func applyAnalysis(result *models.QueryResult, a *models.PlanAnalysis) {
	result.Scan = a.Scan
	result.TopCostNodes = a.TopCost
	result.PlanningMs = a.PlanningMs
	result.ExecutionMs = a.ExecutionMs
	result.TotalCost = a.TotalCost
}

// ExplainAnalyze runs a trusted statement under EXPLAIN ANALYZE. The caller's
// context governs the timeout so bulk statements can outlive the query limit.
func (s *queryService) ExplainAnalyze(ctx context.Context, stmt string) (*models.PlanAnalysis, error) {
	raw, err := s.repo.ExplainAnalyze(ctx, stmt)
	if err != nil {
		return nil, err
	}

	analysis := plan.Parse(raw)
	if analysis.Scan.Strategy == models.ScanExplainFailed {
		s.metrics.IncrementCounter(metrics.ExplainFailuresTotal)
	}
	return analysis, nil
}

// Lookup runs SELECT * FROM table WHERE column = $1 without cache or plan.
func (s *queryService) Lookup(ctx context.Context, req *models.LookupRequest) (*models.LookupResult, error) {
	if req == nil {
		return nil, errors.New(errors.CodeInvalidRequest, "lookup request is required")
	}
	query, err := lookupSQL(req.Table, req.Column)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, elapsed, err := s.repo.Query(ctx, query, req.Value)
	if err != nil {
		s.metrics.IncrementCounter(metrics.QueryErrorsTotal, "type", "LOOKUP", "code", errors.GetCode(err))
		s.logger.Error("Lookup failed", "table", req.Table, "column", req.Column, "error", err)
		return nil, err
	}

	s.metrics.IncrementCounter(metrics.QueriesTotal, "type", "LOOKUP", "source", string(models.SourceDatabase))
	s.metrics.RecordHistogram(metrics.QueryDBDuration, elapsed.Seconds(), "type", "LOOKUP")

	return &models.LookupResult{
		Rows:       rows,
		RowCount:   int64(len(rows)),
		DurationMs: durationMs(elapsed),
		Source:     models.SourceDatabase,
	}, nil
}

func lookupSQL(table, column string) (string, error) {
	if !models.ValidIdentifier(table) {
		return "", errors.Newf(errors.CodeInvalidRequest, "invalid table name %q", table)
	}
	if !models.ValidIdentifier(column) {
		return "", errors.Newf(errors.CodeInvalidRequest, "invalid column name %q", column)
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = $1",
		pgx.Identifier{strings.ToLower(table)}.Sanitize(),
		pgx.Identifier{strings.ToLower(column)}.Sanitize()), nil
}
