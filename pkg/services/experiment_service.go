package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/infrastructure/metrics"
	"github.com/TFMV/queryscope/pkg/models"
	"github.com/TFMV/queryscope/pkg/repositories"
)

const (
	writeCostTable   = "insert_test"
	selectivityTable = "data"
	compositeTable   = "orders"

	// CompositeQuery is the statement timed by every composite test step.
	CompositeQuery = "SELECT * FROM orders WHERE status = 'Active' ORDER BY created_at DESC LIMIT 1000"
)

var writeCostColumns = []string{"col1", "col2", "col3", "col4"}

// ExperimentConfig holds table sizes and limits for the experiment families.
type ExperimentConfig struct {
	WriteCostRows    int
	SelectivityRows  int
	CompositeRows    int
	MinorityFraction float64
	Timeout          time.Duration
}

// DefaultExperimentConfig returns the standard sizes.
func DefaultExperimentConfig() ExperimentConfig {
	return ExperimentConfig{
		WriteCostRows:    100000,
		SelectivityRows:  200000,
		CompositeRows:    1000000,
		MinorityFraction: 0.02,
		Timeout:          5 * time.Minute,
	}
}

func (c *ExperimentConfig) setDefaults() {
	d := DefaultExperimentConfig()
	if c.WriteCostRows <= 0 {
		c.WriteCostRows = d.WriteCostRows
	}
	if c.SelectivityRows <= 0 {
		c.SelectivityRows = d.SelectivityRows
	}
	if c.CompositeRows <= 0 {
		c.CompositeRows = d.CompositeRows
	}
	if c.MinorityFraction <= 0 || c.MinorityFraction >= 1 {
		c.MinorityFraction = d.MinorityFraction
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// experimentService implements ExperimentService interface.
type experimentService struct {
	queries  QueryService
	repo     repositories.QueryRepository
	meta     repositories.MetadataRepository
	indexes  IndexService
	lane     *BulkLane
	logger   Logger
	metrics  MetricsCollector
	cfg      ExperimentConfig
	catalog  []models.StepDefinition
	newRunID func() string
}

// NewExperimentService creates a new experiment orchestrator. lane should be
// the same lane the index service uses.
func NewExperimentService(
	queries QueryService,
	repo repositories.QueryRepository,
	meta repositories.MetadataRepository,
	indexes IndexService,
	lane *BulkLane,
	logger Logger,
	metrics MetricsCollector,
	cfg ExperimentConfig,
) ExperimentService {
	cfg.setDefaults()
	if lane == nil {
		lane = NewBulkLane(1)
	}
	return &experimentService{
		queries:  queries,
		repo:     repo,
		meta:     meta,
		indexes:  indexes,
		lane:     lane,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		catalog:  buildCatalog(),
		newRunID: func() string { return uuid.New().String() },
	}
}

// ladderIndexes returns the write-cost indexes on col1..colk.
func ladderIndexes(k int) []models.IndexSpec {
	specs := make([]models.IndexSpec, 0, k)
	for i := 0; i < k && i < len(writeCostColumns); i++ {
		specs = append(specs, models.NewIndexSpec(writeCostTable, writeCostColumns[i]))
	}
	return specs
}

var (
	statusIndex    = models.NewIndexSpec(compositeTable, "status")
	dateIndex      = models.NewIndexSpec(compositeTable, "created_at")
	compositeIndex = models.NewIndexSpec(compositeTable, "status", "created_at")
	scoreIndex     = models.NewIndexSpec(selectivityTable, "score")

	compositeFamily = []models.IndexSpec{statusIndex, dateIndex, compositeIndex}

	compositeIndexSets = map[string][]models.IndexSpec{
		models.StepCompositeNone:      {},
		models.StepCompositeStatus:    {statusIndex},
		models.StepCompositeDate:      {dateIndex},
		models.StepCompositeComposite: {compositeIndex},
	}
)

func buildCatalog() []models.StepDefinition {
	var defs []models.StepDefinition
	for k := 0; k <= len(writeCostColumns); k++ {
		def := models.StepDefinition{
			Family:     models.FamilyWriteCost,
			StepID:     strconv.Itoa(k),
			IndexState: ladderIndexes(k),
			SeedsData:  true,
		}
		if k > 0 {
			def.RequiredPreceding = strconv.Itoa(k - 1)
		}
		defs = append(defs, def)
	}

	defs = append(defs,
		models.StepDefinition{Family: models.FamilySelectivity, StepID: models.StepSelectivitySeed, IndexState: []models.IndexSpec{scoreIndex}, SeedsData: true},
		models.StepDefinition{Family: models.FamilySelectivity, StepID: models.StepSelectivityCheck},
		models.StepDefinition{Family: models.FamilySelectivity, StepID: models.StepSelectivityRun, RequiresSeed: true},
		models.StepDefinition{Family: models.FamilyComposite, StepID: models.StepCompositeReset, SeedsData: true},
		models.StepDefinition{Family: models.FamilyComposite, StepID: models.StepCompositeCheck},
	)
	for _, step := range []string{models.StepCompositeNone, models.StepCompositeStatus, models.StepCompositeDate, models.StepCompositeComposite} {
		defs = append(defs, models.StepDefinition{
			Family:       models.FamilyComposite,
			StepID:       step,
			IndexState:   compositeIndexSets[step],
			RequiresSeed: true,
		})
	}
	return defs
}

// Catalog lists every known step.
func (s *experimentService) Catalog() []models.StepDefinition {
	return append([]models.StepDefinition(nil), s.catalog...)
}

// RunStep executes one step of a family under the experiment timeout.
func (s *experimentService) RunStep(ctx context.Context, req *models.StepRequest) (*models.StepResult, error) {
	if req == nil {
		return nil, errors.New(errors.CodeInvalidRequest, "step request is required")
	}
	if !req.Family.Valid() {
		return nil, errors.Newf(errors.CodeInvalidRequest, "unknown experiment family %q", req.Family)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.logger.Info("Running experiment step", "family", string(req.Family), "step", req.Step)

	var (
		result *models.StepResult
		err    error
	)
	elapsed, _ := timed(func() error {
		switch req.Family {
		case models.FamilyWriteCost:
			result, err = s.runWriteCost(ctx, req)
		case models.FamilySelectivity:
			result, err = s.runSelectivity(ctx, req)
		case models.FamilyComposite:
			result, err = s.runComposite(ctx, req)
		}
		return err
	})

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.IncrementCounter(metrics.ExperimentStepsTotal, "family", string(req.Family), "step", req.Step, "outcome", outcome)
	s.metrics.RecordHistogram(metrics.ExperimentStepDuration, elapsed.Seconds(), "family", string(req.Family))

	if err != nil {
		s.logger.Error("Experiment step failed", "family", string(req.Family), "step", req.Step, "error", err)
		return nil, err
	}

	result.RunID = s.newRunID()
	result.Family = req.Family
	result.Step = req.Step
	s.logger.Info("Experiment step completed",
		"run_id", result.RunID,
		"family", string(req.Family),
		"step", req.Step,
		"scan", result.Scan.Label(),
		"duration_ms", result.DurationMs)
	return result, nil
}

// CheckSeeded reports the row count of a family's table.
func (s *experimentService) CheckSeeded(ctx context.Context, family models.Family) (*models.SeedStatus, error) {
	table, err := familyTable(family)
	if err != nil {
		return nil, err
	}
	count, err := s.meta.CountRows(ctx, table)
	if err != nil {
		return nil, err
	}
	return &models.SeedStatus{Family: family, Count: count}, nil
}

func familyTable(family models.Family) (string, error) {
	switch family {
	case models.FamilyWriteCost:
		return writeCostTable, nil
	case models.FamilySelectivity:
		return selectivityTable, nil
	case models.FamilyComposite:
		return compositeTable, nil
	default:
		return "", errors.Newf(errors.CodeInvalidRequest, "unknown experiment family %q", family)
	}
}

// runWriteCost runs ladder step k: k secondary indexes, then a timed bulk insert.
func (s *experimentService) runWriteCost(ctx context.Context, req *models.StepRequest) (*models.StepResult, error) {
	k, err := req.LadderStep()
	if err != nil || k > len(writeCostColumns) {
		return nil, errors.Newf(errors.CodeInvalidRequest, "write-cost step must be 0..%d, got %q", len(writeCostColumns), req.Step)
	}
	if k > 0 && !req.Session.Has(k-1) {
		return nil, errors.Newf(errors.CodeStepOutOfOrder, "step %d requires step %d to have been run first", k, k-1)
	}

	if k == 0 {
		err = s.lane.Run(ctx, func(ctx context.Context) error {
			return s.execAll(ctx,
				"DROP TABLE IF EXISTS "+writeCostTable,
				"CREATE TABLE "+writeCostTable+" (col1 integer, col2 integer, col3 integer, col4 integer)",
			)
		})
	} else {
		if err = s.indexes.Apply(ctx, ladderIndexes(len(writeCostColumns)), ladderIndexes(k)); err == nil {
			err = s.lane.Run(ctx, func(ctx context.Context) error {
				return s.execAll(ctx, "TRUNCATE "+writeCostTable)
			})
		}
	}
	if err != nil {
		return nil, err
	}

	var analysis *models.PlanAnalysis
	err = s.lane.Run(ctx, func(ctx context.Context) error {
		var err error
		analysis, err = s.queries.ExplainAnalyze(ctx, writeCostInsertSQL(s.cfg.WriteCostRows))
		return err
	})
	if err != nil {
		return nil, err
	}

	session := models.LadderSession{}
	if req.Session != nil && k > 0 {
		session = *req.Session
	}
	session = session.Advance(k)

	result := stepResult(analysis, ladderIndexes(k))
	result.TableRows = analysis.RowsReturned
	result.Session = &session
	result.Message = fmt.Sprintf("Inserted %d rows with %d secondary index(es).", analysis.RowsReturned, k)
	return result, nil
}

func writeCostInsertSQL(rows int) string {
	return fmt.Sprintf("INSERT INTO %s (col1, col2, col3, col4) "+
		"SELECT (random() * 1000000)::int, (random() * 1000000)::int, (random() * 1000000)::int, (random() * 1000000)::int "+
		"FROM generate_series(1, %d)", writeCostTable, rows)
}

func (s *experimentService) runSelectivity(ctx context.Context, req *models.StepRequest) (*models.StepResult, error) {
	switch req.Step {
	case models.StepSelectivitySeed:
		return s.seedSelectivity(ctx)
	case models.StepSelectivityCheck:
		return s.checkStep(ctx, models.FamilySelectivity)
	case models.StepSelectivityRun:
		if req.Threshold <= 0 || req.Threshold > 100 {
			return nil, errors.Newf(errors.CodeInvalidRequest, "threshold must be in (0, 100], got %v", req.Threshold)
		}
		count, err := s.requireSeed(ctx, models.FamilySelectivity)
		if err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf("SELECT * FROM %s WHERE score < %s",
			selectivityTable, strconv.FormatFloat(req.Threshold, 'f', -1, 64))
		analysis, err := s.queries.ExplainAnalyze(ctx, stmt)
		if err != nil {
			return nil, err
		}
		result := stepResult(analysis, []models.IndexSpec{scoreIndex})
		result.TableRows = count
		result.Threshold = req.Threshold
		result.Message = fmt.Sprintf("Returned %d of %d rows (score < %v).", analysis.RowsReturned, count, req.Threshold)
		return result, nil
	default:
		return nil, errors.Newf(errors.CodeInvalidRequest, "unknown selectivity step %q", req.Step)
	}
}

func (s *experimentService) seedSelectivity(ctx context.Context) (*models.StepResult, error) {
	elapsed, err := timed(func() error {
		err := s.lane.Run(ctx, func(ctx context.Context) error {
			return s.execAll(ctx,
				"DROP TABLE IF EXISTS "+selectivityTable,
				"CREATE TABLE "+selectivityTable+" (id bigserial PRIMARY KEY, score double precision NOT NULL)",
				fmt.Sprintf("INSERT INTO %s (score) SELECT random() * 100 FROM generate_series(1, %d)", selectivityTable, s.cfg.SelectivityRows),
			)
		})
		if err != nil {
			return err
		}
		if _, err := s.indexes.Create(ctx, scoreIndex); err != nil {
			return err
		}
		return s.meta.Analyze(ctx, selectivityTable)
	})
	if err != nil {
		return nil, err
	}
	return s.seededResult(ctx, models.FamilySelectivity, elapsed, []models.IndexSpec{scoreIndex})
}

func (s *experimentService) runComposite(ctx context.Context, req *models.StepRequest) (*models.StepResult, error) {
	switch req.Step {
	case models.StepCompositeReset:
		return s.resetComposite(ctx)
	case models.StepCompositeCheck:
		return s.checkStep(ctx, models.FamilyComposite)
	}

	keep, ok := compositeIndexSets[req.Step]
	if !ok {
		return nil, errors.Newf(errors.CodeInvalidRequest, "unknown composite step %q", req.Step)
	}
	count, err := s.requireSeed(ctx, models.FamilyComposite)
	if err != nil {
		return nil, err
	}
	if err := s.indexes.Apply(ctx, compositeFamily, keep); err != nil {
		return nil, err
	}
	if err := s.meta.Analyze(ctx, compositeTable); err != nil {
		return nil, err
	}

	analysis, err := s.queries.ExplainAnalyze(ctx, CompositeQuery)
	if err != nil {
		return nil, err
	}
	result := stepResult(analysis, keep)
	result.TableRows = count
	result.Message = fmt.Sprintf("%s via %s, %d rows scanned.", req.Step, analysis.Scan.Label(), analysis.RowsScanned)
	return result, nil
}

func (s *experimentService) resetComposite(ctx context.Context) (*models.StepResult, error) {
	elapsed, err := timed(func() error {
		err := s.lane.Run(ctx, func(ctx context.Context) error {
			return s.execAll(ctx,
				"DROP TABLE IF EXISTS "+compositeTable,
				"CREATE TABLE "+compositeTable+" (id bigserial PRIMARY KEY, status text NOT NULL, created_at timestamptz NOT NULL)",
				compositeSeedSQL(s.cfg.CompositeRows, s.cfg.MinorityFraction),
			)
		})
		if err != nil {
			return err
		}
		return s.meta.Analyze(ctx, compositeTable)
	})
	if err != nil {
		return nil, err
	}
	return s.seededResult(ctx, models.FamilyComposite, elapsed, nil)
}

// compositeSeedSQL skews status so 'Active' is a small minority and spreads
// created_at over the past year.
func compositeSeedSQL(rows int, minority float64) string {
	return fmt.Sprintf("INSERT INTO %s (status, created_at) "+
		"SELECT CASE WHEN random() < %s THEN 'Active' "+
		"ELSE (ARRAY['Completed', 'Cancelled', 'Pending'])[1 + floor(random() * 3)::int] END, "+
		"now() - random() * interval '365 days' "+
		"FROM generate_series(1, %d)",
		compositeTable, strconv.FormatFloat(minority, 'f', -1, 64), rows)
}

func (s *experimentService) checkStep(ctx context.Context, family models.Family) (*models.StepResult, error) {
	status, err := s.CheckSeeded(ctx, family)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("%d rows present.", status.Count)
	if !status.Seeded() {
		msg = "No data; run the seed step first."
	}
	return &models.StepResult{
		Scan:      models.ScanInfo{Strategy: models.ScanNotApplicable},
		TableRows: status.Count,
		IndexSet:  []string{},
		Message:   msg,
	}, nil
}

func (s *experimentService) seededResult(ctx context.Context, family models.Family, elapsed time.Duration, indexes []models.IndexSpec) (*models.StepResult, error) {
	status, err := s.CheckSeeded(ctx, family)
	if err != nil {
		return nil, err
	}
	return &models.StepResult{
		Scan:       models.ScanInfo{Strategy: models.ScanNotApplicable},
		DurationMs: durationMs(elapsed),
		TableRows:  status.Count,
		IndexSet:   indexNames(indexes),
		Message:    fmt.Sprintf("Seeded %d rows.", status.Count),
	}, nil
}

// requireSeed fails with STEP_OUT_OF_ORDER when the family's table is empty.
func (s *experimentService) requireSeed(ctx context.Context, family models.Family) (int64, error) {
	status, err := s.CheckSeeded(ctx, family)
	if err != nil {
		return 0, err
	}
	if !status.Seeded() {
		return 0, errors.Newf(errors.CodeStepOutOfOrder, "%s has no data; seed it first", family)
	}
	return status.Count, nil
}

func (s *experimentService) execAll(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := s.repo.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func stepResult(a *models.PlanAnalysis, indexes []models.IndexSpec) *models.StepResult {
	return &models.StepResult{
		Scan:         a.Scan,
		RowsScanned:  a.RowsScanned,
		RowsRemoved:  a.RowsRemoved,
		RowsReturned: a.RowsReturned,
		Cost:         a.TotalCost,
		DurationMs:   a.DurationMs(),
		IndexName:    a.Scan.IndexName,
		IndexSet:     indexNames(indexes),
	}
}

func indexNames(specs []models.IndexSpec) []string {
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name()
	}
	return names
}
