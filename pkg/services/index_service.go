package services

import (
	"context"
	"fmt"
	"time"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/infrastructure/metrics"
	"github.com/TFMV/queryscope/pkg/models"
	"github.com/TFMV/queryscope/pkg/repositories"
)

// DefaultIndexTimeout bounds a single index build or drop.
const DefaultIndexTimeout = 5 * time.Minute

const blockingWarning = "Built without CONCURRENTLY: writes to the table were blocked while it ran."

// IndexServiceConfig tunes the index manager.
type IndexServiceConfig struct {
	// Concurrent selects CREATE/DROP INDEX CONCURRENTLY.
	Concurrent bool
	Timeout    time.Duration
}

// indexService implements IndexService interface.
type indexService struct {
	repo       repositories.IndexRepository
	lane       *BulkLane
	logger     Logger
	metrics    MetricsCollector
	concurrent bool
	timeout    time.Duration
}

// NewIndexService creates a new index service. Blocking builds and drops run
// on lane; CONCURRENTLY statements do not take a slot.
func NewIndexService(
	repo repositories.IndexRepository,
	lane *BulkLane,
	logger Logger,
	metrics MetricsCollector,
	cfg IndexServiceConfig,
) IndexService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultIndexTimeout
	}
	if lane == nil {
		lane = NewBulkLane(1)
	}
	return &indexService{
		repo:       repo,
		lane:       lane,
		logger:     logger,
		metrics:    metrics,
		concurrent: cfg.Concurrent,
		timeout:    cfg.Timeout,
	}
}

// Create builds spec's index. An INVALID index of the same name, left by an
// interrupted concurrent build, is dropped first so the build is retried.
func (s *indexService) Create(ctx context.Context, spec models.IndexSpec) (*models.IndexResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.New(errors.CodeInvalidRequest, err.Error())
	}
	name := spec.Name()

	elapsed, err := s.run(ctx, models.IndexActionCreate, func(ctx context.Context) error {
		info, err := s.repo.GetIndex(ctx, name)
		switch {
		case err == nil && !info.Valid:
			s.logger.Warn("Dropping invalid index before rebuild", "index", name)
			if err := s.repo.DropIndex(ctx, name, s.concurrent); err != nil {
				return err
			}
		case err != nil && !errors.IsNotFound(err):
			return err
		}
		return s.repo.CreateIndex(ctx, spec, s.concurrent)
	})
	if err != nil {
		s.logger.Error("Index creation failed", "index", name, "error", err)
		return nil, err
	}

	s.logger.Info("Index created", "index", name, "method", spec.AccessMethod(), "duration_ms", durationMs(elapsed))
	return s.result(name, "created", elapsed), nil
}

// Drop removes spec's index if it exists.
func (s *indexService) Drop(ctx context.Context, spec models.IndexSpec) (*models.IndexResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.New(errors.CodeInvalidRequest, err.Error())
	}
	name := spec.Name()

	elapsed, err := s.run(ctx, models.IndexActionDrop, func(ctx context.Context) error {
		return s.repo.DropIndex(ctx, name, s.concurrent)
	})
	if err != nil {
		s.logger.Error("Index drop failed", "index", name, "error", err)
		return nil, err
	}

	s.logger.Info("Index dropped", "index", name, "duration_ms", durationMs(elapsed))
	return s.result(name, "dropped", elapsed), nil
}

// Manage dispatches a create or drop request.
func (s *indexService) Manage(ctx context.Context, req *models.IndexRequest) (*models.IndexResult, error) {
	if req == nil {
		return nil, errors.New(errors.CodeInvalidRequest, "index request is required")
	}
	switch req.Action {
	case models.IndexActionCreate:
		return s.Create(ctx, req.Spec())
	case models.IndexActionDrop:
		return s.Drop(ctx, req.Spec())
	default:
		return nil, errors.Newf(errors.CodeInvalidRequest, "invalid action %q", req.Action)
	}
}

// Apply moves a family's index state to exactly keep.
func (s *indexService) Apply(ctx context.Context, family []models.IndexSpec, keep []models.IndexSpec) error {
	wanted := make(map[string]bool, len(keep))
	for _, spec := range keep {
		wanted[spec.Name()] = true
	}

	for _, spec := range family {
		if wanted[spec.Name()] {
			continue
		}
		if _, err := s.Drop(ctx, spec); err != nil {
			return err
		}
	}
	for _, spec := range keep {
		if _, err := s.Create(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

func (s *indexService) run(ctx context.Context, action models.IndexAction, fn func(ctx context.Context) error) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var elapsed time.Duration
	op := func(ctx context.Context) error {
		var err error
		elapsed, err = timed(func() error { return fn(ctx) })
		return err
	}

	var err error
	if s.concurrent {
		err = op(ctx)
	} else {
		err = s.lane.Run(ctx, op)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.IncrementCounter(metrics.IndexOperationsTotal, "action", string(action), "outcome", outcome)
	s.metrics.RecordHistogram(metrics.IndexOperationDuration, elapsed.Seconds(), "action", string(action))
	return elapsed, err
}

func (s *indexService) result(name, verb string, elapsed time.Duration) *models.IndexResult {
	r := &models.IndexResult{
		Success:    true,
		Name:       name,
		Message:    fmt.Sprintf("Index %s %s successfully.", name, verb),
		DurationMs: durationMs(elapsed),
		Blocking:   !s.concurrent,
	}
	if !s.concurrent {
		r.Message += " " + blockingWarning
	}
	return r
}
