// Package pool provides the PostgreSQL connection pool shared by the query
// executor, the index manager and the experiment orchestrator.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/infrastructure/metrics"
)

// DriverName is the database/sql driver registered by pgx.
const DriverName = "pgx"

// Health status values reported by Stats and HealthStatus.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Config represents pool configuration.
type Config struct {
	DSN                string        `json:"dsn"`
	MaxOpenConnections int           `json:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `json:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `json:"health_check_period"`
	ConnectionTimeout  time.Duration `json:"connection_timeout"`

	EnableCircuitBreaker    bool          `json:"enable_circuit_breaker"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout"`
	EnableSlowQueryLogging  bool          `json:"enable_slow_query_logging"`
	SlowQueryThreshold      time.Duration `json:"slow_query_threshold"`
}

func (cfg *Config) setDefaults() {
	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = 25
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 10 * time.Minute
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = 30 * time.Second
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = time.Second
	}
}

// ConnectionPool manages database connections.
type ConnectionPool interface {
	// Get returns the shared handle, or an error when the pool is closed or
	// the circuit breaker is open. It does not touch the network.
	Get(ctx context.Context) (*sql.DB, error)
	// Report feeds the outcome of a statement into the circuit breaker and
	// the slow query log.
	Report(query string, duration time.Duration, err error)
	// Stats returns pool statistics.
	Stats() PoolStats
	// HealthCheck probes the database and updates the cached status.
	HealthCheck(ctx context.Context) error
	// Healthy reports the status of the last health check without probing.
	Healthy() bool
	// OnHealthChange registers fn to be called when the status flips.
	OnHealthChange(fn func(healthy bool))
	// Close closes the connection pool.
	Close() error
}

// PoolStats represents connection pool statistics.
type PoolStats struct {
	OpenConnections     int           `json:"open_connections"`
	InUse               int           `json:"in_use"`
	Idle                int           `json:"idle"`
	WaitCount           int64         `json:"wait_count"`
	WaitDuration        time.Duration `json:"wait_duration"`
	MaxIdleClosed       int64         `json:"max_idle_closed"`
	MaxLifetimeClosed   int64         `json:"max_lifetime_closed"`
	LastHealthCheck     time.Time     `json:"last_health_check"`
	HealthCheckStatus   string        `json:"health_check_status"`
	CircuitBreakerState string        `json:"circuit_breaker_state,omitempty"`
	SlowQueries         int64         `json:"slow_queries"`
	QueryErrors         int64         `json:"query_errors"`
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of connection-level failures.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64
	lastFailureTime atomic.Int64
	threshold       int
	timeout         time.Duration
	now             func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// CanExecute checks if the circuit breaker allows execution.
func (cb *CircuitBreaker) CanExecute() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if cb.now().Sub(time.Unix(0, cb.lastFailureTime.Load())) > cb.timeout {
			return cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(cb.now().UnixNano())

	if failures >= int64(cb.threshold) || CircuitBreakerState(cb.state.Load()) == CircuitBreakerHalfOpen {
		cb.state.Store(int32(CircuitBreakerOpen))
	}
}

// GetState returns the current circuit breaker state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// GetFailures returns the current failure count.
func (cb *CircuitBreaker) GetFailures() int64 {
	return cb.failures.Load()
}

// QueryLogger logs slow and failed statements.
type QueryLogger struct {
	logger    zerolog.Logger
	threshold time.Duration
	enabled   bool
}

// NewQueryLogger creates a new query logger.
func NewQueryLogger(logger zerolog.Logger, threshold time.Duration, enabled bool) *QueryLogger {
	return &QueryLogger{
		logger:    logger,
		threshold: threshold,
		enabled:   enabled,
	}
}

// LogQuery logs query execution details. It reports whether the query was slow.
func (ql *QueryLogger) LogQuery(query string, duration time.Duration, err error) bool {
	slow := duration > ql.threshold
	if !ql.enabled {
		return slow
	}

	logEvent := ql.logger.Debug()
	if slow {
		logEvent = ql.logger.Warn().Bool("slow_query", true)
	}

	logEvent.
		Dur("duration", duration).
		Str("query", truncateQuery(query)).
		Bool("success", err == nil).
		Msg("Query executed")

	return slow
}

type connectionPool struct {
	db      *sql.DB
	config  Config
	logger  zerolog.Logger
	metrics metrics.Collector

	closed atomic.Bool

	lastHealthCheck atomic.Int64
	healthStatus    atomic.Value

	cancel context.CancelFunc
	wg     sync.WaitGroup

	waitCount    atomic.Int64
	waitDuration atomic.Int64
	slowQueries  atomic.Int64
	queryErrors  atomic.Int64

	circuitBreaker *CircuitBreaker
	queryLogger    *QueryLogger

	mu        sync.RWMutex
	listeners []func(bool)
}

// New opens a PostgreSQL pool through the pgx stdlib driver and verifies it
// with an initial health check.
func New(cfg Config, logger zerolog.Logger, collector metrics.Collector) (ConnectionPool, error) {
	if cfg.DSN == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRequest, "database DSN is required")
	}

	db, err := sql.Open(DriverName, cfg.DSN)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to open database")
	}

	return NewWithDB(db, cfg, logger, collector)
}

// NewWithDB builds a pool around an already opened handle.
func NewWithDB(db *sql.DB, cfg Config, logger zerolog.Logger, collector metrics.Collector) (ConnectionPool, error) {
	cfg.setDefaults()
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}

	logger.Info().
		Str("dsn", maskDSN(cfg.DSN)).
		Int("max_open", cfg.MaxOpenConnections).
		Int("max_idle", cfg.MaxIdleConnections).
		Dur("conn_lifetime", cfg.ConnMaxLifetime).
		Dur("conn_idle_time", cfg.ConnMaxIdleTime).
		Bool("circuit_breaker", cfg.EnableCircuitBreaker).
		Msg("Creating PostgreSQL connection pool")

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithCancel(context.Background())

	p := &connectionPool{
		db:          db,
		config:      cfg,
		logger:      logger,
		metrics:     collector,
		cancel:      cancel,
		queryLogger: NewQueryLogger(logger, cfg.SlowQueryThreshold, cfg.EnableSlowQueryLogging),
	}
	if cfg.EnableCircuitBreaker {
		p.circuitBreaker = NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)
	}
	p.healthStatus.Store(StatusUnknown)

	connCtx, connCancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer connCancel()

	if err := p.HealthCheck(connCtx); err != nil {
		cancel()
		db.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "initial health check failed")
	}

	if cfg.HealthCheckPeriod > 0 {
		p.wg.Add(1)
		go p.healthCheckRoutine(ctx)
	}

	logger.Info().Msg("PostgreSQL connection pool created")
	return p, nil
}

// Get returns the shared handle.
func (p *connectionPool) Get(ctx context.Context) (*sql.DB, error) {
	if p.closed.Load() {
		return nil, pkgerrors.New(pkgerrors.CodeUnavailable, "connection pool is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeCanceled, "context done before acquiring connection")
	}
	if p.circuitBreaker != nil && !p.circuitBreaker.CanExecute() {
		return nil, pkgerrors.New(pkgerrors.CodeUnavailable, "circuit breaker is open").AsRetryable()
	}

	p.waitCount.Add(1)
	return p.db, nil
}

// Report records a statement outcome.
func (p *connectionPool) Report(query string, duration time.Duration, err error) {
	p.waitDuration.Add(int64(duration))

	if p.queryLogger.LogQuery(query, duration, err) {
		p.slowQueries.Add(1)
	}
	if err != nil {
		p.queryErrors.Add(1)
	}

	if p.circuitBreaker == nil {
		return
	}
	if err != nil && isConnectionError(err) {
		p.circuitBreaker.RecordFailure()
		return
	}
	p.circuitBreaker.RecordSuccess()
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	dbStats := p.db.Stats()

	stats := PoolStats{
		OpenConnections:   dbStats.OpenConnections,
		InUse:             dbStats.InUse,
		Idle:              dbStats.Idle,
		WaitCount:         p.waitCount.Load(),
		WaitDuration:      time.Duration(p.waitDuration.Load()),
		MaxIdleClosed:     dbStats.MaxIdleClosed,
		MaxLifetimeClosed: dbStats.MaxLifetimeClosed,
		LastHealthCheck:   time.Unix(0, p.lastHealthCheck.Load()),
		HealthCheckStatus: p.getHealthStatus(),
		SlowQueries:       p.slowQueries.Load(),
		QueryErrors:       p.queryErrors.Load(),
	}
	if p.circuitBreaker != nil {
		stats.CircuitBreakerState = p.circuitBreaker.GetState().String()
	}
	return stats
}

// HealthCheck performs a health check on the pool.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return pkgerrors.New(pkgerrors.CodeUnavailable, "connection pool is closed")
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.updateHealthStatus(StatusUnhealthy, err.Error())
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "health check ping failed")
	}

	var result int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil || result != 1 {
		p.updateHealthStatus(StatusUnhealthy, "query test failed")
		if err == nil {
			err = errors.New("unexpected health check result")
		}
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "health check query failed")
	}

	p.updateHealthStatus(StatusHealthy, "")

	dbStats := p.db.Stats()
	p.metrics.RecordGauge(metrics.PoolOpenConnections, float64(dbStats.OpenConnections))
	p.metrics.RecordGauge(metrics.PoolInUseConnections, float64(dbStats.InUse))
	return nil
}

// Healthy reports the cached health status.
func (p *connectionPool) Healthy() bool {
	return !p.closed.Load() && p.getHealthStatus() == StatusHealthy
}

// OnHealthChange registers a status listener.
func (p *connectionPool) OnHealthChange(fn func(healthy bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Close closes the connection pool.
func (p *connectionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.logger.Info().Msg("Closing PostgreSQL connection pool")

	p.cancel()
	p.wg.Wait()
	p.notify(false)

	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close database")
	}
	return nil
}

// healthCheckRoutine performs periodic health checks until ctx is cancelled.
func (p *connectionPool) healthCheckRoutine(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	p.logger.Info().Dur("period", p.config.HealthCheckPeriod).Msg("Health check routine started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Health check routine stopped")
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := p.HealthCheck(probeCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Msg("Periodic health check failed")
			}
			cancel()
		}
	}
}

func (p *connectionPool) updateHealthStatus(status, detail string) {
	p.lastHealthCheck.Store(time.Now().UnixNano())
	previous := p.getHealthStatus()
	p.healthStatus.Store(status)

	if status == StatusUnhealthy && detail != "" {
		p.logger.Warn().
			Str("status", status).
			Str("detail", detail).
			Msg("Connection pool health status changed")
	}
	if previous != status {
		p.notify(status == StatusHealthy)
	}
}

func (p *connectionPool) notify(healthy bool) {
	p.mu.RLock()
	listeners := append([]func(bool){}, p.listeners...)
	p.mu.RUnlock()

	for _, fn := range listeners {
		fn(healthy)
	}
}

func (p *connectionPool) getHealthStatus() string {
	if v := p.healthStatus.Load(); v != nil {
		return v.(string)
	}
	return StatusUnknown
}

// isConnectionError reports errors that indicate the server is unreachable
// rather than a problem with the statement itself.
func isConnectionError(err error) bool {
	if pkgerrors.GetCode(err) == pkgerrors.CodeUnavailable {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"bad connection",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// maskDSN hides passwords and sensitive parameters in URL and keyword/value
// DSNs so they can be logged.
func maskDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	// keyword/value form: host=localhost password=secret
	if strings.Contains(dsn, "=") {
		fields := strings.Fields(dsn)
		for i, f := range fields {
			k, _, ok := strings.Cut(f, "=")
			if ok && isSensitiveKey(k) {
				fields[i] = k + "=*****"
			}
		}
		return strings.Join(fields, " ")
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" && (u.Host != "" || u.User != nil || u.RawQuery != "")
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}

func truncateQuery(query string) string {
	const maxLen = 100
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}
