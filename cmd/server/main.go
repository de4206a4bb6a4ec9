// Package main provides the entry point for the queryscope server and CLI.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/queryscope/cmd/server/config"
	"github.com/TFMV/queryscope/cmd/server/server"
	"github.com/TFMV/queryscope/pkg/client"
	"github.com/TFMV/queryscope/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "queryscope",
	Short: "queryscope query execution and plan analysis engine",
	Long: `A query execution and plan-analysis engine for PostgreSQL.

queryscope runs SQL on behalf of a dashboard, explains how the planner
executed it, caches results in Redis and drives index experiments.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the queryscope HTTP API",
	Long: `Start the queryscope HTTP API with the specified configuration.

Example:
  queryscope serve --config ./config.yaml
  DATABASE_URL=postgres://localhost/app REDIS_URL=redis://localhost:6379 queryscope serve`,
	RunE: runServer,
}

var queryCmd = &cobra.Command{
	Use:   "query [sql]",
	Short: "Run a statement against a running server and print its latency breakdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var experimentCmd = &cobra.Command{
	Use:   "experiment <family> <step>",
	Short: "Run one experiment step in-process",
	Long: `Run one experiment step directly against the database, without a server.

Example:
  queryscope experiment composite reset
  queryscope experiment selectivity run --threshold 5
  queryscope experiment write_cost 2 --completed 0,1`,
	Args: cobra.ExactArgs(2),
	RunE: runExperiment,
}

func init() {
	rootCmd.AddCommand(serveCmd, queryCmd, experimentCmd)

	// Flags shared by every command that reads configuration
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file path")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("database-url", "", "PostgreSQL connection URL")
	pf.String("redis-url", "", "Redis connection URL; empty uses the in-process cache")

	// Serve flags
	sf := serveCmd.Flags()
	sf.String("address", ":5000", "HTTP listen address")
	sf.Duration("query-timeout", 30*time.Second, "per-statement timeout")
	sf.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	sf.Bool("metrics", true, "enable Prometheus metrics")
	sf.String("metrics-address", ":9090", "metrics server address")
	sf.Bool("health", true, "enable the gRPC health service")
	sf.String("health-address", ":9091", "gRPC health service address")
	sf.Bool("rate-limit", false, "enable per-client rate limiting")
	sf.Float64("rate-limit-rps", 50, "requests per second per client")
	sf.Int("rate-limit-burst", 100, "burst size per client")
	sf.Bool("concurrent-indexes", true, "build and drop indexes CONCURRENTLY; false blocks writers during builds")

	// Query flags
	queryCmd.Flags().String("server", "http://localhost:5000", "server base URL")
	queryCmd.Flags().Bool("cache", true, "allow the result cache")

	// Experiment flags
	experimentCmd.Flags().Float64("threshold", 0, "selectivity threshold in percent")
	experimentCmd.Flags().IntSlice("completed", nil, "write-cost steps already completed in this session")

	bind := map[string]string{
		"config":             "config",
		"log_level":          "log-level",
		"database.url":       "database-url",
		"cache.url":          "redis-url",
		"address":            "address",
		"query_timeout":      "query-timeout",
		"shutdown_timeout":   "shutdown-timeout",
		"metrics.enabled":    "metrics",
		"metrics.address":    "metrics-address",
		"health.enabled":     "health",
		"health.address":     "health-address",
		"rate_limit.enabled": "rate-limit",
		"rate_limit.rps":     "rate-limit-rps",
		"rate_limit.burst":   "rate-limit-burst",
		"index.concurrent":   "concurrent-indexes",
	}
	for key, flag := range bind {
		f := pf.Lookup(flag)
		if f == nil {
			f = sf.Lookup(flag)
		}
		if err := viper.BindPFlag(key, f); err != nil {
			panic(fmt.Errorf("failed to bind flag %s: %w", flag, err))
		}
	}

	viper.SetEnvPrefix("QUERYSCOPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("database.url", "QUERYSCOPE_DATABASE_URL", "DATABASE_URL")
	_ = viper.BindEnv("cache.url", "QUERYSCOPE_CACHE_URL", "REDIS_URL")
	setDefaults(config.DefaultConfig())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("queryscope\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg.LogLevel)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("Starting queryscope")

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func runQuery(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("server")
	useCache, _ := cmd.Flags().GetBool("cache")

	resp, err := client.New(baseURL).RunSQL(cmd.Context(), args[0], useCache)
	if err != nil {
		return err
	}

	out := struct {
		RowCount      int64                   `json:"rowCount"`
		Source        models.Source           `json:"source"`
		StatementType string                  `json:"statementType"`
		Scan          models.ScanInfo         `json:"scan"`
		Notes         []string                `json:"notes,omitempty"`
		Latency       models.LatencyBreakdown `json:"latency"`
	}{
		RowCount:      resp.Result.RowCount,
		Source:        resp.Result.Source,
		StatementType: resp.Result.StatementType,
		Scan:          resp.Result.Scan,
		Notes:         resp.Result.Notes,
		Latency:       resp.Latency,
	}
	return printJSON(out)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogging(cfg.LogLevel)

	threshold, _ := cmd.Flags().GetFloat64("threshold")
	completed, _ := cmd.Flags().GetIntSlice("completed")

	req := &models.StepRequest{
		Family:    models.Family(args[0]),
		Step:      args[1],
		Threshold: threshold,
	}
	if len(completed) > 0 {
		req.Session = &models.LadderSession{Completed: completed}
	}

	engine, err := server.NewEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing engine")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := engine.Experiment.RunStep(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// setDefaults registers every config key so environment variables reach
// nested fields during Unmarshal.
func setDefaults(d *config.Config) {
	defaults := map[string]interface{}{
		"address":                       d.Address,
		"log_level":                     d.LogLevel,
		"query_timeout":                 d.QueryTimeout,
		"shutdown_timeout":              d.ShutdownTimeout,
		"database.url":                  d.Database.URL,
		"database.max_open_connections": d.Database.MaxOpenConnections,
		"database.max_idle_connections": d.Database.MaxIdleConnections,
		"database.conn_max_lifetime":    d.Database.ConnMaxLifetime,
		"database.conn_max_idle_time":   d.Database.ConnMaxIdleTime,
		"database.health_check_period":  d.Database.HealthCheckPeriod,
		"database.connection_timeout":   d.Database.ConnectionTimeout,
		"database.slow_query_threshold": d.Database.SlowQueryThreshold,
		"database.circuit_breaker":      d.Database.CircuitBreaker,
		"cache.backend":                 d.Cache.Backend,
		"cache.url":                     d.Cache.URL,
		"cache.ttl":                     d.Cache.TTL,
		"cache.max_entries":             d.Cache.MaxEntries,
		"cache.key_prefix":              d.Cache.KeyPrefix,
		"metrics.enabled":               d.Metrics.Enabled,
		"metrics.address":               d.Metrics.Address,
		"health.enabled":                d.Health.Enabled,
		"health.address":                d.Health.Address,
		"rate_limit.enabled":            d.RateLimit.Enabled,
		"rate_limit.rps":                d.RateLimit.RPS,
		"rate_limit.burst":              d.RateLimit.Burst,
		"rate_limit.max_clients":        d.RateLimit.MaxClients,
		"index.concurrent":              d.Index.Concurrent,
		"index.timeout":                 d.Index.Timeout,
		"experiments.bulk_concurrency":  d.Experiments.BulkConcurrency,
		"experiments.write_cost_rows":   d.Experiments.WriteCostRows,
		"experiments.selectivity_rows":  d.Experiments.SelectivityRows,
		"experiments.composite_rows":    d.Experiments.CompositeRows,
		"experiments.minority_fraction": d.Experiments.MinorityFraction,
		"experiments.timeout":           d.Experiments.Timeout,
	}
	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	// Load config file if specified
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// PORT is honoured when no explicit address was given.
	if port := os.Getenv("PORT"); port != "" && !viper.InConfig("address") &&
		os.Getenv("QUERYSCOPE_ADDRESS") == "" && !flagChanged(cmd, "address") {
		cfg.Address = ":" + port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func flagChanged(cmd *cobra.Command, name string) bool {
	f := cmd.Flags().Lookup(name)
	return f != nil && f.Changed
}

func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}

	if logLevel == zerolog.DebugLevel {
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			for i := len(file) - 1; i > 0; i-- {
				if file[i] == '/' {
					short = file[i+1:]
					break
				}
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
	}

	logger := zerolog.New(os.Stdout).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "queryscope")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}
