package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/taxilake/pkg/audit"
	"github.com/malbeclabs/taxilake/pkg/config"
	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/ingest"
	"github.com/malbeclabs/taxilake/pkg/logger"
	"github.com/malbeclabs/taxilake/pkg/metrics"
	"github.com/malbeclabs/taxilake/pkg/pipeline"
	"github.com/malbeclabs/taxilake/pkg/report"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "taxilake",
	Short: "NYC taxi trip ETL and CO2 reporting",
	Long: `taxilake loads monthly NYC taxi trip files into a DuckDB database, removes
invalid trips, derives per-trip CO2 and calendar columns, and reports on them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(".env"); err != nil {
			return err
		}
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return err
		}
		return cfg.Validate()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taxilake %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Download trip files for the month range and load them with the emission factors",
	Run: func(cmd *cobra.Command, args []string) {
		execute("ingest_trip_data", []pipeline.Stage{pipeline.StageIngest}, func(ctx context.Context, r *pipeline.Runner) error {
			_, err := r.Ingest(ctx)
			return err
		})
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove duplicate and invalid trips and verify the result",
	Run: func(cmd *cobra.Command, args []string) {
		execute("clean_trip_data", []pipeline.Stage{pipeline.StageClean}, func(ctx context.Context, r *pipeline.Runner) error {
			_, err := r.Clean(ctx)
			return err
		})
	},
}

var deriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Compute per-trip CO2, speed and calendar columns",
	Run: func(cmd *cobra.Command, args []string) {
		execute("derive_trip_data", []pipeline.Stage{pipeline.StageDerive}, func(ctx context.Context, r *pipeline.Runner) error {
			_, err := r.Derive(ctx)
			return err
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print CO2 reports and render the monthly emissions chart",
	Run: func(cmd *cobra.Command, args []string) {
		execute("report_emissions", []pipeline.Stage{pipeline.StageReport}, func(ctx context.Context, r *pipeline.Runner) error {
			_, err := r.Report(ctx)
			return err
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ingest, clean, derive and report in order",
	Run: func(cmd *cobra.Command, args []string) {
		execute("run_pipeline", pipeline.Stages(), func(ctx context.Context, r *pipeline.Runner) error {
			_, err := r.Run(ctx)
			return err
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every table created by the pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		execute("reset_database", nil, func(ctx context.Context, r *pipeline.Runner) error {
			return r.Reset(ctx)
		})
	},
}

// execute opens a per-stage log for every stage in stages, builds the runner, runs
// fn and exits with the code matching its outcome.
func execute(operation string, stages []pipeline.Stage, fn func(context.Context, *pipeline.Runner) error) {
	os.Exit(executeCode(operation, stages, fn))
}

func executeCode(operation string, stages []pipeline.Stage, fn func(context.Context, *pipeline.Runner) error) int {
	logName := "pipeline"
	if len(stages) == 1 {
		logName = string(stages[0])
	}
	mainLog, err := logger.NewStage(logName, cfg.LogDir, cfg.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return pipeline.ExitFailure
	}
	defer mainLog.Close()
	log := mainLog.Logger

	stageLoggers := make(map[pipeline.Stage]*slog.Logger, len(stages))
	for _, s := range stages {
		if len(stages) == 1 {
			stageLoggers[s] = log
			continue
		}
		sl, err := logger.NewStage(string(s), cfg.LogDir, cfg.Verbose)
		if err != nil {
			log.Error("Operation failed: open_stage_log", "stage", s, "error", err)
			return pipeline.ExitFailure
		}
		defer sl.Close()
		stageLoggers[s] = sl.Logger
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("Operation started: "+operation, "db_path", cfg.DBPath, "months", cfg.From+".."+cfg.To, "version", version)

	stopMetrics := startMetricsServer(log, cfg.MetricsAddr)
	defer stopMetrics()

	err = withRunner(ctx, log, stageLoggers, fn)
	switch {
	case err == nil:
		log.Info("Operation completed: " + operation)
	case ctx.Err() != nil:
		log.Info("Operation cancelled by signal", "operation", operation)
	case pipeline.OnlyVerification(err):
		log.Error("Operation failed: verification failed", "operation", operation, "error", err)
	default:
		log.Error("Operation failed: "+operation, "error", err)
	}
	return pipeline.ExitCode(err)
}

func withRunner(ctx context.Context, log *slog.Logger, stageLoggers map[pipeline.Stage]*slog.Logger, fn func(context.Context, *pipeline.Runner) error) error {
	db, err := duck.NewDB(ctx, cfg.DBPath, log)
	if err != nil {
		return taxi.NewConnectivityError("open_database", "failed to open database", err).WithContext("path", cfg.DBPath)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()
	conn, err := db.Conn(ctx)
	if err != nil {
		return taxi.NewConnectivityError("open_database", "failed to open connection", err).WithContext("path", cfg.DBPath)
	}
	defer conn.Close()

	fetcher, err := ingest.NewFetcher(ingest.FetcherConfig{
		Logger:   log,
		BaseURL:  cfg.SourceBaseURL,
		CacheDir: cfg.DataDir,
	})
	if err != nil {
		return err
	}
	months, err := ingest.ParseMonthRange(cfg.From, cfg.To)
	if err != nil {
		return err
	}
	rec, err := audit.New(audit.Config{Logger: log, Conn: conn})
	if err != nil {
		return err
	}
	log.Debug("audit run", "run_id", rec.RunID())

	var publisher pipeline.ArtifactPublisher
	if cfg.ArtifactURI != "" {
		s3Cfg, err := report.LoadS3ConfigFromEnv(os.Getenv)
		if err != nil {
			return err
		}
		p, err := report.NewPublisher(ctx, log, cfg.ArtifactURI, s3Cfg)
		if err != nil {
			return err
		}
		publisher = p
	}

	runner, err := pipeline.New(pipeline.Config{
		Logger:        log,
		StageLoggers:  stageLoggers,
		Conn:          conn,
		Audit:         rec,
		Fetcher:       fetcher,
		Months:        months,
		Throttle:      cfg.Throttle,
		EmissionsCSV:  cfg.EmissionsCSV,
		ChartFromYear: cfg.ChartFromYear,
		ChartPath:     cfg.ChartPath,
		Publisher:     publisher,
		Out:           os.Stdout,
	})
	if err != nil {
		return err
	}
	return fn(ctx, runner)
}

// startMetricsServer serves /metrics on addr when addr is set and returns a func
// that stops it.
func startMetricsServer(log *slog.Logger, addr string) func() {
	if addr == "" {
		return func() {}
	}
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start prometheus metrics server listener", "error", err)
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus metrics server failed", "error", err)
		}
	}()
	return func() { _ = srv.Close() }
}

func init() {
	cfg.BindFlags(rootCmd.PersistentFlags())

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(deriveCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(resetCmd)
}

func main() {
	// Add version command last so it appears after auto-generated commands
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(pipeline.ExitFailure)
	}
}
