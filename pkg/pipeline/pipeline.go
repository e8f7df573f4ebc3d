package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/taxilake/pkg/audit"
	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/ingest"
	"github.com/malbeclabs/taxilake/pkg/metrics"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

type Stage string

const (
	StageIngest Stage = "ingest"
	StageClean  Stage = "clean"
	StageDerive Stage = "derive"
	StageReport Stage = "report"
)

// Stages returns the stages in execution order.
func Stages() []Stage {
	return []Stage{StageIngest, StageClean, StageDerive, StageReport}
}

// ArtifactPublisher uploads a local report artifact and returns its location.
type ArtifactPublisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

type Config struct {
	Logger *slog.Logger
	// StageLoggers optionally overrides Logger for individual stages.
	StageLoggers map[Stage]*slog.Logger
	Conn         duck.Connection
	Audit        *audit.Recorder
	Clock        clockwork.Clock

	Fleets       []taxi.Fleet
	Fetcher      ingest.SourceFetcher
	Months       ingest.MonthRange
	Throttle     time.Duration
	EmissionsCSV string

	ChartFromYear int
	// ChartPath names the chart file for the pickup years it covers.
	ChartPath func(fromYear, toYear int) string
	// Publisher is optional; when set the rendered chart is uploaded.
	Publisher ArtifactPublisher
	// Out receives the console report tables.
	Out io.Writer
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	if cfg.Audit == nil {
		return errors.New("audit recorder is required")
	}
	if cfg.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if cfg.Months.From.IsZero() || cfg.Months.To.Before(cfg.Months.From) {
		return errors.New("a valid month range is required")
	}
	if cfg.EmissionsCSV == "" {
		return errors.New("emissions csv path is required")
	}
	if cfg.ChartPath == nil {
		return errors.New("chart path func is required")
	}
	if len(cfg.Fleets) == 0 {
		cfg.Fleets = taxi.Fleets()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	return nil
}

// Runner executes pipeline stages over every configured fleet. Stages run one
// fleet at a time; a fleet that fails does not stop the others.
type Runner struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Runner) loggerFor(stage Stage) *slog.Logger {
	if l, ok := r.cfg.StageLoggers[stage]; ok && l != nil {
		return l
	}
	return r.log.With("stage", string(stage))
}

// forEachFleet runs fn for every fleet, recording its duration, and aggregates the
// per-fleet errors.
func (r *Runner) forEachFleet(ctx context.Context, stage Stage, log *slog.Logger, fn func(taxi.Fleet) error) error {
	var merr *multierror.Error
	for _, fleet := range r.cfg.Fleets {
		if err := ctx.Err(); err != nil {
			return multierror.Append(merr, err).ErrorOrNil()
		}

		start := r.cfg.Clock.Now()
		err := fn(fleet)
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusError
			log.Error(fmt.Sprintf("%s: fleet failed", stage), "fleet", fleet.ID, "error", err)
			merr = multierror.Append(merr, fmt.Errorf("%s %s: %w", stage, fleet.ID, err))
		}
		metrics.StageDuration.WithLabelValues(fleet.ID, string(stage), status).Observe(r.cfg.Clock.Since(start).Seconds())
	}
	return merr.ErrorOrNil()
}

// RunResult collects the per-stage results of a full run.
type RunResult struct {
	Ingest []ingest.FleetResult
	Clean  []CleanResult
	Derive []DeriveResult
	Report *ReportResult
}

// Run executes every stage in order. Verification failures are collected and the
// run continues; any other stage error stops the run.
func (r *Runner) Run(ctx context.Context) (RunResult, error) {
	var res RunResult
	var verification *multierror.Error

	settle := func(err error) bool {
		if err == nil {
			return true
		}
		if OnlyVerification(err) {
			verification = multierror.Append(verification, err)
			return true
		}
		return false
	}

	var err error
	if res.Ingest, err = r.Ingest(ctx); !settle(err) {
		return res, multierror.Append(verification, err)
	}
	if res.Clean, err = r.Clean(ctx); !settle(err) {
		return res, multierror.Append(verification, err)
	}
	if res.Derive, err = r.Derive(ctx); !settle(err) {
		return res, multierror.Append(verification, err)
	}
	report, err := r.Report(ctx)
	res.Report = &report
	if !settle(err) {
		return res, multierror.Append(verification, err)
	}
	return res, verification.ErrorOrNil()
}

// OnlyVerification reports whether err is non-nil and every error it aggregates
// is a verification failure.
func OnlyVerification(err error) bool {
	all := func(errs []error) bool {
		if len(errs) == 0 {
			return false
		}
		for _, inner := range errs {
			if !OnlyVerification(inner) {
				return false
			}
		}
		return true
	}

	switch x := err.(type) {
	case nil:
		return false
	case *taxi.Error:
		return x.Type == taxi.ErrorTypeVerification
	case *multierror.Error:
		return all(x.Errors)
	case interface{ Unwrap() []error }:
		return all(x.Unwrap())
	case interface{ Unwrap() error }:
		return OnlyVerification(x.Unwrap())
	}
	return false
}

const (
	ExitOK                 = 0
	ExitFailure            = 1
	ExitVerificationFailed = 2
)

// ExitCode maps a stage error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case OnlyVerification(err):
		return ExitVerificationFailed
	default:
		return ExitFailure
	}
}

// Reset drops every table the pipeline creates.
func (r *Runner) Reset(ctx context.Context) error {
	tables := []string{ingest.LedgerTable, ingest.EmissionsTable, audit.Table}
	for _, f := range taxi.Fleets() {
		tables = append(tables, f.Table)
	}
	for _, t := range tables {
		if _, err := r.cfg.Conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+duck.QuoteIdent(t)); err != nil {
			return taxi.NewDatabaseError("reset", "failed to drop table", err).WithContext("table", t)
		}
		r.log.Info("pipeline: dropped table", "table", t)
	}
	return nil
}
