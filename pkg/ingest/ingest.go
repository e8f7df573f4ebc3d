package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/metrics"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

const LedgerTable = "ingest_files"

// SourceFetcher resolves a source file name to a local path.
type SourceFetcher interface {
	Fetch(ctx context.Context, fileName string) (string, error)
}

type Config struct {
	Logger  *slog.Logger
	Conn    duck.Connection
	Fetcher SourceFetcher
	Clock   clockwork.Clock
	// Throttle is the pause between successive remote fetches.
	Throttle time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	if cfg.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if cfg.Throttle < 0 {
		return errors.New("throttle must be non-negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Ingester struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Ingester{log: cfg.Logger, cfg: cfg}, nil
}

const createLedgerSQL = `CREATE TABLE IF NOT EXISTS ingest_files (
	file_name VARCHAR PRIMARY KEY,
	fleet VARCHAR,
	source_month DATE,
	row_count BIGINT,
	loaded_at TIMESTAMP
)`

func createTripTableSQL(f taxi.Fleet) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s TIMESTAMP,
	%s TIMESTAMP,
	passenger_count INTEGER,
	trip_distance DOUBLE
)`, f.QuotedTable(), f.Pickup(), f.Dropoff())
}

// EnsureSchema creates the trip tables of every fleet and the ingest ledger when
// they do not exist yet.
func (i *Ingester) EnsureSchema(ctx context.Context) error {
	stmts := []string{createLedgerSQL}
	for _, f := range taxi.Fleets() {
		stmts = append(stmts, createTripTableSQL(f))
	}
	for _, stmt := range stmts {
		if _, err := i.cfg.Conn.ExecContext(ctx, stmt); err != nil {
			return taxi.NewDatabaseError("ensure_schema", "failed to create table", err).WithContext("statement", stmt)
		}
	}
	return nil
}

// MonthFailure records why one month could not be loaded.
type MonthFailure struct {
	Month time.Time
	File  string
	Err   error
}

type FleetResult struct {
	Fleet        taxi.Fleet
	Loaded       []time.Time
	Skipped      []time.Time
	Failed       []MonthFailure
	RowsInserted int64
}

// Attempted is the number of months a fetch was tried for.
func (r FleetResult) Attempted() int {
	return len(r.Loaded) + len(r.Failed)
}

// IngestFleet loads every month in months that is not already recorded in the
// ledger. A month that fails is logged and skipped. The returned error is non-nil
// only for a database failure outside a single month, or when every attempted
// month failed because the source could not be reached.
func (i *Ingester) IngestFleet(ctx context.Context, fleet taxi.Fleet, months MonthRange) (FleetResult, error) {
	res := FleetResult{Fleet: fleet}

	loaded, err := i.ledgerFiles(ctx, fleet)
	if err != nil {
		return res, err
	}

	fetched := 0
	for _, month := range months.Months() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		file := fleet.SourceFileName(month)
		if _, ok := loaded[file]; ok {
			i.log.Debug("ingest: month already loaded, skipping", "fleet", fleet.ID, "file", file)
			res.Skipped = append(res.Skipped, month)
			metrics.IngestFilesTotal.WithLabelValues(fleet.ID, metrics.StatusSkipped).Inc()
			continue
		}

		if fetched > 0 && i.cfg.Throttle > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-i.cfg.Clock.After(i.cfg.Throttle):
			}
		}
		fetched++

		rows, err := i.loadMonth(ctx, fleet, month, file)
		if err != nil {
			i.log.Warn("ingest: failed to load month, skipping", "fleet", fleet.ID, "file", file, "error", err)
			res.Failed = append(res.Failed, MonthFailure{Month: month, File: file, Err: err})
			metrics.IngestFilesTotal.WithLabelValues(fleet.ID, metrics.StatusFailed).Inc()
			continue
		}

		i.log.Info("ingest: loaded month", "fleet", fleet.ID, "file", file, "rows", rows)
		res.Loaded = append(res.Loaded, month)
		res.RowsInserted += rows
		metrics.IngestFilesTotal.WithLabelValues(fleet.ID, metrics.StatusLoaded).Inc()
		metrics.RowsIngestedTotal.WithLabelValues(fleet.ID).Add(float64(rows))
	}

	if len(res.Failed) > 0 && len(res.Loaded) == 0 && allConnectivity(res.Failed) {
		return res, taxi.ErrSourceUnreachable.
			WithContext("fleet", fleet.ID).
			WithContext("months", len(res.Failed)).
			WithCause(res.Failed[len(res.Failed)-1].Err)
	}
	return res, nil
}

func allConnectivity(failures []MonthFailure) bool {
	for _, f := range failures {
		if !taxi.IsType(f.Err, taxi.ErrorTypeConnectivity) {
			return false
		}
	}
	return true
}

func (i *Ingester) ledgerFiles(ctx context.Context, fleet taxi.Fleet) (map[string]struct{}, error) {
	rows, err := i.cfg.Conn.QueryContext(ctx, "SELECT file_name FROM ingest_files WHERE fleet = ?", fleet.ID)
	if err != nil {
		return nil, taxi.NewDatabaseError("ingest_ledger", "failed to read ledger", err).WithContext("fleet", fleet.ID)
	}
	defer rows.Close()

	files := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, taxi.NewDatabaseError("ingest_ledger", "failed to scan ledger row", err)
		}
		files[name] = struct{}{}
	}
	return files, rows.Err()
}

// loadMonth fetches one source file and inserts its rows together with the ledger
// entry in a single transaction.
func (i *Ingester) loadMonth(ctx context.Context, fleet taxi.Fleet, month time.Time, file string) (int64, error) {
	path, err := i.cfg.Fetcher.Fetch(ctx, file)
	if err != nil {
		return 0, err
	}

	insertSQL := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, %[3]s, passenger_count, trip_distance)
SELECT CAST(%[2]s AS TIMESTAMP), CAST(%[3]s AS TIMESTAMP), CAST(passenger_count AS INTEGER), CAST(trip_distance AS DOUBLE)
FROM read_parquet(%[4]s)`, fleet.QuotedTable(), fleet.Pickup(), fleet.Dropoff(), duck.QuoteLiteral(path))

	var inserted int64
	err = duck.WithTx(ctx, i.log, i.cfg.Conn, "ingest "+file, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, insertSQL)
		if err != nil {
			return err
		}
		if inserted, err = r.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO ingest_files VALUES (?, ?, ?, ?, ?)",
			file, fleet.ID, month, inserted, i.cfg.Clock.Now().UTC())
		return err
	})
	if err != nil {
		// Drop the cached copy so a later backfill downloads it again.
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			i.log.Warn("ingest: failed to evict cached source file", "path", path, "error", rmErr)
		}
		return 0, taxi.NewPartialSourceError("ingest_month", "failed to load source file", err).
			WithContext("fleet", fleet.ID).
			WithContext("file", file)
	}
	return inserted, nil
}

type TableCount struct {
	Table string
	Rows  int64
}

// Summary returns the row counts of both trip tables and the emissions table.
func (i *Ingester) Summary(ctx context.Context) ([]TableCount, error) {
	tables := []string{}
	for _, f := range taxi.Fleets() {
		tables = append(tables, f.Table)
	}
	tables = append(tables, EmissionsTable)

	counts := make([]TableCount, 0, len(tables))
	for _, t := range tables {
		n, err := duck.CountRows(ctx, i.cfg.Conn, t)
		if err != nil {
			return nil, taxi.NewDatabaseError("ingest_summary", "failed to count rows", err).WithContext("table", t)
		}
		i.log.Info("ingest: table summary", "table", t, "rows", n)
		counts = append(counts, TableCount{Table: t, Rows: n})
	}
	return counts, nil
}
