package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

const Table = "pipeline_audit"

const createTableSQL = `CREATE TABLE IF NOT EXISTS pipeline_audit (
	run_id VARCHAR,
	stage VARCHAR,
	fleet VARCHAR,
	rule VARCHAR,
	rows_before BIGINT,
	rows_after BIGINT,
	rows_removed BIGINT,
	recorded_at TIMESTAMP
)`

// csvTimestampLayout is a layout DuckDB parses as TIMESTAMP when copying CSV.
const csvTimestampLayout = "2006-01-02 15:04:05.000000"

// Record is one row of the audit trail. Rule is empty for stage-level summaries.
type Record struct {
	RunID       string
	Stage       string
	Fleet       string
	Rule        string
	RowsBefore  int64
	RowsAfter   int64
	RowsRemoved int64
	RecordedAt  time.Time
}

type Config struct {
	Logger *slog.Logger
	Conn   duck.Connection
	Clock  clockwork.Clock
	// RunID identifies the invocation; a random UUID is used when empty.
	RunID string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	} else if _, err := uuid.Parse(cfg.RunID); err != nil {
		return fmt.Errorf("invalid run id %q: %w", cfg.RunID, err)
	}
	return nil
}

// Recorder appends row-count deltas of one run to the audit table.
type Recorder struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Recorder{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Recorder) RunID() string {
	return r.cfg.RunID
}

func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.cfg.Conn.ExecContext(ctx, createTableSQL); err != nil {
		return taxi.NewDatabaseError("audit_schema", "failed to create audit table", err)
	}
	return nil
}

// Record stamps recs with the run ID and the current time and appends them.
func (r *Recorder) Record(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	now := r.cfg.Clock.Now().UTC()
	for i := range recs {
		recs[i].RunID = r.cfg.RunID
		recs[i].RecordedAt = now
	}

	err := duck.AppendTableViaCSV(ctx, r.log, r.cfg.Conn, Table, len(recs), func(w *csv.Writer, i int) error {
		rec := recs[i]
		return w.Write([]string{
			rec.RunID,
			rec.Stage,
			rec.Fleet,
			rec.Rule,
			strconv.FormatInt(rec.RowsBefore, 10),
			strconv.FormatInt(rec.RowsAfter, 10),
			strconv.FormatInt(rec.RowsRemoved, 10),
			rec.RecordedAt.Format(csvTimestampLayout),
		})
	})
	if err != nil {
		return taxi.NewDatabaseError("audit_record", "failed to append audit records", err).
			WithContext("run_id", r.cfg.RunID).
			WithContext("records", len(recs))
	}
	r.log.Debug("audit: recorded", "run_id", r.cfg.RunID, "records", len(recs))
	return nil
}

// Records returns the audit rows of runID in insertion order.
func (r *Recorder) Records(ctx context.Context, runID string) ([]Record, error) {
	rows, err := r.cfg.Conn.QueryContext(ctx, `SELECT run_id, stage, fleet, rule, rows_before, rows_after, rows_removed, recorded_at
FROM pipeline_audit WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, taxi.NewDatabaseError("audit_query", "failed to query audit records", err).WithContext("run_id", runID)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var fleet, rule sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Stage, &fleet, &rule, &rec.RowsBefore, &rec.RowsAfter, &rec.RowsRemoved, &rec.RecordedAt); err != nil {
			return nil, taxi.NewDatabaseError("audit_query", "scan failed", err)
		}
		rec.Fleet, rec.Rule = fleet.String, rule.String
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, taxi.NewDatabaseError("audit_query", "iteration failed", err)
	}
	return recs, nil
}
