package clean

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/metrics"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

type Config struct {
	Logger *slog.Logger
	Conn   duck.Connection
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("connection is required")
	}
	return nil
}

// Cleaner removes duplicate and invalid trips from fleet tables in place.
type Cleaner struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Cleaner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Cleaner{log: cfg.Logger, cfg: cfg}, nil
}

// PassResult is the row count snapshot taken around one pass.
type PassResult struct {
	Rule    string
	Before  int64
	After   int64
	Removed int64
}

type Result struct {
	Fleet       taxi.Fleet
	InitialRows int64
	FinalRows   int64
	Passes      []PassResult
}

// Removed is the total number of rows removed by all passes.
func (r Result) Removed() int64 {
	return r.InitialRows - r.FinalRows
}

// Clean runs every pass against the fleet table in order. Each pass is its own
// transaction, so a failing pass leaves earlier passes committed. Running Clean on
// an already clean table removes nothing.
func (c *Cleaner) Clean(ctx context.Context, fleet taxi.Fleet) (Result, error) {
	res := Result{Fleet: fleet}

	dedup := fmt.Sprintf("CREATE OR REPLACE TABLE %[1]s AS SELECT DISTINCT * FROM %[1]s", fleet.QuotedTable())
	pass, err := c.runPass(ctx, fleet, RuleDuplicates, dedup)
	if err != nil {
		return res, err
	}
	res.InitialRows = pass.Before
	res.Passes = append(res.Passes, pass)

	for _, p := range predicates {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", fleet.QuotedTable(), p.sql(fleet))
		pass, err := c.runPass(ctx, fleet, p.rule, stmt)
		if err != nil {
			return res, err
		}
		res.Passes = append(res.Passes, pass)
	}

	res.FinalRows = res.Passes[len(res.Passes)-1].After
	c.log.Info("clean: table cleaned", "fleet", fleet.ID, "table", fleet.Table,
		"initial_rows", res.InitialRows, "final_rows", res.FinalRows, "removed", res.Removed())
	return res, nil
}

// runPass executes stmt between two row counts in a single transaction.
func (c *Cleaner) runPass(ctx context.Context, fleet taxi.Fleet, rule, stmt string) (PassResult, error) {
	pass := PassResult{Rule: rule}
	err := duck.WithTx(ctx, c.log, c.cfg.Conn, "clean "+fleet.Table+" "+rule, func(tx *sql.Tx) error {
		before, err := duck.CountRows(ctx, tx, fleet.Table)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
		after, err := duck.CountRows(ctx, tx, fleet.Table)
		if err != nil {
			return err
		}
		pass.Before, pass.After, pass.Removed = before, after, before-after
		return nil
	})
	if err != nil {
		return pass, taxi.NewDatabaseError("clean_pass", "cleaning pass failed", err).
			WithContext("table", fleet.Table).
			WithContext("rule", rule)
	}

	metrics.RowsRemovedTotal.WithLabelValues(fleet.ID, rule).Add(float64(pass.Removed))
	c.log.Info("clean: pass completed", "fleet", fleet.ID, "rule", rule, "before", pass.Before, "after", pass.After, "removed", pass.Removed)
	return pass, nil
}

// PredicateCounts holds, per rule, the number of rows still violating it.
type PredicateCounts struct {
	Duplicates          int64
	PassengerCount      int64
	DistanceNonPositive int64
	DistanceExcessive   int64
	Duration            int64
}

// OK reports whether no rule is violated.
func (p PredicateCounts) OK() bool {
	return p == PredicateCounts{}
}

// ByRule returns the counts keyed by rule name.
func (p PredicateCounts) ByRule() map[string]int64 {
	return map[string]int64{
		RuleDuplicates:          p.Duplicates,
		RulePassengerCount:      p.PassengerCount,
		RuleDistanceNonPositive: p.DistanceNonPositive,
		RuleDistanceExcessive:   p.DistanceExcessive,
		RuleDuration:            p.Duration,
	}
}

func (p PredicateCounts) String() string {
	var parts []string
	byRule := p.ByRule()
	for _, rule := range Rules() {
		parts = append(parts, fmt.Sprintf("%s=%d", rule, byRule[rule]))
	}
	return strings.Join(parts, " ")
}

// Verify counts the rows of the fleet table that violate each rule, in one
// read-only query. It does not treat violations as an error; see Check.
func (c *Cleaner) Verify(ctx context.Context, fleet taxi.Fleet) (PredicateCounts, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT COUNT(*) - (SELECT COUNT(*) FROM (SELECT DISTINCT * FROM %s))", fleet.QuotedTable())
	for _, p := range predicates {
		fmt.Fprintf(&sb, ",\n\tCOUNT(*) FILTER (WHERE %s)", p.sql(fleet))
	}
	fmt.Fprintf(&sb, "\nFROM %s", fleet.QuotedTable())

	var pc PredicateCounts
	err := c.cfg.Conn.QueryRowContext(ctx, sb.String()).Scan(
		&pc.Duplicates,
		&pc.PassengerCount,
		&pc.DistanceNonPositive,
		&pc.DistanceExcessive,
		&pc.Duration,
	)
	if err != nil {
		return pc, taxi.NewDatabaseError("clean_verify", "verification query failed", err).WithContext("table", fleet.Table)
	}
	return pc, nil
}

// Check runs Verify and converts any remaining violation into a verification error.
func (c *Cleaner) Check(ctx context.Context, fleet taxi.Fleet) (PredicateCounts, error) {
	pc, err := c.Verify(ctx, fleet)
	if err != nil {
		return pc, err
	}
	if !pc.OK() {
		metrics.VerificationFailuresTotal.WithLabelValues(fleet.ID, "clean").Inc()
		c.log.Warn("clean: verification failed", "fleet", fleet.ID, "table", fleet.Table, "violations", pc.String())
		return pc, taxi.ErrCleaningUnverified.
			WithContext("table", fleet.Table).
			WithContext("violations", pc.ByRule())
	}
	c.log.Info("clean: verification passed", "fleet", fleet.ID, "table", fleet.Table)
	return pc, nil
}
