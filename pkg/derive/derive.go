package derive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/metrics"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

const emissionsTable = "vehicle_emissions"

// Column is a derived column and its SQL type.
type Column struct {
	Name string
	Type string
}

// Columns are the derived columns added to every fleet table.
var Columns = []Column{
	{"trip_co2_kgs", "DOUBLE"},
	{"avg_mph", "DOUBLE"},
	{"hour_of_day", "INTEGER"},
	{"day_of_week", "INTEGER"},
	{"week_of_year", "INTEGER"},
	{"month_of_year", "INTEGER"},
}

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

// Deriver computes emissions, speed and calendar columns for cleaned fleet tables.
type Deriver struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Deriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Deriver{log: cfg.Logger, cfg: cfg}, nil
}

// Summary is the post-derivation count of rows with and without CO2.
type Summary struct {
	Fleet      taxi.Fleet
	Rows       int64
	WithCO2    int64
	MissingCO2 int64
}

// Derive adds the derived columns to the fleet table if needed and recomputes them
// for every row. The emission factor is looked up by the fleet's vehicle type at
// query time. When no factor exists the CO2 column is left NULL and
// taxi.ErrMissingEmissionFactor is returned; any other row without CO2 yields a
// verification error.
func (d *Deriver) Derive(ctx context.Context, fleet taxi.Fleet) (Summary, error) {
	sum := Summary{Fleet: fleet}

	factors, err := d.factorRows(ctx, fleet)
	if err != nil {
		return sum, err
	}
	if factors > 1 {
		return sum, taxi.ErrDuplicateEmissionFactor.
			WithContext("table", emissionsTable).
			WithContext("vehicle_type", fleet.VehicleType).
			WithContext("rows", factors)
	}

	for _, col := range Columns {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", fleet.QuotedTable(), duck.QuoteIdent(col.Name), col.Type)
		if _, err := d.cfg.Conn.ExecContext(ctx, stmt); err != nil {
			return sum, taxi.NewSchemaError("derive", "failed to add derived column", err).
				WithContext("table", fleet.Table).
				WithContext("column", col.Name)
		}
	}

	err = duck.WithTx(ctx, d.log, d.cfg.Conn, "derive "+fleet.Table, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, updateSQL(fleet), fleet.VehicleType)
		return err
	})
	if err != nil {
		return sum, taxi.NewDatabaseError("derive", "failed to update derived columns", err).WithContext("table", fleet.Table)
	}

	if err := d.cfg.Conn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*), COUNT(trip_co2_kgs) FROM %s", fleet.QuotedTable())).Scan(&sum.Rows, &sum.WithCO2); err != nil {
		return sum, taxi.NewDatabaseError("derive_verify", "summary query failed", err).WithContext("table", fleet.Table)
	}
	sum.MissingCO2 = sum.Rows - sum.WithCO2

	d.log.Info("derive: table derived", "fleet", fleet.ID, "table", fleet.Table,
		"rows", sum.Rows, "with_co2", sum.WithCO2, "missing_co2", sum.MissingCO2)

	if factors == 0 {
		metrics.VerificationFailuresTotal.WithLabelValues(fleet.ID, "derive").Inc()
		return sum, taxi.ErrMissingEmissionFactor.
			WithContext("table", emissionsTable).
			WithContext("vehicle_type", fleet.VehicleType)
	}
	if sum.MissingCO2 > 0 {
		metrics.VerificationFailuresTotal.WithLabelValues(fleet.ID, "derive").Inc()
		return sum, taxi.ErrDerivationUnverified.
			WithContext("table", fleet.Table).
			WithContext("missing_co2", sum.MissingCO2)
	}
	return sum, nil
}

func (d *Deriver) factorRows(ctx context.Context, fleet taxi.Fleet) (int64, error) {
	var n int64
	err := d.cfg.Conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM vehicle_emissions WHERE vehicle_type = ?", fleet.VehicleType).Scan(&n)
	if err != nil {
		return 0, taxi.NewSchemaError("emission_factor_lookup", "cannot read emission factors", err).
			WithContext("table", emissionsTable)
	}
	return n, nil
}

// updateSQL recomputes every derived column. Its single parameter is the vehicle
// type. day_of_week counts from 0=Sunday; week_of_year is the ISO week.
func updateSQL(f taxi.Fleet) string {
	duration := f.DurationSecondsExpr()
	return fmt.Sprintf(`UPDATE %[1]s SET
	trip_co2_kgs = trip_distance * (SELECT co2_grams_per_mile FROM vehicle_emissions WHERE vehicle_type = ?) / 1000.0,
	avg_mph = CASE WHEN %[3]s > 0 THEN trip_distance / (%[3]s / 3600.0) ELSE 0 END,
	hour_of_day = EXTRACT(hour FROM %[2]s),
	day_of_week = EXTRACT(dow FROM %[2]s),
	week_of_year = EXTRACT(week FROM %[2]s),
	month_of_year = EXTRACT(month FROM %[2]s)`, f.QuotedTable(), f.Pickup(), duration)
}
