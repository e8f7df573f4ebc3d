package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

// ErrNoData is returned when a fleet table has no rows with a CO2 value.
var ErrNoData = errors.New("report: no derived trips")

// Dimension is a derived calendar column trips are bucketed by.
type Dimension string

const (
	DimensionHour        Dimension = "hour_of_day"
	DimensionDayOfWeek   Dimension = "day_of_week"
	DimensionWeekOfYear  Dimension = "week_of_year"
	DimensionMonthOfYear Dimension = "month_of_year"
)

// Dimensions returns every dimension in report order.
func Dimensions() []Dimension {
	return []Dimension{DimensionHour, DimensionDayOfWeek, DimensionWeekOfYear, DimensionMonthOfYear}
}

func (d Dimension) Label() string {
	switch d {
	case DimensionHour:
		return "hour"
	case DimensionDayOfWeek:
		return "day of week"
	case DimensionWeekOfYear:
		return "week"
	case DimensionMonthOfYear:
		return "month"
	}
	return string(d)
}

func (d Dimension) valid() bool {
	for _, v := range Dimensions() {
		if d == v {
			return true
		}
	}
	return false
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

// Reporter runs read-only aggregate queries over derived fleet tables.
type Reporter struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Reporter{log: cfg.Logger, cfg: cfg}, nil
}

type Trip struct {
	Pickup       time.Time
	Dropoff      time.Time
	TripDistance float64
	CO2Kgs       float64
}

// LargestTrip returns the trip with the most CO2. Ties go to the earliest pickup.
func (r *Reporter) LargestTrip(ctx context.Context, fleet taxi.Fleet) (Trip, error) {
	query := fmt.Sprintf(`SELECT %[2]s, %[3]s, trip_distance, trip_co2_kgs FROM %[1]s
WHERE trip_co2_kgs IS NOT NULL
ORDER BY trip_co2_kgs DESC, %[2]s ASC
LIMIT 1`, fleet.QuotedTable(), fleet.Pickup(), fleet.Dropoff())

	var t Trip
	err := r.cfg.Conn.QueryRowContext(ctx, query).Scan(&t.Pickup, &t.Dropoff, &t.TripDistance, &t.CO2Kgs)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("%w in %s", ErrNoData, fleet.Table)
	}
	if err != nil {
		return t, taxi.NewDatabaseError("report_largest_trip", "query failed", err).WithContext("table", fleet.Table)
	}
	return t, nil
}

// Bucket is one value of a dimension with its average CO2 per trip.
type Bucket struct {
	Value     int
	AvgCO2Kgs float64
	Trips     int64
}

type BucketExtremes struct {
	Dimension Dimension
	Heaviest  Bucket
	Lightest  Bucket
}

// Extremes returns the buckets of dim with the highest and the lowest average CO2 per
// trip. When several buckets share an extreme average the lowest bucket value wins.
func (r *Reporter) Extremes(ctx context.Context, fleet taxi.Fleet, dim Dimension) (BucketExtremes, error) {
	ext := BucketExtremes{Dimension: dim}
	if !dim.valid() {
		return ext, fmt.Errorf("unknown dimension %q", dim)
	}

	query := fmt.Sprintf(`WITH buckets AS (
	SELECT %[2]s AS bucket, AVG(trip_co2_kgs) AS avg_co2, COUNT(*) AS trips
	FROM %[1]s
	WHERE trip_co2_kgs IS NOT NULL AND %[2]s IS NOT NULL
	GROUP BY 1
)
SELECT h.bucket, h.avg_co2, h.trips, l.bucket, l.avg_co2, l.trips
FROM (SELECT * FROM buckets ORDER BY avg_co2 DESC, bucket ASC LIMIT 1) h,
	(SELECT * FROM buckets ORDER BY avg_co2 ASC, bucket ASC LIMIT 1) l`, fleet.QuotedTable(), duck.QuoteIdent(string(dim)))

	err := r.cfg.Conn.QueryRowContext(ctx, query).Scan(
		&ext.Heaviest.Value, &ext.Heaviest.AvgCO2Kgs, &ext.Heaviest.Trips,
		&ext.Lightest.Value, &ext.Lightest.AvgCO2Kgs, &ext.Lightest.Trips,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ext, fmt.Errorf("%w in %s", ErrNoData, fleet.Table)
	}
	if err != nil {
		return ext, taxi.NewDatabaseError("report_extremes", "query failed", err).
			WithContext("table", fleet.Table).
			WithContext("dimension", string(dim))
	}
	return ext, nil
}

type FleetReport struct {
	Fleet    taxi.Fleet
	Largest  Trip
	Extremes []BucketExtremes
}

// FleetReport gathers the largest trip and the extremes of every dimension.
func (r *Reporter) FleetReport(ctx context.Context, fleet taxi.Fleet) (FleetReport, error) {
	rep := FleetReport{Fleet: fleet}

	largest, err := r.LargestTrip(ctx, fleet)
	if err != nil {
		return rep, err
	}
	rep.Largest = largest
	r.log.Info("report: largest CO2 trip", "fleet", fleet.ID, "pickup", largest.Pickup, "co2_kgs", largest.CO2Kgs)

	for _, dim := range Dimensions() {
		ext, err := r.Extremes(ctx, fleet, dim)
		if err != nil {
			return rep, err
		}
		r.log.Info("report: carbon extremes", "fleet", fleet.ID, "dimension", dim.Label(),
			"heaviest", ext.Heaviest.Value, "lightest", ext.Lightest.Value)
		rep.Extremes = append(rep.Extremes, ext)
	}
	return rep, nil
}

// MonthlyTotal is the summed CO2 of one fleet for one calendar month.
type MonthlyTotal struct {
	Fleet  string
	Year   int
	Month  int
	CO2Kgs float64
}

// MonthlyTotals sums CO2 per fleet and pickup month for pickups in fromYear or
// later, ordered by year, month and fleet order.
func (r *Reporter) MonthlyTotals(ctx context.Context, fleets []taxi.Fleet, fromYear int) ([]MonthlyTotal, error) {
	if len(fleets) == 0 {
		return nil, errors.New("at least one fleet is required")
	}

	parts := make([]string, 0, len(fleets))
	for i, f := range fleets {
		parts = append(parts, fmt.Sprintf(`SELECT %[1]d AS ord, %[2]s AS fleet, CAST(EXTRACT(year FROM %[3]s) AS INTEGER) AS y,
	month_of_year AS m, SUM(trip_co2_kgs) AS total
FROM %[4]s
WHERE trip_co2_kgs IS NOT NULL AND EXTRACT(year FROM %[3]s) >= %[5]d
GROUP BY ALL`, i, duck.QuoteLiteral(f.ID), f.Pickup(), f.QuotedTable(), fromYear))
	}
	query := "SELECT fleet, y, m, total FROM (\n" + strings.Join(parts, "\nUNION ALL\n") + "\n) ORDER BY y, m, ord"

	rows, err := r.cfg.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, taxi.NewDatabaseError("report_monthly_totals", "query failed", err)
	}
	defer rows.Close()

	var totals []MonthlyTotal
	for rows.Next() {
		var t MonthlyTotal
		if err := rows.Scan(&t.Fleet, &t.Year, &t.Month, &t.CO2Kgs); err != nil {
			return nil, taxi.NewDatabaseError("report_monthly_totals", "scan failed", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, taxi.NewDatabaseError("report_monthly_totals", "iteration failed", err)
	}
	return totals, nil
}
