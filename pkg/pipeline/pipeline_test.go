package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/taxilake/pkg/audit"
	"github.com/malbeclabs/taxilake/pkg/clean"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

type recordingPublisher struct {
	paths []string
	err   error
}

func (p *recordingPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.paths = append(p.paths, localPath)
	return "s3://artifacts/" + localPath, nil
}

func TestPipeline_Run_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, testEmissionsCSV)
	env.seedJanuary(t)

	var out bytes.Buffer
	pub := &recordingPublisher{}
	r := env.runner(t, func(cfg *Config) {
		cfg.Out = &out
		cfg.Publisher = pub
	})

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ExitOK, ExitCode(err))

	// February is missing for both fleets and is skipped.
	require.Len(t, res.Ingest, 2)
	for _, fr := range res.Ingest {
		require.Len(t, fr.Loaded, 1)
		require.Len(t, fr.Failed, 1)
	}
	require.Equal(t, int64(5), res.Ingest[0].RowsInserted)
	require.Equal(t, int64(3), res.Ingest[1].RowsInserted)

	require.Len(t, res.Clean, 2)
	require.Equal(t, int64(5), res.Clean[0].InitialRows)
	require.Equal(t, int64(2), res.Clean[0].FinalRows)
	require.Equal(t, int64(3), res.Clean[1].InitialRows)
	require.Equal(t, int64(2), res.Clean[1].FinalRows)
	for _, c := range res.Clean {
		require.True(t, c.Remaining.OK(), c.Remaining.String())
	}

	require.Len(t, res.Derive, 2)
	for _, d := range res.Derive {
		require.Equal(t, int64(2), d.Rows)
		require.Zero(t, d.MissingCO2)
	}

	require.NotNil(t, res.Report)
	require.Len(t, res.Report.Fleets, 2)
	require.InDelta(t, 4.0, res.Report.Fleets[0].Largest.CO2Kgs, 1e-9)
	require.InDelta(t, 0.75, res.Report.Fleets[1].Largest.CO2Kgs, 1e-9)

	require.Len(t, res.Report.Totals, 2)
	require.Equal(t, "yellow", res.Report.Totals[0].Fleet)
	require.InDelta(t, 4.8, res.Report.Totals[0].CO2Kgs, 1e-9)
	require.Equal(t, "green", res.Report.Totals[1].Fleet)
	require.InDelta(t, 1.0, res.Report.Totals[1].CO2Kgs, 1e-9)

	require.FileExists(t, res.Report.ChartPath)
	require.Contains(t, res.Report.ChartPath, "chart_2024to2024.png")
	require.Equal(t, []string{res.Report.ChartPath}, pub.paths)
	require.Equal(t, "s3://artifacts/"+res.Report.ChartPath, res.Report.ArtifactLocation)

	require.Contains(t, out.String(), "Fleet: yellow (yellow_trips)")
	require.Contains(t, out.String(), "Fleet: green (green_trips)")
	require.Contains(t, out.String(), "2024-01")

	recs, err := env.audit.Records(ctx, env.audit.RunID())
	require.NoError(t, err)
	byStage := map[string]int{}
	for _, rec := range recs {
		byStage[rec.Stage]++
	}
	require.Equal(t, map[string]int{"ingest": 2, "clean": 10, "derive": 2}, byStage)

	var removed int64
	for _, rec := range recs {
		if rec.Stage == "clean" && rec.Fleet == "yellow" {
			removed += rec.RowsRemoved
		}
	}
	require.Equal(t, int64(3), removed)
}

func TestPipeline_Ingest_BackfillsOnlyMissingMonths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, testEmissionsCSV)
	env.seedJanuary(t)
	r := env.runner(t)

	_, err := r.Ingest(ctx)
	require.NoError(t, err)

	writeTripFile(t, env.source.dir, taxi.Yellow, "2024-02",
		trip("2024-02-01 08:00:00", "2024-02-01 08:30:00", 1, 4),
	)
	env.source.calls = nil

	res, err := r.Ingest(ctx)
	require.NoError(t, err)
	require.Len(t, res[0].Skipped, 1)
	require.Len(t, res[0].Loaded, 1)
	require.Equal(t, int64(1), res[0].RowsInserted)
	require.Len(t, res[1].Skipped, 1)
	require.Len(t, res[1].Failed, 1)
	require.Equal(t, []string{"yellow_tripdata_2024-02.parquet", "green_tripdata_2024-02.parquet"}, env.source.calls)

	recs, err := env.audit.Records(ctx, env.audit.RunID())
	require.NoError(t, err)
	last := recs[len(recs)-2]
	require.Equal(t, "yellow", last.Fleet)
	require.Equal(t, int64(5), last.RowsBefore)
	require.Equal(t, int64(6), last.RowsAfter)
}

func TestPipeline_Run_StopsOnMissingEmissionFactor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, `vehicle_type,fuel_type,mpg_city,mpg_highway,co2_grams_per_mile,vehicle_year_avg
yellow_taxi,gasoline,25,30,400,2017.5
`)
	env.seedJanuary(t)
	r := env.runner(t)

	res, err := r.Run(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, taxi.ErrMissingEmissionFactor), err.Error())
	require.Equal(t, ExitFailure, ExitCode(err))
	require.Nil(t, res.Report)

	// Yellow is derived even though green failed.
	require.Len(t, res.Derive, 2)
	require.Zero(t, res.Derive[0].MissingCO2)
	require.Equal(t, int64(2), res.Derive[1].MissingCO2)

	recs, err := env.audit.Records(ctx, env.audit.RunID())
	require.NoError(t, err)
	var derived []audit.Record
	for _, rec := range recs {
		if rec.Stage == "derive" {
			derived = append(derived, rec)
		}
	}
	require.Len(t, derived, 2)
	require.Equal(t, int64(2), derived[1].RowsRemoved)
}

func TestPipeline_Report_PublishFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, testEmissionsCSV)
	env.seedJanuary(t)
	r := env.runner(t, func(cfg *Config) {
		cfg.Publisher = &recordingPublisher{err: errors.New("access denied")}
	})

	_, err := r.Ingest(ctx)
	require.NoError(t, err)
	_, err = r.Clean(ctx)
	require.NoError(t, err)
	_, err = r.Derive(ctx)
	require.NoError(t, err)

	res, err := r.Report(ctx)
	require.ErrorContains(t, err, "access denied")
	require.FileExists(t, res.ChartPath)
	require.Empty(t, res.ArtifactLocation)
}

func TestPipeline_Report_NoDataFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, testEmissionsCSV)
	r := env.runner(t)

	_, err := r.Ingest(ctx)
	require.NoError(t, err)
	_, err = r.Derive(ctx)
	require.NoError(t, err)

	_, err = r.Report(ctx)
	require.Error(t, err)
	require.Equal(t, ExitFailure, ExitCode(err))
}

func TestPipeline_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, testEmissionsCSV)
	env.seedJanuary(t)
	r := env.runner(t)

	_, err := r.Ingest(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Reset(ctx))
	require.NoError(t, r.Reset(ctx))

	var n int
	require.NoError(t, env.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'main'").Scan(&n))
	require.Zero(t, n)

	// After a reset every month is fetched again.
	env.source.calls = nil
	_, err = r.Ingest(ctx)
	require.NoError(t, err)
	require.Len(t, env.source.calls, 4)
}

func TestPipeline_ExitCode(t *testing.T) {
	t.Parallel()

	verification := taxi.ErrCleaningUnverified.WithContext("table", "yellow_trips")
	database := taxi.NewDatabaseError("clean_pass", "boom", nil)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"verification", verification, ExitVerificationFailed},
		{"wrapped verification", fmt.Errorf("clean yellow: %w", verification), ExitVerificationFailed},
		{"only verification aggregated", multierror.Append(nil, verification, taxi.ErrDerivationUnverified), ExitVerificationFailed},
		{"mixed aggregated", multierror.Append(nil, verification, database), ExitFailure},
		{"joined with failure", errors.Join(verification, os.ErrNotExist), ExitFailure},
		{"plain", errors.New("boom"), ExitFailure},
		{"empty multierror", &multierror.Error{}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestPipeline_CleanResultEmbedsPasses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, testEmissionsCSV)
	env.seedJanuary(t)
	r := env.runner(t, func(cfg *Config) { cfg.Fleets = []taxi.Fleet{taxi.Green} })

	_, err := r.Ingest(ctx)
	require.NoError(t, err)
	res, err := r.Clean(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, taxi.Green, res[0].Fleet)
	require.Len(t, res[0].Passes, len(clean.Rules()))
	require.Equal(t, clean.RuleDuration, res[0].Passes[4].Rule)
	require.Equal(t, int64(1), res[0].Passes[4].Removed)
}

func TestPipeline_New_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testEmissionsCSV)

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	r := env.runner(t)
	require.Equal(t, taxi.Fleets(), r.cfg.Fleets)

	_, err = New(Config{Logger: logger, Conn: env.conn, Audit: env.audit, Fetcher: env.source})
	require.ErrorContains(t, err, "month range")
}
