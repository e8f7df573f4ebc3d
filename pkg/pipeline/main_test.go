package pipeline

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/taxilake/pkg/audit"
	"github.com/malbeclabs/taxilake/pkg/duck"
	"github.com/malbeclabs/taxilake/pkg/ingest"
	"github.com/malbeclabs/taxilake/pkg/taxi"
)

var (
	logger *slog.Logger
)

func TestMain(m *testing.M) {
	flag.Parse()
	verbose := false
	if vFlag := flag.Lookup("test.v"); vFlag != nil && vFlag.Value.String() == "true" {
		verbose = true
	}
	if verbose {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level: slog.LevelWarn,
		}))
	}

	os.Exit(m.Run())
}

const testEmissionsCSV = `vehicle_type,fuel_type,mpg_city,mpg_highway,co2_grams_per_mile,vehicle_year_avg
yellow_taxi,gasoline,25,30,400,2017.5
green_taxi,hybrid,40,38,250,2016
`

// sourceDir serves pre-written parquet files by name and reports a missing
// file as a partial source error.
type sourceDir struct {
	dir string

	mu    sync.Mutex
	calls []string
}

func (s *sourceDir) Fetch(ctx context.Context, fileName string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, fileName)
	s.mu.Unlock()

	path := filepath.Join(s.dir, fileName)
	if _, err := os.Stat(path); err != nil {
		return "", taxi.NewPartialSourceError("source_fetch", "source file not found", err).WithContext("file", fileName)
	}
	return path, nil
}

// writeTripFile writes rows, each "(pickup, dropoff, passengers, miles)" in SQL
// literal form, as the published parquet file of fleet for month.
func writeTripFile(t *testing.T, dir string, fleet taxi.Fleet, month string, rows ...string) {
	t.Helper()
	ctx := context.Background()

	db, err := duck.NewDB(ctx, "", logger)
	require.NoError(t, err)
	defer db.Close()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	m, err := ingest.ParseMonth(month)
	require.NoError(t, err)
	path := filepath.Join(dir, fleet.SourceFileName(m))

	query := fmt.Sprintf(`COPY (
	SELECT * FROM (VALUES %s) v(%s, %s, passenger_count, trip_distance)
) TO %s (FORMAT PARQUET)`, strings.Join(rows, ", "), fleet.Pickup(), fleet.Dropoff(), duck.QuoteLiteral(path))
	_, err = conn.ExecContext(ctx, query)
	require.NoError(t, err)
}

func trip(pickup, dropoff string, passengers int, miles float64) string {
	return fmt.Sprintf("(TIMESTAMP '%s', TIMESTAMP '%s', %d, %g)", pickup, dropoff, passengers, miles)
}

type testEnv struct {
	conn      duck.Connection
	source    *sourceDir
	outputDir string
	emissions string
	audit     *audit.Recorder
}

func newTestEnv(t *testing.T, emissionsCSV string) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := duck.NewDB(ctx, filepath.Join(dir, "taxi.duckdb"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	emissions := filepath.Join(dir, "vehicle_emissions.csv")
	require.NoError(t, os.WriteFile(emissions, []byte(emissionsCSV), 0o644))

	sourceRoot := filepath.Join(dir, "source")
	require.NoError(t, os.MkdirAll(sourceRoot, 0o755))

	rec, err := audit.New(audit.Config{Logger: logger, Conn: conn})
	require.NoError(t, err)

	return &testEnv{
		conn:      conn,
		source:    &sourceDir{dir: sourceRoot},
		outputDir: filepath.Join(dir, "output"),
		emissions: emissions,
		audit:     rec,
	}
}

func (e *testEnv) seedJanuary(t *testing.T) {
	t.Helper()
	writeTripFile(t, e.source.dir, taxi.Yellow, "2024-01",
		trip("2024-01-05 08:00:00", "2024-01-05 08:20:00", 1, 10),
		trip("2024-01-05 08:00:00", "2024-01-05 08:20:00", 1, 10),
		trip("2024-01-05 09:00:00", "2024-01-05 09:10:00", 0, 3),
		trip("2024-01-06 10:00:00", "2024-01-06 12:00:00", 1, 150),
		trip("2024-01-07 18:00:00", "2024-01-07 18:30:00", 2, 2),
	)
	writeTripFile(t, e.source.dir, taxi.Green, "2024-01",
		trip("2024-01-02 07:00:00", "2024-01-02 07:15:00", 1, 3),
		trip("2024-01-03 22:00:00", "2024-01-03 22:05:00", 1, 1),
		trip("2024-01-04 11:00:00", "2024-01-04 11:00:00", 1, 4),
	)
}

func (e *testEnv) runner(t *testing.T, mutate ...func(*Config)) *Runner {
	t.Helper()

	months, err := ingest.ParseMonthRange("2024-01", "2024-02")
	require.NoError(t, err)

	cfg := Config{
		Logger:        logger,
		Conn:          e.conn,
		Audit:         e.audit,
		Clock:         clockwork.NewFakeClock(),
		Fetcher:       e.source,
		Months:        months,
		EmissionsCSV:  e.emissions,
		ChartFromYear: 2024,
		ChartPath: func(from, to int) string {
			return filepath.Join(e.outputDir, fmt.Sprintf("chart_%dto%d.png", from, to))
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}
