package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

const (
	EnvPrefix = "TAXILAKE_"

	DefaultDBPath        = "taxi_data.duckdb"
	DefaultDataDir       = ".tmp/trip-data"
	DefaultLogDir        = "logs"
	DefaultOutputDir     = "output"
	DefaultEmissionsCSV  = "data/vehicle_emissions.csv"
	DefaultSourceBaseURL = "https://d37ci6vzurychx.cloudfront.net/trip-data"
	DefaultFrom          = "2015-01"
	DefaultTo            = "2024-12"
	DefaultThrottle      = 9 * time.Second
	DefaultChartFromYear = 2015

	monthLayout = "2006-01"
)

type Config struct {
	DBPath        string
	DataDir       string
	LogDir        string
	OutputDir     string
	EmissionsCSV  string
	SourceBaseURL string
	From          string
	To            string
	Throttle      time.Duration
	ChartFromYear int
	// ArtifactURI is an optional s3://bucket/prefix the chart is uploaded to.
	ArtifactURI string
	MetricsAddr string
	Verbose     bool
}

func Default() *Config {
	return &Config{
		DBPath:        DefaultDBPath,
		DataDir:       DefaultDataDir,
		LogDir:        DefaultLogDir,
		OutputDir:     DefaultOutputDir,
		EmissionsCSV:  DefaultEmissionsCSV,
		SourceBaseURL: DefaultSourceBaseURL,
		From:          DefaultFrom,
		To:            DefaultTo,
		Throttle:      DefaultThrottle,
		ChartFromYear: DefaultChartFromYear,
	}
}

// BindFlags registers every setting on fs with c's current values as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DBPath, "db-path", c.DBPath, "path to the DuckDB database file (or set TAXILAKE_DB_PATH env var)")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory downloaded trip files are cached in")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "directory for per-stage log files")
	fs.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "directory report artifacts are written to")
	fs.StringVar(&c.EmissionsCSV, "emissions-csv", c.EmissionsCSV, "path to vehicle_emissions.csv")
	fs.StringVar(&c.SourceBaseURL, "source-base-url", c.SourceBaseURL, "base URL of the monthly trip files")
	fs.StringVar(&c.From, "from", c.From, "first month to ingest (YYYY-MM)")
	fs.StringVar(&c.To, "to", c.To, "last month to ingest (YYYY-MM)")
	fs.DurationVar(&c.Throttle, "throttle", c.Throttle, "pause between successive source file fetches")
	fs.IntVar(&c.ChartFromYear, "chart-from-year", c.ChartFromYear, "first pickup year included in the monthly CO2 chart")
	fs.StringVar(&c.ArtifactURI, "artifact-uri", c.ArtifactURI, "optional s3://bucket/prefix to upload the chart to")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address to serve prometheus metrics on (empty disables)")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "enable verbose (debug) logging")
}

// LoadDotEnv loads path into the process environment when it exists. Variables
// already set are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings with TAXILAKE_* variables found through lookup, for
// example TAXILAKE_DB_PATH for --db-path.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("DB_PATH", &c.DBPath)
	str("DATA_DIR", &c.DataDir)
	str("LOG_DIR", &c.LogDir)
	str("OUTPUT_DIR", &c.OutputDir)
	str("EMISSIONS_CSV", &c.EmissionsCSV)
	str("SOURCE_BASE_URL", &c.SourceBaseURL)
	str("FROM", &c.From)
	str("TO", &c.To)
	str("ARTIFACT_URI", &c.ArtifactURI)
	str("METRICS_ADDR", &c.MetricsAddr)

	if v, ok := lookup(EnvPrefix + "THROTTLE"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sTHROTTLE: %w", EnvPrefix, err)
		}
		c.Throttle = d
	}
	if v, ok := lookup(EnvPrefix + "CHART_FROM_YEAR"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sCHART_FROM_YEAR: %w", EnvPrefix, err)
		}
		c.ChartFromYear = n
	}
	if v, ok := lookup(EnvPrefix + "VERBOSE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sVERBOSE: %w", EnvPrefix, err)
		}
		c.Verbose = b
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db path is required")
	}
	if c.DataDir == "" {
		return errors.New("data dir is required")
	}
	if c.LogDir == "" {
		return errors.New("log dir is required")
	}
	if c.OutputDir == "" {
		return errors.New("output dir is required")
	}
	if c.EmissionsCSV == "" {
		return errors.New("emissions csv path is required")
	}
	u, err := url.Parse(c.SourceBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source base url must be an http(s) URL, got %q", c.SourceBaseURL)
	}
	from, err := time.Parse(monthLayout, c.From)
	if err != nil {
		return fmt.Errorf("invalid from month %q: expected YYYY-MM", c.From)
	}
	to, err := time.Parse(monthLayout, c.To)
	if err != nil {
		return fmt.Errorf("invalid to month %q: expected YYYY-MM", c.To)
	}
	if to.Before(from) {
		return fmt.Errorf("to month %s is before from month %s", c.To, c.From)
	}
	if c.Throttle < 0 {
		return errors.New("throttle must be non-negative")
	}
	if c.ChartFromYear < 1900 || c.ChartFromYear > 9999 {
		return fmt.Errorf("chart from year %d out of range", c.ChartFromYear)
	}
	if c.ArtifactURI != "" && !strings.HasPrefix(c.ArtifactURI, "s3://") {
		return fmt.Errorf("artifact uri must start with s3://, got %q", c.ArtifactURI)
	}
	return nil
}

// ChartPath is the PNG path for a chart covering fromYear through toYear.
func (c *Config) ChartPath(fromYear, toYear int) string {
	return filepath.Join(c.OutputDir, fmt.Sprintf("taxi_co2_emissions_%dto%d.png", fromYear, toYear))
}
