package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestConfig_DefaultsAreValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 9*time.Second, cfg.Throttle)
	require.Equal(t, 2015, cfg.ChartFromYear)
}

func TestConfig_BindFlags(t *testing.T) {
	t.Parallel()

	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{"--db-path", "x.duckdb", "--from", "2020-02", "--throttle", "0s", "--verbose"}))
	require.Equal(t, "x.duckdb", cfg.DBPath)
	require.Equal(t, "2020-02", cfg.From)
	require.Equal(t, time.Duration(0), cfg.Throttle)
	require.True(t, cfg.Verbose)
	require.Equal(t, DefaultTo, cfg.To)
}

func TestConfig_ApplyEnvOverridesFlags(t *testing.T) {
	t.Parallel()

	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--db-path", "flag.duckdb"}))

	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"TAXILAKE_DB_PATH":         "env.duckdb",
		"TAXILAKE_THROTTLE":        "1500ms",
		"TAXILAKE_CHART_FROM_YEAR": "2019",
		"TAXILAKE_VERBOSE":         "true",
		"TAXILAKE_LOG_DIR":         "",
	}))
	require.NoError(t, err)
	require.Equal(t, "env.duckdb", cfg.DBPath)
	require.Equal(t, 1500*time.Millisecond, cfg.Throttle)
	require.Equal(t, 2019, cfg.ChartFromYear)
	require.True(t, cfg.Verbose)
	require.Equal(t, DefaultLogDir, cfg.LogDir)
}

func TestConfig_ApplyEnvRejectsBadValues(t *testing.T) {
	t.Parallel()

	for _, env := range []map[string]string{
		{"TAXILAKE_THROTTLE": "soon"},
		{"TAXILAKE_CHART_FROM_YEAR": "twenty"},
		{"TAXILAKE_VERBOSE": "maybe"},
	} {
		require.Error(t, Default().ApplyEnv(lookupFrom(env)))
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"bad source url", func(c *Config) { c.SourceBaseURL = "ftp://example.com" }},
		{"bad from month", func(c *Config) { c.From = "2020-13" }},
		{"to before from", func(c *Config) { c.From, c.To = "2021-01", "2020-12" }},
		{"negative throttle", func(c *Config) { c.Throttle = -time.Second }},
		{"bad artifact uri", func(c *Config) { c.ArtifactURI = "gs://bucket" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_LoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TAXILAKE_TEST_DOTENV=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("TAXILAKE_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "loaded", os.Getenv("TAXILAKE_TEST_DOTENV"))
}

func TestConfig_ChartPath(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.OutputDir = "out"
	require.Equal(t, filepath.Join("out", "taxi_co2_emissions_2015to2024.png"), cfg.ChartPath(2015, 2024))
}
