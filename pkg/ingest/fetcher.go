package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/malbeclabs/taxilake/pkg/taxi"
)

const defaultFetchTimeout = 10 * time.Minute

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type FetcherConfig struct {
	Logger     *slog.Logger
	HTTPClient HTTPClient
	BaseURL    string
	CacheDir   string
}

func (cfg *FetcherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.CacheDir == "" {
		return errors.New("cache dir is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	return nil
}

// Fetcher downloads source trip files into a local cache directory.
type Fetcher struct {
	log *slog.Logger
	cfg FetcherConfig
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate fetcher config: %w", err)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Fetcher{log: cfg.Logger, cfg: cfg}, nil
}

// Fetch returns the local path of fileName, downloading it from the base URL unless
// it is already cached. Transport failures are connectivity errors; a non-200
// response is a partial source error.
func (f *Fetcher) Fetch(ctx context.Context, fileName string) (string, error) {
	dst := filepath.Join(f.cfg.CacheDir, fileName)
	if st, err := os.Stat(dst); err == nil && st.Size() > 0 {
		f.log.Debug("ingest: using cached source file", "file", fileName, "path", dst)
		return dst, nil
	}

	url := strings.TrimRight(f.cfg.BaseURL, "/") + "/" + fileName
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", taxi.NewConnectivityError("source_fetch", "request failed", err).WithContext("url", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", taxi.NewPartialSourceError("source_fetch", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil).
			WithContext("url", url).
			WithContext("body", strings.TrimSpace(string(body)))
	}

	tmp, err := os.CreateTemp(f.cfg.CacheDir, fileName+".*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", taxi.NewConnectivityError("source_fetch", "download interrupted", err).WithContext("url", url)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to move %s into cache: %w", fileName, err)
	}

	f.log.Debug("ingest: downloaded source file", "file", fileName, "bytes", n, "duration", time.Since(start).String())
	return dst, nil
}
