package modules

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DefaultMaxSize is the largest bundle the default fetcher accepts.
const DefaultMaxSize = 8 << 20

// Fetcher reads the raw bytes of a bundle.
type Fetcher interface {
	Fetch(ctx context.Context, loc Location) ([]byte, error)
}

// FetcherConfig configures the default fetcher.
type FetcherConfig struct {
	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// MaxAttempts is the number of HTTP attempts before giving up.
	MaxAttempts uint

	// MaxSize is the largest accepted bundle in bytes.
	MaxSize int64

	// Client overrides the HTTP client.
	Client *http.Client
}

// DefaultFetcher reads local bundles from disk and remote bundles over HTTP.
// Transport errors and 5xx responses are retried with exponential backoff; other
// non-2xx responses fail immediately.
type DefaultFetcher struct {
	client      *http.Client
	maxAttempts uint
	maxSize     int64
	logger      zerolog.Logger
}

// NewFetcher creates the default fetcher.
func NewFetcher(cfg FetcherConfig, logger zerolog.Logger) *DefaultFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &DefaultFetcher{
		client:      client,
		maxAttempts: cfg.MaxAttempts,
		maxSize:     cfg.MaxSize,
		logger:      logger.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch returns the bundle bytes at loc.
func (f *DefaultFetcher) Fetch(ctx context.Context, loc Location) ([]byte, error) {
	if !loc.IsRemote() {
		return f.fetchLocal(loc)
	}

	notify := func(err error, wait time.Duration) {
		f.logger.Warn().Err(err).Str("location", loc.String()).Dur("retry_in", wait).Msg("Fetch failed, retrying")
	}

	return backoff.Retry(ctx, func() ([]byte, error) {
		return f.fetchRemote(ctx, loc)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(f.maxAttempts),
		backoff.WithNotify(notify),
	)
}

func (f *DefaultFetcher) fetchLocal(loc Location) ([]byte, error) {
	info, err := os.Stat(loc.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to stat module %s: %w", loc, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("module %s is a directory", loc)
	}
	if info.Size() > f.maxSize {
		return nil, fmt.Errorf("module %s is %s, larger than the %s limit",
			loc, humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(f.maxSize)))
	}

	data, err := os.ReadFile(loc.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", loc, err)
	}
	return data, nil
}

func (f *DefaultFetcher) fetchRemote(ctx context.Context, loc Location) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request for %s: %w", loc, err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch module %s: %w", loc, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("failed to fetch module %s: %s", loc, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, backoff.Permanent(fmt.Errorf("failed to fetch module %s: %s", loc, resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", loc, err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, backoff.Permanent(fmt.Errorf("module %s is larger than the %s limit",
			loc, humanize.Bytes(uint64(f.maxSize))))
	}

	f.logger.Debug().Str("location", loc.String()).Str("size", humanize.Bytes(uint64(len(data)))).Msg("Fetched module")
	return data, nil
}
