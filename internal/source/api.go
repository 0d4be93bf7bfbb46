package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/rescale-vrows/internal/constants"
	"github.com/rescale/rescale-vrows/internal/http"
	"github.com/rescale/rescale-vrows/internal/logging"
	"github.com/rescale/rescale-vrows/internal/ratelimit"
)

// ErrBadStatus is returned for non-200 responses. The message carries the
// status code so http.ClassifyError can tell retryable from fatal.
var ErrBadStatus = errors.New("unexpected status")

// defaultCooldown applies when a 429 carries no usable Retry-After.
const defaultCooldown = 30 * time.Second

// retryLogger implements the retryablehttp.LeveledLogger interface
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Interface("details", keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// Only log errors and warnings, not all info
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	// Only log errors and warnings
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Interface("details", keysAndValues).Msg(msg)
}

// APIConfig configures an APISource.
type APIConfig struct {
	// URL of the list endpoint; limit and offset are added to its query
	URL    string
	APIKey string

	RatePerSec float64
	Burst      float64

	// Transport level retries of 5xx and connection errors
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	Proxy  http.ProxyConfig
	Logger *logging.Logger
}

type listResponse[R any] struct {
	Count   int `json:"count"`
	Results []R `json:"results"`
}

// APISource pages through a JSON list endpoint answering
// ?limit=&offset= with {"count": N, "results": [...]}.
type APISource[R any] struct {
	client   *nethttp.Client
	endpoint *url.URL
	apiKey   string
	limiter  *ratelimit.RateLimiter
	logger   *logging.Logger
}

// NewAPISource creates a source. Sources for the same host and key share one
// rate limiter.
func NewAPISource[R any](cfg APIConfig) (*APISource[R], error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("invalid source url %q: scheme must be http or https", cfg.URL)
	}

	logger := logging.OrNop(cfg.Logger).Named("api-source")

	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = constants.DefaultSourceRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = constants.DefaultSourceBurst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = constants.FetchInitialDelay
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = constants.FetchMaxDelay
	}

	httpClient, err := http.CreateOptimizedClient(cfg.Proxy, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.Logger = &retryLogger{logger: logger}
	// Hand the final response back so 429 and 5xx bodies reach LoadPage
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limiter := ratelimit.GlobalStore().GetLimiter(endpoint.Scheme+"://"+endpoint.Host, cfg.APIKey, cfg.RatePerSec, cfg.Burst)
	limiter.SetLogger(logger)

	return &APISource[R]{
		client:   retryClient.StandardClient(),
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// Limiter returns the shared rate limiter.
func (s *APISource[R]) Limiter() *ratelimit.RateLimiter {
	return s.limiter
}

// LoadPage implements pager.Fetcher.
func (s *APISource[R]) LoadPage(ctx context.Context, offset, limit int) ([]R, int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limiter cancelled: %w", err)
	}

	u := *s.endpoint
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, constants.HTTPRequestTimeout)
	defer cancel()
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Token "+s.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusTooManyRequests {
		cooldown := retryAfter(resp.Header.Get("Retry-After"))
		s.limiter.SetCooldown(cooldown)
		s.logger.Warn().
			Str("url", s.endpoint.Redacted()).
			Dur("cooldown", cooldown).
			Msg("Rate limited by server, pausing requests")
	}
	if resp.StatusCode != nethttp.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("%w: %d %s: %s", ErrBadStatus, resp.StatusCode, nethttp.StatusText(resp.StatusCode), body)
	}

	var page listResponse[R]
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, 0, fmt.Errorf("failed to decode page: %w", err)
	}
	if page.Count < offset+len(page.Results) {
		return nil, 0, fmt.Errorf("inconsistent page: count %d but %d results at offset %d", page.Count, len(page.Results), offset)
	}
	if want := min(limit, page.Count-offset); len(page.Results) < want {
		return nil, 0, fmt.Errorf("inconsistent page: count %d but only %d results at offset %d", page.Count, len(page.Results), offset)
	}
	return page.Results, page.Count, nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultCooldown
}
