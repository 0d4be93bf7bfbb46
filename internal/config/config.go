// Package config loads and saves the INI configuration of the rows browser.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rescale/rescale-vrows/internal/constants"
	"github.com/rescale/rescale-vrows/internal/http"
)

// Config is the whole configuration file.
//
// INI format:
//
//	[pager]
//	page_size = 100
//	idle_delay_ms = 500
//	handoff_timeout_ms = 10000
//	teardown_timeout_ms = 5000
//
//	[fetch]
//	max_retries = 4
//	initial_delay_ms = 200
//	max_delay_ms = 5000
//
//	[source]
//	kind = sqlite
//	sqlite_path = ~/.config/rescale/vrows.db
//	table = jobs
//	order_by = id
//	id_column = id
//
//	[metrics]
//	listen = 127.0.0.1:9464
type Config struct {
	Pager   PagerConfig
	Fetch   FetchConfig
	Source  SourceConfig
	Metrics MetricsConfig
}

// PagerConfig sizes the cache and bounds its background work.
type PagerConfig struct {
	PageSize        int
	IdleDelay       time.Duration
	HandoffTimeout  time.Duration
	TeardownTimeout time.Duration
}

// FetchConfig controls retries of a failed page fetch.
type FetchConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// SourceConfig selects where rows come from.
type SourceConfig struct {
	// Kind is one of memory, sqlite or http
	Kind string

	// memory: generated demo rows
	DemoRows    int
	DemoLatency time.Duration

	// sqlite
	SQLitePath string
	Table      string
	OrderBy    string
	IDColumn   string
	Where      string

	// http
	URL        string
	APIKey     string
	RatePerSec float64
	Burst      float64

	ProxyMode     string
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string
}

// Source kinds
const (
	SourceMemory = "memory"
	SourceSQLite = "sqlite"
	SourceHTTP   = "http"
)

// Validation errors
var (
	ErrInvalidPageSize   = errors.New("page_size must be between 1 and 10000")
	ErrInvalidDuration   = errors.New("durations must be positive")
	ErrInvalidRetries    = errors.New("max_retries must be between 1 and 20")
	ErrInvalidSourceKind = errors.New("source kind must be memory, sqlite or http")
	ErrMissingTable      = errors.New("table is required for the sqlite source")
	ErrMissingOrderBy    = errors.New("order_by is required for the sqlite source")
	ErrMissingURL        = errors.New("url is required for the http source")
	ErrInvalidProxyMode  = errors.New("proxy_mode must be no-proxy, system, basic or ntlm")
	ErrInvalidRate       = errors.New("rate_per_sec and burst must not be negative")
)

// DefaultConfig returns a config with every value at its default.
func DefaultConfig() *Config {
	return &Config{
		Pager: PagerConfig{
			PageSize:        constants.DefaultPageSize,
			IdleDelay:       constants.WorkerIdleDelay,
			HandoffTimeout:  constants.HandoffTimeout,
			TeardownTimeout: constants.TeardownTimeout,
		},
		Fetch: FetchConfig{
			MaxRetries:   constants.FetchMaxRetries,
			InitialDelay: constants.FetchInitialDelay,
			MaxDelay:     constants.FetchMaxDelay,
		},
		Source: SourceConfig{
			Kind:        SourceMemory,
			DemoRows:    1000,
			DemoLatency: 50 * time.Millisecond,
			SQLitePath:  DefaultSQLitePath(),
			OrderBy:     "id",
			IDColumn:    "id",
			RatePerSec:  constants.DefaultSourceRatePerSec,
			Burst:       constants.DefaultSourceBurst,
			ProxyMode:   http.ProxyModeNone,
		},
	}
}

// Load reads the config at path over the defaults. An empty path means
// DefaultConfigPath. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyEnv()
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	p := f.Section("pager")
	cfg.Pager.PageSize = p.Key("page_size").MustInt(cfg.Pager.PageSize)
	cfg.Pager.IdleDelay = millis(p.Key("idle_delay_ms"), cfg.Pager.IdleDelay)
	cfg.Pager.HandoffTimeout = millis(p.Key("handoff_timeout_ms"), cfg.Pager.HandoffTimeout)
	cfg.Pager.TeardownTimeout = millis(p.Key("teardown_timeout_ms"), cfg.Pager.TeardownTimeout)

	fe := f.Section("fetch")
	cfg.Fetch.MaxRetries = fe.Key("max_retries").MustInt(cfg.Fetch.MaxRetries)
	cfg.Fetch.InitialDelay = millis(fe.Key("initial_delay_ms"), cfg.Fetch.InitialDelay)
	cfg.Fetch.MaxDelay = millis(fe.Key("max_delay_ms"), cfg.Fetch.MaxDelay)

	s := f.Section("source")
	cfg.Source.Kind = strings.ToLower(s.Key("kind").MustString(cfg.Source.Kind))
	cfg.Source.DemoRows = s.Key("demo_rows").MustInt(cfg.Source.DemoRows)
	cfg.Source.DemoLatency = millis(s.Key("demo_latency_ms"), cfg.Source.DemoLatency)
	cfg.Source.SQLitePath = expandHome(s.Key("sqlite_path").MustString(cfg.Source.SQLitePath))
	cfg.Source.Table = s.Key("table").String()
	cfg.Source.OrderBy = s.Key("order_by").MustString(cfg.Source.OrderBy)
	cfg.Source.IDColumn = s.Key("id_column").MustString(cfg.Source.IDColumn)
	cfg.Source.Where = s.Key("where").String()
	cfg.Source.URL = s.Key("url").String()
	cfg.Source.APIKey = s.Key("api_key").String()
	cfg.Source.RatePerSec = s.Key("rate_per_sec").MustFloat64(cfg.Source.RatePerSec)
	cfg.Source.Burst = s.Key("burst").MustFloat64(cfg.Source.Burst)
	cfg.Source.ProxyMode = strings.ToLower(s.Key("proxy_mode").MustString(cfg.Source.ProxyMode))
	cfg.Source.ProxyHost = s.Key("proxy_host").String()
	cfg.Source.ProxyPort = s.Key("proxy_port").MustInt(0)
	cfg.Source.ProxyUser = s.Key("proxy_user").String()
	cfg.Source.ProxyPassword = s.Key("proxy_password").String()
	cfg.Source.NoProxy = s.Key("no_proxy").String()

	cfg.Metrics.Listen = f.Section("metrics").Key("listen").String()

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv fills secrets the file left empty from the environment.
func (cfg *Config) applyEnv() {
	if cfg.Source.APIKey == "" {
		cfg.Source.APIKey = os.Getenv("VROWS_API_KEY")
	}
	if cfg.Source.ProxyPassword == "" {
		cfg.Source.ProxyPassword = os.Getenv("VROWS_PROXY_PASSWORD")
	}
}

// Save writes cfg to path. Creates parent directories if they don't exist.
// The API key is stored in the file - ensure appropriate file permissions.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f := ini.Empty()

	p, err := f.NewSection("pager")
	if err != nil {
		return fmt.Errorf("failed to create pager section: %w", err)
	}
	p.Key("page_size").SetValue(strconv.Itoa(cfg.Pager.PageSize))
	p.Key("idle_delay_ms").SetValue(msString(cfg.Pager.IdleDelay))
	p.Key("handoff_timeout_ms").SetValue(msString(cfg.Pager.HandoffTimeout))
	p.Key("teardown_timeout_ms").SetValue(msString(cfg.Pager.TeardownTimeout))

	fe, err := f.NewSection("fetch")
	if err != nil {
		return fmt.Errorf("failed to create fetch section: %w", err)
	}
	fe.Key("max_retries").SetValue(strconv.Itoa(cfg.Fetch.MaxRetries))
	fe.Key("initial_delay_ms").SetValue(msString(cfg.Fetch.InitialDelay))
	fe.Key("max_delay_ms").SetValue(msString(cfg.Fetch.MaxDelay))

	s, err := f.NewSection("source")
	if err != nil {
		return fmt.Errorf("failed to create source section: %w", err)
	}
	s.Key("kind").SetValue(cfg.Source.Kind)
	s.Key("demo_rows").SetValue(strconv.Itoa(cfg.Source.DemoRows))
	s.Key("demo_latency_ms").SetValue(msString(cfg.Source.DemoLatency))
	s.Key("sqlite_path").SetValue(cfg.Source.SQLitePath)
	s.Key("table").SetValue(cfg.Source.Table)
	s.Key("order_by").SetValue(cfg.Source.OrderBy)
	s.Key("id_column").SetValue(cfg.Source.IDColumn)
	s.Key("where").SetValue(cfg.Source.Where)
	s.Key("url").SetValue(cfg.Source.URL)
	s.Key("api_key").SetValue(cfg.Source.APIKey)
	s.Key("rate_per_sec").SetValue(strconv.FormatFloat(cfg.Source.RatePerSec, 'g', -1, 64))
	s.Key("burst").SetValue(strconv.FormatFloat(cfg.Source.Burst, 'g', -1, 64))
	s.Key("proxy_mode").SetValue(cfg.Source.ProxyMode)
	s.Key("proxy_host").SetValue(cfg.Source.ProxyHost)
	if cfg.Source.ProxyPort > 0 {
		s.Key("proxy_port").SetValue(strconv.Itoa(cfg.Source.ProxyPort))
	}
	s.Key("proxy_user").SetValue(cfg.Source.ProxyUser)
	// Proxy password is never written; use VROWS_PROXY_PASSWORD
	s.Key("no_proxy").SetValue(cfg.Source.NoProxy)

	m, err := f.NewSection("metrics")
	if err != nil {
		return fmt.Errorf("failed to create metrics section: %w", err)
	}
	m.Key("listen").SetValue(cfg.Metrics.Listen)

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := f.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	// Set restrictive permissions (API key is sensitive)
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Validate checks the configuration. Returns nil if valid, or an error
// describing what's wrong.
func (cfg *Config) Validate() error {
	if cfg.Pager.PageSize < 1 || cfg.Pager.PageSize > constants.MaxPageSize {
		return ErrInvalidPageSize
	}
	if cfg.Pager.IdleDelay <= 0 || cfg.Pager.HandoffTimeout <= 0 || cfg.Pager.TeardownTimeout <= 0 ||
		cfg.Fetch.InitialDelay <= 0 || cfg.Fetch.MaxDelay <= 0 {
		return ErrInvalidDuration
	}
	if cfg.Fetch.MaxRetries < 1 || cfg.Fetch.MaxRetries > 20 {
		return ErrInvalidRetries
	}

	switch cfg.Source.Kind {
	case SourceMemory:
	case SourceSQLite:
		if strings.TrimSpace(cfg.Source.Table) == "" {
			return ErrMissingTable
		}
		if strings.TrimSpace(cfg.Source.OrderBy) == "" {
			return ErrMissingOrderBy
		}
	case SourceHTTP:
		if strings.TrimSpace(cfg.Source.URL) == "" {
			return ErrMissingURL
		}
		if !http.ValidProxyMode(cfg.Source.ProxyMode) {
			return ErrInvalidProxyMode
		}
		if cfg.Source.RatePerSec < 0 || cfg.Source.Burst < 0 {
			return ErrInvalidRate
		}
	default:
		return ErrInvalidSourceKind
	}
	return nil
}

// RetryConfig returns the fetch retry policy.
func (cfg *Config) RetryConfig() http.Config {
	return http.Config{
		MaxRetries:   cfg.Fetch.MaxRetries,
		InitialDelay: cfg.Fetch.InitialDelay,
		MaxDelay:     cfg.Fetch.MaxDelay,
	}
}

// ProxyConfig returns the proxy settings of the http source.
func (cfg *Config) ProxyConfig() http.ProxyConfig {
	return http.ProxyConfig{
		Mode:     cfg.Source.ProxyMode,
		Host:     cfg.Source.ProxyHost,
		Port:     cfg.Source.ProxyPort,
		User:     cfg.Source.ProxyUser,
		Password: cfg.Source.ProxyPassword,
		NoProxy:  cfg.Source.NoProxy,
	}
}

func millis(k *ini.Key, def time.Duration) time.Duration {
	ms := k.MustInt64(int64(def / time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

func msString(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Millisecond), 10)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
