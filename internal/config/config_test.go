package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rescale/rescale-vrows/internal/constants"
	"github.com/rescale/rescale-vrows/internal/http"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pager.PageSize != constants.DefaultPageSize {
		t.Errorf("expected default page size %d, got %d", constants.DefaultPageSize, cfg.Pager.PageSize)
	}
	if cfg.Source.Kind != SourceMemory {
		t.Errorf("expected memory source by default, got %s", cfg.Source.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("VROWS_API_KEY", "from-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pager.PageSize != constants.DefaultPageSize {
		t.Errorf("expected defaults, got page size %d", cfg.Pager.PageSize)
	}
	if cfg.Source.APIKey != "from-env" {
		t.Errorf("expected API key from environment, got %q", cfg.Source.APIKey)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "vrows.ini")

	cfg := DefaultConfig()
	cfg.Pager.PageSize = 250
	cfg.Pager.HandoffTimeout = 3 * time.Second
	cfg.Fetch.MaxRetries = 6
	cfg.Fetch.InitialDelay = 150 * time.Millisecond
	cfg.Source.Kind = SourceHTTP
	cfg.Source.URL = "https://platform.example.com/api/v3/jobs/"
	cfg.Source.APIKey = "secret-key"
	cfg.Source.RatePerSec = 1.6
	cfg.Source.ProxyMode = http.ProxyModeBasic
	cfg.Source.ProxyHost = "proxy.corp"
	cfg.Source.ProxyPort = 3128
	cfg.Source.ProxyPassword = "not-saved"
	cfg.Source.NoProxy = "localhost,.internal"
	cfg.Metrics.Listen = "127.0.0.1:9464"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("expected 0600 permissions, got %o", perm)
		}
	}

	t.Setenv("VROWS_PROXY_PASSWORD", "")
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Pager.PageSize != 250 || loaded.Pager.HandoffTimeout != 3*time.Second {
		t.Errorf("pager section not round-tripped: %+v", loaded.Pager)
	}
	if loaded.Fetch.MaxRetries != 6 || loaded.Fetch.InitialDelay != 150*time.Millisecond {
		t.Errorf("fetch section not round-tripped: %+v", loaded.Fetch)
	}
	if loaded.Source.URL != cfg.Source.URL || loaded.Source.APIKey != "secret-key" || loaded.Source.RatePerSec != 1.6 {
		t.Errorf("source section not round-tripped: %+v", loaded.Source)
	}
	if loaded.Source.ProxyHost != "proxy.corp" || loaded.Source.ProxyPort != 3128 || loaded.Source.NoProxy != "localhost,.internal" {
		t.Errorf("proxy settings not round-tripped: %+v", loaded.Source)
	}
	if loaded.Source.ProxyPassword != "" {
		t.Error("proxy password must not be written to disk")
	}
	if loaded.Metrics.Listen != "127.0.0.1:9464" {
		t.Errorf("metrics section not round-tripped: %+v", loaded.Metrics)
	}

	retry := loaded.RetryConfig()
	if retry.MaxRetries != 6 || retry.MaxDelay != constants.FetchMaxDelay {
		t.Errorf("unexpected retry config %+v", retry)
	}
	if pc := loaded.ProxyConfig(); pc.Mode != http.ProxyModeBasic || pc.Port != 3128 {
		t.Errorf("unexpected proxy config %+v", pc)
	}
}

func TestLoad_ParsesHandWrittenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vrows.ini")
	content := `[pager]
page_size = 50

[source]
kind = SQLite
table = jobs
order_by = created_at desc, id
where = status = 'done'
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pager.PageSize != 50 || cfg.Pager.IdleDelay != constants.WorkerIdleDelay {
		t.Errorf("unexpected pager config %+v", cfg.Pager)
	}
	if cfg.Source.Kind != SourceSQLite || cfg.Source.OrderBy != "created_at desc, id" || cfg.Source.Where != "status = 'done'" {
		t.Errorf("unexpected source config %+v", cfg.Source)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"page size zero", func(c *Config) { c.Pager.PageSize = 0 }, ErrInvalidPageSize},
		{"page size too big", func(c *Config) { c.Pager.PageSize = constants.MaxPageSize + 1 }, ErrInvalidPageSize},
		{"zero idle delay", func(c *Config) { c.Pager.IdleDelay = 0 }, ErrInvalidDuration},
		{"no retries", func(c *Config) { c.Fetch.MaxRetries = 0 }, ErrInvalidRetries},
		{"unknown kind", func(c *Config) { c.Source.Kind = "csv" }, ErrInvalidSourceKind},
		{"sqlite without table", func(c *Config) { c.Source.Kind = SourceSQLite }, ErrMissingTable},
		{"sqlite without order", func(c *Config) {
			c.Source.Kind = SourceSQLite
			c.Source.Table = "jobs"
			c.Source.OrderBy = " "
		}, ErrMissingOrderBy},
		{"http without url", func(c *Config) { c.Source.Kind = SourceHTTP }, ErrMissingURL},
		{"bad proxy mode", func(c *Config) {
			c.Source.Kind = SourceHTTP
			c.Source.URL = "https://x"
			c.Source.ProxyMode = "socks"
		}, ErrInvalidProxyMode},
		{"negative rate", func(c *Config) {
			c.Source.Kind = SourceHTTP
			c.Source.URL = "https://x"
			c.Source.RatePerSec = -1
		}, ErrInvalidRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDefaultConfigPath(t *testing.T) {
	if filepath.Base(DefaultConfigPath()) != "vrows.ini" {
		t.Errorf("unexpected config path %s", DefaultConfigPath())
	}
	if filepath.Dir(DefaultSQLitePath()) != ConfigDirectory() {
		t.Errorf("sqlite path %s not under %s", DefaultSQLitePath(), ConfigDirectory())
	}
}
