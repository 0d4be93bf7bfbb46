package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/rescale-vrows/internal/constants"
	"github.com/rescale/rescale-vrows/internal/logging"
)

// Proxy modes accepted by ProxyConfig.Mode
const (
	ProxyModeNone   = "no-proxy"
	ProxyModeSystem = "system"
	ProxyModeBasic  = "basic"
	ProxyModeNTLM   = "ntlm"
)

// ProxyConfig describes how the page source reaches its API.
type ProxyConfig struct {
	Mode     string
	Host     string
	Port     int
	User     string
	Password string
	// NoProxy is a comma separated bypass list (hosts, *.domains, CIDRs)
	NoProxy string
	// WarmupURL, when set, is requested once after the client is built so
	// proxy authentication happens before the first page fetch.
	WarmupURL string
}

// ValidProxyMode reports whether mode is one of the supported proxy modes.
func ValidProxyMode(mode string) bool {
	switch strings.ToLower(mode) {
	case "", ProxyModeNone, ProxyModeSystem, ProxyModeBasic, ProxyModeNTLM:
		return true
	}
	return false
}

// ConfigureHTTPClient builds an HTTP client with proxy settings applied.
// The returned client has no overall timeout; callers bound requests with a context.
func ConfigureHTTPClient(cfg ProxyConfig, logger *logging.Logger) (*nethttp.Client, error) {
	logger = logging.OrNop(logger).Named("http")

	transport := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}

	var client *nethttp.Client

	switch strings.ToLower(cfg.Mode) {
	case ProxyModeNone, "":
		transport.Proxy = nil
		client = &nethttp.Client{Transport: transport}

	case ProxyModeSystem:
		transport.Proxy = nethttp.ProxyFromEnvironment
		client = &nethttp.Client{Transport: transport}

	case ProxyModeNTLM:
		if cfg.Host == "" {
			logger.Warn().Msg("Proxy mode is ntlm but host is missing, falling back to no-proxy")
			return &nethttp.Client{Transport: transport}, nil
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy, logger)
		client = &nethttp.Client{
			Transport: ntlmssp.Negotiator{RoundTripper: transport},
		}

	case ProxyModeBasic:
		if cfg.Host == "" {
			logger.Warn().Msg("Proxy mode is basic but host is missing, falling back to no-proxy")
			return &nethttp.Client{Transport: transport}, nil
		}
		if cfg.User != "" && cfg.Password == "" {
			logger.Warn().Msg("Proxy user configured but password missing, proxy auth disabled")
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy, logger)
		client = &nethttp.Client{Transport: transport}

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.Mode)
	}

	if cfg.WarmupURL != "" && proxyActive(cfg) {
		if err := warmupProxy(client, cfg.WarmupURL); err != nil {
			return nil, fmt.Errorf("proxy warmup failed: %w", err)
		}
	}

	return client, nil
}

// buildProxyURL constructs a proxy URL from config
func buildProxyURL(cfg ProxyConfig) *url.URL {
	port := cfg.Port
	if port == 0 {
		port = constants.DefaultProxyPort
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, port),
	}

	// Only embed credentials if both user AND password are provided
	if cfg.User != "" && cfg.Password != "" {
		proxyURL.User = url.UserPassword(cfg.User, cfg.Password)
	}

	return proxyURL
}

func warmupProxy(client *nethttp.Client, warmupURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), constants.HTTPProxyWarmupTimeout)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, "GET", warmupURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("warmup request returned server error: %d", resp.StatusCode)
	}

	return nil
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// If noProxy is empty, behaves identically to nethttp.ProxyURL.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string, logger *logging.Logger) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	logger = logging.OrNop(logger)
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			logger.Debug().Str("host", req.URL.Host).Msg("Proxy bypass")
		} else {
			logger.Debug().Str("host", req.URL.Host).Str("proxy", result.Host).Msg("Proxied")
		}
		return result, err
	}
}

// NeedsProxyPassword returns true if the proxy configuration requires a password
// but one has not been provided.
func NeedsProxyPassword(cfg ProxyConfig) bool {
	mode := strings.ToLower(cfg.Mode)
	if mode != ProxyModeBasic && mode != ProxyModeNTLM {
		return false
	}
	return cfg.User != "" && cfg.Password == ""
}
