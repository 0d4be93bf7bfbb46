package constants

import (
	"time"
)

// Paging defaults
const (
	// DefaultPageSize - rows fetched per page when the config does not say otherwise
	DefaultPageSize = 100

	// MaxPageSize - upper bound accepted by config validation.
	// Larger pages make a single miss block the viewport for longer.
	MaxPageSize = 10000
)

// Worker timing
const (
	// WorkerIdleDelay - fallback wake-up of the loader worker when nothing nudged it.
	// The worker is normally woken by task appends, this only bounds missed wake-ups.
	WorkerIdleDelay = 500 * time.Millisecond

	// HandoffTimeout - how long the worker waits for the owner loop to run a
	// completion before reporting a stuck owner (10 seconds)
	HandoffTimeout = 10 * time.Second

	// TeardownTimeout - default bound for graceful worker shutdown (5 seconds)
	TeardownTimeout = 5 * time.Second
)

// Fetch retry defaults
const (
	// FetchMaxRetries - attempts per page fetch before the task is dropped
	FetchMaxRetries = 4

	// FetchInitialDelay - base delay for exponential backoff between attempts
	FetchInitialDelay = 200 * time.Millisecond

	// FetchMaxDelay - cap on a single backoff sleep
	FetchMaxDelay = 5 * time.Second
)

// HTTP source settings
const (
	// HTTPRequestTimeout - bound on one page request, retries included (30 seconds)
	HTTPRequestTimeout = 30 * time.Second

	// HTTPDialTimeout - TCP connect timeout (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - TCP keep-alive probe interval (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPExpectContinueTimeout - wait for a 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPProxyWarmupTimeout - bound on the optional proxy warmup request (15 seconds)
	HTTPProxyWarmupTimeout = 15 * time.Second

	// DefaultProxyPort - used when a proxy host is configured without a port
	DefaultProxyPort = 8080

	// HTTPIdleConnTimeout - idle connection lifetime in the pool (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - TLS handshake timeout (10 seconds)
	HTTPTLSHandshakeTimeout = 10 * time.Second

	// DefaultSourceRatePerSec - request rate toward the page API (token bucket refill)
	DefaultSourceRatePerSec = 5.0

	// DefaultSourceBurst - token bucket capacity for the page API
	DefaultSourceBurst = 20.0
)

// Event bus settings
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	// Row change bursts after a reload are small (at most three events), but
	// scrolling produces one update per loaded page.
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// Metrics
const (
	// MetricsNamespace - prometheus namespace for all collectors
	MetricsNamespace = "vrows"
)
