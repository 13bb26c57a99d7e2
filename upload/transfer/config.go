package transfer

import (
	"net/http"
	"runtime"
	"time"
)

// Config holds configuration for the transfer executor.
type Config struct {
	// Concurrency is the maximum number of parallel part uploads of one file.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxInFlight bounds the storage requests in flight across every file and batch
	// sharing the executor.
	// Default: 4 * Concurrency
	MaxInFlight int

	// MaxAttempts is the number of attempts per step, the first one included.
	// Default: 4
	MaxAttempts int

	// RetrySinglePost enables retries of single shot POST uploads. Off by default:
	// a failed POST fails the file right away.
	RetrySinglePost bool

	// RequestTimeout bounds a single storage request. Exceeding it is a transient failure.
	// Default: 5 minutes
	RequestTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the exponential retry schedule.
	// Default: 500ms and 10s
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// HungThreshold is the duration after which a part upload is considered hung
	// if it exceeds the average part upload time by this amount. Zero disables detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// HTTPClient is the HTTP client used for storage requests.
	// If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	concurrency := DefaultConcurrency()
	return Config{
		Concurrency:    concurrency,
		MaxInFlight:    4 * concurrency,
		MaxAttempts:    4,
		RequestTimeout: 5 * time.Minute,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		HungThreshold:  30 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// DefaultHTTPClient creates an HTTP client tuned for storage uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// Per request timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4 * c.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.HTTPClient == nil {
		c.HTTPClient = DefaultHTTPClient()
	}
	return c
}
