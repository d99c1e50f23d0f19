package activitypub

import (
	"errors"
	"fmt"
	"time"

	"github.com/davecheney/fedi/internal/httpsig"
)

// Config holds the tunables of the federation engine.
type Config struct {
	// Domain is the host name of this instance.
	Domain string

	// ActorTTL is how long a fetched actor is trusted without refetching.
	ActorTTL time.Duration
	// FetchTimeout bounds each remote actor fetch.
	FetchTimeout time.Duration
	// FetchAs, if set, is the name of the local account remote fetches
	// are signed as.
	FetchAs string

	// MaxClockSkew bounds the Date header of signed requests.
	MaxClockSkew time.Duration
	// MaxBodySize bounds inbox request bodies.
	MaxBodySize int64

	// Workers is the number of concurrent deliveries.
	Workers int
	// PerHost is the number of concurrent deliveries to a single host.
	PerHost int
	// DeliveryTimeout bounds each delivery attempt.
	DeliveryTimeout time.Duration
	// PollInterval is how often the delivery queue is polled when idle.
	PollInterval time.Duration
	// BatchSize is the number of due jobs claimed per pass.
	BatchSize int
	// Retry controls redelivery of failed jobs.
	Retry RetryPolicy

	// Retention is how long dedup entries, delivered and dead lettered jobs,
	// and their activities are kept.
	Retention time.Duration
}

// DefaultConfig returns the default configuration for domain.
func DefaultConfig(domain string) Config {
	return Config{
		Domain:          domain,
		ActorTTL:        24 * time.Hour,
		FetchTimeout:    10 * time.Second,
		MaxClockSkew:    httpsig.DefaultMaxClockSkew,
		MaxBodySize:     1 << 20,
		Workers:         16,
		PerHost:         4,
		DeliveryTimeout: 30 * time.Second,
		PollInterval:    30 * time.Second,
		BatchSize:       100,
		Retry:           DefaultRetryPolicy(),
		Retention:       30 * 24 * time.Hour,
	}
}

// Validate reports the first setting that would stall or disable the engine.
func (c Config) Validate() error {
	if c.Domain == "" {
		return errors.New("config: domain is required")
	}
	for _, v := range []struct {
		name  string
		value int64
	}{
		{"workers", int64(c.Workers)},
		{"per-host", int64(c.PerHost)},
		{"batch-size", int64(c.BatchSize)},
		{"max-attempts", int64(c.Retry.MaxAttempts)},
		{"max-body-size", c.MaxBodySize},
		{"poll-interval", int64(c.PollInterval)},
		{"fetch-timeout", int64(c.FetchTimeout)},
		{"delivery-timeout", int64(c.DeliveryTimeout)},
		{"retry-base", int64(c.Retry.Base)},
		{"retry-cap", int64(c.Retry.Cap)},
	} {
		if v.value <= 0 {
			return fmt.Errorf("config: %s must be positive", v.name)
		}
	}
	return nil
}
