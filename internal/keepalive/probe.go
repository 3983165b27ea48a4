// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultInitialDelay is the wait before the first check.
	DefaultInitialDelay = 30 * time.Second

	// DefaultInterval is the time between checks.
	DefaultInterval = 5 * time.Minute

	// DefaultRequestTimeout bounds a single check.
	DefaultRequestTimeout = 10 * time.Second
)

// Status is a snapshot of probe activity.
type Status struct {
	URL        string    `json:"url"`
	Checks     int64     `json:"checks"`
	Failures   int64     `json:"failures"`
	LastCheck  time.Time `json:"last_check,omitempty"`
	LastStatus int       `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Probe requests URL after InitialDelay and then every Interval.
type Probe struct {
	url          string
	initialDelay time.Duration
	interval     time.Duration
	client       *http.Client

	mu     sync.Mutex
	status Status
}

// Option configures a Probe.
type Option func(*Probe)

// WithInitialDelay sets the delay before the first check.
func WithInitialDelay(d time.Duration) Option {
	return func(p *Probe) {
		if d >= 0 {
			p.initialDelay = d
		}
	}
}

// WithInterval sets the time between checks.
func WithInterval(d time.Duration) Option {
	return func(p *Probe) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithHTTPClient sets the client used for checks.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Probe) {
		if c != nil {
			p.client = c
		}
	}
}

// New creates a probe for url.
func New(url string, opts ...Option) *Probe {
	p := &Probe{
		url:          url,
		initialDelay: DefaultInitialDelay,
		interval:     DefaultInterval,
		client:       &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.status.URL = url
	return p
}

// Run blocks until ctx is done, checking the URL on schedule.
// It never returns an error; failed checks are logged and counted.
func (p *Probe) Run(ctx context.Context) {
	log.Info().
		Str("url", p.url).
		Dur("initial_delay", p.initialDelay).
		Dur("interval", p.interval).
		Msg("KEEPALIVE_STARTED")

	delay := time.NewTimer(p.initialDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		log.Debug().Msg("KEEPALIVE_STOPPED")
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.check(ctx)
	for {
		select {
		case <-ticker.C:
			p.check(ctx)
		case <-ctx.Done():
			log.Debug().Msg("KEEPALIVE_STOPPED")
			return
		}
	}
}

// Start runs the probe in its own goroutine. The returned stop function
// cancels it and waits for it to exit.
func (p *Probe) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Status returns a copy of the probe counters.
func (p *Probe) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// check performs one request and records the outcome.
func (p *Probe) check(ctx context.Context) {
	start := time.Now()
	code, err := p.ping(ctx)

	// Shutdown in progress; not a failure.
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	p.status.Checks++
	p.status.LastCheck = start
	p.status.LastStatus = code
	if err != nil {
		p.status.Failures++
		p.status.LastError = err.Error()
	} else {
		p.status.LastError = ""
	}
	p.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("url", p.url).Msg("KEEPALIVE_FAILED")
		return
	}
	log.Debug().
		Str("url", p.url).
		Int("status", code).
		Dur("latency", time.Since(start)).
		Msg("KEEPALIVE_OK")
}

func (p *Probe) ping(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "rigrun-relay-keepalive")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
