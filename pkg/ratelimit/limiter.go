// Package ratelimit implements per-destination request pacing.
// A Limiter spaces successive acquisitions at least 1/rps apart and can
// optionally cap the number of callers inside the guarded section.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for request pacing.
var (
	limiterWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_limiter_wait_seconds",
		Help:    "Time spent waiting for a limiter slot by limiter",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"limiter"})

	limiterInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_limiter_in_flight",
		Help: "Acquisitions currently holding a limiter slot",
	}, []string{"limiter"})
)

// ErrInvalidRate is returned when a limiter is configured with rps <= 0.
var ErrInvalidRate = errors.New("rps must be > 0")

// Config configures a single Limiter.
type Config struct {
	// RPS is the maximum number of requests per second.
	RPS float64 `yaml:"rps"`

	// ConcurrentRequests caps simultaneous holders. 0 means no cap.
	ConcurrentRequests int `yaml:"concurrent_requests,omitempty"`
}

// Validate checks the limiter configuration.
func (c Config) Validate() error {
	if c.RPS <= 0 {
		return fmt.Errorf("%w (got %v)", ErrInvalidRate, c.RPS)
	}
	if c.ConcurrentRequests < 0 {
		return fmt.Errorf("concurrent_requests must be >= 0 (got %d)", c.ConcurrentRequests)
	}
	return nil
}

// Limiter paces calls against one destination.
//
// The zero value is not usable; a nil *Limiter is a valid no-op limiter.
type Limiter struct {
	name     string
	cfg      Config
	interval time.Duration

	// lock is a one-slot channel so that waiting for it can be abandoned
	// when the caller's context ends. It guards last.
	lock chan struct{}
	last time.Time

	// sem is nil when no concurrency cap is configured.
	sem chan struct{}
}

// Permit is held between Acquire and Release.
type Permit struct {
	// Granted is the instant the pacing wait completed.
	Granted time.Time

	release func()
}

// Release frees the concurrency slot held by the permit. It is safe to call
// more than once and on the zero Permit.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

// New creates a limiter. name is used only for metrics and logging.
func New(name string, cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("limiter %s: %w", name, err)
	}

	l := &Limiter{
		name:     name,
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / cfg.RPS),
		lock:     make(chan struct{}, 1),
	}
	if cfg.ConcurrentRequests > 0 {
		l.sem = make(chan struct{}, cfg.ConcurrentRequests)
	}
	return l, nil
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}

// Interval returns the minimum spacing between two acquisitions.
func (l *Limiter) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}

// Acquire blocks until the caller may proceed. The returned permit must be
// released on every exit path; callers typically `defer p.Release()`.
//
// The wait and the timestamp update happen under one critical section, so two
// callers can never both proceed within less than Interval of each other.
func (l *Limiter) Acquire(ctx context.Context) (Permit, error) {
	if l == nil {
		return Permit{Granted: time.Now()}, nil
	}

	start := time.Now()
	release := func() {}

	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return Permit{}, ctx.Err()
		}
		limiterInFlight.WithLabelValues(l.name).Inc()
		release = func() {
			limiterInFlight.WithLabelValues(l.name).Dec()
			<-l.sem
		}
	}

	granted, err := l.pace(ctx)
	if err != nil {
		release()
		return Permit{}, err
	}

	limiterWaitSeconds.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	return Permit{Granted: granted, release: release}, nil
}

// pace sleeps until Interval has elapsed since the previous grant. Both the
// wait for the lock and the wait for the interval honour ctx.
func (l *Limiter) pace(ctx context.Context) (time.Time, error) {
	select {
	case l.lock <- struct{}{}:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	defer func() { <-l.lock }()

	if !l.last.IsZero() {
		if wait := l.interval - time.Since(l.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return time.Time{}, ctx.Err()
			case <-timer.C:
			}
		}
	}

	l.last = time.Now()
	return l.last, nil
}

// String helps with logging limiter info.
func (l *Limiter) String() string {
	if l == nil {
		return "Limiter(none)"
	}
	return fmt.Sprintf("Limiter(name=%s, rps=%v, concurrency=%d)", l.name, l.cfg.RPS, l.cfg.ConcurrentRequests)
}
