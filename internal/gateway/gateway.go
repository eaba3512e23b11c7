// Package gateway wraps provider fetch clients with the resilience policy:
// per-call timeout, rate limiting, retry with backoff, and a circuit breaker
// shared by every run that uses the provider.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/fetcher"
	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/resilience"
)

// HealthStore persists provider health snapshots.
type HealthStore interface {
	UpdateProviderHealth(ctx context.Context, providerID string, h model.Health) error
}

// Observer receives call and breaker telemetry.
type Observer interface {
	ProviderCall(providerID, outcome string, latency time.Duration)
	BreakerState(providerID string, state resilience.CircuitState)
}

// Options configures a Gateway.
type Options struct {
	Defaults resilience.Defaults
	// Breakers is the shared breaker registry. A new one is created if nil.
	Breakers    *resilience.ServiceBreakers
	Health      *HealthTracker
	HealthStore HealthStore
	Observer    Observer
}

// FetchOptions carries per-call hooks from the run.
type FetchOptions struct {
	// Checkpoint runs before every retry attempt. A non-nil error stops the
	// call without contacting the provider again.
	Checkpoint func() error
	// OnCall runs after every request that reached the provider, with the
	// records returned and the request's error. Short-circuited attempts
	// are not reported.
	OnCall func(records int, err error)
}

// Result is the outcome of one gateway fetch. Attempts counts every pass of
// the retry loop; Calls counts only those that reached the provider, and
// Failures the calls among them that failed.
type Result struct {
	Records        model.Batch
	Attempts       int
	Calls          int
	Failures       int
	Latency        time.Duration
	ShortCircuited bool
}

// Gateway is safe for concurrent use by many runs.
type Gateway struct {
	fetcher     fetcher.Fetcher
	defaults    resilience.Defaults
	breakers    *resilience.ServiceBreakers
	health      *HealthTracker
	healthStore HealthStore
	observer    Observer

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// New creates a Gateway over f.
func New(f fetcher.Fetcher, opts Options) *Gateway {
	if opts.Defaults == (resilience.Defaults{}) {
		opts.Defaults = resilience.DefaultSettings()
	}
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if opts.Health == nil {
		opts.Health = NewHealthTracker()
	}
	g := &Gateway{
		fetcher:     f,
		defaults:    opts.Defaults,
		breakers:    opts.Breakers,
		health:      opts.Health,
		healthStore: opts.HealthStore,
		observer:    opts.Observer,
		limiters:    make(map[string]*AdaptiveLimiter),
	}
	g.breakers.OnStateChange(func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("gateway: circuit state change",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if g.observer != nil {
			g.observer.BreakerState(name, to)
		}
	})
	return g
}

// Health returns the shared health tracker.
func (g *Gateway) Health() *HealthTracker { return g.health }

// Breakers returns the shared breaker registry.
func (g *Gateway) Breakers() *resilience.ServiceBreakers { return g.breakers }

// BreakerState reports the breaker state for a provider; providers never
// called are closed.
func (g *Gateway) BreakerState(providerID string) resilience.CircuitState {
	if cb, ok := g.breakers.Lookup(providerID); ok {
		return cb.State()
	}
	return resilience.CircuitClosed
}

func (g *Gateway) limiter(p model.Provider) *AdaptiveLimiter {
	if p.RateLimit.RequestsPerSecond <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[p.ID]
	if !ok {
		l = NewAdaptiveLimiter(p.ID, p.RateLimit.RequestsPerSecond, p.RateLimit.Burst)
		g.limiters[p.ID] = l
	}
	return l
}

// Fetch retrieves req through the provider's resilience policy. Transient
// errors are retried; an open circuit fails fast without calling the
// provider and is never retried.
func (g *Gateway) Fetch(ctx context.Context, req fetcher.Request, opts FetchOptions) (*Result, error) {
	p := req.Provider
	policy := g.defaults.PolicyFor(p.Resilience)
	cb := g.breakers.GetWith(p.ID, policy.Circuit)
	limiter := g.limiter(p)
	g.health.Seed(p)

	log := zap.L().With(zap.String("provider", p.ID), zap.String("source", req.Source.ID))

	retryCfg := policy.Retry
	retryCfg.ShouldRetry = resilience.IsTransient
	retryCfg.OnRetry = resilience.RetryLogger(p.ID, req.Source.ID)
	if opts.Checkpoint != nil {
		retryCfg.BeforeAttempt = func(int) error { return opts.Checkpoint() }
	}

	res := &Result{}
	start := time.Now()
	batch, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (model.Batch, error) {
		res.Attempts++
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, eris.Wrapf(err, "gateway: rate limit wait for %s", p.ID)
			}
		}
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (model.Batch, error) {
			res.Calls++
			b, err := g.call(ctx, req, policy.Timeout, limiter)
			if err != nil {
				res.Failures++
			}
			if opts.OnCall != nil {
				opts.OnCall(len(b), err)
			}
			return b, err
		})
	})
	res.Latency = time.Since(start)

	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			res.ShortCircuited = true
			if g.observer != nil {
				g.observer.ProviderCall(p.ID, resilience.Classify(err), 0)
			}
		}
		log.Warn("gateway: fetch failed",
			zap.Int("attempts", res.Attempts),
			zap.Int("calls", res.Calls),
			zap.String("class", resilience.Classify(err)),
			zap.Error(err),
		)
		return res, eris.Wrapf(err, "gateway: fetch %s from %s", req.Source.ID, p.ID)
	}

	res.Records = batch
	log.Debug("gateway: fetch complete",
		zap.Int("records", len(batch)),
		zap.Int("attempts", res.Attempts),
		zap.Duration("latency", res.Latency),
	)
	return res, nil
}

// call makes one bounded attempt and records its health.
func (g *Gateway) call(ctx context.Context, req fetcher.Request, timeout time.Duration, limiter *AdaptiveLimiter) (model.Batch, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	batch, err := g.fetcher.Fetch(callCtx, req)
	latency := time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = resilience.NewTransientError(eris.Wrapf(err, "gateway: %s timed out after %s", req.Provider.ID, timeout), 0)
	}
	// Caller cancellation says nothing about the provider.
	if err == nil || !errors.Is(err, context.Canceled) {
		h := g.health.Record(req.Provider.ID, err == nil, latency)
		g.persistHealth(ctx, req.Provider.ID, h)
	}
	if g.observer != nil {
		g.observer.ProviderCall(req.Provider.ID, resilience.Classify(err), latency)
	}

	if limiter != nil {
		var te *resilience.TransientError
		switch {
		case err == nil:
			limiter.OnSuccess()
		case errors.As(err, &te) && te.StatusCode == 429:
			limiter.OnRateLimit()
		}
	}
	return batch, err
}

func (g *Gateway) persistHealth(ctx context.Context, providerID string, h model.Health) {
	if g.healthStore == nil {
		return
	}
	if err := g.healthStore.UpdateProviderHealth(context.WithoutCancel(ctx), providerID, h); err != nil {
		zap.L().Warn("gateway: persist provider health",
			zap.String("provider", providerID),
			zap.Error(err),
		)
	}
}
