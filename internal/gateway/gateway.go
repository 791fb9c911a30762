package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-sampler/internal/failure"
	"market-sampler/internal/fetcher"
)

// FetchFunc performs the outbound call guarded by a Gateway.
type FetchFunc func(ctx context.Context) (fetcher.Quote, error)

// Options tune throttling and caching.
type Options struct {
	MinInterval time.Duration
	CacheTTL    time.Duration
}

// State is a snapshot of the gateway bookkeeping.
type State struct {
	LastSuccessfulCallAt time.Time
	CachedQuote          *fetcher.Quote
	CacheExpiry          time.Time
	CallCount            int64
	CacheHits            int64
}

// Gateway throttles and caches calls to one upstream quote source.
// Calls are serialised; a caller waiting out the minimum interval holds the gateway.
type Gateway struct {
	opts   Options
	fetch  FetchFunc
	logger zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	state State
}

// New wraps fetch with throttling and caching.
func New(fetch FetchFunc, opts Options, logger zerolog.Logger) *Gateway {
	if opts.MinInterval < 0 {
		opts.MinInterval = 0
	}
	if opts.CacheTTL < 0 {
		opts.CacheTTL = 0
	}
	return &Gateway{
		opts:   opts,
		fetch:  fetch,
		logger: logger.With().Str("component", "rate_gateway").Logger(),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// GetOrFetch returns the cached quote while it is fresh, otherwise waits out the
// minimum interval since the last successful call and fetches a new one.
func (g *Gateway) GetOrFetch(ctx context.Context) (fetcher.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.state.CachedQuote != nil && now.Before(g.state.CacheExpiry) {
		g.state.CacheHits++
		return *g.state.CachedQuote, nil
	}

	if !g.state.LastSuccessfulCallAt.IsZero() {
		elapsed := now.Sub(g.state.LastSuccessfulCallAt)
		if elapsed < g.opts.MinInterval {
			wait := g.opts.MinInterval - elapsed
			g.logger.Debug().Dur("wait", wait).Msg("throttling outbound call")
			if err := g.sleep(ctx, wait); err != nil {
				return fetcher.Quote{}, err
			}
		}
	}

	quote, err := g.fetch(ctx)
	now = g.now()
	if err != nil {
		if failure.Is(err, failure.KindRateLimited) {
			// forced cooldown even though nothing was obtained
			g.state.LastSuccessfulCallAt = now
			g.logger.Warn().Err(err).Msg("rate limited upstream; cooling down")
		}
		return fetcher.Quote{}, err
	}

	cached := quote
	g.state.CachedQuote = &cached
	g.state.CacheExpiry = now.Add(g.opts.CacheTTL)
	g.state.LastSuccessfulCallAt = now
	g.state.CallCount++
	return quote, nil
}

// Fallback returns the last cached quote, fresh or not.
func (g *Gateway) Fallback() (fetcher.Quote, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.CachedQuote == nil {
		return fetcher.Quote{}, false
	}
	return *g.state.CachedQuote, true
}

// Stats returns a copy of the gateway state.
func (g *Gateway) Stats() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.state
	if g.state.CachedQuote != nil {
		q := *g.state.CachedQuote
		out.CachedQuote = &q
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
