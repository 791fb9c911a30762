package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-sampler/internal/fetcher"
)

// LimitedOptions configure a gateway-backed provider.
type LimitedOptions struct {
	Options
	// ServeStaleOnError returns the last cached quote, flagged stale, when a refresh fails.
	ServeStaleOnError bool
}

// Limited puts a Gateway in front of a provider's current-quote calls.
// Range and health calls pass straight through.
type Limited struct {
	next   fetcher.Provider
	opts   LimitedOptions
	logger zerolog.Logger

	mu       sync.Mutex
	gateways map[string]*Gateway
}

// NewLimited wraps next.
func NewLimited(next fetcher.Provider, opts LimitedOptions, logger zerolog.Logger) *Limited {
	return &Limited{
		next:     next,
		opts:     opts,
		logger:   logger.With().Str("component", "rate_gateway").Str("provider", next.Name()).Logger(),
		gateways: make(map[string]*Gateway),
	}
}

// Name returns the wrapped provider's name.
func (l *Limited) Name() string { return l.next.Name() }

// Gateway returns the gateway guarding symbol, creating it on first use.
func (l *Limited) Gateway(symbol string) *Gateway {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.gateways[symbol]
	if !ok {
		g = New(func(ctx context.Context) (fetcher.Quote, error) {
			return l.next.FetchCurrent(ctx, symbol)
		}, l.opts.Options, l.logger)
		l.gateways[symbol] = g
	}
	return g
}

// FetchCurrent serves from the gateway cache or performs a throttled call.
func (l *Limited) FetchCurrent(ctx context.Context, symbol string) (fetcher.Quote, error) {
	g := l.Gateway(symbol)
	quote, err := g.GetOrFetch(ctx)
	if err == nil || !l.opts.ServeStaleOnError {
		return quote, err
	}

	stale, ok := g.Fallback()
	if !ok {
		return fetcher.Quote{}, err
	}
	stale.Stale = true
	l.logger.Warn().Err(err).Time("quote_ts", stale.Timestamp).Msg("serving stale cached quote")
	return stale, nil
}

// FetchRange passes through; range calls are paced by their callers.
func (l *Limited) FetchRange(ctx context.Context, symbol string, from, to time.Time) ([]fetcher.Quote, error) {
	return l.next.FetchRange(ctx, symbol, from, to)
}

// HealthCheck passes through.
func (l *Limited) HealthCheck(ctx context.Context) error {
	return l.next.HealthCheck(ctx)
}

// Stats snapshots every gateway keyed by symbol.
func (l *Limited) Stats() map[string]State {
	l.mu.Lock()
	gateways := make(map[string]*Gateway, len(l.gateways))
	for k, v := range l.gateways {
		gateways[k] = v
	}
	l.mu.Unlock()

	out := make(map[string]State, len(gateways))
	for k, g := range gateways {
		out[k] = g.Stats()
	}
	return out
}

var _ fetcher.Provider = (*Limited)(nil)
