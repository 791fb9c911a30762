package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-sampler/internal/failure"
	"market-sampler/internal/fetcher"
	"market-sampler/internal/storage"
)

var errStaleQuote = errors.New("provider served a stale cached quote")

// Reconciled fields.
const (
	FieldPrice     = "price"
	FieldVolume    = "volume_24h"
	FieldMarketCap = "market_cap"
)

// Options tune fan-out and field resolution.
type Options struct {
	// Name is reported by Name(); defaults to "hybrid" for two providers, "multi_source" otherwise.
	Name              string
	Timeout           time.Duration
	Concurrency       int
	PricePriority     []string
	VolumePriority    []string
	MarketCapPriority []string
	CacheFreshness    time.Duration
	StaleVolume       bool
}

// Result is the outcome of one reconciliation.
type Result struct {
	Sample storage.Sample
	// Sources maps each resolved field to the provider that supplied it.
	Sources     map[string]string
	StaleVolume bool
	// Degraded is set when the last good result was served because no provider had a price.
	Degraded bool
	Failures map[string]error
}

// Reconciler fans out to several providers and merges their readings field by field.
type Reconciler struct {
	providers []fetcher.Provider
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	lastGood   *Result
	lastGoodAt time.Time
	lastVolume *float64
}

// New builds a reconciler over providers, listed in fallback order.
func New(providers []fetcher.Provider, opts Options, logger zerolog.Logger) *Reconciler {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = max(len(providers), 1)
	}
	if opts.Name == "" {
		opts.Name = "multi_source"
		if len(providers) == 2 {
			opts.Name = "hybrid"
		}
	}
	return &Reconciler{
		providers: providers,
		opts:      opts,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		now:       time.Now,
	}
}

type reading struct {
	provider string
	quote    fetcher.Quote
	err      error
}

// Reconcile fetches every provider concurrently and merges the answers.
// It fails with failure.KindNoData only when no provider yields a price and no
// fresh previous result exists.
func (r *Reconciler) Reconcile(ctx context.Context, symbol string) (Result, error) {
	if len(r.providers) == 0 {
		return Result{}, failure.New(failure.KindNoData, "reconcile", errors.New("no providers configured"))
	}

	readings := r.fanOut(ctx, symbol)
	// shutdown aborts; readings that finished before a deadline still count
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return Result{}, err
	}

	result := Result{
		Sources:  make(map[string]string, 3),
		Failures: make(map[string]error),
	}
	byName := make(map[string]fetcher.Quote, len(readings))
	for _, rd := range readings {
		if rd.err != nil {
			result.Failures[rd.provider] = rd.err
			r.logger.Warn().Err(rd.err).Str("provider", rd.provider).
				Str("kind", failure.KindOf(rd.err).String()).Msg("provider unavailable")
			continue
		}
		if rd.quote.Stale {
			// cached fallbacks never count as a live reading
			result.Failures[rd.provider] = &failure.Error{Kind: failure.KindNoData, Provider: rd.provider, Op: "fetch current", Err: errStaleQuote}
			r.logger.Warn().Str("provider", rd.provider).Time("quote_ts", rd.quote.Timestamp).
				Msg("ignoring stale cached quote")
			continue
		}
		byName[rd.provider] = rd.quote
	}

	now := r.now().UTC()
	price, priceSrc := r.pick(byName, r.opts.PricePriority, func(q fetcher.Quote) *float64 { return q.Price })
	if price == nil {
		return r.degrade(now, result)
	}

	volume, volumeSrc := r.pick(byName, r.opts.VolumePriority, func(q fetcher.Quote) *float64 { return q.Volume24h })
	marketCap, marketCapSrc := r.pick(byName, r.opts.MarketCapPriority, func(q fetcher.Quote) *float64 { return q.MarketCap })

	r.mu.Lock()
	defer r.mu.Unlock()

	if volume == nil && r.opts.StaleVolume && r.lastVolume != nil {
		v := *r.lastVolume
		volume = &v
		volumeSrc = "stale"
		result.StaleVolume = true
		r.logger.Warn().Float64("volume_24h", v).Msg("no provider volume; reusing last known volume")
	}

	result.Sample = storage.Sample{
		Symbol:    symbol,
		Timestamp: now,
		Price:     *price,
		Volume24h: volume,
		MarketCap: marketCap,
		Source:    storage.SourceLive,
	}
	result.Sources[FieldPrice] = priceSrc
	if volume != nil {
		result.Sources[FieldVolume] = volumeSrc
	}
	if marketCap != nil {
		result.Sources[FieldMarketCap] = marketCapSrc
	}

	if volume != nil && !result.StaleVolume {
		v := *volume
		r.lastVolume = &v
	}
	saved := result
	r.lastGood = &saved
	r.lastGoodAt = now

	r.logSpread(byName)
	return result, nil
}

func (r *Reconciler) degrade(now time.Time, result Result) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastGood != nil && r.opts.CacheFreshness > 0 && now.Sub(r.lastGoodAt) < r.opts.CacheFreshness {
		out := *r.lastGood
		out.Degraded = true
		out.Failures = result.Failures
		r.logger.Warn().Dur("age", now.Sub(r.lastGoodAt)).Msg("no provider price; serving last good result")
		return out, nil
	}

	return result, &failure.Error{
		Kind: failure.KindNoData,
		Op:   "reconcile",
		Err:  fmt.Errorf("no price from %d providers and no fresh cache", len(r.providers)),
	}
}

func (r *Reconciler) fanOut(ctx context.Context, symbol string) []reading {
	readings := make([]reading, len(r.providers))

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, p := range r.providers {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
			defer cancel()

			quote, err := p.FetchCurrent(callCtx, symbol)
			readings[i] = reading{provider: p.Name(), quote: quote, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return readings
}

// pick walks priority, then every remaining provider in registration order,
// returning the first valid value.
func (r *Reconciler) pick(quotes map[string]fetcher.Quote, priority []string, field func(fetcher.Quote) *float64) (*float64, string) {
	for _, name := range r.order(priority) {
		q, ok := quotes[name]
		if !ok {
			continue
		}
		if v := field(q); fetcher.Valid(v) {
			out := *v
			return &out, name
		}
	}
	return nil, ""
}

func (r *Reconciler) order(priority []string) []string {
	out := make([]string, 0, len(r.providers))
	seen := make(map[string]bool, len(r.providers))
	for _, name := range priority {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, p := range r.providers {
		if !seen[p.Name()] {
			seen[p.Name()] = true
			out = append(out, p.Name())
		}
	}
	return out
}

func (r *Reconciler) logSpread(quotes map[string]fetcher.Quote) {
	var lo, hi float64
	n := 0
	for _, q := range quotes {
		if !fetcher.Valid(q.Price) {
			continue
		}
		if n == 0 || *q.Price < lo {
			lo = *q.Price
		}
		if n == 0 || *q.Price > hi {
			hi = *q.Price
		}
		n++
	}
	if n < 2 {
		return
	}
	spread := (hi - lo) / lo * 100
	evt := r.logger.Debug()
	if spread > 1 {
		evt = r.logger.Warn()
	}
	evt.Int("sources", n).Float64("price_spread_pct", spread).Msg("provider price spread")
}

// Name identifies the composite provider.
func (r *Reconciler) Name() string { return r.opts.Name }

// FetchCurrent reconciles and returns the merged reading as a quote.
func (r *Reconciler) FetchCurrent(ctx context.Context, symbol string) (fetcher.Quote, error) {
	res, err := r.Reconcile(ctx, symbol)
	if err != nil {
		return fetcher.Quote{}, err
	}
	price := res.Sample.Price
	return fetcher.Quote{
		Provider:  r.opts.Name,
		Symbol:    symbol,
		Price:     &price,
		Volume24h: res.Sample.Volume24h,
		MarketCap: res.Sample.MarketCap,
		Timestamp: res.Sample.Timestamp,
		Stale:     res.Degraded || res.StaleVolume,
	}, nil
}

// FetchRange delegates to the first provider that supports historical ranges.
func (r *Reconciler) FetchRange(ctx context.Context, symbol string, from, to time.Time) ([]fetcher.Quote, error) {
	var lastErr error = fetcher.ErrRangeUnsupported
	for _, p := range r.providers {
		quotes, err := p.FetchRange(ctx, symbol, from, to)
		if err == nil {
			return quotes, nil
		}
		if !errors.Is(err, fetcher.ErrRangeUnsupported) {
			lastErr = err
		}
	}
	return nil, lastErr
}

// HealthCheck succeeds when at least one provider is healthy.
func (r *Reconciler) HealthCheck(ctx context.Context) error {
	status := r.Health(ctx)
	errs := make([]error, 0, len(status))
	for name, err := range status {
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if len(errs) == 0 {
		return errors.New("no providers configured")
	}
	return errors.Join(errs...)
}

// Health checks every provider concurrently.
func (r *Reconciler) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(r.providers))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, p := range r.providers {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
			defer cancel()
			err := p.HealthCheck(callCtx)
			mu.Lock()
			out[p.Name()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

var _ fetcher.Provider = (*Reconciler)(nil)
