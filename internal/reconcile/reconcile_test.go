package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-sampler/internal/failure"
	"market-sampler/internal/fetcher"
	"market-sampler/internal/gateway"
)

func f(v float64) *float64 { return &v }

type fakeProvider struct {
	name  string
	quote fetcher.Quote
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) FetchCurrent(ctx context.Context, symbol string) (fetcher.Quote, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return fetcher.Quote{}, &failure.Error{Kind: failure.KindNetwork, Err: ctx.Err()}
		case <-time.After(p.delay):
		}
	}
	if p.err != nil {
		return fetcher.Quote{}, p.err
	}
	q := p.quote
	q.Provider = p.name
	return q, nil
}

func (p *fakeProvider) FetchRange(ctx context.Context, symbol string, from, to time.Time) ([]fetcher.Quote, error) {
	return nil, fetcher.ErrRangeUnsupported
}

func (p *fakeProvider) HealthCheck(ctx context.Context) error { return p.err }

func hybridOptions() Options {
	return Options{
		Timeout:           time.Second,
		PricePriority:     []string{"p1", "p2"},
		VolumePriority:    []string{"p2", "p1"},
		MarketCapPriority: []string{"p1", "p2"},
		CacheFreshness:    time.Hour,
		StaleVolume:       true,
	}
}

func TestReconcileFieldPriority(t *testing.T) {
	p1 := &fakeProvider{name: "p1", quote: fetcher.Quote{Price: f(100)}}
	p2 := &fakeProvider{name: "p2", quote: fetcher.Quote{Price: f(101), Volume24h: f(500)}}
	r := New([]fetcher.Provider{p1, p2}, hybridOptions(), zerolog.Nop())

	res, err := r.Reconcile(context.Background(), "bitcoin")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Sample.Price != 100 {
		t.Fatalf("price should come from p1, got %v", res.Sample.Price)
	}
	if res.Sample.Volume24h == nil || *res.Sample.Volume24h != 500 {
		t.Fatalf("volume should come from p2, got %v", res.Sample.Volume24h)
	}
	if res.Sample.MarketCap != nil {
		t.Fatal("nobody reported a market cap")
	}
	if res.Sources[FieldPrice] != "p1" || res.Sources[FieldVolume] != "p2" {
		t.Fatalf("unexpected sources %v", res.Sources)
	}
	if r.Name() != "hybrid" {
		t.Fatalf("two providers should be a hybrid, got %s", r.Name())
	}
}

func TestReconcilePriceFallsBackInOrder(t *testing.T) {
	p1 := &fakeProvider{name: "p1", err: &failure.Error{Kind: failure.KindNetwork}}
	p2 := &fakeProvider{name: "p2", quote: fetcher.Quote{Volume24h: f(5)}}
	p3 := &fakeProvider{name: "p3", quote: fetcher.Quote{Price: f(99), MarketCap: f(7)}}
	r := New([]fetcher.Provider{p1, p2, p3}, hybridOptions(), zerolog.Nop())

	res, err := r.Reconcile(context.Background(), "bitcoin")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Sample.Price != 99 || res.Sources[FieldPrice] != "p3" {
		t.Fatalf("price should fall back to p3: %+v", res)
	}
	if res.Sample.MarketCap == nil || *res.Sample.MarketCap != 7 {
		t.Fatal("market cap should fall back to the remaining provider")
	}
	if _, ok := res.Failures["p1"]; !ok {
		t.Fatal("p1 failure should be reported")
	}
}

func TestReconcileIgnoresInvalidValues(t *testing.T) {
	p1 := &fakeProvider{name: "p1", quote: fetcher.Quote{Price: f(0), Volume24h: f(-1)}}
	p2 := &fakeProvider{name: "p2", quote: fetcher.Quote{Price: f(50)}}
	opts := hybridOptions()
	opts.StaleVolume = false
	r := New([]fetcher.Provider{p1, p2}, opts, zerolog.Nop())

	res, err := r.Reconcile(context.Background(), "bitcoin")
	if err != nil {
		t.Fatal(err)
	}
	if res.Sample.Price != 50 || res.Sample.Volume24h != nil {
		t.Fatalf("non-positive values must be treated as absent: %+v", res.Sample)
	}
}

func TestReconcileStaleVolume(t *testing.T) {
	p1 := &fakeProvider{name: "p1", quote: fetcher.Quote{Price: f(100)}}
	p2 := &fakeProvider{name: "p2", quote: fetcher.Quote{Volume24h: f(500)}}
	r := New([]fetcher.Provider{p1, p2}, hybridOptions(), zerolog.Nop())

	if _, err := r.Reconcile(context.Background(), "bitcoin"); err != nil {
		t.Fatal(err)
	}

	p2.err = &failure.Error{Kind: failure.KindServer}
	res, err := r.Reconcile(context.Background(), "bitcoin")
	if err != nil {
		t.Fatal(err)
	}
	if !res.StaleVolume || res.Sample.Volume24h == nil || *res.Sample.Volume24h != 500 {
		t.Fatalf("last known volume should be reused and flagged: %+v", res)
	}
}

func TestReconcileNoDataWithoutCache(t *testing.T) {
	p1 := &fakeProvider{name: "p1", err: &failure.Error{Kind: failure.KindNetwork}}
	p2 := &fakeProvider{name: "p2", quote: fetcher.Quote{Volume24h: f(500), MarketCap: f(1e9)}}
	r := New([]fetcher.Provider{p1, p2}, hybridOptions(), zerolog.Nop())

	_, err := r.Reconcile(context.Background(), "bitcoin")
	if !failure.Is(err, failure.KindNoData) {
		t.Fatalf("expected no data, got %v", err)
	}
}

func TestReconcileDegradedWithinFreshness(t *testing.T) {
	clock := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p1 := &fakeProvider{name: "p1", quote: fetcher.Quote{Price: f(100)}}
	p2 := &fakeProvider{name: "p2", quote: fetcher.Quote{Volume24h: f(500)}}
	r := New([]fetcher.Provider{p1, p2}, hybridOptions(), zerolog.Nop())
	r.now = func() time.Time { return clock }

	if _, err := r.Reconcile(context.Background(), "bitcoin"); err != nil {
		t.Fatal(err)
	}

	p1.err = &failure.Error{Kind: failure.KindNetwork}
	clock = clock.Add(59 * time.Minute)
	res, err := r.Reconcile(context.Background(), "bitcoin")
	if err != nil {
		t.Fatalf("fresh cache should serve a degraded result, got %v", err)
	}
	if !res.Degraded || res.Sample.Price != 100 {
		t.Fatalf("unexpected degraded result %+v", res)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := r.Reconcile(context.Background(), "bitcoin"); !failure.Is(err, failure.KindNoData) {
		t.Fatalf("stale cache must not be served, got %v", err)
	}
}

func TestReconcileTimeoutIsProviderAbsent(t *testing.T) {
	slow := &fakeProvider{name: "p1", quote: fetcher.Quote{Price: f(1)}, delay: time.Second}
	fast := &fakeProvider{name: "p2", quote: fetcher.Quote{Price: f(2)}}
	opts := hybridOptions()
	opts.Timeout = 20 * time.Millisecond
	r := New([]fetcher.Provider{slow, fast}, opts, zerolog.Nop())

	start := time.Now()
	res, err := r.Reconcile(context.Background(), "bitcoin")
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("slow provider must be cut off by its timeout")
	}
	if res.Sample.Price != 2 || res.Failures["p1"] == nil {
		t.Fatalf("timed out provider should be absent: %+v", res)
	}
}

func TestReconcilerAsProvider(t *testing.T) {
	p1 := &fakeProvider{name: "p1", quote: fetcher.Quote{Price: f(100)}, err: nil}
	p2 := &fakeProvider{name: "p2", err: errors.New("down")}
	p3 := &fakeProvider{name: "p3", quote: fetcher.Quote{Price: f(100)}}
	r := New([]fetcher.Provider{p1, p2, p3}, Options{}, zerolog.Nop())

	if r.Name() != "multi_source" {
		t.Fatalf("unexpected name %s", r.Name())
	}
	quote, err := r.FetchCurrent(context.Background(), "bitcoin")
	if err != nil || quote.Price == nil || *quote.Price != 100 {
		t.Fatalf("unexpected quote %+v (%v)", quote, err)
	}
	if err := r.HealthCheck(context.Background()); err != nil {
		t.Fatalf("one healthy provider is enough: %v", err)
	}
	if _, err := r.FetchRange(context.Background(), "bitcoin", time.Now(), time.Now()); !errors.Is(err, fetcher.ErrRangeUnsupported) {
		t.Fatalf("expected range unsupported, got %v", err)
	}
}

func TestReconcileKeepsReadingsPastParentDeadline(t *testing.T) {
	fast := &fakeProvider{name: "p1", quote: fetcher.Quote{Price: f(100)}}
	blocked := &fakeProvider{name: "p2", quote: fetcher.Quote{Volume24h: f(500)}, delay: 10 * time.Second}
	r := New([]fetcher.Provider{fast, blocked}, hybridOptions(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := r.Reconcile(ctx, "bitcoin")
	if err != nil {
		t.Fatalf("a deadline must not discard finished readings: %v", err)
	}
	if res.Sample.Price != 100 || res.Sources[FieldPrice] != "p1" {
		t.Fatalf("price should come from p1: %+v", res)
	}
	if res.Failures["p2"] == nil {
		t.Fatal("blocked provider should be reported absent")
	}
}

func TestReconcileAbortsOnCancel(t *testing.T) {
	p1 := &fakeProvider{name: "p1", quote: fetcher.Quote{Price: f(100)}}
	r := New([]fetcher.Provider{p1}, hybridOptions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Reconcile(ctx, "bitcoin"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestReconcileIgnoresStaleGatewayQuote(t *testing.T) {
	clock := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	upstream := &fakeProvider{name: "p1", quote: fetcher.Quote{Price: f(100)}}
	limited := gateway.NewLimited(upstream, gateway.LimitedOptions{ServeStaleOnError: true}, zerolog.Nop())
	r := New([]fetcher.Provider{limited}, hybridOptions(), zerolog.Nop())
	r.now = func() time.Time { return clock }

	if _, err := r.Reconcile(context.Background(), "bitcoin"); err != nil {
		t.Fatal(err)
	}

	upstream.err = &failure.Error{Kind: failure.KindServer}
	if q, err := limited.FetchCurrent(context.Background(), "bitcoin"); err != nil || !q.Stale {
		t.Fatalf("gateway should serve the cached quote flagged stale, got %+v %v", q, err)
	}

	clock = clock.Add(30 * time.Minute)
	res, err := r.Reconcile(context.Background(), "bitcoin")
	if err != nil || !res.Degraded {
		t.Fatalf("stale quote within freshness must be degraded, got %+v %v", res, err)
	}
	if !failure.Is(res.Failures["p1"], failure.KindNoData) {
		t.Fatalf("stale quote should be recorded as absent: %v", res.Failures["p1"])
	}

	clock = clock.Add(2 * time.Hour)
	if _, err := r.Reconcile(context.Background(), "bitcoin"); !failure.Is(err, failure.KindNoData) {
		t.Fatalf("stale quote past freshness must give no data, got %v", err)
	}
}
