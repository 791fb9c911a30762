package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-sampler/internal/failure"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestCoinGeckoFetchCurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("ids") != "bitcoin" || r.URL.Query().Get("include_24hr_vol") != "true" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("x-cg-demo-api-key") != "demo" {
			t.Fatal("api key header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":65000.5,"usd_market_cap":1.28e12,"usd_24h_vol":3.1e10,"last_updated_at":1700000000}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, APIKey: "demo", Timeout: time.Second}, noopLogger())
	quote, err := cg.FetchCurrent(context.Background(), "bitcoin")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if quote.Price == nil || *quote.Price != 65000.5 {
		t.Fatalf("unexpected price %v", quote.Price)
	}
	if quote.Volume24h == nil || *quote.Volume24h != 3.1e10 {
		t.Fatalf("unexpected volume %v", quote.Volume24h)
	}
	if quote.MarketCap == nil || *quote.MarketCap != 1.28e12 {
		t.Fatalf("unexpected market cap %v", quote.MarketCap)
	}
	if !quote.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp should come from last_updated_at, got %s", quote.Timestamp)
	}
}

func TestCoinGeckoStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   failure.Kind
	}{
		{http.StatusTooManyRequests, failure.KindRateLimited},
		{http.StatusBadGateway, failure.KindServer},
		{http.StatusNotFound, failure.KindInvalidRequest},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		cg := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
		_, err := cg.FetchCurrent(context.Background(), "bitcoin")
		srv.Close()
		if !failure.Is(err, tc.want) {
			t.Fatalf("status %d: expected %s, got %v", tc.status, tc.want, err)
		}
	}
}

func TestCoinGeckoUnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := cg.FetchCurrent(context.Background(), "nope"); !failure.Is(err, failure.KindNoData) {
		t.Fatalf("missing symbol should be no data, got %v", err)
	}
}

func TestCoinGeckoFetchRangeAlignsSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/bitcoin/market_chart/range" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("from") != "1700000000" || r.URL.Query().Get("to") != "1700007200" {
			t.Fatalf("unexpected bounds %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{
			"prices":[[1700003600000,100.5],[1700000000000,100.0],[1700007200000,101.0]],
			"market_caps":[[1700003600000,2000],[1700000000000,1990]],
			"total_volumes":[[1700003600000,500]]
		}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	quotes, err := cg.FetchRange(context.Background(), "bitcoin", time.Unix(1700000000, 0), time.Unix(1700007200, 0))
	if err != nil {
		t.Fatalf("fetch range: %v", err)
	}
	if len(quotes) != 3 {
		t.Fatalf("expected 3 points, got %d", len(quotes))
	}
	if !quotes[0].Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Fatal("points must be sorted by timestamp")
	}
	// index 1 in the raw payload has a market cap but no volume
	if quotes[0].MarketCap == nil || *quotes[0].MarketCap != 1990 || quotes[0].Volume24h != nil {
		t.Fatalf("index alignment broken: %+v", quotes[0])
	}
	// index 2 has neither
	if quotes[2].MarketCap != nil || quotes[2].Volume24h != nil {
		t.Fatalf("short series should yield nil fields: %+v", quotes[2])
	}
}

func TestProvidersWithoutRange(t *testing.T) {
	providers := []Provider{
		NewBinance(BinanceOptions{}, noopLogger()),
		NewCoinMarketCap(CoinMarketCapOptions{}, noopLogger()),
		NewChainlink(ChainlinkOptions{}, noopLogger()),
	}
	for _, p := range providers {
		if _, err := p.FetchRange(context.Background(), "bitcoin", time.Now(), time.Now()); !errors.Is(err, ErrRangeUnsupported) {
			t.Fatalf("%s: expected ErrRangeUnsupported, got %v", p.Name(), err)
		}
	}
}
