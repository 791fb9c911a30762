package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sampler/internal/failure"
)

const (
	binanceName       = "binance"
	binanceDefaultURL = "https://api.binance.com"
	binanceTickerPath = "/api/v3/ticker/24hr"
	binancePingPath   = "/api/v3/ping"
)

// BinanceOptions parameterise the Binance provider.
type BinanceOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// Symbols maps a symbol id (e.g. "bitcoin") to a trading pair (e.g. "BTCUSDT").
	Symbols map[string]string
}

// Binance reads 24h ticker statistics. It carries no market cap.
type Binance struct {
	opts   BinanceOptions
	logger zerolog.Logger
	http   httpSource
}

// NewBinance constructs a Binance provider.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	return &Binance{
		opts:   opts,
		logger: logger.With().Str("component", "binance_fetcher").Logger(),
		http:   newHTTPSource(binanceName, opts.BaseURL, binanceDefaultURL, opts.UserAgent, opts.Timeout),
	}
}

// Name identifies the provider.
func (b *Binance) Name() string { return binanceName }

type binanceTicker struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	CloseTime   int64           `json:"closeTime"`
}

// FetchCurrent reads the last traded price and 24h quote volume.
func (b *Binance) FetchCurrent(ctx context.Context, symbol string) (Quote, error) {
	pair, ok := b.opts.Symbols[symbol]
	if !ok || pair == "" {
		return Quote{}, &failure.Error{
			Kind:     failure.KindInvalidRequest,
			Provider: binanceName,
			Err:      fmt.Errorf("no trading pair mapped for %q", symbol),
		}
	}

	query := url.Values{}
	query.Set("symbol", strings.ToUpper(pair))

	var ticker binanceTicker
	if err := b.http.getJSON(ctx, binanceTickerPath, query, &ticker); err != nil {
		return Quote{}, err
	}

	quote := Quote{Provider: binanceName, Symbol: symbol, Timestamp: time.Now().UTC()}
	if ticker.LastPrice.IsPositive() {
		quote.Price = floatPtr(ticker.LastPrice.InexactFloat64())
	}
	if ticker.QuoteVolume.IsPositive() {
		quote.Volume24h = floatPtr(ticker.QuoteVolume.InexactFloat64())
	}
	if ticker.CloseTime > 0 {
		quote.Timestamp = time.UnixMilli(ticker.CloseTime).UTC()
	}

	b.logger.Debug().Str("symbol", symbol).Str("pair", pair).Msg("binance ticker fetched")
	return quote, nil
}

// FetchRange is not implemented for Binance.
func (b *Binance) FetchRange(ctx context.Context, symbol string, from, to time.Time) ([]Quote, error) {
	return nil, ErrRangeUnsupported
}

// HealthCheck pings the API.
func (b *Binance) HealthCheck(ctx context.Context) error {
	_, err := b.http.get(ctx, binancePingPath, nil)
	return err
}

var _ Provider = (*Binance)(nil)
