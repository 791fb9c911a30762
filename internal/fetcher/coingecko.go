package fetcher

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	coinGeckoName       = "coingecko"
	coinGeckoDefaultURL = "https://api.coingecko.com/api/v3"
	coinGeckoPricePath  = "/simple/price"
	coinGeckoPingPath   = "/ping"
)

// CoinGeckoOptions parameterise the CoinGecko provider.
type CoinGeckoOptions struct {
	BaseURL   string
	APIKey    string
	Currency  string
	Timeout   time.Duration
	UserAgent string
}

// CoinGecko reads spot and historical market data from the CoinGecko API.
type CoinGecko struct {
	opts     CoinGeckoOptions
	logger   zerolog.Logger
	http     httpSource
	currency string
}

// NewCoinGecko constructs a CoinGecko provider.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	source := newHTTPSource(coinGeckoName, opts.BaseURL, coinGeckoDefaultURL, opts.UserAgent, opts.Timeout)
	if opts.APIKey != "" {
		source.headers["x-cg-demo-api-key"] = opts.APIKey
	}
	currency := strings.ToLower(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = "usd"
	}
	return &CoinGecko{
		opts:     opts,
		logger:   logger.With().Str("component", "coingecko_fetcher").Logger(),
		http:     source,
		currency: currency,
	}
}

// Name identifies the provider.
func (c *CoinGecko) Name() string { return coinGeckoName }

// FetchCurrent reads price, market cap and 24h volume for a coin id.
func (c *CoinGecko) FetchCurrent(ctx context.Context, symbol string) (Quote, error) {
	query := url.Values{}
	query.Set("ids", symbol)
	query.Set("vs_currencies", c.currency)
	query.Set("include_market_cap", "true")
	query.Set("include_24hr_vol", "true")
	query.Set("include_last_updated_at", "true")

	var payload map[string]map[string]decimal.Decimal
	if err := c.http.getJSON(ctx, coinGeckoPricePath, query, &payload); err != nil {
		return Quote{}, err
	}

	fields, ok := payload[symbol]
	if !ok {
		return Quote{}, c.http.noData(symbol)
	}

	quote := Quote{Provider: coinGeckoName, Symbol: symbol, Timestamp: time.Now().UTC()}
	if v, ok := fields[c.currency]; ok {
		quote.Price = floatPtr(v.InexactFloat64())
	}
	if v, ok := fields[c.currency+"_market_cap"]; ok {
		quote.MarketCap = floatPtr(v.InexactFloat64())
	}
	if v, ok := fields[c.currency+"_24h_vol"]; ok {
		quote.Volume24h = floatPtr(v.InexactFloat64())
	}
	if v, ok := fields["last_updated_at"]; ok && v.IsPositive() {
		quote.Timestamp = time.Unix(v.IntPart(), 0).UTC()
	}

	c.logger.Debug().Str("symbol", symbol).Bool("has_price", quote.Price != nil).Msg("coingecko quote fetched")
	return quote, nil
}

type marketChartResponse struct {
	Prices       [][]decimal.Decimal `json:"prices"`
	MarketCaps   [][]decimal.Decimal `json:"market_caps"`
	TotalVolumes [][]decimal.Decimal `json:"total_volumes"`
}

// FetchRange reads the historical market chart between from and to.
// The three series are aligned by index; a missing index leaves the field empty.
func (c *CoinGecko) FetchRange(ctx context.Context, symbol string, from, to time.Time) ([]Quote, error) {
	query := url.Values{}
	query.Set("vs_currency", c.currency)
	query.Set("from", strconv.FormatInt(from.Unix(), 10))
	query.Set("to", strconv.FormatInt(to.Unix(), 10))

	var payload marketChartResponse
	path := "/coins/" + url.PathEscape(symbol) + "/market_chart/range"
	if err := c.http.getJSON(ctx, path, query, &payload); err != nil {
		return nil, err
	}

	quotes := make([]Quote, 0, len(payload.Prices))
	for i, point := range payload.Prices {
		if len(point) < 2 {
			continue
		}
		quote := Quote{
			Provider:  coinGeckoName,
			Symbol:    symbol,
			Timestamp: time.UnixMilli(point[0].IntPart()).UTC(),
			Price:     floatPtr(point[1].InexactFloat64()),
		}
		if v := pointValue(payload.MarketCaps, i); v != nil {
			quote.MarketCap = v
		}
		if v := pointValue(payload.TotalVolumes, i); v != nil {
			quote.Volume24h = v
		}
		quotes = append(quotes, quote)
	}

	sort.SliceStable(quotes, func(i, j int) bool {
		return quotes[i].Timestamp.Before(quotes[j].Timestamp)
	})

	c.logger.Debug().Str("symbol", symbol).Int("points", len(quotes)).
		Time("from", from).Time("to", to).Msg("coingecko range fetched")
	return quotes, nil
}

func pointValue(series [][]decimal.Decimal, i int) *float64 {
	if i >= len(series) || len(series[i]) < 2 {
		return nil
	}
	return floatPtr(series[i][1].InexactFloat64())
}

// HealthCheck pings the API.
func (c *CoinGecko) HealthCheck(ctx context.Context) error {
	_, err := c.http.get(ctx, coinGeckoPingPath, nil)
	return err
}

var _ Provider = (*CoinGecko)(nil)
