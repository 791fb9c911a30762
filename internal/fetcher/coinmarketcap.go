package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"market-sampler/internal/failure"
)

const (
	coinMarketCapName       = "coinmarketcap"
	coinMarketCapDefaultURL = "https://pro-api.coinmarketcap.com"
	coinMarketCapQuotesPath = "/v1/cryptocurrency/quotes/latest"
	coinMarketCapKeyPath    = "/v1/key/info"
)

// CoinMarketCapOptions parameterise the CoinMarketCap provider.
type CoinMarketCapOptions struct {
	BaseURL   string
	APIKey    string
	Currency  string
	Timeout   time.Duration
	UserAgent string
	// IDs maps a symbol id (e.g. "bitcoin") to the numeric CoinMarketCap id.
	IDs map[string]string
}

// CoinMarketCap reads the latest quote from the CoinMarketCap pro API.
type CoinMarketCap struct {
	opts     CoinMarketCapOptions
	logger   zerolog.Logger
	http     httpSource
	currency string
}

// NewCoinMarketCap constructs a CoinMarketCap provider.
func NewCoinMarketCap(opts CoinMarketCapOptions, logger zerolog.Logger) *CoinMarketCap {
	source := newHTTPSource(coinMarketCapName, opts.BaseURL, coinMarketCapDefaultURL, opts.UserAgent, opts.Timeout)
	if opts.APIKey != "" {
		source.headers["X-CMC_PRO_API_KEY"] = opts.APIKey
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = "USD"
	}
	return &CoinMarketCap{
		opts:     opts,
		logger:   logger.With().Str("component", "coinmarketcap_fetcher").Logger(),
		http:     source,
		currency: currency,
	}
}

// Name identifies the provider.
func (c *CoinMarketCap) Name() string { return coinMarketCapName }

func (c *CoinMarketCap) resolveID(symbol string) (string, error) {
	if id, ok := c.opts.IDs[symbol]; ok && id != "" {
		return id, nil
	}
	return "", &failure.Error{
		Kind:     failure.KindInvalidRequest,
		Provider: coinMarketCapName,
		Err:      fmt.Errorf("no coinmarketcap id mapped for %q", symbol),
	}
}

// FetchCurrent reads price, 24h volume and market cap.
func (c *CoinMarketCap) FetchCurrent(ctx context.Context, symbol string) (Quote, error) {
	if c.opts.APIKey == "" {
		return Quote{}, &failure.Error{Kind: failure.KindInvalidRequest, Provider: coinMarketCapName, Err: errors.New("api key not configured")}
	}
	id, err := c.resolveID(symbol)
	if err != nil {
		return Quote{}, err
	}

	query := url.Values{}
	query.Set("id", id)
	query.Set("convert", c.currency)

	payload, err := c.http.get(ctx, coinMarketCapQuotesPath, query)
	if err != nil {
		return Quote{}, err
	}
	if !gjson.ValidBytes(payload) {
		return Quote{}, c.http.malformed(errors.New("invalid json"))
	}

	doc := gjson.ParseBytes(payload)
	if code := doc.Get("status.error_code").Int(); code != 0 {
		return Quote{}, &failure.Error{
			Kind:     failure.KindInvalidRequest,
			Provider: coinMarketCapName,
			Err:      fmt.Errorf("error %d: %s", code, doc.Get("status.error_message").String()),
		}
	}

	base := "data." + id + ".quote." + c.currency
	fields := doc.Get(base)
	if !fields.Exists() {
		return Quote{}, c.http.noData(symbol)
	}

	quote := Quote{Provider: coinMarketCapName, Symbol: symbol, Timestamp: time.Now().UTC()}
	quote.Price = gjsonFloat(fields, "price")
	quote.Volume24h = gjsonFloat(fields, "volume_24h")
	quote.MarketCap = gjsonFloat(fields, "market_cap")
	if updated := fields.Get("last_updated"); updated.Exists() {
		if ts, err := time.Parse(time.RFC3339, updated.String()); err == nil {
			quote.Timestamp = ts.UTC()
		}
	}

	c.logger.Debug().Str("symbol", symbol).Str("cmc_id", id).Msg("coinmarketcap quote fetched")
	return quote, nil
}

func gjsonFloat(doc gjson.Result, path string) *float64 {
	v := doc.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	return floatPtr(v.Float())
}

// FetchRange is not available on the CoinMarketCap basic plan.
func (c *CoinMarketCap) FetchRange(ctx context.Context, symbol string, from, to time.Time) ([]Quote, error) {
	return nil, ErrRangeUnsupported
}

// HealthCheck reads the key info endpoint.
func (c *CoinMarketCap) HealthCheck(ctx context.Context) error {
	if c.opts.APIKey == "" {
		return errors.New("coinmarketcap api key not configured")
	}
	_, err := c.http.get(ctx, coinMarketCapKeyPath, nil)
	return err
}

var _ Provider = (*CoinMarketCap)(nil)
