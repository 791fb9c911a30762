package fetcher

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrRangeUnsupported is returned by providers without a historical endpoint.
var ErrRangeUnsupported = errors.New("fetcher: historical range not supported")

// Quote is one provider reading. Any field may be missing.
type Quote struct {
	Provider  string
	Symbol    string
	Price     *float64
	Volume24h *float64
	MarketCap *float64
	Timestamp time.Time
	// Stale marks a cached quote served after a failed refresh.
	Stale bool
}

// Provider is a source of current and historical market data for a symbol.
type Provider interface {
	Name() string
	FetchCurrent(ctx context.Context, symbol string) (Quote, error)
	FetchRange(ctx context.Context, symbol string, from, to time.Time) ([]Quote, error)
	HealthCheck(ctx context.Context) error
}

// Valid reports whether v holds a usable positive, finite number.
func Valid(v *float64) bool {
	return v != nil && *v > 0 && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

func floatPtr(v float64) *float64 {
	return &v
}
