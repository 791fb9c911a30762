package storage

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sample origins.
const (
	SourceLive     = "live"
	SourceBackfill = "backfill"
)

// ErrInvalidSample is returned when a sample cannot be persisted as given.
var ErrInvalidSample = errors.New("storage: invalid sample")

// Sample is one persisted market observation with optional derived metrics.
type Sample struct {
	ID             int64
	Symbol         string
	Timestamp      time.Time
	Price          float64
	Volume24h      *float64
	MarketCap      *float64
	Volatility     *float64
	MoneyFlow      *float64
	VolumeVelocity *float64
	// StaleVolume marks a volume reused from an earlier reading.
	StaleVolume bool
	Source      string
	CreatedAt   time.Time
}

// Validate rejects samples without a usable price.
func (s Sample) Validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp missing", ErrInvalidSample)
	}
	if math.IsNaN(s.Price) || math.IsInf(s.Price, 0) || s.Price <= 0 {
		return fmt.Errorf("%w: price must be positive, got %v", ErrInvalidSample, s.Price)
	}
	return nil
}

// Derived carries the rolling metrics written back onto a stored sample.
type Derived struct {
	Volatility     *float64
	MoneyFlow      *float64
	VolumeVelocity *float64
}

// Derived returns the metric fields of the sample.
func (s Sample) Derived() Derived {
	return Derived{Volatility: s.Volatility, MoneyFlow: s.MoneyFlow, VolumeVelocity: s.VolumeVelocity}
}

// Apply copies derived metrics onto the sample.
func (s *Sample) Apply(d Derived) {
	s.Volatility = d.Volatility
	s.MoneyFlow = d.MoneyFlow
	s.VolumeVelocity = d.VolumeVelocity
}

// Statistics summarises the stored price series.
type Statistics struct {
	Count  int64
	Mean   float64
	Min    float64
	Max    float64
	Latest *float64
	First  time.Time
	Last   time.Time
}

// Float returns a pointer to v. Handy for optional fields.
func Float(v float64) *float64 {
	return &v
}
