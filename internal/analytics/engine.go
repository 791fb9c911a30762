package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"market-sampler/internal/storage"
)

// velocityWarnThreshold flags implausible volume velocity (currency per minute).
const velocityWarnThreshold = 1e9

// Options configure the rolling window and the volume estimator calibration.
type Options struct {
	Window    time.Duration
	MinPoints int
	// K and Beta calibrate estimated_volume = (volatility / K) ** (1 / Beta),
	// with volatility expressed in percent.
	K    float64
	Beta float64
}

// DefaultOptions returns the production calibration.
func DefaultOptions() Options {
	return Options{Window: 24 * time.Hour, MinPoints: 3, K: 1.0, Beta: 0.2}
}

// Engine derives rolling metrics from the stored price series.
type Engine struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs an Engine.
func New(opts Options, logger zerolog.Logger) *Engine {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.MinPoints < 3 {
		opts.MinPoints = def.MinPoints
	}
	return &Engine{opts: opts, logger: logger.With().Str("component", "analytics").Logger()}
}

// Window returns the trailing window length.
func (e *Engine) Window() time.Duration { return e.opts.Window }

// Volatility returns the 24h-scaled realised volatility in percent over points,
// which must be ascending. Each return is normalised to an hourly rate by the
// elapsed time of its step. Nil when fewer than MinPoints points or two valid
// returns are available.
func (e *Engine) Volatility(points []storage.Sample) *float64 {
	if len(points) < e.opts.MinPoints {
		return nil
	}

	returns := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		hours := cur.Timestamp.Sub(prev.Timestamp).Hours()
		if hours <= 0 || prev.Price <= 0 || cur.Price <= 0 {
			continue
		}
		r := (cur.Price - prev.Price) / prev.Price
		returns = append(returns, r/hours)
	}
	if len(returns) < 2 {
		return nil
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	vol := math.Sqrt(variance) * math.Sqrt(24) * 100
	if math.IsNaN(vol) || math.IsInf(vol, 0) {
		return nil
	}
	return &vol
}

// MoneyFlow combines the volatility-implied volume estimate with the signed
// price change across points. Nil without volatility or a valid calibration.
func (e *Engine) MoneyFlow(points []storage.Sample, volatility *float64) *float64 {
	if volatility == nil || len(points) < 2 || e.opts.K <= 0 || e.opts.Beta <= 0 {
		return nil
	}
	estimated := math.Pow(*volatility/e.opts.K, 1/e.opts.Beta)
	change := points[len(points)-1].Price - points[0].Price
	flow := estimated * change
	if math.IsNaN(flow) || math.IsInf(flow, 0) {
		return nil
	}
	return &flow
}

// VolumeVelocity is the first difference of the 24h volume per elapsed minute.
// volume_24h is itself a sliding 24h sum upstream, so the result carries
// window-boundary spikes.
func VolumeVelocity(prev, cur storage.Sample) *float64 {
	if prev.Volume24h == nil || cur.Volume24h == nil {
		return nil
	}
	minutes := cur.Timestamp.Sub(prev.Timestamp).Minutes()
	if minutes <= 0 {
		return nil
	}
	v := (*cur.Volume24h - *prev.Volume24h) / minutes
	return &v
}

// Derive computes the metrics of current from the samples that precede it.
// history must be ascending; only the part inside the trailing window is used,
// velocity included. A stale volume suppresses velocity.
func (e *Engine) Derive(history []storage.Sample, current storage.Sample, staleVolume bool) storage.Derived {
	start := current.Timestamp.Add(-e.opts.Window)
	window := make([]storage.Sample, 0, len(history)+1)
	var prev *storage.Sample
	for i := range history {
		h := history[i]
		if !h.Timestamp.Before(current.Timestamp) {
			continue
		}
		if h.Timestamp.Before(start) {
			continue
		}
		prev = &history[i]
		window = append(window, h)
	}
	window = append(window, current)

	var derived storage.Derived
	derived.Volatility = e.Volatility(window)
	derived.MoneyFlow = e.MoneyFlow(window, derived.Volatility)
	if prev != nil && !staleVolume {
		derived.VolumeVelocity = VolumeVelocity(*prev, current)
		if v := derived.VolumeVelocity; v != nil && math.Abs(*v) > velocityWarnThreshold {
			e.logger.Warn().Float64("volume_velocity", *v).Time("ts", current.Timestamp).
				Msg("volume velocity spike; likely a sliding window artifact")
		}
	}
	return derived
}

// Recompute rewrites derived metrics for every sample in [from, to] using the
// samples stored before each of them. It returns the number of samples updated.
func (e *Engine) Recompute(ctx context.Context, store storage.SampleStore, from, to time.Time) (int, error) {
	samples, err := store.Range(ctx, from.Add(-e.opts.Window), to)
	if err != nil {
		return 0, fmt.Errorf("load recompute window: %w", err)
	}

	updated := 0
	lo := 0
	for i, s := range samples {
		if s.Timestamp.Before(from) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		for lo < i && samples[lo].Timestamp.Before(s.Timestamp.Add(-e.opts.Window)) {
			lo++
		}
		derived := e.Derive(samples[lo:i], s, s.StaleVolume)
		if sameDerived(derived, s.Derived()) {
			continue
		}
		if err := store.UpdateDerived(ctx, s.ID, derived); err != nil {
			return updated, fmt.Errorf("update sample %d: %w", s.ID, err)
		}
		updated++
	}

	e.logger.Info().Time("from", from).Time("to", to).Int("updated", updated).Msg("rolling metrics recomputed")
	return updated, nil
}

func sameDerived(a, b storage.Derived) bool {
	return sameFloat(a.Volatility, b.Volatility) &&
		sameFloat(a.MoneyFlow, b.MoneyFlow) &&
		sameFloat(a.VolumeVelocity, b.VolumeVelocity)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
