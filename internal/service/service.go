package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sampler/internal/alerting"
	"market-sampler/internal/analytics"
	"market-sampler/internal/config"
	"market-sampler/internal/failure"
	"market-sampler/internal/reconcile"
	"market-sampler/internal/scheduler"
	"market-sampler/internal/storage"
	"market-sampler/internal/telemetry"
)

// Cycle outcomes, also used as metric labels.
const (
	OutcomeWritten   = "written"
	OutcomeDegraded  = "degraded"
	OutcomeNoData    = "no_data"
	OutcomeDuplicate = "duplicate"
	OutcomeLocked    = "locked"
	OutcomeFailed    = "failed"
)

// Collector produces one reconciled reading per call.
type Collector interface {
	Reconcile(ctx context.Context, symbol string) (reconcile.Result, error)
}

// Outcome describes what one collection cycle did.
type Outcome struct {
	CycleID string
	Status  string
	Sample  storage.Sample
	Sources map[string]string
}

// Service orchestrates collection, persistence, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	collector Collector
	store     storage.SampleStore
	engine    *analytics.Engine
	notifier  alerting.Notifier
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	symbol    string
	currency  string
	threshold decimal.Decimal
	channels  []string
	alertsOn  bool
	locker    storage.AdvisoryLocker
	lockKey   int64
}

// New constructs the collection service. sched, notifier and metrics may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, collector Collector, store storage.SampleStore, engine *analytics.Engine, notifier alerting.Notifier, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	threshold := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.VolatilityThresholdPct > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerting.VolatilityThresholdPct)
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		collector: collector,
		store:     store,
		engine:    engine,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger.With().Str("component", "service").Logger(),
		symbol:    cfg.App.Symbol,
		currency:  cfg.App.Currency,
		threshold: threshold,
		channels:  cfg.Alerting.Channels,
		alertsOn:  cfg.Alerting.Enabled,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned collection loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// Tick adapts CollectCycle to the scheduler.
func (s *Service) Tick(ctx context.Context, bucket time.Time) error {
	_, err := s.CollectCycle(ctx, bucket)
	return err
}

// CollectCycle 执行单个时间桶的采集逻辑。A degraded reconciliation is logged
// and not written; a store failure surfaces as failure.KindPersistence.
func (s *Service) CollectCycle(ctx context.Context, bucket time.Time) (Outcome, error) {
	started := time.Now()
	out := Outcome{CycleID: uuid.NewString()}
	logger := s.logger.With().Str("cycle_id", out.CycleID).Time("bucket", bucket).Logger()

	defer func() {
		s.metrics.ObserveCycle(out.Status, time.Since(started))
	}()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		out.Status = OutcomeFailed
		return out, err
	}
	if !proceed {
		out.Status = OutcomeLocked
		logger.Debug().Msg("skip bucket because advisory lock held elsewhere")
		return out, nil
	}
	if unlock != nil {
		defer unlock()
	}

	res, err := s.collector.Reconcile(ctx, s.symbol)
	for name, ferr := range res.Failures {
		s.metrics.ProviderFailure(name, failure.KindOf(ferr).String())
	}
	if err != nil {
		out.Status = OutcomeFailed
		if failure.Is(err, failure.KindNoData) {
			out.Status = OutcomeNoData
		}
		logger.Warn().Err(err).Int("provider_failures", len(res.Failures)).Msg("no usable reading this cycle")
		return out, err
	}
	out.Sources = res.Sources
	if res.Degraded {
		out.Status = OutcomeDegraded
		logger.Warn().Float64("cached_price", res.Sample.Price).Msg("degraded reading; nothing written")
		return out, nil
	}

	sample := res.Sample
	sample.Symbol = s.symbol
	sample.StaleVolume = res.StaleVolume
	if !bucket.IsZero() {
		sample.Timestamp = bucket.UTC()
	}

	exists, err := s.store.Exists(ctx, sample.Timestamp)
	if err != nil {
		out.Status = OutcomeFailed
		return out, failure.New(failure.KindPersistence, "check sample", err)
	}
	if exists {
		out.Status = OutcomeDuplicate
		logger.Debug().Msg("sample already stored for bucket")
		return out, nil
	}

	history, err := s.store.Range(ctx, sample.Timestamp.Add(-s.engine.Window()), sample.Timestamp)
	if err != nil {
		out.Status = OutcomeFailed
		return out, failure.New(failure.KindPersistence, "load window", err)
	}
	sample.Apply(s.engine.Derive(history, sample, sample.StaleVolume))

	saved, err := s.store.Save(ctx, sample)
	if err != nil {
		out.Status = OutcomeFailed
		return out, failure.New(failure.KindPersistence, "save sample", err)
	}
	out.Status = OutcomeWritten
	out.Sample = saved
	s.metrics.SampleSaved(saved.Timestamp, saved.Price, saved.Volatility)

	event := logger.Info().
		Float64("price", saved.Price).
		Bool("stale_volume", res.StaleVolume).
		Str("price_source", res.Sources[reconcile.FieldPrice])
	if saved.Volatility != nil {
		event = event.Float64("volatility_pct", *saved.Volatility)
	}
	event.Msg("sample recorded")

	if _, err := s.Alert(ctx, saved); err != nil {
		if errors.Is(err, alerting.ErrCoolingDown) {
			logger.Debug().Msg("volatility alert suppressed by cooldown")
		} else {
			logger.Error().Err(err).Msg("failed to dispatch alert")
		}
	}
	return out, nil
}

// Alert notifies when sample's volatility exceeds the configured threshold and
// reports whether a notification was delivered.
func (s *Service) Alert(ctx context.Context, sample storage.Sample) (bool, error) {
	if !s.alertsOn || s.notifier == nil || s.threshold.IsZero() || sample.Volatility == nil {
		return false, nil
	}
	vol := decimal.NewFromFloat(*sample.Volatility)
	if !vol.GreaterThan(s.threshold) {
		return false, nil
	}

	note := alerting.Notification{
		Symbol:        s.symbol,
		Currency:      s.currency,
		Timestamp:     sample.Timestamp,
		Price:         decimal.NewFromFloat(sample.Price),
		VolatilityPct: vol,
		ThresholdPct:  s.threshold,
		Direction:     classifyFlow(sample.MoneyFlow),
		Channels:      s.channels,
	}
	if sample.MoneyFlow != nil {
		note.MoneyFlow = decimal.NewNullDecimal(decimal.NewFromFloat(*sample.MoneyFlow))
	}

	if err := s.notifier.Notify(ctx, note); err != nil {
		return false, err
	}
	return true, nil
}

func classifyFlow(flow *float64) string {
	switch {
	case flow == nil || *flow == 0:
		return "flat"
	case *flow > 0:
		return "inflow"
	default:
		return "outflow"
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
