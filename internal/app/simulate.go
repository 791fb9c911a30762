package app

import (
	"context"
	"errors"
	"time"

	"market-sampler/internal/service"
	"market-sampler/internal/storage"
)

// SimulateAlert 通过给定的价格与波动率模拟一次告警流程。
func (a *App) SimulateAlert(ctx context.Context, price, volatilityPct, moneyFlow float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	svc := service.New(a.Config, nil, nil, nil, a.newEngine(), notifier, nil, a.Logger)

	sample := storage.Sample{
		Symbol:     a.Config.App.Symbol,
		Timestamp:  time.Now().UTC().Truncate(a.Config.Scheduler.Interval),
		Price:      price,
		Volatility: storage.Float(volatilityPct),
		MoneyFlow:  storage.Float(moneyFlow),
		Source:     "simulated",
	}
	if err := sample.Validate(); err != nil {
		return err
	}

	sent, err := svc.Alert(ctx, sample)
	if err != nil {
		return err
	}
	if !sent {
		a.Logger.Info().
			Float64("volatility_pct", volatilityPct).
			Float64("threshold_pct", a.Config.Alerting.VolatilityThresholdPct).
			Msg("volatility below threshold; no alert sent")
		return nil
	}
	a.Logger.Info().Msg("simulated alert delivered")
	return nil
}
