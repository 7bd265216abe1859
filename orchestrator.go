package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ivsniper/analyst"
	"ivsniper/broker"
	"ivsniper/config"
	"ivsniper/executor"
	"ivsniper/logs"
	"ivsniper/profile"
	"ivsniper/risk"
	"ivsniper/scanner"
	"ivsniper/store"
	"ivsniper/watchdog"
)

// Orchestrator wires the full entry pipeline (scan, profile, strike
// selection, risk gate, execution) to the exit-side watchdog and runs both
// until shutdown.
type Orchestrator struct {
	client   broker.Client
	store    *store.Store
	scanner  *scanner.Scanner
	guard    *risk.Guard
	orders   *executor.OrderManager
	watchdog *watchdog.Watchdog
	cfg      *config.Config
	retry    broker.RetryPolicy
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig) (*Orchestrator, error) {
	if !cfg.PaperTrade {
		return nil, fmt.Errorf("live trading transport is not wired in this build, set paper_trade: true")
	}
	if envCfg.APIKey == "" {
		logs.Warnf("[Orchestrator] KITE_API_KEY not set, paper session will run on seeded data only")
	}
	logs.Warnf("<<<<<<<<<< Running in paper-trade mode, no real orders leave this process >>>>>>>>>>")
	client := broker.NewPaperClient()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade store: %w", err)
	}
	logs.Infof("Trade store ready at: %s", cfg.DatabasePath)

	retry := broker.NewRetryPolicy(cfg.Broker.MaxRetries, cfg.Broker.BackoffBaseSeconds)

	o := &Orchestrator{
		client:  client,
		store:   db,
		scanner: scanner.New(client, db, retry, cfg.Scanner, cfg.Spread.RiskFreeRate),
		guard:   risk.NewGuard(client, db, retry, cfg.Risk, cfg.IndexSymbol),
		cfg:     cfg,
		retry:   retry,
	}
	o.orders = executor.NewOrderManager(client, db, retry, cfg.Watchdog.LimitPriceBufferPct, cfg.PaperTrade)
	o.watchdog = watchdog.New(db, o.orders, cfg.Watchdog)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Start launches the watchdog loop and the daily scan loop.
func (o *Orchestrator) Start() {
	logs.Infof("[Orchestrator] starting for %s universe (%d symbols)", o.cfg.IndexSymbol, len(o.cfg.Scanner.Universe))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watchdog.Run(o.ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.scanLoop()
	}()
}

// Stop shuts both loops down and waits for in-flight work to finish.
func (o *Orchestrator) Stop() {
	logs.Infof("[Orchestrator] shutting down...")
	o.cancel()
	o.wg.Wait()
	logs.Infof("[Orchestrator] stopped")
}

// scanLoop runs one entry cycle per trading day. It wakes frequently and
// fires when no cycle has run yet today, so a restart mid-session does not
// rescan a universe it already covered.
func (o *Orchestrator) scanLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	o.maybeRunCycle()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.maybeRunCycle()
		}
	}
}

func (o *Orchestrator) maybeRunCycle() {
	last := o.store.LastScanTime()
	now := time.Now()
	if last.Year() == now.Year() && last.YearDay() == now.YearDay() {
		return
	}
	o.runCycle()
}

// runCycle is one full pass: rank the universe, then walk the candidates
// through profile, strike selection, risk and execution. Individual
// candidate failures are soft; a kill switch aborts the rest of the cycle.
func (o *Orchestrator) runCycle() {
	if o.store.KillSwitchEngaged() {
		logs.Warnf("[Orchestrator] kill switch engaged, skipping scan cycle")
		return
	}

	progress := make(chan scanner.Progress, 64)
	o.scanner.SetProgressSink(progress)
	go func() {
		for ev := range progress {
			if ev.Skipped {
				logs.Debugf("[Scan %d/%d] %s skipped: %s", ev.Completed, ev.Total, ev.Symbol, ev.Reason)
			} else {
				logs.Debugf("[Scan %d/%d] %s done", ev.Completed, ev.Total, ev.Symbol)
			}
		}
	}()

	ranked, err := o.scanner.Scan(o.ctx)
	close(progress)
	if err != nil {
		logs.Errorf("[Orchestrator] scan failed: %v", err)
		return
	}
	if err := o.store.SetLastScanTime(time.Now()); err != nil {
		logs.Errorf("[Orchestrator] failed to record scan time: %v", err)
	}
	logs.Infof("[Orchestrator] scan produced %d candidates", len(ranked))

	placed := 0
	for _, inst := range ranked {
		if o.ctx.Err() != nil {
			return
		}
		entered, rej, err := o.tryEnter(inst)
		if err != nil {
			logs.Warnf("[Orchestrator] %s: %v", inst.Symbol, err)
			continue
		}
		if rej != nil {
			if rej.Code == risk.CodeKillSwitch || rej.Code == risk.CodeIndexCrash {
				logs.Warnf("[Orchestrator] aborting cycle: %s", rej.Detail)
				return
			}
			continue
		}
		if entered {
			placed++
		}
	}
	logs.Infof("[Orchestrator] cycle complete: %d trades placed", placed)
}

// tryEnter pushes one ranked instrument through the rest of the pipeline.
// entered reports whether a trade was actually placed; a no-candidate
// outcome is not an error.
func (o *Orchestrator) tryEnter(inst scanner.RankedInstrument) (entered bool, rej *risk.Rejection, err error) {
	var candles []broker.Candle
	err = o.retry.Do(o.ctx, "candles "+inst.Symbol, func() error {
		var err error
		candles, err = o.client.GetCandles(o.ctx, inst.Symbol, o.cfg.Profile.LookbackDays)
		return err
	})
	if err != nil {
		return false, nil, fmt.Errorf("candles: %w", err)
	}

	if adv := profile.AverageDailyVolume(candles); adv < o.cfg.Profile.MinADV {
		return false, nil, fmt.Errorf("ADV %.0f below floor %.0f, profile unreliable", adv, o.cfg.Profile.MinADV)
	}

	width := o.cfg.Profile.BinWidth
	if width == 0 {
		closes := make([]float64, len(candles))
		for i, c := range candles {
			closes[i] = c.Close
		}
		width = profile.FreedmanDiaconisBinWidth(closes)
	}
	prof, err := profile.Compute(candles, width, o.cfg.Profile.ValueAreaPct)
	if err != nil {
		return false, nil, fmt.Errorf("volume profile: %w", err)
	}
	walls := prof.HVNWalls(inst.Spot, o.cfg.Profile.HVNMultiplier)

	var chain []broker.OptionInstrument
	err = o.retry.Do(o.ctx, "chain "+inst.Symbol, func() error {
		var err error
		chain, err = o.client.GetOptionChain(o.ctx, inst.Symbol)
		return err
	})
	if err != nil {
		return false, nil, fmt.Errorf("option chain: %w", err)
	}

	candidate, err := analyst.SelectSpread(inst.Symbol, walls, inst.Trend, inst.Spot, chain, o.cfg.Spread, o.cfg.Profile.MaxWallDistancePct)
	if err != nil {
		if errors.Is(err, analyst.ErrNoCandidate) {
			logs.Debugf("[Orchestrator] %s: %v", inst.Symbol, err)
			return false, nil, nil
		}
		return false, nil, err
	}

	if rej := o.guard.Validate(o.ctx, candidate); rej != nil {
		return false, rej, nil
	}

	if _, err := o.orders.PlaceSpread(o.ctx, candidate); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}
