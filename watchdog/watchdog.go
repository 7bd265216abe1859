// Package watchdog polls open trades during market hours and closes them
// when an exit rule fires. Rules are checked in a fixed order so at most
// one decision is taken per trade per poll: settlement-day square-off
// first, then stop loss, then profit target.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ivsniper/config"
	"ivsniper/logs"
	"ivsniper/store"
)

// OpenTradeSource lists the trades the watchdog is responsible for.
// *store.Store satisfies it.
type OpenTradeSource interface {
	GetOpenTrades() ([]store.Trade, error)
}

// SpreadCloser prices and unwinds one spread. *executor.OrderManager
// satisfies it.
type SpreadCloser interface {
	CurrentDebit(ctx context.Context, trade *store.Trade) (float64, error)
	CloseSpread(ctx context.Context, trade *store.Trade, reason store.ExitReason) (debit, pnl float64, err error)
}

// Watchdog is the position monitor loop.
type Watchdog struct {
	trades OpenTradeSource
	closer SpreadCloser
	cfg    *config.WatchdogConfig

	now func() time.Time

	mu       sync.Mutex
	failures map[string]int // consecutive close failures per trade id
}

func New(trades OpenTradeSource, closer SpreadCloser, cfg *config.WatchdogConfig) *Watchdog {
	return &Watchdog{
		trades:   trades,
		closer:   closer,
		cfg:      cfg,
		now:      time.Now,
		failures: make(map[string]int),
	}
}

// Run blocks until ctx is cancelled, polling on the configured interval.
func (w *Watchdog) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.PollIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logs.Infof("[Watchdog] started, polling every %s", interval)
	for {
		select {
		case <-ctx.Done():
			logs.Infof("[Watchdog] stopped")
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs one pass over all open trades. Exported so the orchestrator can
// trigger an immediate check right after startup.
func (w *Watchdog) Poll(ctx context.Context) {
	now := w.now()
	if !w.withinMarketHours(now) {
		return
	}

	open, err := w.trades.GetOpenTrades()
	if err != nil {
		logs.Errorf("[Watchdog] failed to load open trades: %v", err)
		return
	}

	for i := range open {
		if ctx.Err() != nil {
			return
		}
		w.checkTrade(ctx, &open[i], now)
	}
}

// checkTrade evaluates one trade under the per-operation timeout. A timed
// out trade is deferred to the next poll rather than blocking the rest of
// the book.
func (w *Watchdog) checkTrade(ctx context.Context, trade *store.Trade, now time.Time) {
	opCtx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.OpTimeoutSeconds)*time.Second)
	defer cancel()

	debit, err := w.closer.CurrentDebit(opCtx, trade)
	if err != nil {
		logs.Warnf("[Watchdog] trade %s: pricing failed, deferring to next poll: %v", trade.ID, err)
		return
	}

	reason, fire := Decide(trade, debit, now, w.cfg)
	if !fire {
		return
	}
	logs.Infof("[Watchdog] trade %s: %s at debit %.2f (entry credit %.2f)", trade.ID, reason, debit, trade.EntryCredit)

	if _, _, err := w.closer.CloseSpread(opCtx, trade, reason); err != nil {
		w.recordFailure(trade.ID, err)
		return
	}
	w.clearFailures(trade.ID)
}

// Decide applies the exit rules to one trade. Exactly one reason can fire
// per evaluation; the ordering is square-off, then stop loss, then profit
// target, so a worst-case exit is never shadowed by a better-looking one.
func Decide(trade *store.Trade, currentDebit float64, now time.Time, cfg *config.WatchdogConfig) (store.ExitReason, bool) {
	if isSquareOffDue(trade.Expiry, now, cfg.SquareOffTime) {
		return store.ExitTimeStop, true
	}
	if currentDebit >= trade.EntryCredit*cfg.StopLossMultiple {
		return store.ExitStopLoss, true
	}
	if currentDebit <= trade.EntryCredit*(1-cfg.ProfitTargetPct/100) {
		return store.ExitProfitTarget, true
	}
	return "", false
}

// isSquareOffDue reports whether now is on the trade's settlement day at or
// past the force-close time.
func isSquareOffDue(expiry, now time.Time, squareOff string) bool {
	ey, em, ed := expiry.Date()
	ny, nm, nd := now.Date()
	if ey != ny || em != nm || ed != nd {
		return false
	}
	cutoff, err := atClockTime(now, squareOff)
	if err != nil {
		return false
	}
	return !now.Before(cutoff)
}

func (w *Watchdog) recordFailure(tradeID string, cause error) {
	w.mu.Lock()
	w.failures[tradeID]++
	count := w.failures[tradeID]
	w.mu.Unlock()

	if count >= w.cfg.MaxCloseFailures {
		logs.Criticalf("[Watchdog] trade %s: close failed %d consecutive times, manual intervention needed: %v",
			tradeID, count, cause)
		return
	}
	logs.Warnf("[Watchdog] trade %s: close failed (attempt %d/%d): %v", tradeID, count, w.cfg.MaxCloseFailures, cause)
}

func (w *Watchdog) clearFailures(tradeID string) {
	w.mu.Lock()
	delete(w.failures, tradeID)
	w.mu.Unlock()
}

func (w *Watchdog) withinMarketHours(now time.Time) bool {
	open, err := atClockTime(now, w.cfg.MarketOpen)
	if err != nil {
		logs.Errorf("[Watchdog] bad market_open %q: %v", w.cfg.MarketOpen, err)
		return false
	}
	closeAt, err := atClockTime(now, w.cfg.MarketClose)
	if err != nil {
		logs.Errorf("[Watchdog] bad market_close %q: %v", w.cfg.MarketClose, err)
		return false
	}
	return !now.Before(open) && !now.After(closeAt)
}

// atClockTime pins an HH:MM wall-clock value onto now's date and location.
func atClockTime(now time.Time, hhmm string) (time.Time, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid HH:MM time %q: %w", hhmm, err)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location()), nil
}
