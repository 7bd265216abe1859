package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ivsniper/config"
	"ivsniper/store"
)

func testWatchdogConfig() *config.WatchdogConfig {
	return &config.WatchdogConfig{
		PollIntervalMinutes: 5,
		ProfitTargetPct:     50,
		StopLossMultiple:    2.0,
		SquareOffTime:       "14:30",
		MarketOpen:          "09:15",
		MarketClose:         "15:30",
		OpTimeoutSeconds:    5,
		MaxCloseFailures:    3,
		LimitPriceBufferPct: 5,
	}
}

func openTrade(credit float64, expiry time.Time) *store.Trade {
	return &store.Trade{
		ID:          "trade-1",
		Symbol:      "TEST",
		Status:      store.StatusOpen,
		EntryCredit: credit,
		Expiry:      expiry,
	}
}

func tradingDay(hhmm string) time.Time {
	parsed, _ := time.Parse("15:04", hhmm)
	return time.Date(2030, time.June, 10, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
}

func TestDecide_StopLossBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	cfg := testWatchdogConfig()
	trade := openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC))
	now := tradingDay("11:00")

	reason, fire := Decide(trade, 50.00, now, cfg)
	require.True(t, fire)
	assert.Equal(t, store.ExitStopLoss, reason)

	_, fire = Decide(trade, 49.99, now, cfg)
	assert.False(t, fire)
}

func TestDecide_ProfitTargetBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	cfg := testWatchdogConfig()
	trade := openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC))
	now := tradingDay("11:00")

	reason, fire := Decide(trade, 12.50, now, cfg)
	require.True(t, fire)
	assert.Equal(t, store.ExitProfitTarget, reason)

	_, fire = Decide(trade, 12.51, now, cfg)
	assert.False(t, fire)
}

func TestDecide_TimeStopShadowsOtherRules(t *testing.T) {
	t.Parallel()

	cfg := testWatchdogConfig()
	// Expiry day, past square-off, at a debit that would also stop out.
	trade := openTrade(25, time.Date(2030, time.June, 10, 0, 0, 0, 0, time.UTC))
	now := tradingDay("14:31")

	reason, fire := Decide(trade, 60, now, cfg)
	require.True(t, fire)
	assert.Equal(t, store.ExitTimeStop, reason)

	// Also shadows a profit target.
	reason, fire = Decide(trade, 1, now, cfg)
	require.True(t, fire)
	assert.Equal(t, store.ExitTimeStop, reason)
}

func TestDecide_SquareOffOnlyOnExpiryDay(t *testing.T) {
	t.Parallel()

	cfg := testWatchdogConfig()
	trade := openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC))
	now := tradingDay("14:45") // past square-off, wrong day

	reason, fire := Decide(trade, 60, now, cfg)
	require.True(t, fire)
	assert.Equal(t, store.ExitStopLoss, reason)
}

func TestDecide_BeforeSquareOffOnExpiryDay(t *testing.T) {
	t.Parallel()

	cfg := testWatchdogConfig()
	trade := openTrade(25, time.Date(2030, time.June, 10, 0, 0, 0, 0, time.UTC))
	now := tradingDay("11:00")

	_, fire := Decide(trade, 20, now, cfg)
	assert.False(t, fire)
}

// --- Poll loop -----------------------------------------------------------

type fakeTrades struct {
	trades []store.Trade
}

func (f *fakeTrades) GetOpenTrades() ([]store.Trade, error) {
	return append([]store.Trade(nil), f.trades...), nil
}

type fakeCloser struct {
	debit     float64
	debitErr  error
	closeErr  error
	closed    []store.ExitReason
	debitHits int
}

func (f *fakeCloser) CurrentDebit(_ context.Context, _ *store.Trade) (float64, error) {
	f.debitHits++
	return f.debit, f.debitErr
}

func (f *fakeCloser) CloseSpread(_ context.Context, _ *store.Trade, reason store.ExitReason) (float64, float64, error) {
	if f.closeErr != nil {
		return 0, 0, f.closeErr
	}
	f.closed = append(f.closed, reason)
	return f.debit, 0, nil
}

func newTestWatchdog(trades *fakeTrades, closer *fakeCloser, at time.Time) *Watchdog {
	w := New(trades, closer, testWatchdogConfig())
	w.now = func() time.Time { return at }
	return w
}

func TestPoll_ClosesStoppedOutTrade(t *testing.T) {
	t.Parallel()

	trades := &fakeTrades{trades: []store.Trade{
		*openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC)),
	}}
	closer := &fakeCloser{debit: 55}

	w := newTestWatchdog(trades, closer, tradingDay("11:00"))
	w.Poll(context.Background())

	require.Len(t, closer.closed, 1)
	assert.Equal(t, store.ExitStopLoss, closer.closed[0])
}

func TestPoll_SkipsOutsideMarketHours(t *testing.T) {
	t.Parallel()

	trades := &fakeTrades{trades: []store.Trade{
		*openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC)),
	}}
	closer := &fakeCloser{debit: 55}

	w := newTestWatchdog(trades, closer, tradingDay("08:00"))
	w.Poll(context.Background())
	assert.Zero(t, closer.debitHits)

	w = newTestWatchdog(trades, closer, tradingDay("16:00"))
	w.Poll(context.Background())
	assert.Zero(t, closer.debitHits)
}

func TestPoll_HealthyTradeLeftAlone(t *testing.T) {
	t.Parallel()

	trades := &fakeTrades{trades: []store.Trade{
		*openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC)),
	}}
	closer := &fakeCloser{debit: 25}

	w := newTestWatchdog(trades, closer, tradingDay("11:00"))
	w.Poll(context.Background())

	assert.Equal(t, 1, closer.debitHits)
	assert.Empty(t, closer.closed)
}

func TestPoll_PricingFailureDefersTrade(t *testing.T) {
	t.Parallel()

	trades := &fakeTrades{trades: []store.Trade{
		*openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC)),
	}}
	closer := &fakeCloser{debitErr: errors.New("quote feed down")}

	w := newTestWatchdog(trades, closer, tradingDay("11:00"))
	w.Poll(context.Background())

	assert.Empty(t, closer.closed)
	// No close was attempted, so no failure is recorded either.
	assert.Empty(t, w.failures)
}

func TestPoll_ConsecutiveCloseFailuresTracked(t *testing.T) {
	t.Parallel()

	trades := &fakeTrades{trades: []store.Trade{
		*openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC)),
	}}
	closer := &fakeCloser{debit: 55, closeErr: errors.New("exchange rejected")}

	w := newTestWatchdog(trades, closer, tradingDay("11:00"))
	for i := 0; i < 3; i++ {
		w.Poll(context.Background())
	}
	assert.Equal(t, 3, w.failures["trade-1"])

	// A successful close clears the counter.
	closer.closeErr = nil
	w.Poll(context.Background())
	assert.Empty(t, w.failures)
}

func TestPoll_CancelledContextStopsMidBook(t *testing.T) {
	t.Parallel()

	trades := &fakeTrades{trades: []store.Trade{
		*openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC)),
		*openTrade(25, time.Date(2030, time.June, 27, 0, 0, 0, 0, time.UTC)),
	}}
	closer := &fakeCloser{debit: 55}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := newTestWatchdog(trades, closer, tradingDay("11:00"))
	w.Poll(ctx)
	assert.Zero(t, closer.debitHits)
}
