package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ivsniper/broker"
	"ivsniper/config"
	"ivsniper/scanner"
	"ivsniper/store"
)

func testOrchestrator(t *testing.T) (*Orchestrator, *broker.PaperClient) {
	t.Helper()

	cfg := config.NewConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	cfg.LogDirectory = t.TempDir()
	cfg.Profile.BinWidth = 5
	cfg.Profile.MinADV = 100
	cfg.Logs.Level = "error"
	cfg.Logs.MaxSizeMB = 1
	cfg.Logs.MaxBackups = 1
	cfg.Logs.MaxAgeDays = 1

	o, err := NewOrchestrator(cfg, &config.EnvConfig{})
	require.NoError(t, err)
	t.Cleanup(o.cancel)

	paper, ok := o.client.(*broker.PaperClient)
	require.True(t, ok)
	return o, paper
}

// Seeds a paper session where RELIANCE has a heavy volume shelf below spot,
// a clean put chain, and a calm index, so the whole entry pipeline can run.
func seedBullishSetup(t *testing.T, paper *broker.PaperClient) scanner.RankedInstrument {
	t.Helper()

	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	paper.SeedCandles("RELIANCE", []broker.Candle{
		{Timestamp: day, Open: 96, High: 100, Low: 95, Close: 98, Volume: 1000},
		{Timestamp: day.AddDate(0, 0, 1), Open: 101, High: 105, Low: 100, Close: 103, Volume: 100},
	})

	expiry := time.Now().AddDate(0, 0, 45)
	paper.SeedOptionChain("RELIANCE", []broker.OptionInstrument{
		{TradingSymbol: "RELIANCE95PE", Underlying: "RELIANCE", Strike: 95, Type: broker.Put, Expiry: expiry, LotSize: 50, LastPrice: 2.0},
		{TradingSymbol: "RELIANCE90PE", Underlying: "RELIANCE", Strike: 90, Type: broker.Put, Expiry: expiry, LotSize: 50, LastPrice: 1.0},
	})

	paper.SeedQuote("NIFTY 50", broker.Quote{LastPrice: 100, PrevClose: 100})
	paper.SeedQuote("RELIANCE95PE", broker.Quote{Bid: 1.98, Ask: 2.02, LastPrice: 2.0, UpperCircuit: 20})
	paper.SeedQuote("RELIANCE90PE", broker.Quote{Bid: 0.98, Ask: 1.02, LastPrice: 1.0, UpperCircuit: 20})

	return scanner.RankedInstrument{
		Symbol: "RELIANCE",
		Score:  85,
		Trend:  scanner.Bullish,
		Spot:   104,
		EMA:    100,
	}
}

func TestTryEnter_PlacesSpreadEndToEnd(t *testing.T) {
	o, paper := testOrchestrator(t)
	inst := seedBullishSetup(t, paper)

	entered, rej, err := o.tryEnter(inst)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.True(t, entered)

	// Long protective leg first, then the short leg.
	long, err := paper.GetOrder(o.ctx, "P-1")
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE90PE", long.TradingSymbol)
	assert.Equal(t, broker.Buy, long.Side)

	short, err := paper.GetOrder(o.ctx, "P-2")
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE95PE", short.TradingSymbol)
	assert.Equal(t, broker.Sell, short.Side)

	open, err := o.store.GetOpenTrades()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, store.StatusOpen, open[0].Status)
	assert.Greater(t, open[0].EntryCredit, 0.0)
}

func TestTryEnter_ADVFloorSkipsInstrument(t *testing.T) {
	o, paper := testOrchestrator(t)
	inst := seedBullishSetup(t, paper)
	o.cfg.Profile.MinADV = 1e9

	entered, rej, err := o.tryEnter(inst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADV")
	assert.False(t, entered)
	assert.Nil(t, rej)

	open, err := o.store.GetOpenTrades()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTryEnter_NeutralTrendIsNotAnError(t *testing.T) {
	o, paper := testOrchestrator(t)
	inst := seedBullishSetup(t, paper)
	inst.Trend = scanner.Neutral

	entered, rej, err := o.tryEnter(inst)
	require.NoError(t, err)
	assert.Nil(t, rej)
	assert.False(t, entered)
}

func TestNewOrchestrator_RefusesLiveMode(t *testing.T) {
	cfg := config.NewConfig()
	cfg.PaperTrade = false
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	_, err := NewOrchestrator(cfg, &config.EnvConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paper_trade")
}
