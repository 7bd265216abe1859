package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"ivsniper/broker"
	"ivsniper/config"
	"ivsniper/logs"
	"ivsniper/store"
	"ivsniper/volatility"
)

// HistoryStore is the slice of the persistent store the scanner needs:
// append today's observation, read the instrument's past.
type HistoryStore interface {
	AppendSnapshot(snap store.IVSnapshot) error
	GetHistory(symbol string, since time.Time) ([]store.IVSnapshot, error)
}

// Progress is one per-instrument scan event, emitted on a bounded channel
// for an external consumer (dashboard, CLI) to drain. The scanner never
// blocks on a slow consumer.
type Progress struct {
	Symbol    string
	Completed int
	Total     int
	Skipped   bool
	Reason    string
}

// Scanner ranks the configured universe with a bounded worker pool. Workers
// share no mutable state; results are merged by the caller of Scan.
type Scanner struct {
	client       broker.Client
	history      HistoryStore
	retry        broker.RetryPolicy
	cfg          *config.ScannerConfig
	riskFreeRate float64

	mu       sync.Mutex
	progress chan<- Progress
}

func New(client broker.Client, history HistoryStore, retry broker.RetryPolicy, cfg *config.ScannerConfig, riskFreeRate float64) *Scanner {
	return &Scanner{
		client:       client,
		history:      history,
		retry:        retry,
		cfg:          cfg,
		riskFreeRate: riskFreeRate,
	}
}

// SetProgressSink installs a bounded channel progress events are pushed
// onto. Events that would block are dropped.
func (s *Scanner) SetProgressSink(ch chan<- Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = ch
}

func (s *Scanner) emit(ev Progress) {
	s.mu.Lock()
	ch := s.progress
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}

// Scan evaluates every symbol in the universe and returns instruments at or
// above the minimum score, best first. Per-instrument failures are soft:
// the instrument is skipped with a logged reason and the scan continues.
// Cancellation is cooperative, checked between instruments.
func (s *Scanner) Scan(ctx context.Context) ([]RankedInstrument, error) {
	universe := s.universe()
	if len(universe) == 0 {
		return nil, fmt.Errorf("scanner universe is empty")
	}
	logs.Infof("[Scanner] Scanning %d symbols (min score %.0f, %d workers)",
		len(universe), s.cfg.MinScore, s.cfg.WorkerCount)

	jobs := make(chan string, len(universe))
	results := make(chan *RankedInstrument, len(universe))
	var wg sync.WaitGroup
	var completed int64
	var completedMu sync.Mutex

	for i := 0; i < s.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				ranked, err := s.evaluate(ctx, symbol)

				completedMu.Lock()
				completed++
				done := int(completed)
				completedMu.Unlock()

				if err != nil {
					logs.Warnf("[Scanner] Skipping %s: %v", symbol, err)
					s.emit(Progress{Symbol: symbol, Completed: done, Total: len(universe), Skipped: true, Reason: err.Error()})
					continue
				}
				s.emit(Progress{Symbol: symbol, Completed: done, Total: len(universe)})
				results <- ranked
			}
		}()
	}

	for _, symbol := range universe {
		jobs <- symbol
	}
	close(jobs)
	wg.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan cancelled: %w", err)
	}

	qualified := make([]RankedInstrument, 0, len(universe))
	for r := range results {
		if r.Score >= s.cfg.MinScore {
			qualified = append(qualified, *r)
		} else {
			logs.Debugf("[Scanner] %s scored %.1f (%s), below threshold", r.Symbol, r.Score, r.Method)
		}
	}

	sort.Slice(qualified, func(i, j int) bool {
		a, b := qualified[i], qualified[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.TrendStrength() != b.TrendStrength() {
			return a.TrendStrength() > b.TrendStrength()
		}
		return a.Symbol < b.Symbol
	})
	if len(qualified) > s.cfg.MaxCandidates {
		qualified = qualified[:s.cfg.MaxCandidates]
	}

	logs.Infof("[Scanner] Scan complete: %d of %d symbols qualified", len(qualified), len(universe))
	return qualified, nil
}

func (s *Scanner) universe() []string {
	excluded := make(map[string]bool, len(s.cfg.ExcludeSymbols))
	for _, sym := range s.cfg.ExcludeSymbols {
		excluded[sym] = true
	}
	out := make([]string, 0, len(s.cfg.Universe))
	for _, sym := range s.cfg.Universe {
		if !excluded[sym] {
			out = append(out, sym)
		}
	}
	return out
}

// evaluate scores a single instrument. All broker calls go through the
// shared retry policy; an exhausted retry budget fails this instrument
// only.
func (s *Scanner) evaluate(ctx context.Context, symbol string) (*RankedInstrument, error) {
	var candles []broker.Candle
	err := s.retry.Do(ctx, "GetCandles "+symbol, func() error {
		var e error
		candles, e = s.client.GetCandles(ctx, symbol, s.cfg.CandleLookbackDays)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("candles unavailable: %w", err)
	}
	if len(candles) < s.cfg.EMASpan+1 {
		return nil, fmt.Errorf("insufficient candles: %d < %d", len(candles), s.cfg.EMASpan+1)
	}

	var quote *broker.Quote
	err = s.retry.Do(ctx, "GetQuote "+symbol, func() error {
		var e error
		quote, e = s.client.GetQuote(ctx, symbol)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("quote unavailable: %w", err)
	}
	spot := quote.LastPrice

	hv, err := volatility.HistoricalVolatility(candles, s.cfg.HVWindowDays)
	if err != nil {
		return nil, fmt.Errorf("hv: %w", err)
	}
	ema, err := volatility.EMA(candles, s.cfg.EMASpan)
	if err != nil {
		return nil, fmt.Errorf("ema: %w", err)
	}

	iv, ivOK := s.estimateATMIV(ctx, symbol, spot, hv)

	s.recordSnapshot(symbol, hv, iv, ivOK)

	score, method, err := s.score(symbol, candles, hv, iv, ivOK)
	if err != nil {
		return nil, err
	}

	return &RankedInstrument{
		Symbol:    symbol,
		Score:     score,
		Method:    method,
		Trend:     DetectTrend(spot, ema, s.cfg.TrendEpsilonPct),
		Spot:      spot,
		EMA:       ema,
		CurrentIV: iv,
		CurrentHV: hv,
	}, nil
}

// score applies the IVP-first decision tree: enough IV history and a
// convergent current IV use the percentile; anything else falls back to HV
// rank. A non-convergent IV never fails the scan.
func (s *Scanner) score(symbol string, candles []broker.Candle, hv, iv float64, ivOK bool) (float64, Method, error) {
	history, err := s.history.GetHistory(symbol, time.Time{})
	if err != nil {
		return 0, "", fmt.Errorf("iv history unavailable: %w", err)
	}
	ivHistory := make([]float64, 0, len(history))
	for _, snap := range history {
		if snap.ATMIV != nil {
			ivHistory = append(ivHistory, *snap.ATMIV)
		}
	}

	if len(ivHistory) >= s.cfg.IVPMinDays && ivOK {
		return IVPercentile(ivHistory, iv), MethodIVP, nil
	}

	series, err := volatility.HistoricalVolatilitySeries(candles, s.cfg.HVWindowDays)
	if err != nil {
		return 0, "", fmt.Errorf("hv series: %w", err)
	}
	rank, err := HVRank(series)
	if err != nil {
		return 0, "", fmt.Errorf("hv rank: %w", err)
	}
	return rank, MethodHVRank, nil
}

// estimateATMIV solves for the at-the-money implied volatility from the
// nearest usable expiry, seeding Newton-Raphson at the instrument's HV.
// Failure at any step is soft: the caller ranks by HV instead.
func (s *Scanner) estimateATMIV(ctx context.Context, symbol string, spot, hv float64) (float64, bool) {
	var chain []broker.OptionInstrument
	err := s.retry.Do(ctx, "GetOptionChain "+symbol, func() error {
		var e error
		chain, e = s.client.GetOptionChain(ctx, symbol)
		return e
	})
	if err != nil || len(chain) == 0 {
		return 0, false
	}

	atm := nearestATMOption(chain, spot, time.Now())
	if atm == nil || atm.LastPrice <= 0 {
		return 0, false
	}

	days := time.Until(atm.Expiry).Hours() / 24
	iv, err := volatility.ImpliedVolatility(atm.LastPrice, spot, atm.Strike, days, s.riskFreeRate, atm.Type, hv)
	if err != nil {
		if errors.Is(err, volatility.ErrNoConvergence) {
			logs.Debugf("[Scanner] %s ATM IV did not converge, ranking by HV", symbol)
		}
		return 0, false
	}
	return iv, true
}

// nearestATMOption picks the call closest to spot from the nearest future
// expiry. Calls are preferred for the ATM read; a put is used when no call
// exists at that expiry.
func nearestATMOption(chain []broker.OptionInstrument, spot float64, now time.Time) *broker.OptionInstrument {
	var expiry time.Time
	for _, inst := range chain {
		if inst.Expiry.Before(now) {
			continue
		}
		if expiry.IsZero() || inst.Expiry.Before(expiry) {
			expiry = inst.Expiry
		}
	}
	if expiry.IsZero() {
		return nil
	}

	var best *broker.OptionInstrument
	bestDist := math.Inf(1)
	for i := range chain {
		inst := &chain[i]
		if !inst.Expiry.Equal(expiry) {
			continue
		}
		dist := math.Abs(inst.Strike - spot)
		if dist < bestDist || (dist == bestDist && inst.Type == broker.Call) {
			best = inst
			bestDist = dist
		}
	}
	return best
}

// recordSnapshot appends today's observation to the volatility history. The
// store ignores duplicate (symbol, day) rows, so re-scans within one
// trading day are harmless.
func (s *Scanner) recordSnapshot(symbol string, hv, iv float64, ivOK bool) {
	snap := store.IVSnapshot{
		Symbol:    symbol,
		Timestamp: time.Now(),
		HV:        hv,
	}
	if ivOK {
		snap.ATMIV = &iv
	}
	if err := s.history.AppendSnapshot(snap); err != nil {
		logs.Errorf("[Scanner] Failed to record snapshot for %s: %v", symbol, err)
	}
}
