// Package risk runs the pre-trade gate: every spread candidate passes
// through capital, liquidity, circuit and index-crash checks before any
// order leaves the process.
package risk

import (
	"context"
	"fmt"

	"ivsniper/analyst"
	"ivsniper/broker"
	"ivsniper/config"
	"ivsniper/logs"
)

// Rejection reports why a candidate was refused. A nil *Rejection from
// Validate means the trade may proceed.
type Rejection struct {
	Code   string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: %s: %s", r.Code, r.Detail)
}

const (
	CodeKillSwitch    = "KILL_SWITCH"
	CodeIndexCrash    = "INDEX_CRASH"
	CodeCapital       = "CAPITAL_LIMIT"
	CodeMinCapital    = "MIN_CAPITAL"
	CodeBidAskSpread  = "BID_ASK_SPREAD"
	CodeCircuitLimit  = "CIRCUIT_LIMIT"
	CodeBrokerFailure = "BROKER_FAILURE"
)

// SwitchStore persists the kill-switch flag across restarts.
type SwitchStore interface {
	SetKillSwitch(engaged bool) error
	KillSwitchEngaged() bool
}

// Guard evaluates candidates against the account and the market. It is
// sequenced so the cheapest checks run first and the index-crash check can
// latch the kill switch before anything else is considered.
type Guard struct {
	client      broker.Client
	store       SwitchStore
	retry       broker.RetryPolicy
	cfg         *config.RiskConfig
	indexSymbol string
}

func NewGuard(client broker.Client, store SwitchStore, retry broker.RetryPolicy, cfg *config.RiskConfig, indexSymbol string) *Guard {
	return &Guard{client: client, store: store, retry: retry, cfg: cfg, indexSymbol: indexSymbol}
}

// Validate returns nil when the candidate clears every gate, otherwise a
// Rejection naming the first gate it failed. Order: kill switch, index
// crash, circuit limits, bid-ask spread, margin against capital.
func (g *Guard) Validate(ctx context.Context, candidate *analyst.SpreadCandidate) *Rejection {
	if rej := g.checkKillSwitch(); rej != nil {
		return g.logged(candidate.Symbol, rej)
	}
	if rej := g.checkIndexCrash(ctx); rej != nil {
		return g.logged(candidate.Symbol, rej)
	}
	for _, leg := range []broker.OptionInstrument{candidate.ShortLeg, candidate.LongLeg} {
		quote, err := g.fetchQuote(ctx, leg.TradingSymbol)
		if err != nil {
			return g.logged(candidate.Symbol, &Rejection{Code: CodeBrokerFailure, Detail: fmt.Sprintf("quote %s: %v", leg.TradingSymbol, err)})
		}
		if rej := g.checkCircuit(leg.TradingSymbol, quote); rej != nil {
			return g.logged(candidate.Symbol, rej)
		}
		if rej := g.checkBidAsk(leg.TradingSymbol, quote); rej != nil {
			return g.logged(candidate.Symbol, rej)
		}
	}
	if rej := g.checkCapital(ctx, candidate); rej != nil {
		return g.logged(candidate.Symbol, rej)
	}
	return nil
}

func (g *Guard) logged(symbol string, rej *Rejection) *Rejection {
	logs.Warnf("[Risk] %s rejected at %s: %s", symbol, rej.Code, rej.Detail)
	return rej
}

func (g *Guard) checkKillSwitch() *Rejection {
	if g.store.KillSwitchEngaged() {
		return &Rejection{Code: CodeKillSwitch, Detail: "kill switch engaged, clear it manually to resume entries"}
	}
	return nil
}

// checkIndexCrash compares the index against its previous close. A drop
// past the threshold engages the persistent kill switch so the block
// survives restarts.
func (g *Guard) checkIndexCrash(ctx context.Context) *Rejection {
	quote, err := g.fetchQuote(ctx, g.indexSymbol)
	if err != nil {
		return &Rejection{Code: CodeBrokerFailure, Detail: fmt.Sprintf("index quote %s: %v", g.indexSymbol, err)}
	}
	if quote.PrevClose <= 0 {
		return nil
	}
	dropPct := (quote.PrevClose - quote.LastPrice) / quote.PrevClose * 100
	if dropPct > g.cfg.IndexCrashThresholdPct {
		if err := g.store.SetKillSwitch(true); err != nil {
			logs.Errorf("[Risk] failed to persist kill switch: %v", err)
		}
		logs.Criticalf("[Risk] %s down %.2f%% from previous close, kill switch engaged", g.indexSymbol, dropPct)
		return &Rejection{
			Code:   CodeIndexCrash,
			Detail: fmt.Sprintf("%s down %.2f%% exceeds %.2f%% threshold", g.indexSymbol, dropPct, g.cfg.IndexCrashThresholdPct),
		}
	}
	return nil
}

func (g *Guard) checkCircuit(symbol string, quote *broker.Quote) *Rejection {
	if quote.UpperCircuit > 0 && quote.LastPrice >= quote.UpperCircuit {
		return &Rejection{Code: CodeCircuitLimit, Detail: fmt.Sprintf("%s at upper circuit %.2f", symbol, quote.UpperCircuit)}
	}
	if quote.LowerCircuit > 0 && quote.LastPrice <= quote.LowerCircuit {
		return &Rejection{Code: CodeCircuitLimit, Detail: fmt.Sprintf("%s at lower circuit %.2f", symbol, quote.LowerCircuit)}
	}
	return nil
}

func (g *Guard) checkBidAsk(symbol string, quote *broker.Quote) *Rejection {
	if quote.LastPrice <= 0 {
		return &Rejection{Code: CodeBidAskSpread, Detail: fmt.Sprintf("%s has no last price", symbol)}
	}
	spreadPct := (quote.Ask - quote.Bid) / quote.LastPrice * 100
	if spreadPct > g.cfg.BidAskSpreadLimitPct {
		return &Rejection{
			Code:   CodeBidAskSpread,
			Detail: fmt.Sprintf("%s spread %.2f%% exceeds %.2f%% limit", symbol, spreadPct, g.cfg.BidAskSpreadLimitPct),
		}
	}
	return nil
}

func (g *Guard) checkCapital(ctx context.Context, candidate *analyst.SpreadCandidate) *Rejection {
	var capital float64
	err := g.retry.Do(ctx, "available capital", func() error {
		var err error
		capital, err = g.client.GetAvailableCapital(ctx)
		return err
	})
	if err != nil {
		return &Rejection{Code: CodeBrokerFailure, Detail: fmt.Sprintf("available capital: %v", err)}
	}
	if capital < g.cfg.MinCapital {
		return &Rejection{Code: CodeMinCapital, Detail: fmt.Sprintf("capital %.2f below floor %.2f", capital, g.cfg.MinCapital)}
	}

	legs := []broker.OrderRequest{
		{TradingSymbol: candidate.LongLeg.TradingSymbol, Side: broker.Buy, Quantity: candidate.LotSize, Price: candidate.LongPremium, Kind: broker.Limit},
		{TradingSymbol: candidate.ShortLeg.TradingSymbol, Side: broker.Sell, Quantity: candidate.LotSize, Price: candidate.ShortPremium, Kind: broker.Limit},
	}
	var margin float64
	err = g.retry.Do(ctx, "margin required", func() error {
		var err error
		margin, err = g.client.GetMarginRequired(ctx, legs)
		return err
	})
	if err != nil {
		return &Rejection{Code: CodeBrokerFailure, Detail: fmt.Sprintf("margin required: %v", err)}
	}

	limit := capital * g.cfg.CapitalRiskLimitPct / 100
	if margin > limit {
		return &Rejection{
			Code:   CodeCapital,
			Detail: fmt.Sprintf("margin %.2f exceeds %.2f (%.1f%% of %.2f)", margin, limit, g.cfg.CapitalRiskLimitPct, capital),
		}
	}
	return nil
}

func (g *Guard) fetchQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	var quote *broker.Quote
	err := g.retry.Do(ctx, "quote "+symbol, func() error {
		var err error
		quote, err = g.client.GetQuote(ctx, symbol)
		return err
	})
	return quote, err
}
