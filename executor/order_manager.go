// Package executor places and unwinds two-leg credit spreads. The legs go
// out strictly sequentially, protective long first, so the account is never
// short an uncovered option. A failed short leg triggers exactly one
// rollback attempt on the long leg.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ivsniper/analyst"
	"ivsniper/broker"
	"ivsniper/logs"
	"ivsniper/store"
	"ivsniper/utils"
)

// TradeStore is the persistence the order manager needs. *store.Store
// satisfies it.
type TradeStore interface {
	CreateTrade(t *store.Trade) error
	MarkTradeOpen(id string, shortPremium, longPremium, credit float64) error
	MarkTradeFailed(id, reason, nakedLegOrderID string) error
	CloseTrade(id string, reason store.ExitReason, exitDebit, pnl float64, exitTime time.Time) error
}

// OrderManager owns the entry and exit order flow for spreads.
type OrderManager struct {
	client    broker.Client
	trades    TradeStore
	retry     broker.RetryPolicy
	bufferPct float64
	mode      string
}

func NewOrderManager(client broker.Client, trades TradeStore, retry broker.RetryPolicy, bufferPct float64, paperTrade bool) *OrderManager {
	mode := "LIVE"
	if paperTrade {
		mode = "PAPER"
	}
	return &OrderManager{
		client:    client,
		trades:    trades,
		retry:     retry,
		bufferPct: bufferPct,
		mode:      mode,
	}
}

// PlaceSpread executes the candidate's two legs and returns the persisted
// trade. On any failure the trade record ends FAILED; the error describes
// the first leg that broke. A trade whose rollback also failed carries the
// live order id in NakedLegOrderID for manual cleanup.
func (m *OrderManager) PlaceSpread(ctx context.Context, candidate *analyst.SpreadCandidate) (*store.Trade, error) {
	trade := &store.Trade{
		ID:                uuid.NewString(),
		Symbol:            candidate.Symbol,
		Strategy:          string(candidate.Strategy),
		Status:            store.StatusPending,
		Mode:              m.mode,
		EntryTime:         time.Now(),
		Expiry:            candidate.Expiry,
		ShortStrike:       candidate.ShortLeg.Strike,
		LongStrike:        candidate.LongLeg.Strike,
		ShortSymbol:       candidate.ShortLeg.TradingSymbol,
		LongSymbol:        candidate.LongLeg.TradingSymbol,
		LotSize:           candidate.LotSize,
		EntryShortPremium: candidate.ShortPremium,
		EntryLongPremium:  candidate.LongPremium,
		EntryCredit:       candidate.NetCredit,
	}
	if err := m.trades.CreateTrade(trade); err != nil {
		return nil, err
	}

	// Protective leg first. Paying slightly over the quoted premium buys
	// a fast fill on the leg that caps the loss.
	longReq := broker.OrderRequest{
		TradingSymbol: candidate.LongLeg.TradingSymbol,
		Side:          broker.Buy,
		Quantity:      candidate.LotSize,
		Price:         m.buyLimit(candidate.LongPremium),
		Kind:          broker.Limit,
		Tag:           trade.ID,
	}
	longID, err := m.placeLeg(ctx, longReq)
	if err != nil {
		reason := fmt.Sprintf("long leg placement failed: %v", err)
		if dberr := m.trades.MarkTradeFailed(trade.ID, reason, ""); dberr != nil {
			logs.Errorf("[Executor] trade %s: %v", trade.ID, dberr)
		}
		return nil, fmt.Errorf("executor: %s", reason)
	}
	trade.LongOrderID = longID

	shortReq := broker.OrderRequest{
		TradingSymbol: candidate.ShortLeg.TradingSymbol,
		Side:          broker.Sell,
		Quantity:      candidate.LotSize,
		Price:         m.sellLimit(candidate.ShortPremium),
		Kind:          broker.Limit,
		Tag:           trade.ID,
	}
	shortID, err := m.placeLeg(ctx, shortReq)
	if err != nil {
		return nil, m.rollback(ctx, trade, longID, err)
	}
	trade.ShortOrderID = shortID

	shortFill, longFill := m.entryFills(ctx, candidate, shortID, longID)
	credit := shortFill - longFill
	trade.EntryShortPremium = shortFill
	trade.EntryLongPremium = longFill
	trade.EntryCredit = credit
	trade.Status = store.StatusOpen
	if err := m.trades.MarkTradeOpen(trade.ID, shortFill, longFill, credit); err != nil {
		return nil, err
	}
	logs.Infof("[Executor] trade %s OPEN: %s %s, credit %.2f x %d (%s)",
		trade.ID, trade.Symbol, trade.Strategy, credit, trade.LotSize, m.mode)
	return trade, nil
}

// rollback cancels the filled long leg after a short-leg failure. The
// cancel is attempted once; if it fails the naked leg id is persisted and
// escalated for manual intervention.
func (m *OrderManager) rollback(ctx context.Context, trade *store.Trade, longID string, cause error) error {
	logs.Warnf("[Executor] trade %s: short leg failed (%v), rolling back long leg %s", trade.ID, cause, longID)
	reason := fmt.Sprintf("short leg placement failed: %v", cause)

	if err := m.client.CancelOrder(ctx, longID); err != nil {
		logs.Criticalf("[Executor] trade %s: rollback of long leg %s FAILED (%v), naked position live at broker",
			trade.ID, longID, err)
		if dberr := m.trades.MarkTradeFailed(trade.ID, reason+"; rollback failed: "+err.Error(), longID); dberr != nil {
			logs.Errorf("[Executor] trade %s: %v", trade.ID, dberr)
		}
		return fmt.Errorf("executor: %s; rollback failed: %w", reason, err)
	}

	if dberr := m.trades.MarkTradeFailed(trade.ID, reason, ""); dberr != nil {
		logs.Errorf("[Executor] trade %s: %v", trade.ID, dberr)
	}
	return fmt.Errorf("executor: %s (long leg cancelled)", reason)
}

// CurrentDebit prices what it would cost right now to unwind the spread:
// buy the short leg back at its ask, sell the long leg at its bid.
func (m *OrderManager) CurrentDebit(ctx context.Context, trade *store.Trade) (float64, error) {
	shortQuote, err := m.fetchQuote(ctx, trade.ShortSymbol)
	if err != nil {
		return 0, err
	}
	longQuote, err := m.fetchQuote(ctx, trade.LongSymbol)
	if err != nil {
		return 0, err
	}
	return shortQuote.Ask - longQuote.Bid, nil
}

// CloseSpread unwinds an open trade: short leg bought back first, then the
// long leg sold. Returns the realized exit debit and PnL after persisting
// the CLOSED row.
func (m *OrderManager) CloseSpread(ctx context.Context, trade *store.Trade, reason store.ExitReason) (debit, pnl float64, err error) {
	shortQuote, err := m.fetchQuote(ctx, trade.ShortSymbol)
	if err != nil {
		return 0, 0, err
	}
	longQuote, err := m.fetchQuote(ctx, trade.LongSymbol)
	if err != nil {
		return 0, 0, err
	}

	// The short leg is the open-ended exposure, so it closes first.
	buyBack := broker.OrderRequest{
		TradingSymbol: trade.ShortSymbol,
		Side:          broker.Buy,
		Quantity:      trade.LotSize,
		Price:         m.buyLimit(shortQuote.Ask),
		Kind:          broker.Limit,
		Tag:           trade.ID,
	}
	buyID, err := m.placeLeg(ctx, buyBack)
	if err != nil {
		return 0, 0, fmt.Errorf("executor: buy back short leg: %w", err)
	}

	sellOff := broker.OrderRequest{
		TradingSymbol: trade.LongSymbol,
		Side:          broker.Sell,
		Quantity:      trade.LotSize,
		Price:         m.sellLimit(longQuote.Bid),
		Kind:          broker.Limit,
		Tag:           trade.ID,
	}
	sellID, err := m.placeLeg(ctx, sellOff)
	if err != nil {
		return 0, 0, fmt.Errorf("executor: sell long leg: %w", err)
	}

	buyFill := m.fillPrice(ctx, buyID, buyBack.Price)
	sellFill := m.fillPrice(ctx, sellID, sellOff.Price)
	debit = buyFill - sellFill
	pnl = utils.RoundToPrecision((trade.EntryCredit-debit)*float64(trade.LotSize), 2)

	if err := m.trades.CloseTrade(trade.ID, reason, debit, pnl, time.Now()); err != nil {
		return debit, pnl, err
	}
	logs.Infof("[Executor] trade %s CLOSED (%s): debit %.2f, pnl %.2f", trade.ID, reason, debit, pnl)
	return debit, pnl, nil
}

func (m *OrderManager) placeLeg(ctx context.Context, req broker.OrderRequest) (string, error) {
	var orderID string
	err := m.retry.Do(ctx, "place "+req.TradingSymbol, func() error {
		var err error
		orderID, err = m.client.PlaceOrder(ctx, req)
		return err
	})
	return orderID, err
}

// entryFills reads the realized fill prices off both orders, falling back
// to the quoted premiums when the broker does not report an average price.
func (m *OrderManager) entryFills(ctx context.Context, candidate *analyst.SpreadCandidate, shortID, longID string) (shortFill, longFill float64) {
	shortFill = m.fillPrice(ctx, shortID, candidate.ShortPremium)
	longFill = m.fillPrice(ctx, longID, candidate.LongPremium)
	return shortFill, longFill
}

func (m *OrderManager) fillPrice(ctx context.Context, orderID string, fallback float64) float64 {
	order, err := m.client.GetOrder(ctx, orderID)
	if err != nil || order.AvgFillPrice <= 0 {
		return fallback
	}
	return order.AvgFillPrice
}

func (m *OrderManager) fetchQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	var quote *broker.Quote
	err := m.retry.Do(ctx, "quote "+symbol, func() error {
		var err error
		quote, err = m.client.GetQuote(ctx, symbol)
		return err
	})
	return quote, err
}

func (m *OrderManager) buyLimit(price float64) float64 {
	return utils.RoundToPrecision(price*(1+m.bufferPct/100), 2)
}

func (m *OrderManager) sellLimit(price float64) float64 {
	return utils.RoundToPrecision(price*(1-m.bufferPct/100), 2)
}
