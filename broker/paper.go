package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ivsniper/logs"
)

// Ensure PaperClient implements the Client interface.
var _ Client = (*PaperClient)(nil)

// PaperClient is a complete in-memory broker for paper trading and tests.
// Market data is seeded up front; orders fill deterministically at their
// limit price. Failure behaviour is scriptable so the order manager's
// rollback protocol can be exercised without a live account.
type PaperClient struct {
	mu       sync.RWMutex
	candles  map[string][]Candle
	quotes   map[string]*Quote
	chains   map[string][]OptionInstrument
	capital  float64
	marginBy func(legs []OrderRequest) float64

	orders      map[string]*Order
	nextOrderID int

	// Failure scripting.
	failPlaceMatching  string // reject orders whose symbol contains this
	failPlaceAfter     int    // reject every placement after N successes (-1 = off)
	placedCount        int
	failCancel         bool
	rateLimitNextPlace int // next N placements return ErrRateLimited

	cancelAttempts map[string]int
}

// NewPaperClient creates an empty paper broker. Seed it with market data
// before use.
func NewPaperClient() *PaperClient {
	return &PaperClient{
		candles:        make(map[string][]Candle),
		quotes:         make(map[string]*Quote),
		chains:         make(map[string][]OptionInstrument),
		orders:         make(map[string]*Order),
		nextOrderID:    1,
		failPlaceAfter: -1,
		cancelAttempts: make(map[string]int),
		capital:        1_000_000,
		marginBy: func(legs []OrderRequest) float64 {
			// Rough default: short legs block notional-style margin, long
			// legs only their premium.
			var m float64
			for _, leg := range legs {
				if leg.Side == Sell {
					m += leg.Price * float64(leg.Quantity) * 8
				} else {
					m += leg.Price * float64(leg.Quantity)
				}
			}
			return m
		},
	}
}

// --- Seeding -------------------------------------------------------------

func (c *PaperClient) SeedCandles(symbol string, candles []Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candles[symbol] = candles
}

func (c *PaperClient) SeedQuote(symbol string, q Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q.Symbol = symbol
	c.quotes[symbol] = &q
}

func (c *PaperClient) SeedOptionChain(underlying string, chain []OptionInstrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[underlying] = chain
}

func (c *PaperClient) SetCapital(capital float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capital = capital
}

// SetMarginFunc overrides the margin model used by GetMarginRequired.
func (c *PaperClient) SetMarginFunc(fn func(legs []OrderRequest) float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marginBy = fn
}

// --- Failure scripting ---------------------------------------------------

// FailPlacementsMatching rejects any placement whose trading symbol contains
// the given substring. Empty string disables.
func (c *PaperClient) FailPlacementsMatching(substr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPlaceMatching = substr
}

// FailPlacementsAfter rejects every placement after n successful ones.
// Pass -1 to disable.
func (c *PaperClient) FailPlacementsAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPlaceAfter = n
	c.placedCount = 0
}

// FailCancels makes every CancelOrder call fail, simulating a broker outage
// during rollback.
func (c *PaperClient) FailCancels(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCancel = enabled
}

// RateLimitNextPlacements makes the next n placements return ErrRateLimited
// before succeeding, for retry-policy tests.
func (c *PaperClient) RateLimitNextPlacements(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitNextPlace = n
}

// CancelAttempts reports how many times CancelOrder was called for an order.
func (c *PaperClient) CancelAttempts(orderID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelAttempts[orderID]
}

// --- Client implementation -----------------------------------------------

func (c *PaperClient) GetCandles(_ context.Context, symbol string, lookbackDays int) ([]Candle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	series, ok := c.candles[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no candles for %s", ErrNotFound, symbol)
	}
	if lookbackDays > 0 && len(series) > lookbackDays {
		series = series[len(series)-lookbackDays:]
	}
	out := make([]Candle, len(series))
	copy(out, series)
	return out, nil
}

func (c *PaperClient) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no quote for %s", ErrNotFound, symbol)
	}
	cp := *q
	return &cp, nil
}

func (c *PaperClient) GetOptionChain(_ context.Context, underlying string) ([]OptionInstrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain, ok := c.chains[underlying]
	if !ok {
		return nil, fmt.Errorf("%w: no option chain for %s", ErrNotFound, underlying)
	}
	out := make([]OptionInstrument, len(chain))
	copy(out, chain)
	return out, nil
}

func (c *PaperClient) GetMarginRequired(_ context.Context, legs []OrderRequest) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marginBy(legs), nil
}

func (c *PaperClient) GetAvailableCapital(_ context.Context) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capital, nil
}

func (c *PaperClient) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Kind != Limit {
		return "", fmt.Errorf("%w: only limit orders are accepted", ErrOrderRejected)
	}
	if c.rateLimitNextPlace > 0 {
		c.rateLimitNextPlace--
		return "", ErrRateLimited
	}
	if c.failPlaceMatching != "" && strings.Contains(req.TradingSymbol, c.failPlaceMatching) {
		return "", fmt.Errorf("%w: scripted rejection for %s", ErrOrderRejected, req.TradingSymbol)
	}
	if c.failPlaceAfter >= 0 && c.placedCount >= c.failPlaceAfter {
		return "", fmt.Errorf("%w: scripted rejection after %d placements", ErrOrderRejected, c.failPlaceAfter)
	}

	orderID := fmt.Sprintf("P-%d", c.nextOrderID)
	c.nextOrderID++
	c.placedCount++

	// Paper fills are immediate and exact at the limit price.
	c.orders[orderID] = &Order{
		OrderID:       orderID,
		TradingSymbol: req.TradingSymbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		AvgFillPrice:  req.Price,
		FilledQty:     req.Quantity,
		Status:        StatusFilled,
		Tag:           req.Tag,
		PlacedAt:      time.Now(),
	}
	logs.Debugf("[Paper] Filled %s %s x%d @ %.2f (%s)", req.Side, req.TradingSymbol, req.Quantity, req.Price, orderID)
	return orderID, nil
}

func (c *PaperClient) CancelOrder(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelAttempts[orderID]++
	if c.failCancel {
		return fmt.Errorf("cancel %s: simulated broker outage", orderID)
	}
	order, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	// A filled paper order is "cancelled" by reversing it, which the caller
	// does with an opposite order; here we just mark the original.
	order.Status = StatusCancelled
	return nil
}

func (c *PaperClient) GetOrder(_ context.Context, orderID string) (*Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	order, ok := c.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	cp := *order
	return &cp, nil
}

func (c *PaperClient) GetPositions(_ context.Context) ([]Position, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	net := make(map[string]*Position)
	for _, o := range c.orders {
		if o.Status != StatusFilled {
			continue
		}
		p, ok := net[o.TradingSymbol]
		if !ok {
			p = &Position{TradingSymbol: o.TradingSymbol}
			net[o.TradingSymbol] = p
		}
		if o.Side == Buy {
			p.Quantity += o.FilledQty
		} else {
			p.Quantity -= o.FilledQty
		}
		p.AvgPrice = o.AvgFillPrice
	}

	out := make([]Position, 0, len(net))
	for _, p := range net {
		if p.Quantity != 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}
