package broker

import (
	"context"
	"errors"
	"time"
)

// Candle is one daily OHLCV bar. Sequences are chronological and immutable
// once fetched.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is a point-in-time two-sided market snapshot for an instrument.
type Quote struct {
	Symbol       string  `json:"symbol"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	LastPrice    float64 `json:"last_price"`
	PrevClose    float64 `json:"prev_close"`
	UpperCircuit float64 `json:"upper_circuit_limit"`
	LowerCircuit float64 `json:"lower_circuit_limit"`
}

// OptionType distinguishes calls and puts using the exchange convention.
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// OptionInstrument is one listed option contract from the chain.
type OptionInstrument struct {
	TradingSymbol string     `json:"tradingsymbol"`
	Underlying    string     `json:"underlying"`
	Strike        float64    `json:"strike"`
	Type          OptionType `json:"instrument_type"`
	Expiry        time.Time  `json:"expiry"`
	LotSize       int        `json:"lot_size"`
	LastPrice     float64    `json:"last_price"`
}

// OrderSide defines the order direction.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderKind defines the order pricing type. Spread legs are always placed as
// limit orders; market entries are disallowed by design.
type OrderKind string

const (
	Limit  OrderKind = "LIMIT"
	Market OrderKind = "MARKET"
)

// OrderStatus defines the lifecycle status reported by the broker.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "COMPLETE"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// OrderRequest is a single-leg order to be submitted.
type OrderRequest struct {
	TradingSymbol string
	Side          OrderSide
	Quantity      int
	Price         float64
	Kind          OrderKind
	Tag           string
}

// Order is the broker's view of a submitted order.
type Order struct {
	OrderID       string
	TradingSymbol string
	Side          OrderSide
	Quantity      int
	Price         float64
	AvgFillPrice  float64
	FilledQty     int
	Status        OrderStatus
	Tag           string
	PlacedAt      time.Time
}

// Position is an open broker position.
type Position struct {
	TradingSymbol string
	Quantity      int
	AvgPrice      float64
}

// Sentinel errors surfaced by client implementations. Callers classify with
// errors.Is; everything else is treated as a transient failure.
var (
	// ErrRateLimited marks a broker throttle response; calls wrapped in the
	// retry policy back off and retry on it.
	ErrRateLimited = errors.New("broker: rate limited")
	// ErrOrderRejected marks a terminal order rejection (margin, RMS, bad
	// price). Never retried.
	ErrOrderRejected = errors.New("broker: order rejected")
	// ErrNotFound marks an unknown symbol or order id.
	ErrNotFound = errors.New("broker: not found")
)

// Client is the broker collaborator contract. The live transport is out of
// scope; the PaperClient implements it for simulation and tests.
type Client interface {
	// GetCandles returns up to lookbackDays of daily candles, oldest first.
	GetCandles(ctx context.Context, symbol string, lookbackDays int) ([]Candle, error)

	// GetQuote returns the current two-sided quote for an equity, index or
	// option trading symbol.
	GetQuote(ctx context.Context, symbol string) (*Quote, error)

	// GetOptionChain returns all listed option contracts for an underlying,
	// across expiries.
	GetOptionChain(ctx context.Context, underlying string) ([]OptionInstrument, error)

	// GetMarginRequired returns the margin the broker would block for the
	// given basket of legs placed together.
	GetMarginRequired(ctx context.Context, legs []OrderRequest) (float64, error)

	// GetAvailableCapital returns the account's net deployable capital.
	GetAvailableCapital(ctx context.Context) (float64, error)

	// PlaceOrder submits one order and returns the broker order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder cancels an active order.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrder returns the current state of an order, including fills.
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// GetPositions returns all open positions for the account.
	GetPositions(ctx context.Context) ([]Position, error)
}
