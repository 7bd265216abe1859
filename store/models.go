package store

import "time"

// IVSnapshot is one row of the append-only per-instrument volatility
// history. At most one row exists per instrument per trading day; ATMIV is
// nil until enough option-price data exists to solve for it.
type IVSnapshot struct {
	ID        uint      `gorm:"primaryKey"`
	Symbol    string    `gorm:"index;uniqueIndex:uq_snapshot_symbol_day;not null"`
	Day       string    `gorm:"uniqueIndex:uq_snapshot_symbol_day;not null"` // YYYY-MM-DD
	Timestamp time.Time `gorm:"index;not null"`
	ATMIV     *float64  `gorm:"column:atm_iv"`
	HV        float64   `gorm:"not null"`
}

// TradeStatus is the lifecycle status of a spread trade.
type TradeStatus string

const (
	StatusPending TradeStatus = "PENDING"
	StatusOpen    TradeStatus = "OPEN"
	StatusClosed  TradeStatus = "CLOSED"
	StatusFailed  TradeStatus = "FAILED"
)

// ExitReason records why the watchdog closed a trade.
type ExitReason string

const (
	ExitProfitTarget ExitReason = "PROFIT_TARGET"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTimeStop     ExitReason = "TIME_STOP"
	ExitManual       ExitReason = "MANUAL"
)

// Trade is the persisted record of one two-leg credit spread. The order
// manager owns creation and the FAILED transition; the watchdog owns
// closure. A CLOSED trade is never mutated again.
type Trade struct {
	ID       string      `gorm:"primaryKey"` // UUID
	Symbol   string      `gorm:"index;not null"`
	Strategy string      `gorm:"not null"` // BULL_PUT | BEAR_CALL
	Status   TradeStatus `gorm:"index;not null"`
	Mode     string      `gorm:"not null"` // PAPER | LIVE

	EntryTime   time.Time `gorm:"not null"`
	Expiry      time.Time `gorm:"not null"`
	ShortStrike float64   `gorm:"not null"`
	LongStrike  float64   `gorm:"not null"`
	ShortSymbol string    `gorm:"not null"`
	LongSymbol  string    `gorm:"not null"`
	LotSize     int       `gorm:"not null"`

	EntryShortPremium float64 `gorm:"not null"`
	EntryLongPremium  float64 `gorm:"not null"`
	EntryCredit       float64 `gorm:"not null"`

	ShortOrderID string
	LongOrderID  string

	// Set only on a failed rollback: the leg left live at the broker,
	// preserved for manual reconciliation.
	NakedLegOrderID string
	FailReason      string

	ExitTime   *time.Time
	ExitDebit  *float64
	PnL        *float64
	ExitReason ExitReason
}
