// Package store is the sqlite-backed persistent layer: volatility history,
// the trade log, and the handful of system flags that must survive a
// restart (kill switch, last scan time). Single-process deployment:
// concurrent readers, one writer per record, last writer wins.
package store

import (
	"fmt"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	keyKillSwitch = "kill_switch"
	keyLastScan   = "last_scan_at"
)

// systemState is a generic key/value row for persisted flags.
type systemState struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the sqlite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&IVSnapshot{}, &Trade{}, &systemState{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// --- Volatility history --------------------------------------------------

// AppendSnapshot records one volatility observation. The (symbol, day)
// unique index makes repeated appends within the same trading day no-ops,
// preserving the one-snapshot-per-day invariant.
func (s *Store) AppendSnapshot(snap IVSnapshot) error {
	if snap.HV < 0 {
		return fmt.Errorf("snapshot hv cannot be negative: %f", snap.HV)
	}
	if snap.Day == "" {
		snap.Day = snap.Timestamp.Format("2006-01-02")
	}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&snap)
	if res.Error != nil {
		return fmt.Errorf("failed to append snapshot for %s: %w", snap.Symbol, res.Error)
	}
	return nil
}

// GetHistory returns the instrument's snapshots since the given time,
// oldest first.
func (s *Store) GetHistory(symbol string, since time.Time) ([]IVSnapshot, error) {
	var out []IVSnapshot
	err := s.db.
		Where("symbol = ? AND timestamp >= ?", symbol, since).
		Order("timestamp ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load iv history for %s: %w", symbol, err)
	}
	return out, nil
}

// --- Trade log -----------------------------------------------------------

// CreateTrade inserts a new trade record.
func (s *Store) CreateTrade(t *Trade) error {
	if err := s.db.Create(t).Error; err != nil {
		return fmt.Errorf("failed to create trade %s: %w", t.ID, err)
	}
	return nil
}

// GetTrade loads one trade by id.
func (s *Store) GetTrade(id string) (*Trade, error) {
	var t Trade
	if err := s.db.First(&t, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load trade %s: %w", id, err)
	}
	return &t, nil
}

// GetOpenTrades returns every trade still in OPEN status, oldest entry
// first.
func (s *Store) GetOpenTrades() ([]Trade, error) {
	var out []Trade
	err := s.db.Where("status = ?", StatusOpen).Order("entry_time ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open trades: %w", err)
	}
	return out, nil
}

// TradesByStatus returns all trades with the given status, oldest entry
// first.
func (s *Store) TradesByStatus(status TradeStatus) ([]Trade, error) {
	var out []Trade
	err := s.db.Where("status = ?", status).Order("entry_time ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load %s trades: %w", status, err)
	}
	return out, nil
}

// MarkTradeOpen transitions a pending trade to OPEN with its realized
// entry economics.
func (s *Store) MarkTradeOpen(id string, shortPremium, longPremium, credit float64) error {
	res := s.db.Model(&Trade{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":              StatusOpen,
		"entry_short_premium": shortPremium,
		"entry_long_premium":  longPremium,
		"entry_credit":        credit,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to open trade %s: %w", id, res.Error)
	}
	return nil
}

// MarkTradeFailed records a failed placement. nakedLegOrderID is non-empty
// only when rollback also failed and a leg is live at the broker.
func (s *Store) MarkTradeFailed(id, reason, nakedLegOrderID string) error {
	res := s.db.Model(&Trade{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":             StatusFailed,
		"fail_reason":        reason,
		"naked_leg_order_id": nakedLegOrderID,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to mark trade %s failed: %w", id, res.Error)
	}
	return nil
}

// CloseTrade finalizes a trade. Guarded on OPEN status so a CLOSED trade is
// immutable.
func (s *Store) CloseTrade(id string, reason ExitReason, exitDebit, pnl float64, exitTime time.Time) error {
	res := s.db.Model(&Trade{}).
		Where("id = ? AND status = ?", id, StatusOpen).
		Updates(map[string]interface{}{
			"status":      StatusClosed,
			"exit_reason": reason,
			"exit_debit":  exitDebit,
			"pn_l":        pnl,
			"exit_time":   exitTime,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to close trade %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trade %s is not open, refusing to close", id)
	}
	return nil
}

// --- System state --------------------------------------------------------

func (s *Store) setState(key, value string) error {
	row := systemState{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to persist state %s: %w", key, err)
	}
	return nil
}

func (s *Store) getState(key string) (string, bool) {
	var row systemState
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		return "", false
	}
	return row.Value, true
}

// SetKillSwitch persists the global new-entry block. It stays set until
// manually cleared.
func (s *Store) SetKillSwitch(engaged bool) error {
	return s.setState(keyKillSwitch, strconv.FormatBool(engaged))
}

// KillSwitchEngaged reports whether new credit entries are globally blocked.
func (s *Store) KillSwitchEngaged() bool {
	v, ok := s.getState(keyKillSwitch)
	if !ok {
		return false
	}
	engaged, _ := strconv.ParseBool(v)
	return engaged
}

// SetLastScanTime records when the last full scan completed.
func (s *Store) SetLastScanTime(t time.Time) error {
	return s.setState(keyLastScan, t.Format(time.RFC3339))
}

// LastScanTime returns the last recorded scan completion, zero if none.
func (s *Store) LastScanTime() time.Time {
	v, ok := s.getState(keyLastScan)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
