// Package analyst turns a volume-profile wall and a trend into a concrete
// defined-risk credit spread from the exchange-listed option chain.
package analyst

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"ivsniper/broker"
	"ivsniper/config"
	"ivsniper/logs"
	"ivsniper/profile"
	"ivsniper/scanner"
)

// ErrNoCandidate is the soft-fail result of strike selection: no qualifying
// wall or aligned strike exists, so the instrument is skipped rather than
// guessed at.
var ErrNoCandidate = errors.New("analyst: no qualifying spread")

// Strategy is the spread direction.
type Strategy string

const (
	BullPut  Strategy = "BULL_PUT"
	BearCall Strategy = "BEAR_CALL"
)

// SpreadCandidate is a fully-priced two-leg credit spread proposal.
// Invariants: NetCredit > 0; BULL_PUT has LongStrike < ShortStrike,
// BEAR_CALL the reverse.
type SpreadCandidate struct {
	Symbol       string
	Strategy     Strategy
	ShortLeg     broker.OptionInstrument
	LongLeg      broker.OptionInstrument
	ShortPremium float64
	LongPremium  float64
	NetCredit    float64
	MaxProfit    float64
	MaxLoss      float64
	LotSize      int
	Expiry       time.Time
	Level        float64 // the support/resistance wall that anchored it
}

// Width returns the absolute strike distance between the legs.
func (c *SpreadCandidate) Width() float64 {
	return math.Abs(c.ShortLeg.Strike - c.LongLeg.Strike)
}

// NearestMonthlyExpiry picks the nearest monthly expiry from a chain.
// Monthly contracts expire on the last Thursday of their month (shifted to
// Wednesday around holidays), detected as a Thursday/Wednesday expiry with
// no later expiry in the same month. When no monthly pattern is present the
// first expiry at least minDays out is used, then the nearest as a last
// resort.
func NearestMonthlyExpiry(chain []broker.OptionInstrument, now time.Time, minDays int) (time.Time, error) {
	today := now.Truncate(24 * time.Hour)
	seen := make(map[string]time.Time)
	for _, inst := range chain {
		exp := inst.Expiry.Truncate(24 * time.Hour)
		if exp.Before(today) {
			continue
		}
		seen[exp.Format("2006-01-02")] = exp
	}
	if len(seen) == 0 {
		return time.Time{}, fmt.Errorf("%w: no future expiry in chain", ErrNoCandidate)
	}

	expiries := make([]time.Time, 0, len(seen))
	for _, exp := range seen {
		expiries = append(expiries, exp)
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i].Before(expiries[j]) })

	for _, exp := range expiries {
		if isMonthEndExpiry(exp, expiries) {
			return exp, nil
		}
	}
	for _, exp := range expiries {
		if exp.Sub(today).Hours() >= float64(minDays)*24 {
			return exp, nil
		}
	}
	return expiries[0], nil
}

func isMonthEndExpiry(exp time.Time, all []time.Time) bool {
	if exp.Weekday() != time.Thursday && exp.Weekday() != time.Wednesday {
		return false
	}
	for _, other := range all {
		if other.Year() == exp.Year() && other.Month() == exp.Month() && other.After(exp) {
			return false
		}
	}
	return true
}

// SelectSpread maps a wall level and trend to a credit spread, or
// ErrNoCandidate when nothing lines up. Bullish trends sell a put spread
// under the support wall; bearish trends sell a call spread over the
// resistance wall; a neutral trend takes no trade.
func SelectSpread(
	symbol string,
	walls profile.Walls,
	trend scanner.Trend,
	spot float64,
	chain []broker.OptionInstrument,
	cfg *config.SpreadConfig,
	maxWallDistancePct float64,
) (*SpreadCandidate, error) {
	expiry, err := NearestMonthlyExpiry(chain, time.Now(), cfg.MinExpiryDays)
	if err != nil {
		return nil, err
	}

	switch trend {
	case scanner.Bullish:
		if !walls.HasSupport {
			return nil, fmt.Errorf("%w: no support wall below spot %.2f", ErrNoCandidate, spot)
		}
		if (spot-walls.Support)/spot*100 > maxWallDistancePct {
			return nil, fmt.Errorf("%w: support wall %.2f too far from spot %.2f", ErrNoCandidate, walls.Support, spot)
		}
		return buildSpread(symbol, BullPut, walls.Support, spot, chain, expiry, cfg.WidthStrikes)

	case scanner.Bearish:
		if !walls.HasResistance {
			return nil, fmt.Errorf("%w: no resistance wall above spot %.2f", ErrNoCandidate, spot)
		}
		if (walls.Resistance-spot)/spot*100 > maxWallDistancePct {
			return nil, fmt.Errorf("%w: resistance wall %.2f too far from spot %.2f", ErrNoCandidate, walls.Resistance, spot)
		}
		return buildSpread(symbol, BearCall, walls.Resistance, spot, chain, expiry, cfg.WidthStrikes)

	default:
		return nil, fmt.Errorf("%w: %s trend takes no directional spread", ErrNoCandidate, trend)
	}
}

func buildSpread(symbol string, strategy Strategy, wall, spot float64, chain []broker.OptionInstrument, expiry time.Time, widthStrikes int) (*SpreadCandidate, error) {
	optType := broker.Put
	if strategy == BearCall {
		optType = broker.Call
	}

	legs := filterLegs(chain, optType, expiry)
	if len(legs) == 0 {
		return nil, fmt.Errorf("%w: no %s contracts for expiry %s", ErrNoCandidate, optType, expiry.Format("2006-01-02"))
	}
	// Order legs from nearest-the-money outward for the short-strike walk:
	// puts descend, calls ascend.
	sort.Slice(legs, func(i, j int) bool {
		if strategy == BullPut {
			return legs[i].Strike > legs[j].Strike
		}
		return legs[i].Strike < legs[j].Strike
	})

	short := pickShortLeg(legs, strategy, wall, spot)
	if short == nil {
		return nil, fmt.Errorf("%w: no OTM %s strike aligned with wall %.2f", ErrNoCandidate, optType, wall)
	}

	long := pickLongLeg(legs, strategy, short.Strike, widthStrikes)
	if long == nil {
		return nil, fmt.Errorf("%w: no protective strike %d away from %.0f", ErrNoCandidate, widthStrikes, short.Strike)
	}

	netCredit := short.LastPrice - long.LastPrice
	if netCredit <= 0 {
		return nil, fmt.Errorf("%w: spread %.0f/%.0f yields no credit (%.2f)", ErrNoCandidate, short.Strike, long.Strike, netCredit)
	}

	lot := short.LotSize
	width := math.Abs(short.Strike - long.Strike)
	candidate := &SpreadCandidate{
		Symbol:       symbol,
		Strategy:     strategy,
		ShortLeg:     *short,
		LongLeg:      *long,
		ShortPremium: short.LastPrice,
		LongPremium:  long.LastPrice,
		NetCredit:    netCredit,
		MaxProfit:    netCredit * float64(lot),
		MaxLoss:      (width - netCredit) * float64(lot),
		LotSize:      lot,
		Expiry:       expiry,
		Level:        wall,
	}

	logs.Infof("[Analyst] %s %s: sell %s @ %.0f / buy %s @ %.0f, credit %.2f (max loss %.2f)",
		symbol, strategy, short.TradingSymbol, short.Strike, long.TradingSymbol, long.Strike,
		netCredit, candidate.MaxLoss)
	return candidate, nil
}

func filterLegs(chain []broker.OptionInstrument, optType broker.OptionType, expiry time.Time) []broker.OptionInstrument {
	out := make([]broker.OptionInstrument, 0, len(chain))
	for _, inst := range chain {
		if inst.Type != optType {
			continue
		}
		if !sameDay(inst.Expiry, expiry) {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// pickShortLeg walks from the money outward for the first strike at or
// beyond the wall. When the wall sits between listed strikes the nearest
// OTM strike to the wall is used instead.
func pickShortLeg(legs []broker.OptionInstrument, strategy Strategy, wall, spot float64) *broker.OptionInstrument {
	for i := range legs {
		leg := &legs[i]
		if strategy == BullPut && leg.Strike <= wall && leg.Strike < spot {
			return leg
		}
		if strategy == BearCall && leg.Strike >= wall && leg.Strike > spot {
			return leg
		}
	}

	var best *broker.OptionInstrument
	bestDist := math.Inf(1)
	for i := range legs {
		leg := &legs[i]
		otm := (strategy == BullPut && leg.Strike < spot) || (strategy == BearCall && leg.Strike > spot)
		if !otm {
			continue
		}
		if dist := math.Abs(leg.Strike - wall); dist < bestDist {
			best = leg
			bestDist = dist
		}
	}
	return best
}

// pickLongLeg returns the protective strike widthStrikes listings beyond
// the short strike.
func pickLongLeg(legs []broker.OptionInstrument, strategy Strategy, shortStrike float64, widthStrikes int) *broker.OptionInstrument {
	beyond := make([]broker.OptionInstrument, 0, len(legs))
	for _, leg := range legs {
		if strategy == BullPut && leg.Strike < shortStrike {
			beyond = append(beyond, leg)
		}
		if strategy == BearCall && leg.Strike > shortStrike {
			beyond = append(beyond, leg)
		}
	}
	if len(beyond) < widthStrikes {
		return nil
	}
	// legs arrive pre-sorted outward, so beyond preserves that order.
	return &beyond[widthStrikes-1]
}
