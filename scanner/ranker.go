// Package scanner scores the option-eligible universe by volatility
// richness and hands ranked candidates to the analysis stages.
package scanner

import (
	"fmt"
	"math"

	"ivsniper/utils"
)

// Method identifies how an instrument was scored.
type Method string

const (
	MethodIVP    Method = "IVP"
	MethodHVRank Method = "HV_RANK"
)

// Trend labels the instrument's regime relative to its EMA.
type Trend string

const (
	Bullish Trend = "Bullish"
	Bearish Trend = "Bearish"
	Neutral Trend = "Neutral"
)

// RankedInstrument is the derived, recomputed-each-scan scoring result.
type RankedInstrument struct {
	Symbol    string
	Score     float64 // 0-100
	Method    Method
	Trend     Trend
	Spot      float64
	EMA       float64
	CurrentIV float64 // 0 when the solver could not produce one
	CurrentHV float64
}

// TrendStrength is the relative distance of spot from the EMA, the first
// ranking tie-breaker.
func (r RankedInstrument) TrendStrength() float64 {
	if r.EMA == 0 {
		return 0
	}
	return math.Abs(r.Spot-r.EMA) / r.EMA
}

// IVPercentile computes the share of historical IV observations strictly
// below the current IV, as a percentage. Strict less-than is the pinned
// convention: 28 of 35 days below today's IV scores exactly 80.
func IVPercentile(history []float64, currentIV float64) float64 {
	if len(history) == 0 {
		return 0
	}
	below := 0
	for _, iv := range history {
		if iv < currentIV {
			below++
		}
	}
	return 100 * float64(below) / float64(len(history))
}

// HVRank places the most recent value of a rolling HV series within its
// own min/max range, scaled to [0,100]. A flat series scores a neutral 50.
func HVRank(series []float64) (float64, error) {
	if len(series) < 2 {
		return 0, fmt.Errorf("hv rank needs at least 2 observations, got %d", len(series))
	}
	minHV, maxHV := series[0], series[0]
	for _, v := range series {
		if v < minHV {
			minHV = v
		}
		if v > maxHV {
			maxHV = v
		}
	}
	if utils.FloatEquals(maxHV, minHV) {
		return 50, nil
	}
	current := series[len(series)-1]
	return utils.Clamp((current-minHV)/(maxHV-minHV)*100, 0, 100), nil
}

// DetectTrend compares spot to the EMA with a symmetric epsilon band:
// inside the band the instrument is Neutral and no directional spread is
// taken.
func DetectTrend(spot, ema, epsilonPct float64) Trend {
	band := ema * epsilonPct / 100
	switch {
	case spot > ema+band:
		return Bullish
	case spot < ema-band:
		return Bearish
	default:
		return Neutral
	}
}
