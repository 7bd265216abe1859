// Package profile bins a candle series into price levels weighted by
// distributed volume and derives the Point of Control, Value Area and
// high-volume-node walls used for strike selection.
package profile

import (
	"fmt"
	"math"

	"ivsniper/broker"
	"ivsniper/utils"
)

// Bin is one price level of the profile. Bins are contiguous and ascending;
// the last bin may be wider than the rest to cover the range remainder.
type Bin struct {
	Low    float64
	High   float64
	Volume float64
}

// Profile is the computed volume profile for one instrument.
type Profile struct {
	BinWidth    float64
	Bins        []Bin
	POC         int // index of the point-of-control bin
	VALowIdx    int // value area, inclusive bin index bounds
	VAHighIdx   int
	TotalVolume float64
}

// VALow returns the lower price bound of the value area.
func (p *Profile) VALow() float64 { return p.Bins[p.VALowIdx].Low }

// VAHigh returns the upper price bound of the value area.
func (p *Profile) VAHigh() float64 { return p.Bins[p.VAHighIdx].High }

// POCPrice returns the lower bound of the point-of-control bin, the price
// level quoted as the POC.
func (p *Profile) POCPrice() float64 { return p.Bins[p.POC].Low }

// FreedmanDiaconisBinWidth computes a data-adaptive bin width from closing
// prices: 2 x IQR x n^(-1/3), clamped to [0.5, 200]. A zero IQR (flat
// series) falls back to 0.5% of the median price.
func FreedmanDiaconisBinWidth(closes []float64) float64 {
	n := len(closes)
	if n == 0 {
		return 1.0
	}
	iqr := utils.Percentile(closes, 75) - utils.Percentile(closes, 25)
	if iqr == 0 {
		return math.Max(1.0, utils.RoundToPrecision(utils.Median(closes)*0.005, 2))
	}
	width := 2.0 * iqr * math.Pow(float64(n), -1.0/3.0)
	return utils.RoundToPrecision(utils.Clamp(width, 0.5, 200.0), 2)
}

// AverageDailyVolume returns the mean volume across candles that traded.
// Zero when nothing traded.
func AverageDailyVolume(candles []broker.Candle) float64 {
	var sum float64
	var n int
	for _, c := range candles {
		if c.Volume > 0 {
			sum += c.Volume
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Compute builds the volume profile. Each candle's volume is split across
// the bins its [low, high] range intersects, proportional to the overlap
// fraction, so total bin volume always equals total candle volume. A
// binWidth of zero or less selects the Freedman-Diaconis width
// automatically. valueAreaPct is the share of total volume the value area
// must capture (70 in the classic construction).
func Compute(candles []broker.Candle, binWidth, valueAreaPct float64) (*Profile, error) {
	if len(candles) < 2 {
		return nil, fmt.Errorf("volume profile needs at least 2 candles, got %d", len(candles))
	}

	minLow := math.Inf(1)
	maxHigh := math.Inf(-1)
	closes := make([]float64, 0, len(candles))
	for _, c := range candles {
		if c.Low < minLow {
			minLow = c.Low
		}
		if c.High > maxHigh {
			maxHigh = c.High
		}
		closes = append(closes, c.Close)
	}
	if maxHigh <= minLow {
		// Degenerate series: every candle printed a single price.
		maxHigh = minLow + 1e-9
	}

	if binWidth <= 0 {
		binWidth = FreedmanDiaconisBinWidth(closes)
	}

	bins := buildBins(minLow, maxHigh, binWidth)
	var total float64
	for _, c := range candles {
		if c.Volume <= 0 {
			continue
		}
		distribute(bins, c)
		total += c.Volume
	}
	if total <= 0 {
		return nil, fmt.Errorf("volume profile: no traded volume in %d candles", len(candles))
	}

	lastClose := candles[len(candles)-1].Close
	poc := pickPOC(bins, lastClose)

	p := &Profile{
		BinWidth:    binWidth,
		Bins:        bins,
		POC:         poc,
		TotalVolume: total,
	}
	p.VALowIdx, p.VAHighIdx = valueArea(bins, poc, total*valueAreaPct/100.0)
	return p, nil
}

func buildBins(minLow, maxHigh, width float64) []Bin {
	span := maxHigh - minLow
	n := int(math.Floor(span / width))
	if n < 1 {
		n = 1
	}
	bins := make([]Bin, n)
	for i := range bins {
		bins[i].Low = minLow + float64(i)*width
		bins[i].High = bins[i].Low + width
	}
	// Fold the remainder into the last bin instead of creating a sliver.
	bins[n-1].High = maxHigh
	return bins
}

// distribute splits one candle's volume across intersected bins in
// proportion to range overlap. A zero-range candle drops its full volume
// into the containing bin.
func distribute(bins []Bin, c broker.Candle) {
	span := c.High - c.Low
	if span <= 0 {
		idx := locate(bins, c.Low)
		bins[idx].Volume += c.Volume
		return
	}
	for i := range bins {
		overlap := math.Min(bins[i].High, c.High) - math.Max(bins[i].Low, c.Low)
		if overlap <= 0 {
			continue
		}
		bins[i].Volume += c.Volume * overlap / span
	}
}

func locate(bins []Bin, price float64) int {
	for i := range bins {
		if price < bins[i].High {
			return i
		}
	}
	return len(bins) - 1
}

// pickPOC returns the index of the max-volume bin, breaking ties toward the
// bin whose center is closer to the most recent close.
func pickPOC(bins []Bin, lastClose float64) int {
	best := 0
	for i := 1; i < len(bins); i++ {
		switch {
		case bins[i].Volume > bins[best].Volume:
			best = i
		case bins[i].Volume == bins[best].Volume:
			ci := (bins[i].Low + bins[i].High) / 2
			cb := (bins[best].Low + bins[best].High) / 2
			if math.Abs(ci-lastClose) < math.Abs(cb-lastClose) {
				best = i
			}
		}
	}
	return best
}

// valueArea expands outward from the POC, always claiming the adjacent
// unclaimed bin with more volume, until the claimed volume reaches the
// target or no bins remain. Equal-volume neighbours favour the higher price
// side.
func valueArea(bins []Bin, poc int, target float64) (lo, hi int) {
	lo, hi = poc, poc
	accumulated := bins[poc].Volume

	for accumulated < target {
		up, down := math.Inf(-1), math.Inf(-1)
		if hi+1 < len(bins) {
			up = bins[hi+1].Volume
		}
		if lo-1 >= 0 {
			down = bins[lo-1].Volume
		}
		if math.IsInf(up, -1) && math.IsInf(down, -1) {
			break
		}
		if up >= down {
			hi++
			accumulated += up
		} else {
			lo--
			accumulated += down
		}
	}
	return lo, hi
}

// Walls identifies high-volume-node levels relative to the spot price. An
// HVN is any bin with volume at or above `multiplier` times the mean bin
// volume. The nearest HVN below spot is the support wall, the nearest above
// is the resistance wall; either may be absent.
type Walls struct {
	Support       float64
	HasSupport    bool
	Resistance    float64
	HasResistance bool
	AllHVNs       []float64
}

func (p *Profile) HVNWalls(spot, multiplier float64) Walls {
	var mean float64
	for _, b := range p.Bins {
		mean += b.Volume
	}
	mean /= float64(len(p.Bins))
	threshold := mean * multiplier

	var w Walls
	for _, b := range p.Bins {
		if b.Volume < threshold {
			continue
		}
		level := b.Low
		w.AllHVNs = append(w.AllHVNs, level)
		if level < spot {
			// Bins ascend, so the last qualifying level below spot wins.
			w.Support = level
			w.HasSupport = true
		} else if level > spot && !w.HasResistance {
			w.Resistance = level
			w.HasResistance = true
		}
	}
	return w
}
