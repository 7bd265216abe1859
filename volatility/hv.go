// Package volatility converts raw candle series into historical volatility
// and inverts Black-Scholes to estimate implied volatility from option
// prices.
package volatility

import (
	"fmt"
	"math"

	"ivsniper/broker"
	"ivsniper/utils"
)

// TradingDaysPerYear is the annualization base for daily volatility.
const TradingDaysPerYear = 252

// HistoricalVolatility computes annualized historical volatility from daily
// candles: sample standard deviation of the trailing `window` daily
// log-returns, scaled by the square root of the trading days per year.
// Fewer returns than the window are tolerated; fewer than two candles are
// not.
func HistoricalVolatility(candles []broker.Candle, window int) (float64, error) {
	if len(candles) < 2 {
		return 0, fmt.Errorf("historical volatility needs at least 2 candles, got %d", len(candles))
	}
	if window < 1 {
		return 0, fmt.Errorf("historical volatility window must be positive, got %d", window)
	}

	returns := logReturns(candles)
	if len(returns) > window {
		returns = returns[len(returns)-window:]
	}

	std := utils.SampleStdDev(returns)
	return std * math.Sqrt(TradingDaysPerYear), nil
}

// HistoricalVolatilitySeries returns a rolling HV series over the full
// candle history, one value per candle once the window is filled. Used for
// HV rank (min/max over a year).
func HistoricalVolatilitySeries(candles []broker.Candle, window int) ([]float64, error) {
	if window < 2 {
		return nil, fmt.Errorf("rolling HV window must be at least 2, got %d", window)
	}
	returns := logReturns(candles)
	if len(returns) < window {
		return nil, fmt.Errorf("rolling HV needs at least %d log returns, got %d", window, len(returns))
	}

	series := make([]float64, 0, len(returns)-window+1)
	for i := window; i <= len(returns); i++ {
		std := utils.SampleStdDev(returns[i-window : i])
		series = append(series, std*math.Sqrt(TradingDaysPerYear))
	}
	return series, nil
}

func logReturns(candles []broker.Candle) []float64 {
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		cur := candles[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	return returns
}

// EMA computes the exponential moving average of closing prices with the
// standard 2/(span+1) smoothing, seeded at the first close. Requires at
// least `span` candles so the average is meaningful.
func EMA(candles []broker.Candle, span int) (float64, error) {
	if span < 2 {
		return 0, fmt.Errorf("EMA span must be at least 2, got %d", span)
	}
	if len(candles) < span {
		return 0, fmt.Errorf("EMA needs at least %d candles, got %d", span, len(candles))
	}

	alpha := 2.0 / (float64(span) + 1.0)
	ema := candles[0].Close
	for i := 1; i < len(candles); i++ {
		ema = alpha*candles[i].Close + (1-alpha)*ema
	}
	return ema, nil
}
