package volatility

import (
	"errors"
	"math"

	"ivsniper/broker"
)

// ErrNoConvergence is the soft-fail result of the IV solver. Callers must
// fall back to HV-based ranking for the instrument rather than aborting the
// scan.
var ErrNoConvergence = errors.New("volatility: iv solver did not converge")

const (
	ivMaxIterations = 100
	ivTolerance     = 1e-6
	ivSigmaFloor    = 1e-4
	ivSigmaCeiling  = 5.0
	vegaFloor       = 1e-12
)

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func d1(spot, strike, t, rate, sigma float64) float64 {
	return (math.Log(spot/strike) + (rate+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
}

// BlackScholesPrice returns the theoretical option price for a European
// call or put.
func BlackScholesPrice(spot, strike, yearsToExpiry, rate, sigma float64, optType broker.OptionType) float64 {
	dOne := d1(spot, strike, yearsToExpiry, rate, sigma)
	dTwo := dOne - sigma*math.Sqrt(yearsToExpiry)
	if optType == broker.Call {
		return spot*normCDF(dOne) - strike*math.Exp(-rate*yearsToExpiry)*normCDF(dTwo)
	}
	return strike*math.Exp(-rate*yearsToExpiry)*normCDF(-dTwo) - spot*normCDF(-dOne)
}

// vega is the derivative of the Black-Scholes price with respect to sigma,
// used as the Newton-Raphson step denominator.
func vega(spot, strike, t, rate, sigma float64) float64 {
	return spot * normPDF(d1(spot, strike, t, rate, sigma)) * math.Sqrt(t)
}

// ImpliedVolatility inverts Black-Scholes for the volatility implied by an
// observed option price. Newton-Raphson runs first, seeded at `seed` (the
// instrument's HV is the natural choice; pass 0 for the 0.25 default). When
// Newton stalls (tiny vega, sigma escaping its bounds) the solver falls back
// to bisection on the bracket [1e-4, 5]. A result outside the budget of 100
// iterations or a bracket without a sign crossing yields ErrNoConvergence.
func ImpliedVolatility(optionPrice, spot, strike, daysToExpiry, rate float64, optType broker.OptionType, seed float64) (float64, error) {
	if optionPrice <= 0 || spot <= 0 || strike <= 0 || daysToExpiry <= 0 {
		return 0, ErrNoConvergence
	}
	t := daysToExpiry / 365.0

	if seed <= 0 {
		seed = 0.25
	}
	sigma := seed

	for i := 0; i < ivMaxIterations; i++ {
		price := BlackScholesPrice(spot, strike, t, rate, sigma, optType)
		diff := price - optionPrice
		if math.Abs(diff) < ivTolerance {
			return sigma, nil
		}

		v := vega(spot, strike, t, rate, sigma)
		if v < vegaFloor {
			return bisectIV(optionPrice, spot, strike, t, rate, optType)
		}

		sigma -= diff / v
		if sigma <= 0 {
			sigma = ivSigmaFloor
		} else if sigma > ivSigmaCeiling {
			return bisectIV(optionPrice, spot, strike, t, rate, optType)
		}
	}
	return bisectIV(optionPrice, spot, strike, t, rate, optType)
}

// bisectIV is the robust fallback. Black-Scholes is monotonic in sigma, so
// a sign crossing on the bracket guarantees a root.
func bisectIV(optionPrice, spot, strike, t, rate float64, optType broker.OptionType) (float64, error) {
	lo, hi := ivSigmaFloor, ivSigmaCeiling
	fLo := BlackScholesPrice(spot, strike, t, rate, lo, optType) - optionPrice
	fHi := BlackScholesPrice(spot, strike, t, rate, hi, optType) - optionPrice

	if fLo*fHi > 0 {
		// Observed price is outside the arbitrage-consistent range.
		return 0, ErrNoConvergence
	}

	for i := 0; i < ivMaxIterations; i++ {
		mid := (lo + hi) / 2
		fMid := BlackScholesPrice(spot, strike, t, rate, mid, optType) - optionPrice
		if math.Abs(fMid) < ivTolerance || (hi-lo)/2 < ivTolerance {
			return mid, nil
		}
		if fLo*fMid < 0 {
			hi = mid
		} else {
			lo = mid
			fLo = fMid
		}
	}
	return 0, ErrNoConvergence
}
