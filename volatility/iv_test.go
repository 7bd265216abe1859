package volatility

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ivsniper/broker"
)

func TestImpliedVolatility_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		sigma   float64
		spot    float64
		strike  float64
		days    float64
		optType broker.OptionType
	}{
		{"atm call", 0.30, 100, 100, 30, broker.Call},
		{"otm put", 0.45, 100, 90, 45, broker.Put},
		{"itm call long dated", 0.20, 100, 80, 180, broker.Call},
		{"high vol put", 0.90, 22000, 21500, 14, broker.Put},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rate := 0.07
			price := BlackScholesPrice(tc.spot, tc.strike, tc.days/365.0, rate, tc.sigma, tc.optType)
			require.Greater(t, price, 0.0)

			iv, err := ImpliedVolatility(price, tc.spot, tc.strike, tc.days, rate, tc.optType, 0.25)
			require.NoError(t, err)
			assert.InDelta(t, tc.sigma, iv, 1e-3)
		})
	}
}

func TestImpliedVolatility_SeedDefaultsWhenNonPositive(t *testing.T) {
	t.Parallel()

	rate := 0.07
	price := BlackScholesPrice(100, 105, 30/365.0, rate, 0.35, broker.Call)

	iv, err := ImpliedVolatility(price, 100, 105, 30, rate, broker.Call, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, iv, 1e-3)
}

func TestImpliedVolatility_PriceOutsideArbitrageBounds(t *testing.T) {
	t.Parallel()

	// A call can never be worth more than the underlying.
	_, err := ImpliedVolatility(150, 100, 105, 30, 0.07, broker.Call, 0.25)
	assert.ErrorIs(t, err, ErrNoConvergence)
}

func TestImpliedVolatility_InvalidInputs(t *testing.T) {
	t.Parallel()

	_, err := ImpliedVolatility(0, 100, 105, 30, 0.07, broker.Call, 0.25)
	assert.ErrorIs(t, err, ErrNoConvergence)

	_, err = ImpliedVolatility(5, 100, 105, 0, 0.07, broker.Call, 0.25)
	assert.ErrorIs(t, err, ErrNoConvergence)
}

func TestBlackScholesPrice_PutCallParity(t *testing.T) {
	t.Parallel()

	spot, strike, tYears, rate, sigma := 100.0, 95.0, 60/365.0, 0.07, 0.4
	call := BlackScholesPrice(spot, strike, tYears, rate, sigma, broker.Call)
	put := BlackScholesPrice(spot, strike, tYears, rate, sigma, broker.Put)

	// C - P = S - K*exp(-rT)
	parity := spot - strike*math.Exp(-rate*tYears)
	assert.InDelta(t, parity, call-put, 1e-9)
}
