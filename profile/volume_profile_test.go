package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ivsniper/broker"
)

func TestCompute_SplitsVolumeByOverlap(t *testing.T) {
	t.Parallel()

	// One traded candle spanning exactly two bins evenly; the second candle
	// only pins the price range.
	candles := []broker.Candle{
		{Low: 100, High: 110, Close: 108, Volume: 1000},
		{Low: 100, High: 110, Close: 108, Volume: 0},
	}

	p, err := Compute(candles, 5, 70)
	require.NoError(t, err)
	require.Len(t, p.Bins, 2)

	assert.InDelta(t, 500, p.Bins[0].Volume, 1e-9)
	assert.InDelta(t, 500, p.Bins[1].Volume, 1e-9)
	assert.InDelta(t, 1000, p.TotalVolume, 1e-9)
}

func TestCompute_ConservesTotalVolume(t *testing.T) {
	t.Parallel()

	candles := []broker.Candle{
		{Low: 98.3, High: 104.7, Close: 103, Volume: 1234},
		{Low: 101.1, High: 109.9, Close: 109, Volume: 567},
		{Low: 95.0, High: 99.2, Close: 96, Volume: 89},
		{Low: 103.4, High: 103.4, Close: 103.4, Volume: 400}, // zero-range print
	}

	p, err := Compute(candles, 2.5, 70)
	require.NoError(t, err)

	var binned float64
	for _, b := range p.Bins {
		binned += b.Volume
	}
	assert.InDelta(t, 1234+567+89+400, binned, 1e-6)
	assert.InDelta(t, p.TotalVolume, binned, 1e-6)
}

func TestCompute_POCIsMaxVolumeBin(t *testing.T) {
	t.Parallel()

	candles := []broker.Candle{
		{Low: 100, High: 105, Close: 102, Volume: 300},
		{Low: 100, High: 105, Close: 102, Volume: 300},
		{Low: 105, High: 110, Close: 107, Volume: 100},
	}

	p, err := Compute(candles, 5, 70)
	require.NoError(t, err)

	for i, b := range p.Bins {
		if i == p.POC {
			continue
		}
		assert.LessOrEqual(t, b.Volume, p.Bins[p.POC].Volume)
	}
	assert.Equal(t, 0, p.POC)
	assert.InDelta(t, 100, p.POCPrice(), 1e-9)
}

func TestCompute_POCTieBreaksTowardLastClose(t *testing.T) {
	t.Parallel()

	// Both bins hold 500; the close sits in the upper bin.
	candles := []broker.Candle{
		{Low: 100, High: 110, Close: 108, Volume: 1000},
		{Low: 100, High: 110, Close: 108, Volume: 0},
	}

	p, err := Compute(candles, 5, 70)
	require.NoError(t, err)
	assert.Equal(t, 1, p.POC)

	// Same volumes, close in the lower bin.
	candles[0].Close = 101
	candles[1].Close = 101
	p, err = Compute(candles, 5, 70)
	require.NoError(t, err)
	assert.Equal(t, 0, p.POC)
}

func TestCompute_ValueAreaCoversTarget(t *testing.T) {
	t.Parallel()

	candles := []broker.Candle{
		{Low: 100, High: 102, Close: 101, Volume: 100},
		{Low: 102, High: 104, Close: 103, Volume: 500},
		{Low: 104, High: 106, Close: 105, Volume: 250},
		{Low: 106, High: 108, Close: 107, Volume: 150},
	}

	p, err := Compute(candles, 2, 70)
	require.NoError(t, err)

	var inArea float64
	for i := p.VALowIdx; i <= p.VAHighIdx; i++ {
		inArea += p.Bins[i].Volume
	}
	assert.GreaterOrEqual(t, inArea, p.TotalVolume*0.7)
	assert.LessOrEqual(t, p.VALowIdx, p.POC)
	assert.GreaterOrEqual(t, p.VAHighIdx, p.POC)
	assert.Less(t, p.VALow(), p.VAHigh())

	// The area is minimal: dropping either boundary bin (other than the POC
	// itself) falls back below the coverage target.
	if p.VAHighIdx != p.POC {
		assert.Less(t, inArea-p.Bins[p.VAHighIdx].Volume, p.TotalVolume*0.7)
	}
	if p.VALowIdx != p.POC {
		assert.Less(t, inArea-p.Bins[p.VALowIdx].Volume, p.TotalVolume*0.7)
	}
}

func TestCompute_DegenerateInputs(t *testing.T) {
	t.Parallel()

	_, err := Compute([]broker.Candle{{Low: 100, High: 101, Volume: 10}}, 1, 70)
	assert.Error(t, err)

	_, err = Compute([]broker.Candle{
		{Low: 100, High: 101, Volume: 0},
		{Low: 100, High: 101, Volume: 0},
	}, 1, 70)
	assert.Error(t, err)
}

func TestFreedmanDiaconisBinWidth(t *testing.T) {
	t.Parallel()

	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = float64(i + 1)
	}
	// IQR of 1..100 under interpolated percentiles is 49.5.
	assert.InDelta(t, 21.33, FreedmanDiaconisBinWidth(closes), 1e-9)
}

func TestFreedmanDiaconisBinWidth_FlatSeriesFallback(t *testing.T) {
	t.Parallel()

	flat := []float64{100, 100, 100, 100}
	assert.InDelta(t, 1.0, FreedmanDiaconisBinWidth(flat), 1e-9)

	expensive := []float64{20000, 20000, 20000}
	assert.InDelta(t, 100, FreedmanDiaconisBinWidth(expensive), 1e-9)
}

func TestAverageDailyVolume(t *testing.T) {
	t.Parallel()

	candles := []broker.Candle{
		{Volume: 100}, {Volume: 300}, {Volume: 0},
	}
	assert.InDelta(t, 200, AverageDailyVolume(candles), 1e-9)
	assert.Zero(t, AverageDailyVolume(nil))
}

func TestHVNWalls(t *testing.T) {
	t.Parallel()

	p := &Profile{
		BinWidth: 10,
		Bins: []Bin{
			{Low: 100, High: 110, Volume: 900}, // HVN below spot
			{Low: 110, High: 120, Volume: 100},
			{Low: 120, High: 130, Volume: 200},
			{Low: 130, High: 140, Volume: 800}, // HVN above spot
		},
	}

	walls := p.HVNWalls(125, 1.5)
	require.True(t, walls.HasSupport)
	require.True(t, walls.HasResistance)
	assert.InDelta(t, 100, walls.Support, 1e-9)
	assert.InDelta(t, 130, walls.Resistance, 1e-9)
	assert.Len(t, walls.AllHVNs, 2)
}

func TestHVNWalls_NoQualifyingBins(t *testing.T) {
	t.Parallel()

	p := &Profile{
		Bins: []Bin{
			{Low: 100, High: 110, Volume: 100},
			{Low: 110, High: 120, Volume: 110},
			{Low: 120, High: 130, Volume: 105},
		},
	}

	walls := p.HVNWalls(115, 1.5)
	assert.False(t, walls.HasSupport)
	assert.False(t, walls.HasResistance)
	assert.Empty(t, walls.AllHVNs)
}
