package volatility

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineForShortHistory(t *testing.T) {
	calc := NewCalculator(DefaultOptions())
	for _, prices := range [][]float64{nil, {}, {100}} {
		res := calc.Calculate(prices)
		assert.Equal(t, 1.0, res.Value)
		assert.Equal(t, LevelLow, res.Level)
		assert.Empty(t, res.Components)
	}
}

func TestBaselineWhenNoWindowQualifies(t *testing.T) {
	calc := NewCalculator(DefaultOptions())
	res := calc.Calculate(ramp(30, 100, 150))
	assert.Equal(t, Baseline(), res)
}

func TestSixtyMinuteWindow(t *testing.T) {
	calc := NewCalculator(DefaultOptions())
	res := calc.Calculate(ramp(61, 100, 110))

	require.Len(t, res.Components, 1)
	c := res.Components[0]
	assert.Equal(t, 60, c.WindowMinutes)
	assert.InDelta(t, 0.10, c.PctChange, 1e-12)
	assert.Equal(t, 1.0, c.Weight)
	assert.InDelta(t, 10.0, res.Value, 1e-9)
	assert.Equal(t, LevelExtreme, res.Level)
}

func TestMultipleWindowsWeighted(t *testing.T) {
	calc := NewCalculator(DefaultOptions())
	prices := make([]float64, 241)
	for i := range prices {
		prices[i] = 100
	}
	// 240 minutes ago 100, 60 minutes ago 102, now 102.
	for i := 180; i < len(prices); i++ {
		prices[i] = 102
	}

	res := calc.Calculate(prices)
	require.Len(t, res.Components, 2)
	assert.InDelta(t, 0.0, res.Components[0].PctChange, 1e-12)
	assert.InDelta(t, 0.02, res.Components[1].PctChange, 1e-12)
	assert.Equal(t, 0.5, res.Components[1].Weight)

	want := math.Sqrt((0.02*0.02*0.5)/1.5) * 100
	assert.InDelta(t, want, res.Value, 1e-9)
	assert.Equal(t, LevelLow, res.Level)
}

func TestDeterministic(t *testing.T) {
	calc := NewCalculator(DefaultOptions())
	prices := ramp(800, 50, 61)
	first := calc.Calculate(prices)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, calc.Calculate(prices))
	}
	assert.Len(t, first.Components, 3)
}

func TestLevels(t *testing.T) {
	calc := NewCalculator(Options{})
	assert.Equal(t, LevelLow, calc.Level(1.49))
	assert.Equal(t, LevelMedium, calc.Level(1.5))
	assert.Equal(t, LevelHigh, calc.Level(2.5))
	assert.Equal(t, LevelExtreme, calc.Level(3.5))
}

func TestCustomSampleInterval(t *testing.T) {
	calc := NewCalculator(Options{Windows: []time.Duration{10 * time.Minute}, SampleInterval: 5 * time.Minute})
	res := calc.Calculate([]float64{100, 101, 105})
	require.Len(t, res.Components, 1)
	assert.InDelta(t, 0.05, res.Components[0].PctChange, 1e-12)
	assert.Equal(t, 15, calc.HistoryMinutes())
}

func ramp(n int, from, to float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + (to-from)*float64(i)/float64(n-1)
	}
	return out
}

func TestHistoryMinutesRoundsSubMinuteSpansUp(t *testing.T) {
	calc := NewCalculator(Options{Windows: []time.Duration{90 * time.Second}, SampleInterval: 30 * time.Second})
	assert.Equal(t, 2, calc.HistoryMinutes())

	calc = NewCalculator(DefaultOptions())
	assert.Equal(t, 721, calc.HistoryMinutes())
}
