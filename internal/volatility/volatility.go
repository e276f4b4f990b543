package volatility

import (
	"math"
	"time"
)

// BaselineValue is reported when history is too short to measure.
const BaselineValue = 1.0

// Level classifies the index value.
type Level string

const (
	LevelLow     Level = "LOW"
	LevelMedium  Level = "MEDIUM"
	LevelHigh    Level = "HIGH"
	LevelExtreme Level = "EXTREME"
)

// Component is one window's contribution to the index.
type Component struct {
	WindowMinutes int     `json:"windowMinutes"`
	PctChange     float64 `json:"pctChange"`
	Weight        float64 `json:"weight"`
	Contribution  float64 `json:"contribution"`
}

// Result is a computed volatility index.
type Result struct {
	Value      float64     `json:"value"`
	Level      Level       `json:"level"`
	Components []Component `json:"components"`
}

// Baseline is the result for insufficient history.
func Baseline() Result {
	return Result{Value: BaselineValue, Level: LevelLow, Components: []Component{}}
}

// Options configure windows and level thresholds.
type Options struct {
	Windows        []time.Duration `mapstructure:"windows"`
	SampleInterval time.Duration   `mapstructure:"sample_interval"`
	MediumMin      float64         `mapstructure:"medium_min"`
	HighMin        float64         `mapstructure:"high_min"`
	ExtremeMin     float64         `mapstructure:"extreme_min"`
}

// DefaultOptions returns 60/240/720 minute windows sampled once a minute.
func DefaultOptions() Options {
	return Options{
		Windows:        []time.Duration{60 * time.Minute, 240 * time.Minute, 720 * time.Minute},
		SampleInterval: time.Minute,
		MediumMin:      1.5,
		HighMin:        2.5,
		ExtremeMin:     3.5,
	}
}

// Calculator computes the multi-window volatility index. It is stateless.
type Calculator struct {
	opts Options
}

// NewCalculator applies defaults to empty fields.
func NewCalculator(opts Options) *Calculator {
	def := DefaultOptions()
	if len(opts.Windows) == 0 {
		opts.Windows = def.Windows
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = def.SampleInterval
	}
	if opts.MediumMin <= 0 {
		opts.MediumMin = def.MediumMin
	}
	if opts.HighMin <= 0 {
		opts.HighMin = def.HighMin
	}
	if opts.ExtremeMin <= 0 {
		opts.ExtremeMin = def.ExtremeMin
	}
	return &Calculator{opts: opts}
}

// Calculate derives the index from prices ordered oldest first, one entry per sample interval.
func (c *Calculator) Calculate(prices []float64) Result {
	if len(prices) < 2 {
		return Baseline()
	}

	latest := prices[len(prices)-1]
	var sumContribution, sumWeight float64
	components := make([]Component, 0, len(c.opts.Windows))

	for i, window := range c.opts.Windows {
		steps := int(window / c.opts.SampleInterval)
		if steps <= 0 || len(prices) <= steps {
			continue
		}
		base := prices[len(prices)-1-steps]
		if base <= 0 {
			continue
		}
		change := math.Abs(latest-base) / base
		weight := 1 / float64(i+1)
		contribution := change * change * weight

		sumContribution += contribution
		sumWeight += weight
		components = append(components, Component{
			WindowMinutes: int(window / time.Minute),
			PctChange:     change,
			Weight:        weight,
			Contribution:  contribution,
		})
	}

	if sumWeight == 0 {
		return Baseline()
	}

	value := math.Sqrt(sumContribution/sumWeight) * 100
	return Result{Value: value, Level: c.Level(value), Components: components}
}

// Level maps a value onto the configured thresholds.
func (c *Calculator) Level(value float64) Level {
	switch {
	case value >= c.opts.ExtremeMin:
		return LevelExtreme
	case value >= c.opts.HighMin:
		return LevelHigh
	case value >= c.opts.MediumMin:
		return LevelMedium
	default:
		return LevelLow
	}
}

// HistoryMinutes is the longest configured window, useful for sizing history queries.
func (c *Calculator) HistoryMinutes() int {
	longest := time.Duration(0)
	for _, w := range c.opts.Windows {
		if w > longest {
			longest = w
		}
	}
	span := longest + c.opts.SampleInterval
	return int((span + time.Minute - 1) / time.Minute)
}
