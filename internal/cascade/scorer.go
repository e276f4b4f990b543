package cascade

import (
	"math"
	"sort"

	"liquidation-sentinel/internal/health"
	"liquidation-sentinel/internal/volatility"
)

// Action is the recommended operator response.
type Action string

const (
	ActionSafe    Action = "SAFE"
	ActionMonitor Action = "MONITOR"
	ActionProtect Action = "PROTECT"
)

// Components breaks a score into its weighted parts.
type Components struct {
	HealthFactorRisk float64 `json:"healthFactorRisk"`
	VolatilityRisk   float64 `json:"volatilityRisk"`
	CascadeRisk      float64 `json:"cascadeRisk"`
}

// Score is the composite cascade risk of one account.
type Score struct {
	AccountID              string         `json:"accountId"`
	RiskScore              float64        `json:"riskScore"`
	CascadeProbability     float64        `json:"cascadeProbability"`
	TimeToLiquidationHours float64        `json:"timeToLiquidationHours"`
	EstimatedLossesUSD     float64        `json:"estimatedLossesUsd"`
	RecommendedAction      Action         `json:"recommendedAction"`
	Components             Components     `json:"components"`
	Health                 health.Metrics `json:"health"`
}

// Indicators are market-wide figures computed once per batch.
type Indicators struct {
	TotalAccounts           int     `json:"totalAccounts"`
	DangerZoneCount         int     `json:"dangerZoneCount"`
	AverageHealthFactor     float64 `json:"averageHealthFactor"`
	PositionCorrelation     float64 `json:"positionCorrelation"`
	DangerZoneCollateralUSD float64 `json:"dangerZoneCollateralUsd"`
}

// Report is the output of one scoring batch.
type Report struct {
	Scores     []Score    `json:"scores"`
	Indicators Indicators `json:"indicators"`
}

// Step awards points (or hours) when the health factor is below Below.
type Step struct {
	Below float64 `mapstructure:"below"`
	Value float64 `mapstructure:"value"`
}

// Options tune the scoring weights and thresholds.
type Options struct {
	HealthSteps          []Step  `mapstructure:"health_steps"`
	TimeSteps            []Step  `mapstructure:"time_steps"`
	VolatilityMultiplier float64 `mapstructure:"volatility_multiplier"`
	VolatilityRiskMax    float64 `mapstructure:"volatility_risk_max"`
	CascadeRiskMax       float64 `mapstructure:"cascade_risk_max"`
	MinPopulation        int     `mapstructure:"min_population"`
	DangerZoneThreshold  float64 `mapstructure:"danger_zone_threshold"`
	CorrelationWeight    float64 `mapstructure:"correlation_weight"`
	LiquidationPenalty   float64 `mapstructure:"liquidation_penalty"`
	ExtractionRate       float64 `mapstructure:"extraction_rate"`
	ProtectThreshold     float64 `mapstructure:"protect_threshold"`
	MonitorThreshold     float64 `mapstructure:"monitor_threshold"`
}

// DefaultOptions returns the stock 40/30/30 weighting.
func DefaultOptions() Options {
	return Options{
		HealthSteps: []Step{
			{Below: 1.1, Value: 40},
			{Below: 1.3, Value: 32},
			{Below: 1.5, Value: 24},
			{Below: 2.0, Value: 16},
		},
		TimeSteps: []Step{
			{Below: 1.1, Value: 6},
			{Below: 1.3, Value: 12},
			{Below: 1.5, Value: 24},
			{Below: 2.0, Value: 48},
		},
		VolatilityMultiplier: 15,
		VolatilityRiskMax:    30,
		CascadeRiskMax:       30,
		MinPopulation:        10,
		DangerZoneThreshold:  1.0,
		LiquidationPenalty:   0.03,
		ExtractionRate:       0.01,
		ProtectThreshold:     70,
		MonitorThreshold:     40,
	}
}

// Scorer combines health, volatility and contagion risk. It keeps no per-call state.
type Scorer struct {
	opts Options
	calc *health.Calculator
}

// NewScorer fills unset options from DefaultOptions.
func NewScorer(opts Options, calc *health.Calculator) *Scorer {
	def := DefaultOptions()
	if len(opts.HealthSteps) == 0 {
		opts.HealthSteps = def.HealthSteps
	}
	if len(opts.TimeSteps) == 0 {
		opts.TimeSteps = def.TimeSteps
	}
	if opts.VolatilityMultiplier <= 0 {
		opts.VolatilityMultiplier = def.VolatilityMultiplier
	}
	if opts.VolatilityRiskMax <= 0 {
		opts.VolatilityRiskMax = def.VolatilityRiskMax
	}
	if opts.CascadeRiskMax <= 0 {
		opts.CascadeRiskMax = def.CascadeRiskMax
	}
	if opts.MinPopulation <= 0 {
		opts.MinPopulation = def.MinPopulation
	}
	if opts.DangerZoneThreshold <= 0 {
		opts.DangerZoneThreshold = def.DangerZoneThreshold
	}
	if opts.LiquidationPenalty <= 0 {
		opts.LiquidationPenalty = def.LiquidationPenalty
	}
	if opts.ExtractionRate <= 0 {
		opts.ExtractionRate = def.ExtractionRate
	}
	if opts.ProtectThreshold <= 0 {
		opts.ProtectThreshold = def.ProtectThreshold
	}
	if opts.MonitorThreshold <= 0 {
		opts.MonitorThreshold = def.MonitorThreshold
	}
	if opts.CorrelationWeight < 0 {
		opts.CorrelationWeight = 0
	}
	opts.HealthSteps = sortedSteps(opts.HealthSteps)
	opts.TimeSteps = sortedSteps(opts.TimeSteps)
	if calc == nil {
		calc = health.NewCalculator(health.DefaultThresholds())
	}
	return &Scorer{opts: opts, calc: calc}
}

// Score rates every account against the shared volatility reading.
// Scores come back sorted by risk, highest first.
func (s *Scorer) Score(accounts []health.PositionSnapshot, vol volatility.Result) Report {
	metrics := make([]health.Metrics, len(accounts))
	for i, acct := range accounts {
		metrics[i] = s.calc.Metrics(acct)
	}

	ind := s.indicators(accounts, metrics)
	volRisk := s.VolatilityRisk(vol.Value)
	cascadeRisk := s.CascadeRisk(ind)

	scores := make([]Score, 0, len(accounts))
	for i, acct := range accounts {
		m := metrics[i]
		healthRisk := s.HealthRisk(m.HealthFactor)
		total := math.Min(100, healthRisk+volRisk+cascadeRisk)

		scores = append(scores, Score{
			AccountID:              acct.AccountID,
			RiskScore:              total,
			CascadeProbability:     math.Pow(total/100, 2),
			TimeToLiquidationHours: s.TimeToLiquidation(m.HealthFactor),
			EstimatedLossesUSD:     s.EstimatedLosses(acct, total),
			RecommendedAction:      s.Action(total),
			Components: Components{
				HealthFactorRisk: healthRisk,
				VolatilityRisk:   volRisk,
				CascadeRisk:      cascadeRisk,
			},
			Health: m,
		})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].RiskScore > scores[j].RiskScore
	})

	return Report{Scores: scores, Indicators: ind}
}

// HealthRisk is the step-function health component.
func (s *Scorer) HealthRisk(hf float64) float64 {
	return stepValue(s.opts.HealthSteps, hf)
}

// VolatilityRisk scales the index above its baseline.
func (s *Scorer) VolatilityRisk(value float64) float64 {
	return clamp((value-volatility.BaselineValue)*s.opts.VolatilityMultiplier, 0, s.opts.VolatilityRiskMax)
}

// CascadeRisk is the contagion component shared by every account in the batch.
func (s *Scorer) CascadeRisk(ind Indicators) float64 {
	population := math.Max(float64(s.opts.MinPopulation), float64(ind.TotalAccounts))
	base := float64(ind.DangerZoneCount) / population * s.opts.CascadeRiskMax
	base *= 1 + s.opts.CorrelationWeight*ind.PositionCorrelation
	return clamp(base, 0, s.opts.CascadeRiskMax)
}

// TimeToLiquidation estimates hours until liquidation; zero means not applicable.
func (s *Scorer) TimeToLiquidation(hf float64) float64 {
	return stepValue(s.opts.TimeSteps, hf)
}

// EstimatedLosses combines the liquidation penalty and a risk-weighted extraction estimate.
func (s *Scorer) EstimatedLosses(acct health.PositionSnapshot, riskScore float64) float64 {
	return acct.DebtValue*s.opts.LiquidationPenalty + acct.CollateralValue*(riskScore/100)*s.opts.ExtractionRate
}

// Action maps a risk score to a recommendation.
func (s *Scorer) Action(riskScore float64) Action {
	switch {
	case riskScore >= s.opts.ProtectThreshold:
		return ActionProtect
	case riskScore >= s.opts.MonitorThreshold:
		return ActionMonitor
	default:
		return ActionSafe
	}
}

func (s *Scorer) indicators(accounts []health.PositionSnapshot, metrics []health.Metrics) Indicators {
	ind := Indicators{TotalAccounts: len(accounts)}
	if len(accounts) == 0 {
		return ind
	}

	var hfSum float64
	var hfCount int
	leverages := make([]float64, 0, len(accounts))
	for i, m := range metrics {
		if m.HealthFactor < s.opts.DangerZoneThreshold {
			ind.DangerZoneCount++
			ind.DangerZoneCollateralUSD += accounts[i].CollateralValue
		}
		if m.HealthFactor < health.NoDebtHealthFactor {
			hfSum += m.HealthFactor
			hfCount++
		}
		if m.Leverage < health.UnderwaterLeverage {
			leverages = append(leverages, m.Leverage)
		}
	}
	if hfCount > 0 {
		ind.AverageHealthFactor = hfSum / float64(hfCount)
	}
	ind.PositionCorrelation = correlation(leverages)
	return ind
}

// correlation is 1 minus the coefficient of variation of leverage.
func correlation(leverages []float64) float64 {
	if len(leverages) < 2 {
		return 0
	}
	var sum float64
	for _, l := range leverages {
		sum += l
	}
	mean := sum / float64(len(leverages))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, l := range leverages {
		d := l - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(leverages)))
	return clamp(1-stddev/mean, 0, 1)
}

func stepValue(steps []Step, hf float64) float64 {
	for _, st := range steps {
		if hf < st.Below {
			return st.Value
		}
	}
	return 0
}

func sortedSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Below < out[j].Below })
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
