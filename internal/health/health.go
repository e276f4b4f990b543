package health

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// NoDebtHealthFactor stands in for an infinite health factor when an account carries no debt.
	NoDebtHealthFactor = 1e9
	// UnderwaterLeverage stands in for infinite leverage when equity is zero or negative.
	UnderwaterLeverage = 1e9
)

// ErrInvalidSnapshot marks position data that cannot be scored.
var ErrInvalidSnapshot = errors.New("health: invalid position snapshot")

// Tier buckets an account by health factor.
type Tier string

const (
	TierSafe     Tier = "SAFE"
	TierCaution  Tier = "CAUTION"
	TierDanger   Tier = "DANGER"
	TierCritical Tier = "CRITICAL"
)

// PositionSnapshot is the normalized position data for one account.
type PositionSnapshot struct {
	AccountID        string  `json:"accountId"`
	CollateralValue  float64 `json:"collateralValue"`
	DebtValue        float64 `json:"debtValue"`
	Leverage         float64 `json:"leverage"`
	LiquidationPrice float64 `json:"liquidationPrice"`
	OraclePrice      float64 `json:"oraclePrice"`
}

// Validate reports whether the snapshot can be scored.
func (p PositionSnapshot) Validate() error {
	if strings.TrimSpace(p.AccountID) == "" {
		return fmt.Errorf("%w: missing account id", ErrInvalidSnapshot)
	}
	fields := []struct {
		name  string
		value float64
	}{
		{"collateral", p.CollateralValue},
		{"debt", p.DebtValue},
		{"oracle", p.OraclePrice},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%w: %s value is not finite", ErrInvalidSnapshot, f.name)
		}
		if f.value < 0 {
			return fmt.Errorf("%w: %s value is negative", ErrInvalidSnapshot, f.name)
		}
	}
	return nil
}

// Metrics holds the derived health figures of a position.
type Metrics struct {
	HealthFactor             float64 `json:"healthFactor"`
	MarginRatio              float64 `json:"marginRatio"`
	Leverage                 float64 `json:"leverage"`
	Tier                     Tier    `json:"tier"`
	DistanceToLiquidationPct float64 `json:"distanceToLiquidationPct"`
	LiquidationPrice         float64 `json:"liquidationPrice"`
	IsAtRisk                 bool    `json:"isAtRisk"`
}

// Thresholds configures tier boundaries and the at-risk cut-off.
type Thresholds struct {
	LiquidationThreshold float64 `mapstructure:"liquidation_threshold"`
	SafeMin              float64 `mapstructure:"safe_min"`
	CautionMin           float64 `mapstructure:"caution_min"`
	DangerMin            float64 `mapstructure:"danger_min"`
	AtRisk               float64 `mapstructure:"at_risk"`
}

// DefaultThresholds returns the stock tier table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LiquidationThreshold: 0.8,
		SafeMin:              1.0,
		CautionMin:           0.5,
		DangerMin:            0.25,
		AtRisk:               1.2,
	}
}

// Calculator derives health metrics. It holds configuration only.
type Calculator struct {
	th Thresholds
}

// NewCalculator builds a calculator; zero-valued thresholds fall back to defaults.
func NewCalculator(th Thresholds) *Calculator {
	def := DefaultThresholds()
	if th.LiquidationThreshold <= 0 {
		th.LiquidationThreshold = def.LiquidationThreshold
	}
	if th.SafeMin <= 0 {
		th.SafeMin = def.SafeMin
	}
	if th.CautionMin <= 0 {
		th.CautionMin = def.CautionMin
	}
	if th.DangerMin <= 0 {
		th.DangerMin = def.DangerMin
	}
	if th.AtRisk <= 0 {
		th.AtRisk = def.AtRisk
	}
	return &Calculator{th: th}
}

// Thresholds returns the effective configuration.
func (c *Calculator) Thresholds() Thresholds {
	return c.th
}

// Metrics derives every health figure for a snapshot.
func (c *Calculator) Metrics(p PositionSnapshot) Metrics {
	hf := HealthFactor(p.CollateralValue, p.DebtValue, c.th.LiquidationThreshold)
	liqPrice := p.LiquidationPrice
	if liqPrice <= 0 {
		liqPrice = LiquidationPrice(p.OraclePrice, hf)
	}
	return Metrics{
		HealthFactor:             hf,
		MarginRatio:              MarginRatio(p.CollateralValue, p.DebtValue),
		Leverage:                 Leverage(p.CollateralValue, p.DebtValue),
		Tier:                     c.Tier(hf),
		DistanceToLiquidationPct: DistanceToLiquidationPct(hf),
		LiquidationPrice:         liqPrice,
		IsAtRisk:                 hf < c.th.AtRisk,
	}
}

// HealthFactor is the risk-adjusted collateral to debt ratio.
func (c *Calculator) HealthFactor(p PositionSnapshot) float64 {
	return HealthFactor(p.CollateralValue, p.DebtValue, c.th.LiquidationThreshold)
}

// Tier maps a health factor onto the configured tier table.
func (c *Calculator) Tier(hf float64) Tier {
	switch {
	case hf >= c.th.SafeMin:
		return TierSafe
	case hf >= c.th.CautionMin:
		return TierCaution
	case hf >= c.th.DangerMin:
		return TierDanger
	default:
		return TierCritical
	}
}

// HealthFactor computes collateral*threshold/debt.
func HealthFactor(collateral, debt, threshold float64) float64 {
	if collateral <= 0 {
		return 0
	}
	if debt <= 0 {
		return NoDebtHealthFactor
	}
	return collateral * threshold / debt
}

// MarginRatio is the equity share of collateral, clamped to [0,1].
func MarginRatio(collateral, debt float64) float64 {
	if collateral <= 0 {
		return 0
	}
	return clamp((collateral-debt)/collateral, 0, 1)
}

// Leverage is total position value over net equity.
func Leverage(collateral, debt float64) float64 {
	equity := collateral - debt
	if equity <= 0 {
		return UnderwaterLeverage
	}
	return collateral / equity
}

// DistanceToLiquidationPct is how far collateral may fall before the health factor reaches 1.
func DistanceToLiquidationPct(hf float64) float64 {
	if hf <= 1 {
		return 0
	}
	return math.Max(0, (hf-1)/hf*100)
}

// LiquidationPrice estimates the oracle price at which the health factor reaches 1.
func LiquidationPrice(oraclePrice, hf float64) float64 {
	if oraclePrice <= 0 || hf <= 0 || hf >= NoDebtHealthFactor {
		return 0
	}
	return oraclePrice / hf
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
