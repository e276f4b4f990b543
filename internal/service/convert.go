package service

import (
	"time"

	"github.com/shopspring/decimal"

	"liquidation-sentinel/internal/alerting"
	"liquidation-sentinel/internal/cascade"
	"liquidation-sentinel/internal/health"
	"liquidation-sentinel/internal/storage"
	"liquidation-sentinel/internal/volatility"
)

func snapshotRecord(snap health.PositionSnapshot, observed time.Time, score cascade.Score, vol volatility.Result, at time.Time) storage.SnapshotRecord {
	return storage.SnapshotRecord{
		AccountID:        score.AccountID,
		CollateralValue:  decimal.NewFromFloat(snap.CollateralValue),
		DebtValue:        decimal.NewFromFloat(snap.DebtValue),
		Leverage:         decimal.NewFromFloat(score.Health.Leverage),
		LiquidationPrice: decimal.NewFromFloat(score.Health.LiquidationPrice),
		OraclePrice:      decimal.NewFromFloat(snap.OraclePrice),
		HealthFactor:     decimal.NewFromFloat(score.Health.HealthFactor),
		RiskScore:        decimal.NewFromFloat(score.RiskScore).Round(4),
		Tier:             string(score.Health.Tier),
		Action:           string(score.RecommendedAction),
		VolatilityIndex:  decimal.NewFromFloat(vol.Value).Round(6),
		CapturedAt:       at,
		ObservedAt:       observed,
	}
}

func alertRecord(a alerting.Alert) storage.AlertRecord {
	return storage.AlertRecord{
		ID:                     a.ID,
		AccountID:              a.AccountID,
		RiskScore:              decimal.NewFromFloat(a.RiskScore).Round(4),
		CascadeProbability:     decimal.NewFromFloat(a.CascadeProbability).Round(6),
		TimeToLiquidationHours: decimal.NewFromFloat(a.TimeToLiquidationHours),
		EstimatedLossesUSD:     decimal.NewFromFloat(a.EstimatedLossesUSD).Round(2),
		RecommendedAction:      string(a.RecommendedAction),
		Status:                 string(a.Status),
		CreatedAt:              a.CreatedAt,
		UpdatedAt:              a.UpdatedAt,
		AcknowledgedAt:         a.AcknowledgedAt,
		ResolvedAt:             a.ResolvedAt,
	}
}

// AlertFromRecord converts a stored alert row.
func AlertFromRecord(rec storage.AlertRecord) alerting.Alert {
	return alerting.Alert{
		ID:                     rec.ID,
		AccountID:              rec.AccountID,
		RiskScore:              rec.RiskScore.InexactFloat64(),
		CascadeProbability:     rec.CascadeProbability.InexactFloat64(),
		TimeToLiquidationHours: rec.TimeToLiquidationHours.InexactFloat64(),
		EstimatedLossesUSD:     rec.EstimatedLossesUSD.InexactFloat64(),
		RecommendedAction:      cascade.Action(rec.RecommendedAction),
		Status:                 alerting.Status(rec.Status),
		CreatedAt:              rec.CreatedAt,
		UpdatedAt:              rec.UpdatedAt,
		AcknowledgedAt:         rec.AcknowledgedAt,
		ResolvedAt:             rec.ResolvedAt,
	}
}

