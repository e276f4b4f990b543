package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"liquidation-sentinel/internal/health"
)

// Account is a monitored account row.
type Account struct {
	ID        string
	IsActive  bool
	CreatedAt time.Time
}

// SnapshotRecord is one persisted per-cycle view of an account.
type SnapshotRecord struct {
	ID               int64
	AccountID        string
	CollateralValue  decimal.Decimal
	DebtValue        decimal.Decimal
	Leverage         decimal.Decimal
	LiquidationPrice decimal.Decimal
	OraclePrice      decimal.Decimal
	HealthFactor     decimal.Decimal
	RiskScore        decimal.Decimal
	Tier             string
	Action           string
	VolatilityIndex  decimal.Decimal
	CapturedAt       time.Time
	// ObservedAt is when the position itself was seen. It trails CapturedAt
	// when a cycle re-scores a stored position.
	ObservedAt       time.Time
}

// PositionTime is when the position was observed, falling back to the
// capture time for rows written before observed_at existed.
func (r SnapshotRecord) PositionTime() time.Time {
	if r.ObservedAt.IsZero() {
		return r.CapturedAt
	}
	return r.ObservedAt
}

// Position converts the record back into scoring input.
func (r SnapshotRecord) Position() health.PositionSnapshot {
	return health.PositionSnapshot{
		AccountID:        r.AccountID,
		CollateralValue:  r.CollateralValue.InexactFloat64(),
		DebtValue:        r.DebtValue.InexactFloat64(),
		Leverage:         r.Leverage.InexactFloat64(),
		LiquidationPrice: r.LiquidationPrice.InexactFloat64(),
		OraclePrice:      r.OraclePrice.InexactFloat64(),
	}
}

// AlertRecord mirrors an alert for durable storage and audit.
type AlertRecord struct {
	ID                     string
	AccountID              string
	RiskScore              decimal.Decimal
	CascadeProbability     decimal.Decimal
	TimeToLiquidationHours decimal.Decimal
	EstimatedLossesUSD     decimal.Decimal
	RecommendedAction      string
	Status                 string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	AcknowledgedAt         *time.Time
	ResolvedAt             *time.Time
}
