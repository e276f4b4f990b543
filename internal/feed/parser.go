package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"liquidation-sentinel/internal/health"
)

// Update is one position snapshot pushed by the feed.
type Update struct {
	Snapshot   health.PositionSnapshot
	ReceivedAt time.Time
}

// Parser turns a raw feed message into a position update. Returning ok=false
// marks a control message (ack, heartbeat) that carries no position.
type Parser interface {
	Parse(msg []byte) (health.PositionSnapshot, bool, error)
}

type envelope struct {
	Type      string          `json:"type"`
	AccountID string          `json:"accountId"`
	Data      json.RawMessage `json:"data"`
}

type positionData struct {
	CollateralValue  decimal.Decimal  `json:"collateralValue"`
	DebtValue        decimal.Decimal  `json:"debtValue"`
	Leverage         *decimal.Decimal `json:"leverage"`
	LiquidationPrice decimal.Decimal  `json:"liquidationPrice"`
	OraclePrice      decimal.Decimal  `json:"oraclePrice"`
}

// JSONParser decodes `{"accountId": "...", "data": {...}}` messages whose
// money fields may be JSON numbers or decimal strings.
type JSONParser struct{}

func (JSONParser) Parse(msg []byte) (health.PositionSnapshot, bool, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return health.PositionSnapshot{}, false, fmt.Errorf("decode feed message: %w", err)
	}
	if env.Type != "" && env.Type != "position" {
		return health.PositionSnapshot{}, false, nil
	}
	if env.AccountID == "" {
		return health.PositionSnapshot{}, false, fmt.Errorf("feed message without accountId: %w", health.ErrInvalidSnapshot)
	}
	if len(env.Data) == 0 {
		return health.PositionSnapshot{}, false, fmt.Errorf("feed message for %s without data: %w", env.AccountID, health.ErrInvalidSnapshot)
	}

	var data positionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return health.PositionSnapshot{}, false, fmt.Errorf("decode position for %s: %w: %w", env.AccountID, health.ErrInvalidSnapshot, err)
	}

	snap := health.PositionSnapshot{
		AccountID:        env.AccountID,
		CollateralValue:  data.CollateralValue.InexactFloat64(),
		DebtValue:        data.DebtValue.InexactFloat64(),
		LiquidationPrice: data.LiquidationPrice.InexactFloat64(),
		OraclePrice:      data.OraclePrice.InexactFloat64(),
	}
	if data.Leverage != nil {
		snap.Leverage = data.Leverage.InexactFloat64()
	} else {
		snap.Leverage = health.Leverage(snap.CollateralValue, snap.DebtValue)
	}
	if err := snap.Validate(); err != nil {
		return health.PositionSnapshot{}, false, err
	}
	return snap, true, nil
}

var _ Parser = JSONParser{}
