package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	listActiveAccountsSQL = `SELECT account_id, is_active, created_at
    FROM monitored_accounts
    WHERE is_active
    ORDER BY account_id;`

	upsertAccountSQL = `INSERT INTO monitored_accounts (account_id, is_active)
    VALUES ($1, $2)
    ON CONFLICT (account_id) DO UPDATE SET is_active = EXCLUDED.is_active;`

	insertSnapshotSQL = `INSERT INTO position_snapshots (
        account_id,
        collateral_value,
        debt_value,
        leverage,
        liquidation_price,
        oracle_price,
        health_factor,
        risk_score,
        tier,
        action,
        volatility_index,
        captured_at,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	snapshotColumns = `id,
        account_id,
        collateral_value::text,
        debt_value::text,
        leverage::text,
        liquidation_price::text,
        oracle_price::text,
        health_factor::text,
        risk_score::text,
        tier,
        action,
        volatility_index::text,
        captured_at,
        COALESCE(observed_at, captured_at)`

	latestSnapshotSQL = `SELECT ` + snapshotColumns + `
    FROM position_snapshots
    WHERE account_id = $1
    ORDER BY captured_at DESC
    LIMIT 1;`

	listRecentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM position_snapshots
    ORDER BY captured_at DESC
    LIMIT $1;`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM position_snapshots
    WHERE captured_at >= $1
      AND captured_at < $2
    ORDER BY captured_at;`

	deleteSnapshotsBeforeSQL = `DELETE FROM position_snapshots WHERE captured_at < $1;`

	upsertAlertSQL = `INSERT INTO risk_alerts (
        id,
        account_id,
        risk_score,
        cascade_probability,
        time_to_liquidation_hours,
        estimated_losses_usd,
        recommended_action,
        status,
        created_at,
        updated_at,
        acknowledged_at,
        resolved_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (id) DO UPDATE
    SET
        risk_score                = EXCLUDED.risk_score,
        cascade_probability       = EXCLUDED.cascade_probability,
        time_to_liquidation_hours = EXCLUDED.time_to_liquidation_hours,
        estimated_losses_usd      = EXCLUDED.estimated_losses_usd,
        recommended_action        = EXCLUDED.recommended_action,
        status                    = CASE
            WHEN risk_alerts.status = 'ACKNOWLEDGED' AND EXCLUDED.status = 'ACTIVE' THEN risk_alerts.status
            ELSE EXCLUDED.status
        END,
        updated_at                = EXCLUDED.updated_at,
        acknowledged_at           = COALESCE(risk_alerts.acknowledged_at, EXCLUDED.acknowledged_at),
        resolved_at               = EXCLUDED.resolved_at
    WHERE risk_alerts.status NOT IN ('RESOLVED', 'EXPIRED');`

	updateAlertStatusSQL = `UPDATE risk_alerts
    SET status          = $2,
        updated_at      = $3,
        acknowledged_at = CASE WHEN $2 = 'ACKNOWLEDGED' THEN $3 ELSE acknowledged_at END,
        resolved_at     = CASE WHEN $2 = 'RESOLVED' THEN $3 ELSE resolved_at END
    WHERE id = $1;`

	alertColumns = `id,
        account_id,
        risk_score::text,
        cascade_probability::text,
        time_to_liquidation_hours::text,
        estimated_losses_usd::text,
        recommended_action,
        status,
        created_at,
        updated_at,
        acknowledged_at,
        resolved_at`

	getAlertSQL = `SELECT ` + alertColumns + `
    FROM risk_alerts
    WHERE id = $1;`

	listOpenAlertsSQL = `SELECT ` + alertColumns + `
    FROM risk_alerts
    WHERE status IN ('ACTIVE', 'ACKNOWLEDGED')
    ORDER BY created_at;`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM risk_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM risk_alerts
    WHERE updated_at < $1
      AND status IN ('RESOLVED', 'EXPIRED');`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AccountStore lists the accounts under monitoring.
type AccountStore interface {
	ListActiveAccounts(ctx context.Context) ([]Account, error)
}

// SnapshotStore persists per-cycle position snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, rec SnapshotRecord) error
	LatestSnapshot(ctx context.Context, accountID string) (SnapshotRecord, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertStore persists alert state and history.
type AlertStore interface {
	UpsertAlert(ctx context.Context, rec AlertRecord) error
	UpdateAlertStatus(ctx context.Context, id, status string, at time.Time) error
	GetAlert(ctx context.Context, id string) (AlertRecord, error)
	ListOpenAlerts(ctx context.Context) ([]AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to accounts, snapshots and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListActiveAccounts returns accounts flagged for monitoring.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveAccountsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active accounts: %w", queryErr)
	}
	defer rows.Close()

	accounts := make([]Account, 0)
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return accounts, nil
}

// UpsertAccount adds an account or toggles its monitoring flag.
func (s *Store) UpsertAccount(ctx context.Context, id string, active bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertAccountSQL, id, active); execErr != nil {
		return fmt.Errorf("upsert account: %w", execErr)
	}
	return nil
}

// InsertSnapshot appends a snapshot row.
func (s *Store) InsertSnapshot(ctx context.Context, rec SnapshotRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertSnapshotSQL,
		rec.AccountID,
		rec.CollateralValue.String(),
		rec.DebtValue.String(),
		rec.Leverage.String(),
		rec.LiquidationPrice.String(),
		rec.OraclePrice.String(),
		rec.HealthFactor.String(),
		rec.RiskScore.String(),
		rec.Tier,
		rec.Action,
		rec.VolatilityIndex.String(),
		rec.CapturedAt,
		rec.PositionTime(),
	)
	if execErr != nil {
		return fmt.Errorf("insert snapshot: %w", execErr)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for an account or ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context, accountID string) (SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return SnapshotRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, latestSnapshotSQL, accountID)
	if queryErr != nil {
		return SnapshotRecord{}, fmt.Errorf("latest snapshot: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return SnapshotRecord{}, rows.Err()
		}
		return SnapshotRecord{}, fmt.Errorf("snapshot for %s: %w", accountID, ErrNotFound)
	}
	return scanSnapshot(rows)
}

// ListRecentSnapshots lists the newest snapshots across accounts.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	return collectSnapshots(rows, limit)
}

// ListSnapshotsBetween lists snapshots within a time window, oldest first.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	return collectSnapshots(rows, 0)
}

// DeleteSnapshotsBefore removes snapshots captured before the cut-off.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// UpsertAlert inserts or updates an alert. Closed rows are never reopened and
// an ACKNOWLEDGED row is not moved back to ACTIVE, so operator actions written
// by another process survive a concurrent monitor write.
func (s *Store) UpsertAlert(ctx context.Context, rec AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertAlertSQL,
		rec.ID,
		rec.AccountID,
		rec.RiskScore.String(),
		rec.CascadeProbability.String(),
		rec.TimeToLiquidationHours.String(),
		rec.EstimatedLossesUSD.String(),
		rec.RecommendedAction,
		rec.Status,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.AcknowledgedAt,
		rec.ResolvedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert alert: %w", execErr)
	}
	return nil
}

// UpdateAlertStatus records a lifecycle transition.
func (s *Store) UpdateAlertStatus(ctx context.Context, id, status string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateAlertStatusSQL, id, status, at)
	if execErr != nil {
		return fmt.Errorf("update alert status: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetAlert loads one alert or ErrNotFound.
func (s *Store) GetAlert(ctx context.Context, id string) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, getAlertSQL, id)
	if queryErr != nil {
		return AlertRecord{}, fmt.Errorf("get alert: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return AlertRecord{}, rows.Err()
		}
		return AlertRecord{}, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return scanAlert(rows)
}

// ListOpenAlerts returns ACTIVE and ACKNOWLEDGED alerts.
func (s *Store) ListOpenAlerts(ctx context.Context) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOpenAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list open alerts: %w", queryErr)
	}
	return collectAlerts(rows, 0)
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	return collectAlerts(rows, limit)
}

// DeleteAlertsBefore deletes closed alerts last touched before the cut-off.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]SnapshotRecord, error) {
	defer rows.Close()
	out := make([]SnapshotRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectAlerts(rows pgx.Rows, capacity int) ([]AlertRecord, error) {
	defer rows.Close()
	out := make([]AlertRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanSnapshot(rows pgx.Rows) (SnapshotRecord, error) {
	var (
		rec                                                         SnapshotRecord
		collateral, debt, leverage, liqPrice, oracle, hf, risk, vol string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.AccountID,
		&collateral,
		&debt,
		&leverage,
		&liqPrice,
		&oracle,
		&hf,
		&risk,
		&rec.Tier,
		&rec.Action,
		&vol,
		&rec.CapturedAt,
		&rec.ObservedAt,
	); err != nil {
		return SnapshotRecord{}, err
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"collateral value", collateral, &rec.CollateralValue},
		{"debt value", debt, &rec.DebtValue},
		{"leverage", leverage, &rec.Leverage},
		{"liquidation price", liqPrice, &rec.LiquidationPrice},
		{"oracle price", oracle, &rec.OraclePrice},
		{"health factor", hf, &rec.HealthFactor},
		{"risk score", risk, &rec.RiskScore},
		{"volatility index", vol, &rec.VolatilityIndex},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return rec, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec                        AlertRecord
		risk, prob, hours, losses  string
		acknowledgedAt, resolvedAt *time.Time
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.AccountID,
		&risk,
		&prob,
		&hours,
		&losses,
		&rec.RecommendedAction,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&acknowledgedAt,
		&resolvedAt,
	); err != nil {
		return AlertRecord{}, err
	}
	rec.AcknowledgedAt = acknowledgedAt
	rec.ResolvedAt = resolvedAt

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"risk score", risk, &rec.RiskScore},
		{"cascade probability", prob, &rec.CascadeProbability},
		{"time to liquidation", hours, &rec.TimeToLiquidationHours},
		{"estimated losses", losses, &rec.EstimatedLossesUSD},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return AlertRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return rec, nil
}

var (
	_ AccountStore   = (*Store)(nil)
	_ SnapshotStore  = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
