package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"wadispatch/internal/domain"
	"wadispatch/internal/store"
)

// ConsumeQuota is the only write path that decrements available balance
// for a send. Single transaction: the consumption insert and the guarded
// balance decrement commit or roll back together.
func (s *Store) ConsumeQuota(ctx context.Context, tenantID string, amount int64, key, reason string, now time.Time) (domain.ConsumeOutcome, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO quota_consumptions (idempotency_key, tenant_id, amount, reason, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, tenantID, amount, reason, now)
	if err != nil {
		return 0, err
	}
	if ct.RowsAffected() == 0 {
		// Replay: this key already charged. Balance untouched.
		if err := tx.Commit(ctx); err != nil {
			return 0, err
		}
		return domain.ConsumeSkippedAlreadyConsumed, nil
	}

	ct, err = tx.Exec(ctx, `
		UPDATE quota_balances SET available = available - $2, updated_at = $3
		WHERE tenant_id = $1 AND available >= $2
	`, tenantID, amount, now)
	if err != nil {
		return 0, err
	}
	if ct.RowsAffected() == 0 {
		return 0, domain.ErrInsufficientBalance
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return domain.ConsumeApplied, nil
}

func (s *Store) RollbackQuota(ctx context.Context, tenantID string, amount int64, key, reason string, now time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE quota_consumptions
		SET rolled_back_at=$2, rollback_reason=$3
		WHERE idempotency_key=$1 AND rolled_back_at IS NULL
	`, key, now, reason)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAlreadyRolledBack
	}

	if _, err := tx.Exec(ctx, `
		UPDATE quota_balances SET available = available + $2, updated_at = $3
		WHERE tenant_id = $1
	`, tenantID, amount, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) ReserveQuota(ctx context.Context, r store.Reservation) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE quota_balances
		SET available = available - $2, reserved = reserved + $2, updated_at = $3
		WHERE tenant_id = $1 AND available >= $2
	`, r.TenantID, r.Amount, r.CreatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO quota_reservations (id, tenant_id, amount, status, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, r.ID, r.TenantID, r.Amount, r.Status, r.ExpiresAt, r.CreatedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) ReleaseReservation(ctx context.Context, id string, now time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tenantID string
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE quota_reservations SET status='released', updated_at=$2
		WHERE id=$1 AND status='held'
		RETURNING tenant_id, amount
	`, id, now).Scan(&tenantID, &amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrReservationExpired
		}
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE quota_balances
		SET available = available + $2, reserved = reserved - $2, updated_at = $3
		WHERE tenant_id = $1
	`, tenantID, amount, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) ExpireReservations(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE quota_reservations SET status='released', updated_at=$1
		WHERE status='held' AND expires_at < $1
		RETURNING tenant_id, amount
	`, now)
	if err != nil {
		return 0, err
	}
	type refund struct {
		tenantID string
		amount   int64
	}
	var refunds []refund
	for rows.Next() {
		var r refund
		if err := rows.Scan(&r.tenantID, &r.amount); err != nil {
			rows.Close()
			return 0, err
		}
		refunds = append(refunds, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range refunds {
		if _, err := tx.Exec(ctx, `
			UPDATE quota_balances
			SET available = available + $2, reserved = reserved - $2, updated_at = $3
			WHERE tenant_id = $1
		`, r.tenantID, r.amount, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(refunds), nil
}

func (s *Store) GetBalance(ctx context.Context, tenantID string) (store.Balance, error) {
	var b store.Balance
	err := s.DB.QueryRow(ctx, `
		SELECT tenant_id, available, reserved FROM quota_balances WHERE tenant_id=$1
	`, tenantID).Scan(&b.TenantID, &b.Available, &b.Reserved)
	if err != nil {
		if err == pgx.ErrNoRows {
			return store.Balance{TenantID: tenantID}, nil
		}
		return store.Balance{}, err
	}
	return b, nil
}

// CreditBalance provisions or tops up a tenant balance. Used by seeding
// and tests; payment flows live outside this service.
func (s *Store) CreditBalance(ctx context.Context, tenantID string, amount int64, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO quota_balances (tenant_id, available, reserved, updated_at)
		VALUES ($1,$2,0,$3)
		ON CONFLICT (tenant_id)
		DO UPDATE SET available = quota_balances.available + $2, updated_at = $3
	`, tenantID, amount, now)
	return err
}
