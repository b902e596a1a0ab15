package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"wadispatch/internal/domain"
	"wadispatch/internal/store"
)

const attemptColumns = `
	idempotency_key, tenant_id, kind, COALESCE(campaign_id,''), COALESCE(target_id,''),
	to_phone, body, sender_identity, status, COALESCE(provider_msg_id,''),
	attempt_count, max_attempts, COALESCE(error_code,''),
	processing_started_at, retry_after, COALESCE(locked_by,''), locked_until,
	created_at, updated_at`

func scanAttempt(row pgx.Row) (domain.MessageAttempt, error) {
	var a domain.MessageAttempt
	var kind string
	var status string
	err := row.Scan(
		&a.IdempotencyKey, &a.TenantID, &kind, &a.CampaignID, &a.TargetID,
		&a.To, &a.Body, &a.SenderIdentity, &status, &a.ProviderMsgID,
		&a.AttemptCount, &a.MaxAttempts, &a.ErrorCode,
		&a.ProcessingAt, &a.RetryAfter, &a.LockedBy, &a.LockedUntil,
		&a.CreatedAt, &a.UpdatedAt,
	)
	a.Kind = domain.SendKind(kind)
	a.Status = domain.AttemptStatus(status)
	return a, err
}

func (s *Store) CreateAttemptIfAbsent(ctx context.Context, a domain.MessageAttempt) (domain.MessageAttempt, bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO message_attempts
			(idempotency_key, tenant_id, kind, campaign_id, target_id, to_phone, body,
			 sender_identity, status, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, a.IdempotencyKey, a.TenantID, string(a.Kind), nullIfEmpty(a.CampaignID), nullIfEmpty(a.TargetID),
		a.To, a.Body, a.SenderIdentity, string(a.Status), a.AttemptCount, a.MaxAttempts, a.CreatedAt)
	if err != nil {
		return domain.MessageAttempt{}, false, err
	}
	created := ct.RowsAffected() > 0
	rec, found, err := s.GetAttempt(ctx, a.IdempotencyKey)
	if err != nil {
		return domain.MessageAttempt{}, false, err
	}
	if !found {
		// Row vanished between insert and read; treat as not created so the
		// caller re-fetches.
		return domain.MessageAttempt{}, false, pgx.ErrNoRows
	}
	return rec, created, nil
}

func (s *Store) GetAttempt(ctx context.Context, key string) (domain.MessageAttempt, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+attemptColumns+` FROM message_attempts WHERE idempotency_key=$1`, key)
	a, err := scanAttempt(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.MessageAttempt{}, false, nil
		}
		return domain.MessageAttempt{}, false, err
	}
	return a, true, nil
}

func (s *Store) UpdateAttemptStatus(ctx context.Context, key string, from []domain.AttemptStatus, to domain.AttemptStatus, mut store.AttemptMutation, now time.Time) (bool, error) {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE message_attempts
		SET status=$2,
		    provider_msg_id=COALESCE($3, provider_msg_id),
		    error_code=COALESCE($4, error_code),
		    attempt_count=COALESCE($5, attempt_count),
		    retry_after=$6,
		    processing_started_at=$7,
		    updated_at=$8
		WHERE idempotency_key=$1 AND status = ANY($9)
	`, key, string(to), nullIfEmpty(mut.ProviderMsgID), nullIfEmpty(mut.ErrorCode),
		mut.AttemptCount, mut.RetryAfter, mut.ProcessingAt, now, fromStr)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) AcquireAttemptLock(ctx context.Context, key, owner string, until, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE message_attempts
		SET locked_by=$2, locked_until=$3
		WHERE idempotency_key=$1
		  AND (locked_by IS NULL OR locked_until < $4 OR locked_by=$2)
	`, key, owner, until, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ReleaseAttemptLock(ctx context.Context, key, owner string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE message_attempts SET locked_by=NULL, locked_until=NULL
		WHERE idempotency_key=$1 AND locked_by=$2
	`, key, owner)
	return err
}

func (s *Store) ReclaimStuckAttempts(ctx context.Context, before, now time.Time, limit int) ([]domain.MessageAttempt, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE message_attempts
		SET status='pending', locked_by=NULL, locked_until=NULL, updated_at=$2
		WHERE idempotency_key IN (
			SELECT idempotency_key FROM message_attempts
			WHERE status='sending' AND processing_started_at < $1
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+attemptColumns, before, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// DueRetryAttempts pops pending rows ready for redelivery: retries whose
// retry_after elapsed, plus orphans that were created but never picked up
// (no retry_after, never entered sending, untouched since orphanedBefore).
// Orphans cover a crash or enqueue failure between the ledger write and
// the queue write. Bumping updated_at keeps a still-undelivered orphan
// from matching again until another full orphan window passes.
func (s *Store) DueRetryAttempts(ctx context.Context, now, orphanedBefore time.Time, limit int) ([]domain.MessageAttempt, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE message_attempts
		SET retry_after=NULL, updated_at=$1
		WHERE idempotency_key IN (
			SELECT idempotency_key FROM message_attempts
			WHERE status='pending' AND attempt_count < max_attempts
			  AND ((retry_after IS NOT NULL AND retry_after <= $1)
			       OR (retry_after IS NULL AND processing_started_at IS NULL AND updated_at < $2))
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+attemptColumns, now, orphanedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]domain.MessageAttempt, error) {
	var out []domain.MessageAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// varsJSON round-trips the per-target template vars column.
func varsJSON(vars map[string]string) []byte {
	b, _ := json.Marshal(vars)
	return b
}
