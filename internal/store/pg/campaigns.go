package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"wadispatch/internal/store"
)

func (s *Store) InsertCampaign(ctx context.Context, c store.Campaign) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, status, sender_identity, body, price_per_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	`, c.ID, c.TenantID, c.Status, c.SenderIdentity, c.Body, c.PricePerMessage, c.CreatedAt)
	return err
}

func (s *Store) InsertTargets(ctx context.Context, targets []store.Target) error {
	for _, t := range targets {
		if _, err := s.DB.Exec(ctx, `
			INSERT INTO campaign_targets (id, campaign_id, to_phone, vars_json, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$6)
		`, t.ID, t.CampaignID, t.To, varsJSON(t.Vars), t.Status, t.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error) {
	var c store.Campaign
	err := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, status, COALESCE(paused_reason,''), sender_identity, body,
		       price_per_message, sent_count, failed_count, skipped_count, created_at, updated_at
		FROM campaigns WHERE id=$1
	`, id).Scan(&c.ID, &c.TenantID, &c.Status, &c.PausedReason, &c.SenderIdentity, &c.Body,
		&c.PricePerMessage, &c.SentCount, &c.FailedCount, &c.SkippedCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return store.Campaign{}, false, nil
		}
		return store.Campaign{}, false, err
	}
	return c, true, nil
}

// SetCampaignStatus performs a guarded status change; the from set keeps
// two control planes (API and orchestrator) from fighting over terminal
// states.
func (s *Store) SetCampaignStatus(ctx context.Context, id, status, pausedReason string, from []string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, paused_reason=$3, updated_at=$4
		WHERE id=$1 AND status = ANY($5)
	`, id, status, nullIfEmpty(pausedReason), now, from)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ClaimPendingTargets marks up to limit pending targets as processing in
// one exclusive pass. SKIP LOCKED makes two concurrent orchestrator
// instances claim disjoint rows.
func (s *Store) ClaimPendingTargets(ctx context.Context, campaignID string, limit int, now time.Time) ([]store.Target, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE campaign_targets
		SET status='processing', updated_at=$3
		WHERE id IN (
			SELECT id FROM campaign_targets
			WHERE campaign_id=$1 AND status='pending'
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campaign_id, to_phone, vars_json, status, created_at, updated_at
	`, campaignID, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTargets(rows)
}

func (s *Store) ReleaseTargets(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE campaign_targets SET status='pending', updated_at=$2
		WHERE id = ANY($1) AND status='processing'
	`, ids, now)
	return err
}

// SetTargetStatus moves a target to a terminal-ish status exactly once:
// rows already sent/failed/skipped are left alone.
func (s *Store) SetTargetStatus(ctx context.Context, id, status string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_targets SET status=$2, updated_at=$3
		WHERE id=$1 AND status IN ('pending','queued','processing')
	`, id, status, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CountTargets(ctx context.Context, campaignID string) (store.TargetCounts, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT status, COUNT(*) FROM campaign_targets WHERE campaign_id=$1 GROUP BY status
	`, campaignID)
	if err != nil {
		return store.TargetCounts{}, err
	}
	defer rows.Close()

	var c store.TargetCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return store.TargetCounts{}, err
		}
		switch status {
		case "pending":
			c.Pending = n
		case "queued":
			c.Queued = n
		case "processing":
			c.Processing = n
		case "sent":
			c.Sent = n
		case "failed":
			c.Failed = n
		case "skipped":
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

// ResetStaleProcessing returns targets stuck in processing or queued
// past the cutoff to pending so a lost worker cannot hang campaign
// finalization. Stale queued rows happen when the orchestrator died
// between marking the target and enqueueing its dispatch.
func (s *Store) ResetStaleProcessing(ctx context.Context, campaignID string, before, now time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_targets SET status='pending', updated_at=$3
		WHERE campaign_id=$1 AND status IN ('processing','queued') AND updated_at < $2
	`, campaignID, before, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) CompleteCampaign(ctx context.Context, id string, counts store.TargetCounts, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status='completed', sent_count=$2, failed_count=$3, skipped_count=$4, updated_at=$5
		WHERE id=$1 AND status='running'
	`, id, counts.Sent, counts.Failed, counts.Skipped, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func collectTargets(rows pgx.Rows) ([]store.Target, error) {
	var out []store.Target
	for rows.Next() {
		var t store.Target
		var vars []byte
		if err := rows.Scan(&t.ID, &t.CampaignID, &t.To, &vars, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(vars, &t.Vars)
		out = append(out, t)
	}
	return out, rows.Err()
}
