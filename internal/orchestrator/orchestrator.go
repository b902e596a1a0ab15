// Package orchestrator turns "send campaign C" into bounded, rate-paced,
// resumable batches: claim pending targets exclusively, pre-flight the
// quota, enqueue one dispatch per target with a staggered delay, and
// self-schedule until finalization.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/observability"
	sqsqueue "wadispatch/internal/queue/sqs"
	"wadispatch/internal/store"
	"wadispatch/internal/util"
)

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error)
	SetCampaignStatus(ctx context.Context, id, status, pausedReason string, from []string, now time.Time) (bool, error)
	ClaimPendingTargets(ctx context.Context, campaignID string, limit int, now time.Time) ([]store.Target, error)
	ReleaseTargets(ctx context.Context, ids []string, now time.Time) error
	SetTargetStatus(ctx context.Context, id, status string, now time.Time) (bool, error)
	CountTargets(ctx context.Context, campaignID string) (store.TargetCounts, error)
	ResetStaleProcessing(ctx context.Context, campaignID string, before, now time.Time) (int, error)
	CompleteCampaign(ctx context.Context, id string, counts store.TargetCounts, now time.Time) (bool, error)
}

type Ledger interface {
	CreateIfAbsent(ctx context.Context, a domain.MessageAttempt) (domain.MessageAttempt, bool, error)
}

type Quota interface {
	Reserve(ctx context.Context, id, tenantID string, amount int64) (store.Reservation, error)
	Release(ctx context.Context, id string) error
	Balance(ctx context.Context, tenantID string) (store.Balance, error)
}

type Queue interface {
	EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error
	EnqueueCampaignPass(ctx context.Context, job sqsqueue.CampaignJob, delay time.Duration) error
}

type Config struct {
	BatchSize int
	// SendInterval is the stagger between consecutive targets in a batch
	// so the rate limiter sees smooth, not bursty, load.
	SendInterval time.Duration
	// PartialBatch dispatches the affordable prefix when the balance
	// cannot cover a full batch; false pauses the whole campaign instead.
	PartialBatch bool
	// ProcessingTimeout is how long a target may sit in processing before
	// finalization resets it to pending.
	ProcessingTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		SendInterval:      2 * time.Second,
		PartialBatch:      true,
		ProcessingTimeout: 10 * time.Minute,
	}
}

type Orchestrator struct {
	Campaigns CampaignStore
	Ledger    Ledger
	Quota     Quota
	Queue     Queue
	Cfg       Config
	NewResID  func() string
	Now       func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// RunPass claims and dispatches one batch. Safe to invoke concurrently
// for the same campaign: claims are row-locked and disjoint.
func (o *Orchestrator) RunPass(ctx context.Context, campaignID string) error {
	c, found, err := o.Campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("campaign pass for unknown campaign", "campaign_id", campaignID)
		return nil
	}
	if c.Status != string(domain.CampaignRunning) {
		slog.Info("campaign not running, pass skipped", "campaign_id", campaignID, "status", c.Status)
		return nil
	}

	targets, err := o.Campaigns.ClaimPendingTargets(ctx, campaignID, o.Cfg.BatchSize, o.now())
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return o.Finalize(ctx, campaignID)
	}

	targets, paused, err := o.preflight(ctx, c, targets)
	if err != nil {
		return err
	}
	if paused || len(targets) == 0 {
		return nil
	}

	for i, t := range targets {
		key := domain.CampaignKey(campaignID, t.ID)
		attempt := domain.MessageAttempt{
			IdempotencyKey: key,
			TenantID:       c.TenantID,
			Kind:           domain.KindCampaign,
			CampaignID:     campaignID,
			TargetID:       t.ID,
			To:             t.To,
			Body:           util.RenderTemplate(c.Body, t.Vars),
			SenderIdentity: c.SenderIdentity,
		}
		if _, _, err := o.Ledger.CreateIfAbsent(ctx, attempt); err != nil {
			return err
		}
		if _, err := o.Campaigns.SetTargetStatus(ctx, t.ID, string(domain.TargetQueued), o.now()); err != nil {
			return err
		}
		job := sqsqueue.DispatchJob{
			TenantID:       c.TenantID,
			IdempotencyKey: key,
			Kind:           string(domain.KindCampaign),
			CampaignID:     campaignID,
			TargetID:       t.ID,
			To:             t.To,
			Body:           attempt.Body,
			SenderIdentity: c.SenderIdentity,
		}
		if err := o.Queue.EnqueueDispatch(ctx, job, time.Duration(i)*o.Cfg.SendInterval); err != nil {
			return err
		}
	}
	observability.BatchesDispatched.Inc()
	slog.Info("campaign batch dispatched", "campaign_id", campaignID, "size", len(targets))

	// Next pass after the batch's expected completion, finalization once
	// nothing is pending.
	counts, err := o.Campaigns.CountTargets(ctx, campaignID)
	if err != nil {
		return err
	}
	next := sqsqueue.CampaignJob{CampaignID: campaignID}
	delay := time.Duration(len(targets))*o.Cfg.SendInterval + 30*time.Second
	if counts.Pending == 0 {
		next.Finalize = true
	}
	return o.Queue.EnqueueCampaignPass(ctx, next, delay)
}

// preflight reserves quota for the claimed batch and shrinks or pauses
// when the balance falls short. The hold is released as soon as the
// outcome is known; actual charging happens per message at send time.
func (o *Orchestrator) preflight(ctx context.Context, c store.Campaign, targets []store.Target) ([]store.Target, bool, error) {
	need := c.PricePerMessage * int64(len(targets))
	res, err := o.Quota.Reserve(ctx, o.NewResID(), c.TenantID, need)
	if err == nil {
		if rerr := o.Quota.Release(ctx, res.ID); rerr != nil && !errors.Is(rerr, domain.ErrReservationExpired) {
			slog.Warn("reservation release failed", "err", rerr, "reservation_id", res.ID)
		}
		return targets, false, nil
	}
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		return nil, false, err
	}

	affordable := 0
	if o.Cfg.PartialBatch && c.PricePerMessage > 0 {
		bal, berr := o.Quota.Balance(ctx, c.TenantID)
		if berr != nil {
			return nil, false, berr
		}
		affordable = int(bal.Available / c.PricePerMessage)
		if affordable > len(targets) {
			affordable = len(targets)
		}
	}

	if affordable == 0 {
		if err := o.releaseAll(ctx, targets); err != nil {
			return nil, false, err
		}
		ok, perr := o.Campaigns.SetCampaignStatus(ctx, c.ID, string(domain.CampaignPaused),
			domain.PauseInsufficientBalance, []string{string(domain.CampaignRunning)}, o.now())
		if perr != nil {
			return nil, false, perr
		}
		if ok {
			slog.Warn("campaign paused: balance cannot cover any of the batch", "campaign_id", c.ID, "tenant_id", c.TenantID)
		}
		observability.BatchesPaused.Inc()
		return nil, true, nil
	}

	if err := o.releaseAll(ctx, targets[affordable:]); err != nil {
		return nil, false, err
	}
	slog.Info("batch shrunk to affordable prefix",
		"campaign_id", c.ID, "claimed", len(targets), "affordable", affordable)
	return targets[:affordable], false, nil
}

func (o *Orchestrator) releaseAll(ctx context.Context, targets []store.Target) error {
	if len(targets) == 0 {
		return nil
	}
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	return o.Campaigns.ReleaseTargets(ctx, ids, o.now())
}

// Finalize re-aggregates target statuses. Targets stuck in processing
// past the timeout are reset to pending first, so a lost worker cannot
// hang the campaign forever.
func (o *Orchestrator) Finalize(ctx context.Context, campaignID string) error {
	now := o.now()
	reset, err := o.Campaigns.ResetStaleProcessing(ctx, campaignID, now.Add(-o.Cfg.ProcessingTimeout), now)
	if err != nil {
		return err
	}
	if reset > 0 {
		slog.Warn("reset stale processing targets", "campaign_id", campaignID, "count", reset)
	}

	counts, err := o.Campaigns.CountTargets(ctx, campaignID)
	if err != nil {
		return err
	}
	if counts.Remaining() > 0 {
		// Still in flight (or freshly reset): check again later.
		return o.Queue.EnqueueCampaignPass(ctx, sqsqueue.CampaignJob{CampaignID: campaignID, Finalize: counts.Pending == 0}, time.Minute)
	}

	done, err := o.Campaigns.CompleteCampaign(ctx, campaignID, counts, now)
	if err != nil {
		return err
	}
	if done {
		observability.CampaignsCompleted.Inc()
		slog.Info("campaign completed",
			"campaign_id", campaignID,
			"sent", counts.Sent, "failed", counts.Failed, "skipped", counts.Skipped)
	}
	return nil
}
