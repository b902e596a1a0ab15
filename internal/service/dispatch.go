// Package service is the API-side entry point: it writes the ledger row
// for a logical send and enqueues the dispatch job. Replayed HTTP
// requests map onto the same idempotency key and get the existing row
// back instead of a second enqueue.
package service

import (
	"context"
	"log/slog"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/observability"
	sqsqueue "wadispatch/internal/queue/sqs"
	"wadispatch/internal/store"
	"wadispatch/internal/util"
)

type Ledger interface {
	CreateIfAbsent(ctx context.Context, a domain.MessageAttempt) (domain.MessageAttempt, bool, error)
	Get(ctx context.Context, key string) (domain.MessageAttempt, bool, error)
}

type Quota interface {
	Balance(ctx context.Context, tenantID string) (store.Balance, error)
}

type Campaigns interface {
	InsertCampaign(ctx context.Context, c store.Campaign) error
	InsertTargets(ctx context.Context, targets []store.Target) error
	GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error)
	SetCampaignStatus(ctx context.Context, id, status, pausedReason string, from []string, now time.Time) (bool, error)
	CountTargets(ctx context.Context, campaignID string) (store.TargetCounts, error)
}

type Queue interface {
	EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error
	EnqueueCampaignPass(ctx context.Context, job sqsqueue.CampaignJob, delay time.Duration) error
}

type DispatchService struct {
	Ledger    Ledger
	Quota     Quota
	Campaigns Campaigns
	Queue     Queue
}

// SendDirect handles an API-triggered single send. The idempotency key is
// derived from tenant and caller request ID, so the same request replayed
// returns the original attempt without a second enqueue.
func (s *DispatchService) SendDirect(ctx context.Context, req domain.SendRequest) (domain.DispatchResponse, error) {
	key := domain.APIKey(req.TenantID, req.RequestID)
	return s.createAndEnqueue(ctx, domain.MessageAttempt{
		IdempotencyKey: key,
		TenantID:       req.TenantID,
		Kind:           domain.KindAPI,
		To:             util.NormalizePhone(req.To),
		Body:           util.RenderTemplate(req.Body, req.Vars),
		SenderIdentity: req.SenderIdentity,
	})
}

// SendInboxReply dispatches one operator reply. The key carries a fresh
// UUID: each reply is a distinct logical send, and the key is minted
// exactly once here before anything can fail.
func (s *DispatchService) SendInboxReply(ctx context.Context, req domain.InboxReplyRequest) (domain.DispatchResponse, error) {
	key := domain.InboxKey(req.ConversationID)
	return s.createAndEnqueue(ctx, domain.MessageAttempt{
		IdempotencyKey: key,
		TenantID:       req.TenantID,
		Kind:           domain.KindInbox,
		To:             util.NormalizePhone(req.To),
		Body:           req.Body,
		SenderIdentity: req.SenderIdentity,
	})
}

func (s *DispatchService) createAndEnqueue(ctx context.Context, a domain.MessageAttempt) (domain.DispatchResponse, error) {
	rec, created, err := s.Ledger.CreateIfAbsent(ctx, a)
	if err != nil {
		return domain.DispatchResponse{}, err
	}
	if !created {
		// A pending row with no retry_after may be stranded: the row was
		// written but the enqueue below failed or the process died first.
		// Re-enqueue on replay; the worker's lease and transition guard
		// make a duplicate delivery a no-op.
		if rec.Status == domain.StatusPending && rec.RetryAfter == nil {
			if err := s.Queue.EnqueueDispatch(ctx, jobFromAttempt(rec), 0); err != nil {
				observability.Enqueues.WithLabelValues("error").Inc()
				return domain.DispatchResponse{}, err
			}
			observability.Enqueues.WithLabelValues("replay").Inc()
		}
		return domain.DispatchResponse{IdempotencyKey: rec.IdempotencyKey, Status: string(rec.Status)}, nil
	}

	if err := s.Queue.EnqueueDispatch(ctx, jobFromAttempt(a), 0); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		// Row stays pending. Recovery is double-covered: a replay of the
		// same request ID re-enqueues above, and the sweeper picks up
		// pending rows that never reached the queue.
		return domain.DispatchResponse{}, err
	}
	observability.Enqueues.WithLabelValues("ok").Inc()

	return domain.DispatchResponse{IdempotencyKey: a.IdempotencyKey, Status: string(domain.StatusPending)}, nil
}

func jobFromAttempt(a domain.MessageAttempt) sqsqueue.DispatchJob {
	return sqsqueue.DispatchJob{
		TenantID:       a.TenantID,
		IdempotencyKey: a.IdempotencyKey,
		Kind:           string(a.Kind),
		CampaignID:     a.CampaignID,
		TargetID:       a.TargetID,
		To:             a.To,
		Body:           a.Body,
		SenderIdentity: a.SenderIdentity,
	}
}

func (s *DispatchService) GetAttempt(ctx context.Context, key string) (domain.MessageAttempt, bool, error) {
	return s.Ledger.Get(ctx, key)
}

func (s *DispatchService) GetBalance(ctx context.Context, tenantID string) (store.Balance, error) {
	return s.Quota.Balance(ctx, tenantID)
}

func (s *DispatchService) CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest, now time.Time) (store.Campaign, error) {
	c := store.Campaign{
		ID:              util.NewCampaignID(),
		TenantID:        req.TenantID,
		Status:          string(domain.CampaignDraft),
		SenderIdentity:  req.SenderIdentity,
		Body:            req.Body,
		PricePerMessage: req.PricePerMessage,
		CreatedAt:       now,
	}
	if err := s.Campaigns.InsertCampaign(ctx, c); err != nil {
		return store.Campaign{}, err
	}

	targets := make([]store.Target, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = store.Target{
			ID:         util.NewTargetID(),
			CampaignID: c.ID,
			To:         util.NormalizePhone(t.To),
			Vars:       t.Vars,
			Status:     string(domain.TargetPending),
			CreatedAt:  now,
		}
	}
	if err := s.Campaigns.InsertTargets(ctx, targets); err != nil {
		return store.Campaign{}, err
	}
	slog.Info("campaign created", "campaign_id", c.ID, "tenant_id", c.TenantID, "targets", len(targets))
	return c, nil
}

// StartCampaign moves draft or paused to running and kicks the first
// orchestrator pass.
func (s *DispatchService) StartCampaign(ctx context.Context, id string, now time.Time) (bool, error) {
	ok, err := s.Campaigns.SetCampaignStatus(ctx, id, string(domain.CampaignRunning), "",
		[]string{string(domain.CampaignDraft), string(domain.CampaignPaused)}, now)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.Queue.EnqueueCampaignPass(ctx, sqsqueue.CampaignJob{CampaignID: id}, 0)
}

func (s *DispatchService) PauseCampaign(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.Campaigns.SetCampaignStatus(ctx, id, string(domain.CampaignPaused), domain.PauseOperator,
		[]string{string(domain.CampaignRunning)}, now)
}

func (s *DispatchService) CancelCampaign(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.Campaigns.SetCampaignStatus(ctx, id, string(domain.CampaignCancelled), "",
		[]string{string(domain.CampaignDraft), string(domain.CampaignRunning), string(domain.CampaignPaused)}, now)
}

type CampaignStatus struct {
	Campaign store.Campaign
	Counts   store.TargetCounts
}

func (s *DispatchService) GetCampaignStatus(ctx context.Context, id string) (CampaignStatus, bool, error) {
	c, found, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil || !found {
		return CampaignStatus{}, found, err
	}
	counts, err := s.Campaigns.CountTargets(ctx, id)
	if err != nil {
		return CampaignStatus{}, true, err
	}
	return CampaignStatus{Campaign: c, Counts: counts}, true, nil
}
