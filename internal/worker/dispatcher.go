// Package worker executes one dispatch attempt per queue delivery. The
// ledger's per-key lease plus the state-machine transition guard give
// at-most-one-effective-execution even though the queue is at-least-once.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wadispatch/internal/domain"
	"wadispatch/internal/observability"
	"wadispatch/internal/providers/wacloud"
	sqsqueue "wadispatch/internal/queue/sqs"
	"wadispatch/internal/store"
)

type Ledger interface {
	CreateIfAbsent(ctx context.Context, a domain.MessageAttempt) (domain.MessageAttempt, bool, error)
	Get(ctx context.Context, key string) (domain.MessageAttempt, bool, error)
	Transition(ctx context.Context, key string, from []domain.AttemptStatus, to domain.AttemptStatus, mut store.AttemptMutation) (domain.MessageAttempt, error)
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

type Quota interface {
	Consume(ctx context.Context, tenantID string, amount int64, key, reason string) (domain.ConsumeOutcome, error)
	Rollback(ctx context.Context, tenantID string, amount int64, key, reason string) error
}

type RateLimiter interface {
	CheckAndConsume(ctx context.Context, tenantID, identity, campaignID string) (domain.Decision, error)
	RecordSendResult(ctx context.Context, tenantID, identity string, success bool, errorCode string) error
}

type Sender interface {
	Send(ctx context.Context, req wacloud.SendRequest) (providerMsgID string, httpStatus int, err error)
}

type Queue interface {
	EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error
}

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error)
	SetCampaignStatus(ctx context.Context, id, status, pausedReason string, from []string, now time.Time) (bool, error)
	SetTargetStatus(ctx context.Context, id, status string, now time.Time) (bool, error)
}

type Dispatcher struct {
	Ledger    Ledger
	Quota     Quota
	Limiter   RateLimiter
	Sender    Sender
	Queue     Queue
	Campaigns CampaignStore
	Breaker   *gobreaker.CircuitBreaker
	Pace      *rate.Limiter

	WorkerID     string
	MessagePrice int64 // minor units, non-campaign sends
	LockTTL      time.Duration
	SendTimeout  time.Duration
	Now          func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) lockTTL() time.Duration {
	if d.LockTTL > 0 {
		return d.LockTTL
	}
	return 2 * time.Minute
}

func (d *Dispatcher) sendTimeout() time.Duration {
	if d.SendTimeout > 0 {
		return d.SendTimeout
	}
	return 60 * time.Second
}

// Process runs the full state machine for one delivery of a dispatch job.
// Business outcomes (rate limited, out of funds, permanent rejection) are
// absorbed here and never surface as job failures; only infrastructure
// errors propagate to the queue's redrive.
func (d *Dispatcher) Process(ctx context.Context, job sqsqueue.DispatchJob) error {
	key := job.IdempotencyKey

	rec, _, err := d.Ledger.CreateIfAbsent(ctx, attemptFromJob(job))
	if err != nil {
		return err
	}

	// Idempotent short-circuit: the primary anti-duplicate-send mechanism.
	if rec.Status == domain.StatusSent {
		observability.Dispatches.WithLabelValues("already_sent").Inc()
		return nil
	}
	if rec.Status.IsTerminal() {
		observability.Dispatches.WithLabelValues("terminal_skip").Inc()
		return nil
	}

	locked, err := d.Ledger.AcquireLock(ctx, key, d.WorkerID, d.lockTTL())
	if err != nil {
		return err
	}
	if !locked {
		slog.Info("dispatch lock held elsewhere, skipping", "key", key)
		observability.Dispatches.WithLabelValues("lock_busy").Inc()
		return nil
	}
	defer func() { _ = d.Ledger.ReleaseLock(context.WithoutCancel(ctx), key, d.WorkerID) }()

	// Re-read under the lease: a concurrent delivery can finish the send
	// between our short-circuit check and the acquire, and that is a
	// benign replay, not a transition violation.
	rec, found, err := d.Ledger.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("attempt row missing after lock acquire", "key", key)
		return nil
	}
	if rec.Status == domain.StatusSent {
		observability.Dispatches.WithLabelValues("already_sent").Inc()
		return nil
	}
	if rec.Status.IsTerminal() {
		observability.Dispatches.WithLabelValues("terminal_skip").Inc()
		return nil
	}

	decision, err := d.Limiter.CheckAndConsume(ctx, job.TenantID, job.SenderIdentity, job.CampaignID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		observability.Throttled.WithLabelValues(decision.Reason).Inc()
		delay := time.Duration(decision.DelaySeconds) * time.Second
		slog.Info("dispatch throttled", "key", key, "reason", decision.Reason, "delay", delay)
		return d.Queue.EnqueueDispatch(ctx, job, delay)
	}

	// Fresh campaign status check immediately before the money moves. A
	// send already past this point is allowed to complete.
	price := d.MessagePrice
	if job.CampaignID != "" {
		c, found, err := d.Campaigns.GetCampaign(ctx, job.CampaignID)
		if err != nil {
			return err
		}
		if !found {
			return d.failPermanent(ctx, job, d.MessagePrice, "campaign_missing", false)
		}
		if c.Status != string(domain.CampaignRunning) {
			slog.Info("campaign not running, expiring attempt", "key", key, "campaign_id", c.ID, "campaign_status", c.Status)
			if _, err := d.transition(ctx, key, domain.StatusExpired, store.AttemptMutation{ErrorCode: "campaign_" + c.Status}); err != nil {
				return err
			}
			d.markTarget(ctx, job, string(domain.TargetSkipped))
			observability.Dispatches.WithLabelValues("campaign_stopped").Inc()
			return nil
		}
		price = c.PricePerMessage
	}

	attempts := rec.AttemptCount
	if rec.Status != domain.StatusSending {
		attempts++
	}
	procAt := d.now()
	if _, err := d.Ledger.Transition(ctx, key,
		[]domain.AttemptStatus{domain.StatusPending, domain.StatusSending},
		domain.StatusSending,
		store.AttemptMutation{AttemptCount: &attempts, ProcessingAt: &procAt},
	); err != nil {
		var ite *domain.InvalidTransitionError
		if errors.As(err, &ite) {
			slog.Error("invalid ledger transition", "key", key, "from", ite.From, "to", ite.To)
			observability.InvalidTransitions.Inc()
			return nil
		}
		return err
	}

	outcome, err := d.Quota.Consume(ctx, job.TenantID, price, key, "message_send")
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			observability.QuotaDenied.Inc()
			return d.quotaExhausted(ctx, job)
		}
		return err
	}
	if outcome == domain.ConsumeSkippedAlreadyConsumed {
		slog.Info("quota already consumed for key, not charging again", "key", key)
	}

	providerMsgID, httpStatus, sendErr := d.send(ctx, job)

	if sendErr == nil {
		if rerr := d.Limiter.RecordSendResult(ctx, job.TenantID, job.SenderIdentity, true, ""); rerr != nil {
			slog.Warn("record send result failed", "err", rerr, "key", key)
		}
		if _, err := d.transition(ctx, key, domain.StatusSent, store.AttemptMutation{ProviderMsgID: providerMsgID}); err != nil {
			return err
		}
		d.markTarget(ctx, job, string(domain.TargetSent))
		observability.Dispatches.WithLabelValues("sent").Inc()
		slog.Info("message sent", "key", key, "provider_msg_id", providerMsgID, "attempt", attempts)
		return nil
	}

	if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
		// Provider protection, not a message failure: hand the attempt
		// back without burning a retry.
		observability.Dispatches.WithLabelValues("breaker_open").Inc()
		prev := rec.AttemptCount
		retryAt := d.now().Add(15 * time.Second)
		if _, err := d.transition(ctx, key, domain.StatusPending, store.AttemptMutation{AttemptCount: &prev, RetryAfter: &retryAt}); err != nil {
			return err
		}
		return d.Queue.EnqueueDispatch(ctx, job, 15*time.Second)
	}

	code := wacloud.ClassifyCode(sendErr, httpStatus)
	if rerr := d.Limiter.RecordSendResult(ctx, job.TenantID, job.SenderIdentity, false, code); rerr != nil {
		slog.Warn("record send result failed", "err", rerr, "key", key)
	}
	observability.SendFailures.WithLabelValues(code, strconv.Itoa(httpStatus)).Inc()

	if wacloud.ShouldRetry(sendErr, httpStatus) && attempts < rec.MaxAttempts {
		delay := RetryDelay(attempts)
		retryAt := d.now().Add(delay)
		slog.Info("retryable send failure", "key", key, "code", code, "attempt", attempts, "retry_in", delay)
		if _, err := d.transition(ctx, key, domain.StatusPending, store.AttemptMutation{ErrorCode: code, RetryAfter: &retryAt}); err != nil {
			return err
		}
		observability.Dispatches.WithLabelValues("retry_scheduled").Inc()
		return d.Queue.EnqueueDispatch(ctx, job, delay)
	}

	if wacloud.ShouldRetry(sendErr, httpStatus) {
		code = "retry_exhausted"
	}
	slog.Warn("permanent send failure", "key", key, "code", code, "attempt", attempts)
	pauseCampaign := code == domain.ErrCodeSpamBlock || code == domain.ErrCodePolicyBlock
	return d.failPermanent(ctx, job, price, code, pauseCampaign)
}

func (d *Dispatcher) send(ctx context.Context, job sqsqueue.DispatchJob) (string, int, error) {
	if d.Pace != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.Pace.Wait(waitCtx)
		cancel()
		if err != nil {
			// Could not even get a local token; treat like an open breaker.
			return "", 0, gobreaker.ErrOpenState
		}
	}

	call := func() (any, error) {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout())
		defer cancel()
		start := time.Now()
		id, status, err := d.Sender.Send(sendCtx, wacloud.SendRequest{To: job.To, Body: job.Body})
		observability.SendLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return sendOutcome{httpStatus: status}, err
		}
		return sendOutcome{providerMsgID: id, httpStatus: status}, nil
	}

	var res any
	var err error
	if d.Breaker != nil {
		res, err = d.Breaker.Execute(call)
	} else {
		res, err = call()
	}
	out, _ := res.(sendOutcome)
	return out.providerMsgID, out.httpStatus, err
}

type sendOutcome struct {
	providerMsgID string
	httpStatus    int
}

func (d *Dispatcher) quotaExhausted(ctx context.Context, job sqsqueue.DispatchJob) error {
	key := job.IdempotencyKey
	if _, err := d.transition(ctx, key, domain.StatusFailedPermanent, store.AttemptMutation{ErrorCode: "quota_exhausted"}); err != nil {
		return err
	}
	d.markTarget(ctx, job, string(domain.TargetFailed))
	if job.CampaignID != "" {
		ok, err := d.Campaigns.SetCampaignStatus(ctx, job.CampaignID, string(domain.CampaignPaused),
			domain.PauseInsufficientBalance, []string{string(domain.CampaignRunning)}, d.now())
		if err != nil {
			return err
		}
		if ok {
			slog.Warn("campaign paused: tenant out of quota", "campaign_id", job.CampaignID, "tenant_id", job.TenantID)
		}
	}
	observability.Dispatches.WithLabelValues("quota_exhausted").Inc()
	return nil
}

// failPermanent finalizes the attempt and refunds quota: a message that
// never left the system must not stay charged. The rollback is keyed, so
// a replay hitting this path again is a no-op.
func (d *Dispatcher) failPermanent(ctx context.Context, job sqsqueue.DispatchJob, price int64, code string, pauseCampaign bool) error {
	key := job.IdempotencyKey
	if _, err := d.transition(ctx, key, domain.StatusFailedPermanent, store.AttemptMutation{ErrorCode: code}); err != nil {
		return err
	}
	if err := d.Quota.Rollback(ctx, job.TenantID, price, key, code); err != nil && !errors.Is(err, domain.ErrAlreadyRolledBack) {
		return err
	}
	d.markTarget(ctx, job, string(domain.TargetFailed))
	if pauseCampaign && job.CampaignID != "" {
		ok, err := d.Campaigns.SetCampaignStatus(ctx, job.CampaignID, string(domain.CampaignPaused),
			domain.PauseTransportErrors, []string{string(domain.CampaignRunning)}, d.now())
		if err != nil {
			return err
		}
		if ok {
			slog.Warn("campaign paused: transport rejecting sends", "campaign_id", job.CampaignID, "code", code)
		}
	}
	observability.Dispatches.WithLabelValues("failed_permanent").Inc()
	return nil
}

// transition moves the attempt out of its in-flight state. We hold the
// per-key lease here, so pending and sending are both legitimate sources;
// the guard exists to keep terminal states terminal.
func (d *Dispatcher) transition(ctx context.Context, key string, to domain.AttemptStatus, mut store.AttemptMutation) (domain.MessageAttempt, error) {
	rec, err := d.Ledger.Transition(ctx, key, []domain.AttemptStatus{domain.StatusPending, domain.StatusSending}, to, mut)
	if err != nil {
		var ite *domain.InvalidTransitionError
		if errors.As(err, &ite) {
			slog.Error("invalid ledger transition", "key", key, "from", ite.From, "to", ite.To)
			observability.InvalidTransitions.Inc()
		}
		return rec, err
	}
	return rec, nil
}

func (d *Dispatcher) markTarget(ctx context.Context, job sqsqueue.DispatchJob, status string) {
	if job.TargetID == "" {
		return
	}
	if _, err := d.Campaigns.SetTargetStatus(ctx, job.TargetID, status, d.now()); err != nil {
		slog.Warn("target status update failed", "err", err, "target_id", job.TargetID, "status", status)
	}
}

func attemptFromJob(job sqsqueue.DispatchJob) domain.MessageAttempt {
	return domain.MessageAttempt{
		IdempotencyKey: job.IdempotencyKey,
		TenantID:       job.TenantID,
		Kind:           domain.SendKind(job.Kind),
		CampaignID:     job.CampaignID,
		TargetID:       job.TargetID,
		To:             job.To,
		Body:           job.Body,
		SenderIdentity: job.SenderIdentity,
	}
}
