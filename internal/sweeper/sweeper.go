// Package sweeper reclaims work the queue lost: attempts stuck in
// "sending" after a crashed worker, pending retries whose queue message
// never arrived, and reservations a dead orchestrator left held. All
// three sweeps only touch rows matching a strict staleness predicate, so
// they are safe to run alongside live workers.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/observability"
	sqsqueue "wadispatch/internal/queue/sqs"
)

type Ledger interface {
	ReclaimStuck(ctx context.Context, staleness time.Duration, limit int) ([]domain.MessageAttempt, error)
	DueRetries(ctx context.Context, orphanAge time.Duration, limit int) ([]domain.MessageAttempt, error)
}

type Quota interface {
	ExpireStale(ctx context.Context) (int, error)
}

type Queue interface {
	EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error
}

type Sweeper struct {
	Ledger Ledger
	Quota  Quota
	Queue  Queue

	Staleness time.Duration
	// OrphanAge must exceed the queue's 15 minute delay ceiling so a
	// staggered send still waiting for delivery is not mistaken for a
	// row that never reached the queue.
	OrphanAge  time.Duration
	BatchLimit int
}

func New(l Ledger, q Quota, queue Queue) *Sweeper {
	return &Sweeper{Ledger: l, Quota: q, Queue: queue, Staleness: 5 * time.Minute, OrphanAge: 20 * time.Minute, BatchLimit: 100}
}

// SweepStuck resets sending-state attempts older than the staleness
// window and puts them back on the queue.
func (s *Sweeper) SweepStuck(ctx context.Context) error {
	attempts, err := s.Ledger.ReclaimStuck(ctx, s.Staleness, s.BatchLimit)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		slog.Warn("reclaimed stuck attempt", "key", a.IdempotencyKey, "attempt_count", a.AttemptCount)
		if err := s.Queue.EnqueueDispatch(ctx, jobFromAttempt(a), 0); err != nil {
			return err
		}
		observability.StuckReclaimed.Inc()
	}
	return nil
}

// SweepRetries re-enqueues pending attempts whose retry_after elapsed,
// and orphaned rows that were written but never reached the queue. The
// ledger clears retry_after on the way out, so a given retry fires once
// per elapse even across overlapping sweeps.
func (s *Sweeper) SweepRetries(ctx context.Context) error {
	attempts, err := s.Ledger.DueRetries(ctx, s.OrphanAge, s.BatchLimit)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		if err := s.Queue.EnqueueDispatch(ctx, jobFromAttempt(a), 0); err != nil {
			return err
		}
		observability.RetriesRequeued.Inc()
	}
	if len(attempts) > 0 {
		slog.Info("requeued due retries", "count", len(attempts))
	}
	return nil
}

// SweepReservations expires quota holds past their TTL.
func (s *Sweeper) SweepReservations(ctx context.Context) error {
	n, err := s.Quota.ExpireStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("expired leaked quota reservations", "count", n)
		observability.ReservationsExpired.Add(float64(n))
	}
	return nil
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
