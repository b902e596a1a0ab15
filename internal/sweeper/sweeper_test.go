package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/domain"
	sqsqueue "wadispatch/internal/queue/sqs"
)

type fakeLedger struct {
	mu      sync.Mutex
	stuck   []domain.MessageAttempt
	retries []domain.MessageAttempt
}

func (f *fakeLedger) ReclaimStuck(ctx context.Context, staleness time.Duration, limit int) ([]domain.MessageAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.stuck
	f.stuck = nil // reclaimed rows go back to pending; a second sweep sees nothing
	if len(out) > limit {
		f.stuck = out[limit:]
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedger) DueRetries(ctx context.Context, orphanAge time.Duration, limit int) ([]domain.MessageAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.retries
	f.retries = nil
	if len(out) > limit {
		f.retries = out[limit:]
		out = out[:limit]
	}
	return out, nil
}

type fakeQuota struct {
	expired int
}

func (f *fakeQuota) ExpireStale(ctx context.Context) (int, error) {
	n := f.expired
	f.expired = 0
	return n, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []sqsqueue.DispatchJob
}

func (f *fakeQueue) EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func stuckAttempt(key string) domain.MessageAttempt {
	return domain.MessageAttempt{
		IdempotencyKey: key,
		TenantID:       "t1",
		Kind:           domain.KindCampaign,
		CampaignID:     "cmp_1",
		TargetID:       "tgt_1",
		To:             "+15550001111",
		Body:           "hi",
		SenderIdentity: "num1",
		Status:         domain.StatusPending,
		AttemptCount:   1,
	}
}

func TestSweepStuckRequeuesOnce(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{stuck: []domain.MessageAttempt{stuckAttempt("k1"), stuckAttempt("k2")}}
	queue := &fakeQueue{}
	s := New(ledger, &fakeQuota{}, queue)

	if err := s.SweepStuck(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(queue.jobs) != 2 {
		t.Fatalf("expected 2 requeues, got %d", len(queue.jobs))
	}
	if queue.jobs[0].IdempotencyKey != "k1" || queue.jobs[0].CampaignID != "cmp_1" {
		t.Fatalf("job lost attempt fields: %+v", queue.jobs[0])
	}

	// Reclaim is consuming: the next sweep finds nothing.
	if err := s.SweepStuck(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(queue.jobs) != 2 {
		t.Fatalf("second sweep must not requeue again, got %d", len(queue.jobs))
	}
}

func TestSweepRetriesRequeuesDueAttempts(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{retries: []domain.MessageAttempt{stuckAttempt("k1")}}
	queue := &fakeQueue{}
	s := New(ledger, &fakeQuota{}, queue)

	if err := s.SweepRetries(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].IdempotencyKey != "k1" {
		t.Fatalf("expected k1 requeued, got %+v", queue.jobs)
	}
}

func TestSweepReservations(t *testing.T) {
	ctx := context.Background()
	s := New(&fakeLedger{}, &fakeQuota{expired: 3}, &fakeQueue{})
	if err := s.SweepReservations(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func TestBatchLimitBoundsSweep(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{}
	for i := 0; i < 150; i++ {
		ledger.stuck = append(ledger.stuck, stuckAttempt("k"))
	}
	queue := &fakeQueue{}
	s := New(ledger, &fakeQuota{}, queue)

	if err := s.SweepStuck(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(queue.jobs) != s.BatchLimit {
		t.Fatalf("expected %d requeues in one sweep, got %d", s.BatchLimit, len(queue.jobs))
	}
}
