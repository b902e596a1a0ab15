package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/domain"
	sqsqueue "wadispatch/internal/queue/sqs"
	"wadispatch/internal/store"
)

type fakeCampaigns struct {
	mu        sync.Mutex
	campaigns map[string]store.Campaign
	targets   map[string]store.Target
	completed map[string]store.TargetCounts
}

func newFakeCampaigns() *fakeCampaigns {
	return &fakeCampaigns{
		campaigns: make(map[string]store.Campaign),
		targets:   make(map[string]store.Target),
		completed: make(map[string]store.TargetCounts),
	}
}

func (f *fakeCampaigns) GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	return c, ok, nil
}

func (f *fakeCampaigns) SetCampaignStatus(ctx context.Context, id, status, pausedReason string, from []string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = status
			c.PausedReason = pausedReason
			f.campaigns[id] = c
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCampaigns) ClaimPendingTargets(ctx context.Context, campaignID string, limit int, now time.Time) ([]store.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, t := range f.targets {
		if t.CampaignID == campaignID && t.Status == "pending" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]store.Target, 0, len(ids))
	for _, id := range ids {
		t := f.targets[id]
		t.Status = "processing"
		f.targets[id] = t
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeCampaigns) ReleaseTargets(ctx context.Context, ids []string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		t, ok := f.targets[id]
		if ok && t.Status == "processing" {
			t.Status = "pending"
			f.targets[id] = t
		}
	}
	return nil
}

func (f *fakeCampaigns) SetTargetStatus(ctx context.Context, id, status string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok {
		return false, nil
	}
	switch t.Status {
	case "pending", "queued", "processing":
		t.Status = status
		f.targets[id] = t
		return true, nil
	}
	return false, nil
}

func (f *fakeCampaigns) CountTargets(ctx context.Context, campaignID string) (store.TargetCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c store.TargetCounts
	for _, t := range f.targets {
		if t.CampaignID != campaignID {
			continue
		}
		switch t.Status {
		case "pending":
			c.Pending++
		case "queued":
			c.Queued++
		case "processing":
			c.Processing++
		case "sent":
			c.Sent++
		case "failed":
			c.Failed++
		case "skipped":
			c.Skipped++
		}
	}
	return c, nil
}

func (f *fakeCampaigns) ResetStaleProcessing(ctx context.Context, campaignID string, before, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, t := range f.targets {
		if t.CampaignID != campaignID || !t.UpdatedAt.Before(before) {
			continue
		}
		if t.Status == "processing" || t.Status == "queued" {
			t.Status = "pending"
			f.targets[id] = t
			n++
		}
	}
	return n, nil
}

func (f *fakeCampaigns) CompleteCampaign(ctx context.Context, id string, counts store.TargetCounts, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.Status != "running" {
		return false, nil
	}
	c.Status = "completed"
	f.campaigns[id] = c
	f.completed[id] = counts
	return true, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	attempts map[string]domain.MessageAttempt
}

func (f *fakeLedger) CreateIfAbsent(ctx context.Context, a domain.MessageAttempt) (domain.MessageAttempt, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = make(map[string]domain.MessageAttempt)
	}
	if cur, ok := f.attempts[a.IdempotencyKey]; ok {
		return cur, false, nil
	}
	a.Status = domain.StatusPending
	f.attempts[a.IdempotencyKey] = a
	return a, true, nil
}

type fakeQuota struct {
	mu        sync.Mutex
	available int64
	reserves  []int64
	released  []string
}

func (f *fakeQuota) Reserve(ctx context.Context, id, tenantID string, amount int64) (store.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.available < amount {
		return store.Reservation{}, domain.ErrInsufficientBalance
	}
	f.reserves = append(f.reserves, amount)
	return store.Reservation{ID: id, TenantID: tenantID, Amount: amount, Status: "held"}, nil
}

func (f *fakeQuota) Release(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeQuota) Balance(ctx context.Context, tenantID string) (store.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.Balance{TenantID: tenantID, Available: f.available}, nil
}

type queuedDispatch struct {
	job   sqsqueue.DispatchJob
	delay time.Duration
}

type queuedPass struct {
	job   sqsqueue.CampaignJob
	delay time.Duration
}

type fakeQueue struct {
	mu         sync.Mutex
	dispatches []queuedDispatch
	passes     []queuedPass
}

func (f *fakeQueue) EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatches = append(f.dispatches, queuedDispatch{job: job, delay: delay})
	return nil
}

func (f *fakeQueue) EnqueueCampaignPass(ctx context.Context, job sqsqueue.CampaignJob, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes = append(f.passes, queuedPass{job: job, delay: delay})
	return nil
}

func seedCampaign(c *fakeCampaigns, id string, price int64, targetCount int) {
	c.campaigns[id] = store.Campaign{
		ID: id, TenantID: "t1", Status: "running",
		SenderIdentity: "num1", Body: "Hi {name}", PricePerMessage: price,
	}
	for i := 0; i < targetCount; i++ {
		tid := fmt.Sprintf("tgt_%03d", i)
		c.targets[tid] = store.Target{
			ID: tid, CampaignID: id, To: fmt.Sprintf("+1555000%04d", i),
			Vars: map[string]string{"name": fmt.Sprintf("u%d", i)}, Status: "pending",
		}
	}
}

func testOrchestrator(c *fakeCampaigns, l *fakeLedger, q *fakeQuota, queue *fakeQueue) *Orchestrator {
	resSeq := 0
	return &Orchestrator{
		Campaigns: c,
		Ledger:    l,
		Quota:     q,
		Queue:     queue,
		Cfg:       DefaultConfig(),
		NewResID: func() string {
			resSeq++
			return fmt.Sprintf("res_%d", resSeq)
		},
	}
}

func TestRunPassDispatchesBatchWithStagger(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 5)
	ledger := &fakeLedger{}
	quota := &fakeQuota{available: 10_000}
	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, ledger, quota, queue)

	if err := o.RunPass(ctx, "cmp_1"); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	if len(queue.dispatches) != 5 {
		t.Fatalf("expected 5 dispatches, got %d", len(queue.dispatches))
	}
	for i, d := range queue.dispatches {
		want := time.Duration(i) * o.Cfg.SendInterval
		if d.delay != want {
			t.Fatalf("dispatch %d delay = %v, want %v", i, d.delay, want)
		}
		if d.job.IdempotencyKey != domain.CampaignKey("cmp_1", d.job.TargetID) {
			t.Fatalf("dispatch %d key %q does not match target %q", i, d.job.IdempotencyKey, d.job.TargetID)
		}
	}

	// Template rendered per target.
	if queue.dispatches[0].job.Body != "Hi u0" {
		t.Fatalf("unexpected rendered body: %q", queue.dispatches[0].job.Body)
	}

	// Every dispatched target is queued and has a ledger row.
	for _, d := range queue.dispatches {
		if campaigns.targets[d.job.TargetID].Status != "queued" {
			t.Fatalf("target %s not marked queued", d.job.TargetID)
		}
		if _, ok := ledger.attempts[d.job.IdempotencyKey]; !ok {
			t.Fatalf("no ledger row for %s", d.job.IdempotencyKey)
		}
	}

	// The pre-flight hold was taken and immediately released.
	if len(quota.reserves) != 1 || quota.reserves[0] != 500 {
		t.Fatalf("expected one 500 reserve, got %v", quota.reserves)
	}
	if len(quota.released) != 1 {
		t.Fatalf("expected hold released, got %v", quota.released)
	}

	// Finalize pass scheduled since nothing is pending.
	if len(queue.passes) != 1 || !queue.passes[0].job.Finalize {
		t.Fatalf("expected finalize pass, got %+v", queue.passes)
	}
}

func TestRunPassShrinksToAffordablePrefix(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 50)
	ledger := &fakeLedger{}
	quota := &fakeQuota{available: 3_000} // 30 of 50 affordable
	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, ledger, quota, queue)

	if err := o.RunPass(ctx, "cmp_1"); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	if len(queue.dispatches) != 30 {
		t.Fatalf("expected 30 dispatches, got %d", len(queue.dispatches))
	}
	counts, _ := campaigns.CountTargets(ctx, "cmp_1")
	if counts.Queued != 30 || counts.Pending != 20 {
		t.Fatalf("expected 30 queued / 20 back to pending, got %+v", counts)
	}
	if campaigns.campaigns["cmp_1"].Status != "running" {
		t.Fatalf("partial batch must not pause the campaign")
	}
}

func TestRunPassPausesWhenNothingAffordable(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 10)
	ledger := &fakeLedger{}
	quota := &fakeQuota{available: 50} // cannot afford a single message
	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, ledger, quota, queue)

	if err := o.RunPass(ctx, "cmp_1"); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	if len(queue.dispatches) != 0 {
		t.Fatalf("expected no dispatches, got %d", len(queue.dispatches))
	}
	c := campaigns.campaigns["cmp_1"]
	if c.Status != "paused" || c.PausedReason != domain.PauseInsufficientBalance {
		t.Fatalf("expected paused for balance, got %+v", c)
	}
	counts, _ := campaigns.CountTargets(ctx, "cmp_1")
	if counts.Pending != 10 {
		t.Fatalf("expected all targets released to pending, got %+v", counts)
	}
}

func TestRunPassSkipsNonRunningCampaign(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 3)
	c := campaigns.campaigns["cmp_1"]
	c.Status = "paused"
	campaigns.campaigns["cmp_1"] = c

	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, &fakeLedger{}, &fakeQuota{available: 1000}, queue)

	if err := o.RunPass(ctx, "cmp_1"); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if len(queue.dispatches) != 0 || len(queue.passes) != 0 {
		t.Fatalf("paused campaign must not dispatch or reschedule")
	}
}

func TestRunPassRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 80)
	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, &fakeLedger{}, &fakeQuota{available: 100_000}, queue)

	if err := o.RunPass(ctx, "cmp_1"); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if len(queue.dispatches) != o.Cfg.BatchSize {
		t.Fatalf("expected %d dispatches, got %d", o.Cfg.BatchSize, len(queue.dispatches))
	}
	// A follow-up pass is scheduled, not a finalize: 30 targets remain.
	if len(queue.passes) != 1 || queue.passes[0].job.Finalize {
		t.Fatalf("expected plain follow-up pass, got %+v", queue.passes)
	}
}

func TestFinalizeCompletesWhenAllTerminal(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 3)
	for id, tg := range campaigns.targets {
		tg.Status = "sent"
		campaigns.targets[id] = tg
	}
	tg := campaigns.targets["tgt_002"]
	tg.Status = "failed"
	campaigns.targets["tgt_002"] = tg

	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, &fakeLedger{}, &fakeQuota{available: 1000}, queue)

	if err := o.Finalize(ctx, "cmp_1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if campaigns.campaigns["cmp_1"].Status != "completed" {
		t.Fatalf("expected completed, got %s", campaigns.campaigns["cmp_1"].Status)
	}
	counts := campaigns.completed["cmp_1"]
	if counts.Sent != 2 || counts.Failed != 1 {
		t.Fatalf("unexpected final counts: %+v", counts)
	}
}

func TestFinalizeReschedulesWhileInFlight(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 2)
	tg := campaigns.targets["tgt_000"]
	tg.Status = "queued"
	campaigns.targets["tgt_000"] = tg
	tg = campaigns.targets["tgt_001"]
	tg.Status = "sent"
	campaigns.targets["tgt_001"] = tg

	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, &fakeLedger{}, &fakeQuota{available: 1000}, queue)

	if err := o.Finalize(ctx, "cmp_1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if campaigns.campaigns["cmp_1"].Status != "running" {
		t.Fatalf("in-flight campaign must stay running")
	}
	if len(queue.passes) != 1 || queue.passes[0].delay != time.Minute {
		t.Fatalf("expected recheck in a minute, got %+v", queue.passes)
	}
}

func TestFinalizeResetsStaleProcessing(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 1)
	tg := campaigns.targets["tgt_000"]
	tg.Status = "processing"
	tg.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	campaigns.targets["tgt_000"] = tg

	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, &fakeLedger{}, &fakeQuota{available: 1000}, queue)

	if err := o.Finalize(ctx, "cmp_1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if campaigns.targets["tgt_000"].Status != "pending" {
		t.Fatalf("expected stale processing target reset, got %s", campaigns.targets["tgt_000"].Status)
	}
	// Reset target means remaining work: recheck scheduled.
	if len(queue.passes) != 1 {
		t.Fatalf("expected recheck pass, got %d", len(queue.passes))
	}
}

func TestFinalizeResetsStaleQueued(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 1)

	// Orchestrator died between marking the target queued and enqueueing
	// its dispatch: without a reset the campaign rechecks forever.
	tg := campaigns.targets["tgt_000"]
	tg.Status = "queued"
	tg.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	campaigns.targets["tgt_000"] = tg

	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, &fakeLedger{}, &fakeQuota{available: 1000}, queue)

	if err := o.Finalize(ctx, "cmp_1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if campaigns.targets["tgt_000"].Status != "pending" {
		t.Fatalf("expected stale queued target reset, got %s", campaigns.targets["tgt_000"].Status)
	}
	// Pending again, so the recheck is a claiming pass, not a finalize.
	if len(queue.passes) != 1 || queue.passes[0].job.Finalize {
		t.Fatalf("expected plain recheck pass, got %+v", queue.passes)
	}
}

func TestRepeatPassIsIdempotentPerTarget(t *testing.T) {
	ctx := context.Background()
	campaigns := newFakeCampaigns()
	seedCampaign(campaigns, "cmp_1", 100, 3)
	ledger := &fakeLedger{}
	queue := &fakeQueue{}
	o := testOrchestrator(campaigns, ledger, &fakeQuota{available: 10_000}, queue)

	if err := o.RunPass(ctx, "cmp_1"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := o.RunPass(ctx, "cmp_1"); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	// Second pass found nothing pending; ledger rows did not multiply.
	if len(ledger.attempts) != 3 {
		t.Fatalf("expected 3 ledger rows, got %d", len(ledger.attempts))
	}
	if len(queue.dispatches) != 3 {
		t.Fatalf("expected 3 dispatches total, got %d", len(queue.dispatches))
	}
}
