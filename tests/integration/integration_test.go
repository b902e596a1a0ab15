//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"wadispatch/internal/domain"
	"wadispatch/internal/ledger"
	"wadispatch/internal/providers/wacloud"
	"wadispatch/internal/quota"
	sqsqueue "wadispatch/internal/queue/sqs"
	"wadispatch/internal/ratelimit"
	"wadispatch/internal/store"
	"wadispatch/internal/store/pg"
	workerproc "wadispatch/internal/worker"
)

type noopQueue struct{}

func (noopQueue) EnqueueDispatch(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error {
	return nil
}

type fakeSender struct {
	msgID  string
	status int
	err    error
}

func (f fakeSender) Send(ctx context.Context, req wacloud.SendRequest) (string, int, error) {
	return f.msgID, f.status, f.err
}

func TestConsumeQuotaIdempotentAcrossConnections(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	if err := st.CreditBalance(ctx, "t1", 500, now); err != nil {
		t.Fatalf("credit: %v", err)
	}

	out, err := st.ConsumeQuota(ctx, "t1", 100, "k1", "message_send", now)
	if err != nil || out != domain.ConsumeApplied {
		t.Fatalf("first consume: out=%v err=%v", out, err)
	}
	out, err = st.ConsumeQuota(ctx, "t1", 100, "k1", "message_send", now)
	if err != nil || out != domain.ConsumeSkippedAlreadyConsumed {
		t.Fatalf("replay consume: out=%v err=%v", out, err)
	}

	b, err := st.GetBalance(ctx, "t1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Available != 400 {
		t.Fatalf("expected 400, got %d", b.Available)
	}

	// Guarded decrement: a consume beyond the balance leaves no trace.
	_, err = st.ConsumeQuota(ctx, "t1", 1000, "k2", "message_send", now)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	b, _ = st.GetBalance(ctx, "t1")
	if b.Available != 400 {
		t.Fatalf("failed consume moved money: %d", b.Available)
	}
}

func TestAttemptRowSurvivesReplayAndGuardsTerminal(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	l := ledger.New(pg.New(db))

	attempt := domain.MessageAttempt{
		IdempotencyKey: "api_t1_r1",
		TenantID:       "t1",
		Kind:           domain.KindAPI,
		To:             "+15550001111",
		Body:           "hi",
		SenderIdentity: "num1",
	}
	rec, created, err := l.CreateIfAbsent(ctx, attempt)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if rec.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}

	_, created, err = l.CreateIfAbsent(ctx, attempt)
	if err != nil || created {
		t.Fatalf("replay create: created=%v err=%v", created, err)
	}

	if _, err := l.Transition(ctx, "api_t1_r1",
		[]domain.AttemptStatus{domain.StatusPending}, domain.StatusSending, store.AttemptMutation{}); err != nil {
		t.Fatalf("to sending: %v", err)
	}
	if _, err := l.Transition(ctx, "api_t1_r1",
		[]domain.AttemptStatus{domain.StatusSending}, domain.StatusSent,
		store.AttemptMutation{ProviderMsgID: "wamid.1"}); err != nil {
		t.Fatalf("to sent: %v", err)
	}

	_, err = l.Transition(ctx, "api_t1_r1",
		[]domain.AttemptStatus{domain.StatusPending, domain.StatusSending},
		domain.StatusFailedPermanent, store.AttemptMutation{})
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestDispatcherEndToEndAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	// Balance covers exactly two of three sends.
	if err := st.CreditBalance(ctx, "t1", 200, now); err != nil {
		t.Fatalf("credit: %v", err)
	}
	seedCampaign(t, db, "cmp_1", "t1", 100)

	d := &workerproc.Dispatcher{
		Ledger:       ledger.New(st),
		Quota:        quota.New(st),
		Limiter:      ratelimit.New(st, ratelimit.DefaultConfig()),
		Sender:       fakeSender{msgID: "wamid.1", status: 200},
		Queue:        noopQueue{},
		Campaigns:    st,
		WorkerID:     "itest",
		MessagePrice: 100,
	}

	for i := 1; i <= 3; i++ {
		tid := fmt.Sprintf("tgt_%d", i)
		seedTarget(t, db, "cmp_1", tid)
		job := sqsqueue.DispatchJob{
			TenantID:       "t1",
			IdempotencyKey: domain.CampaignKey("cmp_1", tid),
			Kind:           string(domain.KindCampaign),
			CampaignID:     "cmp_1",
			TargetID:       tid,
			To:             "+15550001111",
			Body:           "hi",
			SenderIdentity: "num1",
		}
		if err := d.Process(ctx, job); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	assertAttemptStatus(t, db, domain.CampaignKey("cmp_1", "tgt_1"), "sent")
	assertAttemptStatus(t, db, domain.CampaignKey("cmp_1", "tgt_2"), "sent")
	assertAttemptStatus(t, db, domain.CampaignKey("cmp_1", "tgt_3"), "failed_permanent")

	b, err := st.GetBalance(ctx, "t1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Available != 0 {
		t.Fatalf("expected drained balance, got %d", b.Available)
	}

	c, found, err := st.GetCampaign(ctx, "cmp_1")
	if err != nil || !found {
		t.Fatalf("get campaign: %v found=%v", err, found)
	}
	if c.Status != "paused" || c.PausedReason != domain.PauseInsufficientBalance {
		t.Fatalf("expected campaign paused for balance, got %s/%s", c.Status, c.PausedReason)
	}
}

func TestStuckSweepReclaimsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	l := ledger.New(st)
	stale := time.Now().UTC().Add(-10 * time.Minute)

	if _, _, err := l.CreateIfAbsent(ctx, domain.MessageAttempt{
		IdempotencyKey: "k1", TenantID: "t1", Kind: domain.KindAPI,
		To: "+15550001111", Body: "hi", SenderIdentity: "num1",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.Transition(ctx, "k1",
		[]domain.AttemptStatus{domain.StatusPending}, domain.StatusSending,
		store.AttemptMutation{ProcessingAt: &stale}); err != nil {
		t.Fatalf("to sending: %v", err)
	}

	got, err := l.ReclaimStuck(ctx, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(got) != 1 || got[0].IdempotencyKey != "k1" {
		t.Fatalf("expected k1 reclaimed, got %v", got)
	}
	assertAttemptStatus(t, db, "k1", "pending")

	got, err = l.ReclaimStuck(ctx, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected nothing on second sweep, got %d", len(got))
	}
}

func TestBucketWindowAndHealthPersist(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cfg := ratelimit.DefaultConfig()
	cfg.TenantLimit = 3
	cfg.IdentityLimit = 100
	lim := ratelimit.New(pg.New(db), cfg)

	allowed := 0
	for i := 0; i < 5; i++ {
		d, err := lim.CheckAndConsume(ctx, "t1", "num1", "")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if d.Allowed {
			allowed++
		} else if d.DelaySeconds <= 0 {
			t.Fatalf("denial without suggested delay")
		}
	}
	if allowed != 3 {
		t.Fatalf("expected 3 admissions, got %d", allowed)
	}

	var events int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM throttle_events`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 2 {
		t.Fatalf("expected 2 throttle events, got %d", events)
	}
}

func seedCampaign(t *testing.T, db *pgxpool.Pool, id, tenantID string, price int64) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO campaigns (id, tenant_id, status, sender_identity, body, price_per_message, created_at, updated_at)
		VALUES ($1,$2,'running','num1','hi',$3,now(),now())
	`, id, tenantID, price)
	if err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
}

func seedTarget(t *testing.T, db *pgxpool.Pool, campaignID, id string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO campaign_targets (id, campaign_id, to_phone, vars_json, status, created_at, updated_at)
		VALUES ($1,$2,'+15550001111','{}','queued',now(),now())
	`, id, campaignID)
	if err != nil {
		t.Fatalf("seed target: %v", err)
	}
}

func assertAttemptStatus(t *testing.T, db *pgxpool.Pool, key, want string) {
	t.Helper()
	var got string
	err := db.QueryRow(context.Background(), `SELECT status FROM message_attempts WHERE idempotency_key=$1`, key).Scan(&got)
	if err != nil {
		t.Fatalf("select status: %v", err)
	}
	if got != want {
		t.Fatalf("expected status %s for %s, got %s", want, key, got)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}

	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
