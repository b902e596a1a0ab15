// Package quota implements the prepaid balance ledger. Consume is the
// only charging path and is idempotent by key; Reserve is a short-lived
// batch pre-flight hold that is always released (never confirmed), with
// TTL expiry as the crash backstop. Amounts are integer minor units.
package quota

import (
	"context"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/store"
)

type Store interface {
	// ConsumeQuota must, in one isolated unit: no-op if key already has a
	// consumption record; otherwise decrement available only if sufficient
	// and insert the record.
	ConsumeQuota(ctx context.Context, tenantID string, amount int64, key, reason string, now time.Time) (domain.ConsumeOutcome, error)
	RollbackQuota(ctx context.Context, tenantID string, amount int64, key, reason string, now time.Time) error
	ReserveQuota(ctx context.Context, r store.Reservation) error
	ReleaseReservation(ctx context.Context, id string, now time.Time) error
	ExpireReservations(ctx context.Context, now time.Time) (int, error)
	GetBalance(ctx context.Context, tenantID string) (store.Balance, error)
}

type Ledger struct {
	S              Store
	ReservationTTL time.Duration
	Now            func() time.Time
}

func New(s Store) *Ledger {
	return &Ledger{S: s, ReservationTTL: 10 * time.Minute}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

// Consume charges amount against the tenant's balance exactly once per
// key. Replays return ConsumeSkippedAlreadyConsumed without touching the
// balance, which is what makes retried dispatch workers safe.
func (l *Ledger) Consume(ctx context.Context, tenantID string, amount int64, key, reason string) (domain.ConsumeOutcome, error) {
	return l.S.ConsumeQuota(ctx, tenantID, amount, key, reason, l.now())
}

// Rollback refunds a prior consumption, once. A second rollback for the
// same key returns ErrAlreadyRolledBack, which callers treat as a no-op.
func (l *Ledger) Rollback(ctx context.Context, tenantID string, amount int64, key, reason string) error {
	return l.S.RollbackQuota(ctx, tenantID, amount, key, reason, l.now())
}

// Reserve places a TTL-bounded hold for a batch pre-flight check.
// Returns ErrInsufficientBalance without side effects if the available
// balance cannot cover the amount.
func (l *Ledger) Reserve(ctx context.Context, id, tenantID string, amount int64) (store.Reservation, error) {
	now := l.now()
	r := store.Reservation{
		ID:        id,
		TenantID:  tenantID,
		Amount:    amount,
		Status:    "held",
		ExpiresAt: now.Add(l.ReservationTTL),
		CreatedAt: now,
	}
	if err := l.S.ReserveQuota(ctx, r); err != nil {
		return store.Reservation{}, err
	}
	return r, nil
}

// Release returns a held reservation to the available balance. Safe to
// call twice; the second call gets ErrReservationExpired.
func (l *Ledger) Release(ctx context.Context, id string) error {
	return l.S.ReleaseReservation(ctx, id, l.now())
}

// ExpireStale releases reservations past their TTL. Run by the sweeper so
// a crashed orchestrator can never leak a hold forever.
func (l *Ledger) ExpireStale(ctx context.Context) (int, error) {
	return l.S.ExpireReservations(ctx, l.now())
}

func (l *Ledger) Balance(ctx context.Context, tenantID string) (store.Balance, error) {
	return l.S.GetBalance(ctx, tenantID)
}
