// Package ledger implements the idempotency ledger: the single source of
// truth for whether a logical send has already happened. All mutation of a
// message attempt goes through Transition, guarded by the from-state set,
// and workers serialize on a per-key lease acquired with AcquireLock.
package ledger

import (
	"context"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/store"
)

type Store interface {
	CreateAttemptIfAbsent(ctx context.Context, a domain.MessageAttempt) (domain.MessageAttempt, bool, error)
	GetAttempt(ctx context.Context, key string) (domain.MessageAttempt, bool, error)
	UpdateAttemptStatus(ctx context.Context, key string, from []domain.AttemptStatus, to domain.AttemptStatus, mut store.AttemptMutation, now time.Time) (bool, error)
	AcquireAttemptLock(ctx context.Context, key, owner string, until, now time.Time) (bool, error)
	ReleaseAttemptLock(ctx context.Context, key, owner string) error
	ReclaimStuckAttempts(ctx context.Context, before, now time.Time, limit int) ([]domain.MessageAttempt, error)
	DueRetryAttempts(ctx context.Context, now, orphanedBefore time.Time, limit int) ([]domain.MessageAttempt, error)
}

type Ledger struct {
	S   Store
	Now func() time.Time
}

func New(s Store) *Ledger { return &Ledger{S: s} }

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

// CreateIfAbsent inserts the attempt row if no row exists for its key.
// Exactly one concurrent caller observes created=true; everyone else gets
// the row that won.
func (l *Ledger) CreateIfAbsent(ctx context.Context, a domain.MessageAttempt) (domain.MessageAttempt, bool, error) {
	if a.Status == "" {
		a.Status = domain.StatusPending
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = 3
	}
	now := l.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	return l.S.CreateAttemptIfAbsent(ctx, a)
}

func (l *Ledger) Get(ctx context.Context, key string) (domain.MessageAttempt, bool, error) {
	return l.S.GetAttempt(ctx, key)
}

// Transition moves the attempt from one of the given states to the target
// state in a single conditional update. A miss means the row is not in any
// of the from states (a racing worker beat us, or someone is trying to
// resurrect a terminal row) and comes back as InvalidTransitionError.
func (l *Ledger) Transition(ctx context.Context, key string, from []domain.AttemptStatus, to domain.AttemptStatus, mut store.AttemptMutation) (domain.MessageAttempt, error) {
	ok, err := l.S.UpdateAttemptStatus(ctx, key, from, to, mut, l.now())
	if err != nil {
		return domain.MessageAttempt{}, err
	}
	if !ok {
		cur, _, gerr := l.S.GetAttempt(ctx, key)
		if gerr != nil {
			return domain.MessageAttempt{}, gerr
		}
		return domain.MessageAttempt{}, &domain.InvalidTransitionError{Key: key, From: cur.Status, To: to}
	}
	rec, _, err := l.S.GetAttempt(ctx, key)
	return rec, err
}

// AcquireLock takes the per-key execution lease. It succeeds if the lease
// is free, expired, or already held by the same owner (re-entrant for the
// retrying worker).
func (l *Ledger) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := l.now()
	return l.S.AcquireAttemptLock(ctx, key, owner, now.Add(ttl), now)
}

func (l *Ledger) ReleaseLock(ctx context.Context, key, owner string) error {
	return l.S.ReleaseAttemptLock(ctx, key, owner)
}

// ReclaimStuck resets attempts stuck in "sending" past the staleness
// window back to "pending", clearing their lease but preserving attempt
// metadata. This is what makes crash recovery work without any external
// coordinator.
func (l *Ledger) ReclaimStuck(ctx context.Context, staleness time.Duration, limit int) ([]domain.MessageAttempt, error) {
	now := l.now()
	return l.S.ReclaimStuckAttempts(ctx, now.Add(-staleness), now, limit)
}

// DueRetries pops pending attempts whose retry_after has elapsed, plus
// orphans older than orphanAge that never made it onto the queue. The
// store clears retry_after on the way out so the same attempt is not
// re-enqueued by the next sweep. orphanAge must exceed the queue's
// maximum enqueue delay or a slow staggered send looks like an orphan.
func (l *Ledger) DueRetries(ctx context.Context, orphanAge time.Duration, limit int) ([]domain.MessageAttempt, error) {
	now := l.now()
	return l.S.DueRetryAttempts(ctx, now, now.Add(-orphanAge), limit)
}
