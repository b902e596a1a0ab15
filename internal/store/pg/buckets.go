package pg

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"wadispatch/internal/ratelimit"
	"wadispatch/internal/store"
)

type bucketTx struct {
	tx     pgx.Tx
	ctx    context.Context
	loaded map[ratelimit.BucketKey]store.Bucket
}

func (b *bucketTx) Get(key ratelimit.BucketKey) (store.Bucket, error) {
	bk, ok := b.loaded[key]
	if !ok {
		return store.Bucket{}, fmt.Errorf("bucket %s/%s not locked in this transaction", key.Scope, key.ScopeID)
	}
	return bk, nil
}

func (b *bucketTx) Put(bk store.Bucket) error {
	_, err := b.tx.Exec(b.ctx, `
		UPDATE rate_limit_buckets
		SET window_start=$3, count=$4, health_score=$5
		WHERE scope=$1 AND scope_id=$2
	`, bk.Scope, bk.ScopeID, bk.WindowStart, bk.Count, bk.HealthScore)
	if err == nil {
		b.loaded[ratelimit.BucketKey{Scope: bk.Scope, ScopeID: bk.ScopeID}] = bk
	}
	return err
}

// WithBuckets locks the given bucket rows (creating missing ones first)
// and runs fn against the consistent snapshot. Keys are locked in sorted
// order so concurrent callers over overlapping bucket sets cannot
// deadlock.
func (s *Store) WithBuckets(ctx context.Context, keys []ratelimit.BucketKey, fn func(tx ratelimit.Tx) error) error {
	sorted := make([]ratelimit.BucketKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Scope != sorted[j].Scope {
			return sorted[i].Scope < sorted[j].Scope
		}
		return sorted[i].ScopeID < sorted[j].ScopeID
	})

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bt := &bucketTx{tx: tx, ctx: ctx, loaded: make(map[ratelimit.BucketKey]store.Bucket, len(sorted))}
	for _, k := range sorted {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rate_limit_buckets (scope, scope_id, window_start, count, health_score)
			VALUES ($1,$2,to_timestamp(0),0,1.0)
			ON CONFLICT (scope, scope_id) DO NOTHING
		`, k.Scope, k.ScopeID); err != nil {
			return err
		}
		var b store.Bucket
		if err := tx.QueryRow(ctx, `
			SELECT scope, scope_id, window_start, count, health_score
			FROM rate_limit_buckets WHERE scope=$1 AND scope_id=$2
			FOR UPDATE
		`, k.Scope, k.ScopeID).Scan(&b.Scope, &b.ScopeID, &b.WindowStart, &b.Count, &b.HealthScore); err != nil {
			return err
		}
		bt.loaded[k] = b
	}

	if err := fn(bt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertThrottleEvent(ctx context.Context, ev store.ThrottleEvent) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO throttle_events (scope, scope_id, delay_seconds, reason, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, ev.Scope, ev.ScopeID, ev.DelaySeconds, ev.Reason, ev.CreatedAt)
	return err
}
