// Package ratelimit implements multi-bucket admission control for
// outbound sends: a windowed counter per tenant, per sending identity,
// and per campaign, with an adaptive health score that tightens the
// effective rate after provider-reported failures. Buckets are durable
// rows; a decision and its counter writes happen under one row-locked
// transaction so concurrent callers never double-count.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/store"
)

const (
	ScopeTenant   = "tenant"
	ScopeIdentity = "sender_identity"
	ScopeCampaign = "campaign"
)

type BucketKey struct {
	Scope   string
	ScopeID string
}

// Tx gives the limiter row-locked access to the buckets it asked for.
type Tx interface {
	Get(key BucketKey) (store.Bucket, error)
	Put(b store.Bucket) error
}

type Store interface {
	WithBuckets(ctx context.Context, keys []BucketKey, fn func(tx Tx) error) error
	InsertThrottleEvent(ctx context.Context, ev store.ThrottleEvent) error
}

type Config struct {
	Window           time.Duration
	TenantLimit      int
	IdentityLimit    int
	CampaignLimit    int
	HealthFloor      float64
	MaxJitterSeconds int
}

func DefaultConfig() Config {
	return Config{
		Window:           time.Minute,
		TenantLimit:      60,
		IdentityLimit:    20,
		CampaignLimit:    30,
		HealthFloor:      0.1,
		MaxJitterSeconds: 5,
	}
}

type Limiter struct {
	S    Store
	Cfg  Config
	Now  func() time.Time
	Rand func() float64
}

func New(s Store, cfg Config) *Limiter { return &Limiter{S: s, Cfg: cfg} }

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

func (l *Limiter) rand() float64 {
	if l.Rand != nil {
		return l.Rand()
	}
	return rand.Float64()
}

// CheckAndConsume evaluates tenant, identity, then campaign buckets in
// order. Every check increments each evaluated bucket's counter, denied
// or not, so the suggested delay grows with the backlog of rejected
// callers instead of herding them onto the same window boundary.
func (l *Limiter) CheckAndConsume(ctx context.Context, tenantID, identity, campaignID string) (domain.Decision, error) {
	type scoped struct {
		key   BucketKey
		limit int
	}
	checks := []scoped{
		{BucketKey{ScopeTenant, tenantID}, l.Cfg.TenantLimit},
		{BucketKey{ScopeIdentity, identity}, l.Cfg.IdentityLimit},
	}
	if campaignID != "" {
		checks = append(checks, scoped{BucketKey{ScopeCampaign, campaignID}, l.Cfg.CampaignLimit})
	}
	keys := make([]BucketKey, len(checks))
	for i, c := range checks {
		keys[i] = c.key
	}

	decision := domain.Decision{Allowed: true}
	now := l.now()
	windowStart := now.Truncate(l.Cfg.Window)

	err := l.S.WithBuckets(ctx, keys, func(tx Tx) error {
		for _, c := range checks {
			b, err := tx.Get(c.key)
			if err != nil {
				return err
			}
			if b.WindowStart.Before(windowStart) {
				b.WindowStart = windowStart
				b.Count = 0
			}
			if b.HealthScore <= 0 {
				b.HealthScore = 1.0
			}

			eff := l.effectiveLimit(c.limit, b.HealthScore)
			b.Count++
			if err := tx.Put(b); err != nil {
				return err
			}
			if b.Count > eff {
				overflow := b.Count - eff
				decision = domain.Decision{
					Allowed:      false,
					DelaySeconds: l.suggestDelay(windowStart, now, overflow, c.limit),
					Reason:       c.key.Scope + "_limit",
				}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return domain.Decision{}, err
	}

	if !decision.Allowed {
		l.logThrottleEvent(ctx, decision, tenantID, identity, campaignID)
	}
	return decision, nil
}

// RecordSendResult feeds delivery health back into the identity and
// tenant buckets. Provider "blocked"/"spam" classifications cut the score
// hard; ordinary failures cut it gently; successes decay it back toward
// the configured ceiling.
func (l *Limiter) RecordSendResult(ctx context.Context, tenantID, identity string, success bool, errorCode string) error {
	keys := []BucketKey{
		{ScopeTenant, tenantID},
		{ScopeIdentity, identity},
	}
	return l.S.WithBuckets(ctx, keys, func(tx Tx) error {
		for _, k := range keys {
			b, err := tx.Get(k)
			if err != nil {
				return err
			}
			if b.HealthScore <= 0 {
				b.HealthScore = 1.0
			}
			switch {
			case success:
				b.HealthScore = math.Min(1.0, b.HealthScore+0.05)
			case errorCode == domain.ErrCodeSpamBlock || errorCode == domain.ErrCodePolicyBlock:
				b.HealthScore = math.Max(l.Cfg.HealthFloor, b.HealthScore*0.5)
			default:
				b.HealthScore = math.Max(l.Cfg.HealthFloor, b.HealthScore*0.8)
			}
			if err := tx.Put(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) effectiveLimit(limit int, health float64) int {
	h := math.Max(l.Cfg.HealthFloor, math.Min(1.0, health))
	eff := int(float64(limit) * h)
	if eff < 1 {
		eff = 1
	}
	return eff
}

func (l *Limiter) suggestDelay(windowStart, now time.Time, overflow, limit int) int {
	remaining := int(math.Ceil(windowStart.Add(l.Cfg.Window).Sub(now).Seconds()))
	if remaining < 0 {
		remaining = 0
	}
	spacing := int(l.Cfg.Window.Seconds()) / limit
	if spacing < 1 {
		spacing = 1
	}
	jitter := int(l.rand() * float64(l.Cfg.MaxJitterSeconds))
	return remaining + (overflow-1)*spacing + jitter
}

// logThrottleEvent is observability only; a write failure never affects
// the admission decision.
func (l *Limiter) logThrottleEvent(ctx context.Context, d domain.Decision, tenantID, identity, campaignID string) {
	scopeID := tenantID
	switch d.Reason {
	case ScopeIdentity + "_limit":
		scopeID = identity
	case ScopeCampaign + "_limit":
		scopeID = campaignID
	}
	ev := store.ThrottleEvent{
		Scope:        d.Reason,
		ScopeID:      scopeID,
		DelaySeconds: d.DelaySeconds,
		Reason:       d.Reason,
		CreatedAt:    l.now(),
	}
	if err := l.S.InsertThrottleEvent(ctx, ev); err != nil {
		slog.Warn("throttle event write failed", "err", err, "scope", ev.Scope, "scope_id", ev.ScopeID)
	}
}
