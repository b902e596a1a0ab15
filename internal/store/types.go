package store

import "time"

// AttemptMutation carries the optional fields written alongside a status
// transition. RetryAfter and ProcessingAt always overwrite (nil clears);
// ProviderMsgID and ErrorCode are written only when non-empty;
// AttemptCount only when non-nil.
type AttemptMutation struct {
	ProviderMsgID string
	ErrorCode     string
	AttemptCount  *int
	RetryAfter    *time.Time
	ProcessingAt  *time.Time
}

type Campaign struct {
	ID              string
	TenantID        string
	Status          string
	PausedReason    string
	SenderIdentity  string
	Body            string
	PricePerMessage int64
	SentCount       int
	FailedCount     int
	SkippedCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Target struct {
	ID         string
	CampaignID string
	To         string
	Vars       map[string]string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TargetCounts is the finalization aggregate over a campaign's targets.
type TargetCounts struct {
	Pending    int
	Queued     int
	Processing int
	Sent       int
	Failed     int
	Skipped    int
}

func (c TargetCounts) Remaining() int { return c.Pending + c.Queued + c.Processing }

type Balance struct {
	TenantID  string
	Available int64
	Reserved  int64
}

type Reservation struct {
	ID        string
	TenantID  string
	Amount    int64
	Status    string // held | released
	ExpiresAt time.Time
	CreatedAt time.Time
}

type Bucket struct {
	Scope       string // tenant | sender_identity | campaign
	ScopeID     string
	WindowStart time.Time
	Count       int
	HealthScore float64
}

type ThrottleEvent struct {
	Scope        string
	ScopeID      string
	DelaySeconds int
	Reason       string
	CreatedAt    time.Time
}
