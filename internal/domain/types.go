package domain

import "time"

type AttemptStatus string

// Retryable failures are modelled as pending with retry_after set, so
// the attempt statuses are only the states a row can actually rest in.
const (
	StatusPending         AttemptStatus = "pending"
	StatusSending         AttemptStatus = "sending"
	StatusSent            AttemptStatus = "sent"
	StatusFailedPermanent AttemptStatus = "failed_permanent"
	StatusExpired         AttemptStatus = "expired"
)

// IsTerminal reports whether no further transition may leave the status.
// "sent" in particular can never be resurrected.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailedPermanent, StatusExpired:
		return true
	}
	return false
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

type TargetStatus string

const (
	TargetPending    TargetStatus = "pending"
	TargetQueued     TargetStatus = "queued"
	TargetProcessing TargetStatus = "processing"
	TargetSent       TargetStatus = "sent"
	TargetFailed     TargetStatus = "failed"
	TargetSkipped    TargetStatus = "skipped"
)

// Pause reasons let an operator tell "top up funds" apart from
// "investigate the transport".
const (
	PauseInsufficientBalance = "insufficient_balance"
	PauseTransportErrors     = "transport_errors"
	PauseOperator            = "operator"
)

type SendKind string

const (
	KindCampaign SendKind = "campaign"
	KindInbox    SendKind = "inbox"
	KindAPI      SendKind = "api"
)

// MessageAttempt is one row of the idempotency ledger. Exactly one row
// exists per idempotency key; it is mutated only by the worker holding
// the matching lease.
type MessageAttempt struct {
	IdempotencyKey string
	TenantID       string
	Kind           SendKind
	CampaignID     string
	TargetID       string
	To             string
	Body           string
	SenderIdentity string
	Status         AttemptStatus
	ProviderMsgID  string
	AttemptCount   int
	MaxAttempts    int
	ErrorCode      string
	ProcessingAt   *time.Time
	RetryAfter     *time.Time
	LockedBy       string
	LockedUntil    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConsumeOutcome tells a retried worker whether this consume actually
// moved the balance or was a replay of an earlier charge.
type ConsumeOutcome int

const (
	ConsumeApplied ConsumeOutcome = iota
	ConsumeSkippedAlreadyConsumed
)

// Decision is the rate limiter's admission verdict.
type Decision struct {
	Allowed      bool
	DelaySeconds int
	Reason       string
}

type SendRequest struct {
	TenantID       string            `json:"tenantId"`
	RequestID      string            `json:"requestId"`
	To             string            `json:"to"`
	Body           string            `json:"body"`
	Vars           map[string]string `json:"vars,omitempty"`
	SenderIdentity string            `json:"senderIdentity"`
}

func (r SendRequest) Validate() error {
	if r.TenantID == "" || r.RequestID == "" || r.To == "" || r.Body == "" || r.SenderIdentity == "" {
		return ErrMissingFields
	}
	return nil
}

type InboxReplyRequest struct {
	TenantID       string `json:"tenantId"`
	ConversationID string `json:"conversationId"`
	To             string `json:"to"`
	Body           string `json:"body"`
	SenderIdentity string `json:"senderIdentity"`
}

func (r InboxReplyRequest) Validate() error {
	if r.TenantID == "" || r.ConversationID == "" || r.To == "" || r.Body == "" || r.SenderIdentity == "" {
		return ErrMissingFields
	}
	return nil
}

type DispatchResponse struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Status         string `json:"status"`
}

type CampaignTargetInput struct {
	To   string            `json:"to"`
	Vars map[string]string `json:"vars,omitempty"`
}

type CreateCampaignRequest struct {
	TenantID        string                `json:"tenantId"`
	SenderIdentity  string                `json:"senderIdentity"`
	Body            string                `json:"body"`
	PricePerMessage int64                 `json:"pricePerMessage"`
	Targets         []CampaignTargetInput `json:"targets"`
}

func (r CreateCampaignRequest) Validate() error {
	if r.TenantID == "" || r.SenderIdentity == "" || r.Body == "" || r.PricePerMessage <= 0 || len(r.Targets) == 0 {
		return ErrMissingFields
	}
	for _, t := range r.Targets {
		if t.To == "" {
			return ErrMissingFields
		}
	}
	return nil
}
