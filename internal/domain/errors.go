package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMissingFields = errors.New("missing required fields")

	// Business outcomes. These never bubble out of the worker as job
	// failures; callers branch on them with errors.Is.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyRolledBack   = errors.New("consumption already rolled back")
	ErrReservationExpired  = errors.New("reservation expired or released")
)

// InvalidTransitionError signals a state-machine invariant violation,
// typically two workers racing on the same key. It is logged as a severe
// anomaly and never swallowed.
type InvalidTransitionError struct {
	Key  string
	From AttemptStatus
	To   AttemptStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Key, e.From, e.To)
}

// Transport error codes the rate limiter treats as reputation damage.
const (
	ErrCodeSpamBlock    = "spam_block"
	ErrCodePolicyBlock  = "policy_blocked"
	ErrCodeInvalidDest  = "invalid_destination"
	ErrCodeTimeout      = "timeout"
	ErrCodeNetwork      = "network_error"
	ErrCodeProviderBusy = "provider_busy"
)
