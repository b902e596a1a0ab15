package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Idempotency key formats are part of the wire contract: they must stay
// stable across retries and restarts so a replayed job maps to the same
// ledger row.

func CampaignKey(campaignID, targetID string) string {
	return fmt.Sprintf("msg_%s_%s", campaignID, targetID)
}

// InboxKey embeds a fresh UUID: every operator reply in a conversation is
// a distinct logical send. Callers must generate the key once and carry it
// through retries, never re-derive it.
func InboxKey(conversationID string) string {
	return fmt.Sprintf("inbox_%s_%s", conversationID, uuid.NewString())
}

func APIKey(tenantID, requestID string) string {
	return fmt.Sprintf("api_%s_%s", tenantID, requestID)
}
