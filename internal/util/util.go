package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NormalizePhone(p string) string {
	// keep it simple for MVP
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

// Very simple {var} replacement over a message body.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// ULIDs are sortable (nice for DB indexes and dashboards).

func NewCampaignID() string {
	return "cmp_" + newULID()
}

func NewTargetID() string {
	return "tgt_" + newULID()
}

func NewReservationID() string {
	return "res_" + newULID()
}

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
