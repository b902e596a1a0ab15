package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// maxSQSDelay is the hard SQS ceiling for DelaySeconds. Longer delays are
// clamped; the retry sweeper re-enqueues anything whose retry_after is
// still in the future when the clamped message arrives.
const maxSQSDelay = 900 * time.Second

type Producer struct {
	SQS              *sqs.Client
	DispatchQueueURL string
	CampaignQueueURL string
}

// DispatchJob is one logical send. The idempotency key, not the queue
// message, is the unit of exactly-once accounting: the same job may be
// delivered (and enqueued) more than once.
type DispatchJob struct {
	TenantID       string `json:"tenantId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Kind           string `json:"kind"`
	CampaignID     string `json:"campaignId,omitempty"`
	TargetID       string `json:"targetId,omitempty"`
	To             string `json:"to"`
	Body           string `json:"body"`
	SenderIdentity string `json:"senderIdentity"`
}

func (p *Producer) EnqueueDispatch(ctx context.Context, job DispatchJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &p.DispatchQueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: delaySeconds(delay),
	})
	return err
}

func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxSQSDelay {
		d = maxSQSDelay
	}
	return int32(d / time.Second)
}

func str(s string) *string { return &s }
