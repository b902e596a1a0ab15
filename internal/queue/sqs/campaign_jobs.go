package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// CampaignJob drives the orchestrator: either another claim pass over a
// campaign's pending targets, or a finalization check.
type CampaignJob struct {
	CampaignID string `json:"campaignId"`
	Finalize   bool   `json:"finalize,omitempty"`
}

func (p *Producer) EnqueueCampaignPass(ctx context.Context, job CampaignJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &p.CampaignQueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: delaySeconds(delay),
	})
	return err
}

type CampaignHandler func(ctx context.Context, job CampaignJob) error

// PollCampaigns consumes orchestrator passes one at a time. A campaign
// pass claims its own batch with row locks, so concurrency here buys
// nothing and single-flight keeps pacing predictable.
func (c *Consumer) PollCampaigns(ctx context.Context, handler CampaignHandler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			slog.Error("sqs receive message failed", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, m := range out.Messages {
			if m.Body == nil {
				continue
			}
			var job CampaignJob
			if err := json.Unmarshal([]byte(*m.Body), &job); err != nil {
				// bad payload => delete to avoid endless redrive
				_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      &c.QueueURL,
					ReceiptHandle: m.ReceiptHandle,
				})
				continue
			}

			if err := handler(ctx, job); err == nil {
				_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      &c.QueueURL,
					ReceiptHandle: m.ReceiptHandle,
				})
			} else {
				// If err != nil: do NOT delete => SQS redrive/DLQ handles it
				slog.Error("campaign pass handler error", "err", err, "campaign_id", job.CampaignID)
			}
		}
	}
}
