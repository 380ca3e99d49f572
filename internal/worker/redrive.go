package worker

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stripesync/stripesync/internal/registry"
	"go.uber.org/zap"
)

// RedriveResult summarizes one redrive pass over the dead-letter queue.
type RedriveResult struct {
	Moved   int
	Dropped int
}

// Redrive drains the dead-letter queue back onto the main sync queue.
// Messages that no longer parse, or that name an object the registry does
// not know, are dropped rather than recycled. Returns when the DLQ serves
// an empty receive.
func (w *Worker) Redrive(ctx context.Context, dlqURL string) (RedriveResult, error) {
	var res RedriveResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := w.queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(dlqURL),
			MaxNumberOfMessages: int32(w.cfg.BatchSize),
			VisibilityTimeout:   visibilityTimeout,
		})
		if err != nil {
			return res, err
		}
		if len(out.Messages) == 0 {
			return res, nil
		}
		for _, msg := range out.Messages {
			var m Message
			err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &m)
			if err == nil {
				_, err = registry.Lookup(m.Object)
			}
			if err != nil {
				w.logger.Warn("dropping dead-lettered message",
					zap.String("body", aws.ToString(msg.Body)))
				res.Dropped++
				w.deleteFrom(ctx, dlqURL, msg)
				continue
			}
			if err := w.enqueue(ctx, m); err != nil {
				return res, err
			}
			res.Moved++
			w.deleteFrom(ctx, dlqURL, msg)
		}
	}
}

func (w *Worker) deleteFrom(ctx context.Context, queueURL string, msg types.Message) {
	if _, err := w.queue.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		w.logger.Error("failed to delete message", zap.Error(err))
	}
}
