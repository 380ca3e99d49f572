// Package worker is the queue-driven backfill runner: it long-polls SQS
// for per-object sync messages, advances each object one page at a time,
// and re-enqueues objects that still have pages left. A ticker seeds the
// queue with the full registry so incremental syncs run on schedule.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stripesync/stripesync/internal/registry"
	"github.com/stripesync/stripesync/internal/syncer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// visibilityTimeout must outlast one page fetch plus its retries.
	visibilityTimeout = 60
	// waitTimeSeconds enables SQS long polling.
	waitTimeSeconds = 20
)

// SQSAPI is the slice of the SQS client the worker uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SyncService advances one object by one page and opens runs for seeds.
type SyncService interface {
	ProcessNext(ctx context.Context, accountID, object string, p syncer.Params) (syncer.Result, error)
	EnsureSyncRun(ctx context.Context, accountID string) (time.Time, error)
}

// AccountResolver names the account seeded messages belong to.
type AccountResolver interface {
	DefaultAccountID(ctx context.Context) (string, error)
}

// Config holds the worker's options.
type Config struct {
	QueueURL string
	// Interval is the seeding schedule for incremental syncs.
	Interval  time.Duration
	BatchSize int
	// EnableSigma widens the seeded object set to Sigma-backed resources.
	EnableSigma bool
}

// Message is the queue payload: one object of one account.
type Message struct {
	Object    string `json:"object"`
	AccountID string `json:"account_id,omitempty"`
}

// Worker consumes and seeds the sync queue.
type Worker struct {
	queue    SQSAPI
	sync     SyncService
	accounts AccountResolver
	cfg      Config
	logger   *zap.Logger
}

// New creates a Worker. The logger may be nil.
func New(queue SQSAPI, sync SyncService, accounts AccountResolver, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Worker{queue: queue, sync: sync, accounts: accounts, cfg: cfg, logger: logger}
}

// Run polls and seeds until ctx is cancelled. Cancellation is the normal
// shutdown path and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.pollLoop(gctx) })
	g.Go(func() error { return w.seedLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) pollLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := w.queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.cfg.QueueURL),
			MaxNumberOfMessages: int32(w.cfg.BatchSize),
			VisibilityTimeout:   visibilityTimeout,
			WaitTimeSeconds:     waitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("failed to receive messages", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range out.Messages {
			w.handleMessage(ctx, msg)
		}
	}
}

// handleMessage advances one object a page. Success deletes the message;
// an object with pages left is re-enqueued first, so the traversal
// continues under a fresh message. Failures leave the message for the
// visibility timeout to retry, and eventually the queue's DLQ policy.
func (w *Worker) handleMessage(ctx context.Context, msg types.Message) {
	var m Message
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &m); err != nil || m.Object == "" {
		w.logger.Error("dropping malformed queue message", zap.String("body", aws.ToString(msg.Body)))
		w.delete(ctx, msg)
		return
	}

	accountID := m.AccountID
	if accountID == "" {
		var err error
		accountID, err = w.accounts.DefaultAccountID(ctx)
		if err != nil {
			w.logger.Error("failed to resolve account for message", zap.Error(err))
			return
		}
	}

	result, err := w.sync.ProcessNext(ctx, accountID, m.Object, syncer.Params{})
	if err != nil {
		w.logger.Error("object sync page failed",
			zap.String("object", m.Object),
			zap.String("account_id", accountID),
			zap.Error(err))
		return
	}

	if result.HasMore {
		if err := w.enqueue(ctx, Message{Object: m.Object, AccountID: accountID}); err != nil {
			w.logger.Error("failed to re-enqueue object", zap.String("object", m.Object), zap.Error(err))
			return
		}
	}
	w.logger.Debug("processed sync page",
		zap.String("object", m.Object),
		zap.Int("processed", result.Processed),
		zap.Bool("has_more", result.HasMore))
	w.delete(ctx, msg)
}

// seedLoop enqueues the whole registry once per interval, but only while
// the queue is idle so a slow backfill is not buried under fresh seeds.
func (w *Worker) seedLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.seedIfIdle(ctx); err != nil {
				w.logger.Error("queue seeding failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) seedIfIdle(ctx context.Context) error {
	idle, err := w.queueIdle(ctx)
	if err != nil {
		return err
	}
	if !idle {
		return nil
	}

	accountID, err := w.accounts.DefaultAccountID(ctx)
	if err != nil {
		return err
	}
	// Open the run at seed time, so its started_at marks the tick rather
	// than the first consumed message.
	if _, err := w.sync.EnsureSyncRun(ctx, accountID); err != nil {
		return err
	}
	for _, res := range registry.Backfillable(w.cfg.EnableSigma) {
		if err := w.enqueue(ctx, Message{Object: res.Name, AccountID: accountID}); err != nil {
			return err
		}
	}
	w.logger.Debug("seeded sync queue", zap.String("account_id", accountID))
	return nil
}

func (w *Worker) queueIdle(ctx context.Context) (bool, error) {
	out, err := w.queue.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(w.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return false, err
	}
	for _, v := range out.Attributes {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (w *Worker) enqueue(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.queue.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(w.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	return err
}

func (w *Worker) delete(ctx context.Context, msg types.Message) {
	w.deleteFrom(ctx, w.cfg.QueueURL, msg)
}
