package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripesync/stripesync/internal/registry"
	"github.com/stripesync/stripesync/internal/syncer"
)

type fakeSQS struct {
	sent     []string
	deleted  []string
	depth    int
	received []types.Message
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{Messages: f.received}
	f.received = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(types.QueueAttributeNameApproximateNumberOfMessages): itoa(f.depth),
	}}, nil
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

type fakeSyncService struct {
	results map[string]syncer.Result
	errs    map[string]error
	calls   []string
	ensured []string
}

func (f *fakeSyncService) ProcessNext(ctx context.Context, accountID, object string, p syncer.Params) (syncer.Result, error) {
	f.calls = append(f.calls, object)
	if err := f.errs[object]; err != nil {
		return syncer.Result{}, err
	}
	return f.results[object], nil
}

func (f *fakeSyncService) EnsureSyncRun(ctx context.Context, accountID string) (time.Time, error) {
	f.ensured = append(f.ensured, accountID)
	return time.Now(), nil
}

type fixedAccount string

func (a fixedAccount) DefaultAccountID(ctx context.Context) (string, error) {
	return string(a), nil
}

func newTestWorker(queue *fakeSQS, sync *fakeSyncService) *Worker {
	return New(queue, sync, fixedAccount("acct_1"), Config{QueueURL: "q"}, nil)
}

func msg(t *testing.T, object, receipt string) types.Message {
	t.Helper()
	body, err := json.Marshal(Message{Object: object, AccountID: "acct_1"})
	require.NoError(t, err)
	return types.Message{Body: aws.String(string(body)), ReceiptHandle: aws.String(receipt)}
}

func TestHandleMessageCompleteObjectDeletes(t *testing.T) {
	queue := &fakeSQS{}
	sync := &fakeSyncService{results: map[string]syncer.Result{
		"product": {Processed: 7, HasMore: false},
	}}
	w := newTestWorker(queue, sync)

	w.handleMessage(context.Background(), msg(t, "product", "r1"))
	assert.Equal(t, []string{"product"}, sync.calls)
	assert.Equal(t, []string{"r1"}, queue.deleted)
	assert.Empty(t, queue.sent, "finished object is not re-enqueued")
}

func TestHandleMessageHasMoreReenqueues(t *testing.T) {
	queue := &fakeSQS{}
	sync := &fakeSyncService{results: map[string]syncer.Result{
		"customer": {Processed: 100, HasMore: true},
	}}
	w := newTestWorker(queue, sync)

	w.handleMessage(context.Background(), msg(t, "customer", "r1"))
	require.Len(t, queue.sent, 1)
	var m Message
	require.NoError(t, json.Unmarshal([]byte(queue.sent[0]), &m))
	assert.Equal(t, "customer", m.Object)
	assert.Equal(t, "acct_1", m.AccountID)
	assert.Equal(t, []string{"r1"}, queue.deleted, "original message replaced by the fresh one")
}

func TestHandleMessageFailureLeavesMessage(t *testing.T) {
	queue := &fakeSQS{}
	sync := &fakeSyncService{errs: map[string]error{"product": assert.AnError}}
	w := newTestWorker(queue, sync)

	w.handleMessage(context.Background(), msg(t, "product", "r1"))
	assert.Empty(t, queue.deleted, "message left for the visibility timeout retry")
	assert.Empty(t, queue.sent)
}

func TestHandleMessageMalformedBodyDropped(t *testing.T) {
	queue := &fakeSQS{}
	sync := &fakeSyncService{}
	w := newTestWorker(queue, sync)

	w.handleMessage(context.Background(), types.Message{
		Body:          aws.String("not json"),
		ReceiptHandle: aws.String("r1"),
	})
	assert.Empty(t, sync.calls)
	assert.Equal(t, []string{"r1"}, queue.deleted, "poison message removed")
}

func TestSeedIfIdleEnqueuesRegistry(t *testing.T) {
	queue := &fakeSQS{depth: 0}
	sync := &fakeSyncService{}
	w := newTestWorker(queue, sync)

	require.NoError(t, w.seedIfIdle(context.Background()))
	want := len(registry.Backfillable(false))
	assert.Len(t, queue.sent, want)
	assert.Equal(t, []string{"acct_1"}, sync.ensured, "run opened before the first message")

	var first Message
	require.NoError(t, json.Unmarshal([]byte(queue.sent[0]), &first))
	assert.Equal(t, "product", first.Object, "seeding follows backfill order")
	assert.Equal(t, "acct_1", first.AccountID)
}

func TestSeedIfIdleSkipsBusyQueue(t *testing.T) {
	queue := &fakeSQS{depth: 3}
	sync := &fakeSyncService{}
	w := newTestWorker(queue, sync)

	require.NoError(t, w.seedIfIdle(context.Background()))
	assert.Empty(t, queue.sent, "seeds wait until the queue drains")
	assert.Empty(t, sync.ensured)
}

func TestRedriveMovesValidMessages(t *testing.T) {
	queue := &fakeSQS{received: []types.Message{
		msg(t, "customer", "r1"),
		msg(t, "product", "r2"),
	}}
	w := newTestWorker(queue, &fakeSyncService{})

	res, err := w.Redrive(context.Background(), "dlq")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Moved)
	assert.Zero(t, res.Dropped)
	assert.Len(t, queue.sent, 2)
	assert.Equal(t, []string{"r1", "r2"}, queue.deleted)
}

func TestRedriveDropsUnusableMessages(t *testing.T) {
	queue := &fakeSQS{received: []types.Message{
		{Body: aws.String("not json"), ReceiptHandle: aws.String("r1")},
		msg(t, "no_such_object", "r2"),
		msg(t, "customer", "r3"),
	}}
	w := newTestWorker(queue, &fakeSyncService{})

	res, err := w.Redrive(context.Background(), "dlq")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)
	assert.Equal(t, 2, res.Dropped)
	assert.Len(t, queue.sent, 1)
	assert.Equal(t, []string{"r1", "r2", "r3"}, queue.deleted, "dropped messages leave the DLQ too")
}

func TestSeedIncludesSigmaWhenEnabled(t *testing.T) {
	queue := &fakeSQS{}
	w := New(queue, &fakeSyncService{}, fixedAccount("acct_1"),
		Config{QueueURL: "q", EnableSigma: true}, nil)

	require.NoError(t, w.seedIfIdle(context.Background()))
	assert.Len(t, queue.sent, len(registry.Backfillable(true)))
}
