package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/domain"
)

type fakeSQS struct {
	mu         sync.Mutex
	sent       []*sqs.SendMessageInput
	deleted    []string
	visibility map[string]int32
	inbox      []types.Message
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[*in.ReceiptHandle] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func message(t *testing.T, handle string, job Job, receives int) types.Message {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	return types.Message{
		Body:          str(string(b)),
		ReceiptHandle: str(handle),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(receives),
		},
	}
}

var testJob = Job{Channel: domain.ChannelWhatsApp, DeliveryID: "env_1", TenantID: "7", To: "573001112233"}

func TestHandle_SuccessDeletes(t *testing.T) {
	fake := &fakeSQS{}
	c := &Consumer{SQS: fake, QueueURL: "q", MaxAttempts: 3}

	var gotAttempt int
	c.handle(context.Background(), message(t, "h1", testJob, 2), func(_ context.Context, job Job, attempt int) error {
		gotAttempt = attempt
		assert.Equal(t, "env_1", job.DeliveryID)
		return nil
	})

	assert.Equal(t, 2, gotAttempt)
	assert.Equal(t, []string{"h1"}, fake.deleted)
}

func TestHandle_ReleaseChangesVisibility(t *testing.T) {
	fake := &fakeSQS{}
	finals := 0
	c := &Consumer{SQS: fake, QueueURL: "q", MaxAttempts: 3, OnFinalFailure: func(context.Context, Job, error) { finals++ }}

	c.handle(context.Background(), message(t, "h1", testJob, 1), func(context.Context, Job, int) error {
		return Release(10*time.Second, "rate limited")
	})

	assert.Empty(t, fake.deleted)
	assert.Equal(t, int32(10), fake.visibility["h1"])
	assert.Zero(t, finals)
}

func TestHandle_ErrorBeforeLastAttemptLeavesMessage(t *testing.T) {
	fake := &fakeSQS{}
	c := &Consumer{SQS: fake, QueueURL: "q", MaxAttempts: 3}

	c.handle(context.Background(), message(t, "h1", testJob, 2), func(context.Context, Job, int) error {
		return errors.New("provider 503")
	})

	assert.Empty(t, fake.deleted)
	assert.Empty(t, fake.visibility)
}

func TestHandle_LastAttemptRunsFinalFailureAndDeletes(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"provider error", errors.New("provider 503")},
		{"still rate limited", Release(10*time.Second, "rate limited")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeSQS{}
			var got []error
			c := &Consumer{SQS: fake, QueueURL: "q", MaxAttempts: 3, OnFinalFailure: func(_ context.Context, job Job, err error) {
				assert.Equal(t, "env_1", job.DeliveryID)
				got = append(got, err)
			}}

			c.handle(context.Background(), message(t, "h1", testJob, 3), func(context.Context, Job, int) error { return tc.err })

			require.Len(t, got, 1)
			assert.Equal(t, tc.err, got[0])
			assert.Equal(t, []string{"h1"}, fake.deleted)
		})
	}
}

func TestHandle_PoisonMessagesAreDeleted(t *testing.T) {
	fake := &fakeSQS{}
	c := &Consumer{SQS: fake, QueueURL: "q"}
	called := false
	h := func(context.Context, Job, int) error { called = true; return nil }

	c.handle(context.Background(), types.Message{ReceiptHandle: str("nil-body")}, h)
	c.handle(context.Background(), types.Message{ReceiptHandle: str("bad-json"), Body: str("{")}, h)
	c.handle(context.Background(), message(t, "no-id", Job{Channel: domain.ChannelEmail}, 1), h)

	assert.False(t, called)
	assert.Equal(t, []string{"nil-body", "bad-json", "no-id"}, fake.deleted)
}

func TestReceiveCountDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, receiveCount(types.Message{}))
	assert.Equal(t, 4, receiveCount(types.Message{Attributes: map[string]string{"ApproximateReceiveCount": "4"}}))
}

func TestPollConcurrentDrainsAndStops(t *testing.T) {
	fake := &fakeSQS{inbox: []types.Message{
		message(t, "h1", testJob, 1),
		message(t, "h2", testJob, 1),
		message(t, "h3", testJob, 1),
	}}
	c := &Consumer{SQS: fake, QueueURL: "q"}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	handled := 0
	done := make(chan error, 1)
	go func() {
		done <- c.PollConcurrent(ctx, 2, func(context.Context, Job, int) error {
			mu.Lock()
			handled++
			n := handled
			mu.Unlock()
			if n == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, 3, handled)
	assert.ElementsMatch(t, []string{"h1", "h2", "h3"}, fake.deleted)
}
