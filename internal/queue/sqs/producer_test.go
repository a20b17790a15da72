package sqsqueue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/domain"
)

func TestMessageGroupIDBucketed(t *testing.T) {
	tenant := "t1"
	to := "+19990000001"

	got1 := messageGroupIDBucketed(tenant, to, 2000)
	got2 := messageGroupIDBucketed(tenant, to, 2000)
	if got1 != got2 {
		t.Fatalf("expected stable group id, got %q vs %q", got1, got2)
	}
	if len(got1) == 0 {
		t.Fatalf("expected non-empty group id")
	}

	// buckets<=0 should use default.
	got3 := messageGroupIDBucketed(tenant, to, 0)
	if got3 == "" {
		t.Fatalf("expected non-empty group id for default buckets")
	}
}

func TestProducerRoutesByChannel(t *testing.T) {
	fake := &fakeSQS{}
	p := &Producer{SQS: fake, Queues: map[domain.Channel]string{
		domain.ChannelEmail:    "https://sqs.local/email",
		domain.ChannelWhatsApp: "https://sqs.local/whatsapp.fifo",
	}}
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, Job{Channel: domain.ChannelEmail, DeliveryID: "env_1", TenantID: "7", To: "a@b.co", Subject: "hi"}))
	require.NoError(t, p.Enqueue(ctx, Job{Channel: domain.ChannelWhatsApp, DeliveryID: "env_2", TenantID: "7", To: "573001112233"}))
	require.Len(t, fake.sent, 2)

	email := fake.sent[0]
	assert.Equal(t, "https://sqs.local/email", *email.QueueUrl)
	assert.Nil(t, email.MessageGroupId)
	var job Job
	require.NoError(t, json.Unmarshal([]byte(*email.MessageBody), &job))
	assert.Equal(t, "hi", job.Subject)

	wa := fake.sent[1]
	assert.Equal(t, "https://sqs.local/whatsapp.fifo", *wa.QueueUrl)
	require.NotNil(t, wa.MessageGroupId)
	assert.Equal(t, messageGroupIDBucketed("7", "573001112233", 0), *wa.MessageGroupId)
	assert.Equal(t, "env_2", *wa.MessageDeduplicationId)
}

func TestProducerRejectsUnroutableJobs(t *testing.T) {
	p := &Producer{SQS: &fakeSQS{}, Queues: map[domain.Channel]string{domain.ChannelEmail: "q"}}

	assert.ErrorIs(t, p.Enqueue(context.Background(), Job{Channel: domain.ChannelEmail}), domain.ErrMissingFields)
	assert.Error(t, p.Enqueue(context.Background(), Job{Channel: domain.ChannelSMS, DeliveryID: "env_1", To: "x"}))
}
