package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"dispatch/internal/domain"
)

const defaultGroupBuckets = 256

// Producer routes jobs to one queue per channel. FIFO queues (".fifo" URLs)
// get a bucketed group id and the delivery id as deduplication id.
type Producer struct {
	SQS    SQSAPI
	Queues map[domain.Channel]string

	GroupBuckets int
}

func (p *Producer) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	queueURL, ok := p.Queues[job.Channel]
	if !ok || queueURL == "" {
		return fmt.Errorf("no queue configured for channel %q", job.Channel)
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &queueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(queueURL, ".fifo") {
		in.MessageGroupId = str(messageGroupIDBucketed(job.TenantID, job.To, p.GroupBuckets))
		in.MessageDeduplicationId = str(job.DeliveryID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

// messageGroupIDBucketed spreads one tenant's destinations over a fixed
// number of FIFO groups, keeping per-destination order without serialising
// the whole tenant.
func messageGroupIDBucketed(tenantID, to string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(to))
	return fmt.Sprintf("%s:%d", tenantID, h.Sum32()%uint32(buckets))
}

func str(s string) *string { return &s }
