package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of *sqs.Client used by the producer and consumer.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Handler processes one job. attempt starts at 1 and counts every receive of
// the message, releases included.
type Handler func(ctx context.Context, job Job, attempt int) error

// FinalFailureHandler runs once a job has used up its attempts. It must be
// safe to run more than once for the same job.
type FinalFailureHandler func(ctx context.Context, job Job, err error)

type Consumer struct {
	SQS      SQSAPI
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32

	// MaxAttempts bounds the receives of one message. Zero means unbounded
	// and leaves exhausted messages to the queue's redrive policy.
	MaxAttempts    int
	OnFinalFailure FinalFailureHandler
}

func (c *Consumer) Poll(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := c.receive(ctx)
		if err != nil {
			c.backoff(ctx, err)
			continue
		}
		for _, m := range msgs {
			c.handle(ctx, m, handler)
		}
	}
}

// PollConcurrent processes messages with a worker pool. Messages are deleted only after handler completes.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		return c.Poll(ctx, handler)
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}
			msgs, err := c.receive(ctx)
			if err != nil {
				c.backoff(ctx, err)
				continue
			}
			for _, m := range msgs {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh
	wg.Wait()
	return err
}

// backoff pauses the poll loop after a failed receive.
func (c *Consumer) backoff(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	slog.Warn("sqs receive failed", "err", err, "queue_url", c.QueueURL)
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Consumer) receive(ctx context.Context) ([]types.Message, error) {
	out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &c.QueueURL,
		MaxNumberOfMessages: c.MaxMessages,
		WaitTimeSeconds:     c.WaitTimeSeconds,
		VisibilityTimeout:   c.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("sqs receive message failed", "err", err, "queue", c.QueueURL)
			time.Sleep(500 * time.Millisecond)
		}
		return nil, err
	}
	return out.Messages, nil
}

func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	// Acks must survive shutdown of the polling context.
	ackCtx := context.WithoutCancel(ctx)

	if m.Body == nil {
		c.delete(ackCtx, m)
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(*m.Body), &job); err != nil {
		slog.Error("sqs poison message dropped", "err", err, "queue", c.QueueURL)
		c.delete(ackCtx, m)
		return
	}
	if err := job.Validate(); err != nil {
		slog.Error("sqs invalid job dropped", "err", err, "queue", c.QueueURL)
		c.delete(ackCtx, m)
		return
	}

	attempt := receiveCount(m)
	err := handler(ctx, job, attempt)
	if err == nil {
		c.delete(ackCtx, m)
		return
	}

	exhausted := c.MaxAttempts > 0 && attempt >= c.MaxAttempts
	log := slog.With("envio_id", job.DeliveryID, "channel", job.Channel, "attempt", attempt)

	if exhausted {
		log.Error("job attempts exhausted", "err", err)
		if c.OnFinalFailure != nil {
			c.OnFinalFailure(ackCtx, job, err)
		}
		c.delete(ackCtx, m)
		return
	}

	if rel, ok := IsRelease(err); ok {
		log.Warn("job released", "delay", rel.Delay, "reason", rel.Reason)
		c.changeVisibility(ackCtx, m, rel.Delay)
		return
	}

	// Leave the message in flight; it comes back once the visibility timeout expires.
	log.Error("sqs handler error", "err", err)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Error("sqs delete message failed", "err", err, "queue", c.QueueURL)
	}
}

func (c *Consumer) changeVisibility(ctx context.Context, m types.Message, d time.Duration) {
	secs := int32(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	_, err := c.SQS.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &c.QueueURL,
		ReceiptHandle:     m.ReceiptHandle,
		VisibilityTimeout: secs,
	})
	if err != nil {
		slog.Error("sqs change visibility failed", "err", err, "queue", c.QueueURL)
	}
}

func receiveCount(m types.Message) int {
	n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
