// Package sqs adapts Amazon SQS to the queue.Queue interface.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/brightboard/tutorengine/queue"
)

// Config configures the SQS-backed queue.
type Config struct {
	// Region overrides the SDK's resolved region when set.
	Region string
	// QueueURLs maps logical queue names to SQS queue URLs.
	QueueURLs map[string]string
	// VisibilityTimeout applies to received messages. Defaults to 30s.
	VisibilityTimeout time.Duration
}

// Queue implements queue.Queue on Amazon SQS. Messages are deleted on
// receive; delivery to the drain worker is at-most-once.
type Queue struct {
	client *awssqs.Client
	cfg    Config
}

// New creates an SQS queue using the ambient AWS credential chain.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if len(cfg.QueueURLs) == 0 {
		return nil, fmt.Errorf("at least one queue URL is required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Queue{client: awssqs.NewFromConfig(awsCfg), cfg: cfg}, nil
}

func (q *Queue) url(queueName string) (string, error) {
	u, ok := q.cfg.QueueURLs[queueName]
	if !ok {
		return "", fmt.Errorf("no queue URL configured for %q", queueName)
	}
	return u, nil
}

// Enqueue sends a record to the mapped SQS queue.
func (q *Queue) Enqueue(ctx context.Context, queueName string, rec *queue.Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	u, err := q.url(queueName)
	if err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(u),
		MessageBody: aws.String(string(b)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"record_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.ID),
			},
		},
	})
	return err
}

// DequeueWithTimeout long-polls the mapped SQS queue for one message.
func (q *Queue) DequeueWithTimeout(ctx context.Context, queueName string, timeout time.Duration) (*queue.Record, error) {
	u, err := q.url(queueName)
	if err != nil {
		return nil, err
	}
	waitSecs := int32(timeout / time.Second)
	if waitSecs > 20 {
		waitSecs = 20 // SQS long-poll ceiling
	}
	out, err := q.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:            aws.String(u),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     waitSecs,
		VisibilityTimeout:   int32(q.cfg.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Messages) == 0 {
		return nil, queue.ErrEmpty
	}
	msg := out.Messages[0]

	var rec queue.Record
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	_, err = q.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(u),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return &rec, nil
}

// Len returns the approximate number of pending messages.
func (q *Queue) Len(ctx context.Context, queueName string) (int, error) {
	u, err := q.url(queueName)
	if err != nil {
		return 0, err
	}
	out, err := q.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(u),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, err
	}
	var n int
	fmt.Sscanf(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], "%d", &n)
	return n, nil
}

// Close is a no-op; the SDK client holds no persistent connection.
func (q *Queue) Close() error { return nil }
