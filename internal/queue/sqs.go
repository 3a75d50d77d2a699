package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

const (
	sqsWaitTimeSeconds   = 20
	sqsVisibilityTimeout = 900 // longer than any single job timeout
)

// SQS adapts one SQS queue to the Queue interface.
type SQS struct {
	client   *sqs.Client
	queueURL string
}

// NewSQS wraps an SQS client for the given queue URL.
func NewSQS(client *sqs.Client, queueURL string) *SQS {
	return &SQS{client: client, queueURL: queueURL}
}

func (q *SQS) Publish(ctx context.Context, msg models.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQS) Receive(ctx context.Context, max int) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	if max > 10 {
		max = 10 // SQS batch ceiling
	}

	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     sqsWaitTimeSeconds,
		VisibilityTimeout:   sqsVisibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	out := make([]Message, 0, len(result.Messages))
	for _, raw := range result.Messages {
		if raw.Body == nil || raw.ReceiptHandle == nil {
			continue
		}
		var body models.JobMessage
		if err := json.Unmarshal([]byte(*raw.Body), &body); err != nil {
			// Malformed hints are dropped; a claimable ledger row behind one
			// is still picked up when the next hint wakes a worker.
			_ = q.Delete(ctx, *raw.ReceiptHandle)
			continue
		}
		out = append(out, Message{Body: body, Handle: *raw.ReceiptHandle})
	}
	return out, nil
}

func (q *SQS) Delete(ctx context.Context, handle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *SQS) Ping(ctx context.Context) error {
	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
	})
	if err != nil {
		return fmt.Errorf("queue unreachable: %w", err)
	}
	return nil
}
