package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/lexpipe/lexpipe/pkg/observability"
)

// SQSAPI defines the low-level AWS SQS operations we need
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSTaskQueue is the production TaskQueue backed by AWS SQS
type SQSTaskQueue struct {
	client   SQSAPI
	queueURL string
	logger   observability.Logger
}

var _ TaskQueue = (*SQSTaskQueue)(nil)

// NewSQSTaskQueue wraps an SQS client as a TaskQueue
func NewSQSTaskQueue(client SQSAPI, queueURL string, logger observability.Logger) *SQSTaskQueue {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SQSTaskQueue{
		client:   client,
		queueURL: queueURL,
		logger:   logger.WithPrefix("queue"),
	}
}

func (q *SQSTaskQueue) Enqueue(ctx context.Context, task Task) error {
	return q.send(ctx, task, 0)
}

func (q *SQSTaskQueue) EnqueueDelayed(ctx context.Context, task Task, delay time.Duration) error {
	return q.send(ctx, task, delay)
}

func (q *SQSTaskQueue) send(ctx context.Context, task Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if delay > 0 {
		// SQS caps per-message delay at 15 minutes
		seconds := int32(delay / time.Second)
		if seconds > 900 {
			seconds = 900
		}
		input.DelaySeconds = seconds
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		q.logger.Error("Failed to enqueue task", map[string]interface{}{
			"task_id":     task.TaskID,
			"task_type":   task.Type,
			"document_id": task.DocumentID.String(),
			"error":       err.Error(),
		})
		return fmt.Errorf("failed to send task to queue: %w", err)
	}

	q.logger.Debug("Task enqueued", map[string]interface{}{
		"task_id":     task.TaskID,
		"task_type":   task.Type,
		"document_id": task.DocumentID.String(),
	})
	return nil
}

func (q *SQSTaskQueue) Receive(ctx context.Context, maxMessages int32, waitSeconds int32) ([]Task, []string, error) {
	resp, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	var tasks []Task
	var receipts []string
	for _, msg := range resp.Messages {
		var task Task
		if err := json.Unmarshal([]byte(*msg.Body), &task); err != nil {
			// Malformed message: acknowledge it so it does not loop forever
			q.logger.Warn("Dropping unparseable task message", map[string]interface{}{
				"error": err.Error(),
			})
			if msg.ReceiptHandle != nil {
				_ = q.Delete(ctx, *msg.ReceiptHandle)
			}
			continue
		}
		tasks = append(tasks, task)
		receipts = append(receipts, *msg.ReceiptHandle)
	}
	return tasks, receipts, nil
}

func (q *SQSTaskQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// SQSEventPublisher publishes pipeline events onto a second SQS queue for
// downstream consumers (notifications, audit sinks).
type SQSEventPublisher struct {
	client   SQSAPI
	queueURL string
	logger   observability.Logger
}

var _ EventPublisher = (*SQSEventPublisher)(nil)

// NewSQSEventPublisher wraps an SQS client as an EventPublisher. An empty
// queueURL disables publishing.
func NewSQSEventPublisher(client SQSAPI, queueURL string, logger observability.Logger) *SQSEventPublisher {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SQSEventPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger.WithPrefix("events"),
	}
}

func (p *SQSEventPublisher) Publish(ctx context.Context, event PipelineEvent) error {
	if p.queueURL == "" {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		p.logger.Warn("Failed to publish pipeline event", map[string]interface{}{
			"event_type":  event.EventType,
			"document_id": event.DocumentID.String(),
			"error":       err.Error(),
		})
		return err
	}
	return nil
}
