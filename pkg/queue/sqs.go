package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

// SQSAPI defines SQS operations for feed message handling.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSClient implements Queue using an SQS FIFO queue. The partition ID is
// the message group, which gives per-partition ordering.
type SQSClient struct {
	sqsClient SQSAPI
	queueURL  string
}

// Verify SQSClient implements Queue.
var _ Queue = (*SQSClient)(nil)

// NewSQSClient creates an SQS client for the specified queue URL.
func NewSQSClient(cfg aws.Config, queueURL string) *SQSClient {
	return &SQSClient{
		sqsClient: sqs.NewFromConfig(cfg),
		queueURL:  queueURL,
	}
}

// NewSQSClientWithAPI creates a client with an existing API (for testing).
func NewSQSClientWithAPI(api SQSAPI, queueURL string) *SQSClient {
	return &SQSClient{
		sqsClient: api,
		queueURL:  queueURL,
	}
}

// SendMessage sends a work message with deduplication.
// Deduplication ID uses partition + sequence + timestamp + UUID to prevent
// race conditions from concurrent sends.
func (c *SQSClient) SendMessage(ctx context.Context, work *WorkMessage) error {
	if work.PartitionID == "" {
		return fmt.Errorf("partition ID is required for SQS FIFO message grouping")
	}

	body, err := json.Marshal(work)
	if err != nil {
		return fmt.Errorf("failed to marshal work message: %w", err)
	}

	dedupKey := fmt.Sprintf("%s-%d-%d-%s", work.PartitionID, work.Sequence, time.Now().UnixNano(), uuid.New().String()[:8])
	hash := sha256.Sum256([]byte(dedupKey))
	dedupID := hex.EncodeToString(hash[:])

	input := &sqs.SendMessageInput{
		QueueUrl:               aws.String(c.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(work.PartitionID),
		MessageDeduplicationId: aws.String(dedupID),
	}

	if work.TraceID != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"TraceID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(work.TraceID),
			},
		}
		if work.SpanID != "" {
			input.MessageAttributes["SpanID"] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(work.SpanID),
			}
		}
		if work.ParentID != "" {
			input.MessageAttributes["ParentID"] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(work.ParentID),
			}
		}
	}

	if _, err := c.sqsClient.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send message to SQS: %w", err)
	}
	return nil
}

// ReceiveMessages retrieves messages from the queue with long polling.
func (c *SQSClient) ReceiveMessages(ctx context.Context, maxMessages int32, waitTimeSeconds int32) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   maxMessages,
		WaitTimeSeconds:       waitTimeSeconds,
		VisibilityTimeout:     int32(60),
		MessageAttributeNames: []string{"All"},
	}

	output, err := c.sqsClient.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	messages := make([]Message, 0, len(output.Messages))
	for _, raw := range output.Messages {
		msg := Message{
			Attributes: make(map[string]string),
		}
		if raw.MessageId != nil {
			msg.ID = *raw.MessageId
		}
		if raw.Body != nil {
			msg.Body = *raw.Body
		}
		if raw.ReceiptHandle != nil {
			msg.Handle = *raw.ReceiptHandle
		}
		for name, attr := range raw.MessageAttributes {
			if attr.StringValue != nil {
				msg.Attributes[name] = *attr.StringValue
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// DeleteMessage removes a processed message from the queue.
func (c *SQSClient) DeleteMessage(ctx context.Context, handle string) error {
	_, err := c.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
