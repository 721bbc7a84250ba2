package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type mockSQSClient struct {
	sendMessageFunc    func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	receiveMessageFunc func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	deleteMessageFunc  func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func (m *mockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendMessageFunc != nil {
		return m.sendMessageFunc(ctx, params, optFns...)
	}
	return &sqs.SendMessageOutput{}, nil
}

func (m *mockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.receiveMessageFunc != nil {
		return m.receiveMessageFunc(ctx, params, optFns...)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (m *mockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if m.deleteMessageFunc != nil {
		return m.deleteMessageFunc(ctx, params, optFns...)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSSendMessage(t *testing.T) {
	var captured *sqs.SendMessageInput
	mock := &mockSQSClient{
		sendMessageFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			captured = params
			return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
		},
	}
	client := NewSQSClientWithAPI(mock, "https://sqs.test/queue.fifo")

	work := &WorkMessage{
		PartitionID: "partition-7",
		Sequence:    42,
		Payload:     "work-body",
		TraceID:     "trace-abc",
		SpanID:      "span-def",
	}
	if err := client.SendMessage(context.Background(), work); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if captured == nil {
		t.Fatal("expected SendMessage to be called")
	}
	if *captured.MessageGroupId != "partition-7" {
		t.Errorf("expected message group partition-7, got %s", *captured.MessageGroupId)
	}
	if captured.MessageDeduplicationId == nil || len(*captured.MessageDeduplicationId) != 64 {
		t.Error("expected sha256 hex deduplication ID")
	}

	var decoded WorkMessage
	if err := json.Unmarshal([]byte(*captured.MessageBody), &decoded); err != nil {
		t.Fatalf("failed to decode message body: %v", err)
	}
	if decoded.Sequence != 42 || decoded.Payload != "work-body" {
		t.Errorf("unexpected decoded message: %+v", decoded)
	}

	if attr, ok := captured.MessageAttributes["TraceID"]; !ok || *attr.StringValue != "trace-abc" {
		t.Error("expected TraceID message attribute")
	}
	if attr, ok := captured.MessageAttributes["SpanID"]; !ok || *attr.StringValue != "span-def" {
		t.Error("expected SpanID message attribute")
	}
}

func TestSQSSendMessageRequiresPartition(t *testing.T) {
	client := NewSQSClientWithAPI(&mockSQSClient{}, "https://sqs.test/queue.fifo")
	err := client.SendMessage(context.Background(), &WorkMessage{Payload: "orphan"})
	if err == nil {
		t.Fatal("expected error for message without partition ID")
	}
}

func TestSQSSendMessageDedupIDsDiffer(t *testing.T) {
	seen := make(map[string]bool)
	mock := &mockSQSClient{
		sendMessageFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			seen[*params.MessageDeduplicationId] = true
			return &sqs.SendMessageOutput{}, nil
		},
	}
	client := NewSQSClientWithAPI(mock, "https://sqs.test/queue.fifo")

	work := &WorkMessage{PartitionID: "p", Sequence: 1}
	for i := 0; i < 5; i++ {
		if err := client.SendMessage(context.Background(), work); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct dedup IDs, got %d", len(seen))
	}
}

func TestSQSReceiveMessages(t *testing.T) {
	mock := &mockSQSClient{
		receiveMessageFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			if params.MaxNumberOfMessages != 5 {
				t.Errorf("expected max 5 messages, got %d", params.MaxNumberOfMessages)
			}
			if params.WaitTimeSeconds != 10 {
				t.Errorf("expected wait time 10, got %d", params.WaitTimeSeconds)
			}
			return &sqs.ReceiveMessageOutput{
				Messages: []types.Message{
					{
						MessageId:     aws.String("m1"),
						Body:          aws.String(`{"partition_id":"p1"}`),
						ReceiptHandle: aws.String("handle-1"),
						MessageAttributes: map[string]types.MessageAttributeValue{
							"TraceID": {DataType: aws.String("String"), StringValue: aws.String("t1")},
						},
					},
					{
						MessageId:     aws.String("m2"),
						Body:          aws.String(`{"partition_id":"p2"}`),
						ReceiptHandle: aws.String("handle-2"),
					},
				},
			}, nil
		},
	}
	client := NewSQSClientWithAPI(mock, "https://sqs.test/queue.fifo")

	messages, err := client.ReceiveMessages(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("ReceiveMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Handle != "handle-1" {
		t.Errorf("expected handle-1, got %s", messages[0].Handle)
	}
	traceID, _, _ := ExtractTraceContext(messages[0])
	if traceID != "t1" {
		t.Errorf("expected trace ID t1, got %s", traceID)
	}
	if _, ok := messages[1].Attributes["TraceID"]; ok {
		t.Error("second message should have no trace attributes")
	}
}

func TestSQSReceiveMessagesError(t *testing.T) {
	mock := &mockSQSClient{
		receiveMessageFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	client := NewSQSClientWithAPI(mock, "https://sqs.test/queue.fifo")

	if _, err := client.ReceiveMessages(context.Background(), 1, 0); err == nil {
		t.Fatal("expected receive error to propagate")
	}
}

func TestSQSDeleteMessage(t *testing.T) {
	var deletedHandle string
	mock := &mockSQSClient{
		deleteMessageFunc: func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
			deletedHandle = *params.ReceiptHandle
			return &sqs.DeleteMessageOutput{}, nil
		},
	}
	client := NewSQSClientWithAPI(mock, "https://sqs.test/queue.fifo")

	if err := client.DeleteMessage(context.Background(), "handle-9"); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if deletedHandle != "handle-9" {
		t.Errorf("expected handle-9 deleted, got %s", deletedHandle)
	}
}
