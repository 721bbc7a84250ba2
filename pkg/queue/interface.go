// Package queue provides the partition work feed for the partition manager.
// Supports SQS FIFO and Valkey Streams backends.
package queue

import (
	"context"
)

// Pinger is an optional interface for health checking queue connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Queue defines the interface for partition work feed operations.
// Implementations must provide FIFO semantics per partition.
type Queue interface {
	// SendMessage publishes a work message to the feed.
	SendMessage(ctx context.Context, work *WorkMessage) error

	// ReceiveMessages retrieves up to maxMessages with long polling.
	// waitTimeSeconds controls how long to wait for messages (0 = no wait).
	// Returns empty slice if no messages available.
	ReceiveMessages(ctx context.Context, maxMessages int32, waitTimeSeconds int32) ([]Message, error)

	// DeleteMessage acknowledges successful message processing.
	// handle is the receipt handle (SQS) or stream message ID (Valkey).
	DeleteMessage(ctx context.Context, handle string) error
}

// Message represents a feed message in a backend-agnostic format.
type Message struct {
	// ID is the unique message identifier.
	ID string

	// Body contains the JSON-encoded WorkMessage.
	Body string

	// Handle is used to delete/acknowledge the message.
	// For SQS: ReceiptHandle
	// For Valkey: stream message ID
	Handle string

	// Attributes contains message metadata (trace context, etc).
	Attributes map[string]string
}

// WorkMessage represents one partition work item for feed transport.
type WorkMessage struct {
	// PartitionID names the partition the work belongs to. All messages
	// for one partition are delivered in order.
	PartitionID string `json:"partition_id"`

	// Sequence orders work within a partition.
	Sequence int64 `json:"sequence,omitempty"`

	// Payload is the opaque work body.
	Payload string `json:"payload,omitempty"`

	// Trace context propagation.
	TraceID  string `json:"trace_id,omitempty"`
	SpanID   string `json:"span_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// ExtractTraceContext extracts trace context from message attributes.
func ExtractTraceContext(msg Message) (traceID, spanID, parentID string) {
	if msg.Attributes == nil {
		return "", "", ""
	}
	return msg.Attributes["TraceID"], msg.Attributes["SpanID"], msg.Attributes["ParentID"]
}
