package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Shavakan/app-lease/pkg/logging"
	"github.com/Shavakan/app-lease/pkg/queue"
)

var log = logging.WithComponent(logging.LogTypePartition, "stream_manager")

// pumpTickInterval is the interval between feed polls when the previous poll
// returned no messages. Exposed as a variable to allow testing with shorter
// durations.
var pumpTickInterval = 1 * time.Second

// processTimeout bounds the handling of a single work message.
var processTimeout = 30 * time.Second

// Processor handles one partition work item. Returning an error leaves the
// message unacked for redelivery.
type Processor func(ctx context.Context, work queue.WorkMessage) error

// MetricsAPI provides metrics publishing for partition processing.
type MetricsAPI interface {
	PublishPartitionProcessed(ctx context.Context) error
	PublishPartitionFailure(ctx context.Context) error
}

// StreamManager pumps partition work from a feed to a Processor with a fixed
// pool of worker goroutines. Messages are acked only after the processor
// succeeds, so failed work is redelivered by the feed.
type StreamManager struct {
	feed      queue.Queue
	processor Processor
	metrics   MetricsAPI
	workers   int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Verify StreamManager implements Manager.
var _ Manager = (*StreamManager)(nil)

// NewStreamManager creates a stream manager with the given worker count.
// workers below 1 is coerced to 1.
func NewStreamManager(feed queue.Queue, processor Processor, metrics MetricsAPI, workers int) *StreamManager {
	if workers < 1 {
		workers = 1
	}
	return &StreamManager{
		feed:      feed,
		processor: processor,
		metrics:   metrics,
		workers:   workers,
	}
}

// Start launches the worker pumps. Calling Start on a running manager is a
// no-op.
func (m *StreamManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	if pinger, ok := m.feed.(queue.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			return fmt.Errorf("partition feed unreachable: %w", err)
		}
	}

	// Pump lifetime is controlled by Stop, not by the Start context. The
	// coordinator passes a short-lived call context here.
	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.pump(pumpCtx, id)
		}(i)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	m.running = true
	m.cancel = cancel
	m.done = done

	log.Info("partition manager started", logging.KeyCount, m.workers)
	return nil
}

// Stop halts the pumps and waits for in-flight work to finish, bounded by
// ctx. Calling Stop on a stopped manager is a no-op.
func (m *StreamManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}

	m.cancel()
	select {
	case <-m.done:
	case <-ctx.Done():
		m.running = false
		return fmt.Errorf("timed out waiting for partition workers: %w", ctx.Err())
	}

	m.running = false
	log.Info("partition manager stopped")
	return nil
}

// pump is one worker loop: poll the feed, process, ack.
func (m *StreamManager) pump(ctx context.Context, id int) {
	ticker := time.NewTicker(pumpTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, err := m.feed.ReceiveMessages(ctx, 10, 5)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("failed to receive partition work", logging.KeyError, err)
				continue
			}

			for _, msg := range messages {
				if err := m.handle(ctx, msg); err != nil {
					log.Error("failed to process partition work",
						logging.KeyError, err)
					if m.metrics != nil {
						_ = m.metrics.PublishPartitionFailure(ctx)
					}
					continue
				}
				if err := m.feed.DeleteMessage(ctx, msg.Handle); err != nil {
					log.Error("failed to ack partition work", logging.KeyError, err)
					continue
				}
				if m.metrics != nil {
					_ = m.metrics.PublishPartitionProcessed(ctx)
				}
			}
		}
	}
}

func (m *StreamManager) handle(ctx context.Context, msg queue.Message) error {
	if msg.Body == "" {
		return fmt.Errorf("work message body is empty")
	}

	var work queue.WorkMessage
	if err := json.Unmarshal([]byte(msg.Body), &work); err != nil {
		return fmt.Errorf("failed to unmarshal work message: %w", err)
	}

	msgCtx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	log.Debug("processing partition work",
		logging.KeyPartition, work.PartitionID,
		logging.KeyCount, work.Sequence)

	return m.processor(msgCtx, work)
}
