package queue

import (
	"fmt"
	"sync"
	"time"

	"gridtrade/internal/logger"
)

// ExecutionRequest is the fire-and-forget hand-off published when an algo
// order starts. Delivery and ordering guarantees belong to the transport,
// not to this core.
type ExecutionRequest struct {
	AlgoID      string
	Payload     map[string]any
	PublishedAt time.Time
}

// Publisher is the transport seam. Production wiring may swap the in-proc
// channel implementation for a real broker without touching the scheduler.
type Publisher interface {
	PublishExecutionRequest(algoID string, payload map[string]any) error
}

// ChannelQueue is a buffered in-process transport.
type ChannelQueue struct {
	ch     chan ExecutionRequest
	stopCh chan struct{}
	once   sync.Once
}

func NewChannelQueue(buffer int) *ChannelQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelQueue{
		ch:     make(chan ExecutionRequest, buffer),
		stopCh: make(chan struct{}),
	}
}

func (q *ChannelQueue) PublishExecutionRequest(algoID string, payload map[string]any) error {
	req := ExecutionRequest{AlgoID: algoID, Payload: payload, PublishedAt: time.Now()}
	select {
	case <-q.stopCh:
		return fmt.Errorf("执行队列已关闭")
	case q.ch <- req:
		logger.Debugf("执行请求已入队 algo_id=%s", algoID)
		return nil
	default:
		return fmt.Errorf("执行队列已满，algo_id=%s", algoID)
	}
}

// Requests exposes the consumer side.
func (q *ChannelQueue) Requests() <-chan ExecutionRequest {
	return q.ch
}

func (q *ChannelQueue) Close() {
	q.once.Do(func() { close(q.stopCh) })
}
