package media

import (
	"context"
	"sync/atomic"
)

// FrameQueue 有界帧队列。队满时丢弃最旧的帧为新帧腾位，
// 传输的背压以丢帧的形式传导到编码侧，绝不无限堆积
type FrameQueue struct {
	frames  chan *Frame
	dropped atomic.Int64
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{frames: make(chan *Frame, capacity)}
}

func (q *FrameQueue) Push(frame *Frame) {
	for {
		select {
		case q.frames <- frame:
			return
		default:
			select {
			case <-q.frames:
				q.dropped.Add(1)
			default:
			}
		}
	}
}

func (q *FrameQueue) Pop(ctx context.Context) (*Frame, error) {
	select {
	case frame := <-q.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *FrameQueue) Dropped() int64 {
	return q.dropped.Load()
}

func (q *FrameQueue) Len() int {
	return len(q.frames)
}
