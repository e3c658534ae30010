package transcription

import (
	"context"
	"sync"
)

// chunkQueue is an unbounded FIFO of audio chunks. Push never blocks.
type chunkQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	notify chan struct{}
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{notify: make(chan struct{}, 1)}
}

// Push appends a chunk. It reports false once the queue is closed.
func (q *chunkQueue) Push(chunk []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, chunk)
	q.mu.Unlock()
	q.signal()
	return true
}

// Close enqueues the end-of-stream marker; items pushed before it are still popped.
func (q *chunkQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Pop blocks until a chunk is available. It returns false after Close once
// the queue is drained, or when ctx is done.
func (q *chunkQueue) Pop(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			chunk := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return chunk, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len reports the number of queued chunks.
func (q *chunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *chunkQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
