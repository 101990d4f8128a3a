// Package memory provides an in-memory queue.Queue used by tests and
// the synchronous profile. It mirrors the at-least-once semantics of the
// Redis implementation: delivered messages stay pending until acked and
// can be reclaimed after an idle period.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/cnabflow/pkg/queue"
)

type pendingEntry struct {
	message     queue.Message
	deliveredAt time.Time
}

// Queue is an in-memory work queue. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	nextID  int
	ready   []queue.Message
	pending map[string]*pendingEntry
	dead    []queue.DeadLetter
	wake    chan struct{}
}

// New creates an empty in-memory queue.
func New() *Queue {
	return &Queue{
		pending: make(map[string]*pendingEntry),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue appends a message to the ready list.
func (q *Queue) Enqueue(ctx context.Context, m queue.Message) error {
	q.mu.Lock()
	q.nextID++
	m.ID = fmt.Sprintf("%d-0", q.nextID)
	q.ready = append(q.ready, m)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Consume returns up to batch ready messages, blocking up to block when
// none are available. Delivered messages move to the pending set.
func (q *Queue) Consume(ctx context.Context, consumerID string, batch int, block time.Duration) ([]queue.Message, error) {
	deadline := time.Now().Add(block)
	for {
		if msgs := q.take(batch); len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (q *Queue) take(batch int) []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := batch
	if n > len(q.ready) {
		n = len(q.ready)
	}
	if n == 0 {
		return nil
	}

	msgs := make([]queue.Message, n)
	copy(msgs, q.ready[:n])
	q.ready = q.ready[n:]

	now := time.Now()
	for _, m := range msgs {
		q.pending[m.ID] = &pendingEntry{message: m, deliveredAt: now}
	}
	return msgs
}

// Ack removes a delivered message from the pending set.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, messageID)
	return nil
}

// Reclaim returns pending messages idle for at least minIdle, refreshing
// their delivery time.
func (q *Queue) Reclaim(ctx context.Context, consumerID string, minIdle time.Duration, batch int) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var msgs []queue.Message
	for _, entry := range q.pending {
		if len(msgs) >= batch {
			break
		}
		if now.Sub(entry.deliveredAt) >= minIdle {
			entry.deliveredAt = now
			msgs = append(msgs, entry.message)
		}
	}
	return msgs, nil
}

// EnqueueDead appends the payload to the dead-letter list.
func (q *Queue) EnqueueDead(ctx context.Context, d queue.DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, d)
	return nil
}

// DeadLetters returns a copy of the dead-letter list (test helper).
func (q *Queue) DeadLetters() []queue.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// PendingCount returns the number of unacknowledged deliveries (test helper).
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ReadyCount returns the number of undelivered messages (test helper).
func (q *Queue) ReadyCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}
