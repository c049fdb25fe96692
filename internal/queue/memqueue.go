package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/stellarlinkco/memcube/internal/schema"
)

// Memory is the in-process FIFO backend. Reads are destructive, so Ack is a
// no-op.
type Memory struct {
	mu     sync.Mutex
	items  []*schema.ScheduleMessage
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, msgs ...*schema.ScheduleMessage) error {
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.items = append(m.items, msgs...)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Poll(ctx context.Context, max int) ([]*schema.ScheduleMessage, error) {
	if max <= 0 {
		max = 1
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.items) > 0 {
			n := max
			if n > len(m.items) {
				n = len(m.items)
			}
			batch := make([]*schema.ScheduleMessage, n)
			copy(batch, m.items[:n])
			m.items = m.items[n:]
			if len(m.items) == 0 {
				m.items = nil
			}
			m.mu.Unlock()
			return batch, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		case <-m.wake:
		}
	}
}

func (m *Memory) Ack(ctx context.Context, msgs ...*schema.ScheduleMessage) error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}
