// Package queue moves schedule messages from producers to the dispatcher.
// Two backends: an in-process FIFO for single-binary deployments, and redis
// streams when producers and the scheduler run in separate processes.
package queue

import (
	"context"
	"errors"

	"github.com/stellarlinkco/memcube/internal/schema"
)

// ErrClosed is returned once a queue has been shut down.
var ErrClosed = errors.New("queue: closed")

// Queue is the transport between producers and the dispatcher.
type Queue interface {
	// Enqueue appends messages in order.
	Enqueue(ctx context.Context, msgs ...*schema.ScheduleMessage) error
	// Poll returns up to max pending messages, oldest first. It blocks
	// while the queue is empty, bounded by the backend's poll timeout or
	// the context, and an empty batch is not an error.
	Poll(ctx context.Context, max int) ([]*schema.ScheduleMessage, error)
	// Ack marks polled messages as fully processed. Backends with
	// destructive reads treat it as a no-op.
	Ack(ctx context.Context, msgs ...*schema.ScheduleMessage) error
	Close() error
}
