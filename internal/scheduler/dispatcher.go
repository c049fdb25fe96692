// Package scheduler pulls message batches off the queue and drives the label
// handlers: one owner's messages run in order, different owners run
// concurrently on a shared bounded pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/queue"
	"github.com/stellarlinkco/memcube/internal/schema"
)

// Handler processes one owner's ordered messages for a single label.
type Handler func(ctx context.Context, msgs []*schema.ScheduleMessage) error

// Submitter is the slice of the queue handlers use for follow-on messages.
// Its method keeps the queue's name so queue.Queue satisfies it directly.
type Submitter interface {
	Enqueue(ctx context.Context, msgs ...*schema.ScheduleMessage) error
}

// Group is one owner's ordered messages for one label.
type Group struct {
	Owner    schema.Owner
	Label    schema.Label
	Messages []*schema.ScheduleMessage
}

// GroupByOwnerAndCube splits a polled batch into per-owner buckets. Buckets
// keep owner order of first appearance; inside a bucket, consecutive
// same-label messages form one group, so running the groups in sequence
// replays the owner's enqueue order across labels.
func GroupByOwnerAndCube(msgs []*schema.ScheduleMessage) [][]Group {
	index := make(map[string]int)
	var buckets [][]Group
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		key := msg.Owner.Key()
		i, ok := index[key]
		if !ok {
			i = len(buckets)
			index[key] = i
			buckets = append(buckets, nil)
		}
		groups := buckets[i]
		if n := len(groups); n > 0 && groups[n-1].Label == msg.Label {
			groups[n-1].Messages = append(groups[n-1].Messages, msg)
			continue
		}
		buckets[i] = append(groups, Group{
			Owner:    msg.Owner,
			Label:    msg.Label,
			Messages: []*schema.ScheduleMessage{msg},
		})
	}
	return buckets
}

// Dispatcher owns the consumer loop and the label handler table.
type Dispatcher struct {
	queue     queue.Queue
	pool      *Pool
	handlers  map[schema.Label]Handler
	batchSize int
	timeout   time.Duration
}

func NewDispatcher(q queue.Queue, pool *Pool, cfg config.SchedulerConfig) *Dispatcher {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = config.DefaultBatchSize
	}
	return &Dispatcher{
		queue:     q,
		pool:      pool,
		handlers:  make(map[schema.Label]Handler),
		batchSize: batch,
		timeout:   cfg.Timeout(),
	}
}

// Register binds a handler to a label. Call before Run; the table is not
// guarded against concurrent mutation.
func (d *Dispatcher) Register(label schema.Label, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %s: nil handler", label)
	}
	if _, ok := d.handlers[label]; ok {
		return fmt.Errorf("register %s: duplicate handler", label)
	}
	d.handlers[label] = h
	return nil
}

// Run polls and dispatches until ctx ends or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[scheduler] consumer loop started")
	for {
		if ctx.Err() != nil {
			log.Printf("[scheduler] consumer loop stopped")
			return
		}
		msgs, err := d.queue.Poll(ctx, d.batchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				log.Printf("[scheduler] consumer loop stopped")
				return
			}
			log.Printf("[scheduler] poll: %v", err)
			// back off so a broken queue does not spin the loop
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		d.DispatchBatch(ctx, msgs)
	}
}

// DispatchBatch fans one polled batch out across owners and awaits every
// owner group, bounded by the handler timeout. The batch is acked afterwards
// either way; an abandoned group keeps running in the background and its
// result is discarded.
func (d *Dispatcher) DispatchBatch(ctx context.Context, msgs []*schema.ScheduleMessage) {
	// one deadline covers submission and the wait, so a full pool cannot
	// hold the consumer loop past the handler timeout
	batchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var pending []<-chan error
	for _, groups := range GroupByOwnerAndCube(msgs) {
		groups := groups
		done, ok := d.pool.Submit(batchCtx, func() error {
			return d.runOwner(ctx, groups)
		})
		if !ok {
			log.Printf("[scheduler] submit owner %s: pool unavailable", groups[0].Owner)
			continue
		}
		pending = append(pending, done)
	}

	for i, done := range pending {
		select {
		case err := <-done:
			if err != nil {
				log.Printf("[scheduler] owner group: %v", err)
			}
		case <-batchCtx.Done():
			log.Printf("[scheduler] handler timeout after %s, abandoning %d owner groups", d.timeout, len(pending)-i)
			d.ack(ctx, msgs)
			return
		}
	}
	d.ack(ctx, msgs)
}

// runOwner executes one owner's label groups serially. A group failure is
// logged with its owner and label and the remaining groups still run.
func (d *Dispatcher) runOwner(ctx context.Context, groups []Group) error {
	for _, group := range groups {
		handler, ok := d.handlers[group.Label]
		if !ok {
			log.Printf("[scheduler] no handler for label %q (owner %s, %d messages)", group.Label, group.Owner, len(group.Messages))
			continue
		}
		if err := handler(ctx, group.Messages); err != nil {
			log.Printf("[scheduler] %s handler for %s: %v", group.Label, group.Owner, err)
		}
	}
	return nil
}

func (d *Dispatcher) ack(ctx context.Context, msgs []*schema.ScheduleMessage) {
	if err := d.queue.Ack(ctx, msgs...); err != nil {
		log.Printf("[scheduler] ack %d messages: %v", len(msgs), err)
	}
}
