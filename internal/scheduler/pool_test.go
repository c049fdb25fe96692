package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPool_RunsTasksConcurrently(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	var (
		mu   sync.Mutex
		peak int
		cur  int
	)
	barrier := make(chan struct{})
	var results []<-chan error
	for i := 0; i < 4; i++ {
		done, ok := pool.Submit(context.Background(), func() error {
			mu.Lock()
			cur++
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			<-barrier
			mu.Lock()
			cur--
			mu.Unlock()
			return nil
		})
		if !ok {
			t.Fatalf("submit %d rejected", i)
		}
		results = append(results, done)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		p := peak
		mu.Unlock()
		if p == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peak concurrency %d, want 4", p)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(barrier)
	for i, done := range results {
		if err := <-done; err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}
}

func TestPool_SubmitRejectsOnCanceledContext(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	// the tasks channel is unbuffered, so once this submit returns the only
	// worker holds the task and nothing can receive the next one
	block := make(chan struct{})
	defer close(block)
	if _, ok := pool.Submit(context.Background(), func() error { <-block; return nil }); !ok {
		t.Fatal("first submit rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := pool.Submit(ctx, func() error { return nil }); ok {
		t.Fatal("submit accepted on canceled context")
	}
}

func TestPool_SubmitRejectsAfterClose(t *testing.T) {
	pool := NewPool(2)
	pool.Close()
	if _, ok := pool.Submit(context.Background(), func() error { return nil }); ok {
		t.Fatal("submit accepted after close")
	}
}

func TestPool_CloseIsIdempotent(t *testing.T) {
	pool := NewPool(2)
	pool.Close()
	pool.Close()
}

func TestPool_RecoversPanickingTask(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	done, ok := pool.Submit(context.Background(), func() error { panic("boom") })
	if !ok {
		t.Fatal("submit rejected")
	}
	err := <-done
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want the panic message", err)
	}

	// the worker survived and still takes tasks
	done, ok = pool.Submit(context.Background(), func() error { return nil })
	if !ok {
		t.Fatal("submit after panic rejected")
	}
	if err := <-done; err != nil {
		t.Fatalf("follow-up task: %v", err)
	}
}

func TestPool_AbandonedResultDoesNotBlockWorker(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	// never read this result; the buffered done channel absorbs it
	if _, ok := pool.Submit(context.Background(), func() error { return errors.New("ignored") }); !ok {
		t.Fatal("first submit rejected")
	}

	done, ok := pool.Submit(context.Background(), func() error { return nil })
	if !ok {
		t.Fatal("second submit rejected")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second task: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker stuck delivering an abandoned result")
	}
}

func TestPool_ZeroSizeFallsBackToDefault(t *testing.T) {
	pool := NewPool(0)
	defer pool.Close()

	done, ok := pool.Submit(context.Background(), func() error { return nil })
	if !ok {
		t.Fatal("submit rejected")
	}
	if err := <-done; err != nil {
		t.Fatalf("task: %v", err)
	}
}
