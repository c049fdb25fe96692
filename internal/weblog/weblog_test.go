package weblog

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/memcube/internal/schema"
)

func TestHub_BroadcastsToSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := strings.Replace(srv.URL, "http", "ws", 1)
	conn1, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer conn1.CloseNow()
	conn2, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer conn2.CloseNow()

	time.Sleep(50 * time.Millisecond)

	owner := schema.Owner{UserID: "alice", CubeID: "main"}
	hub.Log(schema.TransitionEvent{
		Operation:   OpReplace,
		ToTier:      schema.TierWorking,
		Owner:       owner,
		MemoryCount: 3,
	})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		readCtx, readCancel := context.WithTimeout(ctx, 3*time.Second)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			t.Fatalf("client %d read: %v", i+1, err)
		}
		var ev schema.TransitionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("client %d unmarshal: %v", i+1, err)
		}
		if ev.Operation != OpReplace || ev.Owner != owner || ev.MemoryCount != 3 {
			t.Errorf("client %d event = %+v", i+1, ev)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("client %d missing timestamp", i+1)
		}
	}
}

func TestHub_LogWithoutSubscribersDoesNotBlock(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Log(schema.TransitionEvent{Operation: OpAdd})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("logging blocked without subscribers")
	}
}

func TestHub_DroppedSubscriberDoesNotStopOthers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := strings.Replace(srv.URL, "http", "ws", 1)
	dead, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial dead: %v", err)
	}
	live, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial live: %v", err)
	}
	defer live.CloseNow()

	time.Sleep(50 * time.Millisecond)
	dead.CloseNow()
	time.Sleep(50 * time.Millisecond)

	hub.Log(schema.TransitionEvent{Operation: OpEvict, MemoryCount: 1})

	readCtx, readCancel := context.WithTimeout(ctx, 3*time.Second)
	defer readCancel()
	_, data, err := live.Read(readCtx)
	if err != nil {
		t.Fatalf("live read: %v", err)
	}
	var ev schema.TransitionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Operation != OpEvict {
		t.Errorf("event = %+v", ev)
	}
}

func TestServer_StartStop(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	srv := NewServer(hub, "127.0.0.1", 18793)
	srv.Start()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://127.0.0.1:18793/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.CloseNow()

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
