// Package weblog streams memory transition events to websocket subscribers
// so an operator can watch records move between tiers in real time.
package weblog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/memcube/internal/schema"
)

// Operation names carried in TransitionEvent.Operation.
const (
	OpAdd         = "add"
	OpEvict       = "evict"
	OpReplace     = "replace"
	OpFuse        = "fuse"
	OpHardUpdate  = "hard_update"
	OpConsolidate = "consolidate"
	OpArchive     = "archive"
)

const writeTimeout = 5 * time.Second

// Logger receives transition events. Components log through this interface;
// the hub fans out, Nop drops.
type Logger interface {
	Log(ev schema.TransitionEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(schema.TransitionEvent) {}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

// Hub buffers events and broadcasts them as JSON text frames. Logging never
// blocks a memory operation: a full buffer or a slow subscriber loses
// events, not writes.
type Hub struct {
	events    chan schema.TransitionEvent
	clients   sync.Map
	nextID    atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func NewHub() *Hub {
	h := &Hub{
		events: make(chan schema.TransitionEvent, 256),
		done:   make(chan struct{}),
	}
	go h.broadcast()
	return h
}

func (h *Hub) Log(ev schema.TransitionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	log.Printf("[weblog] %s owner=%s from=%s to=%s count=%d",
		ev.Operation, ev.Owner, ev.FromTier, ev.ToTier, ev.MemoryCount)

	select {
	case h.events <- ev:
	case <-h.done:
	default:
		// buffer full: the feed is best-effort
	}
}

func (h *Hub) broadcast() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.clients.Range(func(key, value any) bool {
				c := value.(*wsClient)
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				err := c.conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.clients.Delete(key)
					c.conn.CloseNow()
					log.Printf("[weblog] dropped subscriber %s: %v", c.id, err)
				}
				return true
			})
		}
	}
}

// Handler upgrades subscribers. The connection is write-only from the hub's
// side; inbound frames are drained and ignored until the peer goes away.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("[weblog] websocket accept error: %v", err)
			return
		}

		clientID := fmt.Sprintf("weblog-%d", h.nextID.Add(1))
		h.clients.Store(clientID, &wsClient{conn: conn, id: clientID})
		log.Printf("[weblog] subscriber connected: %s", clientID)

		defer func() {
			h.clients.Delete(clientID)
			conn.CloseNow()
			log.Printf("[weblog] subscriber disconnected: %s", clientID)
		}()

		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.clients.Range(func(key, value any) bool {
			value.(*wsClient).conn.CloseNow()
			h.clients.Delete(key)
			return true
		})
	})
}

// Server exposes the hub's websocket endpoint at /ws.
type Server struct {
	srv *http.Server
}

func NewServer(hub *Hub, host string, port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	return &Server{
		srv: &http.Server{
			Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
			Handler: mux,
		},
	}
}

func (s *Server) Start() {
	go func() {
		log.Printf("[weblog] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[weblog] server error: %v", err)
		}
	}()
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
