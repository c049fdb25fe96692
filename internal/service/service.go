// Package service wires the memory pipeline together and owns its lifecycle:
// store, queue, scheduler, reorganizer, and the weblog feed start and stop as
// one unit.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/conflict"
	"github.com/stellarlinkco/memcube/internal/embed"
	"github.com/stellarlinkco/memcube/internal/llm"
	"github.com/stellarlinkco/memcube/internal/memory"
	"github.com/stellarlinkco/memcube/internal/monitor"
	"github.com/stellarlinkco/memcube/internal/queue"
	"github.com/stellarlinkco/memcube/internal/reorganizer"
	"github.com/stellarlinkco/memcube/internal/retrieval"
	"github.com/stellarlinkco/memcube/internal/scheduler"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/store"
	"github.com/stellarlinkco/memcube/internal/weblog"
)

type Options struct {
	SignalChan chan os.Signal // for testing signal handling
}

// Service is the assembled pipeline.
type Service struct {
	cfg        *config.Config
	store      store.Store
	queue      queue.Queue
	embedder   embed.Embedder
	llmClient  llm.Client
	monitor    *monitor.Manager
	retriever  *retrieval.Retriever
	manager    *memory.Manager
	sweeper    *conflict.Sweeper
	reorg      *reorganizer.Reorganizer
	pool       *scheduler.Pool
	writePool  *scheduler.Pool
	dispatcher *scheduler.Dispatcher
	hub        *weblog.Hub
	weblogSrv  *weblog.Server
	signalChan chan os.Signal
}

// New builds the service with default options.
func New(cfg *config.Config) (*Service, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	st, err := buildStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	q, err := buildQueue(cfg.Queue)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build queue: %w", err)
	}

	var events weblog.Logger = weblog.Nop{}
	var hub *weblog.Hub
	var weblogSrv *weblog.Server
	if cfg.Weblog.Enabled {
		hub = weblog.NewHub()
		weblogSrv = weblog.NewServer(hub, cfg.Weblog.Host, cfg.Weblog.Port)
		events = hub
	}

	client := llm.NewClient(cfg)
	var embedder embed.Embedder = embed.NewEmbedder(cfg)
	if cfg.Embedding.CacheSize > 0 {
		cached, err := embed.NewCachedEmbedder(embedder, cfg.Embedding.CacheSize)
		if err != nil {
			log.Printf("[service] embed cache disabled: %v", err)
		} else {
			embedder = cached
		}
	}

	// per-record writes run on their own workers: handlers occupy pool, and
	// a nested submit on the same bounded pool can wait forever once every
	// worker holds an owner group
	pool := scheduler.NewPool(cfg.Scheduler.Workers)
	writePool := scheduler.NewPool(cfg.Scheduler.Workers)
	mgr := memory.NewManager(st, embedder, writePool, events, cfg.Memory)
	mon := monitor.NewManager(client, cfg.Memory.WorkingCapacity, cfg.Scheduler.RetentionBuffer, cfg.Scheduler.QueryHistory)
	retr := retrieval.NewRetriever(st, embedder, client, cfg.Retrieval)
	sweeper := conflict.NewSweeper(
		conflict.NewDetector(st, client, cfg.Conflict),
		conflict.NewResolver(st, embedder, client, events),
	)
	reorg := reorganizer.New(st, embedder, client, mon, events, cfg.Reorganizer)

	dispatcher := scheduler.NewDispatcher(q, pool, cfg.Scheduler)
	handlers := scheduler.NewHandlers(scheduler.Deps{
		Store:     st,
		Manager:   mgr,
		Monitor:   mon,
		Retriever: retr,
		Sweeper:   sweeper,
		Submitter: q,
		Events:    events,
	}, cfg)
	if err := handlers.RegisterAll(dispatcher); err != nil {
		pool.Close()
		writePool.Close()
		q.Close()
		st.Close()
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	return &Service{
		cfg:        cfg,
		store:      st,
		queue:      q,
		embedder:   embedder,
		llmClient:  client,
		monitor:    mon,
		retriever:  retr,
		manager:    mgr,
		sweeper:    sweeper,
		reorg:      reorg,
		pool:       pool,
		writePool:  writePool,
		dispatcher: dispatcher,
		hub:        hub,
		weblogSrv:  weblogSrv,
		signalChan: opts.SignalChan,
	}, nil
}

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sqlite":
		dbPath := cfg.DBPath
		if dbPath == "" {
			dbPath = filepath.Join(config.ConfigDir(), "memcube.db")
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		return store.NewSQLiteStore(dbPath)
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildQueue(cfg config.QueueConfig) (queue.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return queue.NewMemory(), nil
	case "redis":
		return queue.NewRedis(cfg)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// Run starts the consumer loop, the consolidation cron, and the weblog feed,
// then blocks until a termination signal or context end.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.weblogSrv != nil {
		s.weblogSrv.Start()
	}
	if s.cfg.Reorganizer.Enabled {
		if err := s.reorg.Start(ctx); err != nil {
			log.Printf("[service] reorganizer start warning: %v", err)
		}
	}

	go s.dispatcher.Run(ctx)

	log.Printf("[service] running: %d workers, store=%s, queue=%s",
		s.cfg.Scheduler.Workers, backendName(s.cfg.Store.Backend, "sqlite"), backendName(s.cfg.Queue.Backend, "memory"))

	// Use injected signal channel for testing, or create default
	sigCh := s.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[service] shutting down...")
	cancel()
	return s.Shutdown()
}

// Shutdown stops components in reverse start order: no new consolidation
// passes, then the queue so the consumer loop drains, then the workers.
func (s *Service) Shutdown() error {
	s.reorg.Stop()
	if err := s.queue.Close(); err != nil {
		log.Printf("[service] queue close warning: %v", err)
	}
	s.pool.Close()
	s.writePool.Close()
	if s.weblogSrv != nil {
		if err := s.weblogSrv.Stop(); err != nil {
			log.Printf("[service] weblog stop warning: %v", err)
		}
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if err := s.store.Close(); err != nil {
		log.Printf("[service] store close warning: %v", err)
	}
	log.Printf("[service] shutdown complete")
	return nil
}

// SubmitAdd enqueues one add message carrying a record per non-blank text.
// An empty tier leaves the manager's long-term default in charge.
func (s *Service) SubmitAdd(ctx context.Context, owner schema.Owner, tier schema.Tier, texts []string) (*schema.ScheduleMessage, error) {
	if tier != "" && !schema.ValidTier(tier) {
		return nil, fmt.Errorf("invalid tier %q", tier)
	}
	var records []*schema.MemoryRecord
	var kept []string
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		records = append(records, schema.NewRecord(owner, tier, text))
		kept = append(kept, text)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no content to add")
	}

	msg := schema.NewMessage(owner, schema.LabelAdd, strings.Join(kept, "\n"))
	msg.Records = records
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue add: %w", err)
	}
	return msg, nil
}

// ProcessQueued drains and dispatches pending messages until the queue runs
// dry. One-shot commands use it with the in-process queue, where no serve
// loop is around to consume.
func (s *Service) ProcessQueued(ctx context.Context) error {
	for {
		pollCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		msgs, err := s.queue.Poll(pollCtx, s.cfg.Scheduler.BatchSize)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("drain queue: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}
		s.dispatcher.DispatchBatch(ctx, msgs)
	}
}

// SearchResult is the one-shot retrieval outcome for the CLI.
type SearchResult struct {
	Ranked     []*schema.MemoryRecord
	Scores     map[string]float64 // hit score per record id, pre-rerank
	Answerable bool
}

// Search runs retrieval and post-processing synchronously, bypassing the
// queue. The working tier is left untouched.
func (s *Service) Search(ctx context.Context, owner schema.Owner, query string, topK int) (*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	hits, err := s.retriever.Search(ctx, owner, query, topK)
	if err != nil {
		return nil, err
	}

	candidates := make([]*schema.MemoryRecord, 0, len(hits))
	scores := make(map[string]float64, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, hit.Record)
		scores[hit.Record.ID] = hit.Score
	}
	ranked := s.retriever.ReplaceWorkingMemory(ctx, []string{query}, nil, candidates, topK)

	texts := make([]string, 0, len(ranked))
	for _, rec := range ranked {
		texts = append(texts, rec.Content)
	}
	answerable := s.retriever.EvaluateAnswerability(ctx, query, texts)

	return &SearchResult{Ranked: ranked, Scores: scores, Answerable: answerable}, nil
}

// Status returns the owner's live per-tier record counts.
func (s *Service) Status(ctx context.Context, owner schema.Owner) (map[schema.Tier]map[schema.Status]int, error) {
	counts, err := s.store.GroupedCounts(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return counts, nil
}

func backendName(name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		return fallback
	}
	return strings.ToLower(strings.TrimSpace(name))
}
