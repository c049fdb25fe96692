// Package memory owns tier capacity policy. Adds, working-set swaps, and
// eviction all funnel through the manager so capacities and cached counters
// stay consistent.
package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/embed"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/store"
	"github.com/stellarlinkco/memcube/internal/weblog"
)

// Mode selects whether Add enforces capacity before returning.
type Mode int

const (
	ModeAsync Mode = iota
	ModeSync
)

// Pool runs submitted work on a bounded set of workers. Submit returns false
// when the context ends before a worker frees up.
type Pool interface {
	Submit(ctx context.Context, fn func() error) (<-chan error, bool)
}

// inlinePool runs work on the caller's goroutine. Constructor fallback when
// no shared pool is wired in.
type inlinePool struct{}

func (inlinePool) Submit(ctx context.Context, fn func() error) (<-chan error, bool) {
	done := make(chan error, 1)
	done <- fn()
	return done, true
}

const joinTimeout = 30 * time.Second

// Manager applies capacity policy on top of the store.
type Manager struct {
	store    store.Store
	embedder embed.Embedder
	pool     Pool
	events   weblog.Logger
	caps     map[schema.Tier]int

	mu    sync.Mutex
	sizes map[string]map[schema.Tier]map[schema.Status]int
}

func NewManager(st store.Store, emb embed.Embedder, pool Pool, events weblog.Logger, cfg config.MemoryConfig) *Manager {
	caps := map[schema.Tier]int{
		schema.TierWorking:  cfg.WorkingCapacity,
		schema.TierLongTerm: cfg.LongTermCapacity,
		schema.TierUser:     cfg.UserCapacity,
		schema.TierOuter:    cfg.OuterCapacity,
	}
	defaults := map[schema.Tier]int{
		schema.TierWorking:  config.DefaultWorkingCapacity,
		schema.TierLongTerm: config.DefaultLongTermCapacity,
		schema.TierUser:     config.DefaultUserCapacity,
		schema.TierOuter:    config.DefaultOuterCapacity,
	}
	for tier, c := range caps {
		if c <= 0 {
			caps[tier] = defaults[tier]
		}
	}
	if pool == nil {
		pool = inlinePool{}
	}
	if events == nil {
		events = weblog.Nop{}
	}
	return &Manager{
		store:    st,
		embedder: emb,
		pool:     pool,
		events:   events,
		caps:     caps,
		sizes:    make(map[string]map[schema.Tier]map[schema.Status]int),
	}
}

func (m *Manager) Capacity(tier schema.Tier) int { return m.caps[tier] }

func (m *Manager) Capacities() map[schema.Tier]int {
	out := make(map[schema.Tier]int, len(m.caps))
	for tier, c := range m.caps {
		out[tier] = c
	}
	return out
}

// Add fans the records out across the pool: every record lands in
// WorkingMemory, and durable-tagged records additionally become durable
// nodes. One record failing is logged and does not abort the batch. Under
// ModeSync the tiers are trimmed to capacity and counters refreshed before
// returning. Returns the ids of the durable nodes committed.
func (m *Manager) Add(ctx context.Context, owner schema.Owner, records []*schema.MemoryRecord, mode Mode) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	prepared, err := m.prepare(ctx, owner, records)
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}

	var (
		idsMu   sync.Mutex
		durable []string
	)
	var pending []<-chan error
	for _, rec := range prepared {
		rec := rec
		done, ok := m.pool.Submit(ctx, func() error {
			if rec.Tier != schema.TierWorking {
				if err := m.store.AddNode(ctx, rec); err != nil {
					return fmt.Errorf("durable %s: %w", rec.ID, err)
				}
				idsMu.Lock()
				durable = append(durable, rec.ID)
				idsMu.Unlock()
			}
			work := workingCopy(rec)
			if err := m.store.AddNode(ctx, work); err != nil {
				return fmt.Errorf("working copy of %s: %w", rec.ID, err)
			}
			return nil
		})
		if !ok {
			log.Printf("[memory] add %s: pool unavailable", rec.ID)
			continue
		}
		pending = append(pending, done)
	}
	m.await(pending, "add")

	if mode == ModeSync {
		m.EnforceCapacity(ctx, owner)
		if err := m.RefreshSizes(ctx, owner); err != nil {
			log.Printf("[memory] refresh sizes for %s: %v", owner, err)
		}
	}

	m.events.Log(schema.TransitionEvent{
		Operation:   weblog.OpAdd,
		Owner:       owner,
		MemoryCount: len(prepared),
		Capacities:  m.Capacities(),
	})

	idsMu.Lock()
	defer idsMu.Unlock()
	return durable, nil
}

// ReplaceWorkingMemory swaps the owner's working tier for the given ranked
// records: fresh nodes are written in parallel in rank order, then the old
// working nodes are deleted, capacity enforced, and counters refreshed.
func (m *Manager) ReplaceWorkingMemory(ctx context.Context, owner schema.Owner, records []*schema.MemoryRecord) error {
	prev, err := m.store.ListByTier(ctx, owner, schema.TierWorking, 0)
	if err != nil {
		return fmt.Errorf("replace working: %w", err)
	}

	capacity := m.caps[schema.TierWorking]
	if len(records) > capacity {
		records = records[:capacity]
	}

	// rank order becomes creation order so listing returns it back
	base := time.Now().UTC()
	var pending []<-chan error
	for i, rec := range records {
		work := workingCopy(rec)
		work.Owner = owner
		work.CreatedAt = base.Add(time.Duration(i))
		work.UpdatedAt = work.CreatedAt
		done, ok := m.pool.Submit(ctx, func() error {
			if err := m.store.AddNode(ctx, work); err != nil {
				return fmt.Errorf("write %s: %w", work.ID, err)
			}
			return nil
		})
		if !ok {
			log.Printf("[memory] replace %s: pool unavailable", work.ID)
			continue
		}
		pending = append(pending, done)
	}
	m.await(pending, "replace")

	for _, old := range prev {
		if err := m.store.DeleteNode(ctx, old.ID); err != nil {
			log.Printf("[memory] delete stale working %s: %v", old.ID, err)
		}
	}

	if _, err := m.store.RemoveOldestMemory(ctx, owner, schema.TierWorking, capacity); err != nil {
		log.Printf("[memory] trim working for %s: %v", owner, err)
	}
	if err := m.RefreshSizes(ctx, owner); err != nil {
		log.Printf("[memory] refresh sizes for %s: %v", owner, err)
	}

	m.events.Log(schema.TransitionEvent{
		Operation:   weblog.OpReplace,
		ToTier:      schema.TierWorking,
		Owner:       owner,
		MemoryCount: len(records),
		Capacities:  m.Capacities(),
	})
	return nil
}

// EnforceCapacity trims every tier to its configured bound, oldest first.
// Re-running when already within bounds removes nothing.
func (m *Manager) EnforceCapacity(ctx context.Context, owner schema.Owner) {
	for _, tier := range schema.AllTiers() {
		removed, err := m.store.RemoveOldestMemory(ctx, owner, tier, m.caps[tier])
		if err != nil {
			log.Printf("[memory] evict %s %s: %v", owner, tier, err)
			continue
		}
		if removed > 0 {
			m.events.Log(schema.TransitionEvent{
				Operation:   weblog.OpEvict,
				FromTier:    tier,
				Owner:       owner,
				MemoryCount: removed,
				Capacities:  m.Capacities(),
			})
		}
	}
}

// WorkingSet returns the owner's live working tier, oldest first.
func (m *Manager) WorkingSet(ctx context.Context, owner schema.Owner) ([]*schema.MemoryRecord, error) {
	return m.store.ListByTier(ctx, owner, schema.TierWorking, 0)
}

// CurrentSize returns cached per-tier counters, refreshing lazily on first
// sight of an owner. The cache may trail writes; RefreshSizes forces a read.
func (m *Manager) CurrentSize(ctx context.Context, owner schema.Owner) map[schema.Tier]map[schema.Status]int {
	m.mu.Lock()
	cached, ok := m.sizes[owner.Key()]
	m.mu.Unlock()

	if !ok {
		if err := m.RefreshSizes(ctx, owner); err != nil {
			log.Printf("[memory] refresh sizes for %s: %v", owner, err)
			return nil
		}
		m.mu.Lock()
		cached = m.sizes[owner.Key()]
		m.mu.Unlock()
	}
	return copyCounts(cached)
}

func (m *Manager) RefreshSizes(ctx context.Context, owner schema.Owner) error {
	counts, err := m.store.GroupedCounts(ctx, owner)
	if err != nil {
		return fmt.Errorf("grouped counts: %w", err)
	}
	m.mu.Lock()
	m.sizes[owner.Key()] = counts
	m.mu.Unlock()
	return nil
}

// prepare clones the incoming records, fills defaults, and embeds whatever
// arrived without a vector.
func (m *Manager) prepare(ctx context.Context, owner schema.Owner, records []*schema.MemoryRecord) ([]*schema.MemoryRecord, error) {
	out := make([]*schema.MemoryRecord, 0, len(records))
	var missing []int
	var texts []string

	now := time.Now().UTC()
	for _, rec := range records {
		cp := rec.Clone()
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.Owner = owner
		if cp.Tier == "" {
			cp.Tier = schema.TierLongTerm
		}
		if cp.Status == "" {
			cp.Status = schema.StatusActivated
		}
		if cp.Confidence == 0 {
			cp.Confidence = 0.99
		}
		if cp.CreatedAt.IsZero() {
			// distinct stamps keep arrival order across same-batch records
			stamp := now.Add(time.Duration(len(out)))
			cp.CreatedAt = stamp
			cp.UpdatedAt = stamp
		}
		if len(cp.Embedding) == 0 && strings.TrimSpace(cp.Content) != "" {
			missing = append(missing, len(out))
			texts = append(texts, cp.Content)
		}
		out = append(out, cp)
	}

	if len(missing) > 0 && m.embedder != nil {
		vecs, err := m.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed %d records: %w", len(texts), err)
		}
		for i, idx := range missing {
			out[idx].Embedding = vecs[i]
		}
	}
	return out, nil
}

// await joins pending pool submissions, bounded by joinTimeout. Writes still
// running at the deadline keep going in the background; their results are
// dropped.
func (m *Manager) await(pending []<-chan error, op string) {
	if len(pending) == 0 {
		return
	}
	deadline := time.NewTimer(joinTimeout)
	defer deadline.Stop()

	for i, done := range pending {
		select {
		case err := <-done:
			if err != nil {
				log.Printf("[memory] %s: %v", op, err)
			}
		case <-deadline.C:
			log.Printf("[memory] %s join timed out, abandoning %d pending writes", op, len(pending)-i)
			return
		}
	}
}

// workingCopy derives the WorkingMemory node for a record. Durable records
// keep their own id; the copy gets a fresh one and points back through
// Sources.
func workingCopy(rec *schema.MemoryRecord) *schema.MemoryRecord {
	work := rec.Clone()
	work.ID = uuid.NewString()
	work.Tier = schema.TierWorking
	work.Status = schema.StatusActivated
	if rec.Tier != schema.TierWorking {
		work.Sources = append(work.Sources, rec.ID)
	}
	if work.CreatedAt.IsZero() {
		now := time.Now().UTC()
		work.CreatedAt = now
		work.UpdatedAt = now
	}
	return work
}

func copyCounts(counts map[schema.Tier]map[schema.Status]int) map[schema.Tier]map[schema.Status]int {
	if counts == nil {
		return nil
	}
	out := make(map[schema.Tier]map[schema.Status]int, len(counts))
	for tier, byStatus := range counts {
		inner := make(map[schema.Status]int, len(byStatus))
		for status, n := range byStatus {
			inner[status] = n
		}
		out[tier] = inner
	}
	return out
}
