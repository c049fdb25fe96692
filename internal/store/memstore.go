package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/stellarlinkco/memcube/internal/schema"
)

// MemStore keeps everything in process memory. Records live in a plain map;
// embedded records are additionally indexed in a per-owner chromem collection
// so search goes through the same vector index regardless of backend.
type MemStore struct {
	mu    sync.RWMutex
	nodes map[string]*schema.MemoryRecord
	edges map[Edge]struct{}
	index *chromem.DB
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes: make(map[string]*schema.MemoryRecord),
		edges: make(map[Edge]struct{}),
		index: chromem.NewDB(),
	}
}

// Embeddings are always computed before a record reaches the store, so the
// collection-level embedding func must never run.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("memstore: embedding not precomputed")
}

func (s *MemStore) collection(owner schema.Owner) (*chromem.Collection, error) {
	col, err := s.index.GetOrCreateCollection(owner.Key(), nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", owner.Key(), err)
	}
	return col, nil
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) AddNode(ctx context.Context, rec *schema.MemoryRecord) error {
	if err := validateRecord(rec); err != nil {
		return fmt.Errorf("add node: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[rec.ID]; ok {
		return fmt.Errorf("add node %s: %w", rec.ID, ErrExists)
	}

	stored := rec.Clone()
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if stored.Status == "" {
		stored.Status = schema.StatusActivated
	}
	stored.Tags = nonNil(stored.Tags)
	stored.Sources = nonNil(stored.Sources)

	if len(stored.Embedding) > 0 {
		if err := s.indexNode(ctx, stored); err != nil {
			return fmt.Errorf("add node %s: %w", rec.ID, err)
		}
	}
	s.nodes[stored.ID] = stored
	return nil
}

// indexNode hands a copy of the vector to chromem, which may normalize the
// slice it keeps. The record's own embedding stays untouched.
func (s *MemStore) indexNode(ctx context.Context, rec *schema.MemoryRecord) error {
	col, err := s.collection(rec.Owner)
	if err != nil {
		return err
	}
	vec := make([]float32, len(rec.Embedding))
	copy(vec, rec.Embedding)
	if err := col.Delete(ctx, nil, nil, rec.ID); err != nil {
		return fmt.Errorf("index %s: %w", rec.ID, err)
	}
	if err := col.AddDocument(ctx, chromem.Document{ID: rec.ID, Content: rec.Content, Embedding: vec}); err != nil {
		return fmt.Errorf("index %s: %w", rec.ID, err)
	}
	return nil
}

func (s *MemStore) unindexNode(ctx context.Context, rec *schema.MemoryRecord) error {
	col, err := s.collection(rec.Owner)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, rec.ID); err != nil {
		return fmt.Errorf("unindex %s: %w", rec.ID, err)
	}
	return nil
}

func (s *MemStore) GetNodes(ctx context.Context, ids []string) ([]*schema.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.nodes[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *MemStore) UpdateNode(ctx context.Context, rec *schema.MemoryRecord) error {
	if err := validateRecord(rec); err != nil {
		return fmt.Errorf("update node: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.nodes[rec.ID]
	if !ok {
		return fmt.Errorf("update node %s: %w", rec.ID, ErrNotFound)
	}

	stored := rec.Clone()
	stored.Owner = old.Owner
	stored.CreatedAt = old.CreatedAt
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	stored.Tags = nonNil(stored.Tags)
	stored.Sources = nonNil(stored.Sources)

	if len(stored.Embedding) > 0 {
		if err := s.indexNode(ctx, stored); err != nil {
			return fmt.Errorf("update node %s: %w", rec.ID, err)
		}
	} else if len(old.Embedding) > 0 {
		if err := s.unindexNode(ctx, old); err != nil {
			return fmt.Errorf("update node %s: %w", rec.ID, err)
		}
	}
	s.nodes[stored.ID] = stored
	return nil
}

// DeleteNode removes a node and every edge touching it. Missing nodes are a
// no-op, same as the sqlite backend.
func (s *MemStore) DeleteNode(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("delete node: empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, id)
}

func (s *MemStore) deleteLocked(ctx context.Context, id string) error {
	rec, ok := s.nodes[id]
	if !ok {
		return nil
	}
	if len(rec.Embedding) > 0 {
		if err := s.unindexNode(ctx, rec); err != nil {
			return fmt.Errorf("delete node %s: %w", id, err)
		}
	}
	delete(s.nodes, id)
	for e := range s.edges {
		if e.From == id || e.To == id {
			delete(s.edges, e)
		}
	}
	return nil
}

func (s *MemStore) ListByTier(ctx context.Context, owner schema.Owner, tier schema.Tier, limit int) ([]*schema.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.MemoryRecord
	for _, rec := range s.nodes {
		if rec.Owner == owner && rec.Tier == tier && rec.Status == schema.StatusActivated {
			out = append(out, rec.Clone())
		}
	}
	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) SearchByEmbedding(ctx context.Context, vec []float32, q SearchQuery) ([]SearchHit, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("search: empty vector")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	col, err := s.collection(q.Owner)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	// Pull every indexed candidate for the owner; tier, status and score
	// filtering happens against the authoritative records below.
	results, err := col.QueryEmbedding(ctx, vec, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []SearchHit
	for _, res := range results {
		rec, ok := s.nodes[res.ID]
		if !ok || rec.Status != schema.StatusActivated {
			continue
		}
		if len(q.Scopes) > 0 && !tierInScopes(rec.Tier, q.Scopes) {
			continue
		}
		if idExcluded(rec.ID, q.Exclude) || len(rec.Embedding) == 0 {
			continue
		}
		score := Cosine(vec, rec.Embedding)
		if q.Threshold > 0 && score < q.Threshold {
			continue
		}
		hits = append(hits, SearchHit{Record: rec.Clone(), Score: score})
	}

	sortHits(hits)
	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func (s *MemStore) GetEdges(ctx context.Context, id, edgeType string, dir Direction) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Edge
	for e := range s.edges {
		if edgeType != "" && e.Type != edgeType {
			continue
		}
		switch dir {
		case DirectionOut:
			if e.From != id {
				continue
			}
		case DirectionIn:
			if e.To != id {
				continue
			}
		default:
			if e.From != id && e.To != id {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (s *MemStore) AddEdge(ctx context.Context, from, to, edgeType string) error {
	if from == "" || to == "" || edgeType == "" {
		return fmt.Errorf("add edge: empty endpoint or type")
	}
	if from == to {
		return fmt.Errorf("add edge: self-loop on %s", from)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[Edge{From: from, To: to, Type: edgeType}] = struct{}{}
	return nil
}

func (s *MemStore) EdgeExists(ctx context.Context, from, to, edgeType string, dir Direction) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch dir {
	case DirectionOut:
		return s.edgeExistsLocked(from, to, edgeType), nil
	case DirectionIn:
		return s.edgeExistsLocked(to, from, edgeType), nil
	default:
		return s.edgeExistsLocked(from, to, edgeType) || s.edgeExistsLocked(to, from, edgeType), nil
	}
}

func (s *MemStore) edgeExistsLocked(from, to, edgeType string) bool {
	if edgeType != "" {
		_, ok := s.edges[Edge{From: from, To: to, Type: edgeType}]
		return ok
	}
	for e := range s.edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

func (s *MemStore) RemoveOldestMemory(ctx context.Context, owner schema.Owner, tier schema.Tier, keepLatest int) (int, error) {
	if keepLatest < 0 {
		return 0, fmt.Errorf("remove oldest: negative keep %d", keepLatest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*schema.MemoryRecord
	for _, rec := range s.nodes {
		if rec.Owner == owner && rec.Tier == tier && rec.Status == schema.StatusActivated {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) <= keepLatest {
		return 0, nil
	}
	sortOldestFirst(candidates)

	victims := candidates[:len(candidates)-keepLatest]
	for _, rec := range victims {
		if err := s.deleteLocked(ctx, rec.ID); err != nil {
			return 0, fmt.Errorf("remove oldest: %w", err)
		}
	}
	return len(victims), nil
}

func (s *MemStore) GroupedCounts(ctx context.Context, owner schema.Owner) (map[schema.Tier]map[schema.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[schema.Tier]map[schema.Status]int)
	for _, rec := range s.nodes {
		if rec.Owner != owner {
			continue
		}
		if out[rec.Tier] == nil {
			out[rec.Tier] = make(map[schema.Status]int)
		}
		out[rec.Tier][rec.Status]++
	}
	return out, nil
}

func sortOldestFirst(recs []*schema.MemoryRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
