// Package store defines the graph-backed persistence surface for memory
// records and ships two backends: sqlite for durable single-node deployments
// and an in-memory store for tests and development.
package store

import (
	"context"
	"errors"

	"github.com/stellarlinkco/memcube/internal/schema"
)

var (
	ErrNotFound = errors.New("store: node not found")
	ErrExists   = errors.New("store: node already exists")
)

// EdgeParent links a consolidated summary to the members it was built from.
const EdgeParent = "PARENT"

// Direction selects which end of an edge a lookup matches.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBoth
)

// Edge is a typed link between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// SearchQuery narrows an embedding search.
type SearchQuery struct {
	Owner     schema.Owner
	Scopes    []schema.Tier // empty means every tier
	TopK      int
	Threshold float64  // minimum cosine similarity, 0 disables
	Exclude   []string // node ids never returned
}

// SearchHit is one scored search result.
type SearchHit struct {
	Record *schema.MemoryRecord
	Score  float64
}

// Store is the persistence surface consumed by the scheduler components.
// Implementations must be safe for concurrent use.
type Store interface {
	AddNode(ctx context.Context, rec *schema.MemoryRecord) error
	GetNodes(ctx context.Context, ids []string) ([]*schema.MemoryRecord, error)
	UpdateNode(ctx context.Context, rec *schema.MemoryRecord) error
	DeleteNode(ctx context.Context, id string) error
	ListByTier(ctx context.Context, owner schema.Owner, tier schema.Tier, limit int) ([]*schema.MemoryRecord, error)
	SearchByEmbedding(ctx context.Context, vec []float32, q SearchQuery) ([]SearchHit, error)
	GetEdges(ctx context.Context, id, edgeType string, dir Direction) ([]Edge, error)
	AddEdge(ctx context.Context, from, to, edgeType string) error
	EdgeExists(ctx context.Context, from, to, edgeType string, dir Direction) (bool, error)
	RemoveOldestMemory(ctx context.Context, owner schema.Owner, tier schema.Tier, keepLatest int) (int, error)
	GroupedCounts(ctx context.Context, owner schema.Owner) (map[schema.Tier]map[schema.Status]int, error)
	Close() error
}

func tierInScopes(tier schema.Tier, scopes []schema.Tier) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s == tier {
			return true
		}
	}
	return false
}

func idExcluded(id string, exclude []string) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}
