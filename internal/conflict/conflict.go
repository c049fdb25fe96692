// Package conflict finds contradictory memory records and reduces each pair
// to a single survivor: a fused replacement when the model can reconcile the
// statements, otherwise the more recently updated original.
package conflict

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/embed"
	"github.com/stellarlinkco/memcube/internal/llm"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/store"
	"github.com/stellarlinkco/memcube/internal/weblog"
)

// Pair is two records judged contradictory. Produced and consumed within one
// resolution cycle, never persisted.
type Pair struct {
	A *schema.MemoryRecord
	B *schema.MemoryRecord
}

type OutcomeKind string

const (
	KindFused OutcomeKind = "fused"
	KindKept  OutcomeKind = "kept"
)

// Outcome records how a pair was resolved: the surviving id and the ids that
// no longer exist.
type Outcome struct {
	Kind     OutcomeKind
	Survivor string
	Removed  []string
}

// Detector flags contradictions between a record and its nearest neighbors.
type Detector struct {
	store     store.Store
	llm       llm.Client
	threshold float64
	topK      int
}

func NewDetector(st store.Store, client llm.Client, cfg config.ConflictConfig) *Detector {
	threshold := cfg.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = config.DefaultConflictThreshold
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = config.DefaultConflictTopK
	}
	return &Detector{store: st, llm: client, threshold: threshold, topK: topK}
}

const judgePrompt = `Two statements from the same user's memory are given below.

Statement A: %s
Statement B: %s

Do these two statements contradict each other? Answer with a single word: yes or no.`

// Detect searches rec's own tier and owner for similar records and asks a
// binary judge about each candidate. Records without an embedding produce no
// pairs; an unparsable verdict counts as "no conflict". Detection does not
// mutate anything, so re-running it over an untouched store returns the same
// pairs.
func (d *Detector) Detect(ctx context.Context, rec *schema.MemoryRecord) ([]Pair, error) {
	if rec == nil || len(rec.Embedding) == 0 {
		return nil, nil
	}
	hits, err := d.store.SearchByEmbedding(ctx, rec.Embedding, store.SearchQuery{
		Owner:     rec.Owner,
		Scopes:    []schema.Tier{rec.Tier},
		TopK:      d.topK,
		Threshold: d.threshold,
		Exclude:   []string{rec.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("conflict candidates for %s: %w", rec.ID, err)
	}

	var pairs []Pair
	for _, hit := range hits {
		if d.contradicts(ctx, rec.Content, hit.Record.Content) {
			pairs = append(pairs, Pair{A: rec, B: hit.Record})
		}
	}
	return pairs, nil
}

func (d *Detector) contradicts(ctx context.Context, a, b string) bool {
	if d.llm == nil {
		return false
	}
	reply, err := d.llm.Generate(ctx, llm.UserMessage(fmt.Sprintf(judgePrompt, a, b)))
	if err != nil {
		log.Printf("[conflict] judge: %v", err)
		return false
	}
	verdict, ok := llm.ParseYesNo(reply)
	return ok && verdict
}

// Resolver turns a contradictory pair into a single surviving record.
type Resolver struct {
	store    store.Store
	embedder embed.Embedder
	llm      llm.Client
	events   weblog.Logger
}

func NewResolver(st store.Store, emb embed.Embedder, client llm.Client, events weblog.Logger) *Resolver {
	if events == nil {
		events = weblog.Nop{}
	}
	return &Resolver{store: st, embedder: emb, llm: client, events: events}
}

const fusionPrompt = `Two contradictory statements from the same user's memory must be reconciled
into one statement. Newer information takes precedence over older.

Statement A: %s
  key: %s
  background: %s
  confidence: %.2f
  updated_at: %s

Statement B: %s
  key: %s
  background: %s
  confidence: %.2f
  updated_at: %s

If the statements can be reconciled, reply with the merged statement wrapped
in <merged></merged>. If they cannot, reply with exactly <unresolved/>.`

// Resolve reduces the pair to one survivor. Fusion success replaces both
// originals with a fused record that inherits their edges; fusion failure
// (explicit refusal or malformed output) deletes the older record by
// UpdatedAt and keeps the newer one untouched.
func (r *Resolver) Resolve(ctx context.Context, a, b *schema.MemoryRecord) (*Outcome, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("resolve: nil record")
	}

	merged, ok := r.fuse(ctx, a, b)
	if !ok {
		return r.hardUpdate(ctx, a, b)
	}
	return r.insertFused(ctx, a, b, merged)
}

func (r *Resolver) fuse(ctx context.Context, a, b *schema.MemoryRecord) (string, bool) {
	if r.llm == nil {
		return "", false
	}
	prompt := fmt.Sprintf(fusionPrompt,
		a.Content, a.Key, a.Background, a.Confidence, a.UpdatedAt.UTC().Format(time.RFC3339),
		b.Content, b.Key, b.Background, b.Confidence, b.UpdatedAt.UTC().Format(time.RFC3339),
	)
	reply, err := r.llm.Generate(ctx, llm.UserMessage(prompt))
	if err != nil {
		log.Printf("[conflict] fuse: %v", err)
		return "", false
	}
	if llm.HasTag(reply, "unresolved") {
		return "", false
	}
	return llm.ParseTagged(reply, "merged")
}

// hardUpdate keeps whichever record was updated more recently. Precedence is
// UpdatedAt alone; confidence does not weigh in. Ties keep a.
func (r *Resolver) hardUpdate(ctx context.Context, a, b *schema.MemoryRecord) (*Outcome, error) {
	newer, older := a, b
	if b.UpdatedAt.After(a.UpdatedAt) {
		newer, older = b, a
	}
	if err := r.store.DeleteNode(ctx, older.ID); err != nil {
		return nil, fmt.Errorf("hard update delete %s: %w", older.ID, err)
	}
	r.events.Log(schema.TransitionEvent{
		Operation:   weblog.OpHardUpdate,
		FromTier:    older.Tier,
		ToTier:      newer.Tier,
		Owner:       newer.Owner,
		MemoryCount: 1,
	})
	return &Outcome{Kind: KindKept, Survivor: newer.ID, Removed: []string{older.ID}}, nil
}

func (r *Resolver) insertFused(ctx context.Context, a, b *schema.MemoryRecord, merged string) (*Outcome, error) {
	fused := fusedRecord(a, b, merged)

	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, merged)
		if err != nil {
			// an unsearchable fused record would hide the contradiction
			// instead of resolving it, so fall back to recency
			log.Printf("[conflict] embed fused: %v", err)
			return r.hardUpdate(ctx, a, b)
		}
		fused.Embedding = vec
	}

	edges, err := r.inheritedEdges(ctx, a, b, fused.ID)
	if err != nil {
		return nil, err
	}

	if err := r.store.AddNode(ctx, fused); err != nil {
		return nil, fmt.Errorf("insert fused: %w", err)
	}
	for _, e := range edges {
		if err := r.store.AddEdge(ctx, e.From, e.To, e.Type); err != nil {
			log.Printf("[conflict] inherit edge %s->%s: %v", e.From, e.To, err)
		}
	}
	for _, id := range []string{a.ID, b.ID} {
		if err := r.store.DeleteNode(ctx, id); err != nil {
			return nil, fmt.Errorf("remove original %s: %w", id, err)
		}
	}

	r.events.Log(schema.TransitionEvent{
		Operation:   weblog.OpFuse,
		FromTier:    a.Tier,
		ToTier:      fused.Tier,
		Owner:       fused.Owner,
		MemoryCount: 2,
	})
	return &Outcome{Kind: KindFused, Survivor: fused.ID, Removed: []string{a.ID, b.ID}}, nil
}

// inheritedEdges re-points every edge incident to either original at the
// fused id, dropping self-loops (edges between the two originals) and
// duplicates.
func (r *Resolver) inheritedEdges(ctx context.Context, a, b *schema.MemoryRecord, fusedID string) ([]store.Edge, error) {
	originals := map[string]bool{a.ID: true, b.ID: true}
	seen := make(map[store.Edge]bool)
	var out []store.Edge
	for _, rec := range []*schema.MemoryRecord{a, b} {
		edges, err := r.store.GetEdges(ctx, rec.ID, "", store.DirectionBoth)
		if err != nil {
			return nil, fmt.Errorf("edges of %s: %w", rec.ID, err)
		}
		for _, e := range edges {
			from, to := e.From, e.To
			if originals[from] {
				from = fusedID
			}
			if originals[to] {
				to = fusedID
			}
			if from == to {
				continue
			}
			re := store.Edge{From: from, To: to, Type: e.Type}
			if seen[re] {
				continue
			}
			seen[re] = true
			out = append(out, re)
		}
	}
	return out, nil
}

// fusedRecord merges the metadata of both originals: union of tags and
// sources, max confidence, key and background preferring the newer record's
// non-empty value, tier and owner from the newer record.
func fusedRecord(a, b *schema.MemoryRecord, merged string) *schema.MemoryRecord {
	newer, older := a, b
	if b.UpdatedAt.After(a.UpdatedAt) {
		newer, older = b, a
	}
	now := time.Now().UTC()
	return &schema.MemoryRecord{
		ID:         uuid.NewString(),
		Content:    merged,
		Owner:      newer.Owner,
		Tier:       newer.Tier,
		Status:     schema.StatusActivated,
		Confidence: math.Max(a.Confidence, b.Confidence),
		Tags:       unionStrings(newer.Tags, older.Tags),
		Sources:    unionStrings(newer.Sources, older.Sources),
		Key:        preferNonEmpty(newer.Key, older.Key),
		Background: preferNonEmpty(newer.Background, older.Background),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, group := range [][]string{a, b} {
		for _, s := range group {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func preferNonEmpty(primary, fallback string) string {
	if strings.TrimSpace(primary) != "" {
		return primary
	}
	return fallback
}

// Sweeper chains detection and resolution over freshly committed records.
type Sweeper struct {
	detector *Detector
	resolver *Resolver
}

func NewSweeper(d *Detector, r *Resolver) *Sweeper {
	return &Sweeper{detector: d, resolver: r}
}

// Sweep resolves every conflict the detector finds among the given records.
// Records removed by an earlier resolution in the same sweep are skipped, and
// failures are logged rather than propagated: the sweep is best-effort.
func (s *Sweeper) Sweep(ctx context.Context, recs []*schema.MemoryRecord) []Outcome {
	removed := make(map[string]bool)
	var outcomes []Outcome
	for _, rec := range recs {
		if rec == nil || removed[rec.ID] {
			continue
		}
		pairs, err := s.detector.Detect(ctx, rec)
		if err != nil {
			log.Printf("[conflict] detect %s: %v", rec.ID, err)
			continue
		}
		for _, pair := range pairs {
			if removed[pair.A.ID] || removed[pair.B.ID] {
				continue
			}
			outcome, err := s.resolver.Resolve(ctx, pair.A, pair.B)
			if err != nil {
				log.Printf("[conflict] resolve %s/%s: %v", pair.A.ID, pair.B.ID, err)
				continue
			}
			for _, id := range outcome.Removed {
				removed[id] = true
			}
			outcomes = append(outcomes, *outcome)
		}
	}
	return outcomes
}
