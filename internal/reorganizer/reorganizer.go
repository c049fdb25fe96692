// Package reorganizer periodically consolidates the long-term tier: dense
// embedding clusters of related records get one summarized parent record
// linked to its members. Singletons and noise are never touched.
package reorganizer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/embed"
	"github.com/stellarlinkco/memcube/internal/llm"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/store"
	"github.com/stellarlinkco/memcube/internal/weblog"
)

// OwnerSource yields the owners worth consolidating. The monitor satisfies
// this with the owners it has seen scheduler traffic for.
type OwnerSource interface {
	Owners() []schema.Owner
}

type Reorganizer struct {
	store    store.Store
	embedder embed.Embedder
	llm      llm.Client
	owners   OwnerSource
	events   weblog.Logger

	spec        string
	sampleLimit int
	eps         float64
	minPts      int

	cron    *rcron.Cron
	mu      sync.Mutex
	running bool
}

func New(st store.Store, emb embed.Embedder, client llm.Client, owners OwnerSource, events weblog.Logger, cfg config.ReorganizerConfig) *Reorganizer {
	spec := strings.TrimSpace(cfg.CronSpec)
	if spec == "" {
		spec = config.DefaultReorganizeSpec
	}
	sampleLimit := cfg.SampleLimit
	if sampleLimit <= 0 {
		sampleLimit = config.DefaultSampleLimit
	}
	eps := cfg.ClusterEps
	if eps <= 0 || eps >= 1 {
		eps = config.DefaultClusterEps
	}
	minPts := cfg.MinPoints
	if minPts < 2 {
		minPts = config.DefaultClusterMinPts
	}
	if events == nil {
		events = weblog.Nop{}
	}
	return &Reorganizer{
		store:       st,
		embedder:    emb,
		llm:         client,
		owners:      owners,
		events:      events,
		spec:        spec,
		sampleLimit: sampleLimit,
		eps:         eps,
		minPts:      minPts,
	}
}

func (r *Reorganizer) Start(ctx context.Context) error {
	r.cron = rcron.New(rcron.WithSeconds())
	if _, err := r.cron.AddFunc(r.spec, func() { r.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("register consolidation schedule %q: %w", r.spec, err)
	}
	r.cron.Start()
	log.Printf("[reorganizer] started, schedule %q", r.spec)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

func (r *Reorganizer) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Printf("[reorganizer] stopped")
}

// RunOnce walks every known owner. A pass still running when the next tick
// fires makes the tick a no-op.
func (r *Reorganizer) RunOnce(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		log.Printf("[reorganizer] previous pass still running, skipping tick")
		return
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	for _, owner := range r.owners.Owners() {
		if err := r.ConsolidateOwner(ctx, owner); err != nil {
			log.Printf("[reorganizer] consolidate %s: %v", owner, err)
		}
	}
}

// ConsolidateOwner samples the owner's long-term tier, clusters by embedding
// density, and inserts one parent record per cluster of two or more members.
func (r *Reorganizer) ConsolidateOwner(ctx context.Context, owner schema.Owner) error {
	recs, err := r.store.ListByTier(ctx, owner, schema.TierLongTerm, r.sampleLimit)
	if err != nil {
		return fmt.Errorf("sample long-term: %w", err)
	}

	var sample []*schema.MemoryRecord
	for _, rec := range recs {
		if len(rec.Embedding) == 0 {
			continue
		}
		// records already under a parent stay out so passes converge
		member, err := r.hasParent(ctx, rec.ID)
		if err != nil {
			return err
		}
		if member {
			continue
		}
		sample = append(sample, rec)
	}
	if len(sample) < r.minPts {
		return nil
	}

	clusters := clusterByDensity(sample, r.eps, r.minPts)
	consolidated := 0
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		if err := r.consolidateCluster(ctx, owner, cluster); err != nil {
			log.Printf("[reorganizer] cluster of %d for %s: %v", len(cluster), owner, err)
			continue
		}
		consolidated++
	}
	if consolidated > 0 {
		log.Printf("[reorganizer] %s: consolidated %d clusters from %d sampled records", owner, consolidated, len(sample))
	}
	return nil
}

func (r *Reorganizer) hasParent(ctx context.Context, id string) (bool, error) {
	edges, err := r.store.GetEdges(ctx, id, store.EdgeParent, store.DirectionIn)
	if err != nil {
		return false, fmt.Errorf("parent edges of %s: %w", id, err)
	}
	return len(edges) > 0, nil
}

const consolidatePrompt = `The following memory records from one user cover closely related content.

%s

Produce one consolidated memory summarizing them. Reply with a JSON object of
exactly these fields:
{"key": "short title", "value": "the consolidated memory text", "tags": ["..."], "background": "supporting context"}`

type consolidation struct {
	Key        string   `json:"key"`
	Value      string   `json:"value"`
	Tags       []string `json:"tags"`
	Background string   `json:"background"`
}

func (r *Reorganizer) consolidateCluster(ctx context.Context, owner schema.Owner, cluster []*schema.MemoryRecord) error {
	if r.llm == nil {
		return fmt.Errorf("no llm client")
	}
	reply, err := r.llm.GenerateJSON(ctx, llm.UserMessage(fmt.Sprintf(consolidatePrompt, bulleted(cluster))))
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	var parsed consolidation
	if !llm.ParseStrictJSON(reply, &parsed) || strings.TrimSpace(parsed.Value) == "" {
		return fmt.Errorf("malformed consolidation output")
	}

	parent := parentRecord(owner, cluster, parsed)
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, parent.Content)
		if err != nil {
			return fmt.Errorf("embed parent: %w", err)
		}
		parent.Embedding = vec
	}

	if err := r.store.AddNode(ctx, parent); err != nil {
		return fmt.Errorf("insert parent: %w", err)
	}
	for _, member := range cluster {
		if err := r.store.AddEdge(ctx, parent.ID, member.ID, store.EdgeParent); err != nil {
			log.Printf("[reorganizer] parent edge %s->%s: %v", parent.ID, member.ID, err)
		}
	}

	r.events.Log(schema.TransitionEvent{
		Operation:   weblog.OpConsolidate,
		FromTier:    schema.TierLongTerm,
		ToTier:      schema.TierLongTerm,
		Owner:       owner,
		MemoryCount: len(cluster),
	})
	return nil
}

// parentRecord carries the cluster's mean confidence and lists every member
// id in Sources.
func parentRecord(owner schema.Owner, cluster []*schema.MemoryRecord, parsed consolidation) *schema.MemoryRecord {
	var confidence float64
	sources := make([]string, 0, len(cluster))
	for _, member := range cluster {
		confidence += member.Confidence
		sources = append(sources, member.ID)
	}
	confidence /= float64(len(cluster))

	now := time.Now().UTC()
	return &schema.MemoryRecord{
		ID:         uuid.NewString(),
		Content:    parsed.Value,
		Owner:      owner,
		Tier:       schema.TierLongTerm,
		Status:     schema.StatusActivated,
		Confidence: confidence,
		Tags:       parsed.Tags,
		Sources:    sources,
		Key:        parsed.Key,
		Background: parsed.Background,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// clusterByDensity is DBSCAN over cosine distance. Noise and points that
// never reach a core neighborhood are left out of the result entirely.
func clusterByDensity(recs []*schema.MemoryRecord, eps float64, minPts int) [][]*schema.MemoryRecord {
	const (
		unvisited = 0
		noise     = -1
	)
	n := len(recs)
	labels := make([]int, n)

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			if 1-store.Cosine(recs[i].Embedding, recs[j].Embedding) <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	clusterID := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		nb := neighbors(i)
		// the point counts toward its own neighborhood
		if len(nb)+1 < minPts {
			labels[i] = noise
			continue
		}
		clusterID++
		labels[i] = clusterID
		queue := append([]int{}, nb...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == noise {
				labels[j] = clusterID
				continue
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = clusterID
			jnb := neighbors(j)
			if len(jnb)+1 >= minPts {
				queue = append(queue, jnb...)
			}
		}
	}

	clusters := make([][]*schema.MemoryRecord, clusterID)
	for i, label := range labels {
		if label > 0 {
			clusters[label-1] = append(clusters[label-1], recs[i])
		}
	}
	return clusters
}

func bulleted(cluster []*schema.MemoryRecord) string {
	var b strings.Builder
	for _, rec := range cluster {
		fmt.Fprintf(&b, "- %s\n", rec.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
