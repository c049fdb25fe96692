package conflict

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/llm"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/store"
)

var conflictOwner = schema.Owner{UserID: "alice", CubeID: "main"}

// scriptedLLM fakes the completion endpoint, routing each prompt through
// respond.
func scriptedLLM(t *testing.T, respond func(prompt string) string) llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			t.Errorf("bad completion request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reply := respond(req.Messages[len(req.Messages)-1].Content)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": reply}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return llm.NewClient(&config.Config{Provider: config.ProviderConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
	}})
}

func isJudgePrompt(prompt string) bool {
	return strings.Contains(prompt, "contradict each other")
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type captureLogger struct {
	mu     sync.Mutex
	events []schema.TransitionEvent
}

func (c *captureLogger) Log(ev schema.TransitionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureLogger) byOp(op string) []schema.TransitionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []schema.TransitionEvent
	for _, ev := range c.events {
		if ev.Operation == op {
			out = append(out, ev)
		}
	}
	return out
}

func ltRecord(id, content string, vec []float32, at time.Time) *schema.MemoryRecord {
	return &schema.MemoryRecord{
		ID:         id,
		Content:    content,
		Owner:      conflictOwner,
		Tier:       schema.TierLongTerm,
		Status:     schema.StatusActivated,
		Embedding:  vec,
		Confidence: 0.99,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func mustAdd(t *testing.T, st store.Store, rec *schema.MemoryRecord) {
	t.Helper()
	if err := st.AddNode(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", rec.ID, err)
	}
}

func newDetector(st store.Store, client llm.Client) *Detector {
	return NewDetector(st, client, config.ConflictConfig{Threshold: 0.8, TopK: 5})
}

func TestDetect_FlagsContradictionAboveThreshold(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := ltRecord("a-1", "alice likes apples", []float32{1, 0}, base)
	mustAdd(t, st, rec)
	mustAdd(t, st, ltRecord("b-1", "alice likes mangoes, not apples", []float32{0.9, 0.1}, base.Add(5*time.Minute)))
	mustAdd(t, st, ltRecord("c-1", "bob plays tennis on fridays", []float32{0, 1}, base))

	judgeCalls := 0
	client := scriptedLLM(t, func(prompt string) string {
		if !isJudgePrompt(prompt) {
			t.Errorf("unexpected prompt: %q", prompt)
		}
		judgeCalls++
		return "yes"
	})

	pairs, err := newDetector(st, client).Detect(ctx, rec)
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(pairs))
	}
	if pairs[0].A.ID != "a-1" || pairs[0].B.ID != "b-1" {
		t.Fatalf("pair = %s/%s, want a-1/b-1", pairs[0].A.ID, pairs[0].B.ID)
	}
	if judgeCalls != 1 {
		t.Fatalf("judge calls = %d, want 1 (below-threshold candidate must not be judged)", judgeCalls)
	}
}

func TestDetect_NonYesVerdictMeansNoConflict(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, verdict := range []string{"no", "These statements complement each other."} {
		st := store.NewMemStore()
		rec := ltRecord("a-1", "alice likes apples", []float32{1, 0}, base)
		mustAdd(t, st, rec)
		mustAdd(t, st, ltRecord("b-1", "alice eats an apple daily", []float32{0.95, 0.05}, base))

		client := scriptedLLM(t, func(string) string { return verdict })
		pairs, err := newDetector(st, client).Detect(ctx, rec)
		if err != nil {
			t.Fatalf("Detect error: %v", err)
		}
		if len(pairs) != 0 {
			t.Fatalf("verdict %q produced %d pairs, want 0", verdict, len(pairs))
		}
	}
}

func TestDetect_NoEmbeddingNoJudge(t *testing.T) {
	st := store.NewMemStore()
	judgeCalls := 0
	client := scriptedLLM(t, func(string) string {
		judgeCalls++
		return "yes"
	})

	rec := ltRecord("a-1", "alice likes apples", nil, time.Now().UTC())
	pairs, err := newDetector(st, client).Detect(context.Background(), rec)
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if len(pairs) != 0 || judgeCalls != 0 {
		t.Fatalf("pairs = %d, judge calls = %d, want 0/0", len(pairs), judgeCalls)
	}
}

func TestDetect_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := ltRecord("a-1", "alice likes apples", []float32{1, 0}, base)
	mustAdd(t, st, rec)
	mustAdd(t, st, ltRecord("b-1", "alice likes mangoes, not apples", []float32{0.9, 0.1}, base.Add(5*time.Minute)))

	client := scriptedLLM(t, func(string) string { return "yes" })
	det := newDetector(st, client)

	first, err := det.Detect(ctx, rec)
	if err != nil {
		t.Fatalf("first Detect error: %v", err)
	}
	second, err := det.Detect(ctx, rec)
	if err != nil {
		t.Fatalf("second Detect error: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("pair counts = %d/%d, want 1/1", len(first), len(second))
	}
	if first[0].B.ID != second[0].B.ID {
		t.Fatalf("runs disagree: %s vs %s", first[0].B.ID, second[0].B.ID)
	}
}

func TestResolve_FusionReplacesBothAndInheritsEdges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	events := &captureLogger{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := ltRecord("a-1", "alice likes apples", []float32{1, 0}, base)
	a.Confidence = 0.7
	a.Key = "fruit preference"
	a.Tags = []string{"food"}
	a.Sources = []string{"chat-1"}

	b := ltRecord("b-1", "alice likes mangoes, not apples", []float32{0.9, 0.1}, base.Add(5*time.Minute))
	b.Confidence = 0.9
	b.Tags = []string{"food", "fruit"}
	b.Sources = []string{"chat-2"}

	other := ltRecord("t-1", "alice shops at the saturday market", []float32{0, 1}, base)

	mustAdd(t, st, a)
	mustAdd(t, st, b)
	mustAdd(t, st, other)
	for _, e := range []store.Edge{
		{From: "a-1", To: "t-1", Type: "RELATED"},
		{From: "t-1", To: "b-1", Type: "RELATED"},
		{From: "a-1", To: "b-1", Type: "RELATED"},
	} {
		if err := st.AddEdge(ctx, e.From, e.To, e.Type); err != nil {
			t.Fatalf("seed edge: %v", err)
		}
	}

	client := scriptedLLM(t, func(prompt string) string {
		if isJudgePrompt(prompt) {
			t.Errorf("resolver must not call the judge")
		}
		return "<merged>alice likes mangoes, not apples</merged>"
	})
	res := NewResolver(st, stubEmbedder{}, client, events)

	outcome, err := res.Resolve(ctx, a, b)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if outcome.Kind != KindFused {
		t.Fatalf("kind = %s, want fused", outcome.Kind)
	}
	if outcome.Survivor == "" || outcome.Survivor == "a-1" || outcome.Survivor == "b-1" {
		t.Fatalf("survivor = %q, want a fresh id", outcome.Survivor)
	}
	if len(outcome.Removed) != 2 {
		t.Fatalf("removed = %v, want both originals", outcome.Removed)
	}

	gone, err := st.GetNodes(ctx, []string{"a-1", "b-1"})
	if err != nil {
		t.Fatalf("GetNodes error: %v", err)
	}
	if len(gone) != 0 {
		t.Fatalf("originals survived: %d", len(gone))
	}

	got, err := st.GetNodes(ctx, []string{outcome.Survivor})
	if err != nil {
		t.Fatalf("GetNodes error: %v", err)
	}
	if len(got) != 1 {
		t.Fatal("fused record missing")
	}
	fused := got[0]
	if fused.Content != "alice likes mangoes, not apples" {
		t.Fatalf("fused content = %q", fused.Content)
	}
	if fused.Confidence != 0.9 {
		t.Fatalf("fused confidence = %v, want max 0.9", fused.Confidence)
	}
	// newer record's key is empty, the older one's fills in
	if fused.Key != "fruit preference" {
		t.Fatalf("fused key = %q", fused.Key)
	}
	wantTags := map[string]bool{"food": true, "fruit": true}
	if len(fused.Tags) != 2 || !wantTags[fused.Tags[0]] || !wantTags[fused.Tags[1]] {
		t.Fatalf("fused tags = %v", fused.Tags)
	}
	wantSources := map[string]bool{"chat-1": true, "chat-2": true}
	if len(fused.Sources) != 2 || !wantSources[fused.Sources[0]] || !wantSources[fused.Sources[1]] {
		t.Fatalf("fused sources = %v", fused.Sources)
	}
	if len(fused.Embedding) == 0 {
		t.Fatal("fused record not embedded")
	}

	edges, err := st.GetEdges(ctx, outcome.Survivor, "", store.DirectionBoth)
	if err != nil {
		t.Fatalf("GetEdges error: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("fused edges = %v, want 2 (a->t and t->b re-pointed, a->b collapsed)", edges)
	}
	for _, e := range edges {
		if e.From == e.To {
			t.Fatalf("self-loop survived: %+v", e)
		}
		if e.From != outcome.Survivor && e.To != outcome.Survivor {
			t.Fatalf("edge not re-pointed: %+v", e)
		}
		if e.From == "a-1" || e.To == "a-1" || e.From == "b-1" || e.To == "b-1" {
			t.Fatalf("edge references deleted id: %+v", e)
		}
	}

	if len(events.byOp("fuse")) != 1 {
		t.Fatalf("fuse events = %d, want 1", len(events.byOp("fuse")))
	}
}

func TestResolve_FusionFailureKeepsNewer(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, reply := range []string{
		"<unresolved/>",
		"these cannot be merged",
		"<merged></merged>",
	} {
		st := store.NewMemStore()
		events := &captureLogger{}
		a := ltRecord("a-1", "alice likes apples", []float32{1, 0}, base)
		b := ltRecord("b-1", "alice likes mangoes, not apples", []float32{0.9, 0.1}, base.Add(5*time.Minute))
		mustAdd(t, st, a)
		mustAdd(t, st, b)

		client := scriptedLLM(t, func(string) string { return reply })
		outcome, err := NewResolver(st, stubEmbedder{}, client, events).Resolve(ctx, a, b)
		if err != nil {
			t.Fatalf("reply %q: Resolve error: %v", reply, err)
		}
		if outcome.Kind != KindKept || outcome.Survivor != "b-1" {
			t.Fatalf("reply %q: outcome = %+v, want kept b-1", reply, outcome)
		}
		if len(outcome.Removed) != 1 || outcome.Removed[0] != "a-1" {
			t.Fatalf("reply %q: removed = %v, want [a-1]", reply, outcome.Removed)
		}

		left, err := st.GetNodes(ctx, []string{"a-1", "b-1"})
		if err != nil {
			t.Fatalf("GetNodes error: %v", err)
		}
		if len(left) != 1 || left[0].ID != "b-1" {
			t.Fatalf("reply %q: surviving nodes = %v", reply, left)
		}
		if left[0].Content != "alice likes mangoes, not apples" || !left[0].UpdatedAt.Equal(b.UpdatedAt) {
			t.Fatalf("reply %q: survivor was modified: %+v", reply, left[0])
		}
		if len(events.byOp("hard_update")) != 1 {
			t.Fatalf("reply %q: hard_update events = %d, want 1", reply, len(events.byOp("hard_update")))
		}
	}
}

func TestResolve_ConvergesToNoConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := ltRecord("a-1", "alice likes apples", []float32{1, 0}, base)
	b := ltRecord("b-1", "alice likes mangoes, not apples", []float32{0.9, 0.1}, base.Add(5*time.Minute))
	mustAdd(t, st, a)
	mustAdd(t, st, b)

	client := scriptedLLM(t, func(prompt string) string {
		if isJudgePrompt(prompt) {
			return "yes"
		}
		return "<merged>alice likes mangoes, not apples</merged>"
	})
	res := NewResolver(st, stubEmbedder{}, client, &captureLogger{})

	outcome, err := res.Resolve(ctx, a, b)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	survivors, err := st.GetNodes(ctx, []string{outcome.Survivor})
	if err != nil {
		t.Fatalf("GetNodes error: %v", err)
	}
	if len(survivors) != 1 {
		t.Fatal("fused record missing")
	}
	pairs, err := newDetector(st, client).Detect(ctx, survivors[0])
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("fused record re-detected %d conflicts, want 0", len(pairs))
	}
}

func TestSweep_SkipsAlreadyRemoved(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := ltRecord("a-1", "alice lives in porto", []float32{1, 0}, base)
	b := ltRecord("b-1", "alice lives in lisbon", []float32{0.95, 0.05}, base.Add(time.Minute))
	c := ltRecord("c-1", "alice lives in madrid", []float32{0.9, 0.1}, base.Add(2*time.Minute))
	mustAdd(t, st, a)
	mustAdd(t, st, b)
	mustAdd(t, st, c)

	client := scriptedLLM(t, func(prompt string) string {
		if isJudgePrompt(prompt) {
			return "yes"
		}
		return "<unresolved/>"
	})
	sweeper := NewSweeper(
		newDetector(st, client),
		NewResolver(st, stubEmbedder{}, client, &captureLogger{}),
	)

	outcomes := sweeper.Sweep(ctx, []*schema.MemoryRecord{a, b, c})
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Kind != KindKept {
			t.Fatalf("outcome kind = %s, want kept", o.Kind)
		}
	}

	left, err := st.ListByTier(ctx, conflictOwner, schema.TierLongTerm, 0)
	if err != nil {
		t.Fatalf("ListByTier error: %v", err)
	}
	if len(left) != 1 || left[0].ID != "c-1" {
		t.Fatalf("survivors = %v, want only the newest", left)
	}
}
