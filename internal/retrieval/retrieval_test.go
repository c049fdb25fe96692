package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/llm"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/store"
)

var retOwner = schema.Owner{UserID: "alice", CubeID: "main"}

type stubEmbedder struct {
	vec   []float32
	calls int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	return append([]float32(nil), s.vec...), nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = append([]float32(nil), s.vec...)
	}
	return out, nil
}

func fakeLLM(t *testing.T, response string) llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": response}},
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

func brokenLLM(t *testing.T) llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return llm.NewClient(&config.Config{Provider: config.ProviderConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
	}})
}

func retCfg() config.RetrievalConfig {
	return config.RetrievalConfig{TopK: 10, SimilarityThreshold: 0.75, MinContentTokens: 6}
}

func mem(content string) *schema.MemoryRecord {
	return schema.NewRecord(retOwner, schema.TierWorking, content)
}

func TestSearch_SingleCallDurableScope(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	ctx := context.Background()

	add := func(tier schema.Tier, content string, vec []float32) *schema.MemoryRecord {
		t.Helper()
		rec := schema.NewRecord(retOwner, tier, content)
		rec.Embedding = vec
		if err := st.AddNode(ctx, rec); err != nil {
			t.Fatalf("add %s: %v", content, err)
		}
		return rec
	}
	lt := add(schema.TierLongTerm, "alice prefers dark roast coffee", []float32{1, 0})
	add(schema.TierUser, "alice dislikes mornings in general", []float32{0.7, 0.7})
	add(schema.TierWorking, "currently discussing coffee orders", []float32{1, 0})

	emb := &stubEmbedder{vec: []float32{1, 0}}
	r := NewRetriever(st, emb, nil, retCfg())

	hits, err := r.Search(ctx, retOwner, "what coffee does alice like", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if emb.calls != 1 {
		t.Fatalf("embedded %d times, want 1", emb.calls)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Record.ID != lt.ID {
		t.Fatalf("best hit: %s", hits[0].Record.Content)
	}
	for _, h := range hits {
		if h.Record.Tier == schema.TierWorking {
			t.Fatalf("working tier leaked into search: %s", h.Record.Content)
		}
	}
}

func replaceFixture() (original, candidates []*schema.MemoryRecord) {
	original = []*schema.MemoryRecord{
		mem("alice prefers dark roast coffee every morning"),
		mem("bob works at the harbor office downtown now"),
	}
	candidates = []*schema.MemoryRecord{
		mem("alice prefers dark roast coffee each morning"), // near-dup of original[0]
		mem("too short"),
		mem("bob works at the harbor office downtown now"), // exact repeat
		mem("carol plays chess on sunday afternoons with friends"),
	}
	return original, candidates
}

func TestReplaceWorkingMemory_AppliesPermutation(t *testing.T) {
	original, candidates := replaceFixture()
	r := NewRetriever(nil, nil, fakeLLM(t, `{"order": [2, 0, 1]}`), retCfg())

	got := r.ReplaceWorkingMemory(context.Background(), []string{"what does carol do"}, original, candidates, 10)
	want := []string{
		"carol plays chess on sunday afternoons with friends",
		"alice prefers dark roast coffee every morning",
		"bob works at the harbor office downtown now",
	}
	assertContents(t, got, want)
}

func TestReplaceWorkingMemory_FilterPipeline(t *testing.T) {
	original, candidates := replaceFixture()
	// nil llm: result is the filtered, de-duplicated order
	r := NewRetriever(nil, nil, nil, retCfg())

	got := r.ReplaceWorkingMemory(context.Background(), nil, original, candidates, 10)
	want := []string{
		"alice prefers dark roast coffee every morning",
		"bob works at the harbor office downtown now",
		"carol plays chess on sunday afternoons with friends",
	}
	assertContents(t, got, want)
}

func TestReplaceWorkingMemory_BadRerankFallsBack(t *testing.T) {
	filtered := []string{
		"alice prefers dark roast coffee every morning",
		"bob works at the harbor office downtown now",
		"carol plays chess on sunday afternoons with friends",
	}

	cases := []struct {
		name     string
		response string
	}{
		{"prose", "the most relevant memory is the carol one"},
		{"duplicate index", `{"order": [0, 0, 1]}`},
		{"out of range", `{"order": [0, 1, 3]}`},
		{"negative", `{"order": [0, 1, -1]}`},
		{"incomplete", `{"order": [2, 0]}`},
		{"extra field", `{"order": [0, 1, 2], "reason": "obvious"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			original, candidates := replaceFixture()
			r := NewRetriever(nil, nil, fakeLLM(t, tc.response), retCfg())
			got := r.ReplaceWorkingMemory(context.Background(), []string{"q"}, original, candidates, 10)
			assertContents(t, got, filtered)
		})
	}
}

func TestReplaceWorkingMemory_TopKTruncates(t *testing.T) {
	original, candidates := replaceFixture()
	r := NewRetriever(nil, nil, fakeLLM(t, `{"order": [2, 0, 1]}`), retCfg())

	got := r.ReplaceWorkingMemory(context.Background(), []string{"q"}, original, candidates, 2)
	want := []string{
		"carol plays chess on sunday afternoons with friends",
		"alice prefers dark roast coffee every morning",
	}
	assertContents(t, got, want)
}

func TestReplaceWorkingMemory_AllFiltered(t *testing.T) {
	r := NewRetriever(nil, nil, nil, retCfg())
	got := r.ReplaceWorkingMemory(context.Background(), nil, nil, []*schema.MemoryRecord{mem("too short")}, 10)
	if len(got) != 0 {
		t.Fatalf("got %d records, want 0", len(got))
	}
}

func TestEvaluateAnswerability(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     bool
	}{
		{"yes", "yes", true},
		{"no", "No.", false},
		{"hedged fails safe", "I think yes, probably", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRetriever(nil, nil, fakeLLM(t, tc.response), retCfg())
			got := r.EvaluateAnswerability(context.Background(), "what coffee", []string{"alice prefers dark roast"})
			if got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}

	r := NewRetriever(nil, nil, brokenLLM(t), retCfg())
	if !r.EvaluateAnswerability(context.Background(), "q", nil) {
		t.Fatal("transport error must assume answerable")
	}
}

func TestRecallHint(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     string
	}{
		{"hint", "<hint>alice coffee preference</hint>", "alice coffee preference"},
		{"nothing missing", "<hint/>", ""},
		{"prose", "you might want to search for coffee", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRetriever(nil, nil, fakeLLM(t, tc.response), retCfg())
			got := r.RecallHint(context.Background(), "what coffee", []string{"alice works at the library"})
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func assertContents(t *testing.T, recs []*schema.MemoryRecord, want []string) {
	t.Helper()
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d: %v", len(recs), len(want), recContents(recs))
	}
	for i := range want {
		if recs[i].Content != want[i] {
			t.Fatalf("order[%d]: got %q want %q", i, recs[i].Content, want[i])
		}
	}
}

func recContents(recs []*schema.MemoryRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Content
	}
	return out
}
