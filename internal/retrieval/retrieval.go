// Package retrieval runs embedding search against the store and rebuilds the
// working set from old and new candidates. Every LLM judgment in here fails
// safe: a garbled response degrades the result, it never propagates as an
// error.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"unicode"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/embed"
	"github.com/stellarlinkco/memcube/internal/llm"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/store"
)

type Retriever struct {
	store     store.Store
	embedder  embed.Embedder
	llm       llm.Client
	topK      int
	dupBound  float64 // pairwise text similarity above this is a near-dup
	minTokens int
}

func NewRetriever(st store.Store, emb embed.Embedder, client llm.Client, cfg config.RetrievalConfig) *Retriever {
	topK := cfg.TopK
	if topK <= 0 {
		topK = config.DefaultTopK
	}
	dup := cfg.SimilarityThreshold
	if dup <= 0 || dup > 1 {
		dup = config.DefaultSimilarityThreshold
	}
	minTok := cfg.MinContentTokens
	if minTok <= 0 {
		minTok = config.DefaultMinContentTokens
	}
	return &Retriever{
		store:     st,
		embedder:  emb,
		llm:       client,
		topK:      topK,
		dupBound:  dup,
		minTokens: minTok,
	}
}

// Search embeds the query once and issues a single store search across the
// durable tiers. One search, not one per tier, so the result never exceeds
// topK.
func (r *Retriever) Search(ctx context.Context, owner schema.Owner, query string, topK int) ([]store.SearchHit, error) {
	if topK <= 0 {
		topK = r.topK
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search embed: %w", err)
	}
	hits, err := r.store.SearchByEmbedding(ctx, vec, store.SearchQuery{
		Owner:  owner,
		Scopes: schema.DurableTiers(),
		TopK:   topK,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}

// ReplaceWorkingMemory filters and re-ranks the old working set plus new
// candidates into the next working set, at most topK records. The caller
// swaps the tier; this only computes the list.
func (r *Retriever) ReplaceWorkingMemory(ctx context.Context, queries []string, original, candidates []*schema.MemoryRecord, topK int) []*schema.MemoryRecord {
	if topK <= 0 {
		topK = r.topK
	}

	merged := make([]*schema.MemoryRecord, 0, len(original)+len(candidates))
	merged = append(merged, original...)
	merged = append(merged, candidates...)

	survivors := dropNearDuplicates(merged, r.dupBound)
	survivors = dropShort(survivors, r.minTokens)
	survivors = dedupExact(survivors)

	ordered := r.rerank(ctx, queries, survivors)
	if len(ordered) > topK {
		ordered = ordered[:topK]
	}
	return ordered
}

const rerankPrompt = `You re-rank an assistant's memories.

User queries, oldest first:
%s

Memories, numbered from 0:
%s

Order the memory indices from most to least relevant for answering the
queries. Reply with JSON only, covering every index exactly once:
{"order": [most relevant index, ..., least relevant index]}`

// rerank asks the LLM for an index permutation over the survivors. Any
// malformed response, including an incomplete or repeated index list, keeps
// the filtered order.
func (r *Retriever) rerank(ctx context.Context, queries []string, survivors []*schema.MemoryRecord) []*schema.MemoryRecord {
	if len(survivors) <= 1 || r.llm == nil {
		return survivors
	}

	texts := make([]string, len(survivors))
	for i, rec := range survivors {
		texts[i] = rec.Content
	}
	prompt := fmt.Sprintf(rerankPrompt, bulleted(queries), indexed(texts))

	raw, err := r.llm.GenerateJSON(ctx, llm.UserMessage(prompt))
	if err != nil {
		log.Printf("[retrieval] rerank call: %v", err)
		return survivors
	}

	var out struct {
		Order []int `json:"order"`
	}
	if !llm.ParseStrictJSON(raw, &out) {
		log.Printf("[retrieval] unparsable rerank response")
		return survivors
	}
	if !validPermutation(out.Order, len(survivors)) {
		log.Printf("[retrieval] rerank returned invalid permutation %v over %d items", out.Order, len(survivors))
		return survivors
	}

	result := make([]*schema.MemoryRecord, len(survivors))
	for i, idx := range out.Order {
		result[i] = survivors[idx]
	}
	return result
}

// validPermutation requires every index in [0, n) exactly once.
func validPermutation(perm []int, n int) bool {
	if len(perm) != n {
		return false
	}
	seen := make([]bool, n)
	for _, idx := range perm {
		if idx < 0 || idx >= n || seen[idx] {
			return false
		}
		seen[idx] = true
	}
	return true
}

const answerabilityPrompt = `Question:
%s

Memories:
%s

Can the memories above fully answer the question? Reply with a single word:
yes or no.`

// EvaluateAnswerability reports whether the given memories suffice to answer
// the query. Malformed output assumes they do.
func (r *Retriever) EvaluateAnswerability(ctx context.Context, query string, memoryTexts []string) bool {
	if r.llm == nil {
		return true
	}
	prompt := fmt.Sprintf(answerabilityPrompt, query, bulleted(memoryTexts))
	raw, err := r.llm.Generate(ctx, llm.UserMessage(prompt))
	if err != nil {
		log.Printf("[retrieval] answerability call: %v", err)
		return true
	}
	ans, ok := llm.ParseYesNo(raw)
	if !ok {
		return true
	}
	return ans
}

const recallPrompt = `Question:
%s

Memories already retrieved:
%s

If something needed to answer the question is still missing, write one short
standalone search query for it wrapped in <hint></hint>. If nothing is
missing, reply with <hint/>.`

// RecallHint returns a follow-up search query for whatever the retrieved
// memories still miss, or "" when nothing useful comes back.
func (r *Retriever) RecallHint(ctx context.Context, query string, memories []string) string {
	if r.llm == nil {
		return ""
	}
	prompt := fmt.Sprintf(recallPrompt, query, bulleted(memories))
	raw, err := r.llm.Generate(ctx, llm.UserMessage(prompt))
	if err != nil {
		log.Printf("[retrieval] recall call: %v", err)
		return ""
	}
	hint, ok := llm.ParseTagged(raw, "hint")
	if !ok {
		return ""
	}
	return strings.TrimSpace(hint)
}

// dropNearDuplicates keeps items whose token-frequency cosine similarity to
// every already-kept item stays at or below bound. First kept wins.
func dropNearDuplicates(recs []*schema.MemoryRecord, bound float64) []*schema.MemoryRecord {
	var kept []*schema.MemoryRecord
	var keptFreqs []map[string]float64

	for _, rec := range recs {
		freq := tokenFreq(rec.Content)
		dup := false
		for _, prev := range keptFreqs {
			if textCosine(freq, prev) > bound {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, rec)
		keptFreqs = append(keptFreqs, freq)
	}
	return kept
}

func dropShort(recs []*schema.MemoryRecord, minTokens int) []*schema.MemoryRecord {
	var kept []*schema.MemoryRecord
	for _, rec := range recs {
		if len(tokenize(rec.Content)) >= minTokens {
			kept = append(kept, rec)
		}
	}
	return kept
}

func dedupExact(recs []*schema.MemoryRecord) []*schema.MemoryRecord {
	seen := make(map[string]bool, len(recs))
	var kept []*schema.MemoryRecord
	for _, rec := range recs {
		if seen[rec.Content] {
			continue
		}
		seen[rec.Content] = true
		kept = append(kept, rec)
	}
	return kept
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenFreq(text string) map[string]float64 {
	freq := make(map[string]float64)
	for _, tok := range tokenize(text) {
		freq[tok]++
	}
	return freq
}

// textCosine is cosine similarity over token-frequency maps.
func textCosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for tok, fa := range a {
		normA += fa * fa
		if fb, ok := b[tok]; ok {
			dot += fa * fb
		}
	}
	for _, fb := range b {
		normB += fb * fb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func bulleted(lines []string) string {
	if len(lines) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return strings.TrimRight(b.String(), "\n")
}

func indexed(lines []string) string {
	if len(lines) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%d. %s\n", i, line)
	}
	return strings.TrimRight(b.String(), "\n")
}
