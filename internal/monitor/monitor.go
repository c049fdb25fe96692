// Package monitor tracks which memories each owner is actually using and
// decides, per incoming query, whether retrieval should fire. The cache is
// non-authoritative: it is rebuilt from the store on every refresh and may
// lag writes briefly.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/memcube/internal/llm"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/store"
)

// Item is one tracked memory with its usage counter.
type Item struct {
	RecordID       string
	Text           string
	RecordingCount int
	LastSeen       time.Time
}

// IntentResult is the classifier verdict for one query turn.
type IntentResult struct {
	TriggerRetrieval bool
	MissingEvidences []string
}

type entry struct {
	owner   schema.Owner
	items   []Item // live working items first, retained tail after
	working int    // how many of items are in the live working tier
}

// Manager holds per-owner monitor entries and query history.
type Manager struct {
	llm      llm.Client
	capacity int // per-owner item bound: working capacity + retention buffer
	retain   int // previously-tracked items kept across refreshes
	histCap  int

	mu      sync.Mutex
	entries map[string]*entry
	history map[string][]string
}

func NewManager(client llm.Client, workingCapacity, retentionBuffer, queryHistory int) *Manager {
	if workingCapacity <= 0 {
		workingCapacity = 1
	}
	if retentionBuffer < 0 {
		retentionBuffer = 0
	}
	if queryHistory <= 0 {
		queryHistory = 1
	}
	return &Manager{
		llm:      client,
		capacity: workingCapacity + retentionBuffer,
		retain:   retentionBuffer,
		histCap:  queryHistory,
		entries:  make(map[string]*entry),
		history:  make(map[string][]string),
	}
}

// Update refreshes the owner's entry from the live working tier. Counters
// survive for ids still present; up to the retention buffer of items that
// fell out of the working tier are kept, highest count first.
func (m *Manager) Update(ctx context.Context, owner schema.Owner, st store.Store) error {
	live, err := st.ListByTier(ctx, owner, schema.TierWorking, 0)
	if err != nil {
		return fmt.Errorf("monitor update %s: %w", owner, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	old := m.entries[owner.Key()]
	oldByID := make(map[string]Item)
	if old != nil {
		for _, it := range old.items {
			oldByID[it.RecordID] = it
		}
	}

	fresh := make([]Item, 0, len(live))
	liveIDs := make(map[string]bool, len(live))
	for _, rec := range live {
		liveIDs[rec.ID] = true
		it := Item{RecordID: rec.ID, Text: rec.Content, RecordingCount: 1, LastSeen: now}
		if prev, ok := oldByID[rec.ID]; ok {
			it.RecordingCount = prev.RecordingCount
			it.LastSeen = prev.LastSeen
		}
		fresh = append(fresh, it)
	}
	if len(fresh) > m.capacity {
		fresh = fresh[len(fresh)-m.capacity:]
	}

	var dropped []Item
	if old != nil {
		for _, it := range old.items {
			if !liveIDs[it.RecordID] {
				dropped = append(dropped, it)
			}
		}
	}
	sortByUsage(dropped)

	room := m.capacity - len(fresh)
	if room > m.retain {
		room = m.retain
	}
	if room < 0 {
		room = 0
	}
	if len(dropped) > room {
		dropped = dropped[:room]
	}

	m.entries[owner.Key()] = &entry{
		owner:   owner,
		items:   append(fresh, dropped...),
		working: len(fresh),
	}
	return nil
}

// Top returns the owner's k most-recorded items. k <= 0 returns all.
func (m *Manager) Top(owner schema.Owner, k int) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[owner.Key()]
	if e == nil {
		return nil
	}
	sorted := append([]Item(nil), e.items...)
	sortByUsage(sorted)
	if k > 0 && len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// WorkingTexts returns the texts of the live working set, oldest first.
// Retained items that already fell out of the tier are excluded.
func (m *Manager) WorkingTexts(owner schema.Owner) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[owner.Key()]
	if e == nil {
		return nil
	}
	out := make([]string, 0, e.working)
	for _, it := range e.items[:e.working] {
		out = append(out, it.Text)
	}
	return out
}

// RecordUsage bumps the counter for each tracked id. Unknown ids are
// ignored; the cache only follows what it has seen.
func (m *Manager) RecordUsage(owner schema.Owner, ids []string) {
	if len(ids) == 0 {
		return
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[owner.Key()]
	if e == nil {
		return
	}
	now := time.Now().UTC()
	for i := range e.items {
		if wanted[e.items[i].RecordID] {
			e.items[i].RecordingCount++
			e.items[i].LastSeen = now
		}
	}
}

// PushQuery appends q to the owner's history ring, dropping the oldest entry
// once the ring is full.
func (m *Manager) PushQuery(owner schema.Owner, q string) {
	q = strings.TrimSpace(q)
	if q == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := owner.Key()
	if e := m.entries[key]; e == nil {
		m.entries[key] = &entry{owner: owner}
	}
	hist := append(m.history[key], q)
	if len(hist) > m.histCap {
		hist = hist[len(hist)-m.histCap:]
	}
	m.history[key] = hist
}

// History returns a copy of the owner's recent queries, oldest first.
func (m *Manager) History(owner schema.Owner) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history[owner.Key()]...)
}

// Owners lists every owner the monitor has seen, sorted by key. The
// reorganizer walks this to know whose memories to consolidate.
func (m *Manager) Owners() []schema.Owner {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]schema.Owner, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.owner)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

const intentPrompt = `You monitor an assistant's working memory.

Recent user queries, oldest first:
%s

Current working memory:
%s

Decide whether answering the latest query requires retrieving additional
memories beyond the working memory above. Reply with JSON only:
{"trigger_retrieval": true, "missing_evidences": ["each missing fact as a short standalone query"]}
Set "trigger_retrieval" to false and use an empty list when working memory
already covers the query.`

// DetectIntent classifies whether retrieval should fire for the given query
// history. Any transport or parse failure fails safe: no retrieval, the raw
// history as evidence.
func (m *Manager) DetectIntent(ctx context.Context, history, working []string) IntentResult {
	failSafe := IntentResult{TriggerRetrieval: false, MissingEvidences: append([]string(nil), history...)}
	if m.llm == nil || len(history) == 0 {
		return failSafe
	}

	prompt := fmt.Sprintf(intentPrompt, numbered(history), numbered(working))
	raw, err := m.llm.GenerateJSON(ctx, llm.UserMessage(prompt))
	if err != nil {
		log.Printf("[monitor] intent classify: %v", err)
		return failSafe
	}

	var out struct {
		TriggerRetrieval bool     `json:"trigger_retrieval"`
		MissingEvidences []string `json:"missing_evidences"`
	}
	if !llm.ParseStrictJSON(raw, &out) {
		log.Printf("[monitor] unparsable intent response")
		return failSafe
	}

	evidences := make([]string, 0, len(out.MissingEvidences))
	for _, ev := range out.MissingEvidences {
		if ev = strings.TrimSpace(ev); ev != "" {
			evidences = append(evidences, ev)
		}
	}
	if out.TriggerRetrieval && len(evidences) == 0 {
		evidences = append([]string(nil), history...)
	}
	return IntentResult{TriggerRetrieval: out.TriggerRetrieval, MissingEvidences: evidences}
}

func numbered(lines []string) string {
	if len(lines) == 0 {
		return "(empty)"
	}
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%d. %s\n", i+1, line)
	}
	return strings.TrimRight(b.String(), "\n")
}

func sortByUsage(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].RecordingCount != items[j].RecordingCount {
			return items[i].RecordingCount > items[j].RecordingCount
		}
		if !items[i].LastSeen.Equal(items[j].LastSeen) {
			return items[i].LastSeen.After(items[j].LastSeen)
		}
		return items[i].RecordID < items[j].RecordID
	})
}
