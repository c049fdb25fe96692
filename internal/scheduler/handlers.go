package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/conflict"
	"github.com/stellarlinkco/memcube/internal/memory"
	"github.com/stellarlinkco/memcube/internal/monitor"
	"github.com/stellarlinkco/memcube/internal/retrieval"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/store"
	"github.com/stellarlinkco/memcube/internal/weblog"
)

// Deps carries the collaborators the label handlers act on. Sweeper and
// Submitter may be nil; the add handlers then skip the conflict sweep and
// the follow-on refresh.
type Deps struct {
	Store     store.Store
	Manager   *memory.Manager
	Monitor   *monitor.Manager
	Retriever *retrieval.Retriever
	Sweeper   *conflict.Sweeper
	Submitter Submitter
	Events    weblog.Logger
}

// Handlers implements the five message labels.
type Handlers struct {
	store        store.Store
	manager      *memory.Manager
	monitor      *monitor.Manager
	retriever    *retrieval.Retriever
	sweeper      *conflict.Sweeper
	submitter    Submitter
	events       weblog.Logger
	topK         int
	feedbackStep float64
	archiveFloor float64
}

func NewHandlers(deps Deps, cfg *config.Config) *Handlers {
	h := &Handlers{
		store:     deps.Store,
		manager:   deps.Manager,
		monitor:   deps.Monitor,
		retriever: deps.Retriever,
		sweeper:   deps.Sweeper,
		submitter: deps.Submitter,
		events:    deps.Events,

		topK:         config.DefaultTopK,
		feedbackStep: config.DefaultFeedbackStep,
		archiveFloor: config.DefaultArchiveFloor,
	}
	if h.events == nil {
		h.events = weblog.Nop{}
	}
	if cfg == nil {
		return h
	}
	if cfg.Retrieval.TopK > 0 {
		h.topK = cfg.Retrieval.TopK
	}
	if cfg.Memory.FeedbackStep > 0 {
		h.feedbackStep = cfg.Memory.FeedbackStep
	}
	if cfg.Memory.ArchiveFloor > 0 {
		h.archiveFloor = cfg.Memory.ArchiveFloor
	}
	return h
}

// RegisterAll binds every label to its handler on the dispatcher.
func (h *Handlers) RegisterAll(d *Dispatcher) error {
	for _, binding := range []struct {
		label   schema.Label
		handler Handler
	}{
		{schema.LabelQuery, h.HandleQuery},
		{schema.LabelAnswer, h.HandleAnswer},
		{schema.LabelAdd, h.HandleAdd},
		{schema.LabelPreferenceAdd, h.HandlePreferenceAdd},
		{schema.LabelFeedback, h.HandleFeedback},
	} {
		if err := d.Register(binding.label, binding.handler); err != nil {
			return err
		}
	}
	return nil
}

// HandleQuery records the queries, asks the intent classifier whether the
// working set can already answer them, and on a miss searches the durable
// tiers and swaps the re-ranked result into working memory.
func (h *Handlers) HandleQuery(ctx context.Context, msgs []*schema.ScheduleMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	owner := msgs[0].Owner
	for _, msg := range msgs {
		if text := strings.TrimSpace(msg.Content); text != "" {
			h.monitor.PushQuery(owner, text)
		}
	}
	if err := h.monitor.Update(ctx, owner, h.store); err != nil {
		log.Printf("[scheduler] monitor refresh for %s: %v", owner, err)
	}

	intent := h.monitor.DetectIntent(ctx, h.monitor.History(owner), h.monitor.WorkingTexts(owner))
	if !intent.TriggerRetrieval || len(intent.MissingEvidences) == 0 {
		return nil
	}

	original, err := h.manager.WorkingSet(ctx, owner)
	if err != nil {
		return fmt.Errorf("load working set for %s: %w", owner, err)
	}
	candidates := h.searchEvidences(ctx, owner, intent.MissingEvidences)
	if len(candidates) == 0 {
		return nil
	}

	// bound by tier capacity, not search depth: the swap may fill the tier
	next := h.retriever.ReplaceWorkingMemory(ctx, h.monitor.History(owner), original, candidates, h.manager.Capacity(schema.TierWorking))
	if err := h.manager.ReplaceWorkingMemory(ctx, owner, next); err != nil {
		return fmt.Errorf("commit working set for %s: %w", owner, err)
	}
	if err := h.monitor.Update(ctx, owner, h.store); err != nil {
		log.Printf("[scheduler] monitor resync for %s: %v", owner, err)
	}
	return nil
}

// searchEvidences splits the retrieval budget across the missing evidences.
// An evidence with no hits gets one retry through a rephrased recall hint.
func (h *Handlers) searchEvidences(ctx context.Context, owner schema.Owner, evidences []string) []*schema.MemoryRecord {
	perEvidence := h.topK / len(evidences)
	if perEvidence < 1 {
		perEvidence = 1
	}
	var out []*schema.MemoryRecord
	for _, evidence := range evidences {
		hits, err := h.retriever.Search(ctx, owner, evidence, perEvidence)
		if err != nil {
			log.Printf("[scheduler] search %q for %s: %v", evidence, owner, err)
			continue
		}
		if len(hits) == 0 {
			hint := h.retriever.RecallHint(ctx, evidence, h.monitor.WorkingTexts(owner))
			if hint == "" {
				continue
			}
			if hits, err = h.retriever.Search(ctx, owner, hint, perEvidence); err != nil {
				log.Printf("[scheduler] recall retry %q for %s: %v", hint, owner, err)
				continue
			}
		}
		for _, hit := range hits {
			out = append(out, hit.Record)
		}
	}
	return out
}

// HandleAnswer credits the records an answer cited: usage counters in the
// monitor, and a touched UpdatedAt so feedback recency ordering sees them.
func (h *Handlers) HandleAnswer(ctx context.Context, msgs []*schema.ScheduleMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	owner := msgs[0].Owner
	var ids []string
	for _, msg := range msgs {
		for _, rec := range msg.Records {
			if rec != nil && rec.ID != "" {
				ids = append(ids, rec.ID)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	h.monitor.RecordUsage(owner, ids)

	recs, err := h.store.GetNodes(ctx, ids)
	if err != nil {
		return fmt.Errorf("load answered records for %s: %w", owner, err)
	}
	now := time.Now().UTC()
	for _, rec := range recs {
		rec.UpdatedAt = now
		if err := h.store.UpdateNode(ctx, rec); err != nil {
			log.Printf("[scheduler] touch record %s: %v", rec.ID, err)
		}
	}
	return nil
}

func (h *Handlers) HandleAdd(ctx context.Context, msgs []*schema.ScheduleMessage) error {
	return h.addWithTier(ctx, msgs, "")
}

// HandlePreferenceAdd stores preference statements in the user tier
// regardless of the tier tag the producer set.
func (h *Handlers) HandlePreferenceAdd(ctx context.Context, msgs []*schema.ScheduleMessage) error {
	return h.addWithTier(ctx, msgs, schema.TierUser)
}

func (h *Handlers) addWithTier(ctx context.Context, msgs []*schema.ScheduleMessage, forced schema.Tier) error {
	if len(msgs) == 0 {
		return nil
	}
	owner := msgs[0].Owner
	var records []*schema.MemoryRecord
	for _, msg := range msgs {
		for _, rec := range msg.Records {
			if rec == nil {
				continue
			}
			clone := *rec
			if forced != "" {
				clone.Tier = forced
			}
			records = append(records, &clone)
		}
	}
	if len(records) == 0 {
		return nil
	}

	ids, err := h.manager.Add(ctx, owner, records, memory.ModeSync)
	if err != nil {
		return fmt.Errorf("add %d records for %s: %w", len(records), owner, err)
	}
	h.sweepCommitted(ctx, owner, ids)

	if h.submitter != nil {
		texts := make([]string, 0, len(records))
		for _, rec := range records {
			texts = append(texts, rec.Content)
		}
		// refresh working memory against the content that just landed
		follow := schema.NewMessage(owner, schema.LabelQuery, strings.Join(texts, "\n"))
		if err := h.submitter.Enqueue(ctx, follow); err != nil {
			log.Printf("[scheduler] enqueue refresh for %s: %v", owner, err)
		}
	}
	return nil
}

// sweepCommitted runs conflict detection over the durable records an add
// batch committed.
func (h *Handlers) sweepCommitted(ctx context.Context, owner schema.Owner, ids []string) {
	if h.sweeper == nil || len(ids) == 0 {
		return
	}
	recs, err := h.store.GetNodes(ctx, ids)
	if err != nil {
		log.Printf("[scheduler] load committed records for %s: %v", owner, err)
		return
	}
	h.sweeper.Sweep(ctx, recs)
}

// HandleFeedback nudges confidence by the configured step per rating. A
// record that sinks below the archive floor is archived, never deleted.
func (h *Handlers) HandleFeedback(ctx context.Context, msgs []*schema.ScheduleMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	owner := msgs[0].Owner
	for _, msg := range msgs {
		fb := msg.Feedback
		if fb == nil || fb.RecordID == "" || fb.Rating == 0 {
			continue
		}
		if err := h.applyFeedback(ctx, owner, fb); err != nil {
			log.Printf("[scheduler] feedback on %s: %v", fb.RecordID, err)
		}
	}
	return nil
}

func (h *Handlers) applyFeedback(ctx context.Context, owner schema.Owner, fb *schema.FeedbackPayload) error {
	recs, err := h.store.GetNodes(ctx, []string{fb.RecordID})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("record %s not found", fb.RecordID)
	}
	rec := recs[0]

	delta := h.feedbackStep
	if fb.Rating < 0 {
		delta = -delta
	}
	rec.Confidence += delta
	if rec.Confidence > 1 {
		rec.Confidence = 1
	}
	if rec.Confidence < 0 {
		rec.Confidence = 0
	}

	archived := false
	if rec.Confidence < h.archiveFloor && rec.Status == schema.StatusActivated {
		rec.Status = schema.StatusArchived
		archived = true
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateNode(ctx, rec); err != nil {
		return err
	}
	if archived {
		h.events.Log(schema.TransitionEvent{
			Operation:   weblog.OpArchive,
			FromTier:    rec.Tier,
			Owner:       owner,
			MemoryCount: 1,
			Timestamp:   time.Now().UTC(),
		})
	}
	return nil
}
