package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tier names a memory tier. A stored node belongs to exactly one tier.
type Tier string

const (
	TierWorking  Tier = "WorkingMemory"
	TierLongTerm Tier = "LongTermMemory"
	TierUser     Tier = "UserMemory"
	TierOuter    Tier = "OuterMemory"
)

// DurableTiers are the tiers searched during retrieval. WorkingMemory is
// excluded: the live working set is an input to replacement, not a source.
func DurableTiers() []Tier {
	return []Tier{TierLongTerm, TierUser, TierOuter}
}

// AllTiers lists every tier, working first.
func AllTiers() []Tier {
	return []Tier{TierWorking, TierLongTerm, TierUser, TierOuter}
}

// ValidTier reports whether t is a known tier name.
func ValidTier(t Tier) bool {
	switch t {
	case TierWorking, TierLongTerm, TierUser, TierOuter:
		return true
	}
	return false
}

// Status is the lifecycle state of a stored record.
type Status string

const (
	StatusActivated Status = "activated"
	StatusArchived  Status = "archived"
	StatusDeleted   Status = "deleted"
)

// Label is the message type routed by the dispatcher.
type Label string

const (
	LabelQuery         Label = "query"
	LabelAnswer        Label = "answer"
	LabelAdd           Label = "add"
	LabelPreferenceAdd Label = "preference_add"
	LabelFeedback      Label = "feedback"
)

// KnownLabel reports whether l has a registered meaning.
func KnownLabel(l Label) bool {
	switch l {
	case LabelQuery, LabelAnswer, LabelAdd, LabelPreferenceAdd, LabelFeedback:
		return true
	}
	return false
}

// Owner identifies the (user, cube) pair a record or message belongs to.
type Owner struct {
	UserID string `json:"user_id"`
	CubeID string `json:"cube_id"`
}

// Key returns the flat routing key for grouping and map indexing.
func (o Owner) Key() string {
	return o.UserID + "/" + o.CubeID
}

func (o Owner) String() string {
	return o.Key()
}

// MemoryRecord is one retrievable memory unit.
type MemoryRecord struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Owner      Owner     `json:"owner"`
	Tier       Tier      `json:"tier"`
	Status     Status    `json:"status"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Confidence float64   `json:"confidence"`
	Tags       []string  `json:"tags,omitempty"`
	Sources    []string  `json:"sources,omitempty"`
	Key        string    `json:"key,omitempty"`
	Background string    `json:"background,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewRecord builds an activated record with a fresh id and timestamps.
func NewRecord(owner Owner, tier Tier, content string) *MemoryRecord {
	now := time.Now().UTC()
	return &MemoryRecord{
		ID:         uuid.NewString(),
		Content:    content,
		Owner:      owner,
		Tier:       tier,
		Status:     StatusActivated,
		Confidence: 0.99,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy safe to mutate independently.
func (m *MemoryRecord) Clone() *MemoryRecord {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Embedding != nil {
		cp.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.Tags != nil {
		cp.Tags = append([]string(nil), m.Tags...)
	}
	if m.Sources != nil {
		cp.Sources = append([]string(nil), m.Sources...)
	}
	return &cp
}

// FeedbackPayload carries a user verdict on one record.
type FeedbackPayload struct {
	RecordID string `json:"record_id"`
	Rating   int    `json:"rating"` // +1 helpful, -1 incorrect
}

// ScheduleMessage is the unit of work routed through the queue.
type ScheduleMessage struct {
	ID        string           `json:"id"`
	Owner     Owner            `json:"owner"`
	Label     Label            `json:"label"`
	Content   string           `json:"content,omitempty"`
	Records   []*MemoryRecord  `json:"records,omitempty"`
	Feedback  *FeedbackPayload `json:"feedback,omitempty"`
	CreatedAt time.Time        `json:"created_at"`

	// queueRef is backend bookkeeping (redis stream entry id); never serialized.
	queueRef string
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(owner Owner, label Label, content string) *ScheduleMessage {
	return &ScheduleMessage{
		ID:        uuid.NewString(),
		Owner:     owner,
		Label:     label,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate rejects messages the dispatcher could never route.
func (m *ScheduleMessage) Validate() error {
	if m == nil {
		return fmt.Errorf("nil message")
	}
	if m.Owner.UserID == "" || m.Owner.CubeID == "" {
		return fmt.Errorf("message %s: empty owner", m.ID)
	}
	if !KnownLabel(m.Label) {
		return fmt.Errorf("message %s: unknown label %q", m.ID, m.Label)
	}
	return nil
}

// QueueRef returns the backend delivery tag set by Poll.
func (m *ScheduleMessage) QueueRef() string { return m.queueRef }

// SetQueueRef records the backend delivery tag for later Ack.
func (m *ScheduleMessage) SetQueueRef(ref string) { m.queueRef = ref }

// TransitionEvent describes one observable memory-state change.
type TransitionEvent struct {
	Operation   string       `json:"operation"`
	FromTier    Tier         `json:"from_tier,omitempty"`
	ToTier      Tier         `json:"to_tier,omitempty"`
	Owner       Owner        `json:"owner"`
	MemoryCount int          `json:"memory_count"`
	Capacities  map[Tier]int `json:"capacities,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}
