package memory

import (
	"time"
)

const (
	// SelfRecentCapacity bounds a character's own recent-event log.
	SelfRecentCapacity = 10
	// RelationshipRecentCapacity bounds the recent memories kept per relationship.
	RelationshipRecentCapacity = 5
)

// Memory is a single remembered event.
type Memory struct {
	Event           string    `json:"event"`
	Timestamp       time.Time `json:"timestamp"`
	EmotionalImpact string    `json:"emotional_impact"`
	Importance      float64   `json:"importance"`
}

// NewMemory builds a memory stamped now, with importance clamped to [0,1].
func NewMemory(event, impact string, importance float64) Memory {
	return Memory{
		Event:           event,
		Timestamp:       time.Now().UTC(),
		EmotionalImpact: impact,
		Importance:      clamp(importance, 0, 1),
	}
}

// SelfMemories is what a character remembers about itself.
type SelfMemories struct {
	ImmediateContext string   `json:"immediate_context"`
	RecentEvents     []string `json:"recent_events"`
	CoreMemories     []string `json:"core_memories"`
}

// AddRecentEvent appends to the recent-event log, evicting the oldest past capacity.
func (s *SelfMemories) AddRecentEvent(event string) {
	s.RecentEvents = appendBounded(s.RecentEvents, event, SelfRecentCapacity)
}

// AddCoreMemory appends a never-evicted memory.
func (s *SelfMemories) AddCoreMemory(memory string) {
	s.CoreMemories = append(s.CoreMemories, memory)
}

// Relationship is what a character remembers about one other character.
type Relationship struct {
	ImmediateContext string   `json:"immediate_context"`
	RecentMemories   []Memory `json:"recent_memories"`
	LongTermSummary  string   `json:"long_term_summary"`
	CoreMemories     []string `json:"core_memories"`
	CurrentSentiment float64  `json:"current_sentiment"` // -1..1
	OverallBond      float64  `json:"overall_bond"`      // -1..1
}

// AddMemory appends to the recent log, evicting the oldest past capacity.
func (r *Relationship) AddMemory(m Memory) {
	m.Importance = clamp(m.Importance, 0, 1)
	r.RecentMemories = appendBounded(r.RecentMemories, m, RelationshipRecentCapacity)
}

// SetSentiment stores sentiment clamped to [-1,1].
func (r *Relationship) SetSentiment(v float64) { r.CurrentSentiment = clamp(v, -1, 1) }

// SetBond stores bond clamped to [-1,1].
func (r *Relationship) SetBond(v float64) { r.OverallBond = clamp(v, -1, 1) }

// System is one character's complete hierarchical memory.
type System struct {
	Self          SelfMemories             `json:"self_memories"`
	Relationships map[string]*Relationship `json:"relationships"`
}

// New returns an empty memory system.
func New() *System {
	return &System{Relationships: make(map[string]*Relationship)}
}

// WithContext returns an empty memory system seeded with an immediate context.
func WithContext(ctx string) *System {
	s := New()
	s.Self.ImmediateContext = ctx
	return s
}

// Relationship returns the record for other, creating it on first reference.
func (s *System) Relationship(other string) *Relationship {
	if s.Relationships == nil {
		s.Relationships = make(map[string]*Relationship)
	}
	r, ok := s.Relationships[other]
	if !ok {
		r = &Relationship{}
		s.Relationships[other] = r
	}
	return r
}

// Clone returns a deep copy.
func (s *System) Clone() *System {
	out := &System{
		Self: SelfMemories{
			ImmediateContext: s.Self.ImmediateContext,
			RecentEvents:     append([]string(nil), s.Self.RecentEvents...),
			CoreMemories:     append([]string(nil), s.Self.CoreMemories...),
		},
		Relationships: make(map[string]*Relationship, len(s.Relationships)),
	}
	for k, r := range s.Relationships {
		cp := *r
		cp.RecentMemories = append([]Memory(nil), r.RecentMemories...)
		cp.CoreMemories = append([]string(nil), r.CoreMemories...)
		out.Relationships[k] = &cp
	}
	return out
}

// Normalize re-applies the bounds and clamps, for systems decoded from storage.
func (s *System) Normalize() {
	if s.Relationships == nil {
		s.Relationships = make(map[string]*Relationship)
	}
	if n := len(s.Self.RecentEvents); n > SelfRecentCapacity {
		s.Self.RecentEvents = s.Self.RecentEvents[n-SelfRecentCapacity:]
	}
	for name, r := range s.Relationships {
		if r == nil {
			delete(s.Relationships, name)
			continue
		}
		if n := len(r.RecentMemories); n > RelationshipRecentCapacity {
			r.RecentMemories = r.RecentMemories[n-RelationshipRecentCapacity:]
		}
		for i := range r.RecentMemories {
			r.RecentMemories[i].Importance = clamp(r.RecentMemories[i].Importance, 0, 1)
		}
		r.SetSentiment(r.CurrentSentiment)
		r.SetBond(r.OverallBond)
	}
}

func appendBounded[T any](log []T, v T, capacity int) []T {
	log = append(log, v)
	if len(log) > capacity {
		log = append(log[:0:0], log[len(log)-capacity:]...)
	}
	return log
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
