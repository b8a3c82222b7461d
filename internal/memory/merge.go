package memory

import (
	"errors"
	"time"
)

// Update is the structured memory change the reasoning service proposes after a turn.
type Update struct {
	SelfContext         string                        `json:"self_context"`
	NewSelfEvent        *string                       `json:"new_self_event,omitempty"`
	RelationshipUpdates map[string]RelationshipUpdate `json:"relationship_updates"`
}

// RelationshipUpdate changes one relationship record.
type RelationshipUpdate struct {
	Context       string   `json:"context"`
	Sentiment     *float64 `json:"sentiment"` // required; nil means the field was absent
	NewMemory     *Memory  `json:"new_memory,omitempty"`
	SummaryUpdate *string  `json:"summary_update,omitempty"`
	CoreMemory    *string  `json:"core_memory,omitempty"`
}

// Validate checks the payload is usable.
func (u *Update) Validate() error {
	if u.SelfContext == "" {
		return errors.New("memory update: missing self_context")
	}
	for name, ru := range u.RelationshipUpdates {
		if name == "" {
			return errors.New("memory update: relationship with empty name")
		}
		if ru.Context == "" {
			return errors.New("memory update: missing context for " + name)
		}
		if ru.Sentiment == nil {
			return errors.New("memory update: missing sentiment for " + name)
		}
		if ru.NewMemory != nil && ru.NewMemory.Event == "" {
			return errors.New("memory update: new memory for " + name + " has no event")
		}
	}
	return nil
}

// Merge applies u. Re-applying the same update appends its events twice;
// callers apply each update at most once.
func (s *System) Merge(u *Update) {
	s.MergeAt(u, time.Now().UTC())
}

// MergeAt is Merge with an explicit clock for memories that arrive without a timestamp.
func (s *System) MergeAt(u *Update, now time.Time) {
	s.Self.ImmediateContext = u.SelfContext
	if u.NewSelfEvent != nil && *u.NewSelfEvent != "" {
		s.Self.AddRecentEvent(*u.NewSelfEvent)
	}

	for other, ru := range u.RelationshipUpdates {
		rel := s.Relationship(other)
		rel.ImmediateContext = ru.Context
		if ru.Sentiment != nil {
			rel.SetSentiment(*ru.Sentiment)
		}
		if ru.NewMemory != nil {
			m := *ru.NewMemory
			if m.Timestamp.IsZero() {
				m.Timestamp = now
			}
			rel.AddMemory(m)
		}
		if ru.SummaryUpdate != nil {
			rel.LongTermSummary = *ru.SummaryUpdate
		}
		if ru.CoreMemory != nil && *ru.CoreMemory != "" {
			rel.CoreMemories = append(rel.CoreMemories, *ru.CoreMemory)
		}
	}
}
