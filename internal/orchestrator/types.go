package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nidhogg/npc-world/internal/apperr"
	"github.com/nidhogg/npc-world/internal/memory"
	"github.com/nidhogg/npc-world/internal/world"
)

// Phase names a stage of a turn.
type Phase string

const (
	PhaseIntents Phase = "intents"
	PhaseResolve Phase = "resolve"
	PhaseMemory  Phase = "memory"
	PhaseCommit  Phase = "commit"
)

// Warning is a recoverable failure that degraded a turn without aborting it.
type Warning struct {
	Phase     Phase       `json:"phase"`
	Character string      `json:"character,omitempty"`
	Kind      apperr.Kind `json:"kind,omitempty"`
	Message   string      `json:"message"`
}

func newWarning(phase Phase, character string, err error) Warning {
	return Warning{Phase: phase, Character: character, Kind: apperr.KindOf(err), Message: err.Error()}
}

// TurnResult is the outcome of one committed turn.
type TurnResult struct {
	ID         string            `json:"id"`
	Number     int               `json:"number"`
	Resolution *world.Resolution `json:"resolution"`
	Intents    []world.Intent    `json:"intents"`
	Warnings   []Warning         `json:"warnings,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
}

// Degraded reports whether any character's contribution was lost.
func (r *TurnResult) Degraded() bool { return len(r.Warnings) > 0 }

// Publisher receives every committed turn.
type Publisher interface {
	PublishTurn(ctx context.Context, turn *TurnResult) error
}

// RelationMirror copies a character's relationship scores to an external graph.
type RelationMirror interface {
	MirrorRelationships(ctx context.Context, owner string, mem *memory.System) error
}

// TranscriptSink stores contract transcript entries.
type TranscriptSink interface {
	AppendTranscript(ctx context.Context, contractID string, entry json.RawMessage) error
}
