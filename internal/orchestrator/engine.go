package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/npc-world/internal/inference"
	"github.com/nidhogg/npc-world/internal/memory"
	"github.com/nidhogg/npc-world/internal/prompt"
	"github.com/nidhogg/npc-world/internal/world"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Characters loaded from storage start here.
const (
	StartLocation = "start"
	StartActivity = "idle"
)

// MemoryStore is the persistence the engine reads and writes each turn.
type MemoryStore interface {
	LoadMemories(ctx context.Context, name string) (*memory.System, error)
	SaveMemories(ctx context.Context, name string, mem *memory.System) error
	ListCharacters(ctx context.Context) ([]string, error)
}

// Config tunes a turn.
type Config struct {
	// MaxParallel bounds concurrent backend calls per phase. Zero means unbounded.
	MaxParallel int
	Decay       memory.DecayConfig
}

// Engine runs turns: collect intents, resolve them through the GM, update memories.
type Engine struct {
	state   *world.State
	store   MemoryStore
	gateway inference.Gateway
	prompts prompt.Assembler
	cfg     Config

	transcripts TranscriptSink
	publisher   Publisher
	mirror      RelationMirror

	turnMu sync.Mutex // one turn at a time

	mu    sync.RWMutex // guards turns and last
	turns int
	last  *TurnResult

	now    func() time.Time
	logger *zap.Logger
}

// NewEngine wires an engine around an existing world.
func NewEngine(state *world.State, store MemoryStore, gw inference.Gateway, prompts prompt.Assembler, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		state:   state,
		store:   store,
		gateway: gw,
		prompts: prompts,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// SetTranscriptSink receives transcript entries carried by contract updates.
func (e *Engine) SetTranscriptSink(s TranscriptSink) { e.transcripts = s }

// SetPublisher receives every committed turn.
func (e *Engine) SetPublisher(p Publisher) { e.publisher = p }

// SetRelationMirror receives every character's memories after a merge.
func (e *Engine) SetRelationMirror(m RelationMirror) { e.mirror = m }

// State returns the world the engine mutates.
func (e *Engine) State() *world.State { return e.state }

// LastTurn returns the most recent committed turn, or nil.
func (e *Engine) LastTurn() *TurnResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Turns returns the number of committed turns.
func (e *Engine) Turns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.turns
}

// Load registers every stored character that the world does not know yet.
func (e *Engine) Load(ctx context.Context) (int, error) {
	names, err := e.store.ListCharacters(ctx)
	if err != nil {
		return 0, fmt.Errorf("load characters: %w", err)
	}
	added := 0
	for _, name := range names {
		c := world.Character{Name: name, Location: StartLocation, Activity: StartActivity}
		if err := e.state.AddCharacter(c); err != nil {
			if errors.Is(err, world.ErrCharacterExists) {
				continue
			}
			if errors.Is(err, world.ErrReservedName) {
				e.logger.Warn("skipping character with reserved name", zap.String("character", name))
				continue
			}
			return added, err
		}
		added++
	}
	e.logger.Info("characters loaded", zap.Int("added", added), zap.Int("total", e.state.Len()))
	return added, nil
}

// ExecuteTurn runs one full turn. It fails only when the GM phase fails or the
// context is cancelled; in both cases World State and memories are untouched.
func (e *Engine) ExecuteTurn(ctx context.Context) (*TurnResult, error) {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	start := e.now()
	result := &TurnResult{ID: uuid.New().String(), StartedAt: start}

	snap := e.state.Snapshot()
	e.logger.Info("turn started", zap.String("turn", result.ID), zap.Int("characters", len(snap.Characters)))

	intents, warns := e.CollectIntents(ctx, snap)
	result.Warnings = append(result.Warnings, warns...)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("collect intents: %w", err)
	}
	result.Intents = intents

	res, err := e.Resolve(ctx, e.state.Snapshot(), intents)
	if err != nil {
		e.logger.Error("resolution failed, turn aborted", zap.String("turn", result.ID), zap.Error(err))
		return nil, err
	}

	report, err := e.state.Apply(res)
	if err != nil {
		e.logger.Error("resolution rejected", zap.String("turn", result.ID), zap.Error(err))
		return nil, fmt.Errorf("apply resolution: %w", err)
	}
	result.Resolution = res
	for _, w := range report.Warnings {
		result.Warnings = append(result.Warnings, newWarning(PhaseResolve, "", w))
	}
	result.Warnings = append(result.Warnings, e.appendTranscripts(ctx, report.Transcripts)...)

	if len(intents) > 0 {
		result.Warnings = append(result.Warnings, e.UpdateMemories(ctx, e.state.Snapshot(), intents, res.Narrative)...)
	}

	e.mu.Lock()
	e.turns++
	result.Number = e.turns
	e.mu.Unlock()
	result.Duration = e.now().Sub(start)

	if e.publisher != nil {
		if err := e.publisher.PublishTurn(ctx, result); err != nil {
			e.logger.Warn("publish turn failed", zap.Error(err))
			result.Warnings = append(result.Warnings, newWarning(PhaseCommit, "", err))
		}
	}

	e.mu.Lock()
	e.last = result
	e.mu.Unlock()

	e.logger.Info("turn complete",
		zap.String("turn", result.ID),
		zap.Int("number", result.Number),
		zap.Int("intents", len(intents)),
		zap.Int("warnings", len(result.Warnings)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// CollectIntents asks every character in snap for an intent concurrently.
// A character whose prompt, backend call or parse fails contributes nothing
// and is reported as a warning. Intents come back in character-name order.
func (e *Engine) CollectIntents(ctx context.Context, snap world.Snapshot) ([]world.Intent, []Warning) {
	names := snap.Names()
	slots := make([]*world.Intent, len(names))

	var mu sync.Mutex
	var warns []Warning
	addWarning := func(w Warning) {
		mu.Lock()
		warns = append(warns, w)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.MaxParallel > 0 {
		g.SetLimit(e.cfg.MaxParallel)
	}
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			intent, err := e.collectIntent(gctx, snap.Characters[name], snap)
			if err != nil {
				e.logger.Warn("no intent", zap.String("character", name), zap.Error(err))
				addWarning(newWarning(PhaseIntents, name, err))
				return nil
			}
			slots[i] = intent
			return nil
		})
	}
	_ = g.Wait()

	intents := make([]world.Intent, 0, len(names))
	for _, in := range slots {
		if in != nil {
			intents = append(intents, *in)
		}
	}
	e.logger.Info("intents collected", zap.Int("intents", len(intents)), zap.Int("characters", len(names)))
	return intents, warns
}

func (e *Engine) collectIntent(ctx context.Context, ch world.Character, snap world.Snapshot) (*world.Intent, error) {
	p, err := e.prompts.BuildIntentPrompt(ctx, ch, snap)
	if err != nil {
		return nil, err
	}
	reply, err := e.gateway.Query(ctx, ch.Name, p)
	if err != nil {
		return nil, err
	}
	intent, err := inference.Extract[world.Intent](reply)
	if err != nil {
		return nil, err
	}
	if intent.Character != ch.Name {
		e.logger.Debug("intent names another character",
			zap.String("character", ch.Name), zap.String("named", intent.Character))
		intent.Character = ch.Name
	}
	e.logger.Info("intent", zap.String("character", ch.Name), zap.String("action", intent.Action))
	return intent, nil
}

// Resolve asks the GM for one consistent outcome of intents. It does not
// touch World State. With no intents it returns "Nothing happened." without
// a backend call.
func (e *Engine) Resolve(ctx context.Context, snap world.Snapshot, intents []world.Intent) (*world.Resolution, error) {
	if len(intents) == 0 {
		e.logger.Debug("no intents to resolve")
		return world.NothingHappened(), nil
	}

	req := world.ResolutionRequest{
		Characters:      snap.Characters,
		ActiveContracts: snap.Contracts,
		Intents:         intents,
	}
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode resolution request: %w", err)
	}
	p, err := e.prompts.BuildResolutionPrompt(ctx, string(body))
	if err != nil {
		return nil, err
	}
	reply, err := e.gateway.Query(ctx, inference.CallerGM, p)
	if err != nil {
		return nil, err
	}
	res, err := inference.Extract[world.Resolution](reply)
	if err != nil {
		return nil, err
	}
	if res.NextPrompts == nil {
		res.NextPrompts = map[string]string{}
	}
	e.logger.Info("resolved", zap.String("narrative", res.Narrative))
	return res, nil
}

// UpdateMemories asks each acting character to revise its memories in light of
// narrative. Each successful merge is saved exactly once. Failures leave that
// character's stored memories unchanged and are reported as warnings.
func (e *Engine) UpdateMemories(ctx context.Context, snap world.Snapshot, intents []world.Intent, narrative string) []Warning {
	var mu sync.Mutex
	var warns []Warning
	addWarning := func(w Warning) {
		mu.Lock()
		warns = append(warns, w)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.MaxParallel > 0 {
		g.SetLimit(e.cfg.MaxParallel)
	}
	for _, intent := range intents {
		intent := intent
		g.Go(func() error {
			if err := e.updateMemory(gctx, snap, intent, narrative, addWarning); err != nil {
				e.logger.Warn("memory update failed", zap.String("character", intent.Character), zap.Error(err))
				addWarning(newWarning(PhaseMemory, intent.Character, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return warns
}

func (e *Engine) updateMemory(ctx context.Context, snap world.Snapshot, intent world.Intent, narrative string, addWarning func(Warning)) error {
	name := intent.Character
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	p, err := e.prompts.BuildMemoryUpdatePrompt(ctx, name, string(intentJSON), narrative, snap.CoLocated(name))
	if err != nil {
		return err
	}
	reply, err := e.gateway.Query(ctx, name, p)
	if err != nil {
		return err
	}
	update, err := inference.Extract[memory.Update](reply)
	if err != nil {
		return err
	}

	mem, err := e.store.LoadMemories(ctx, name)
	if err != nil {
		return fmt.Errorf("load memories: %w", err)
	}
	mem.MergeAt(update, e.now())
	if e.cfg.Decay.Enabled() {
		mem.Decay(e.cfg.Decay)
	}
	if err := e.store.SaveMemories(ctx, name, mem); err != nil {
		return fmt.Errorf("save memories: %w", err)
	}
	e.logger.Debug("memories updated", zap.String("character", name))

	if e.mirror != nil {
		if err := e.mirror.MirrorRelationships(ctx, name, mem); err != nil {
			e.logger.Warn("relation mirror failed", zap.String("character", name), zap.Error(err))
			addWarning(newWarning(PhaseCommit, name, err))
		}
	}
	return nil
}

func (e *Engine) appendTranscripts(ctx context.Context, changes []world.ContractChange) []Warning {
	if e.transcripts == nil {
		return nil
	}
	var warns []Warning
	for _, c := range changes {
		if err := e.transcripts.AppendTranscript(ctx, c.ID, c.TranscriptEntry); err != nil {
			e.logger.Warn("transcript append failed", zap.String("contract", c.ID), zap.Error(err))
			warns = append(warns, newWarning(PhaseCommit, "", err))
		}
	}
	return warns
}
