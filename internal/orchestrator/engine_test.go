package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/npc-world/internal/apperr"
	"github.com/nidhogg/npc-world/internal/inference"
	"github.com/nidhogg/npc-world/internal/memory"
	"github.com/nidhogg/npc-world/internal/prompt"
	"github.com/nidhogg/npc-world/internal/world"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const (
	intentMarker = "You are a character living"
	memoryMarker = "# Memory Update"
)

// memStore is an in-memory MemoryStore, prompt.Source and TranscriptSink.
type memStore struct {
	mu          sync.Mutex
	names       []string
	memories    map[string]*memory.System
	saves       map[string]int
	transcripts map[string][]string
}

func newMemStore(names ...string) *memStore {
	return &memStore{
		names:       names,
		memories:    make(map[string]*memory.System),
		saves:       make(map[string]int),
		transcripts: make(map[string][]string),
	}
}

func (s *memStore) LoadMemories(_ context.Context, name string) (*memory.System, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.memories[name]; ok {
		return m.Clone(), nil
	}
	return memory.New(), nil
}

func (s *memStore) SaveMemories(_ context.Context, name string, mem *memory.System) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[name] = mem.Clone()
	s.saves[name]++
	return nil
}

func (s *memStore) ListCharacters(context.Context) ([]string, error) {
	return s.names, nil
}

func (s *memStore) Personality(_ context.Context, name string) (string, error) {
	return name + " is a regular at the tavern.", nil
}

func (s *memStore) Transcript(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.transcripts[id], "\n"), nil
}

func (s *memStore) AppendTranscript(_ context.Context, id string, entry json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[id] = append(s.transcripts[id], string(entry))
	return nil
}

func (s *memStore) saveCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[name]
}

type recordingPublisher struct {
	mu    sync.Mutex
	turns []*TurnResult
}

func (p *recordingPublisher) PublishTurn(_ context.Context, t *TurnResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, t)
	return nil
}

type recordingMirror struct {
	mu     sync.Mutex
	owners []string
}

func (m *recordingMirror) MirrorRelationships(_ context.Context, owner string, _ *memory.System) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners = append(m.owners, owner)
	return nil
}

// promptLog wraps a gateway, records every prompt by caller and runs hook before answering.
type promptLog struct {
	inner   inference.Gateway
	hook    func(caller, prompt string)
	mu      sync.Mutex
	prompts map[string][]string
}

func newPromptLog(inner inference.Gateway) *promptLog {
	return &promptLog{inner: inner, prompts: make(map[string][]string)}
}

func (p *promptLog) Query(ctx context.Context, caller, prompt string) (string, error) {
	p.mu.Lock()
	p.prompts[caller] = append(p.prompts[caller], prompt)
	hook := p.hook
	p.mu.Unlock()
	if hook != nil {
		hook(caller, prompt)
	}
	return p.inner.Query(ctx, caller, prompt)
}

// find returns caller's first prompt containing marker.
func (p *promptLog) find(caller, marker string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.prompts[caller] {
		if strings.Contains(pr, marker) {
			return pr
		}
	}
	return ""
}

func intentReply(name, action string) string {
	return `{"character":"` + name + `","thought":"hmm","action":"` + action + `","dialogue":null}`
}

func memoryReply(other string, sentiment string) string {
	return `Sure! {"self_context":"after the turn","new_self_event":"talked","relationship_updates":{"` +
		other + `":{"context":"chatting","sentiment":` + sentiment +
		`,"new_memory":{"event":"talked","emotional_impact":"warm","importance":0.5}}}}`
}

func newTestEngine(t *testing.T, gw inference.Gateway, store *memStore, cfg Config, chars ...world.Character) *Engine {
	t.Helper()
	logger := zap.NewNop()
	state := world.NewState(logger)
	for _, c := range chars {
		if err := state.AddCharacter(c); err != nil {
			t.Fatalf("AddCharacter: %v", err)
		}
	}
	e := NewEngine(state, store, gw, prompt.NewBuilder("", store, logger), cfg, logger)
	e.SetTranscriptSink(store)
	return e
}

func tavern(names ...string) []world.Character {
	out := make([]world.Character, 0, len(names))
	for _, n := range names {
		out = append(out, world.Character{Name: n, Location: "tavern", Activity: "idle"})
	}
	return out
}

func TestExecuteTurnCreateThenEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	gw := inference.NewScriptedGateway()
	gw.On("alice", memoryMarker, memoryReply("bob", "0.6"))
	gw.On("bob", memoryMarker, memoryReply("alice", "0.2"))
	gw.On("alice", intentMarker, intentReply("alice", "greet bob"))
	gw.On("bob", intentMarker, intentReply("bob", "wave"))
	gw.On(inference.CallerGM, `"c1"`, "```json\n"+`{"narrative":"They part ways.","state_changes":[],"contract_updates":[{"id":"c1","participants":["alice","bob"],"action":"end"}],"next_prompts":{}}`+"\n```")
	gw.On(inference.CallerGM, "", `The GM says: {"narrative":"Alice greets Bob.",
		"state_changes":[{"character":"alice","location":"tavern","activity":"talking"}],
		"contract_updates":[{"id":"c1","participants":["alice","bob"],"action":"create","transcript_entry":{"speaker":"alice","line":"Hi Bob!"}}],
		"next_prompts":{"bob":"Alice just greeted you."}}`)

	pub := &recordingPublisher{}
	mirror := &recordingMirror{}
	e := newTestEngine(t, gw, store, Config{}, tavern("alice", "bob")...)
	e.SetPublisher(pub)
	e.SetRelationMirror(mirror)

	ctx := context.Background()
	res, err := e.ExecuteTurn(ctx)
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	if len(res.Intents) != 2 {
		t.Fatalf("got %d intents, want 2", len(res.Intents))
	}
	if res.Degraded() {
		t.Fatalf("unexpected warnings: %+v", res.Warnings)
	}
	if res.Number != 1 || res.Resolution.Narrative != "Alice greets Bob." {
		t.Fatalf("got turn %d %q", res.Number, res.Resolution.Narrative)
	}

	snap := e.State().Snapshot()
	for _, n := range []string{"alice", "bob"} {
		if got := snap.Characters[n].ActiveContract; got != "c1" {
			t.Fatalf("%s active contract = %q, want c1", n, got)
		}
		if got := store.saveCount(n); got != 1 {
			t.Fatalf("%s saved %d times, want 1", n, got)
		}
	}
	if err := world.CheckInvariants(snap); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if snap.Characters["alice"].Activity != "talking" {
		t.Fatalf("state change not applied: %+v", snap.Characters["alice"])
	}
	if snap.Characters["bob"].NextPrompt != "Alice just greeted you." {
		t.Fatalf("next prompt not applied: %+v", snap.Characters["bob"])
	}
	if len(store.transcripts["c1"]) != 1 {
		t.Fatalf("got %d transcript entries, want 1", len(store.transcripts["c1"]))
	}
	alice, _ := store.LoadMemories(ctx, "alice")
	if rel := alice.Relationships["bob"]; rel == nil || rel.CurrentSentiment != 0.6 || len(rel.RecentMemories) != 1 {
		t.Fatalf("alice's memory of bob not merged: %+v", rel)
	}
	if len(pub.turns) != 1 || len(mirror.owners) != 2 {
		t.Fatalf("got %d published, %d mirrored", len(pub.turns), len(mirror.owners))
	}

	// second turn: the GM sees c1 in the request and ends it
	res, err = e.ExecuteTurn(ctx)
	if err != nil {
		t.Fatalf("second ExecuteTurn: %v", err)
	}
	if res.Number != 2 {
		t.Fatalf("got turn %d, want 2", res.Number)
	}
	snap = e.State().Snapshot()
	if len(snap.Contracts) != 0 {
		t.Fatalf("contract c1 still present: %+v", snap.Contracts)
	}
	for _, n := range []string{"alice", "bob"} {
		if got := snap.Characters[n].ActiveContract; got != "" {
			t.Fatalf("%s active contract = %q, want none", n, got)
		}
		if got := store.saveCount(n); got != 2 {
			t.Fatalf("%s saved %d times, want 2", n, got)
		}
	}
	if e.LastTurn() != res {
		t.Fatal("LastTurn should return the latest result")
	}
}

func TestCollectIntentsAllSucceed(t *testing.T) {
	defer goleak.VerifyNone(t)

	names := []string{"dora", "carl", "bea", "abe", "eve"}
	var rules []inference.Rule
	for i, n := range names {
		// names earlier in the list answer last
		rules = append(rules, inference.Rule{
			Caller:   n,
			Contains: intentMarker,
			Reply:    intentReply(n, "act"),
			Delay:    time.Duration(len(names)-i) * 5 * time.Millisecond,
		})
	}
	gw := inference.NewScriptedGateway(rules...)
	store := newMemStore()
	e := newTestEngine(t, gw, store, Config{MaxParallel: 2}, tavern(names...)...)

	intents, warns := e.CollectIntents(context.Background(), e.State().Snapshot())
	if len(warns) != 0 {
		t.Fatalf("unexpected warnings: %+v", warns)
	}
	if len(intents) != len(names) {
		t.Fatalf("got %d intents, want %d", len(intents), len(names))
	}
	for i, want := range []string{"abe", "bea", "carl", "dora", "eve"} {
		if intents[i].Character != want {
			t.Fatalf("intent %d from %s, want %s", i, intents[i].Character, want)
		}
	}
}

func TestExecuteTurnOneBackendFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := inference.NewScriptedGateway()
	gw.Fail("carl", "", errors.New("connection refused"))
	for _, n := range []string{"abe", "bea"} {
		gw.On(n, memoryMarker, memoryReply("carl", "0.1"))
		gw.On(n, intentMarker, intentReply(n, "wait"))
	}
	gw.On(inference.CallerGM, "", `{"narrative":"Time passes.","state_changes":[],"contract_updates":[],"next_prompts":{}}`)

	store := newMemStore()
	e := newTestEngine(t, gw, store, Config{}, tavern("abe", "bea", "carl")...)

	res, err := e.ExecuteTurn(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	if len(res.Intents) != 2 {
		t.Fatalf("got %d intents, want 2", len(res.Intents))
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %+v", len(res.Warnings), res.Warnings)
	}
	w := res.Warnings[0]
	if w.Character != "carl" || w.Phase != PhaseIntents || w.Kind != apperr.KindBackend {
		t.Fatalf("unexpected warning %+v", w)
	}
	if store.saveCount("carl") != 0 || store.saveCount("abe") != 1 {
		t.Fatalf("saves: carl=%d abe=%d", store.saveCount("carl"), store.saveCount("abe"))
	}
}

func TestExecuteTurnMalformedResolution(t *testing.T) {
	gw := inference.NewScriptedGateway()
	gw.On("", intentMarker, intentReply("alice", "sing"))
	gw.On(inference.CallerGM, "", `{"narrative": "unterminated`)

	store := newMemStore()
	e := newTestEngine(t, gw, store, Config{}, tavern("alice", "bob")...)
	before, _ := json.Marshal(e.State().Snapshot())

	_, err := e.ExecuteTurn(context.Background())
	if !apperr.IsParse(err) {
		t.Fatalf("got %v, want parse error", err)
	}
	after, _ := json.Marshal(e.State().Snapshot())
	if string(before) != string(after) {
		t.Fatalf("world changed:\nbefore %s\nafter  %s", before, after)
	}
	if store.saveCount("alice")+store.saveCount("bob") != 0 {
		t.Fatal("memories saved after failed resolution")
	}
	if e.Turns() != 0 || e.LastTurn() != nil {
		t.Fatal("failed turn was recorded")
	}
}

func TestExecuteTurnNoIntents(t *testing.T) {
	gw := inference.NewScriptedGateway()
	gw.Fail("", "", errors.New("backend down"))

	store := newMemStore()
	e := newTestEngine(t, gw, store, Config{}, tavern("alice", "bob")...)

	res, err := e.ExecuteTurn(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	if res.Resolution.Narrative != "Nothing happened." {
		t.Fatalf("got narrative %q", res.Resolution.Narrative)
	}
	if gw.Calls(inference.CallerGM) != 0 {
		t.Fatal("GM queried without intents")
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("got %d warnings, want 2", len(res.Warnings))
	}
}

func TestUpdateMemoriesParseFailureIsolated(t *testing.T) {
	gw := inference.NewScriptedGateway()
	gw.On("alice", memoryMarker, memoryReply("bob", "0.3"))
	gw.On("bob", memoryMarker, "I'd rather not say.")

	store := newMemStore()
	e := newTestEngine(t, gw, store, Config{}, tavern("alice", "bob")...)

	intents := []world.Intent{
		{Character: "alice", Action: "sing"},
		{Character: "bob", Action: "listen"},
	}
	warns := e.UpdateMemories(context.Background(), e.State().Snapshot(), intents, "Alice sang.")
	if len(warns) != 1 || warns[0].Character != "bob" || warns[0].Kind != apperr.KindParse {
		t.Fatalf("unexpected warnings %+v", warns)
	}
	if store.saveCount("alice") != 1 || store.saveCount("bob") != 0 {
		t.Fatalf("saves: alice=%d bob=%d", store.saveCount("alice"), store.saveCount("bob"))
	}
}

func TestUpdateMemoriesAppliesDecay(t *testing.T) {
	gw := inference.NewScriptedGateway()
	gw.On("alice", memoryMarker, memoryReply("bob", "1"))

	store := newMemStore()
	e := newTestEngine(t, gw, store, Config{Decay: memory.DecayConfig{BondRate: 0.5}}, tavern("alice")...)

	e.UpdateMemories(context.Background(), e.State().Snapshot(), []world.Intent{{Character: "alice", Action: "x"}}, "ok")
	mem, _ := store.LoadMemories(context.Background(), "alice")
	if got := mem.Relationships["bob"].OverallBond; got != 0.5 {
		t.Fatalf("got bond %v, want 0.5", got)
	}
}

func TestExecuteTurnCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	gw := inference.NewScriptedGateway(inference.Rule{Reply: "{}", Delay: time.Second})
	store := newMemStore()
	e := newTestEngine(t, gw, store, Config{}, tavern("alice")...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := e.ExecuteTurn(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestLoad(t *testing.T) {
	store := newMemStore("alice", "bob", world.GMName)
	e := newTestEngine(t, inference.NewScriptedGateway(), store, Config{}, world.NewCharacter("alice"))

	added, err := e.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if added != 1 {
		t.Fatalf("got %d added, want 1", added)
	}
	bob, ok := e.State().Character("bob")
	if !ok || bob.Location != StartLocation || bob.Activity != StartActivity {
		t.Fatalf("got %+v", bob)
	}
	alice, _ := e.State().Character("alice")
	if alice.Location != "unknown" {
		t.Fatalf("existing character overwritten: %+v", alice)
	}
	if _, ok := e.State().Character(world.GMName); ok {
		t.Fatal("character with the reserved name was loaded")
	}
}

func TestResolveSeesWritesMadeDuringIntents(t *testing.T) {
	gw := inference.NewScriptedGateway()
	gw.On("", memoryMarker, memoryReply("bob", "0.1"))
	gw.On("", intentMarker, intentReply("alice", "wait"))
	gw.On(inference.CallerGM, "", `{"narrative":"Time passes.","state_changes":[],"contract_updates":[],"next_prompts":{}}`)
	log := newPromptLog(gw)

	store := newMemStore()
	e := newTestEngine(t, log, store, Config{}, tavern("alice", "bob")...)
	log.hook = func(caller, prompt string) {
		if caller == "alice" && strings.Contains(prompt, intentMarker) {
			if err := e.State().SetCharacterState("bob", "market", "shopping"); err != nil {
				t.Errorf("SetCharacterState: %v", err)
			}
		}
	}

	if _, err := e.ExecuteTurn(context.Background()); err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	gmPrompt := log.find(inference.CallerGM, "")
	if !strings.Contains(gmPrompt, `"market"`) {
		t.Fatalf("GM request built from a stale snapshot:\n%s", gmPrompt)
	}
}

func TestUpdateMemoriesUsesResolvedLocations(t *testing.T) {
	gw := inference.NewScriptedGateway()
	gw.On("alice", memoryMarker, memoryReply("bob", "0.3"))
	gw.On("bob", memoryMarker, memoryReply("alice", "0.3"))
	gw.On("cara", memoryMarker, memoryReply("alice", "0.3"))
	for _, n := range []string{"alice", "bob", "cara"} {
		gw.On(n, intentMarker, intentReply(n, "wait"))
	}
	gw.On(inference.CallerGM, "", `{"narrative":"Someone heads out.",
		"state_changes":[{"character":"bob","location":"market","activity":"shopping"}],
		"contract_updates":[],"next_prompts":{}}`)
	log := newPromptLog(gw)

	store := newMemStore()
	e := newTestEngine(t, log, store, Config{}, tavern("alice", "bob", "cara")...)

	res, err := e.ExecuteTurn(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	if res.Degraded() {
		t.Fatalf("unexpected warnings: %+v", res.Warnings)
	}

	alicePrompt := log.find("alice", memoryMarker)
	if !strings.HasSuffix(alicePrompt, "## Also Present\n\ncara") {
		t.Fatalf("alice should only see cara:\n%s", alicePrompt)
	}
	bobPrompt := log.find("bob", memoryMarker)
	if bobPrompt == "" {
		t.Fatal("bob's memory update prompt missing")
	}
	if strings.Contains(bobPrompt, "## Also Present") {
		t.Fatalf("bob is alone at the market:\n%s", bobPrompt)
	}
}
