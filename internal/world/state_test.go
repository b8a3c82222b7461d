package world

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nidhogg/npc-world/internal/apperr"
	"go.uber.org/zap"
)

func newTavern(t *testing.T) *State {
	t.Helper()
	s := NewState(zap.NewNop())
	for _, c := range []Character{
		{Name: "Alice", Location: "tavern", Activity: "drinking"},
		{Name: "Bob", Location: "tavern", Activity: "playing cards"},
		{Name: "Cara", Location: "market", Activity: "selling bread"},
	} {
		if err := s.AddCharacter(c); err != nil {
			t.Fatalf("add %s: %v", c.Name, err)
		}
	}
	return s
}

func TestAddCharacterDuplicate(t *testing.T) {
	s := newTavern(t)
	err := s.AddCharacter(Character{Name: "Alice"})
	if !errors.Is(err, ErrCharacterExists) {
		t.Fatalf("got %v, want ErrCharacterExists", err)
	}
}

func TestAddCharacterReservedName(t *testing.T) {
	s := newTavern(t)
	err := s.AddCharacter(Character{Name: GMName})
	if !errors.Is(err, ErrReservedName) {
		t.Fatalf("got %v, want ErrReservedName", err)
	}
	if _, ok := s.Character(GMName); ok {
		t.Fatal("reserved name was added")
	}
}

func TestNewCharacterDefaults(t *testing.T) {
	c := NewCharacter("Dan")
	if c.Location != "unknown" || c.Activity != "idle" {
		t.Errorf("got %q/%q, want unknown/idle", c.Location, c.Activity)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTavern(t)
	if _, err := s.Apply(&Resolution{
		Narrative:       "They sit down together.",
		ContractUpdates: []ContractChange{{ID: "c1", Participants: []string{"Alice", "Bob"}, Action: ContractCreate}},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap := s.Snapshot()
	snap.Characters["Alice"] = Character{Name: "Alice", Location: "moon"}
	snap.Contracts["c1"].Participants[0] = "Mallory"

	alice, _ := s.Character("Alice")
	if alice.Location != "tavern" {
		t.Errorf("snapshot mutation leaked: location %q", alice.Location)
	}
	if got := s.Snapshot().Contracts["c1"].Participants[0]; got != "Alice" {
		t.Errorf("snapshot mutation leaked: participant %q", got)
	}
}

func TestApplyCreateThenEnd(t *testing.T) {
	s := newTavern(t)
	report, err := s.Apply(&Resolution{
		Narrative:       "Alice joins Bob's game.",
		ContractUpdates: []ContractChange{{ID: "c1", Participants: []string{"Alice", "Bob"}, Action: ContractCreate}},
	})
	if err != nil {
		t.Fatalf("apply create: %v", err)
	}
	if len(report.Created) != 1 || report.Created[0] != "c1" {
		t.Fatalf("created %v, want [c1]", report.Created)
	}
	for _, n := range []string{"Alice", "Bob"} {
		c, _ := s.Character(n)
		if c.ActiveContract != "c1" {
			t.Errorf("%s active contract %q, want c1", n, c.ActiveContract)
		}
	}
	if err := CheckInvariants(s.Snapshot()); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	if _, err := s.Apply(&Resolution{
		Narrative:       "The game breaks up.",
		ContractUpdates: []ContractChange{{ID: "c1", Action: ContractEnd}},
	}); err != nil {
		t.Fatalf("apply end: %v", err)
	}
	for _, n := range []string{"Alice", "Bob"} {
		c, _ := s.Character(n)
		if c.ActiveContract != "" {
			t.Errorf("%s active contract %q, want none", n, c.ActiveContract)
		}
	}
	if _, ok := s.Snapshot().Contracts["c1"]; ok {
		t.Error("contract c1 still exists after end")
	}
}

func TestApplyEndKeepsRebindings(t *testing.T) {
	s := newTavern(t)
	_, err := s.Apply(&Resolution{
		Narrative: "Two conversations.",
		ContractUpdates: []ContractChange{
			{ID: "c1", Participants: []string{"Alice", "Bob"}, Action: ContractCreate},
			{ID: "c2", Participants: []string{"Bob", "Cara"}, Action: ContractCreate},
			{ID: "c1", Action: ContractEnd},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	bob, _ := s.Character("Bob")
	if bob.ActiveContract != "c2" {
		t.Errorf("Bob active contract %q, want c2", bob.ActiveContract)
	}
	alice, _ := s.Character("Alice")
	if alice.ActiveContract != "" {
		t.Errorf("Alice active contract %q, want none", alice.ActiveContract)
	}
}

func TestApplySkipsBadStepsButKeepsBatch(t *testing.T) {
	s := newTavern(t)
	report, err := s.Apply(&Resolution{
		Narrative: "Confusion.",
		StateChanges: []StateChange{
			{Character: "Ghost", Location: "attic", Activity: "haunting"},
			{Character: "Cara", Location: "tavern", Activity: "resting"},
		},
		ContractUpdates: []ContractChange{
			{ID: "c9", Action: "dance"},
			{ID: "missing", Action: ContractEnd},
			{ID: "missing", Action: ContractUpdate},
		},
		NextPrompts: map[string]string{"Cara": "The tavern is loud. What now?", "Ghost": "boo"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(report.Warnings) != 5 {
		t.Fatalf("got %d warnings, want 5: %v", len(report.Warnings), report.Warnings)
	}
	consistency := 0
	for _, w := range report.Warnings {
		if apperr.IsConsistency(w) {
			consistency++
		}
	}
	if consistency != 4 {
		t.Errorf("got %d consistency warnings, want 4", consistency)
	}
	cara, _ := s.Character("Cara")
	if cara.Location != "tavern" || cara.Activity != "resting" {
		t.Errorf("Cara at %q/%q, want tavern/resting", cara.Location, cara.Activity)
	}
	if cara.NextPrompt != "The tavern is loud. What now?" {
		t.Errorf("Cara next prompt %q", cara.NextPrompt)
	}
}

func TestApplyCreateRejectsDuplicateID(t *testing.T) {
	s := newTavern(t)
	create := ContractChange{ID: "c1", Participants: []string{"Alice", "Bob"}, Action: ContractCreate}
	if _, err := s.Apply(&Resolution{Narrative: "x", ContractUpdates: []ContractChange{create}}); err != nil {
		t.Fatal(err)
	}
	report, err := s.Apply(&Resolution{Narrative: "y", ContractUpdates: []ContractChange{
		{ID: "c1", Participants: []string{"Cara", "Alice"}, Action: ContractCreate},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(report.Warnings))
	}
	cara, _ := s.Character("Cara")
	if cara.ActiveContract != "" {
		t.Errorf("Cara bound to %q after rejected create", cara.ActiveContract)
	}
	if got := s.Snapshot().Contracts["c1"].Participants; len(got) != 2 || got[0] != "Alice" {
		t.Errorf("participants changed to %v", got)
	}
}

func TestApplyCreateDedupesParticipants(t *testing.T) {
	s := newTavern(t)
	report, err := s.Apply(&Resolution{Narrative: "x", ContractUpdates: []ContractChange{
		{ID: "solo", Participants: []string{"Alice", "Alice"}, Action: ContractCreate},
		{ID: "pair", Participants: []string{"Alice", "Bob", "Alice"}, Action: ContractCreate},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(report.Warnings))
	}
	snap := s.Snapshot()
	if _, ok := snap.Contracts["solo"]; ok {
		t.Fatal("one-person contract created")
	}
	if got := snap.Contracts["pair"].Participants; len(got) != 2 || got[0] != "Alice" || got[1] != "Bob" {
		t.Errorf("participants %v, want [Alice Bob]", got)
	}
	if err := CheckInvariants(snap); err != nil {
		t.Fatal(err)
	}
}

func TestApplyCreateGeneratesID(t *testing.T) {
	s := newTavern(t)
	report, err := s.Apply(&Resolution{Narrative: "x", ContractUpdates: []ContractChange{
		{Participants: []string{"Alice", "Bob"}, Action: ContractCreate},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Created) != 1 || report.Created[0] == "" {
		t.Fatalf("created %v, want one generated id", report.Created)
	}
	alice, _ := s.Character("Alice")
	if alice.ActiveContract != report.Created[0] {
		t.Errorf("Alice bound to %q, want %q", alice.ActiveContract, report.Created[0])
	}
}

func TestCoLocated(t *testing.T) {
	s := newTavern(t)
	got := s.Snapshot().CoLocated("Alice")
	if len(got) != 1 || got[0] != "Bob" {
		t.Errorf("got %v, want [Bob]", got)
	}
	if got := s.Snapshot().CoLocated("Nobody"); got != nil {
		t.Errorf("got %v for unknown character, want nil", got)
	}
}

func TestCheckInvariantsDetectsDangling(t *testing.T) {
	snap := Snapshot{
		Characters: map[string]Character{"Alice": {Name: "Alice", ActiveContract: "c1"}},
		Contracts:  map[string]Contract{},
	}
	if err := CheckInvariants(snap); !apperr.IsConsistency(err) {
		t.Fatalf("got %v, want consistency error", err)
	}
	snap.Contracts["c1"] = Contract{ID: "c1", Participants: []string{"Bob", "Cara"}}
	if err := CheckInvariants(snap); !apperr.IsConsistency(err) {
		t.Fatalf("got %v, want consistency error for non-participant", err)
	}
}

func TestSetCharacterState(t *testing.T) {
	s := newTavern(t)
	if err := s.SetCharacterState("Bob", "market", "shopping"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCharacterState("Nobody", "x", "y"); !errors.Is(err, ErrCharacterNotFound) {
		t.Errorf("got %v, want ErrCharacterNotFound", err)
	}
}

func TestIntentAcceptsLegacyKeys(t *testing.T) {
	var in Intent
	raw := `{"npc":"Alice","reason":"old friends","action":"join_game","target":"Bob","dialogue":null}`
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		t.Fatal(err)
	}
	if in.Character != "Alice" || in.Thought != "old friends" || in.Target != "Bob" || in.Dialogue != "" {
		t.Errorf("got %+v", in)
	}
	if err := in.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestResolutionValidate(t *testing.T) {
	cases := []struct {
		name string
		res  Resolution
		ok   bool
	}{
		{"empty narrative", Resolution{}, false},
		{"ok", Resolution{Narrative: "n"}, true},
		{"state change without character", Resolution{Narrative: "n", StateChanges: []StateChange{{Location: "x"}}}, false},
		{"end without id", Resolution{Narrative: "n", ContractUpdates: []ContractChange{{Action: ContractEnd}}}, false},
		{"create without id", Resolution{Narrative: "n", ContractUpdates: []ContractChange{{Action: ContractCreate}}}, true},
	}
	for _, tc := range cases {
		err := tc.res.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: got err %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestApplyUpdateIsStructuralNoop(t *testing.T) {
	s := newTavern(t)
	if _, err := s.Apply(&Resolution{Narrative: "x", ContractUpdates: []ContractChange{
		{ID: "c1", Participants: []string{"Alice", "Bob"}, Action: ContractCreate},
	}}); err != nil {
		t.Fatal(err)
	}
	before, _ := json.Marshal(s.Snapshot())

	report, err := s.Apply(&Resolution{Narrative: "They keep playing.", ContractUpdates: []ContractChange{
		{ID: "c1", Action: ContractUpdate, TranscriptEntry: json.RawMessage(`{"narrative":"Bob deals."}`)},
		{ID: "c1", Action: ContractUpdate, TranscriptEntry: json.RawMessage(`null`)},
	}})
	if err != nil {
		t.Fatal(err)
	}
	after, _ := json.Marshal(s.Snapshot())
	if string(before) != string(after) {
		t.Errorf("update changed world state:\n%s\n%s", before, after)
	}
	if len(report.Updated) != 2 || len(report.Transcripts) != 1 {
		t.Errorf("updated=%v transcripts=%d, want 2 updated and 1 transcript", report.Updated, len(report.Transcripts))
	}
}
