package world

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/nidhogg/npc-world/internal/apperr"
	"go.uber.org/zap"
)

// GMName is the caller key of the game master. No character may take it.
const GMName = "gm"

var (
	ErrCharacterNotFound = errors.New("character not found")
	ErrCharacterExists   = errors.New("character already exists")
	ErrReservedName      = errors.New("name is reserved")
)

// Snapshot is a deep, point-in-time copy of the world. Mutating it never affects State.
type Snapshot struct {
	Characters map[string]Character `json:"characters"`
	Contracts  map[string]Contract  `json:"contracts"`
}

// Names returns the character names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Characters))
	for n := range s.Characters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CoLocated returns the other characters sharing name's location, sorted.
func (s Snapshot) CoLocated(name string) []string {
	me, ok := s.Characters[name]
	if !ok {
		return nil
	}
	var out []string
	for _, n := range s.Names() {
		if n != name && s.Characters[n].Location == me.Location {
			out = append(out, n)
		}
	}
	return out
}

// ContractsOf returns the contracts listing name as a participant.
func (s Snapshot) ContractsOf(name string) []Contract {
	var out []Contract
	for _, c := range s.Contracts {
		if c.HasParticipant(name) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckInvariants verifies that every active-contract reference points at an
// existing contract that lists the character as a participant.
func CheckInvariants(s Snapshot) error {
	for _, name := range s.Names() {
		ch := s.Characters[name]
		if ch.ActiveContract == "" {
			continue
		}
		c, ok := s.Contracts[ch.ActiveContract]
		if !ok {
			return apperr.Consistency("check invariants",
				"%s references missing contract %q", name, ch.ActiveContract)
		}
		if !c.HasParticipant(name) {
			return apperr.Consistency("check invariants",
				"%s references contract %q without being a participant", name, c.ID)
		}
	}
	return nil
}

// ApplyReport describes what a committed resolution did.
type ApplyReport struct {
	Created     []string         `json:"created,omitempty"`
	Ended       []string         `json:"ended,omitempty"`
	Updated     []string         `json:"updated,omitempty"`
	Transcripts []ContractChange `json:"-"` // entries to hand to the transcript sink
	Warnings    []error          `json:"-"`
}

// State is the shared registry of characters and active contracts.
// All access goes through mu; callers only ever receive copies.
type State struct {
	characters    map[string]Character
	contracts     map[string]Contract
	transcriptRef func(contractID string) string
	mu            sync.Mutex
	logger        *zap.Logger
}

// NewState creates an empty world.
func NewState(logger *zap.Logger) *State {
	return &State{
		characters: make(map[string]Character),
		contracts:  make(map[string]Contract),
		transcriptRef: func(id string) string {
			return "contracts/" + id + ".jsonl"
		},
		logger: logger,
	}
}

// SetTranscriptRef overrides how new contracts name their transcript.
func (s *State) SetTranscriptRef(fn func(contractID string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptRef = fn
}

// AddCharacter registers a character. Characters are never removed during a run.
func (s *State) AddCharacter(c Character) error {
	if c.Name == "" {
		return errors.New("add character: empty name")
	}
	if c.Name == GMName {
		return fmt.Errorf("add character %s: %w", c.Name, ErrReservedName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.characters[c.Name]; ok {
		return fmt.Errorf("add character %s: %w", c.Name, ErrCharacterExists)
	}
	if c.ActiveContract != "" {
		if _, ok := s.contracts[c.ActiveContract]; !ok {
			return apperr.Consistency("add character", "%s references missing contract %q", c.Name, c.ActiveContract)
		}
	}
	s.characters[c.Name] = c
	return nil
}

// Character returns a copy of the named character.
func (s *State) Character(name string) (Character, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.characters[name]
	return c, ok
}

// Len returns the number of characters.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.characters)
}

// SetCharacterState overrides a character's location and activity.
func (s *State) SetCharacterState(name, location, activity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.characters[name]
	if !ok {
		return fmt.Errorf("set state %s: %w", name, ErrCharacterNotFound)
	}
	c.Location = location
	c.Activity = activity
	s.characters[name] = c
	return nil
}

// Snapshot returns a deep copy of the world.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		Characters: make(map[string]Character, len(s.characters)),
		Contracts:  make(map[string]Contract, len(s.contracts)),
	}
	for k, v := range s.characters {
		snap.Characters[k] = v
	}
	for k, v := range s.contracts {
		snap.Contracts[k] = v.clone()
	}
	return snap
}

// Apply commits a fully parsed resolution as one batch. Sub-steps that would
// reference unknown characters or contracts are skipped and reported as
// warnings. If the batch as a whole leaves the world inconsistent it is rolled
// back and an error is returned.
func (s *State) Apply(res *Resolution) (*ApplyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.snapshotLocked()
	report := &ApplyReport{}
	warn := func(err error) {
		report.Warnings = append(report.Warnings, err)
		s.logger.Warn("resolution step skipped", zap.Error(err))
	}

	for _, sc := range res.StateChanges {
		c, ok := s.characters[sc.Character]
		if !ok {
			warn(apperr.Consistency("state change", "unknown character %q", sc.Character))
			continue
		}
		c.Location = sc.Location
		c.Activity = sc.Activity
		s.characters[sc.Character] = c
		s.logger.Info("character moved",
			zap.String("character", sc.Character),
			zap.String("location", sc.Location),
			zap.String("activity", sc.Activity))
	}

	for _, cu := range res.ContractUpdates {
		switch cu.Action {
		case ContractCreate:
			s.createLocked(cu, report, warn)
		case ContractUpdate:
			if _, ok := s.contracts[cu.ID]; !ok {
				warn(apperr.Consistency("contract update", "unknown contract %q", cu.ID))
				continue
			}
			report.Updated = append(report.Updated, cu.ID)
			if cu.HasTranscript() {
				report.Transcripts = append(report.Transcripts, cu)
			}
			s.logger.Info("contract updated", zap.String("contract", cu.ID))
		case ContractEnd:
			s.endLocked(cu.ID, report, warn)
		default:
			warn(fmt.Errorf("contract %q: unknown action %q", cu.ID, cu.Action))
		}
	}

	for name, prompt := range res.NextPrompts {
		c, ok := s.characters[name]
		if !ok {
			warn(apperr.Consistency("next prompt", "unknown character %q", name))
			continue
		}
		c.NextPrompt = prompt
		s.characters[name] = c
	}

	if err := CheckInvariants(s.snapshotLocked()); err != nil {
		s.characters = before.Characters
		s.contracts = before.Contracts
		s.logger.Error("resolution rolled back", zap.Error(err))
		return nil, err
	}
	return report, nil
}

func (s *State) createLocked(cu ContractChange, report *ApplyReport, warn func(error)) {
	if cu.ID == "" {
		cu.ID = uuid.New().String()
	}
	if _, ok := s.contracts[cu.ID]; ok {
		warn(apperr.Consistency("contract create", "contract %q already exists", cu.ID))
		return
	}
	participants := dedupe(cu.Participants)
	if len(participants) < 2 {
		warn(apperr.Consistency("contract create", "contract %q needs at least two distinct participants", cu.ID))
		return
	}
	c := Contract{
		ID:           cu.ID,
		Participants: participants,
		Transcript:   s.transcriptRef(cu.ID),
	}
	s.contracts[c.ID] = c
	for _, p := range c.Participants {
		ch, ok := s.characters[p]
		if !ok {
			warn(apperr.Consistency("contract create", "contract %q: unknown participant %q", c.ID, p))
			continue
		}
		ch.ActiveContract = c.ID
		s.characters[p] = ch
	}
	report.Created = append(report.Created, c.ID)
	if cu.HasTranscript() {
		report.Transcripts = append(report.Transcripts, cu)
	}
	s.logger.Info("contract created",
		zap.String("contract", c.ID),
		zap.Strings("participants", c.Participants))
}

func (s *State) endLocked(id string, report *ApplyReport, warn func(error)) {
	c, ok := s.contracts[id]
	if !ok {
		warn(apperr.Consistency("contract end", "unknown contract %q", id))
		return
	}
	delete(s.contracts, id)
	for _, p := range c.Participants {
		ch, ok := s.characters[p]
		if ok && ch.ActiveContract == id {
			ch.ActiveContract = ""
			s.characters[p] = ch
		}
	}
	report.Ended = append(report.Ended, id)
	s.logger.Info("contract ended", zap.String("contract", id))
}

// dedupe returns names without repeats, keeping first-seen order.
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
