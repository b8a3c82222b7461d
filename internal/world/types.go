package world

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Character is a resident of the world. Name is the unique key.
type Character struct {
	Name           string `json:"name"`
	Location       string `json:"location"`
	Activity       string `json:"activity"`
	ActiveContract string `json:"active_contract,omitempty"`
	NextPrompt     string `json:"next_prompt,omitempty"`
}

// NewCharacter returns a character with the default location and activity.
func NewCharacter(name string) Character {
	return Character{Name: name, Location: "unknown", Activity: "idle"}
}

// Contract is a tracked multi-turn interaction. Participants never change after creation.
type Contract struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Transcript   string   `json:"transcript"`
}

// HasParticipant reports whether name is one of the contract's participants.
func (c Contract) HasParticipant(name string) bool {
	for _, p := range c.Participants {
		if p == name {
			return true
		}
	}
	return false
}

func (c Contract) clone() Contract {
	c.Participants = append([]string(nil), c.Participants...)
	return c
}

// Intent is what a character wants to do this turn, before arbitration.
type Intent struct {
	Character string `json:"character"`
	Thought   string `json:"thought"`
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Dialogue  string `json:"dialogue,omitempty"`
}

// UnmarshalJSON also accepts the legacy "npc" and "reason" keys some prompts still produce.
func (i *Intent) UnmarshalJSON(data []byte) error {
	type plain Intent
	var aux struct {
		plain
		NPC      string  `json:"npc"`
		Reason   string  `json:"reason"`
		Dialogue *string `json:"dialogue"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*i = Intent(aux.plain)
	if i.Character == "" {
		i.Character = aux.NPC
	}
	if i.Thought == "" {
		i.Thought = aux.Reason
	}
	if aux.Dialogue != nil {
		i.Dialogue = *aux.Dialogue
	}
	return nil
}

// Validate checks the fields the engine relies on.
func (i *Intent) Validate() error {
	if i.Character == "" {
		return errors.New("intent: missing character")
	}
	if i.Action == "" {
		return errors.New("intent: missing action")
	}
	return nil
}

// ContractAction is the GM's instruction for a contract.
type ContractAction string

const (
	ContractCreate ContractAction = "create"
	ContractUpdate ContractAction = "update"
	ContractEnd    ContractAction = "end"
)

// StateChange moves a character and/or changes what it is doing.
type StateChange struct {
	Character string `json:"character"`
	Location  string `json:"location"`
	Activity  string `json:"activity"`
}

// ContractChange is one contract instruction from the GM.
type ContractChange struct {
	ID              string          `json:"id"`
	Participants    []string        `json:"participants"`
	Action          ContractAction  `json:"action"`
	TranscriptEntry json.RawMessage `json:"transcript_entry,omitempty"`
}

// HasTranscript reports whether the change carries a non-null transcript entry.
func (c ContractChange) HasTranscript() bool {
	return len(c.TranscriptEntry) > 0 && string(c.TranscriptEntry) != "null"
}

// Resolution is the GM's single, consistent outcome for a turn.
type Resolution struct {
	Narrative       string            `json:"narrative"`
	StateChanges    []StateChange     `json:"state_changes"`
	ContractUpdates []ContractChange  `json:"contract_updates"`
	NextPrompts     map[string]string `json:"next_prompts"`
}

// NothingHappened is the resolution of a turn without intents.
func NothingHappened() *Resolution {
	return &Resolution{Narrative: "Nothing happened.", NextPrompts: map[string]string{}}
}

// Validate rejects responses missing fields the mutation step depends on.
func (r *Resolution) Validate() error {
	if r.Narrative == "" {
		return errors.New("resolution: missing narrative")
	}
	for i, sc := range r.StateChanges {
		if sc.Character == "" {
			return fmt.Errorf("resolution: state change %d: missing character", i)
		}
	}
	for i, cu := range r.ContractUpdates {
		if cu.Action == "" {
			return fmt.Errorf("resolution: contract update %d: missing action", i)
		}
		if cu.ID == "" && cu.Action != ContractCreate {
			return fmt.Errorf("resolution: contract update %d: missing id", i)
		}
	}
	return nil
}

// ResolutionRequest is the combined input sent to the GM.
type ResolutionRequest struct {
	Characters      map[string]Character `json:"characters"`
	ActiveContracts map[string]Contract  `json:"active_contracts"`
	Intents         []Intent             `json:"intents"`
}
