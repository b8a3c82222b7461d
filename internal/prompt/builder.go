package prompt

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nidhogg/npc-world/internal/apperr"
	"github.com/nidhogg/npc-world/internal/memory"
	"github.com/nidhogg/npc-world/internal/world"
	"go.uber.org/zap"
)

//go:embed templates/*.md
var defaults embed.FS

const (
	templateIntent       = "intent"
	templateResolution   = "resolution"
	templateMemoryUpdate = "memory_update"

	sectionSep = "\n\n---\n\n"
	defaultAsk = "What do you do next?"
)

// Assembler builds the three prompts a turn needs. Failures are TemplateErrors.
type Assembler interface {
	BuildIntentPrompt(ctx context.Context, ch world.Character, snap world.Snapshot) (string, error)
	BuildResolutionPrompt(ctx context.Context, requestJSON string) (string, error)
	BuildMemoryUpdatePrompt(ctx context.Context, name, intentJSON, narrative string, present []string) (string, error)
}

// Source supplies per-character prompt material.
type Source interface {
	LoadMemories(ctx context.Context, name string) (*memory.System, error)
	Personality(ctx context.Context, name string) (string, error)
	Transcript(ctx context.Context, contractID string) (string, error)
}

// Builder is the default Assembler. Base templates are read from dir when
// present (dir/<name>.md, then dir/core|gm/<name>.md) and fall back to the
// embedded defaults.
type Builder struct {
	dir    string
	source Source
	logger *zap.Logger
}

// NewBuilder creates a builder. dir may be empty to always use the defaults.
func NewBuilder(dir string, source Source, logger *zap.Logger) *Builder {
	return &Builder{dir: dir, source: source, logger: logger}
}

func (b *Builder) template(name string) (string, error) {
	if b.dir != "" {
		for _, p := range []string{
			filepath.Join(b.dir, name+".md"),
			filepath.Join(b.dir, "core", name+".md"),
			filepath.Join(b.dir, "gm", name+".md"),
		} {
			data, err := os.ReadFile(p)
			if err == nil {
				b.logger.Debug("loaded prompt template", zap.String("path", p))
				return string(data), nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return "", apperr.Template("load template "+name, err)
			}
		}
	}
	data, err := defaults.ReadFile("templates/" + name + ".md")
	if err != nil {
		return "", apperr.Template("load template "+name, err)
	}
	return string(data), nil
}

// BuildIntentPrompt asks ch what it wants to do, given a snapshot of the world.
func (b *Builder) BuildIntentPrompt(ctx context.Context, ch world.Character, snap world.Snapshot) (string, error) {
	base, err := b.template(templateIntent)
	if err != nil {
		return "", err
	}
	sections := []string{base}

	if personality, err := b.source.Personality(ctx, ch.Name); err == nil && personality != "" {
		sections = append(sections, personality)
	}

	mem, err := b.source.LoadMemories(ctx, ch.Name)
	if err != nil {
		return "", apperr.Template("intent prompt for "+ch.Name, fmt.Errorf("load memories: %w", err))
	}
	memJSON, err := json.MarshalIndent(mem, "", "  ")
	if err != nil {
		return "", apperr.Template("intent prompt for "+ch.Name, err)
	}
	sections = append(sections, "## Your Current Memories\n\n```json\n"+string(memJSON)+"\n```")

	sections = append(sections, situation(ch, snap))

	if ch.ActiveContract != "" {
		if transcript, err := b.source.Transcript(ctx, ch.ActiveContract); err == nil && transcript != "" {
			sections = append(sections, "## Current Interaction\n\n"+transcript)
		}
	}

	ask := ch.NextPrompt
	if ask == "" {
		ask = defaultAsk
	}
	sections = append(sections, ask)
	return strings.Join(sections, sectionSep), nil
}

// BuildResolutionPrompt wraps the combined GM input.
func (b *Builder) BuildResolutionPrompt(_ context.Context, requestJSON string) (string, error) {
	base, err := b.template(templateResolution)
	if err != nil {
		return "", err
	}
	return base + sectionSep + "## Current Input\n\n```json\n" + requestJSON + "\n```", nil
}

// BuildMemoryUpdatePrompt asks name to revise its memories after the turn.
func (b *Builder) BuildMemoryUpdatePrompt(ctx context.Context, name, intentJSON, narrative string, present []string) (string, error) {
	base, err := b.template(templateMemoryUpdate)
	if err != nil {
		return "", err
	}
	sections := []string{base}

	mem, err := b.source.LoadMemories(ctx, name)
	if err != nil {
		return "", apperr.Template("memory prompt for "+name, fmt.Errorf("load memories: %w", err))
	}
	memJSON, err := json.MarshalIndent(mem, "", "  ")
	if err != nil {
		return "", apperr.Template("memory prompt for "+name, err)
	}
	sections = append(sections,
		"## Current Memories\n\n```json\n"+string(memJSON)+"\n```",
		"## Your Intent\n\n```json\n"+intentJSON+"\n```",
		"## What Actually Happened\n\n"+narrative,
	)
	if len(present) > 0 {
		sections = append(sections, "## Also Present\n\n"+strings.Join(present, ", "))
	}
	return strings.Join(sections, sectionSep), nil
}

func situation(ch world.Character, snap world.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("## Current Situation\n\n")
	fmt.Fprintf(&sb, "- You are at: %s\n", ch.Location)
	fmt.Fprintf(&sb, "- You are: %s\n", ch.Activity)

	if others := snap.CoLocated(ch.Name); len(others) > 0 {
		sb.WriteString("\nAlso here:\n")
		for _, n := range others {
			fmt.Fprintf(&sb, "- %s is %s\n", n, snap.Characters[n].Activity)
		}
	}
	if n := len(snap.ContractsOf(ch.Name)); n > 0 {
		fmt.Fprintf(&sb, "\nYou are currently engaged in %d interaction(s)\n", n)
	}
	return sb.String()
}
