package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nidhogg/npc-world/internal/memory"
	"go.uber.org/zap"
)

const (
	personalityFile     = "personality.md"
	memoriesFile        = "memories.json"
	initialMemoriesFile = "initial_memories.json"
)

// FileStore keeps each character in its own directory:
//
//	<root>/npcs/<name>/personality.md
//	<root>/npcs/<name>/memories.json
//	<root>/npcs/<name>/initial_memories.json
//	<root>/contracts/<id>.jsonl
type FileStore struct {
	root   string
	mu     sync.Mutex // serializes transcript appends
	logger *zap.Logger
}

// NewFileStore creates a FileStore rooted at dir, creating the directory tree if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		dir = "data"
	}
	for _, sub := range []string{"npcs", "contracts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &FileStore{root: dir, logger: logger}, nil
}

func (s *FileStore) characterDir(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid character name %q", name)
	}
	return filepath.Join(s.root, "npcs", name), nil
}

// LoadMemories reads memories.json, falling back to initial_memories.json and
// then to an empty system.
func (s *FileStore) LoadMemories(_ context.Context, name string) (*memory.System, error) {
	dir, err := s.characterDir(name)
	if err != nil {
		return nil, err
	}
	for _, f := range []string{memoriesFile, initialMemoriesFile} {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read memories for %s: %w", name, err)
		}
		mem, err := decodeMemories(data)
		if err != nil {
			return nil, fmt.Errorf("load %s for %s: %w", f, name, err)
		}
		return mem, nil
	}
	return memory.New(), nil
}

// SaveMemories writes memories.json through a temp file and rename.
func (s *FileStore) SaveMemories(_ context.Context, name string, mem *memory.System) error {
	dir, err := s.characterDir(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create character dir: %w", err)
	}
	data, err := json.MarshalIndent(mem, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memories for %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, memoriesFile+".*")
	if err != nil {
		return fmt.Errorf("save memories for %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save memories for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save memories for %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, memoriesFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save memories for %s: %w", name, err)
	}
	return nil
}

// ListCharacters returns the sorted names of character directories that have a personality.md.
func (s *FileStore) ListCharacters(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "npcs"))
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, "npcs", e.Name(), personalityFile)); err != nil {
			s.logger.Warn("No personality.md found, skipping character", zap.String("character", e.Name()))
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Personality returns the contents of personality.md.
func (s *FileStore) Personality(_ context.Context, name string) (string, error) {
	dir, err := s.characterDir(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, personalityFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("personality for %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read personality for %s: %w", name, err)
	}
	return string(data), nil
}

// Transcript returns the raw JSON-lines transcript of a contract.
func (s *FileStore) Transcript(_ context.Context, contractID string) (string, error) {
	path, err := s.transcriptPath(contractID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("transcript %s: %w", contractID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read transcript %s: %w", contractID, err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// AppendTranscript appends one compacted JSON line to the contract's transcript.
func (s *FileStore) AppendTranscript(_ context.Context, contractID string, entry json.RawMessage) error {
	path, err := s.transcriptPath(contractID)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, entry); err != nil {
		return fmt.Errorf("compact transcript entry: %w", err)
	}
	buf.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript %s: %w", contractID, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append transcript %s: %w", contractID, err)
	}
	return f.Close()
}

func (s *FileStore) transcriptPath(contractID string) (string, error) {
	if contractID == "" || contractID != filepath.Base(contractID) || strings.HasPrefix(contractID, ".") {
		return "", fmt.Errorf("invalid contract id %q", contractID)
	}
	return filepath.Join(s.root, "contracts", contractID+".jsonl"), nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }
