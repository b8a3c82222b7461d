package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/npc-world/internal/memory"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a character or transcript has no stored record.
var ErrNotFound = errors.New("not found")

// Storage persists character memories, personalities and contract transcripts.
// LoadMemories returns an empty memory system when nothing is stored for a character.
type Storage interface {
	LoadMemories(ctx context.Context, name string) (*memory.System, error)
	SaveMemories(ctx context.Context, name string, mem *memory.System) error
	ListCharacters(ctx context.Context) ([]string, error)
	Personality(ctx context.Context, name string) (string, error)
	Transcript(ctx context.Context, contractID string) (string, error)
	AppendTranscript(ctx context.Context, contractID string, entry json.RawMessage) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Options selects and configures a storage backend.
type Options struct {
	Backend       string
	DataDir       string
	PostgresDSN   string
	MigrationsDir string
	SQLitePath    string
}

// Open creates the backend named by opts.Backend. An empty backend means file.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Storage, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.DataDir, logger)
	case BackendPostgres:
		ps, err := NewPostgresStore(ctx, opts.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		if opts.MigrationsDir != "" {
			if err := ps.Migrate(ctx, opts.MigrationsDir); err != nil {
				ps.Close()
				return nil, err
			}
		}
		return ps, nil
	case BackendSQLite:
		return NewSQLiteStore(opts.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

func decodeMemories(data []byte) (*memory.System, error) {
	mem := memory.New()
	if err := json.Unmarshal(data, mem); err != nil {
		return nil, fmt.Errorf("decode memories: %w", err)
	}
	mem.Normalize()
	return mem, nil
}
