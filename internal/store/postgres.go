package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/npc-world/internal/memory"
	"go.uber.org/zap"
)

// PostgresStore keeps characters, memories and transcripts in PostgreSQL.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore with a pgx connection pool.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PostgresStore{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// SaveCharacter upserts a character's personality and, when initial is not nil,
// the memory snapshot new memories are seeded from.
func (s *PostgresStore) SaveCharacter(ctx context.Context, name, personality string, initial *memory.System) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO characters (name, personality)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET
			personality = EXCLUDED.personality,
			updated_at = now()`,
		name, personality,
	)
	if err != nil {
		return fmt.Errorf("save character %s: %w", name, err)
	}
	if initial == nil {
		return nil
	}
	data, err := json.Marshal(initial)
	if err != nil {
		return fmt.Errorf("encode initial memories for %s: %w", name, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO character_memories (name, initial)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (name) DO UPDATE SET initial = EXCLUDED.initial`,
		name, string(data),
	)
	if err != nil {
		return fmt.Errorf("save initial memories for %s: %w", name, err)
	}
	return nil
}

// LoadMemories returns the stored memories, the initial snapshot, or an empty system.
func (s *PostgresStore) LoadMemories(ctx context.Context, name string) (*memory.System, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(memories, initial)::text
		FROM character_memories WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && data == nil) {
		return memory.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load memories for %s: %w", name, err)
	}
	return decodeMemories(data)
}

// SaveMemories upserts the memory document.
func (s *PostgresStore) SaveMemories(ctx context.Context, name string, mem *memory.System) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("encode memories for %s: %w", name, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO character_memories (name, memories, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (name) DO UPDATE SET
			memories = EXCLUDED.memories,
			updated_at = EXCLUDED.updated_at`,
		name, string(data),
	)
	if err != nil {
		return fmt.Errorf("save memories for %s: %w", name, err)
	}
	return nil
}

// ListCharacters returns all character names in order.
func (s *PostgresStore) ListCharacters(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM characters ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan characters: %w", err)
	}
	return names, nil
}

// Personality returns the stored personality text.
func (s *PostgresStore) Personality(ctx context.Context, name string) (string, error) {
	var p string
	err := s.db.QueryRow(ctx, `SELECT personality FROM characters WHERE name = $1`, name).Scan(&p)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("personality for %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get personality for %s: %w", name, err)
	}
	return p, nil
}

// Transcript returns the contract's entries as JSON lines in insertion order.
func (s *PostgresStore) Transcript(ctx context.Context, contractID string) (string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT entry::text FROM contract_transcripts
		WHERE contract_id = $1 ORDER BY id`, contractID)
	if err != nil {
		return "", fmt.Errorf("get transcript %s: %w", contractID, err)
	}
	lines, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", fmt.Errorf("scan transcript %s: %w", contractID, err)
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("transcript %s: %w", contractID, ErrNotFound)
	}
	return strings.Join(lines, "\n"), nil
}

// AppendTranscript stores one transcript entry.
func (s *PostgresStore) AppendTranscript(ctx context.Context, contractID string, entry json.RawMessage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO contract_transcripts (contract_id, entry)
		VALUES ($1, $2::jsonb)`,
		contractID, string(entry),
	)
	if err != nil {
		return fmt.Errorf("append transcript %s: %w", contractID, err)
	}
	return nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
