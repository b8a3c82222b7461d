package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/nidhogg/npc-world/internal/memory"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file backend for local runs.
type SQLiteStore struct {
	conn   *sqlx.DB
	logger *zap.Logger
}

// NewSQLiteStore opens or creates a SQLite database at path.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = "npcworld.db"
	}
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer; phase 3 saves arrive concurrently
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn, logger: logger}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("SQLite opened", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS characters (
		name TEXT PRIMARY KEY,
		personality TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS character_memories (
		name TEXT PRIMARY KEY,
		memories TEXT,
		initial TEXT
	);

	CREATE TABLE IF NOT EXISTS contract_transcripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contract_id TEXT NOT NULL,
		entry TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contract_transcripts_contract ON contract_transcripts(contract_id, id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// SaveCharacter upserts a character's personality and optional initial memories.
func (s *SQLiteStore) SaveCharacter(ctx context.Context, name, personality string, initial *memory.System) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save character %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO characters (name, personality) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET personality = excluded.personality`, name, personality); err != nil {
		return fmt.Errorf("save character %s: %w", name, err)
	}
	if initial != nil {
		data, err := json.Marshal(initial)
		if err != nil {
			return fmt.Errorf("encode initial memories for %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO character_memories (name, initial) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET initial = excluded.initial`, name, string(data)); err != nil {
			return fmt.Errorf("save initial memories for %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// LoadMemories returns the stored memories, the initial snapshot, or an empty system.
func (s *SQLiteStore) LoadMemories(ctx context.Context, name string) (*memory.System, error) {
	var data sql.NullString
	err := s.conn.GetContext(ctx, &data,
		`SELECT COALESCE(memories, initial) FROM character_memories WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !data.Valid) {
		return memory.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load memories for %s: %w", name, err)
	}
	return decodeMemories([]byte(data.String))
}

// SaveMemories upserts the memory document.
func (s *SQLiteStore) SaveMemories(ctx context.Context, name string, mem *memory.System) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("encode memories for %s: %w", name, err)
	}
	_, err = s.conn.ExecContext(ctx, `INSERT INTO character_memories (name, memories) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET memories = excluded.memories`, name, string(data))
	if err != nil {
		return fmt.Errorf("save memories for %s: %w", name, err)
	}
	return nil
}

// ListCharacters returns all character names in order.
func (s *SQLiteStore) ListCharacters(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.conn.SelectContext(ctx, &names, `SELECT name FROM characters ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	return names, nil
}

// Personality returns the stored personality text.
func (s *SQLiteStore) Personality(ctx context.Context, name string) (string, error) {
	var p string
	err := s.conn.GetContext(ctx, &p, `SELECT personality FROM characters WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("personality for %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get personality for %s: %w", name, err)
	}
	return p, nil
}

// Transcript returns the contract's entries as JSON lines in insertion order.
func (s *SQLiteStore) Transcript(ctx context.Context, contractID string) (string, error) {
	var lines []string
	if err := s.conn.SelectContext(ctx, &lines,
		`SELECT entry FROM contract_transcripts WHERE contract_id = ? ORDER BY id`, contractID); err != nil {
		return "", fmt.Errorf("get transcript %s: %w", contractID, err)
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("transcript %s: %w", contractID, ErrNotFound)
	}
	return strings.Join(lines, "\n"), nil
}

// AppendTranscript stores one transcript entry.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, contractID string, entry json.RawMessage) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO contract_transcripts (contract_id, entry) VALUES (?, ?)`, contractID, string(entry))
	if err != nil {
		return fmt.Errorf("append transcript %s: %w", contractID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
