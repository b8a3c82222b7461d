package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/npc-world/internal/memory"
	"go.uber.org/zap"
)

// Seeder accepts character definitions. PostgresStore and SQLiteStore implement it.
type Seeder interface {
	SaveCharacter(ctx context.Context, name, personality string, initial *memory.System) error
}

// Seed copies every character in src (personality and current memories, as the
// initial snapshot) into dst. It returns the number of characters copied.
func Seed(ctx context.Context, src *FileStore, dst Seeder, logger *zap.Logger) (int, error) {
	names, err := src.ListCharacters(ctx)
	if err != nil {
		return 0, err
	}
	for i, name := range names {
		personality, err := src.Personality(ctx, name)
		if err != nil {
			return i, err
		}
		mem, err := src.LoadMemories(ctx, name)
		if err != nil {
			return i, err
		}
		if err := dst.SaveCharacter(ctx, name, personality, mem); err != nil {
			return i, fmt.Errorf("seed %s: %w", name, err)
		}
		logger.Debug("character seeded", zap.String("character", name))
	}
	logger.Info("characters seeded", zap.Int("count", len(names)))
	return len(names), nil
}
