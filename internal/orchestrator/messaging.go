package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTurnStream is the Redis stream committed turns are appended to.
const DefaultTurnStream = "npcworld:turns"

// RedisPublisher appends committed turns to a Redis Stream.
type RedisPublisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisPublisher connects to redisURL. An empty stream uses DefaultTurnStream.
func NewRedisPublisher(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if stream == "" {
		stream = DefaultTurnStream
	}
	return &RedisPublisher{rdb: rdb, stream: stream, maxLen: 1000, logger: logger}, nil
}

// PublishTurn appends turn to the stream, trimming it to roughly the last thousand turns.
func (p *RedisPublisher) PublishTurn(ctx context.Context, turn *TurnResult) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}

	_, err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"turn": turn.Number,
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.stream, err)
	}

	p.logger.Debug("published turn",
		zap.String("stream", p.stream),
		zap.Int("number", turn.Number))
	return nil
}

// Subscribe emits turns published after the call. Cancel the context to stop.
func (p *RedisPublisher) Subscribe(ctx context.Context) <-chan *TurnResult {
	ch := make(chan *TurnResult, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{p.stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var turn TurnResult
					if json.Unmarshal([]byte(data), &turn) != nil {
						continue
					}
					select {
					case ch <- &turn:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
