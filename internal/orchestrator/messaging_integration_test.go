//go:build integration

package orchestrator

import (
	"context"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/npc-world/internal/world"
)

func TestRedisPublisher(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	defer container.Terminate(ctx)

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	pub, err := NewRedisPublisher(ctx, "redis://"+endpoint, "npcworld:test", zap.NewNop())
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}
	defer pub.Close()

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	turns := pub.Subscribe(subCtx)
	// let the subscriber issue its first blocking read before publishing
	time.Sleep(200 * time.Millisecond)

	want := &TurnResult{ID: "t-1", Number: 7, Resolution: &world.Resolution{Narrative: "Rain falls."}}
	if err := pub.PublishTurn(ctx, want); err != nil {
		t.Fatalf("PublishTurn: %v", err)
	}

	select {
	case got := <-turns:
		if got.Number != 7 || got.Resolution.Narrative != "Rain falls." {
			t.Fatalf("got %+v", got)
		}
	case <-subCtx.Done():
		t.Fatal("timed out waiting for published turn")
	}
}
