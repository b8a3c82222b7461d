//go:build integration

package world

import (
	"context"
	"testing"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/npc-world/internal/memory"
)

func TestRelationGraphMirror(t *testing.T) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		t.Fatalf("start neo4j: %v", err)
	}
	defer container.Terminate(ctx)

	uri, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatalf("neo4j bolt url: %v", err)
	}
	g, err := DialRelationGraph(ctx, uri, "", "", zap.NewNop())
	if err != nil {
		t.Fatalf("DialRelationGraph: %v", err)
	}
	defer g.Close(ctx)

	mem := memory.New()
	mem.Relationship("bob").SetSentiment(0.4)
	if err := g.MirrorRelationships(ctx, "alice", mem); err != nil {
		t.Fatalf("MirrorRelationships: %v", err)
	}
	// second mirror overwrites the edge instead of adding one
	mem.Relationship("bob").SetSentiment(0.9)
	if err := g.MirrorRelationships(ctx, "alice", mem); err != nil {
		t.Fatalf("MirrorRelationships: %v", err)
	}

	rels, err := g.Relations(ctx, "alice")
	if err != nil {
		t.Fatalf("Relations: %v", err)
	}
	if len(rels) != 1 || rels[0].To != "bob" || rels[0].Sentiment != 0.9 {
		t.Fatalf("got %+v", rels)
	}
}
