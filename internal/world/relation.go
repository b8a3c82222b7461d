package world

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/npc-world/internal/memory"
	"go.uber.org/zap"
)

// Relation is one directed feeling as mirrored in the graph.
type Relation struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Sentiment float64 `json:"sentiment"`
	Bond      float64 `json:"bond"`
	Summary   string  `json:"summary,omitempty"`
}

// RelationGraph mirrors character relationships into Neo4j as
// (:Character)-[:FEELS]->(:Character) edges. Memories stay authoritative;
// the graph is a read model for queries across characters.
type RelationGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRelationGraph creates a relation graph backed by Neo4j.
func NewRelationGraph(driver neo4j.DriverWithContext, logger *zap.Logger) *RelationGraph {
	return &RelationGraph{driver: driver, logger: logger}
}

// DialRelationGraph opens a driver for uri and verifies connectivity.
func DialRelationGraph(ctx context.Context, uri, user, password string, logger *zap.Logger) (*RelationGraph, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	logger.Info("Neo4j connected", zap.String("uri", uri))
	return NewRelationGraph(driver, logger), nil
}

// Close shuts down the driver.
func (g *RelationGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// relationRows flattens owner's relationships into query parameters, ordered by name.
func relationRows(owner string, mem *memory.System) []map[string]any {
	names := make([]string, 0, len(mem.Relationships))
	for n, r := range mem.Relationships {
		if r != nil && n != owner {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	rows := make([]map[string]any, 0, len(names))
	for _, n := range names {
		r := mem.Relationships[n]
		rows = append(rows, map[string]any{
			"to":        n,
			"sentiment": r.CurrentSentiment,
			"bond":      r.OverallBond,
			"summary":   r.LongTermSummary,
		})
	}
	return rows
}

// MirrorRelationships upserts one edge per relationship in mem.
func (g *RelationGraph) MirrorRelationships(ctx context.Context, owner string, mem *memory.System) error {
	rows := relationRows(owner, mem)
	if len(rows) == 0 {
		return nil
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			`MERGE (a:Character {name: $owner})
			 WITH a
			 UNWIND $rows AS row
			 MERGE (b:Character {name: row.to})
			 MERGE (a)-[r:FEELS]->(b)
			 SET r.sentiment = row.sentiment, r.bond = row.bond,
			     r.summary = row.summary, r.updated_at = datetime()`,
			map[string]any{"owner": owner, "rows": rows})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("mirror relationships of %s: %w", owner, err)
	}
	g.logger.Debug("relationships mirrored", zap.String("character", owner), zap.Int("edges", len(rows)))
	return nil
}

// Relations returns owner's outgoing edges ordered by target name.
func (g *RelationGraph) Relations(ctx context.Context, owner string) ([]Relation, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			`MATCH (:Character {name: $owner})-[r:FEELS]->(b:Character)
			 RETURN b.name AS to, r.sentiment AS sentiment, r.bond AS bond, r.summary AS summary
			 ORDER BY to`,
			map[string]any{"owner": owner})
		if err != nil {
			return nil, err
		}
		var rels []Relation
		for result.Next(ctx) {
			rec := result.Record()
			to, _, _ := neo4j.GetRecordValue[string](rec, "to")
			sentiment, _, _ := neo4j.GetRecordValue[float64](rec, "sentiment")
			bond, _, _ := neo4j.GetRecordValue[float64](rec, "bond")
			summary, _, _ := neo4j.GetRecordValue[string](rec, "summary")
			rels = append(rels, Relation{From: owner, To: to, Sentiment: sentiment, Bond: bond, Summary: summary})
		}
		return rels, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get relations of %s: %w", owner, err)
	}
	rels, _ := out.([]Relation)
	return rels, nil
}
