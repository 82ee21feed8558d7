package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Store wraps the bolt driver for the graph projection.
type Store struct {
	driver neo4j.DriverWithContext
	logger *slog.Logger
}

// NewStore connects to the graph database and verifies connectivity.
func NewStore(ctx context.Context, uri, user, password string, logger *slog.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify connectivity: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close releases the driver's connections.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// EnsureConstraints creates the uniqueness constraints the MERGE-based
// projection relies on. Idempotent.
func (s *Store) EnsureConstraints(ctx context.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT node_id_unique IF NOT EXISTS
		 FOR (n:Node) REQUIRE n.id IS UNIQUE`,
	}
	for _, stmt := range stmts {
		if _, err := s.write(ctx, stmt, nil); err != nil {
			return fmt.Errorf("graph: ensure constraints: %w", err)
		}
	}
	return nil
}

// write runs a single auto-commit write query routed to a writer member.
func (s *Store) write(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithWritersRouting(),
	)
	if err != nil {
		return nil, fmt.Errorf("graph: write query: %w", err)
	}
	return result, nil
}

// read runs a single query routed to a reader member.
func (s *Store) read(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	if err != nil {
		return nil, fmt.Errorf("graph: read query: %w", err)
	}
	return result, nil
}
