package graph

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when no graph matches the lookup.
var ErrNotFound = errors.New("graph not found")

type (
	// Query filters Store.Query. Zero fields match everything; Limit caps
	// the result count when positive.
	Query struct {
		CompanyID string
		UserID    string
		GraphType GraphType
		Name      string
		Limit     int
	}

	// Scored pairs a stored graph with its similarity to a query embedding.
	Scored struct {
		Graph *Graph
		Score float64
	}

	// Store persists graphs. Get and Update return ErrNotFound for unknown
	// ids. Create assigns the id when the graph carries none and returns it.
	Store interface {
		Get(ctx context.Context, id string) (*Graph, error)
		Create(ctx context.Context, g *Graph) (string, error)
		Update(ctx context.Context, g *Graph) error
		Delete(ctx context.Context, id string) error
		Query(ctx context.Context, q Query) ([]*Graph, error)

		// Similar returns stored graphs ranked by cosine similarity of
		// their context embedding to the query embedding, scoped by the
		// CompanyID, UserID, GraphType and Limit fields of q (Name is
		// ignored). Graphs without an embedding are skipped.
		Similar(ctx context.Context, embedding []float64, q Query) ([]Scored, error)

		Close(ctx context.Context) error
	}
)
