// Package memory provides an in-process graph store for tests and
// single-process runs. Graphs are stored as deep copies so callers cannot
// mutate stored state through retained pointers.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubegram/kubegram/runtime/graph"
)

// Store implements graph.Store backed by a map.
type Store struct {
	mu     sync.RWMutex
	graphs map[string]*graph.Graph
}

// New returns an empty store.
func New() *Store {
	return &Store{graphs: make(map[string]*graph.Graph)}
}

// Get returns a copy of the graph with the given id.
func (s *Store) Get(ctx context.Context, id string) (*graph.Graph, error) {
	s.mu.RLock()
	g, ok := s.graphs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, graph.ErrNotFound
	}
	return clone(g)
}

// Create stores a copy of g, assigning an id when none is set.
func (s *Store) Create(ctx context.Context, g *graph.Graph) (string, error) {
	stored, err := clone(g)
	if err != nil {
		return "", err
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.graphs[stored.ID]; exists {
		return "", fmt.Errorf("graph %q already exists", stored.ID)
	}
	s.graphs[stored.ID] = stored
	return stored.ID, nil
}

// Update replaces the stored graph, preserving its creation time.
func (s *Store) Update(ctx context.Context, g *graph.Graph) error {
	if g.ID == "" {
		return graph.ErrNotFound
	}
	stored, err := clone(g)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.graphs[g.ID]
	if !ok {
		return graph.ErrNotFound
	}
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	s.graphs[g.ID] = stored
	return nil
}

// Delete removes the graph; deleting an unknown id is an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[id]; !ok {
		return graph.ErrNotFound
	}
	delete(s.graphs, id)
	return nil
}

// Query returns copies of the graphs matching q, newest first.
func (s *Store) Query(ctx context.Context, q graph.Query) ([]*graph.Graph, error) {
	s.mu.RLock()
	matched := make([]*graph.Graph, 0, len(s.graphs))
	for _, g := range s.graphs {
		if q.CompanyID != "" && g.CompanyID != q.CompanyID {
			continue
		}
		if q.UserID != "" && g.UserID != q.UserID {
			continue
		}
		if q.GraphType != "" && g.GraphType != q.GraphType {
			continue
		}
		if q.Name != "" && !strings.Contains(strings.ToLower(g.Name), strings.ToLower(q.Name)) {
			continue
		}
		matched = append(matched, g)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.After(matched[j].UpdatedAt) })
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]*graph.Graph, 0, len(matched))
	for _, g := range matched {
		c, err := clone(g)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Similar ranks stored graphs by cosine similarity of their context
// embedding to the query embedding. Graphs without an embedding are skipped.
func (s *Store) Similar(ctx context.Context, embedding []float64, q graph.Query) ([]graph.Scored, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	scored := make([]graph.Scored, 0, len(s.graphs))
	for _, g := range s.graphs {
		if len(g.ContextEmbedding) == 0 {
			continue
		}
		if q.CompanyID != "" && g.CompanyID != q.CompanyID {
			continue
		}
		if q.UserID != "" && g.UserID != q.UserID {
			continue
		}
		if q.GraphType != "" && g.GraphType != q.GraphType {
			continue
		}
		scored = append(scored, graph.Scored{Graph: g, Score: graph.CosineSimilarity(embedding, g.ContextEmbedding)})
	}
	s.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if q.Limit > 0 && len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}
	for i := range scored {
		c, err := clone(scored[i].Graph)
		if err != nil {
			return nil, err
		}
		scored[i].Graph = c
	}
	return scored, nil
}

// Close empties the store.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.graphs = make(map[string]*graph.Graph)
	s.mu.Unlock()
	return nil
}

func clone(g *graph.Graph) (*graph.Graph, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("clone graph: %w", err)
	}
	var out graph.Graph
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone graph: %w", err)
	}
	return &out, nil
}
