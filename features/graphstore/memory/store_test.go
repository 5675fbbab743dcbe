package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubegram/kubegram/runtime/graph"
)

func testGraph(name string) *graph.Graph {
	return &graph.Graph{
		Name:      name,
		GraphType: graph.GraphTypeMicroservice,
		CompanyID: "acme",
		UserID:    "u-1",
		Nodes: []*graph.Node{
			{ID: "api", Name: "api", NodeType: graph.NodeMicroservice},
		},
	}
}

func TestCreateAssignsID(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Create(ctx, testGraph("checkout"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, "checkout", got.Name)
	require.False(t, got.CreatedAt.IsZero())
	require.Equal(t, got.CreatedAt, got.UpdatedAt)
}

func TestCreateKeepsCallerID(t *testing.T) {
	s := New()
	ctx := context.Background()

	g := testGraph("checkout")
	g.ID = "g-fixed"
	id, err := s.Create(ctx, g)
	require.NoError(t, err)
	require.Equal(t, "g-fixed", id)

	_, err = s.Create(ctx, g)
	require.Error(t, err)
}

func TestStoredGraphIsIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	g := testGraph("checkout")
	id, err := s.Create(ctx, g)
	require.NoError(t, err)

	// Mutating the caller's copy must not leak into the store.
	g.Nodes[0].Name = "mutated"
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "api", got.Nodes[0].Name)

	// Nor must mutating a returned copy.
	got.Name = "mutated"
	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "checkout", again.Name)
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Create(ctx, testGraph("checkout"))
	require.NoError(t, err)
	created, err := s.Get(ctx, id)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	created.Description = "retail checkout flow"
	require.NoError(t, s.Update(ctx, created))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "retail checkout flow", got.Description)
	require.Equal(t, created.CreatedAt, got.CreatedAt)
	require.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestGetUpdateDeleteUnknown(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, graph.ErrNotFound)
	require.ErrorIs(t, s.Update(ctx, testGraph("no-id")), graph.ErrNotFound)
	g := testGraph("gone")
	g.ID = "g-gone"
	require.ErrorIs(t, s.Update(ctx, g), graph.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "missing"), graph.ErrNotFound)
}

func TestQueryFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := testGraph("checkout-service")
	b := testGraph("payment-service")
	b.UserID = "u-2"
	c := testGraph("billing")
	c.CompanyID = "globex"
	d := testGraph("checkout-k8s")
	d.GraphType = graph.GraphTypeKubernetes

	for _, g := range []*graph.Graph{a, b, c, d} {
		_, err := s.Create(ctx, g)
		require.NoError(t, err)
	}

	got, err := s.Query(ctx, graph.Query{CompanyID: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	got, err = s.Query(ctx, graph.Query{CompanyID: "acme", UserID: "u-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.Query(ctx, graph.Query{GraphType: graph.GraphTypeKubernetes})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "checkout-k8s", got[0].Name)

	got, err = s.Query(ctx, graph.Query{Name: "CHECKOUT"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.Query(ctx, graph.Query{CompanyID: "acme", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestQueryOrdersNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	oldID, err := s.Create(ctx, testGraph("old"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newID, err := s.Create(ctx, testGraph("new"))
	require.NoError(t, err)

	got, err := s.Query(ctx, graph.Query{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, newID, got[0].ID)
	require.Equal(t, oldID, got[1].ID)
}

func TestSimilarRanksByCosine(t *testing.T) {
	s := New()
	ctx := context.Background()

	aligned := testGraph("aligned")
	aligned.ContextEmbedding = []float64{1, 0, 0}
	orthogonal := testGraph("orthogonal")
	orthogonal.ContextEmbedding = []float64{0, 1, 0}
	unembedded := testGraph("unembedded")
	foreign := testGraph("foreign")
	foreign.CompanyID = "globex"
	foreign.ContextEmbedding = []float64{1, 0, 0}

	for _, g := range []*graph.Graph{orthogonal, aligned, unembedded, foreign} {
		_, err := s.Create(ctx, g)
		require.NoError(t, err)
	}

	got, err := s.Similar(ctx, []float64{1, 0, 0}, graph.Query{CompanyID: "acme", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "aligned", got[0].Graph.Name)
	require.InDelta(t, 1.0, got[0].Score, 1e-9)
	require.Equal(t, "orthogonal", got[1].Graph.Name)
	require.InDelta(t, 0.0, got[1].Score, 1e-9)

	got, err = s.Similar(ctx, []float64{1, 0, 0}, graph.Query{CompanyID: "acme", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.Similar(ctx, nil, graph.Query{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, got)
}
