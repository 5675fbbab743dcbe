package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubegram/kubegram/runtime/graph"
)

type stubStore struct {
	graph.Store

	embedding []float64
	query     graph.Query
	scored    []graph.Scored
	err       error
	calls     int
}

func (s *stubStore) Similar(_ context.Context, embedding []float64, q graph.Query) ([]graph.Scored, error) {
	s.calls++
	s.embedding = embedding
	s.query = q
	return s.scored, s.err
}

type stubEmbedder struct {
	text   string
	vector []float64
	err    error
	calls  int
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	e.calls++
	e.text = text
	return e.vector, e.err
}

func TestContextPrefersStoredEmbedding(t *testing.T) {
	store := &stubStore{scored: []graph.Scored{
		{Graph: &graph.Graph{
			ID:          "g-1",
			Name:        "checkout",
			Description: "cart and payment services",
			Nodes: []*graph.Node{
				{ID: "a", NodeType: graph.NodeMicroservice},
				{ID: "b", NodeType: graph.NodeMicroservice},
				{ID: "c", NodeType: graph.NodeDatabase},
			},
		}, Score: 0.92},
		{Graph: &graph.Graph{
			ID:    "g-2",
			Name:  "analytics",
			Nodes: []*graph.Node{{ID: "d", NodeType: graph.NodeMessageQueue}},
		}, Score: 0.81},
	}}
	embedder := &stubEmbedder{}
	r, err := New(Options{Store: store, Embedder: embedder})
	require.NoError(t, err)

	out, err := r.Context(context.Background(), &graph.Graph{
		ID:               "query",
		CompanyID:        "acme",
		ContextEmbedding: []float64{0.1, 0.2},
	})
	require.NoError(t, err)

	want := "### Example 1: checkout\n" +
		"Description: cart and payment services\n" +
		"Nodes: 2x MICROSERVICE, 1x DATABASE\n" +
		"\n" +
		"### Example 2: analytics\n" +
		"Nodes: 1x MESSAGE_QUEUE\n"
	assert.Equal(t, want, out)

	assert.Equal(t, 0, embedder.calls, "stored embedding must short-circuit the embedder")
	assert.Equal(t, []float64{0.1, 0.2}, store.embedding)
	assert.Equal(t, "acme", store.query.CompanyID)
	assert.Equal(t, 4, store.query.Limit, "expect topK+1 to absorb a self match")
}

func TestContextAveragesNodeEmbeddings(t *testing.T) {
	store := &stubStore{}
	r, err := New(Options{Store: store})
	require.NoError(t, err)

	_, err = r.Context(context.Background(), &graph.Graph{
		ID:        "query",
		CompanyID: "acme",
		Nodes: []*graph.Node{
			{ID: "a", Embedding: []float64{1, 3}},
			{ID: "b", Embedding: []float64{3, 1}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, store.embedding)
}

func TestContextFallsBackToEmbedder(t *testing.T) {
	store := &stubStore{}
	embedder := &stubEmbedder{vector: []float64{0.5, 0.5}}
	r, err := New(Options{Store: store, Embedder: embedder, TopK: 2})
	require.NoError(t, err)

	_, err = r.Context(context.Background(), &graph.Graph{
		ID:          "query",
		CompanyID:   "acme",
		Name:        "orders",
		Description: "order intake",
		Nodes: []*graph.Node{
			{ID: "a", Name: "api", NodeType: graph.NodeMicroservice},
		},
	})
	require.NoError(t, err)

	require.Equal(t, 1, embedder.calls)
	assert.Contains(t, embedder.text, "orders: order intake")
	assert.Contains(t, embedder.text, "MICROSERVICE api")
	assert.Equal(t, []float64{0.5, 0.5}, store.embedding)
	assert.Equal(t, 3, store.query.Limit)
}

func TestContextSkipsWhenNoEmbeddingAvailable(t *testing.T) {
	store := &stubStore{}
	r, err := New(Options{Store: store})
	require.NoError(t, err)

	out, err := r.Context(context.Background(), &graph.Graph{ID: "query", Name: "bare"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, store.calls)
}

func TestContextExcludesQueryGraph(t *testing.T) {
	store := &stubStore{scored: []graph.Scored{
		{Graph: &graph.Graph{ID: "query", Name: "self"}, Score: 1},
		{Graph: &graph.Graph{
			ID:    "g-2",
			Name:  "other",
			Nodes: []*graph.Node{{ID: "a", NodeType: graph.NodeCache}},
		}, Score: 0.7},
	}}
	r, err := New(Options{Store: store})
	require.NoError(t, err)

	out, err := r.Context(context.Background(), &graph.Graph{
		ID:               "query",
		ContextEmbedding: []float64{1},
	})
	require.NoError(t, err)
	assert.Equal(t, "### Example 1: other\nNodes: 1x CACHE\n", out)
	assert.NotContains(t, out, "self")
}

func TestContextCapsExamplesAtTopK(t *testing.T) {
	store := &stubStore{scored: []graph.Scored{
		{Graph: &graph.Graph{ID: "g-1", Name: "one"}, Score: 0.9},
		{Graph: &graph.Graph{ID: "g-2", Name: "two"}, Score: 0.8},
		{Graph: &graph.Graph{ID: "g-3", Name: "three"}, Score: 0.7},
	}}
	r, err := New(Options{Store: store, TopK: 2})
	require.NoError(t, err)

	out, err := r.Context(context.Background(), &graph.Graph{
		ID:               "query",
		ContextEmbedding: []float64{1},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "### Example 1: one")
	assert.Contains(t, out, "### Example 2: two")
	assert.NotContains(t, out, "three")
}

func TestContextHistogramOrdersByCountThenType(t *testing.T) {
	store := &stubStore{scored: []graph.Scored{
		{Graph: &graph.Graph{
			ID:   "g-1",
			Name: "tied",
			Nodes: []*graph.Node{
				{ID: "a", NodeType: graph.NodeDatabase},
				{ID: "b", NodeType: graph.NodeCache},
				{ID: "c", NodeType: graph.NodeDatabase},
				{ID: "d", NodeType: graph.NodeCache},
				{ID: "e", NodeType: graph.NodeMessageQueue},
			},
		}, Score: 0.9},
	}}
	r, err := New(Options{Store: store})
	require.NoError(t, err)

	out, err := r.Context(context.Background(), &graph.Graph{
		ID:               "query",
		ContextEmbedding: []float64{1},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Nodes: 2x CACHE, 2x DATABASE, 1x MESSAGE_QUEUE\n")
}

func TestContextPropagatesEmbedderError(t *testing.T) {
	boom := errors.New("quota exceeded")
	store := &stubStore{}
	r, err := New(Options{Store: store, Embedder: &stubEmbedder{err: boom}})
	require.NoError(t, err)

	_, err = r.Context(context.Background(), &graph.Graph{ID: "query", Name: "orders"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.calls)
}

func TestContextPropagatesStoreError(t *testing.T) {
	boom := errors.New("connection reset")
	store := &stubStore{err: boom}
	r, err := New(Options{Store: store})
	require.NoError(t, err)

	_, err = r.Context(context.Background(), &graph.Graph{
		ID:               "query",
		ContextEmbedding: []float64{1},
	})
	require.ErrorIs(t, err, boom)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
