package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	require.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	require.InDelta(t, -1.0, CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	require.Zero(t, CosineSimilarity(nil, []float64{1}))
	require.Zero(t, CosineSimilarity([]float64{1, 2}, []float64{1}))
	require.Zero(t, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}

func TestAverageEmbedding(t *testing.T) {
	got := AverageEmbedding([][]float64{{1, 2}, {3, 4}, nil})
	require.Equal(t, []float64{2, 3}, got)
	require.Nil(t, AverageEmbedding(nil))
	require.Nil(t, AverageEmbedding([][]float64{nil, {}}))
}

func TestQueryEmbedding(t *testing.T) {
	g := &Graph{ContextEmbedding: []float64{9, 9}}
	require.Equal(t, []float64{9, 9}, g.QueryEmbedding())

	g = &Graph{Nodes: []*Node{
		{ID: "a", Embedding: []float64{1, 1}},
		{ID: "b", Embedding: []float64{3, 3}},
		{ID: "c"},
	}}
	require.Equal(t, []float64{2, 2}, g.QueryEmbedding())

	require.Nil(t, (&Graph{Nodes: []*Node{{ID: "a"}}}).QueryEmbedding())
}
