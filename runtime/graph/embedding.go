package graph

import "math"

// CosineSimilarity returns the cosine of the angle between two vectors, or 0
// when either is empty, zero, or the dimensions differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// AverageEmbedding averages same-dimension vectors, skipping empty ones.
// It returns nil when no usable vector exists.
func AverageEmbedding(vectors [][]float64) []float64 {
	var sum []float64
	count := 0
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		if len(v) != len(sum) {
			continue
		}
		for i := range v {
			sum[i] += v[i]
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range sum {
		sum[i] /= float64(count)
	}
	return sum
}

// QueryEmbedding derives the vector used to find graphs similar to g: the
// graph's own context embedding when present, otherwise the average of its
// node embeddings. Nil means the graph carries no usable vector.
func (g *Graph) QueryEmbedding() []float64 {
	if len(g.ContextEmbedding) > 0 {
		return g.ContextEmbedding
	}
	vectors := make([][]float64, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		vectors = append(vectors, n.Embedding)
	}
	return AverageEmbedding(vectors)
}
