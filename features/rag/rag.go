// Package rag retrieves similar prior deployment graphs and renders them as
// prompt context for code generation. Retrieval prefers the graph's stored
// context embedding, falls back to averaged node embeddings, then to embedding
// a textual rendering when an embedder is configured, and otherwise skips.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kubegram/kubegram/runtime/graph"
)

const defaultTopK = 3

type (
	// EmbeddingsClient produces a vector embedding for a piece of text.
	EmbeddingsClient interface {
		Embed(ctx context.Context, text string) ([]float64, error)
	}

	// Options configures the retriever.
	Options struct {
		// Store is queried for similar graphs. Required.
		Store graph.Store

		// Embedder computes embeddings for graphs that carry none. Optional;
		// when nil such graphs yield no context.
		Embedder EmbeddingsClient

		// TopK caps the number of examples. Defaults to 3.
		TopK int
	}

	// Retriever renders similarity context for a deployment graph.
	Retriever struct {
		store    graph.Store
		embedder EmbeddingsClient
		topK     int
	}
)

// New builds a Retriever.
func New(opts Options) (*Retriever, error) {
	if opts.Store == nil {
		return nil, errors.New("graph store is required")
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Retriever{store: opts.Store, embedder: opts.Embedder, topK: topK}, nil
}

// Context returns a textual summary of graphs similar to g, scoped to g's
// company. It returns "" without error when no query embedding can be
// derived or nothing similar is stored.
func (r *Retriever) Context(ctx context.Context, g *graph.Graph) (string, error) {
	if g == nil {
		return "", nil
	}
	embedding := g.QueryEmbedding()
	if len(embedding) == 0 && r.embedder != nil {
		text := embeddingText(g)
		if text != "" {
			var err error
			embedding, err = r.embedder.Embed(ctx, text)
			if err != nil {
				return "", fmt.Errorf("embed graph %q: %w", g.Name, err)
			}
		}
	}
	if len(embedding) == 0 {
		return "", nil
	}

	scored, err := r.store.Similar(ctx, embedding, graph.Query{CompanyID: g.CompanyID, Limit: r.topK + 1})
	if err != nil {
		return "", fmt.Errorf("query similar graphs: %w", err)
	}

	var b strings.Builder
	n := 0
	for _, s := range scored {
		if s.Graph == nil || s.Graph.ID == g.ID {
			continue
		}
		n++
		if n > r.topK {
			break
		}
		if n > 1 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "### Example %d: %s\n", n, s.Graph.Name)
		if s.Graph.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", s.Graph.Description)
		}
		fmt.Fprintf(&b, "Nodes: %s\n", histogram(s.Graph))
	}
	return b.String(), nil
}

// histogram renders node-type counts, most frequent first, ties by name.
func histogram(g *graph.Graph) string {
	counts := make(map[graph.NodeType]int)
	for _, n := range g.Nodes {
		counts[n.NodeType]++
	}
	if len(counts) == 0 {
		return "none"
	}
	types := make([]graph.NodeType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}
		return types[i] < types[j]
	})
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%dx %s", counts[t], t))
	}
	return strings.Join(parts, ", ")
}

func embeddingText(g *graph.Graph) string {
	var b strings.Builder
	b.WriteString(g.Name)
	if g.Description != "" {
		b.WriteString(": ")
		b.WriteString(g.Description)
	}
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "\n%s %s", n.NodeType, n.Name)
	}
	return strings.TrimSpace(b.String())
}
