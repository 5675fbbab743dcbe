package codegen

import (
	"context"
	"errors"
	"fmt"

	"github.com/kubegram/kubegram/runtime/graph"
	"github.com/kubegram/kubegram/runtime/model"
	"github.com/kubegram/kubegram/runtime/workflow"
)

// getOrCreateGraph resolves the desired graph against the external store. A
// stored record becomes the delta baseline; an absent graph is created and the
// baseline stays empty so every desired node counts as needed.
func (w *Workflow) getOrCreateGraph(ctx context.Context, state *State, rc workflow.RunContext) (*State, error) {
	g := state.Graph
	if g.CompanyID == "" {
		g.CompanyID = rc.CompanyID
	}
	if g.UserID == "" {
		g.UserID = rc.UserID
	}

	if g.ID != "" {
		stored, err := w.store.Get(ctx, g.ID)
		switch {
		case err == nil:
			if stored.CompanyID != g.CompanyID || stored.UserID != g.UserID {
				return state, fmt.Errorf("graph %q belongs to another owner", g.ID)
			}
			state.DBGraph = stored
			return state, nil
		case !errors.Is(err, graph.ErrNotFound):
			return state, fmt.Errorf("load graph %q: %w", g.ID, err)
		}
	}

	id, err := w.store.Create(ctx, g)
	if err != nil {
		return state, fmt.Errorf("create graph: %w", err)
	}
	g.ID = id
	stored, err := w.store.Get(ctx, id)
	if err != nil {
		return state, fmt.Errorf("load created graph %q: %w", id, err)
	}
	state.DBGraph = stored
	state.GraphCreated = true
	return state, nil
}

// getPrompt computes the needed-node delta and produces one target message
// per needed node from the per-type generator table.
func (w *Workflow) getPrompt(_ context.Context, state *State, _ workflow.RunContext) (*State, error) {
	existing := state.DBGraph
	if state.GraphCreated {
		existing = nil
	}
	needed := graph.NeededInfrastructure(state.Graph, existing, graph.DeltaOptions{})
	state.TargetMessages = state.TargetMessages[:0]
	for _, n := range needed {
		state.TargetMessages = append(state.TargetMessages, TargetMessage{
			NodeID:   n.ID,
			NodeType: n.NodeType,
			Prompt:   nodePrompt(n),
			Priority: 1,
		})
	}
	return state, nil
}

// llmCall sanitizes the user context, fetches similarity context, builds the
// prompts, calls the model at temperature zero, and decodes the manifests
// with the repair pass for truncated JSON.
func (w *Workflow) llmCall(ctx context.Context, state *State, rc workflow.RunContext) (*State, error) {
	if len(state.TargetMessages) == 0 {
		// Nothing is missing from the stored graph. An empty result is a
		// completed run, not a failure.
		state.Generated = &GeneratedCodeGraph{
			GraphID:         state.DBGraph.ID,
			OriginalGraphID: state.Graph.ID,
			Namespace:       namespaceOf(state.Graph),
			Nodes:           []*GeneratedNode{},
		}
		return state, nil
	}

	state.SanitizedContext = w.sanitizeContext(ctx, state.UserContext)

	if w.retriever != nil {
		ragCtx, err := w.retriever.Context(ctx, state.Graph)
		if err != nil {
			return state, fmt.Errorf("fetch rag context: %w", err)
		}
		state.RAGContext = ragCtx
	}

	resp, err := w.model.Complete(ctx, model.Request{
		System:      buildSystemPrompt(state),
		Messages:    []model.Message{{Role: model.RoleUser, Content: buildUserPrompt(state)}},
		Temperature: generationTemperature,
		MaxTokens:   w.maxTokens,
	})
	if err != nil {
		return state, fmt.Errorf("generate manifests: %w", err)
	}

	manifests, err := decodeManifests(resp.Text)
	if err != nil {
		return state, fmt.Errorf("decode manifests: %w", err)
	}
	if len(manifests) == 0 {
		return state, errors.New("model returned no manifests")
	}

	state.Generated = &GeneratedCodeGraph{
		TotalFiles:      len(manifests),
		Namespace:       namespaceOf(state.Graph),
		GraphID:         state.DBGraph.ID,
		OriginalGraphID: state.Graph.ID,
		Nodes:           manifests,
	}
	return state, nil
}

// sanitizeContext strips personal data, injection attempts, and offensive
// content from the caller's freeform context through a short model call. Any
// failure, of the call or of the parse, falls back to the original context.
func (w *Workflow) sanitizeContext(ctx context.Context, items []string) []string {
	if len(items) == 0 {
		return nil
	}
	resp, err := w.model.Complete(ctx, model.Request{
		System:      sanitizeSystemPrompt,
		Messages:    []model.Message{{Role: model.RoleUser, Content: sanitizeUserPrompt(items)}},
		Temperature: generationTemperature,
	})
	if err != nil {
		w.logger.Warn(ctx, "context sanitization call failed, using original", "err", err.Error())
		return items
	}
	cleaned, ok := parseStringArray(resp.Text)
	if !ok {
		w.logger.Warn(ctx, "context sanitization returned no JSON array, using original")
		return items
	}
	return cleaned
}

// buildKubernetesGraph lifts the generated manifests into transient graph
// nodes, runs edge inference over them, and writes the inferred edges back
// onto the generated nodes.
func (w *Workflow) buildKubernetesGraph(_ context.Context, state *State, _ workflow.RunContext) (*State, error) {
	if state.Generated == nil || len(state.Generated.Nodes) == 0 {
		return state, nil
	}
	transient := w.transientGraph(state)
	graph.BuildGraphEdges(transient, graph.BuildOptions{CreateDefaultEdges: true})

	byID := make(map[string]*graph.Node, len(transient.Nodes))
	for _, n := range transient.Nodes {
		byID[n.ID] = n
	}
	for _, gn := range state.Generated.Nodes {
		if n, ok := byID[gn.EntityID]; ok {
			gn.Edges = n.Edges
		}
	}
	return state, nil
}

// validateConfigurations checks every manifest parses as YAML and runs the
// structural validator over the transient graph. Error findings finalize the
// run as failed through ShouldContinue and Failed.
func (w *Workflow) validateConfigurations(_ context.Context, state *State, _ workflow.RunContext) (*State, error) {
	state.Findings = state.Findings[:0]
	if state.Generated == nil {
		return state, nil
	}
	for _, gn := range state.Generated.Nodes {
		if err := wellFormedYAML(gn.GeneratedCode); err != nil {
			state.Findings = append(state.Findings, ValidationFinding{
				Severity: SeverityError,
				Message:  fmt.Sprintf("manifest %s: %v", gn.FileName, err),
			})
		}
	}
	if len(state.Generated.Nodes) > 0 {
		res := graph.Validate(w.transientGraph(state))
		for _, msg := range res.Errors {
			state.Findings = append(state.Findings, ValidationFinding{Severity: SeverityError, Message: msg})
		}
		for _, msg := range res.Warnings {
			state.Findings = append(state.Findings, ValidationFinding{Severity: SeverityWarning, Message: msg})
		}
	}
	if state.hasErrorFinding() {
		state.Error = "configuration validation failed: " + state.Findings[0].Message
	}
	return state, nil
}

// transientGraph builds the throwaway Kubernetes-level graph used for edge
// inference and validation. Node identity comes from the manifest provenance
// fields with their documented defaults already applied.
func (w *Workflow) transientGraph(state *State) *graph.Graph {
	nodes := make([]*graph.Node, 0, len(state.Generated.Nodes))
	for _, gn := range state.Generated.Nodes {
		nodes = append(nodes, &graph.Node{
			ID:        gn.EntityID,
			Name:      gn.EntityName,
			NodeType:  graph.NodeType(gn.EntityType),
			Namespace: state.Generated.Namespace,
			Edges:     append([]graph.Edge(nil), gn.Edges...),
		})
	}
	return &graph.Graph{
		Name:      state.Graph.Name,
		GraphType: graph.GraphTypeKubernetes,
		CompanyID: state.Graph.CompanyID,
		UserID:    state.Graph.UserID,
		Nodes:     nodes,
	}
}

// namespaceOf picks the namespace for generated manifests: the first node
// namespace present, or "default".
func namespaceOf(g *graph.Graph) string {
	for _, n := range g.Nodes {
		if n.Namespace != "" {
			return n.Namespace
		}
	}
	return "default"
}
