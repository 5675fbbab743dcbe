package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kubegram/kubegram/runtime/graph"
	"github.com/kubegram/kubegram/runtime/model"
	"github.com/kubegram/kubegram/runtime/workflow"
)

// analyzeRequest records the request as the opening user turn and seeds the
// plan context.
func (s *Service) analyzeRequest(_ context.Context, state *State, _ workflow.RunContext) (*State, error) {
	if state.Request == "" {
		return state, fmt.Errorf("deployment request is empty")
	}
	state.Messages = append(state.Messages, model.Message{Role: model.RoleUser, Content: state.Request})
	state.PlanContext = append(state.PlanContext, state.Request)
	return state, nil
}

// llmGraph is the JSON shape the model is instructed to emit.
type llmGraph struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       []llmNode `json:"nodes"`
}

type llmNode struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	NodeType string         `json:"nodeType"`
	Spec     map[string]any `json:"spec,omitempty"`
}

// generateGraph asks the model for a deployment graph and decodes the first
// JSON object of the response. Missing node ids are assigned, nodes get a
// creation timestamp and empty edges, and the graph is stamped MICROSERVICE.
func (s *Service) generateGraph(ctx context.Context, state *State, rc workflow.RunContext) (*State, error) {
	resp, err := s.model.Complete(ctx, model.Request{
		System:      planSystemPrompt,
		Messages:    state.Messages,
		Temperature: generationTemperature,
	})
	if err != nil {
		return state, fmt.Errorf("generate graph: %w", err)
	}
	state.Messages = append(state.Messages, model.Message{Role: model.RoleAssistant, Content: resp.Text})

	raw, ok := extractJSONObject(resp.Text)
	if !ok {
		return state, fmt.Errorf("generate graph: no JSON object in model response")
	}
	var doc llmGraph
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return state, fmt.Errorf("generate graph: decode model response: %w", err)
	}

	now := time.Now().UTC()
	nodes := make([]*graph.Node, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		id := n.ID
		if id == "" {
			id = uuid.NewString()
		}
		nodes = append(nodes, &graph.Node{
			ID:        id,
			Name:      n.Name,
			NodeType:  graph.NodeType(strings.ToUpper(strings.TrimSpace(n.NodeType))),
			Spec:      n.Spec,
			Edges:     []graph.Edge{},
			CreatedAt: now,
		})
	}
	name := doc.Name
	if name == "" {
		name = "deployment plan"
	}
	state.Graph = &graph.Graph{
		Name:        name,
		Description: doc.Description,
		GraphType:   graph.GraphTypeMicroservice,
		CompanyID:   rc.CompanyID,
		UserID:      rc.UserID,
		Nodes:       nodes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return state, nil
}

// validateGraph runs the structural validator. Error findings stop the run
// through the definition's ShouldContinue and Failed hooks; the header error
// carries the findings so status readers see why.
func (s *Service) validateGraph(_ context.Context, state *State, _ workflow.RunContext) (*State, error) {
	if state.Graph == nil {
		return state, fmt.Errorf("validate graph: no graph generated")
	}
	res := graph.Validate(state.Graph)
	state.Validation = &res
	if !res.IsValid {
		state.Error = "graph validation failed: " + strings.Join(res.Errors, "; ")
	}
	return state, nil
}

// saveGraph is the terminal step. Persisting the graph to the external store
// is the caller's concern; the step exists so runs finalize on a stable step
// name with the full state checkpointed.
func (s *Service) saveGraph(_ context.Context, state *State, _ workflow.RunContext) (*State, error) {
	return state, nil
}

// extractJSONObject returns the first balanced JSON object in s. The scan
// tracks string and escape state so braces inside values do not count.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
