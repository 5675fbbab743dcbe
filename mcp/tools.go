package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kubegram/kubegram/jobs"
	"github.com/kubegram/kubegram/runtime/graph"
	"github.com/kubegram/kubegram/workflows/plan"
)

type (
	// Tool is one entry of the tool catalogue. InputSchema is a JSON Schema
	// document; arguments are validated against it before the handler runs.
	Tool struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`

		handler  toolHandler
		compiled *jsonschema.Schema
	}

	// toolHandler executes one tool call. The connection supplies the default
	// workflow thread for calls that omit one.
	toolHandler func(ctx context.Context, args json.RawMessage, conn *Conn) (any, error)

	// ContextRetriever renders similarity context for a graph. Implemented by
	// rag.Retriever.
	ContextRetriever interface {
		Context(ctx context.Context, g *graph.Graph) (string, error)
	}

	// ToolsetOptions configures the tool catalogue.
	ToolsetOptions struct {
		// Jobs submits and tracks code generation jobs. Required.
		Jobs *jobs.Service

		// Plan runs planning workflows. Required.
		Plan *plan.Service

		// Graphs is the external graph store. Required.
		Graphs graph.Store

		// Retriever renders RAG context. Optional; without it the
		// get_rag_context tool reports an empty context.
		Retriever ContextRetriever
	}

	// Toolset is the fixed tool catalogue exposed over MCP.
	Toolset struct {
		tools  []*Tool
		byName map[string]*Tool
	}
)

// NewToolset builds and compiles the catalogue of sixteen tools.
func NewToolset(opts ToolsetOptions) (*Toolset, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Plan == nil {
		return nil, errors.New("plan service is required")
	}
	if opts.Graphs == nil {
		return nil, errors.New("graph store is required")
	}
	b := &toolsetBuilder{jobs: opts.Jobs, plan: opts.Plan, graphs: opts.Graphs, retriever: opts.Retriever}
	ts := &Toolset{byName: make(map[string]*Tool)}
	for _, tool := range b.tools() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tool.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", tool.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(tool.Name+".json", doc); err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", tool.Name, err)
		}
		tool.compiled, err = c.Compile(tool.Name + ".json")
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", tool.Name, err)
		}
		ts.tools = append(ts.tools, tool)
		ts.byName[tool.Name] = tool
	}
	return ts, nil
}

// List returns the catalogue in declaration order.
func (ts *Toolset) List() []*Tool { return ts.tools }

// Lookup returns the named tool.
func (ts *Toolset) Lookup(name string) (*Tool, bool) {
	tool, ok := ts.byName[name]
	return tool, ok
}

// validate checks arguments against the tool's input schema.
func (t *Tool) validate(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return t.compiled.Validate(payload)
}

type toolsetBuilder struct {
	jobs      *jobs.Service
	plan      *plan.Service
	graphs    graph.Store
	retriever ContextRetriever
}

func (b *toolsetBuilder) tools() []*Tool {
	return []*Tool{
		// Code generation.
		{
			Name:        "generate_manifests",
			Description: "Submit a deployment graph for Kubernetes manifest generation. Returns a job id to poll.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"graph": {"type": "object"},
					"disableCache": {"type": "boolean"},
					"userContext": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["graph"]
			}`),
			handler: b.generateManifests,
		},
		{
			Name:        "get_codegen_status",
			Description: "Report the status of a code generation job. Defaults to the connection's job.",
			InputSchema: jobIDSchema,
			handler:     b.codegenStatus,
		},
		{
			Name:        "cancel_codegen",
			Description: "Cancel a running code generation job at its next step boundary.",
			InputSchema: jobIDSchema,
			handler:     b.cancelCodegen,
		},
		{
			Name:        "validate_graph",
			Description: "Structurally validate a deployment graph without generating anything.",
			InputSchema: graphSchema,
			handler:     b.validateGraph,
		},
		{
			Name:        "get_manifests",
			Description: "Fetch the generated manifests of a job, waiting up to timeoutMs for completion.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"jobId": {"type": "string"},
					"timeoutMs": {"type": "integer", "minimum": 0}
				}
			}`),
			handler: b.getManifests,
		},

		// Planning.
		{
			Name:        "create_plan",
			Description: "Start a planning run that turns a deployment request into an abstract graph.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"request": {"type": "string", "minLength": 1},
					"companyId": {"type": "string", "minLength": 1},
					"userId": {"type": "string", "minLength": 1},
					"userContext": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["request", "companyId", "userId"]
			}`),
			handler: b.createPlan,
		},
		{
			Name:        "get_plan_status",
			Description: "Report the status of a planning run. Defaults to the connection's thread.",
			InputSchema: threadIDSchema,
			handler:     b.planStatus,
		},
		{
			Name:        "cancel_plan",
			Description: "Cancel a running planning run at its next step boundary.",
			InputSchema: threadIDSchema,
			handler:     b.cancelPlan,
		},
		{
			Name:        "analyze_request",
			Description: "Break a deployment request into structured requirements without starting a run.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"request": {"type": "string", "minLength": 1},
					"userContext": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["request"]
			}`),
			handler: b.analyzeRequest,
		},
		{
			Name:        "get_plan_graph",
			Description: "Fetch the graph generated by a planning run.",
			InputSchema: threadIDSchema,
			handler:     b.planGraph,
		},

		// Graphs.
		{
			Name:        "query_graphs",
			Description: "List stored graphs filtered by company, user, type, and name.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"companyId": {"type": "string"},
					"userId": {"type": "string"},
					"graphType": {"type": "string"},
					"name": {"type": "string"},
					"limit": {"type": "integer", "minimum": 1}
				}
			}`),
			handler: b.queryGraphs,
		},
		{
			Name:        "get_graph",
			Description: "Fetch one stored graph by id.",
			InputSchema: graphIDSchema,
			handler:     b.getGraph,
		},
		{
			Name:        "create_graph",
			Description: "Store a new graph. Returns the assigned id.",
			InputSchema: graphSchema,
			handler:     b.createGraph,
		},
		{
			Name:        "update_graph",
			Description: "Replace a stored graph. The graph must carry its id.",
			InputSchema: graphSchema,
			handler:     b.updateGraph,
		},
		{
			Name:        "delete_graph",
			Description: "Delete a stored graph by id.",
			InputSchema: graphIDSchema,
			handler:     b.deleteGraph,
		},
		{
			Name:        "get_rag_context",
			Description: "Render the similarity context that code generation would inject for a graph.",
			InputSchema: graphSchema,
			handler:     b.ragContext,
		},
	}
}

var (
	jobIDSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"jobId": {"type": "string"}}
	}`)
	threadIDSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"threadId": {"type": "string"}}
	}`)
	graphIDSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"id": {"type": "string", "minLength": 1}},
		"required": ["id"]
	}`)
	graphSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"graph": {"type": "object"}},
		"required": ["graph"]
	}`)
)

func (b *toolsetBuilder) generateManifests(ctx context.Context, args json.RawMessage, _ *Conn) (any, error) {
	var in struct {
		Graph        *graph.Graph `json:"graph"`
		DisableCache bool         `json:"disableCache"`
		UserContext  []string     `json:"userContext"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return b.jobs.Submit(ctx, in.Graph, jobs.SubmitOptions{DisableCache: in.DisableCache}, in.UserContext)
}

func (b *toolsetBuilder) codegenStatus(ctx context.Context, args json.RawMessage, conn *Conn) (any, error) {
	jobID, err := stringArg(args, "jobId", conn.Thread)
	if err != nil {
		return nil, err
	}
	st, ok, err := b.jobs.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("job %q not found", jobID)
	}
	return st, nil
}

func (b *toolsetBuilder) cancelCodegen(ctx context.Context, args json.RawMessage, conn *Conn) (any, error) {
	jobID, err := stringArg(args, "jobId", conn.Thread)
	if err != nil {
		return nil, err
	}
	cancelled, err := b.jobs.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobId": jobID, "cancelled": cancelled}, nil
}

func (b *toolsetBuilder) validateGraph(_ context.Context, args json.RawMessage, _ *Conn) (any, error) {
	g, err := graphArg(args)
	if err != nil {
		return nil, err
	}
	return graph.Validate(g), nil
}

func (b *toolsetBuilder) getManifests(ctx context.Context, args json.RawMessage, conn *Conn) (any, error) {
	var in struct {
		JobID     string `json:"jobId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if in.JobID == "" {
		in.JobID = conn.Thread
	}
	result, ok, err := b.jobs.GeneratedCode(ctx, in.JobID, time.Duration(in.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no result for job %q", in.JobID)
	}
	return result, nil
}

func (b *toolsetBuilder) createPlan(ctx context.Context, args json.RawMessage, _ *Conn) (any, error) {
	var in struct {
		Request     string   `json:"request"`
		CompanyID   string   `json:"companyId"`
		UserID      string   `json:"userId"`
		UserContext []string `json:"userContext"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return b.plan.Create(ctx, plan.CreateRequest{
		Request:     in.Request,
		CompanyID:   in.CompanyID,
		UserID:      in.UserID,
		UserContext: in.UserContext,
	})
}

func (b *toolsetBuilder) planStatus(ctx context.Context, args json.RawMessage, conn *Conn) (any, error) {
	thread, err := stringArg(args, "threadId", conn.Thread)
	if err != nil {
		return nil, err
	}
	h, ok, err := b.plan.Status(ctx, thread)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("plan %q not found", thread)
	}
	return h, nil
}

func (b *toolsetBuilder) cancelPlan(ctx context.Context, args json.RawMessage, conn *Conn) (any, error) {
	thread, err := stringArg(args, "threadId", conn.Thread)
	if err != nil {
		return nil, err
	}
	cancelled, err := b.plan.Cancel(ctx, thread)
	if err != nil {
		return nil, err
	}
	return map[string]any{"threadId": thread, "cancelled": cancelled}, nil
}

func (b *toolsetBuilder) analyzeRequest(ctx context.Context, args json.RawMessage, _ *Conn) (any, error) {
	var in struct {
		Request     string   `json:"request"`
		UserContext []string `json:"userContext"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	analysis, err := b.plan.Analyze(ctx, in.Request, in.UserContext)
	if err != nil {
		return nil, err
	}
	return map[string]any{"analysis": analysis}, nil
}

func (b *toolsetBuilder) planGraph(ctx context.Context, args json.RawMessage, conn *Conn) (any, error) {
	thread, err := stringArg(args, "threadId", conn.Thread)
	if err != nil {
		return nil, err
	}
	g, ok, err := b.plan.Graph(ctx, thread)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("plan %q has no graph", thread)
	}
	return g, nil
}

func (b *toolsetBuilder) queryGraphs(ctx context.Context, args json.RawMessage, _ *Conn) (any, error) {
	var in struct {
		CompanyID string `json:"companyId"`
		UserID    string `json:"userId"`
		GraphType string `json:"graphType"`
		Name      string `json:"name"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	graphs, err := b.graphs.Query(ctx, graph.Query{
		CompanyID: in.CompanyID,
		UserID:    in.UserID,
		GraphType: graph.GraphType(in.GraphType),
		Name:      in.Name,
		Limit:     in.Limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"graphs": graphs, "count": len(graphs)}, nil
}

func (b *toolsetBuilder) getGraph(ctx context.Context, args json.RawMessage, _ *Conn) (any, error) {
	id, err := stringArg(args, "id", "")
	if err != nil {
		return nil, err
	}
	return b.graphs.Get(ctx, id)
}

func (b *toolsetBuilder) createGraph(ctx context.Context, args json.RawMessage, _ *Conn) (any, error) {
	g, err := graphArg(args)
	if err != nil {
		return nil, err
	}
	if v := graph.Validate(g); !v.IsValid {
		return nil, fmt.Errorf("graph validation failed: %s", v.Errors[0])
	}
	id, err := b.graphs.Create(ctx, g)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (b *toolsetBuilder) updateGraph(ctx context.Context, args json.RawMessage, _ *Conn) (any, error) {
	g, err := graphArg(args)
	if err != nil {
		return nil, err
	}
	if g.ID == "" {
		return nil, errors.New("graph id is required")
	}
	if err := b.graphs.Update(ctx, g); err != nil {
		return nil, err
	}
	return map[string]any{"id": g.ID, "updated": true}, nil
}

func (b *toolsetBuilder) deleteGraph(ctx context.Context, args json.RawMessage, _ *Conn) (any, error) {
	id, err := stringArg(args, "id", "")
	if err != nil {
		return nil, err
	}
	if err := b.graphs.Delete(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "deleted": true}, nil
}

func (b *toolsetBuilder) ragContext(ctx context.Context, args json.RawMessage, _ *Conn) (any, error) {
	g, err := graphArg(args)
	if err != nil {
		return nil, err
	}
	if b.retriever == nil {
		return map[string]any{"context": ""}, nil
	}
	ragCtx, err := b.retriever.Context(ctx, g)
	if err != nil {
		return nil, err
	}
	return map[string]any{"context": ragCtx}, nil
}

// stringArg extracts one string field from the arguments, falling back to a
// default and rejecting an empty result.
func stringArg(args json.RawMessage, field, fallback string) (string, error) {
	var in map[string]json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
	}
	value := fallback
	if raw, ok := in[field]; ok {
		if err := json.Unmarshal(raw, &value); err != nil {
			return "", fmt.Errorf("decode %q: %w", field, err)
		}
	}
	if value == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return value, nil
}

// graphArg extracts the graph object from the arguments.
func graphArg(args json.RawMessage) (*graph.Graph, error) {
	var in struct {
		Graph *graph.Graph `json:"graph"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if in.Graph == nil {
		return nil, errors.New("graph is required")
	}
	return in.Graph, nil
}
