// Package codegen implements the code generation workflow: it turns an
// abstract deployment graph into validated Kubernetes manifests through five
// steps (getOrCreateGraph, getPrompt, llmCall, buildKubernetesGraph,
// validateConfigurations). Only the nodes missing from the stored graph are
// generated; the model output is parsed with a repair pass for truncated
// JSON, enriched with inferred edges, and structurally validated.
package codegen

import (
	"context"
	"errors"

	"github.com/kubegram/kubegram/runtime/graph"
	"github.com/kubegram/kubegram/runtime/model"
	"github.com/kubegram/kubegram/runtime/pubsub"
	"github.com/kubegram/kubegram/runtime/telemetry"
	"github.com/kubegram/kubegram/runtime/workflow"
)

// Name is the workflow name. It prefixes checkpoint keys and event channels.
const Name = "codegen"

// Steps, in default linear order.
const (
	StepGetOrCreateGraph       workflow.Step = "getOrCreateGraph"
	StepGetPrompt              workflow.Step = "getPrompt"
	StepLLMCall                workflow.Step = "llmCall"
	StepBuildKubernetesGraph   workflow.Step = "buildKubernetesGraph"
	StepValidateConfigurations workflow.Step = "validateConfigurations"
)

// Validation finding severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

const (
	// generationTemperature is zero: manifest generation must be
	// deterministic for the content-addressed result cache to make sense.
	generationTemperature = 0.0

	defaultMaxTokens  = 4000
	defaultMaxRetries = 2

	// maxStepHistory caps runs that keep cycling through retries.
	maxStepHistory = 10
)

type (
	// State is the checkpointed state of one code generation run.
	State struct {
		workflow.Header

		// Graph is the desired deployment graph as submitted.
		Graph *graph.Graph `json:"graph"`

		// DBGraph is the stored record the delta is computed against.
		DBGraph *graph.Graph `json:"dbGraph,omitempty"`

		// GraphCreated is true when the graph was absent from the store and
		// this run created it. The delta then treats the store as empty.
		GraphCreated bool `json:"graphCreated,omitempty"`

		// TargetMessages holds one prompt per node that needs generating.
		TargetMessages []TargetMessage `json:"targetMessages,omitempty"`

		// UserContext is the caller's freeform context, verbatim.
		UserContext []string `json:"userContext,omitempty"`

		// SanitizedContext is UserContext after the hygiene pass.
		SanitizedContext []string `json:"sanitizedContext,omitempty"`

		// RAGContext summarizes similar stored graphs for the prompt.
		RAGContext string `json:"ragContext,omitempty"`

		// Generated is the manifest set produced by the model.
		Generated *GeneratedCodeGraph `json:"generatedConfigurations,omitempty"`

		// Findings collects validation errors and warnings.
		Findings []ValidationFinding `json:"validationErrors,omitempty"`

		// IsRetry is set after a step failure so prompts can adjust tone.
		IsRetry bool `json:"isRetry,omitempty"`
	}

	// TargetMessage is the per-node generation request handed to the model.
	TargetMessage struct {
		NodeID   string         `json:"nodeId"`
		NodeType graph.NodeType `json:"nodeType"`
		Prompt   string         `json:"prompt"`
		Priority int            `json:"priority"`
	}

	// GeneratedNode is one generated manifest file with its provenance.
	GeneratedNode struct {
		FileName      string       `json:"file_name"`
		GeneratedCode string       `json:"generated_code"`
		Assumptions   []string     `json:"assumptions,omitempty"`
		Decisions     []string     `json:"decisions,omitempty"`
		Commands      []string     `json:"commands,omitempty"`
		EntityName    string       `json:"entity_name,omitempty"`
		EntityID      string       `json:"entity_id,omitempty"`
		EntityType    string       `json:"entity_type,omitempty"`
		Edges         []graph.Edge `json:"edges,omitempty"`
	}

	// GeneratedCodeGraph is the result of a code generation run.
	GeneratedCodeGraph struct {
		TotalFiles      int              `json:"totalFiles"`
		Namespace       string           `json:"namespace,omitempty"`
		GraphID         string           `json:"graphId,omitempty"`
		OriginalGraphID string           `json:"originalGraphId,omitempty"`
		Nodes           []*GeneratedNode `json:"nodes"`
	}

	// ValidationFinding is one validator or well-formedness finding.
	ValidationFinding struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
	}

	// ContextRetriever supplies similarity context for the system prompt.
	// Implemented by rag.Retriever.
	ContextRetriever interface {
		Context(ctx context.Context, g *graph.Graph) (string, error)
	}

	// Options configures the Workflow.
	Options struct {
		// Model generates manifests. Required.
		Model model.Client

		// Store is the external graph store. Required.
		Store graph.Store

		// Checkpointer persists run state. Required.
		Checkpointer workflow.Checkpointer[*State]

		// Bus carries lifecycle events. Required.
		Bus pubsub.Bus

		// Retriever adds similar-graph context to prompts. Optional.
		Retriever ContextRetriever

		// MaxRetries is the per-run retry budget. Defaults to 2.
		MaxRetries int

		// MaxTokens caps each generation call. Defaults to 4000.
		MaxTokens int

		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Workflow runs code generation executions.
	Workflow struct {
		engine     *workflow.Engine[*State]
		store      graph.Store
		model      model.Client
		retriever  ContextRetriever
		logger     telemetry.Logger
		maxRetries int
		maxTokens  int
	}
)

// New constructs a code generation Workflow.
func New(opts Options) (*Workflow, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("graph store is required")
	}
	if opts.Checkpointer == nil {
		return nil, errors.New("checkpointer is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	w := &Workflow{
		store:      opts.Store,
		model:      opts.Model,
		retriever:  opts.Retriever,
		logger:     logger,
		maxRetries: maxRetries,
		maxTokens:  maxTokens,
	}
	engine, err := workflow.New(workflow.Options[*State]{
		Definition:   w.definition(),
		Checkpointer: opts.Checkpointer,
		Bus:          opts.Bus,
		Logger:       logger,
		Metrics:      opts.Metrics,
		Tracer:       opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	w.engine = engine
	return w, nil
}

// definition declares the five codegen steps. Stepping stops on any
// severity-error finding, after the last step, or when the step history grows
// past the runaway ceiling; error findings finalize the run as failed. A step
// failure flags the state as a retry so prompts adjust.
func (w *Workflow) definition() workflow.Definition[*State] {
	return workflow.Definition[*State]{
		Name: Name,
		Steps: []workflow.Step{
			StepGetOrCreateGraph, StepGetPrompt, StepLLMCall,
			StepBuildKubernetesGraph, StepValidateConfigurations,
		},
		InitialStep:   StepGetOrCreateGraph,
		TerminalSteps: []workflow.Step{StepValidateConfigurations},
		Handlers: map[workflow.Step]workflow.Handler[*State]{
			StepGetOrCreateGraph:       w.getOrCreateGraph,
			StepGetPrompt:              w.getPrompt,
			StepLLMCall:                w.llmCall,
			StepBuildKubernetesGraph:   w.buildKubernetesGraph,
			StepValidateConfigurations: w.validateConfigurations,
		},
		ShouldContinue: func(st *State) bool {
			if st.hasErrorFinding() {
				return false
			}
			if st.CurrentStep == StepValidateConfigurations {
				return false
			}
			return len(st.StepHistory) < maxStepHistory
		},
		OnStepError: func(st *State, _ error) {
			st.IsRetry = true
		},
		Failed: func(st *State) bool {
			return st.hasErrorFinding()
		},
	}
}

// Execute runs code generation for a graph to a terminal status. The desired
// graph and the caller's freeform context seed the state; the returned state
// carries the generated manifests when the run completed.
func (w *Workflow) Execute(ctx context.Context, g *graph.Graph, rc workflow.RunContext) (*State, error) {
	if g == nil {
		return nil, errors.New("graph is required")
	}
	state := &State{Graph: g, UserContext: rc.UserContext}
	state.MaxRetries = w.maxRetries
	return w.engine.Execute(ctx, state, rc)
}

// Cancel requests cancellation of a run. It returns false when the run is
// unknown or already terminal.
func (w *Workflow) Cancel(ctx context.Context, thread string) (bool, error) {
	return w.engine.Cancel(ctx, thread)
}

// Status returns the checkpointed header for a run.
func (w *Workflow) Status(ctx context.Context, thread string) (*workflow.Header, bool, error) {
	return w.engine.Status(ctx, thread)
}

// Channel returns the event channel for a run.
func (w *Workflow) Channel(thread string) string {
	return w.engine.Channel(thread)
}

// hasErrorFinding reports whether any finding has error severity.
func (s *State) hasErrorFinding() bool {
	for _, f := range s.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}
