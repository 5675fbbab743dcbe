// Package plan implements the planning workflow: it turns a natural-language
// deployment request into a validated abstract deployment graph through four
// steps (analyzeRequest, generateGraph, validateGraph, saveGraph). Service
// wraps the engine with create, status, cancel, analyze, and graph lookup.
package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kubegram/kubegram/runtime/graph"
	"github.com/kubegram/kubegram/runtime/model"
	"github.com/kubegram/kubegram/runtime/pubsub"
	"github.com/kubegram/kubegram/runtime/telemetry"
	"github.com/kubegram/kubegram/runtime/workflow"
)

// Name is the workflow name. It prefixes checkpoint keys and event channels.
const Name = "plan"

// Steps, in default linear order.
const (
	StepAnalyzeRequest workflow.Step = "analyzeRequest"
	StepGenerateGraph  workflow.Step = "generateGraph"
	StepValidateGraph  workflow.Step = "validateGraph"
	StepSaveGraph      workflow.Step = "saveGraph"
)

const (
	// generationTemperature keeps graph generation close to deterministic
	// while leaving room for naming variety.
	generationTemperature = 0.1

	defaultMaxRetries = 2
)

type (
	// State is the checkpointed state of one planning run.
	State struct {
		workflow.Header

		// Request is the natural-language deployment request.
		Request string `json:"request"`

		// Messages is the conversation with the model, grown per step.
		Messages []model.Message `json:"messages,omitempty"`

		// PlanContext collects the textual context the planner works from.
		PlanContext []string `json:"planContext,omitempty"`

		// Graph is the generated deployment graph.
		Graph *graph.Graph `json:"graph,omitempty"`

		// Validation holds the structural validation findings.
		Validation *graph.ValidationResult `json:"validation,omitempty"`
	}

	// Options configures the Service.
	Options struct {
		// Model generates deployment graphs. Required.
		Model model.Client

		// Checkpointer persists run state. Required.
		Checkpointer workflow.Checkpointer[*State]

		// Bus carries lifecycle events. Required.
		Bus pubsub.Bus

		// MaxRetries is the per-run retry budget. Defaults to 2.
		MaxRetries int

		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Service runs planning workflows.
	Service struct {
		engine     *workflow.Engine[*State]
		ckpt       workflow.Checkpointer[*State]
		model      model.Client
		logger     telemetry.Logger
		maxRetries int
	}

	// CreateRequest starts a planning run.
	CreateRequest struct {
		// Request is the deployment request text. Required.
		Request string

		// CompanyID and UserID scope the generated graph. Required.
		CompanyID string
		UserID    string

		// UserContext is optional freeform context supplied by the caller.
		UserContext []string

		// ThreadID overrides the generated thread id.
		ThreadID string
	}

	// CreateResult reports the accepted run.
	CreateResult struct {
		ThreadID string          `json:"threadId"`
		Status   workflow.Status `json:"status"`
	}
)

// New constructs a planning Service.
func New(opts Options) (*Service, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
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
	s := &Service{
		ckpt:       opts.Checkpointer,
		model:      opts.Model,
		logger:     logger,
		maxRetries: maxRetries,
	}
	engine, err := workflow.New(workflow.Options[*State]{
		Definition:   s.definition(),
		Checkpointer: opts.Checkpointer,
		Bus:          opts.Bus,
		Logger:       logger,
		Metrics:      opts.Metrics,
		Tracer:       opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// definition declares the four plan steps. Validation findings of error
// severity stop the run and finalize it as failed.
func (s *Service) definition() workflow.Definition[*State] {
	return workflow.Definition[*State]{
		Name:          Name,
		Steps:         []workflow.Step{StepAnalyzeRequest, StepGenerateGraph, StepValidateGraph, StepSaveGraph},
		InitialStep:   StepAnalyzeRequest,
		TerminalSteps: []workflow.Step{StepSaveGraph},
		Handlers: map[workflow.Step]workflow.Handler[*State]{
			StepAnalyzeRequest: s.analyzeRequest,
			StepGenerateGraph:  s.generateGraph,
			StepValidateGraph:  s.validateGraph,
			StepSaveGraph:      s.saveGraph,
		},
		ShouldContinue: func(st *State) bool {
			return st.Validation == nil || st.Validation.IsValid
		},
		Failed: func(st *State) bool {
			return st.Validation != nil && !st.Validation.IsValid
		},
	}
}

// Create starts a planning run in a detached goroutine and returns its thread
// id immediately. Progress is observable through Status and the event channel.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Request == "" {
		return nil, errors.New("request text is required")
	}
	if req.CompanyID == "" || req.UserID == "" {
		return nil, errors.New("company id and user id are required")
	}
	thread := req.ThreadID
	if thread == "" {
		thread = uuid.NewString()
	}
	state := &State{Request: req.Request}
	state.Status = workflow.StatusPending
	state.MaxRetries = s.maxRetries
	rc := workflow.RunContext{
		ThreadID:    thread,
		UserID:      req.UserID,
		CompanyID:   req.CompanyID,
		UserContext: req.UserContext,
	}
	if err := s.ckpt.Save(ctx, thread, state); err != nil {
		return nil, fmt.Errorf("checkpoint pending state: %w", err)
	}
	go func() {
		// The run outlives the submitting request.
		ctx := context.WithoutCancel(ctx)
		if _, err := s.engine.Execute(ctx, state, rc); err != nil && !errors.Is(err, workflow.ErrCancelled) {
			s.logger.Warn(ctx, "plan run failed", "thread", thread, "err", err.Error())
		}
	}()
	return &CreateResult{ThreadID: thread, Status: workflow.StatusPending}, nil
}

// Status returns the checkpointed header for a run.
func (s *Service) Status(ctx context.Context, thread string) (*workflow.Header, bool, error) {
	return s.engine.Status(ctx, thread)
}

// Cancel requests cancellation of a run. It returns false when the run is
// unknown or already terminal.
func (s *Service) Cancel(ctx context.Context, thread string) (bool, error) {
	return s.engine.Cancel(ctx, thread)
}

// Graph returns the generated graph for a run, with false when the run is
// unknown or has not generated a graph yet.
func (s *Service) Graph(ctx context.Context, thread string) (*graph.Graph, bool, error) {
	state, ok, err := s.ckpt.Load(ctx, thread)
	if err != nil || !ok {
		return nil, false, err
	}
	if state.Graph == nil {
		return nil, false, nil
	}
	return state.Graph, true, nil
}

// Analyze runs the request analysis alone: one model call that breaks the
// request into requirements without starting a workflow.
func (s *Service) Analyze(ctx context.Context, request string, userContext []string) (string, error) {
	if request == "" {
		return "", errors.New("request text is required")
	}
	resp, err := s.model.Complete(ctx, model.Request{
		System:      analyzeSystemPrompt,
		Messages:    []model.Message{{Role: model.RoleUser, Content: analyzeUserPrompt(request, userContext)}},
		Temperature: generationTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("analyze request: %w", err)
	}
	return resp.Text, nil
}

// Channel returns the event channel for a run.
func (s *Service) Channel(thread string) string {
	return s.engine.Channel(thread)
}
