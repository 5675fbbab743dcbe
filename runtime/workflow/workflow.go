// Package workflow implements the step-based asynchronous state machine the
// plan and codegen pipelines run on. A workflow declares its steps, a handler
// per step, an initial step, and terminal steps; the engine checkpoints state
// before every handler invocation, retries a failing step in place, publishes
// lifecycle events, and honors cancellation at step boundaries.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Step identifies one unit of workflow progress. Each concrete workflow
// declares a closed set of steps.
type Step string

// Status is the lifecycle status of a workflow execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one of completed, failed, or
// cancelled. Terminal statuses never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrCancelled is returned by Execute when the execution was cancelled,
// either through Cancel or through context cancellation observed at a step
// boundary.
var ErrCancelled = errors.New("workflow: cancelled")

type (
	// Header is the common state header every workflow state carries. The
	// engine owns its fields; handlers read them. The one exception is Error,
	// which a handler may set when it fails the run through the definition's
	// Failed predicate instead of returning an error.
	Header struct {
		CurrentStep Step       `json:"currentStep"`
		StepHistory []Step     `json:"stepHistory"`
		Status      Status     `json:"status"`
		RetryCount  int        `json:"retryCount"`
		MaxRetries  int        `json:"maxRetries"`
		StartTime   time.Time  `json:"startTime"`
		EndTime     *time.Time `json:"endTime,omitempty"`
		DurationMs  *int64     `json:"durationMs,omitempty"`
		Error       string     `json:"error,omitempty"`
	}

	// State is implemented by workflow state types. Embedding a Header is
	// enough: the accessor is defined on *Header and promoted to the
	// embedding struct, while the header fields inline into the state JSON.
	State interface {
		WorkflowHeader() *Header
	}

	// RunContext identifies one execution and its caller. ThreadID is the
	// persistent identity of the execution and keys every checkpoint record.
	RunContext struct {
		ThreadID    string
		JobID       string
		UserID      string
		CompanyID   string
		UserContext []string
	}

	// Handler advances the state by one step. Handlers receive the engine
	// context and should honor its cancellation for long external calls.
	Handler[S State] func(ctx context.Context, state S, rc RunContext) (S, error)

	// Definition declares a concrete workflow. Name doubles as the
	// checkpoint key prefix and the event channel prefix.
	Definition[S State] struct {
		Name          string
		Steps         []Step
		Handlers      map[Step]Handler[S]
		InitialStep   Step
		TerminalSteps []Step

		// ShouldContinue decides whether to keep stepping after a successful
		// handler. Defaults to always true; concrete workflows override it
		// to stop on validation errors or runaway histories.
		ShouldContinue func(S) bool

		// NextStep overrides the default linear transition over Steps.
		NextStep func(state S, current Step) (Step, bool)

		// OnStepError records a handler failure on the state. The default
		// stores the error message in the header.
		OnStepError func(S, error)

		// Failed decides the terminal status when stepping stops without a
		// handler error. When it reports true the execution finalizes as
		// failed instead of completed.
		Failed func(S) bool
	}
)

// WorkflowHeader returns the header itself. Defined on *Header so any state
// struct that embeds Header implements State through promotion.
func (h *Header) WorkflowHeader() *Header { return h }

// Validate checks the definition is complete: a name, at least one step, a
// handler for every step, and an initial step that is one of the steps.
func (d *Definition[S]) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("workflow steps are required")
	}
	if d.InitialStep == "" {
		return errors.New("initial step is required")
	}
	found := false
	for _, step := range d.Steps {
		if d.Handlers[step] == nil {
			return fmt.Errorf("step %q has no handler", step)
		}
		if step == d.InitialStep {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("initial step %q is not declared", d.InitialStep)
	}
	return nil
}

// next returns the step after current, consulting the override when set and
// falling back to linear order over Steps.
func (d *Definition[S]) next(state S, current Step) (Step, bool) {
	if d.NextStep != nil {
		return d.NextStep(state, current)
	}
	for i, step := range d.Steps {
		if step == current && i+1 < len(d.Steps) {
			return d.Steps[i+1], true
		}
	}
	return "", false
}

// terminal reports whether step is one of the declared terminal steps.
func (d *Definition[S]) terminal(step Step) bool {
	for _, t := range d.TerminalSteps {
		if t == step {
			return true
		}
	}
	return false
}

// shouldContinue applies the override when set.
func (d *Definition[S]) shouldContinue(state S) bool {
	if d.ShouldContinue == nil {
		return true
	}
	return d.ShouldContinue(state)
}

// onStepError applies the override when set, then always records the error
// message on the header.
func (d *Definition[S]) onStepError(state S, err error) {
	if d.OnStepError != nil {
		d.OnStepError(state, err)
	}
	state.WorkflowHeader().Error = err.Error()
}

// failed applies the override when set.
func (d *Definition[S]) failed(state S) bool {
	return d.Failed != nil && d.Failed(state)
}
