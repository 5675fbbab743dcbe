package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubegram/kubegram/runtime/pubsub"
	"github.com/kubegram/kubegram/runtime/telemetry"
)

type (
	// Options configures an Engine.
	Options[S State] struct {
		// Definition declares the workflow. Required and validated.
		Definition Definition[S]

		// Checkpointer persists state between steps. Required.
		Checkpointer Checkpointer[S]

		// Bus carries lifecycle events. Required.
		Bus pubsub.Bus

		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Engine executes a workflow definition: it checkpoints before every
	// handler, retries a failing step in place while retry budget remains,
	// publishes lifecycle events on "<name>:<thread>", and observes
	// cancellation at step boundaries. One Engine serves many concurrent
	// executions; each execution runs in its caller's goroutine.
	Engine[S State] struct {
		def     Definition[S]
		ckpt    Checkpointer[S]
		events  *pubsub.Topic[Event]
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}
)

// New constructs an Engine from the provided options.
func New[S State](opts Options[S]) (*Engine[S], error) {
	if err := opts.Definition.Validate(); err != nil {
		return nil, fmt.Errorf("workflow definition: %w", err)
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
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Engine[S]{
		def:     opts.Definition,
		ckpt:    opts.Checkpointer,
		events:  pubsub.NewTopic[Event](opts.Bus, pubsub.TopicOptions[Event]{Logger: logger}),
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// Name returns the workflow name.
func (e *Engine[S]) Name() string { return e.def.Name }

// Channel returns the event channel for a thread.
func (e *Engine[S]) Channel(thread string) string {
	return Channel(e.def.Name, thread)
}

// Execute runs the workflow to a terminal status. It returns the final state
// together with the handler error that exhausted the retry budget, or
// ErrCancelled when the execution was cancelled at a step boundary.
func (e *Engine[S]) Execute(ctx context.Context, state S, rc RunContext) (S, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute")
	defer span.End()

	h := state.WorkflowHeader()
	if h.CurrentStep == "" {
		h.CurrentStep = e.def.InitialStep
	}
	if h.StartTime.IsZero() {
		h.StartTime = time.Now()
	}
	h.Status = StatusRunning

	if err := e.ckpt.Save(ctx, rc.ThreadID, state); err != nil {
		return state, fmt.Errorf("checkpoint initial state: %w", err)
	}
	e.publish(ctx, rc, Event{Type: EventStarted, Step: h.CurrentStep, Status: StatusRunning})
	e.logger.Info(ctx, "workflow started", "workflow", e.def.Name, "thread", rc.ThreadID, "step", string(h.CurrentStep))

	for {
		if done, err := e.checkBoundary(ctx, state, rc); done {
			return state, err
		}

		if err := e.ckpt.Save(ctx, rc.ThreadID, state); err != nil {
			return e.finalizeError(ctx, state, rc, fmt.Errorf("checkpoint step %q: %w", h.CurrentStep, err))
		}

		handler := e.def.Handlers[h.CurrentStep]
		started := time.Now()
		next, err := handler(ctx, state, rc)
		e.metrics.RecordTimer("workflow_step_duration", time.Since(started),
			"workflow", e.def.Name, "step", string(h.CurrentStep))

		if err != nil {
			e.def.onStepError(state, err)
			e.metrics.IncCounter("workflow_step_errors", 1, "workflow", e.def.Name, "step", string(h.CurrentStep))
			e.publish(ctx, rc, Event{Type: EventStepFailed, Step: h.CurrentStep, Status: StatusRunning, Error: err.Error()})
			e.logger.Warn(ctx, "workflow step failed", "workflow", e.def.Name, "thread", rc.ThreadID,
				"step", string(h.CurrentStep), "retry", h.RetryCount, "err", err.Error())

			if h.RetryCount < h.MaxRetries {
				h.RetryCount++
				continue // retry the same step
			}
			return e.finalizeError(ctx, state, rc, err)
		}

		state = next
		h = state.WorkflowHeader()

		stop := !e.def.shouldContinue(state) || e.def.terminal(h.CurrentStep)
		var nextStep Step
		if !stop {
			var ok bool
			nextStep, ok = e.def.next(state, h.CurrentStep)
			if !ok {
				stop = true
			}
		}
		h.StepHistory = append(h.StepHistory, h.CurrentStep)

		if stop {
			return e.finalizeStopped(ctx, state, rc)
		}
		h.CurrentStep = nextStep
		h.Status = StatusRunning
	}
}

// Cancel marks a thread cancelled and publishes the cancelled event. It
// returns false when the thread is unknown or already terminal. A step in
// flight is not interrupted; the executor observes the cancellation at the
// next step boundary.
func (e *Engine[S]) Cancel(ctx context.Context, thread string) (bool, error) {
	h, ok, err := e.ckpt.GetStatus(ctx, thread)
	if err != nil {
		return false, fmt.Errorf("load status: %w", err)
	}
	if !ok || h.Status.Terminal() {
		return false, nil
	}
	err = e.ckpt.UpdateStatus(ctx, thread, StatusCancelled, h.CurrentStep, "workflow cancelled by user")
	if errors.Is(err, ErrAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	e.publish(ctx, RunContext{ThreadID: thread}, Event{
		Type:   EventCancelled,
		Step:   h.CurrentStep,
		Status: StatusCancelled,
		Error:  "workflow cancelled by user",
	})
	e.metrics.IncCounter("workflow_executions", 1, "workflow", e.def.Name, "outcome", string(StatusCancelled))
	return true, nil
}

// Status returns the checkpointed header for a thread.
func (e *Engine[S]) Status(ctx context.Context, thread string) (*Header, bool, error) {
	return e.ckpt.GetStatus(ctx, thread)
}

// checkBoundary observes cancellation between steps. Context cancellation
// finalizes the thread as cancelled here; an external Cancel already wrote
// and published the terminal record, so the executor stops silently.
func (e *Engine[S]) checkBoundary(ctx context.Context, state S, rc RunContext) (bool, error) {
	h := state.WorkflowHeader()
	if ctx.Err() != nil {
		// The save and publish below must outlive the cancelled context.
		ctx := context.WithoutCancel(ctx)
		h.Status = StatusCancelled
		h.Error = "workflow cancelled"
		e.stamp(h)
		if err := e.ckpt.Save(ctx, rc.ThreadID, state); err != nil {
			e.logger.Warn(ctx, "checkpoint cancelled state failed", "thread", rc.ThreadID, "err", err.Error())
		}
		e.publish(ctx, rc, Event{Type: EventCancelled, Step: h.CurrentStep, Status: StatusCancelled, Error: h.Error})
		e.metrics.IncCounter("workflow_executions", 1, "workflow", e.def.Name, "outcome", string(StatusCancelled))
		return true, ErrCancelled
	}
	persisted, ok, err := e.ckpt.GetStatus(ctx, rc.ThreadID)
	if err != nil {
		e.logger.Warn(ctx, "boundary status read failed", "thread", rc.ThreadID, "err", err.Error())
		return false, nil
	}
	if ok && persisted.Status.Terminal() {
		h.Status = persisted.Status
		h.Error = persisted.Error
		if persisted.Status == StatusCancelled {
			return true, ErrCancelled
		}
		return true, nil
	}
	return false, nil
}

// finalizeStopped ends an execution whose stepping stopped without a handler
// error. The terminal status is failed when the definition reports the state
// failed, completed otherwise. A cancellation that raced in during the final
// step wins: the cancelled record stays and no second terminal event fires.
func (e *Engine[S]) finalizeStopped(ctx context.Context, state S, rc RunContext) (S, error) {
	h := state.WorkflowHeader()
	if e.adoptCancellation(ctx, state, rc) {
		return state, ErrCancelled
	}
	status, event := StatusCompleted, EventCompleted
	if e.def.failed(state) {
		status, event = StatusFailed, EventFailed
	}
	h.Status = status
	e.stamp(h)
	if err := e.ckpt.Save(ctx, rc.ThreadID, state); err != nil {
		return state, fmt.Errorf("checkpoint final state: %w", err)
	}
	evtErr := ""
	if status == StatusFailed {
		evtErr = h.Error
	}
	e.publish(ctx, rc, Event{Type: event, Step: h.CurrentStep, Status: status, Error: evtErr})
	e.metrics.IncCounter("workflow_executions", 1, "workflow", e.def.Name, "outcome", string(status))
	e.logger.Info(ctx, "workflow finished", "workflow", e.def.Name, "thread", rc.ThreadID, "status", string(status))
	if status == StatusFailed {
		if h.Error != "" {
			return state, errors.New(h.Error)
		}
		return state, errors.New("workflow failed")
	}
	return state, nil
}

// finalizeError ends an execution after a handler exhausted its retries or an
// infrastructure write failed.
func (e *Engine[S]) finalizeError(ctx context.Context, state S, rc RunContext, cause error) (S, error) {
	h := state.WorkflowHeader()
	if e.adoptCancellation(ctx, state, rc) {
		return state, ErrCancelled
	}
	h.Status = StatusFailed
	h.Error = cause.Error()
	e.stamp(h)
	if err := e.ckpt.Save(ctx, rc.ThreadID, state); err != nil {
		e.logger.Warn(ctx, "checkpoint failed state failed", "thread", rc.ThreadID, "err", err.Error())
	}
	e.publish(ctx, rc, Event{Type: EventFailed, Step: h.CurrentStep, Status: StatusFailed, Error: cause.Error()})
	e.metrics.IncCounter("workflow_executions", 1, "workflow", e.def.Name, "outcome", string(StatusFailed))
	e.logger.Error(ctx, "workflow failed", "workflow", e.def.Name, "thread", rc.ThreadID, "err", cause.Error())
	return state, cause
}

// adoptCancellation reports whether an external Cancel already wrote the
// terminal record for this thread. The state adopts the persisted status so
// callers see the cancellation; the cancelled event was published by Cancel.
func (e *Engine[S]) adoptCancellation(ctx context.Context, state S, rc RunContext) bool {
	persisted, ok, err := e.ckpt.GetStatus(ctx, rc.ThreadID)
	if err != nil || !ok || persisted.Status != StatusCancelled {
		return false
	}
	h := state.WorkflowHeader()
	h.Status = StatusCancelled
	h.Error = persisted.Error
	return true
}

// stamp sets EndTime and DurationMs exactly once.
func (e *Engine[S]) stamp(h *Header) {
	if h.EndTime != nil {
		return
	}
	now := time.Now()
	h.EndTime = &now
	ms := now.Sub(h.StartTime).Milliseconds()
	h.DurationMs = &ms
}

// publish sends a lifecycle event, logging and swallowing failures: event
// delivery is best-effort and never fails an execution.
func (e *Engine[S]) publish(ctx context.Context, rc RunContext, evt Event) {
	evt.ThreadID = rc.ThreadID
	evt.JobID = rc.JobID
	evt.Timestamp = time.Now()
	if err := e.events.Publish(ctx, e.Channel(rc.ThreadID), evt); err != nil {
		e.logger.Warn(ctx, "publish workflow event failed", "thread", rc.ThreadID, "type", evt.Type, "err", err.Error())
	}
}
