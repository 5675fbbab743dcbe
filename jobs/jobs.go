// Package jobs turns code generation runs into external-facing background
// jobs. The service validates the submitted graph, short-circuits on the
// content-addressed result cache, executes the workflow in a detached
// goroutine, mirrors job status and results into the write-through cache, and
// delivers results to waiters over the pub/sub bus.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubegram/kubegram/runtime/cache"
	"github.com/kubegram/kubegram/runtime/graph"
	"github.com/kubegram/kubegram/runtime/pubsub"
	"github.com/kubegram/kubegram/runtime/telemetry"
	"github.com/kubegram/kubegram/runtime/workflow"
	"github.com/kubegram/kubegram/workflows/codegen"
)

// EventSubmitted is published on the job channel before execution starts. The
// remaining lifecycle types are the workflow event constants.
const EventSubmitted = "submitted"

// StepQueued is the step reported for a job that has been accepted but whose
// workflow has not checkpointed yet.
const StepQueued workflow.Step = "queued"

const (
	defaultTimeout = 5 * time.Minute

	// cacheTTL bounds job records and content-addressed results.
	cacheTTL = time.Hour
)

// ErrValidation wraps structural validation failures of submitted graphs.
var ErrValidation = errors.New("jobs: graph validation failed")

type (
	// Workflow is the subset of the code generation workflow the service
	// drives. Implemented by *codegen.Workflow.
	Workflow interface {
		Execute(ctx context.Context, g *graph.Graph, rc workflow.RunContext) (*codegen.State, error)
		Cancel(ctx context.Context, thread string) (bool, error)
		Status(ctx context.Context, thread string) (*workflow.Header, bool, error)
	}

	// Options configures the Service.
	Options struct {
		// Workflow executes code generation runs. Required.
		Workflow Workflow

		// Cache mirrors job status and results and holds the
		// content-addressed result cache. Required.
		Cache *cache.Cache

		// Bus carries job lifecycle events and result delivery. Required.
		Bus pubsub.Bus

		// DefaultTimeout bounds result waits when the caller passes none.
		// Defaults to 5 minutes.
		DefaultTimeout time.Duration

		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// SubmitOptions tunes one submission.
	SubmitOptions struct {
		// DisableCache skips the content-addressed result cache, forcing a
		// fresh generation run.
		DisableCache bool

		// Timeout overrides the service default for result waits recorded on
		// the job.
		Timeout time.Duration
	}

	// SubmitResult reports the accepted (or cache-served) job.
	SubmitResult struct {
		JobID  string          `json:"jobId"`
		Status workflow.Status `json:"status"`
		Step   workflow.Step   `json:"step,omitempty"`
	}

	// Status is the external-facing status of a job.
	Status struct {
		JobID     string          `json:"jobId"`
		Status    workflow.Status `json:"status"`
		Step      workflow.Step   `json:"step,omitempty"`
		Error     string          `json:"error,omitempty"`
		StartTime time.Time       `json:"startTime,omitempty"`
		EndTime   *time.Time      `json:"endTime,omitempty"`
	}

	// Event is one job lifecycle event, published on "codegen:jobs:<jobId>".
	Event struct {
		Type      string          `json:"type"`
		JobID     string          `json:"jobId"`
		Status    workflow.Status `json:"status"`
		Error     string          `json:"error,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
	}

	// Result is the terminal message published on "codegen:results:<jobId>".
	Result struct {
		Type      string                      `json:"type"`
		JobID     string                      `json:"jobId"`
		Result    *codegen.GeneratedCodeGraph `json:"result,omitempty"`
		Error     string                      `json:"error,omitempty"`
		Timestamp time.Time                   `json:"timestamp"`
	}

	// Service submits, tracks, and waits on code generation jobs. Safe for
	// concurrent use.
	Service struct {
		workflow Workflow
		cache    *cache.Cache
		events   *pubsub.Topic[Event]
		results  *pubsub.Topic[Result]
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		timeout  time.Duration

		mu         sync.Mutex
		active     map[string]*job
		jobResults map[string]*codegen.GeneratedCodeGraph
	}

	// job is the in-memory record of one active submission.
	job struct {
		id          string
		graph       *graph.Graph
		hash        string
		opts        SubmitOptions
		userContext []string
		startTime   time.Time
	}
)

// JobChannel returns the lifecycle channel for a job.
func JobChannel(jobID string) string { return "codegen:jobs:" + jobID }

// ResultChannel returns the terminal result channel for a job.
func ResultChannel(jobID string) string { return "codegen:results:" + jobID }

// New constructs a job Service.
func New(opts Options) (*Service, error) {
	if opts.Workflow == nil {
		return nil, errors.New("codegen workflow is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
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
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{
		workflow:   opts.Workflow,
		cache:      opts.Cache,
		events:     pubsub.NewTopic[Event](opts.Bus, pubsub.TopicOptions[Event]{Logger: logger}),
		results:    pubsub.NewTopic[Result](opts.Bus, pubsub.TopicOptions[Result]{Logger: logger, Buffer: 4}),
		logger:     logger,
		metrics:    metrics,
		timeout:    timeout,
		active:     make(map[string]*job),
		jobResults: make(map[string]*codegen.GeneratedCodeGraph),
	}, nil
}

// Submit validates the graph and starts a code generation job for it. When
// the result cache holds an entry for the graph's content hash the job
// completes immediately without a workflow run; otherwise execution proceeds
// in a detached goroutine and progress is observable through Status, the job
// channel, and GeneratedCode.
func (s *Service) Submit(ctx context.Context, g *graph.Graph, opts SubmitOptions, userContext []string) (*SubmitResult, error) {
	if g == nil {
		return nil, errors.New("graph is required")
	}
	if v := graph.Validate(g); !v.IsValid {
		return nil, fmt.Errorf("%w: %s", ErrValidation, v.Errors[0])
	}

	jobID := uuid.NewString()
	hash, err := graph.ComputeGraphHash(g, graph.HashOptions{})
	if err != nil {
		return nil, fmt.Errorf("compute graph hash: %w", err)
	}

	if !opts.DisableCache {
		if cached, ok := s.cachedResult(ctx, []string{"codegen", "cache", hash}); ok {
			s.mu.Lock()
			s.jobResults[jobID] = cached
			s.mu.Unlock()
			s.metrics.IncCounter("job_cache_hits", 1)
			s.publishResult(ctx, Result{Type: workflow.EventCompleted, JobID: jobID, Result: cached})
			s.publishEvent(ctx, Event{Type: workflow.EventCompleted, JobID: jobID, Status: workflow.StatusCompleted})
			s.logger.Info(ctx, "job served from result cache", "job", jobID, "hash", hash)
			return &SubmitResult{JobID: jobID, Status: workflow.StatusCompleted}, nil
		}
	}

	j := &job{id: jobID, graph: g, hash: hash, opts: opts, userContext: userContext, startTime: time.Now()}
	s.writeStatus(ctx, Status{JobID: jobID, Status: workflow.StatusPending, Step: StepQueued, StartTime: j.startTime})
	if len(userContext) > 0 {
		if raw, err := json.Marshal(userContext); err == nil {
			if err := s.cache.SetTTL(ctx, []string{"job", jobID, "context"}, raw, cacheTTL); err != nil {
				s.logger.Warn(ctx, "persist job context failed", "job", jobID, "err", err.Error())
			}
		}
	}

	s.mu.Lock()
	s.active[jobID] = j
	s.mu.Unlock()

	// Submitted precedes started: publish before the goroutine can race it.
	s.metrics.IncCounter("job_submissions", 1)
	s.publishEvent(ctx, Event{Type: EventSubmitted, JobID: jobID, Status: workflow.StatusPending})

	// The run outlives the submitting request.
	go s.run(context.WithoutCancel(ctx), j)

	return &SubmitResult{JobID: jobID, Status: workflow.StatusPending, Step: StepQueued}, nil
}

// run executes one job to a terminal status. All exit paths deregister the
// job and write a terminal status record.
func (s *Service) run(ctx context.Context, j *job) {
	s.publishEvent(ctx, Event{Type: workflow.EventStarted, JobID: j.id, Status: workflow.StatusRunning})

	rc := workflow.RunContext{
		ThreadID:    j.id,
		JobID:       j.id,
		UserID:      j.graph.UserID,
		CompanyID:   j.graph.CompanyID,
		UserContext: j.userContext,
	}
	state, err := s.workflow.Execute(ctx, j.graph, rc)

	final := Status{JobID: j.id, StartTime: j.startTime}
	switch {
	case errors.Is(err, workflow.ErrCancelled):
		final.Status = workflow.StatusCancelled
		if state != nil {
			final.Error = state.Error
		}
		s.publishEvent(ctx, Event{Type: workflow.EventCancelled, JobID: j.id, Status: workflow.StatusCancelled, Error: final.Error})
	case err != nil:
		final.Status = workflow.StatusFailed
		final.Error = err.Error()
		s.publishResult(ctx, Result{Type: workflow.EventFailed, JobID: j.id, Error: err.Error()})
		s.publishEvent(ctx, Event{Type: workflow.EventFailed, JobID: j.id, Status: workflow.StatusFailed, Error: err.Error()})
	default:
		final.Status = workflow.StatusCompleted
		result := state.Generated
		s.storeResult(ctx, j, result)
		s.mu.Lock()
		s.jobResults[j.id] = result
		s.mu.Unlock()
		s.publishResult(ctx, Result{Type: workflow.EventCompleted, JobID: j.id, Result: result})
		s.publishEvent(ctx, Event{Type: workflow.EventCompleted, JobID: j.id, Status: workflow.StatusCompleted})
	}
	if state != nil {
		final.Step = state.CurrentStep
		final.EndTime = state.EndTime
	}

	s.mu.Lock()
	delete(s.active, j.id)
	s.mu.Unlock()
	s.writeStatus(ctx, final)
	s.metrics.IncCounter("job_executions", 1, "outcome", string(final.Status))
}

// Status reports the status of a job: the checkpointed engine header while
// the job is active, then the cached status record, then a synthesized
// completed status when only the result survives.
func (s *Service) Status(ctx context.Context, jobID string) (*Status, bool, error) {
	s.mu.Lock()
	j, isActive := s.active[jobID]
	_, hasResult := s.jobResults[jobID]
	s.mu.Unlock()

	if isActive {
		h, ok, err := s.workflow.Status(ctx, jobID)
		if err != nil {
			return nil, false, fmt.Errorf("load job status: %w", err)
		}
		if ok {
			return &Status{
				JobID:     jobID,
				Status:    h.Status,
				Step:      h.CurrentStep,
				Error:     h.Error,
				StartTime: j.startTime,
				EndTime:   h.EndTime,
			}, true, nil
		}
		return &Status{JobID: jobID, Status: workflow.StatusPending, Step: StepQueued, StartTime: j.startTime}, true, nil
	}

	raw, ok, err := s.cache.Get(ctx, []string{"job", jobID, "status"})
	if err != nil {
		return nil, false, fmt.Errorf("read job status: %w", err)
	}
	if ok {
		var st Status
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, false, fmt.Errorf("decode job status: %w", err)
		}
		return &st, true, nil
	}

	if hasResult {
		return &Status{JobID: jobID, Status: workflow.StatusCompleted}, true, nil
	}
	if _, ok := s.cachedResult(ctx, []string{"job", jobID, "result"}); ok {
		return &Status{JobID: jobID, Status: workflow.StatusCompleted}, true, nil
	}
	return nil, false, nil
}

// GeneratedCode returns the result of a job, waiting up to timeout for an
// active job to finish. It reports false when the job is unknown, failed, was
// cancelled, or did not finish in time. A timeout of zero selects the service
// default.
func (s *Service) GeneratedCode(ctx context.Context, jobID string, timeout time.Duration) (*codegen.GeneratedCodeGraph, bool, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}

	s.mu.Lock()
	result, ok := s.jobResults[jobID]
	_, isActive := s.active[jobID]
	s.mu.Unlock()
	if ok {
		return result, true, nil
	}
	if cached, ok := s.cachedResult(ctx, []string{"job", jobID, "result"}); ok {
		return cached, true, nil
	}
	if !isActive {
		return nil, false, nil
	}

	deliveries, cancel, err := s.results.Subscribe(ctx, ResultChannel(jobID))
	if err != nil {
		return nil, false, fmt.Errorf("subscribe job results: %w", err)
	}
	defer cancel()

	// The job may have finished between the map check and the subscribe.
	s.mu.Lock()
	result, ok = s.jobResults[jobID]
	s.mu.Unlock()
	if ok {
		return result, true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg, open := <-deliveries:
			if !open {
				return nil, false, nil
			}
			switch msg.Type {
			case workflow.EventCompleted:
				return msg.Result, true, nil
			case workflow.EventFailed:
				return nil, false, nil
			}
		case <-timer.C:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Cancel requests cancellation of a job's workflow. The run goroutine
// observes the cancellation at its next step boundary, publishes the
// cancelled event, and deregisters the job. Cancel returns false when the job
// is unknown or already terminal.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	return s.workflow.Cancel(ctx, jobID)
}

// ActiveJobs returns the ids of jobs currently executing.
func (s *Service) ActiveJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// cachedResult reads and decodes a GeneratedCodeGraph from the cache,
// swallowing read and decode failures: a broken cache entry must not fail a
// submission.
func (s *Service) cachedResult(ctx context.Context, key []string) (*codegen.GeneratedCodeGraph, bool) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		if err != nil {
			s.logger.Warn(ctx, "result cache read failed", "err", err.Error())
		}
		return nil, false
	}
	var result codegen.GeneratedCodeGraph
	if err := json.Unmarshal(raw, &result); err != nil {
		s.logger.Warn(ctx, "result cache decode failed", "err", err.Error())
		return nil, false
	}
	return &result, true
}

// storeResult writes the terminal result under both the job key and the
// content-addressed key, best-effort.
func (s *Service) storeResult(ctx context.Context, j *job, result *codegen.GeneratedCodeGraph) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn(ctx, "encode job result failed", "job", j.id, "err", err.Error())
		return
	}
	if err := s.cache.SetTTL(ctx, []string{"job", j.id, "result"}, raw, cacheTTL); err != nil {
		s.logger.Warn(ctx, "persist job result failed", "job", j.id, "err", err.Error())
	}
	if !j.opts.DisableCache {
		if err := s.cache.SetTTL(ctx, []string{"codegen", "cache", j.hash}, raw, cacheTTL); err != nil {
			s.logger.Warn(ctx, "persist content-addressed result failed", "job", j.id, "err", err.Error())
		}
	}
}

// writeStatus mirrors a status record into the cache, best-effort.
func (s *Service) writeStatus(ctx context.Context, st Status) {
	raw, err := json.Marshal(st)
	if err != nil {
		s.logger.Warn(ctx, "encode job status failed", "job", st.JobID, "err", err.Error())
		return
	}
	if err := s.cache.SetTTL(ctx, []string{"job", st.JobID, "status"}, raw, cacheTTL); err != nil {
		s.logger.Warn(ctx, "persist job status failed", "job", st.JobID, "err", err.Error())
	}
}

// publishEvent publishes on the job lifecycle channel, best-effort.
func (s *Service) publishEvent(ctx context.Context, evt Event) {
	evt.Timestamp = time.Now()
	if err := s.events.Publish(ctx, JobChannel(evt.JobID), evt); err != nil {
		s.logger.Warn(ctx, "publish job event failed", "job", evt.JobID, "type", evt.Type, "err", err.Error())
	}
}

// publishResult publishes on the result channel, best-effort.
func (s *Service) publishResult(ctx context.Context, res Result) {
	res.Timestamp = time.Now()
	if err := s.results.Publish(ctx, ResultChannel(res.JobID), res); err != nil {
		s.logger.Warn(ctx, "publish job result failed", "job", res.JobID, "err", err.Error())
	}
}
