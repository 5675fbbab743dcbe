package plan_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckptmem "github.com/kubegram/kubegram/features/checkpoint/memory"
	busmem "github.com/kubegram/kubegram/features/pubsub/memory"
	"github.com/kubegram/kubegram/runtime/graph"
	"github.com/kubegram/kubegram/runtime/model"
	"github.com/kubegram/kubegram/runtime/pubsub"
	"github.com/kubegram/kubegram/runtime/workflow"
	"github.com/kubegram/kubegram/workflows/plan"
)

// fakeModel scripts completions per call index and records every request.
type fakeModel struct {
	mu      sync.Mutex
	reqs    []model.Request
	respond func(call int, req model.Request) (model.Response, error)
}

func (f *fakeModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	f.mu.Lock()
	call := len(f.reqs)
	f.reqs = append(f.reqs, req)
	respond := f.respond
	f.mu.Unlock()
	return respond(call, req)
}

func (f *fakeModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeModel) request(i int) model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

type fixture struct {
	svc  *plan.Service
	ckpt workflow.Checkpointer[*plan.State]
	bus  *busmem.Bus
}

func newFixture(t *testing.T, m model.Client, maxRetries int) *fixture {
	t.Helper()
	bus := busmem.New()
	t.Cleanup(func() { _ = bus.Close() })
	ckpt := ckptmem.New[plan.State](0)
	svc, err := plan.New(plan.Options{
		Model:        m,
		Checkpointer: ckpt,
		Bus:          bus,
		MaxRetries:   maxRetries,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, ckpt: ckpt, bus: bus}
}

func (f *fixture) subscribe(t *testing.T, thread string) <-chan workflow.Event {
	t.Helper()
	topic := pubsub.NewTopic[workflow.Event](f.bus, pubsub.TopicOptions[workflow.Event]{Buffer: 64})
	events, cancel, err := topic.Subscribe(context.Background(), f.svc.Channel(thread))
	require.NoError(t, err)
	t.Cleanup(cancel)
	return events
}

func waitTerminal(t *testing.T, events <-chan workflow.Event) workflow.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			require.True(t, ok, "event channel closed before a terminal event")
			if evt.Status.Terminal() {
				return evt
			}
		case <-deadline:
			t.Fatal("timed out waiting for a terminal event")
		}
	}
}

const graphResponse = `Here is the deployment plan you asked for:

{"name": "web-shop", "description": "storefront with orders", "nodes": [
  {"name": "storefront-api", "nodeType": "microservice"},
  {"id": "orders-db", "name": "orders-db", "nodeType": "DATABASE", "spec": {"engine": "postgres"}}
]}`

func TestCreateGeneratesValidatedGraph(t *testing.T) {
	m := &fakeModel{respond: func(int, model.Request) (model.Response, error) {
		return model.Response{Text: graphResponse}, nil
	}}
	f := newFixture(t, m, 0)
	events := f.subscribe(t, "plan-t1")

	res, err := f.svc.Create(context.Background(), plan.CreateRequest{
		Request:   "a web shop with an api and a postgres database",
		CompanyID: "acme",
		UserID:    "u-1",
		ThreadID:  "plan-t1",
	})
	require.NoError(t, err)
	assert.Equal(t, "plan-t1", res.ThreadID)
	assert.Equal(t, workflow.StatusPending, res.Status)

	evt := waitTerminal(t, events)
	require.Equal(t, workflow.EventCompleted, evt.Type)

	header, ok, err := f.svc.Status(context.Background(), "plan-t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.StatusCompleted, header.Status)
	assert.Equal(t, []workflow.Step{
		plan.StepAnalyzeRequest, plan.StepGenerateGraph, plan.StepValidateGraph, plan.StepSaveGraph,
	}, header.StepHistory)

	g, ok, err := f.svc.Graph(context.Background(), "plan-t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "web-shop", g.Name)
	assert.Equal(t, graph.GraphTypeMicroservice, g.GraphType)
	assert.Equal(t, "acme", g.CompanyID)
	assert.Equal(t, "u-1", g.UserID)
	require.Len(t, g.Nodes, 2)
	assert.NotEmpty(t, g.Nodes[0].ID, "missing ids are assigned")
	assert.Equal(t, graph.NodeMicroservice, g.Nodes[0].NodeType, "node types are upper-cased")
	assert.Equal(t, "orders-db", g.Nodes[1].ID, "supplied ids are kept")
	assert.NotNil(t, g.Nodes[0].Edges)
	assert.Empty(t, g.Nodes[0].Edges)

	state, ok, err := f.ckpt.Load(context.Background(), "plan-t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, state.Validation)
	assert.True(t, state.Validation.IsValid)
	require.Len(t, state.Messages, 2, "user request and assistant reply")
	assert.Equal(t, model.RoleAssistant, state.Messages[1].Role)

	// One model call for the whole run.
	assert.Equal(t, 1, m.calls())
	req := m.request(0)
	assert.InDelta(t, 0.1, req.Temperature, 1e-9)
	assert.Contains(t, req.System, "MICROSERVICE, DATABASE")
}

func TestCreateFailsOnInvalidGraph(t *testing.T) {
	m := &fakeModel{respond: func(int, model.Request) (model.Response, error) {
		return model.Response{Text: `{"name":"dup","nodes":[
			{"id":"a","name":"x","nodeType":"MICROSERVICE"},
			{"id":"a","name":"y","nodeType":"DATABASE"}]}`}, nil
	}}
	f := newFixture(t, m, 0)
	events := f.subscribe(t, "plan-t2")

	_, err := f.svc.Create(context.Background(), plan.CreateRequest{
		Request:   "two services",
		CompanyID: "acme",
		UserID:    "u-1",
		ThreadID:  "plan-t2",
	})
	require.NoError(t, err)

	evt := waitTerminal(t, events)
	require.Equal(t, workflow.EventFailed, evt.Type)
	assert.Contains(t, evt.Error, "duplicate node id")

	header, ok, err := f.svc.Status(context.Background(), "plan-t2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.StatusFailed, header.Status)
	assert.Contains(t, header.Error, "graph validation failed")

	// The run stopped at validateGraph; saveGraph never ran.
	assert.Equal(t, []workflow.Step{
		plan.StepAnalyzeRequest, plan.StepGenerateGraph, plan.StepValidateGraph,
	}, header.StepHistory)
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t, &fakeModel{respond: func(int, model.Request) (model.Response, error) {
		return model.Response{}, nil
	}}, 0)

	_, err := f.svc.Create(context.Background(), plan.CreateRequest{CompanyID: "c", UserID: "u"})
	require.Error(t, err)

	_, err = f.svc.Create(context.Background(), plan.CreateRequest{Request: "x"})
	require.Error(t, err)
}

func TestGenerateRetriesThenFails(t *testing.T) {
	m := &fakeModel{respond: func(int, model.Request) (model.Response, error) {
		return model.Response{Text: "I cannot help with that."}, nil
	}}
	f := newFixture(t, m, 1)
	events := f.subscribe(t, "plan-t3")

	_, err := f.svc.Create(context.Background(), plan.CreateRequest{
		Request:   "anything",
		CompanyID: "acme",
		UserID:    "u-1",
		ThreadID:  "plan-t3",
	})
	require.NoError(t, err)

	evt := waitTerminal(t, events)
	require.Equal(t, workflow.EventFailed, evt.Type)
	assert.Contains(t, evt.Error, "no JSON object")

	header, _, err := f.svc.Status(context.Background(), "plan-t3")
	require.NoError(t, err)
	assert.Equal(t, 1, header.RetryCount)
	assert.Equal(t, plan.StepGenerateGraph, header.CurrentStep)
	assert.Equal(t, 2, m.calls(), "initial attempt plus one retry")
}

func TestCancelDuringGeneration(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	m := &fakeModel{respond: func(int, model.Request) (model.Response, error) {
		close(entered)
		<-gate
		return model.Response{Text: graphResponse}, nil
	}}
	f := newFixture(t, m, 0)
	events := f.subscribe(t, "plan-t4")

	_, err := f.svc.Create(context.Background(), plan.CreateRequest{
		Request:   "a web shop",
		CompanyID: "acme",
		UserID:    "u-1",
		ThreadID:  "plan-t4",
	})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("model call never started")
	}

	ok, err := f.svc.Cancel(context.Background(), "plan-t4")
	require.NoError(t, err)
	require.True(t, ok)
	close(gate)

	evt := waitTerminal(t, events)
	require.Equal(t, workflow.EventCancelled, evt.Type)

	require.Eventually(t, func() bool {
		header, ok, err := f.svc.Status(context.Background(), "plan-t4")
		return err == nil && ok && header.Status == workflow.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	ok, err = f.svc.Cancel(context.Background(), "plan-t4")
	require.NoError(t, err)
	assert.False(t, ok, "cancelling a terminal run returns false")
}

func TestAnalyze(t *testing.T) {
	m := &fakeModel{respond: func(int, model.Request) (model.Response, error) {
		return model.Response{Text: "1. storefront api\n2. postgres"}, nil
	}}
	f := newFixture(t, m, 0)

	out, err := f.svc.Analyze(context.Background(), "a web shop", []string{"region: eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, "1. storefront api\n2. postgres", out)

	req := m.request(0)
	assert.Contains(t, req.System, "Analyze the deployment request")
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, "a web shop")
	assert.Contains(t, req.Messages[0].Content, "region: eu-west-1")
	assert.InDelta(t, 0.1, req.Temperature, 1e-9)
}

func TestAnalyzeRequiresText(t *testing.T) {
	f := newFixture(t, &fakeModel{respond: func(int, model.Request) (model.Response, error) {
		return model.Response{}, errors.New("unreachable")
	}}, 0)
	_, err := f.svc.Analyze(context.Background(), "", nil)
	require.Error(t, err)
}
