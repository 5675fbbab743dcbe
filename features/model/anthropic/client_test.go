package anthropic

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/kubegram/kubegram/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "claude-sonnet-4-5"})
	require.EqualError(t, err, "anthropic client is required")
	_, err = New(&stubMessagesClient{}, Options{})
	require.EqualError(t, err, "default model identifier is required")
}

func TestCompleteEncodesRequest(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "apiVersion: v1\n"},
			{Type: "text", Text: "kind: Service\n"},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 120, OutputTokens: 48},
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	resp, err := cl.Complete(context.Background(), model.Request{
		Model:  "claude-opus-4-1",
		System: "You generate Kubernetes manifests.",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "a service for the checkout pod"},
			{Role: model.RoleAssistant, Content: "{}"},
		},
		Temperature: 0.1,
		MaxTokens:   2000,
	})
	require.NoError(t, err)

	params := stub.lastParams
	require.Equal(t, sdk.Model("claude-opus-4-1"), params.Model)
	require.Equal(t, int64(2000), params.MaxTokens)
	require.InDelta(t, 0.1, params.Temperature.Value, 1e-9)
	require.Len(t, params.System, 1)
	require.Equal(t, "You generate Kubernetes manifests.", params.System[0].Text)
	require.Len(t, params.Messages, 2)
	require.Equal(t, sdk.MessageParamRoleUser, params.Messages[0].Role)
	require.Equal(t, "a service for the checkout pod", params.Messages[0].Content[0].OfText.Text)
	require.Equal(t, sdk.MessageParamRoleAssistant, params.Messages[1].Role)

	require.Equal(t, "apiVersion: v1\nkind: Service\n", resp.Text)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Equal(t, 120, resp.Usage.InputTokens)
	require.Equal(t, 48, resp.Usage.OutputTokens)
	require.Equal(t, 168, resp.Usage.TotalTokens)
}

func TestCompleteAppliesDefaults(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	require.Equal(t, int64(defaultMaxTokens), stub.lastParams.MaxTokens)
	// Zero temperature is still sent explicitly.
	require.True(t, stub.lastParams.Temperature.Valid())
	require.Zero(t, stub.lastParams.Temperature.Value)
}

func TestCompleteRejectsEmptyRequests(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), model.Request{})
	require.EqualError(t, err, "anthropic: messages are required")

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: ""}},
	})
	require.EqualError(t, err, "anthropic: at least one non-empty message is required")

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: "system", Content: "nope"}},
	})
	require.EqualError(t, err, `anthropic: unsupported message role "system"`)
}

func TestCompleteMapsRateLimiting(t *testing.T) {
	httpReq, err := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	require.NoError(t, err)
	stub := &stubMessagesClient{err: &sdk.Error{StatusCode: http.StatusTooManyRequests, Request: httpReq}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestCompleteWrapsOtherErrors(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("boom")}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, model.ErrRateLimited)
	require.Contains(t, err.Error(), "anthropic messages.new: boom")
}
