package rag

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type (
	// EmbeddingService captures the subset of the OpenAI SDK used by the
	// embedder. It is satisfied by *sdk.EmbeddingService.
	EmbeddingService interface {
		New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// OpenAIEmbedder implements EmbeddingsClient on the OpenAI embeddings API.
	OpenAIEmbedder struct {
		svc     EmbeddingService
		modelID string
	}
)

var _ EmbeddingsClient = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder builds an embedder from an OpenAI embedding client.
// modelID defaults to text-embedding-3-small when empty.
func NewOpenAIEmbedder(svc EmbeddingService, modelID string) (*OpenAIEmbedder, error) {
	if svc == nil {
		return nil, errors.New("embedding service is required")
	}
	if modelID == "" {
		modelID = string(sdk.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAIEmbedder{svc: svc, modelID: modelID}, nil
}

// NewOpenAIEmbedderFromAPIKey constructs an embedder using the default OpenAI
// HTTP client.
func NewOpenAIEmbedderFromAPIKey(apiKey, modelID string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIEmbedder(&oc.Embeddings, modelID)
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, errors.New("text is required")
	}
	resp, err := e.svc.New(ctx, sdk.EmbeddingNewParams{
		Input: sdk.EmbeddingNewParamsInputUnion{OfString: sdk.String(text)},
		Model: sdk.EmbeddingModel(e.modelID),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if resp == nil || len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}
