// Package llm provides the Gemini embedding client used for semantic recall.
package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// DefaultEmbeddingModel is used when no model is configured.
const DefaultEmbeddingModel = "text-embedding-004"

// Embedder provides text embedding capability.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client wraps the Google GenAI client.
type Client struct {
	client         *genai.Client
	embeddingModel string
}

// NewClient creates a new embedding client with the given API key.
func NewClient(ctx context.Context, apiKey, embeddingModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Client{
		client:         client,
		embeddingModel: embeddingModel,
	}, nil
}

// Embed generates an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}

	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, errors.New("no embedding returned")
	}

	return resp.Embeddings[0].Values, nil
}

// Ensure Client implements Embedder
var _ Embedder = (*Client)(nil)
