// Package openai implements the embedding client against the OpenAI
// embeddings API (or any compatible endpoint).
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lumenchat/recall/pkg/memory"
)

const defaultDimensions = 1536

// Client embeds text through the OpenAI API. Transient upstream failures
// are retried with backoff; validation failures are not. The client is
// stateless; callers own caching.
type Client struct {
	client     *openai.Client
	key        string
	model      openai.EmbeddingModel
	dimensions int
	maxRetries int
	backoff    time.Duration
}

type Option func(*Client)

// WithModel overrides the embedding model.
func WithModel(model string, dimensions int) Option {
	return func(c *Client) {
		c.model = openai.EmbeddingModel(model)
		if dimensions > 0 {
			c.dimensions = dimensions
		}
	}
}

// WithBaseURL points the client at a compatible non-OpenAI endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		cfg := openai.DefaultConfig(c.apiKey())
		cfg.BaseURL = baseURL
		c.client = openai.NewClientWithConfig(cfg)
	}
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		client:     openai.NewClient(apiKey),
		key:        apiKey,
		model:      openai.SmallEmbedding3,
		dimensions: defaultDimensions,
		maxRetries: 3,
		backoff:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) apiKey() string { return c.key }

func (c *Client) ModelID() string { return string(c.model) }

func (c *Client) Dimensions() int { return c.dimensions }

// Embed converts text to a vector. Empty input fails immediately with a
// validation error; upstream failures are retried up to maxRetries with
// exponential backoff, respecting ctx cancellation.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &memory.EmbeddingError{Model: c.ModelID(), Err: memory.ErrEmptyInput}
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &memory.EmbeddingError{Model: c.ModelID(), Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: c.model,
		})
		if err == nil {
			if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
				return nil, &memory.EmbeddingError{Model: c.ModelID(), Err: errors.New("empty embedding response")}
			}
			return resp.Data[0].Embedding, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}
	return nil, &memory.EmbeddingError{Model: c.ModelID(), Err: lastErr}
}

// isTransient reports whether an API failure is worth retrying: rate
// limits, server errors and network-level failures. Auth and input errors
// are permanent.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	// Anything that is not a typed API response (timeouts, connection
	// resets) is assumed transient.
	return !errors.Is(err, context.Canceled)
}
