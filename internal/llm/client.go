package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/pkg/circuitbreaker"
	"github.com/runbook-agent/backend/pkg/retry"
)

const batchSize = 100

type Options struct {
	APIKey string
	// BaseURL overrides the OpenAI endpoint, e.g. for a compatible gateway.
	BaseURL        string
	EmbeddingModel string
	Timeout        time.Duration
	Logger         *zap.Logger
}

// Client produces text embeddings for semantic runbook search.
type Client struct {
	client         *openai.Client
	embeddingModel string
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
	logger         *zap.Logger
}

func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "text-embedding-3-small"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		FailureThreshold:  5,
		Window:            time.Minute,
		ResetTimeout:      30 * time.Second,
		BackoffMultiplier: 2,
		MaxResetTimeout:   5 * time.Minute,
		Logger:            opts.Logger,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      retryable,
		Logger:         opts.Logger,
	}

	opts.Logger.Info("LLM client initialized", zap.String("embedding_model", opts.EmbeddingModel))

	return &Client{
		client:         openai.NewClientWithConfig(cfg),
		embeddingModel: opts.EmbeddingModel,
		timeout:        opts.Timeout,
		cb:             cb,
		retryConfig:    retryConfig,
		logger:         opts.Logger,
	}
}

// retryable skips client errors other than rate limiting; retrying a bad
// request or bad key only burns the budget.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += batchSize {
		end := min(i+batchSize, len(texts))

		batch, err := c.embed(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}

	c.logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

func (c *Client) embed(ctx context.Context, input []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var embeddings [][]float32

	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: input,
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return fmt.Errorf("failed to generate embeddings: %w", err)
			}
			if len(resp.Data) != len(input) {
				return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(input))
			}

			embeddings = make([][]float32, len(resp.Data))
			for _, data := range resp.Data {
				if data.Index < 0 || data.Index >= len(embeddings) {
					return fmt.Errorf("embedding index %d out of range", data.Index)
				}
				embeddings[data.Index] = data.Embedding
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return embeddings, nil
}
