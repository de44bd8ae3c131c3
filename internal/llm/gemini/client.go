package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nlquery/nlquery/internal/llm"
)

type Config struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	// Project and Location select the Vertex AI backend when set.
	Project  string
	Location string
	Timeout  time.Duration
}

type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

type Client struct {
	models         models
	model          string
	embeddingModel string
	timeout        time.Duration
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	clientCfg := &genai.ClientConfig{}
	switch {
	case strings.TrimSpace(cfg.Project) != "":
		clientCfg.Backend = genai.BackendVertexAI
		clientCfg.Project = strings.TrimSpace(cfg.Project)
		clientCfg.Location = strings.TrimSpace(cfg.Location)
		if clientCfg.Location == "" {
			clientCfg.Location = "us-central1"
		}
	case strings.TrimSpace(cfg.APIKey) != "":
		clientCfg.Backend = genai.BackendGeminiAPI
		clientCfg.APIKey = strings.TrimSpace(cfg.APIKey)
	default:
		return nil, fmt.Errorf("gemini api key or vertex project is required")
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newWithModels(client.Models, cfg), nil
}

func newWithModels(m models, cfg Config) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = "text-embedding-004"
	}
	return &Client{models: m, model: model, embeddingModel: embeddingModel, timeout: cfg.Timeout}
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Sampling.Temperature)),
		MaxOutputTokens: int32(req.Sampling.MaxOutputTokens),
	}
	if req.Sampling.TopP > 0 {
		config.TopP = genai.Ptr(float32(req.Sampling.TopP))
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), config)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", mapError(err))
	}
	return resp.Text(), nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	resp, err := c.models.EmbedContent(ctx, c.embeddingModel, contents, &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", mapError(err))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed content returned %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, fmt.Errorf("embed content returned no vector for input %d", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// mapError surfaces the API status code so the retry layer can classify it.
func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llm.StatusError{Code: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &llm.StatusError{Code: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	return err
}
