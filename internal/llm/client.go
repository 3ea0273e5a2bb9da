// Package llm wraps the Gemini API for the two generative concerns mnemo
// has: rewriting low-quality atoms and embedding atom content for semantic
// duplicate detection. Both go through a slot scheduler so batch jobs never
// exceed the provider's concurrency limit.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"mnemo/internal/logging"
	"mnemo/internal/metrics"
)

// ErrUnavailable is returned when no API key is configured. Callers degrade:
// the review queue marks items status=error, dedup falls back to fuzzy.
var ErrUnavailable = errors.New("llm unavailable: no API key configured")

// Generator produces free-form and JSON completions.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateJSON(ctx context.Context, prompt string, out interface{}) error
}

// Embedder produces embedding vectors for semantic similarity.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Config configures the Gemini client.
type Config struct {
	APIKey     string
	Model      string
	EmbedModel string
	Scheduler  SchedulerConfig
}

// Client implements Generator and Embedder over the Gemini API.
type Client struct {
	client     *genai.Client
	model      string
	embedModel string
	sched      *Scheduler
}

// NewClient creates a Gemini client. Returns ErrUnavailable when no key is
// configured so callers can decide whether that is fatal.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrUnavailable
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "gemini-embedding-001"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Client{
		client:     client,
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		sched:      NewScheduler(cfg.Scheduler),
	}, nil
}

// Model returns the embedding model name (keyed into atom_embeddings rows).
func (c *Client) Model() string {
	return c.embedModel
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate runs one completion and returns the raw text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	release, err := c.sched.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	timer := logging.StartTimer(logging.CategoryLLM, "generate")
	result, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(prompt), nil)
	timer.StopWithThreshold(30 * time.Second)
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues("rewrite", "error").Inc()
		return "", fmt.Errorf("generation failed: %w", err)
	}
	metrics.LLMCallsTotal.WithLabelValues("rewrite", "ok").Inc()
	return result.Text(), nil
}

// GenerateJSON runs one completion expecting a JSON object and decodes it
// into out, tolerating a markdown code fence around the payload.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, out interface{}) error {
	text, err := c.Generate(ctx, prompt)
	if err != nil {
		return err
	}
	payload := stripCodeFence(text)
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		logging.LLMWarn("Unparseable JSON response (%d bytes): %v", len(payload), err)
		return fmt.Errorf("failed to parse model response as JSON: %w", err)
	}
	return nil
}

// stripCodeFence removes a ```json ... ``` wrapper if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// =============================================================================
// EMBEDDINGS
// =============================================================================

// Embed generates an embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	release, err := c.sched.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := c.client.Models.EmbedContent(ctx, c.embedModel, contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		})
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues("embed", "error").Inc()
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		metrics.LLMCallsTotal.WithLabelValues("embed", "error").Inc()
		return nil, fmt.Errorf("embed returned %d vectors for %d texts", len(result.Embeddings), len(texts))
	}
	metrics.LLMCallsTotal.WithLabelValues("embed", "ok").Inc()

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}
