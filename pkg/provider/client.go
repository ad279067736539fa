// Package provider talks to an OpenAI-compatible HTTP API for completions,
// embeddings and moderation.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/gptbroker/pkg/models"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com"

// stopSequences keep the model from running past the answer block.
var stopSequences = []string{"<result", "<result>", "</result>"}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider API error (%d %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("provider API error (%d): %s", e.StatusCode, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is an OpenAI-compatible API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	tokens     *TokenCounter
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenCounter sets the counter used when the provider omits usage.
func WithTokenCounter(tc *TokenCounter) Option {
	return func(c *Client) { c.tokens = tc }
}

// WithLogger sets the client's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		apiKey:     cfg.APIKey,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.tokens == nil {
		c.tokens = NewTokenCounter()
	}
	return c
}

func defaultSampling(maxTokens uint32) samplingParams {
	return samplingParams{
		MaxTokens:        maxTokens,
		Temperature:      0,
		TopP:             1,
		N:                1,
		PresencePenalty:  1,
		FrequencyPenalty: 1,
		Stop:             stopSequences,
	}
}

// CompleteChat requests a chat completion. An empty system text sends only
// the user message.
func (c *Client) CompleteChat(ctx context.Context, model, system, prompt string, maxTokens uint32) (*Completion, error) {
	req := chatRequest{Model: model, samplingParams: defaultSampling(maxTokens)}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})

	var resp chatResponse
	if err := c.post(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return nil, err
	}

	out := &Completion{}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, ch.Message.Content)
	}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	} else {
		out.Usage = c.estimate(model, system+prompt, out.Text())
	}
	return out, nil
}

// CompleteText requests a plain text completion.
func (c *Client) CompleteText(ctx context.Context, model, prompt string, maxTokens uint32) (*Completion, error) {
	req := completionRequest{Model: model, Prompt: prompt, samplingParams: defaultSampling(maxTokens)}

	var resp completionResponse
	if err := c.post(ctx, "/v1/completions", req, &resp); err != nil {
		return nil, err
	}

	out := &Completion{}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, ch.Text)
	}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	} else {
		out.Usage = c.estimate(model, prompt, out.Text())
	}
	return out, nil
}

// Embed requests one embedding per text. Vectors are returned in input order.
func (c *Client) Embed(ctx context.Context, model string, texts []string) (*Embeddings, error) {
	var resp embeddingResponse
	if err := c.post(ctx, "/v1/embeddings", embeddingRequest{Model: model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := &Embeddings{Vectors: make([][]float32, len(resp.Data))}
	for i, d := range resp.Data {
		out.Vectors[i] = d.Embedding
		if out.Vectors[i] == nil {
			out.Vectors[i] = []float32{}
		}
	}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	} else {
		n := 0
		for _, t := range texts {
			n += c.tokens.Count(t, model)
		}
		out.Usage = models.Usage{PromptTokens: n, TotalTokens: n}
	}
	return out, nil
}

// Screen runs text through the moderation endpoint. It reports flagged if
// any result is flagged.
func (c *Client) Screen(ctx context.Context, text string) (bool, error) {
	var resp moderationResponse
	if err := c.post(ctx, "/v1/moderations", moderationRequest{Input: text}, &resp); err != nil {
		return false, err
	}
	for _, r := range resp.Results {
		if r.Flagged {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) estimate(model, prompt, completion string) models.Usage {
	p := c.tokens.Count(prompt, model)
	comp := c.tokens.Count(completion, model)
	c.log.Debug().Str("model", model).Int("prompt_tokens", p).Int("completion_tokens", comp).Msg("usage missing, estimated")
	return models.Usage{PromptTokens: p, CompletionTokens: comp, TotalTokens: p + comp}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.log.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("provider call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			apiErr.Message = errResp.Error.Message
			apiErr.Type = errResp.Error.Type
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// NoopScreener never flags anything. It stands in for moderation when it is
// disabled.
type NoopScreener struct{}

// Screen always reports not flagged.
func (NoopScreener) Screen(context.Context, string) (bool, error) { return false, nil }
