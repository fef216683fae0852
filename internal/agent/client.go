// Package agent implements the Model Client: a dual-transport (Anthropic
// or OpenAI-compatible) HTTP client with a fixed retry schedule, a
// circuit breaker around the transport call, transient-error
// classification, and best-effort cost accounting against the Progress
// Store.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/storyerr"
)

// Message is one turn in a model conversation.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// CallResult is what a successful call returns (spec 4.1's contract).
type CallResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// CostStore is the narrow slice of store.ProgressStore the Model Client
// needs to record spend. Kept as its own interface so the client package
// doesn't import the store package directly.
type CostStore interface {
	InsertCostRecord(ctx context.Context, c *story.CostRecord) error
}

// backoffSchedule is the fixed retry schedule spec 4.1 pins: up to four
// attempts, waiting 0, 2s, 10s, 30s between them.
var backoffSchedule = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// Pricing converts token counts into dollars. Treated purely as
// configuration — the numeric per-million rates are not a contract this
// package enforces.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

func (p Pricing) cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*p.InputPerMillion + float64(outputTokens)/1_000_000*p.OutputPerMillion
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	maxAttempts int
	limiter    *rate.Limiter
	apiType    string // "anthropic" or "openai"
	logger     *slog.Logger
	breaker    *gobreaker.CircuitBreaker
	pricing    Pricing
	costStore  CostStore
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		transport := c.httpClient.Transport
		c.httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}
}

func WithRateLimit(requestsPerMinute int, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
	}
}

func WithAPIConfig(baseURL, model string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
		c.model = model
		if strings.Contains(baseURL, "openai") {
			c.apiType = "openai"
		} else {
			c.apiType = "anthropic"
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithPricing(p Pricing) Option {
	return func(c *Client) { c.pricing = p }
}

func WithCostStore(s CostStore) Option {
	return func(c *Client) { c.costStore = s }
}

func NewClient(apiKey string, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	c := &Client{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		model:   "claude-3-5-sonnet-20241022",
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
		maxAttempts: len(backoffSchedule),
		limiter:     rate.NewLimiter(rate.Limit(1), 1),
		apiType:     "anthropic",
		logger:      slog.Default().With("component", "model_client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model_client_transport",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	c.logger.Debug("model client initialized",
		"api_type", c.apiType, "base_url", c.baseURL, "model", c.model)

	return c
}

// Call is the Model Client's primary contract: an ordered message list
// and an output-size cap, returning text plus token accounting. jobTitle
// and operation are used only for logging/cost-record labeling.
func (c *Client) Call(ctx context.Context, operation, jobID, jobTitle string, messages []Message, maxOutputTokens int) (CallResult, error) {
	if maxOutputTokens <= 0 {
		maxOutputTokens = 4096
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return CallResult{}, storyerr.Transient(operation, fmt.Errorf("rate limit wait: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffSchedule[attempt]
			c.logger.Debug("model client retry backoff", "operation", operation, "job_title", jobTitle, "attempt", attempt, "wait", wait)
			select {
			case <-ctx.Done():
				return CallResult{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		c.logger.Info("model call attempt", "operation", operation, "job_title", jobTitle, "attempt", attempt, "prompt_messages", len(messages))

		result, err := c.attempt(ctx, messages, maxOutputTokens)
		if err == nil {
			result.CostUSD = c.pricing.cost(result.InputTokens, result.OutputTokens)
			c.recordCost(ctx, operation, jobID, result)
			return result, nil
		}

		lastErr = err
		if !storyerr.IsTransient(err) {
			return CallResult{}, err
		}
	}

	return CallResult{}, storyerr.Transient(operation, fmt.Errorf("max attempts (%d) exceeded: %w", c.maxAttempts, lastErr))
}

func (c *Client) attempt(ctx context.Context, messages []Message, maxOutputTokens int) (CallResult, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		if c.apiType == "openai" {
			return c.doOpenAIRequest(ctx, messages, maxOutputTokens)
		}
		return c.doAnthropicRequest(ctx, messages, maxOutputTokens)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return CallResult{}, storyerr.Transient("model_call", err)
		}
		if storyerr.IsTransient(err) {
			return CallResult{}, storyerr.Transient("model_call", err)
		}
		return CallResult{}, err
	}
	return out.(CallResult), nil
}

func (c *Client) recordCost(ctx context.Context, operation, jobID string, r CallResult) {
	if c.costStore == nil || jobID == "" {
		return
	}
	rec := &story.CostRecord{
		JobID:        jobID,
		Operation:    operation,
		Model:        c.model,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		CostUSD:      r.CostUSD,
		CreatedAt:    time.Now(),
	}
	if err := c.costStore.InsertCostRecord(ctx, rec); err != nil {
		c.logger.Warn("cost record insert failed", "operation", operation, "job_id", jobID, "error", err)
	}
}

// Complete and CompleteWithSystem are convenience wrappers over Call for
// callers that only need a single text response, not token accounting.
func (c *Client) Complete(ctx context.Context, operation, jobID, jobTitle, prompt string) (string, error) {
	r, err := c.Call(ctx, operation, jobID, jobTitle, []Message{{Role: "user", Content: prompt}}, 4096)
	return r.Text, err
}

func (c *Client) CompleteWithSystem(ctx context.Context, operation, jobID, jobTitle, systemPrompt, userPrompt string) (string, error) {
	r, err := c.Call(ctx, operation, jobID, jobTitle, []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}, 4096)
	return r.Text, err
}

func (c *Client) doOpenAIRequest(ctx context.Context, messages []Message, maxOutputTokens int) (CallResult, error) {
	wire := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, map[string]string{"role": m.Role, "content": m.Content})
	}

	requestBody := map[string]any{
		"model":      c.model,
		"messages":   wire,
		"max_tokens": maxOutputTokens,
	}

	body, err := json.Marshal(requestBody)
	if err != nil {
		return CallResult{}, storyerr.CodeBug("model_call", fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return CallResult{}, storyerr.CodeBug("model_call", fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CallResult{}, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CallResult{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return CallResult{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return CallResult{}, storyerr.BadShape("model_call", fmt.Errorf("parsing response: %w", err))
	}
	if len(response.Choices) == 0 {
		return CallResult{}, storyerr.BadShape("model_call", fmt.Errorf("no choices in response"))
	}

	return CallResult{
		Text:         response.Choices[0].Message.Content,
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
	}, nil
}

func (c *Client) doAnthropicRequest(ctx context.Context, messages []Message, maxOutputTokens int) (CallResult, error) {
	var system string
	wire := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		wire = append(wire, map[string]string{"role": m.Role, "content": m.Content})
	}

	requestBody := map[string]any{
		"model":      c.model,
		"messages":   wire,
		"max_tokens": maxOutputTokens,
	}
	if system != "" {
		requestBody["system"] = system
	}

	body, err := json.Marshal(requestBody)
	if err != nil {
		return CallResult{}, storyerr.CodeBug("model_call", fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return CallResult{}, storyerr.CodeBug("model_call", fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CallResult{}, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CallResult{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return CallResult{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var response struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return CallResult{}, storyerr.BadShape("model_call", fmt.Errorf("parsing response: %w", err))
	}
	if len(response.Content) == 0 {
		return CallResult{}, storyerr.BadShape("model_call", fmt.Errorf("no content in response"))
	}

	return CallResult{
		Text:         response.Content[0].Text,
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
	}, nil
}

// extractOperationType classifies a prompt for logging when the caller
// didn't pass an explicit operation label (kept for prompts constructed
// outside the Call contract, e.g. ad-hoc debugging).
func extractOperationType(prompt string) string {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "world rules") || strings.Contains(p, "central conflict"):
		return "bible_generation"
	case strings.Contains(p, "twelve chapter") || strings.Contains(p, "pacing notes"):
		return "arc_generation"
	case strings.Contains(p, "chapter_number") || strings.Contains(p, "write this chapter"):
		return "chapter_generation"
	case strings.Contains(p, "weighted_score") || strings.Contains(p, "rubric"):
		return "rubric_review"
	case strings.Contains(p, "revised_outline") || strings.Contains(p, "style_example"):
		return "editor_brief"
	default:
		return "general_request"
	}
}
