// Package llm talks to an OpenAI-compatible provider and implements the
// document and evaluation runs of a batch row.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/prompt-ledger/internal/config"
)

// Request is one chat completion
type Request struct {
	Model       string // defaults to the client model
	System      string
	Prompt      string
	Temperature *float32
	MaxTokens   int
	JSON        bool // ask for a JSON object response
}

// Completion is the provider's answer
type Completion struct {
	Output       string
	Model        string
	TokensInput  int
	TokensOutput int
}

// Completer runs chat completions
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Client is a rate-limited OpenAI client
type Client struct {
	api     *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a client from configuration. The API key is read from
// the environment variable named by cfg.APIKeyEnv.
func NewClient(cfg config.LLMConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.APIKeyEnv)
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(cfg.Burst, 1)

	logger.Info("initializing provider client", "model", cfg.Model, "base_url", oc.BaseURL, "rps", cfg.RequestsPerSecond)
	return &Client{
		api:     openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// Complete implements Completer. It waits for the rate limiter first.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	creq := openai.ChatCompletionRequest{Model: model}
	if req.System != "" {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = req.MaxTokens
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	c.logger.Debug("chat completion", "model", model)
	resp, err := c.api.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("provider returned no choices")
	}
	return &Completion{
		Output:       resp.Choices[0].Message.Content,
		Model:        resp.Model,
		TokensInput:  resp.Usage.PromptTokens,
		TokensOutput: resp.Usage.CompletionTokens,
	}, nil
}

const judgeSystem = `You grade the output of another model against the given criteria.
Reply with a JSON object {"score": <number between 0 and 1>, "reason": "<one sentence>"}.`

// Judge scores output against criteria with the provider. It satisfies
// evalstrategy.Judge.
func (c *Client) Judge(ctx context.Context, criteria, output string) (float64, string, error) {
	return judge(ctx, c, criteria, output)
}

func judge(ctx context.Context, llm Completer, criteria, output string) (float64, string, error) {
	var zero float32
	comp, err := llm.Complete(ctx, Request{
		System:      judgeSystem,
		Prompt:      "Criteria:\n" + criteria + "\n\nOutput:\n" + output,
		Temperature: &zero,
		JSON:        true,
	})
	if err != nil {
		return 0, "", err
	}
	var verdict struct {
		Score  *float64 `json:"score"`
		Reason string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(comp.Output), &verdict); err != nil {
		return 0, "", fmt.Errorf("judge reply is not JSON: %w", err)
	}
	if verdict.Score == nil {
		return 0, "", errors.New("judge reply has no score")
	}
	return *verdict.Score, verdict.Reason, nil
}
