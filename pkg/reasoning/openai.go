package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callshield/pkg/errorsx"
	"github.com/harunnryd/callshield/pkg/resilience"
	openai "github.com/sashabaranov/go-openai"
)

const scamAnalystPrompt = `You are a fraud analyst monitoring a live phone call between a CALLER and an AGENT.
Given the transcript excerpt, score the likelihood that the caller is running a scam.
Respond with a JSON object only: {"risk_score": <0-100 integer>, "tactics": [<short tactic labels>], "rationale": "<one sentence>"}.`

// OpenAIConfig configures the OpenAI-backed analyzer.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	TimeoutMS int
}

// OpenAIAnalyzer scores transcripts via an OpenAI chat completion.
type OpenAIAnalyzer struct {
	cfg    OpenAIConfig
	client completer
}

type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func NewOpenAIAnalyzer(cfg OpenAIConfig) *OpenAIAnalyzer {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 15000
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	return &OpenAIAnalyzer{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (a *OpenAIAnalyzer) Name() string { return "openai" }

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, transcript string) (Assessment, error) {
	req := openai.ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scamAnalystPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		MaxTokens:   300,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return Assessment{}, resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}
		}
		return Assessment{}, errorsx.Wrap(err, errorsx.ReasonAnalysisRequest)
	}
	if len(resp.Choices) == 0 {
		return Assessment{}, errorsx.Wrap(errors.New("no choices in response"), errorsx.ReasonAnalysisDecode)
	}
	return parseAssessment(resp.Choices[0].Message.Content)
}

// parseAssessment decodes the model output, tolerating code fences around
// the JSON object. Out-of-range or missing scores are rejected so a
// malformed response reads as a failed call, never a zero-risk verdict.
func parseAssessment(raw string) (Assessment, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var out Assessment
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return Assessment{}, errorsx.Wrap(err, errorsx.ReasonAnalysisDecode)
	}
	if out.RiskScore < 0 || out.RiskScore > 100 {
		return Assessment{}, errorsx.Wrap(fmt.Errorf("risk_score out of range: %d", out.RiskScore), errorsx.ReasonAnalysisDecode)
	}
	return out, nil
}
