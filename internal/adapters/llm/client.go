// Package llm generates agent replies through an OpenAI-compatible
// chat-completions endpoint.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"omnidesk/internal/apperr"
	"omnidesk/internal/models"
	"omnidesk/pkg/httputil"
)

// Request is everything the model sees for one turn.
type Request struct {
	Agent       *models.AIAgent
	ChannelType models.ChannelType
	Content     string
	History     []models.Message
	Skills      []models.Skill
	Context     map[string]any
}

// Generation is the parsed model output.
type Generation struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
	Intent     string  `json:"intent"`
	Sentiment  string  `json:"sentiment"`
	// Structured is false when the model ignored the JSON contract and
	// Confidence was defaulted.
	Structured bool `json:"-"`
}

type Client struct {
	http              *resty.Client
	apiKey            string
	model             string
	defaultConfidence float64
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration, defaultConfidence float64) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("LLM baseURL cannot be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("LLM model cannot be empty")
	}
	log.Info().Str("baseURL", baseURL).Str("model", model).Msg("LLM client configured")
	return &Client{
		http:              httputil.NewClient(httputil.ClientOptions{BaseURL: strings.TrimRight(baseURL, "/"), Timeout: timeout}),
		apiKey:            apiKey,
		model:             model,
		defaultConfidence: defaultConfidence,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate asks the model for a reply. Transport and API failures are
// upstream errors; an unparseable answer is not.
func (c *Client) Generate(ctx context.Context, req Request) (*Generation, error) {
	if c.apiKey == "" {
		return nil, apperr.Configuration("llm.Generate", "LLM_API_KEY is not configured")
	}

	var (
		out  chatResponse
		aerr apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey).
		SetBody(chatRequest{
			Model:          c.model,
			Messages:       buildMessages(req),
			Temperature:    0.3,
			ResponseFormat: map[string]any{"type": "json_object"},
		}).
		SetResult(&out).
		SetError(&aerr).
		Post("/chat/completions")
	if err != nil {
		return nil, apperr.Upstream("llm.Generate", err)
	}
	if resp.IsError() {
		return nil, apperr.Upstream("llm.Generate", fmt.Errorf("status %d: %s", resp.StatusCode(), aerr.Error.Message))
	}
	if len(out.Choices) == 0 {
		return nil, apperr.Upstream("llm.Generate", fmt.Errorf("model returned no choices"))
	}

	gen := Parse(out.Choices[0].Message.Content, c.defaultConfidence)
	log.Debug().Str("agentID", req.Agent.ID).Float64("confidence", gen.Confidence).
		Str("intent", gen.Intent).Bool("structured", gen.Structured).Msg("LLM generation parsed")
	return gen, nil
}

// Parse reads the model's JSON answer. Text that isn't a JSON object becomes
// the response with defaultConfidence.
func Parse(raw string, defaultConfidence float64) *Generation {
	text := strings.TrimSpace(raw)
	if body, ok := jsonObject(text); ok {
		var fields struct {
			Response   *string  `json:"response"`
			Confidence *float64 `json:"confidence"`
			Intent     string   `json:"intent"`
			Sentiment  string   `json:"sentiment"`
		}
		if err := json.Unmarshal([]byte(body), &fields); err == nil && fields.Response != nil {
			gen := &Generation{
				Response:   strings.TrimSpace(*fields.Response),
				Confidence: defaultConfidence,
				Intent:     strings.ToLower(strings.TrimSpace(fields.Intent)),
				Sentiment:  strings.ToLower(strings.TrimSpace(fields.Sentiment)),
				Structured: true,
			}
			if fields.Confidence != nil {
				gen.Confidence = clamp(*fields.Confidence)
			}
			return gen
		}
	}
	return &Generation{Response: text, Confidence: clamp(defaultConfidence)}
}

func jsonObject(text string) (string, bool) {
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
