// Package enrichment augments comment text with AI-derived sentiment,
// summaries and keywords. Enrichment is strictly additive: any failure
// yields no enrichment, never an ingestion error.
package enrichment

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultTimeout = 30 * time.Second

	systemPrompt = `You analyze citizen feedback on public policy. Respond with a single JSON object:
{"sentiment_score": <float -1.0..1.0>, "summary_short": "<one sentence>", "summary_detailed": "<2-3 sentences>", "keywords": ["<up to 5 keywords>"]}
No prose outside the JSON.`
)

// Result carries the enrichment fields for one comment.
type Result struct {
	SentimentScore  float64  `json:"sentiment_score"`
	SummaryShort    string   `json:"summary_short"`
	SummaryDetailed string   `json:"summary_detailed"`
	Keywords        []string `json:"keywords"`
}

// Config holds connection settings for the enrichment endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	http     *resty.Client
	endpoint string
	model    string
	logger   logr.Logger
}

func NewClient(cfg Config, logger logr.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{
		http:     client,
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + "/chat/completions",
		model:    cfg.Model,
		logger:   logger,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Enrich analyzes one comment's text. It returns nil on any failure
// (transport error, timeout, non-2xx status, malformed response) so a
// degraded upstream can never block or fail ingestion.
func (c *Client) Enrich(ctx context.Context, text string) *Result {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
	}

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(c.endpoint)
	if err != nil {
		c.logger.V(1).Info("enrichment request failed", "error", err.Error())
		return nil
	}
	if resp.IsError() {
		c.logger.V(1).Info("enrichment request rejected", "status", resp.StatusCode())
		return nil
	}
	if len(out.Choices) == 0 {
		return nil
	}

	var result Result
	if err := json.Unmarshal([]byte(extractJSON(out.Choices[0].Message.Content)), &result); err != nil {
		c.logger.V(1).Info("enrichment response not parseable", "error", err.Error())
		return nil
	}
	if result.SentimentScore < -1 {
		result.SentimentScore = -1
	}
	if result.SentimentScore > 1 {
		result.SentimentScore = 1
	}
	return &result
}

// extractJSON strips code fences and surrounding prose some models wrap
// around the JSON object.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return content
	}
	return content[start : end+1]
}
