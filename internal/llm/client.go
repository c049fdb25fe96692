package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/memcube/internal/config"
)

// Message is one chat turn sent to the completion endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserMessage wraps a prompt as a single user turn.
func UserMessage(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client interface {
	// Generate returns the raw completion text.
	Generate(ctx context.Context, messages []Message) (string, error)
	// GenerateJSON requests json_object response formatting. The caller still
	// parses defensively; the flag only nudges the model.
	GenerateJSON(ctx context.Context, messages []Message) (string, error)
}

type client struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewClient(cfg *config.Config) Client {
	c := &client{
		temperature: config.DefaultTemperature,
		maxTokens:   config.DefaultMaxTokens,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	if cfg == nil {
		return c
	}
	c.apiKey = cfg.Provider.APIKey
	c.baseURL = cfg.Provider.BaseURL
	c.model = cfg.Provider.Model
	if cfg.Provider.MaxTokens > 0 {
		c.maxTokens = cfg.Provider.MaxTokens
	}
	if cfg.Provider.Temperature > 0 {
		c.temperature = cfg.Provider.Temperature
	}
	return c
}

func (c *client) Generate(ctx context.Context, messages []Message) (string, error) {
	return c.complete(ctx, messages, false)
}

func (c *client) GenerateJSON(ctx context.Context, messages []Message) (string, error) {
	return c.complete(ctx, messages, true)
}

func (c *client) complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing model")
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("empty messages")
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  c.maxTokens,
		"temperature": c.temperature,
	}
	if jsonMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	return c.sendChatCompletion(ctx, baseURL, body)
}

func (c *client) sendChatCompletion(ctx context.Context, baseURL string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
