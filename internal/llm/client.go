package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client queries chat-completion style LLM providers. All configured
// providers are assumed to speak the OpenAI-compatible wire format behind a
// per-provider base URL.
type Client struct {
	httpClient *http.Client
	providers  map[string]Provider
}

// Provider holds the endpoint settings for one upstream LLM service.
type Provider struct {
	BaseURL string
	APIKey  string
	Model   string
}

// NewClient builds a client over the given provider set.
func NewClient(providers map[string]Provider, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		providers:  providers,
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
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Ask sends one question to the named provider and returns the answer text.
func (c *Client) Ask(ctx context.Context, provider, question string) (string, error) {
	p, ok := c.providers[provider]
	if !ok {
		return "", fmt.Errorf("unknown llm provider %q", provider)
	}

	body, err := json.Marshal(chatRequest{
		Model: p.Model,
		Messages: []chatMessage{
			{Role: "user", Content: question},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The status code stays in the message so failure classification can
		// tell rate limits and outages from bad requests.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("llm provider %s: status %d: %s", provider, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm provider %s: empty response", provider)
	}
	return parsed.Choices[0].Message.Content, nil
}
