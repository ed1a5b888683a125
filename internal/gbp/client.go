package gbp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TokenSource yields per-account access tokens for the Business Profile API.
// Refresh-on-expiry is the implementation's responsibility.
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// Client is a thin HTTP client for the Google Business Profile endpoints the
// runner needs: publishing local posts and reading location fields.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// NewClient builds a client against the given base URL.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
	}
}

// Post is one local post to publish to a location.
type Post struct {
	Summary  string `json:"summary"`
	MediaURL string `json:"media_url,omitempty"`
	CTAUrl   string `json:"cta_url,omitempty"`
}

// CreatePost publishes a local post to one location.
func (c *Client) CreatePost(ctx context.Context, accountID, locationID string, post Post) error {
	token, err := c.tokens.AccessToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	payload := map[string]any{
		"languageCode": "en",
		"summary":      post.Summary,
		"topicType":    "STANDARD",
	}
	if post.MediaURL != "" {
		payload["media"] = []map[string]string{{"mediaFormat": "PHOTO", "sourceUrl": post.MediaURL}}
	}
	if post.CTAUrl != "" {
		payload["callToAction"] = map[string]string{"actionType": "LEARN_MORE", "url": post.CTAUrl}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal post: %w", err)
	}

	url := fmt.Sprintf("%s/v4/accounts/%s/locations/%s/localPosts", c.baseURL, accountID, locationID)
	return c.do(ctx, http.MethodPost, url, token, body, nil)
}

// FetchLocation reads the requested fields of a location and returns them as
// a flat field→value map.
func (c *Client) FetchLocation(ctx context.Context, accountID, locationID string, fields []string) (map[string]string, error) {
	token, err := c.tokens.AccessToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}

	url := fmt.Sprintf("%s/v1/locations/%s?readMask=%s", c.baseURL, locationID, joinFields(fields))
	var raw map[string]any
	if err := c.do(ctx, http.MethodGet, url, token, nil, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f] = flatten(raw[f])
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, url, token string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gbp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("gbp: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode gbp response: %w", err)
		}
	}
	return nil
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

// flatten renders a fetched field value as a stable string for diffing.
func flatten(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
