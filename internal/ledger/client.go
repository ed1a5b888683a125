package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client issues credit refunds against the billing ledger service. The
// original debit happens before job creation and is out of scope here; the
// runner only ever refunds.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a ledger client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type refundRequest struct {
	AccountID      string         `json:"account_id"`
	Amount         int            `json:"amount"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Refund credits the account for failed work. The idempotency key makes the
// call safe to repeat: the ledger applies it at most once.
func (c *Client) Refund(ctx context.Context, accountID string, amount int, idempotencyKey string, metadata map[string]any) error {
	body, err := json.Marshal(refundRequest{
		AccountID:      accountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal refund: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/refunds", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refund request: %w", err)
	}
	defer resp.Body.Close()

	// 409 means the ledger already applied this key; that is success for us.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("ledger: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
