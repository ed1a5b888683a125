package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Inbox persists in-app notification rows; satisfied by the Postgres store.
type Inbox interface {
	InsertNotification(ctx context.Context, accountID, typ string, payload map[string]any) error
}

// Dispatcher delivers user-facing notifications and operator escalations.
// All delivery is fire-and-forget from the runner's point of view: a failed
// notification never affects job state.
type Dispatcher struct {
	inbox      Inbox
	adminURL   string
	httpClient *http.Client
}

// NewDispatcher builds a dispatcher. adminURL may be empty, in which case
// operator alerts are dropped (callers still log them).
func NewDispatcher(inbox Inbox, adminURL string) *Dispatcher {
	return &Dispatcher{
		inbox:      inbox,
		adminURL:   adminURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyAccount writes one in-app notification for the account.
func (d *Dispatcher) NotifyAccount(ctx context.Context, accountID, typ string, payload map[string]any) error {
	if d.inbox == nil {
		return nil
	}
	if err := d.inbox.InsertNotification(ctx, accountID, typ, payload); err != nil {
		return fmt.Errorf("account notification: %w", err)
	}
	return nil
}

// NotifyAdmin posts an operator alert to the configured webhook.
func (d *Dispatcher) NotifyAdmin(ctx context.Context, payload map[string]any) error {
	if d.adminURL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal admin alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.adminURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build admin alert: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("admin alert: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
