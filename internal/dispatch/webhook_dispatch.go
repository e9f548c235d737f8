package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/tow-dispatch/internal/models"
)

// WebhookDispatcher posts notifications to an HTTP push gateway, optionally
// authenticated with a bearer token.
type WebhookDispatcher struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewWebhookDispatcher(endpoint, token string) *WebhookDispatcher {
	return &WebhookDispatcher{Endpoint: endpoint, Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

type webhookPayload struct {
	DriverID     string              `json:"driverId"`
	Notification models.Notification `json:"notification"`
}

func (w *WebhookDispatcher) Deliver(ctx context.Context, n models.Notification) error {
	b, err := json.Marshal(webhookPayload{DriverID: n.DriverID, Notification: n})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}
