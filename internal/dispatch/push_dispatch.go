package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-pairing/internal/models"
)

// PushDispatcher posts events to an HTTP push provider in the FCM v1
// message shape, addressed by user id.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Name() string { return "push" }

func (p *PushDispatcher) Deliver(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}
	body := map[string]any{
		"message": map[string]any{
			"token": ev.UserID,
			"data": map[string]string{
				"type":    string(ev.Type),
				"at":      ev.At.UTC().Format(time.RFC3339),
				"payload": string(data),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode push body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}
