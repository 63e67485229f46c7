package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook implementa ports.Notifier publicando cada evento como JSON a un
// endpoint HTTP. Se usa para las alertas fuera de banda (posiciones
// estancadas, huérfanos) que no deben quedarse solo en los logs.
type Webhook struct {
	url  string
	http *http.Client
}

// NewWebhook crea el notificador. url debe incluir el esquema.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify publica {event, payload, ts}. El caller decide si el fallo es
// fatal; aquí solo se reporta.
func (w *Webhook) Notify(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"event":   event,
		"payload": payload,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal %s: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: post %s: status %d", event, resp.StatusCode)
	}
	return nil
}
