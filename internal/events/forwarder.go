package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/cygni/cloudexpress/internal/domain"
)

// Forwarder publishes events to the API process over HTTP so worker-side
// lifecycle notifications reach the API's streaming hub. Delivery is
// best effort: a lost event never blocks or fails a build.
type Forwarder struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// NewForwarder constructs a forwarder posting to the API's event ingest
// endpoint, authenticated with a service token.
func NewForwarder(apiURL, serviceToken string, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		endpoint: apiURL + "/internal/events",
		token:    serviceToken,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Publish posts the event to the API.
func (f *Forwarder) Publish(ev domain.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		f.logger.Error("event request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("event forward failed", "type", ev.Type, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		f.logger.Warn("event forward rejected", "type", ev.Type, "status", resp.Status)
	}
}
