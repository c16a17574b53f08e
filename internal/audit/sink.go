package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tenuto.io/safety/internal/identity"
	"tenuto.io/safety/internal/obs"
)

// LogSink writes events as JSON lines through the shared logger. It is the
// default sink and the fallback when no collaborator endpoint is configured.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, evt Event) error {
	entry := map[string]any{
		"ts":       evt.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    evt.Action,
		"category": evt.Category,
	}
	if evt.ActorID != "" {
		entry["actor_id"] = evt.ActorID
	}
	if len(evt.Details) > 0 {
		entry["fields"] = evt.Details
	} else {
		entry["fields"] = map[string]string{}
	}
	obs.LogEvent(entry)
	return nil
}

// HTTPSink forwards events to the audit collaborator over HTTP. Every call
// carries the caller's bearer credential; a missing credential is a hard
// precondition failure.
type HTTPSink struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPSink constructs a sink posting to the given collaborator endpoint.
func NewHTTPSink(endpoint string) *HTTPSink {
	return &HTTPSink{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSink) Emit(ctx context.Context, evt Event) error {
	if s == nil || s.Endpoint == "" {
		return fmt.Errorf("audit: sink endpoint not configured")
	}
	bearer, ok := identity.TokenFromContext(ctx)
	if !ok {
		return identity.ErrMissingCredential
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("audit: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("audit: forward event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit: collaborator returned %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans an event out to several sinks; the first error wins but all
// sinks are attempted.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, evt Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
