// Package notify dispatches operational alerts: ingest staleness, failed
// scheduler steps, and the morning health report. Sinks are pluggable;
// the service ships with a log sink and an optional HMAC-signed webhook
// sink.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType describes what happened.
type EventType string

const (
	EventStepFailed   EventType = "step_failed"
	EventDataStale    EventType = "data_stale"
	EventHealthReport EventType = "health_report"
)

// Event is the alert payload handed to every sink. Recipient is the
// operator address the alert is addressed to; Dispatch fills it with the
// service's admin email when unset.
type Event struct {
	Type      EventType      `json:"type"`
	Subject   string         `json:"subject"`
	Detail    string         `json:"detail,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(eventType EventType, subject, detail string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Subject:   subject,
		Detail:    detail,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Sink delivers an event somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Service fans an event out to every registered sink.
type Service struct {
	admin string

	mu    sync.RWMutex
	sinks []Sink
}

// NewService creates a notification service with the log sink registered.
// adminEmail, when set, is stamped onto every dispatched event as the
// default recipient.
func NewService(adminEmail string) *Service {
	s := &Service{admin: adminEmail}
	s.Register(&LogSink{})
	return s
}

// Register adds a sink.
func (s *Service) Register(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
	log.Info().Str("sink", sink.Name()).Msg("Registered notification sink")
}

// Dispatch sends the event to all sinks concurrently. Delivery failures
// are logged, not returned; alerting must never fail the pipeline.
func (s *Service) Dispatch(ctx context.Context, event Event) {
	if event.Recipient == "" {
		event.Recipient = s.admin
	}
	s.mu.RLock()
	sinks := make([]Sink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sink := range sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			if err := sink.Send(ctx, event); err != nil {
				log.Warn().Err(err).Str("sink", sink.Name()).
					Str("event", string(event.Type)).Msg("Notification delivery failed")
			}
		}(sink)
	}
	wg.Wait()
}

// ── Log sink ────────────────────────────────────────────────

// LogSink writes events to the structured log. Always registered; it is
// the floor under every other sink.
type LogSink struct{}

func (*LogSink) Name() string { return "log" }

func (*LogSink) Send(_ context.Context, event Event) error {
	log.Warn().Str("event", string(event.Type)).Str("subject", event.Subject).
		Str("detail", event.Detail).Str("recipient", event.Recipient).Msg("Pipeline alert")
	return nil
}

// ── Webhook sink ────────────────────────────────────────────

// WebhookSink posts events as JSON to a configured URL, signing the body
// with HMAC-SHA256 when a secret is set.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (*WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}
		// A fresh request per attempt; the body reader is single-use.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "PermitSight-Webhook/1.0")
		req.Header.Set("X-PermitSight-Event", string(event.Type))
		if w.secret != "" {
			mac := hmac.New(sha256.New, []byte(w.secret))
			mac.Write(body)
			req.Header.Set("X-PermitSight-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}
		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
