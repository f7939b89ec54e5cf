package event

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound events.
const webhookQueueSize = 1024

// WebhookPublisher POSTs events to an external HTTP endpoint. Publish
// enqueues non-blockingly into a bounded channel drained by a background
// goroutine; when the channel is full the event is dropped with a warning
// rather than stalling a login.
type WebhookPublisher struct {
	url        string
	authHeader string // "Header: Value" format, e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	queue      chan Event
	wg         sync.WaitGroup
}

var _ Publisher = (*WebhookPublisher)(nil)

// NewWebhookPublisher creates a dispatcher and starts its background loop.
func NewWebhookPublisher(url, authHeader string, logger *slog.Logger) *WebhookPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &WebhookPublisher{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "webhook"),
		retryDelay: time.Second,
		queue:      make(chan Event, webhookQueueSize),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Publish queues the event for delivery. It never blocks; a full queue
// drops the event.
func (p *WebhookPublisher) Publish(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case p.queue <- e:
	default:
		p.logger.Warn("webhook queue full, dropping event", "type", string(e.Type))
	}
	return nil
}

// Close shuts the dispatcher down, draining any queued events first.
func (p *WebhookPublisher) Close() {
	close(p.queue)
	p.wg.Wait()
}

func (p *WebhookPublisher) loop() {
	defer p.wg.Done()
	for e := range p.queue {
		p.send(e)
	}
}

// send POSTs the event to the configured URL with one retry on 5xx.
func (p *WebhookPublisher) send(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("webhook marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(p.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			p.logger.Warn("webhook request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Gatehouse-Events/1.0")

		if p.authHeader != "" {
			parts := strings.SplitN(p.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := p.client.Do(req)
		if err != nil {
			p.logger.Warn("webhook request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			p.logger.Warn("webhook server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		// 4xx is a configuration problem; retrying will not fix it.
		p.logger.Warn("webhook client error", "status", resp.StatusCode)
		return
	}
}
