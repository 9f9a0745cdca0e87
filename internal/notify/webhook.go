package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"

	"github.com/splax/devspace/internal/domain"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultQueueSize = 128
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the receiver rejected the signing token.
var ErrUnauthorized = errors.New("webhook unauthorized")

// ErrRejected indicates the receiver refused the payload.
var ErrRejected = errors.New("webhook rejected event")

// WebhookConfig configures outbound event delivery.
type WebhookConfig struct {
	URL       string
	Token     string
	Timeout   time.Duration
	QueueSize int
}

// Webhook posts project status events to an external receiver. Publish only
// enqueues; a single worker delivers in order.
type Webhook struct {
	url    string
	token  string
	http   *req.Client
	logger *slog.Logger

	queue     chan domain.ProjectEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebhook starts a webhook forwarder.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return nil, errors.New("webhook url required")
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return nil, fmt.Errorf("webhook url must be http(s): %q", target)
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	w := &Webhook{
		url:    target,
		token:  strings.TrimSpace(cfg.Token),
		http:   req.C().SetTimeout(timeout).SetCommonContentType("application/json"),
		logger: logger.With("component", "webhook"),
		queue:  make(chan domain.ProjectEvent, size),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Publish queues event for delivery and drops it when the queue is full.
func (w *Webhook) Publish(event domain.ProjectEvent) {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.queue <- event:
	default:
		w.logger.Warn("webhook queue full; dropping event", "project_id", event.ProjectID, "type", event.Type)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
	})
}

func (w *Webhook) run() {
	defer w.wg.Done()
	for {
		select {
		case event := <-w.queue:
			w.deliver(event)
		case <-w.done:
			for {
				select {
				case event := <-w.queue:
					w.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (w *Webhook) deliver(event domain.ProjectEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := w.Send(ctx, event); err != nil {
		w.logger.Warn("webhook delivery failed", "project_id", event.ProjectID, "type", event.Type, "error", err)
	}
}

// Send delivers a single event synchronously.
func (w *Webhook) Send(ctx context.Context, event domain.ProjectEvent) error {
	if strings.TrimSpace(event.ProjectID) == "" {
		return errors.New("webhook event requires project id")
	}
	r := w.http.R().SetContext(ctx).SetBody(buildPayload(event))
	if w.token != "" {
		r.SetBearerAuthToken(w.token)
	}
	resp, err := r.Post(w.url)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp.StatusCode, resp.String())
	}
	return nil
}

func errorForStatus(code int, body string) error {
	summary := strings.TrimSpace(body)
	if len(summary) > maxErrorBodySize {
		summary = summary[:maxErrorBodySize]
	}
	if summary == "" {
		summary = http.StatusText(code)
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	default:
		return fmt.Errorf("webhook failed with status %d: %s", code, summary)
	}
}

func buildPayload(event domain.ProjectEvent) map[string]any {
	payload := map[string]any{
		"event":       event.Type,
		"project_id":  event.ProjectID,
		"user_id":     event.UserID,
		"status":      string(event.Status),
		"occurred_at": event.At.UTC().Format(time.RFC3339Nano),
	}
	if event.WorkspaceURL != "" {
		payload["workspace_url"] = event.WorkspaceURL
	}
	return payload
}
