package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/censys/intake-scanner/pkg/storage"
)

// PubSubPublisher sends success notices and alerts to separate topics. A nil
// topic disables that channel.
type PubSubPublisher struct {
	success *pubsub.Topic
	alert   *pubsub.Topic
}

func NewPubSubPublisher(success, alert *pubsub.Topic) *PubSubPublisher {
	return &PubSubPublisher{success: success, alert: alert}
}

func (p *PubSubPublisher) Publish(ctx context.Context, n Notification) error {
	topic := p.success
	if n.Alert() {
		topic = p.alert
	}
	if topic == nil {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, err = topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"objectKey": n.ObjectKey,
			"outcome":   string(n.Outcome),
			"priority":  string(n.Priority),
		},
	}).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic.ID(), err)
	}
	return nil
}

// WebhookPublisher POSTs the notification as JSON.
type WebhookPublisher struct {
	url    string
	client *http.Client
}

func NewWebhookPublisher(url string, client *http.Client) *WebhookPublisher {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookPublisher{url: url, client: client}
}

func (w *WebhookPublisher) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Priority", string(n.Priority))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// LogPublisher writes notifications to the log; alerts at warn level.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "notify-log").Logger()}
}

func (l *LogPublisher) Publish(_ context.Context, n Notification) error {
	ev := l.log.Info()
	if n.Alert() {
		ev = l.log.Warn()
	}
	ev.Str("key", n.ObjectKey).
		Str("outcome", string(n.Outcome)).
		Str("priority", string(n.Priority)).
		Str("area", string(n.Area)).
		Str("signature", n.Signature).
		Str("reason", n.Reason).
		Int64("size", n.Size).
		Time("timestamp", n.Timestamp).
		Msg("routing outcome")
	return nil
}

// LedgerPublisher records outcomes in a storage.Repository.
type LedgerPublisher struct {
	repo storage.Repository
}

func NewLedgerPublisher(repo storage.Repository) *LedgerPublisher {
	return &LedgerPublisher{repo: repo}
}

func (l *LedgerPublisher) Publish(ctx context.Context, n Notification) error {
	return l.repo.UpsertOutcome(ctx, storage.OutcomeRecord{
		ObjectKey: n.ObjectKey,
		Outcome:   string(n.Outcome),
		Area:      n.Area,
		Signature: n.Signature,
		Reason:    n.Reason,
		Size:      n.Size,
		RoutedAt:  n.Timestamp,
	})
}
