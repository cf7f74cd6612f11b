// Package notify fans routing outcomes out to downstream channels.
//
// Notification is best-effort: publisher failures are logged and never
// reported back to the router.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/censys/intake-scanner/pkg/scanner"
	"github.com/censys/intake-scanner/pkg/storage"
)

// Outcome is the externally visible result of routing one object.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeScanFailed  Outcome = "scan_failed"
)

// Priority selects the channel: success notices are low, alerts are high.
type Priority string

const (
	PriorityLow  Priority = "low"
	PriorityHigh Priority = "high"
)

// OutcomeFor maps a scan status to its notification outcome.
func OutcomeFor(s scanner.Status) Outcome {
	switch s {
	case scanner.StatusClean:
		return OutcomeSuccess
	case scanner.StatusInfected:
		return OutcomeQuarantined
	default:
		return OutcomeScanFailed
	}
}

// Notification is the payload delivered to every publisher.
type Notification struct {
	ObjectKey string       `json:"objectKey"`
	Outcome   Outcome      `json:"outcome"`
	Priority  Priority     `json:"priority"`
	Signature string       `json:"signature,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Area      storage.Area `json:"area"`
	Size      int64        `json:"size"`
	Timestamp time.Time    `json:"timestamp"`
}

// New builds the notification for a routed object.
func New(key string, v scanner.Verdict, area storage.Area, size int64, at time.Time) Notification {
	n := Notification{
		ObjectKey: key,
		Outcome:   OutcomeFor(v.Status),
		Priority:  PriorityHigh,
		Signature: v.Signature,
		Reason:    v.Reason,
		Area:      area,
		Size:      size,
		Timestamp: at.UTC(),
	}
	if n.Outcome == OutcomeSuccess {
		n.Priority = PriorityLow
	}
	return n
}

// Alert reports whether n belongs on the security-alert channel.
func (n Notification) Alert() bool { return n.Priority == PriorityHigh }

// Publisher delivers a notification to one channel.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Notifier publishes to all configured publishers in the background.
type Notifier struct {
	publishers []Publisher
	timeout    time.Duration
	log        zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewNotifier returns a Notifier. A zero timeout defaults to 10s.
func NewNotifier(log zerolog.Logger, timeout time.Duration, publishers ...Publisher) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		publishers: publishers,
		timeout:    timeout,
		log:        log.With().Str("component", "notifier").Logger(),
	}
}

// Notify hands n to every publisher and returns immediately. Publishing is
// detached from ctx's cancellation so a finished request does not abort it.
func (n *Notifier) Notify(ctx context.Context, note Notification) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.log.Warn().Str("key", note.ObjectKey).Msg("notifier closed, dropping notification")
		return
	}
	n.wg.Add(len(n.publishers))
	n.mu.Unlock()

	base := context.WithoutCancel(ctx)
	for _, p := range n.publishers {
		go func() {
			defer n.wg.Done()
			pctx, cancel := context.WithTimeout(base, n.timeout)
			defer cancel()
			if err := p.Publish(pctx, note); err != nil {
				n.log.Error().Err(err).
					Str("key", note.ObjectKey).
					Str("outcome", string(note.Outcome)).
					Msg("notification failed")
			}
		}()
	}
}

// Close stops accepting notifications and waits for in-flight publishes or
// ctx, whichever comes first.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notifier close: publishes still in flight"), ctx.Err())
	}
}
