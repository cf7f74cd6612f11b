package processing

import (
	"context"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// ArrivalDispatcher is the scan stage fed by the handler.
type ArrivalDispatcher interface {
	Dispatch(ctx context.Context, ev ArrivalEvent) error
}

// DLQPublisher publishes malformed messages to a dead-letter topic.
type DLQPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message, reason string) error
}

// PubSubDLQPublisher implements DLQPublisher using a Pub/Sub topic.
type PubSubDLQPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubDLQPublisher constructs a DLQ publisher for the given topic. If the
// topic is nil, publishes are treated as no-ops.
func NewPubSubDLQPublisher(topic *pubsub.Topic) *PubSubDLQPublisher {
	return &PubSubDLQPublisher{topic: topic}
}

// Publish sends the message to the DLQ topic. If topic is nil, it is a no-op.
func (p *PubSubDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	if p.topic == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	attrs := map[string]string{
		"reason":      reason,
		"orig_msg_id": msg.ID,
	}
	if msg.DeliveryAttempt != nil {
		attrs["delivery_attempt"] = strconv.Itoa(*msg.DeliveryAttempt)
	}
	for k, v := range msg.Attributes {
		if _, taken := attrs[k]; !taken {
			attrs[k] = v
		}
	}
	_, err := p.topic.Publish(ctx, &pubsub.Message{
		Data:       msg.Data,
		Attributes: attrs,
	}).Get(ctx)
	return err
}

// NoopDLQPublisher is used when no DLQ topic is configured.
type NoopDLQPublisher struct{}

func (n *NoopDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	return nil
}

// Handler turns arrival messages into dispatches.
type Handler struct {
	dispatcher   ArrivalDispatcher
	dlq          DLQPublisher
	intakeBucket string
	log          zerolog.Logger
}

// NewHandler builds a Handler. Events for buckets other than intakeBucket are
// ignored; an empty intakeBucket accepts every bucket.
func NewHandler(d ArrivalDispatcher, dlq DLQPublisher, intakeBucket string, log zerolog.Logger) *Handler {
	if dlq == nil {
		dlq = &NoopDLQPublisher{}
	}
	return &Handler{
		dispatcher:   d,
		dlq:          dlq,
		intakeBucket: intakeBucket,
		log:          log.With().Str("component", "handler").Logger(),
	}
}

// HandleMessage processes a Pub/Sub message and returns true if it should be
// acked (even when sent to DLQ) or false to Nack (for retriable errors).
func (h *Handler) HandleMessage(ctx context.Context, msg *pubsub.Message) bool {
	evs, err := ParseArrivalEvents(msg)
	if err != nil {
		h.log.Warn().Err(err).Str("msg_id", msg.ID).Msg("pushing message to DLQ")
		if err := h.dlq.Publish(ctx, msg, "parse_error"); err != nil {
			h.log.Error().Err(err).Str("msg_id", msg.ID).Msg("error publishing to DLQ")
			return false
		}
		return true
	}

	ack := true
	for _, ev := range evs {
		if h.intakeBucket != "" && ev.Bucket != h.intakeBucket {
			h.log.Debug().Str("bucket", ev.Bucket).Str("key", ev.Key).Msg("ignoring event for non-intake bucket")
			continue
		}
		if err := h.dispatcher.Dispatch(ctx, ev); err != nil {
			h.log.Error().Err(err).Str("key", ev.Key).Msg("dispatch failed")
			ack = false
		}
	}
	return ack
}
