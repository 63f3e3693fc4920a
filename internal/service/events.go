package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventPublisher broadcasts grading lifecycle events to interested
// consumers. Publishing is best-effort: a failed publish is logged, never
// surfaced to the grading flow that triggered it.
type EventPublisher interface {
	Publish(ctx context.Context, event string, payload any)
	Close()
}

type natsPublisher struct {
	conn        *nats.Conn
	subjectBase string
	logger      zerolog.Logger
}

// NewNATSPublisher connects to the broker and returns a publisher that emits
// events under subjectBase (e.g. "critkey.grading.grade.submitted").
func NewNATSPublisher(url, subjectBase string, logger zerolog.Logger) (EventPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("critkey-api"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &natsPublisher{
		conn:        conn,
		subjectBase: subjectBase,
		logger:      logger.With().Str("component", "event_publisher").Logger(),
	}, nil
}

func (p *natsPublisher) Publish(_ context.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("event", event).Msg("failed to encode event payload")
		return
	}

	subject := p.subjectBase + "." + event
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

func (p *natsPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to drain nats connection")
	}
}

type noopPublisher struct{}

// NewNoopPublisher returns a publisher that drops every event. Used when no
// broker is configured.
func NewNoopPublisher() EventPublisher { return noopPublisher{} }

func (noopPublisher) Publish(context.Context, string, any) {}
func (noopPublisher) Close()                               {}
