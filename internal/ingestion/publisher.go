package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"CoverLedger/internal/observability"
)

const outboundStream = "COVER_LEDGER_EVENTS"

// PublishableEvent is an applied event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

// OutboundPublisher mirrors applied events onto
// cover.ledger.events.{event_type} for downstream consumers (payout
// rails, notifications, reporting). The event log stays the source of
// truth, so a publish failure is logged and dropped rather than retried:
// consumers that need completeness read the log.
type OutboundPublisher struct {
	js     jetstream.JetStream
	events <-chan PublishableEvent
	logger zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, events <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:     js,
		events: events,
		logger: observability.NewLogger("publisher"),
	}
}

// Run drains the event channel until ctx is cancelled or the channel
// closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-op.events:
			if !ok {
				return nil
			}
			op.publish(ctx, evt)
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		op.logger.Error().Int64("sequence", evt.Sequence).Err(err).Msg("marshal outbound event")
		return
	}

	// Msg-Id dedup: a restart that republishes a tail of the log is
	// collapsed broker-side within the dedup window.
	subject := "cover.ledger.events." + evt.EventType
	_, err = op.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(fmt.Sprintf("%s:%s", evt.EventType, evt.IdempotencyKey)))
	if err != nil {
		op.logger.Warn().
			Int64("sequence", evt.Sequence).
			Str("subject", subject).
			Err(err).
			Msg("outbound publish failed")
	}
}

// EnsureOutboundStream provisions the outbound stream idempotently.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       outboundStream,
		Subjects:   []string{"cover.ledger.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     streamMaxAge,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
