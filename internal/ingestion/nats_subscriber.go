package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"CoverLedger/internal/observability"
)

const (
	consumerAckWait    = 30 * time.Second
	consumerMaxDeliver = 5
	streamMaxAge       = 72 * time.Hour
)

// ingestStreams maps each JetStream stream to its subject space. Oracle
// and partner feeds land here; anything older than streamMaxAge is a
// feed outage that needs manual replay anyway.
var ingestStreams = map[string]string{
	"COVER_CLAIMS":   "cover.claims.>",
	"COVER_PREMIUMS": "cover.premiums.>",
	"COVER_POLICIES": "cover.policies.>",
	"COVER_RATES":    "cover.rates.>",
}

// SubjectConfig binds one NATS subject to the event type it carries and
// the durable consumer that drains it.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects lists the inbound feeds. Each event type has its own
// durable consumer so a stalled feed does not back up the others.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "cover.claims.submitted", EventType: "ClaimSubmitted", ConsumerName: "ledger-claims", StreamName: "COVER_CLAIMS"},
		{Subject: "cover.claims.processed", EventType: "ClaimProcessed", ConsumerName: "ledger-claims-processed", StreamName: "COVER_CLAIMS"},
		{Subject: "cover.premiums.received", EventType: "PremiumCollected", ConsumerName: "ledger-premiums", StreamName: "COVER_PREMIUMS"},
		{Subject: "cover.policies.expiry_due", EventType: "PolicyExpired", ConsumerName: "ledger-expiry", StreamName: "COVER_POLICIES"},
		{Subject: "cover.rates.yield", EventType: "YieldRateUpdated", ConsumerName: "ledger-rates", StreamName: "COVER_RATES"},
	}
}

// RawEvent is a received-but-untyped message, handed to the shell to
// parse into a typed event before submitting to the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // call once the core has answered
	NakFunc   func() // call to force redelivery
}

// NATSSubscriber drains the configured JetStream consumers into eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("ingestion"),
	}
}

// Subscribe creates one explicit-ack durable consumer per subject and
// starts draining. Messages are handed downstream with their ack funcs
// attached; the shell acks only after the engine has answered, so an
// un-acked crash redelivers.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		if err := ns.subscribeOne(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (ns *NATSSubscriber) subscribeOne(ctx context.Context, cfg SubjectConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAckWait,
		MaxDeliver:    consumerMaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}
		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
	}

	ns.consumers = append(ns.consumers, cc)
	ns.logger.Info().
		Str("subject", cfg.Subject).
		Str("consumer", cfg.ConsumerName).
		Msg("subscribed")
	return nil
}

// Stop halts all consumers; in-flight unacked messages will redeliver.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams provisions the inbound streams idempotently.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	for name, subjects := range ingestStreams {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{subjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
	}
	return nil
}

// ConnectNATS dials the broker with unbounded reconnects and returns a
// JetStream handle.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
