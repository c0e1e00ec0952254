package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// commands into the ingestion loop via rawChan. JetStream is the primary
// high-throughput command surface; HTTP submissions join the same channel.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawCommand is a received-but-untyped command from NATS, ready for the
// parser to validate and convert into a typed event.Command.
type RawCommand struct {
	Subject     string
	CommandType string
	Data        []byte
	Received    time.Time
	AckFunc     func() // Call to ACK the NATS message after successful processing
	NakFunc     func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command types.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout: one subject per
// command type under ORDERS.cmd, plus the two pool feeds.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "ORDERS.cmd.place.>", CommandType: "PlaceOrder", ConsumerName: "limitd-place", StreamName: "LIMITD_ORDERS"},
		{Subject: "ORDERS.cmd.place_scale.>", CommandType: "PlaceScaleOrders", ConsumerName: "limitd-place-scale", StreamName: "LIMITD_ORDERS"},
		{Subject: "ORDERS.cmd.cancel.>", CommandType: "CancelOrder", ConsumerName: "limitd-cancel", StreamName: "LIMITD_ORDERS"},
		{Subject: "ORDERS.cmd.claim.>", CommandType: "ClaimProceeds", ConsumerName: "limitd-claim", StreamName: "LIMITD_ORDERS"},
		{Subject: "ORDERS.cmd.cancel_batch.>", CommandType: "CancelBatch", ConsumerName: "limitd-cancel-batch", StreamName: "LIMITD_ORDERS"},
		{Subject: "ORDERS.cmd.claim_batch.>", CommandType: "ClaimBatch", ConsumerName: "limitd-claim-batch", StreamName: "LIMITD_ORDERS"},
		{Subject: "ORDERS.cmd.keeper.>", CommandType: "KeeperExecute", ConsumerName: "limitd-keeper", StreamName: "LIMITD_ORDERS"},
		{Subject: "ORDERS.cmd.params.>", CommandType: "UpdateParams", ConsumerName: "limitd-params", StreamName: "LIMITD_ORDERS"},
		{Subject: "POOL.swaps.>", CommandType: "PriceMoved", ConsumerName: "limitd-swaps", StreamName: "LIMITD_POOL"},
		{Subject: "POOL.fees.>", CommandType: "FeeAccrued", ConsumerName: "limitd-fees", StreamName: "LIMITD_POOL"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawCommand, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		log:     log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		commandType := cfg.CommandType
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:     msg.Subject(),
				CommandType: commandType,
				Data:        msg.Data(),
				Received:    time.Now(),
				AckFunc:     func() { msg.Ack() },
				NakFunc:     func() { msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
				// Queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "LIMITD_ORDERS",
			Subjects:  []string{"ORDERS.cmd.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LIMITD_POOL",
			Subjects:  []string{"POOL.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
