package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"fleetalert/internal/config"
	"fleetalert/internal/domain"
	"fleetalert/internal/metrics"

	"github.com/nats-io/nats.go"
)

// HeartbeatSink consumes validated heartbeats from any ingest transport.
// Params: context and decoded heartbeat.
// Returns: evaluation error.
type HeartbeatSink interface {
	EvaluateHeartbeat(ctx context.Context, hb domain.Heartbeat) error
}

// NATSSubscriber consumes heartbeats via a queue-group subscription.
// Params: NATS connection, subscription, and heartbeat sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates a queue consumer for heartbeat ingestion.
// Params: ingest NATS config, sink, logger, and metrics handle.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink HeartbeatSink, logger *slog.Logger, met *metrics.Metrics) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","),
		nats.Name("fleetalert-ingest"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}

	subscriber := &NATSSubscriber{
		nc:     nc,
		logger: logger,
	}
	sub, err := nc.QueueSubscribe(cfg.Subject, cfg.QueueGroup, func(message *nats.Msg) {
		hb, decodeErr := domain.DecodeHeartbeat(message.Data)
		if decodeErr != nil {
			met.HeartbeatsRejected.Inc()
			logger.Warn("nats heartbeat decode failed", "subject", message.Subject, "error", decodeErr.Error())
			return
		}
		if evalErr := sink.EvaluateHeartbeat(context.Background(), hb); evalErr != nil {
			logger.Error("nats heartbeat evaluation failed",
				"subject", message.Subject, "entity", hb.EntityID, "error", evalErr.Error())
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.QueueGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// Close drains the subscription and closes the connection.
// Params: none.
// Returns: drain error.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
