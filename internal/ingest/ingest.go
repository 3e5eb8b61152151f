// Package ingest consumes raw signals and posture updates from NATS,
// normalizes them, and persists the results. Redelivered messages are
// absorbed by a bounded delivery guard so at-least-once delivery never
// double-counts a signal.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"

	"github.com/dynarisk/riskengine/internal/metrics"
	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/normalize"
)

const (
	// SubjectSignalsRaw carries raw signal payloads from connectors.
	SubjectSignalsRaw = "signals.raw"
	// SubjectPostureUpdates carries security posture snapshots.
	SubjectPostureUpdates = "posture.updates"

	deliveryGuardSize = 8192
)

// Store is the persistence surface the ingester needs.
type Store interface {
	UpsertSignal(ctx context.Context, sig model.SignalRecord) error
	AppendPosture(ctx context.Context, snap model.SecurityPostureSnapshot) error
}

// Subscriber consumes signal and posture subjects on a queue group.
type Subscriber struct {
	natsConn   *nats.Conn
	store      Store
	normalizer *normalize.Normalizer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	queue      string

	// seen suppresses NATS redeliveries within a recent window. The store
	// upsert is idempotent anyway; the guard just avoids wasted writes.
	seen *lru.Cache[string, struct{}]

	signalsSub *nats.Subscription
	postureSub *nats.Subscription
}

// NewSubscriber creates an ingest subscriber.
func NewSubscriber(natsConn *nats.Conn, store Store, normalizer *normalize.Normalizer, queue string, m *metrics.Metrics, logger *slog.Logger) (*Subscriber, error) {
	seen, err := lru.New[string, struct{}](deliveryGuardSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery guard: %w", err)
	}
	return &Subscriber{
		natsConn:   natsConn,
		store:      store,
		normalizer: normalizer,
		metrics:    m,
		logger:     logger,
		queue:      queue,
		seen:       seen,
	}, nil
}

// Subscribe starts listening for signals and posture updates and blocks
// until ctx is cancelled, then drains.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to ingest subjects", "queue", s.queue)

	signalsSub, err := s.natsConn.QueueSubscribe(SubjectSignalsRaw, s.queue, s.handleSignalMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to raw signals", "error", err)
		return err
	}
	s.signalsSub = signalsSub
	s.logger.Info("Subscribed to raw signals", "subject", SubjectSignalsRaw, "queue", s.queue)

	postureSub, err := s.natsConn.QueueSubscribe(SubjectPostureUpdates, s.queue, s.handlePostureMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to posture updates", "error", err)
		signalsSub.Unsubscribe()
		return err
	}
	s.postureSub = postureSub
	s.logger.Info("Subscribed to posture updates", "subject", SubjectPostureUpdates, "queue", s.queue)

	<-ctx.Done()

	s.logger.Info("Starting ingest shutdown")
	if err := s.gracefulShutdown(); err != nil {
		s.logger.Error("Error during ingest shutdown", "error", err)
		return err
	}
	s.logger.Info("Ingest shutdown completed")
	return nil
}

// handleSignalMessage normalizes and stores one raw signal.
func (s *Subscriber) handleSignalMessage(msg *nats.Msg) {
	var raw normalize.RawSignal
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		s.logger.Error("Failed to parse raw signal", "error", err)
		s.metrics.SignalsInvalid.WithLabelValues("unknown").Inc()
		return
	}

	record, err := s.normalizer.Normalize(raw, time.Now().UTC())
	if err != nil {
		s.logger.Warn("Dropping invalid signal",
			"source", raw.Source,
			"service_id", raw.ServiceID,
			"identifier", raw.Identifier,
			"error", err)
		s.metrics.SignalsInvalid.WithLabelValues(raw.Source).Inc()
		return
	}

	guardKey := record.ID + "@" + record.OccurredAt.UTC().Format(time.RFC3339Nano)
	if _, dup := s.seen.Get(guardKey); dup {
		s.logger.Debug("Suppressing redelivered signal", "signal_id", record.ID)
		return
	}

	if err := s.store.UpsertSignal(context.Background(), record); err != nil {
		s.logger.Error("Failed to store signal", "signal_id", record.ID, "error", err)
		return
	}
	s.seen.Add(guardKey, struct{}{})
	s.metrics.SignalsIngested.WithLabelValues(string(record.Source)).Inc()

	s.logger.Debug("Signal ingested",
		"signal_id", record.ID,
		"source", record.Source,
		"service_id", record.ServiceID,
		"severity", record.SeverityNorm)
}

// handlePostureMessage stores one posture snapshot.
func (s *Subscriber) handlePostureMessage(msg *nats.Msg) {
	var snap model.SecurityPostureSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		s.logger.Error("Failed to parse posture snapshot", "error", err)
		s.metrics.SignalsInvalid.WithLabelValues(string(model.SourcePosture)).Inc()
		return
	}
	if snap.ServiceID == "" {
		s.logger.Warn("Dropping posture snapshot without service_id")
		s.metrics.SignalsInvalid.WithLabelValues(string(model.SourcePosture)).Inc()
		return
	}
	if snap.AssessedAt.IsZero() {
		snap.AssessedAt = time.Now().UTC()
	}

	if err := s.store.AppendPosture(context.Background(), snap); err != nil {
		s.logger.Error("Failed to store posture snapshot",
			"service_id", snap.ServiceID, "error", err)
		return
	}
	s.metrics.SignalsIngested.WithLabelValues(string(model.SourcePosture)).Inc()

	s.logger.Debug("Posture snapshot ingested", "service_id", snap.ServiceID)
}

// gracefulShutdown drains both subscriptions so in-flight messages finish.
func (s *Subscriber) gracefulShutdown() error {
	if s.signalsSub != nil {
		if err := s.signalsSub.Drain(); err != nil {
			return fmt.Errorf("failed to drain signals subscription: %w", err)
		}
	}
	if s.postureSub != nil {
		if err := s.postureSub.Drain(); err != nil {
			return fmt.Errorf("failed to drain posture subscription: %w", err)
		}
	}
	return nil
}
