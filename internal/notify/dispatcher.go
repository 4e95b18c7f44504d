// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	xglog "github.com/ManuGH/qodbroker/internal/log"
	"github.com/ManuGH/qodbroker/internal/metrics"
	"github.com/ManuGH/qodbroker/internal/telemetry"
)

// RedeliveryPolicy decides what happens after a failed sink delivery.
type RedeliveryPolicy string

const (
	// RedeliveryNone: one attempt per claim, failures are only logged.
	RedeliveryNone RedeliveryPolicy = "none"
	// RedeliveryBrokerReplay republishes the event to "<topic>.redelivery"
	// for a downstream replayer.
	RedeliveryBrokerReplay RedeliveryPolicy = "broker-replay"
)

// RedeliveryTopic returns the topic failed sink deliveries are replayed to.
func RedeliveryTopic(topic string) string {
	return topic + ".redelivery"
}

// Config configures a Dispatcher.
type Config struct {
	Source     string
	Topic      string
	Redelivery RedeliveryPolicy
}

// Notifier is what the scheduler and the session service call.
type Notifier interface {
	Notify(ctx context.Context, s *model.Session, status QosStatus, info StatusInfo) error
}

// Dispatcher publishes every event to the broker and, when the session has a
// sink, POSTs it there too. Delivery is attempted once.
type Dispatcher struct {
	cfg    Config
	broker Publisher
	sink   Sink
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewDispatcher(cfg Config, broker Publisher, sink Sink, logger zerolog.Logger) *Dispatcher {
	if cfg.Redelivery == "" {
		cfg.Redelivery = RedeliveryNone
	}
	return &Dispatcher{
		cfg:    cfg,
		broker: broker,
		sink:   sink,
		logger: logger,
		tracer: telemetry.Tracer("qodbroker/notify"),
		now:    time.Now,
	}
}

// Notify builds the event for s and delivers it. Broker and sink failures
// are joined; neither rolls back the session state.
func (d *Dispatcher) Notify(ctx context.Context, s *model.Session, status QosStatus, info StatusInfo) error {
	ev := NewStatusEvent(d.cfg.Source, s.ID, status, info, d.now())
	logger := d.logger.With().
		Str(xglog.FieldSessionID, s.ID).
		Str(xglog.FieldEventID, ev.ID).
		Str("qos_status", string(status)).
		Logger()

	brokerErr := d.publish(ctx, d.cfg.Topic, ev)
	if brokerErr != nil {
		logger.Error().Err(brokerErr).Str(xglog.FieldTopic, d.cfg.Topic).Msg("broker publish failed")
	}

	var sinkErr error
	if s.SinkURL != "" && d.sink != nil {
		sinkErr = d.deliver(ctx, s, ev)
		if sinkErr != nil {
			logger.Warn().Err(sinkErr).Msg("sink delivery failed")
			if d.cfg.Redelivery == RedeliveryBrokerReplay {
				topic := RedeliveryTopic(d.cfg.Topic)
				if err := d.publish(ctx, topic, ev); err != nil {
					logger.Error().Err(err).Str(xglog.FieldTopic, topic).Msg("redelivery publish failed")
					sinkErr = errors.Join(sinkErr, err)
				} else {
					logger.Info().Str(xglog.FieldTopic, topic).Msg("event queued for redelivery")
				}
			}
		}
	}

	return errors.Join(brokerErr, sinkErr)
}

func (d *Dispatcher) publish(ctx context.Context, topic string, ev Event) (err error) {
	ctx, span := d.tracer.Start(ctx, "notify.publish",
		trace.WithAttributes(telemetry.DeliveryAttributes("broker", ev.Type, "")...))
	defer func() { telemetry.End(span, err) }()

	start := time.Now()
	err = d.broker.Publish(ctx, topic, ev)
	metrics.RecordDelivery("broker", resultOf(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.ID, err)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, s *model.Session, ev Event) (err error) {
	credType := ""
	if s.SinkCredential != nil {
		credType = string(s.SinkCredential.Type())
	}
	ctx, span := d.tracer.Start(ctx, "notify.sink",
		trace.WithAttributes(telemetry.DeliveryAttributes("sink", ev.Type, credType)...))
	defer func() { telemetry.End(span, err) }()

	start := time.Now()
	err = d.sink.Deliver(ctx, Target{URL: s.SinkURL, Credential: s.SinkCredential}, ev)
	metrics.RecordDelivery("sink", resultOf(err), time.Since(start))
	return err
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var _ Notifier = (*Dispatcher)(nil)
