// Package notify is the fire-and-forget outbound sink referenced but not
// specified by the core: offer/ride events are published to NATS
// for whatever email/push channel subscribes downstream.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ridellite/internal/domain"
)

// EventType names the dispatch-core events a downstream notification
// channel cares about.
type EventType string

const (
	EventOfferSent     EventType = "OfferSent"
	EventOfferAccepted EventType = "OfferAccepted"
	EventRideFailed    EventType = "RideFailed"
	EventRideCanceled  EventType = "RideCanceled"
	EventRideStatus    EventType = "RideStatusChanged"
)

// Event is the payload published for every notification-worthy occurrence.
type Event struct {
	Type     EventType         `json:"type"`
	RideID   uuid.UUID         `json:"ride_id"`
	DriverID *uuid.UUID        `json:"driver_id,omitempty"`
	Status   domain.RideStatus `json:"status,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink publishes events; failures are never retried (offers.Service
// discards the error), since the dispatch contract models this as
// fire-and-forget, not a durable outbox.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// NatsSink publishes to a single NATS subject.
type NatsSink struct {
	conn    *nats.Conn
	subject string
}

// NewNatsSink constructs a Sink. A nil conn makes Publish a no-op, so
// components can be wired without a NATS dependency in tests.
func NewNatsSink(conn *nats.Conn, subject string) *NatsSink {
	if subject == "" {
		subject = "dispatch.events"
	}
	return &NatsSink{conn: conn, subject: subject}
}

func (s *NatsSink) Publish(ctx context.Context, event Event) error {
	if s == nil || s.conn == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.conn.PublishMsg(&nats.Msg{
		Subject: s.subject,
		Data:    payload,
		Header: map[string][]string{
			"x-trace-id":   {traceIDFromContext(ctx)},
			"x-event-type": {string(event.Type)},
		},
	})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
