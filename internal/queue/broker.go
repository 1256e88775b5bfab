// Package queue consumes tickets from the per-tier partitions of the ticket
// topic and tracks which deliveries are still waiting for acknowledgment.
package queue

import (
	"context"
	"errors"
	"fmt"

	"ticketflow/internal/ticket"
)

var ErrUnknownTier = errors.New("unknown tier")

const (
	AttrPriority = "priority"
	AttrTicketID = "ticketId"
)

// AckHandle proves a delivery is outstanding. It is only meaningful to the
// broker that produced it.
type AckHandle string

type Delivery struct {
	Handle     AckHandle
	Data       []byte
	Attributes map[string]string
}

// Subscription is one tier's partition of a topic.
type Subscription struct {
	Topic string
	Tier  ticket.Priority
}

func NewSubscription(topic string, tier ticket.Priority) (Subscription, error) {
	if !tier.Valid() {
		return Subscription{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return Subscription{Topic: topic, Tier: tier}, nil
}

// Name follows the {topic}-{tier}-sub convention.
func (s Subscription) Name() string {
	return s.Topic + "-" + string(s.Tier) + "-sub"
}

// Stream is the partition the publisher routes this tier's messages to.
func (s Subscription) Stream() string {
	return s.Topic + ":" + string(s.Tier)
}

// Broker is the minimum delivery/acknowledgment surface the consumer needs.
type Broker interface {
	// Pull hands out up to max deliveries: ones whose ack deadline has lapsed
	// first, then never-delivered messages.
	Pull(ctx context.Context, sub Subscription, max int) ([]Delivery, error)
	// Pending lists up to max deliveries that were handed out and are still
	// unacknowledged, without redelivering them.
	Pending(ctx context.Context, sub Subscription, max int) ([]Delivery, error)
	Ack(ctx context.Context, sub Subscription, handles ...AckHandle) error
}
