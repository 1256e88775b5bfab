package queue

import (
	"context"
	"fmt"

	"ticketflow/internal/log"
	"ticketflow/internal/ticket"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher is the producer side of the topic. The priority attribute selects
// the tier partition, so consumers only ever see their own tier.
type Publisher struct {
	client redis.UniversalClient
	topic  string
	logger *log.Logger
}

func NewPublisher(client redis.UniversalClient, topic string, logger *log.Logger) *Publisher {
	return &Publisher{
		client: client,
		topic:  topic,
		logger: logger.Named("publisher"),
	}
}

// Publish returns the broker's message id.
func (p *Publisher) Publish(ctx context.Context, t ticket.Ticket) (string, error) {
	sub, err := NewSubscription(p.topic, t.Priority)
	if err != nil {
		return "", fmt.Errorf("publish ticket %s: %w", t.ID, err)
	}
	payload, err := ticket.Encode(t)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: sub.Stream(),
		Values: map[string]interface{}{
			dataField:    string(payload),
			AttrPriority: string(t.Priority),
			AttrTicketID: t.ID,
		},
	}).Result()
	if err != nil {
		p.logger.Error("Failed to publish ticket", zap.String("ticket_id", t.ID), zap.Error(err))
		return "", fmt.Errorf("publish ticket %s: %w", t.ID, err)
	}
	p.logger.Info("Published ticket",
		zap.String("ticket_id", t.ID), zap.String("priority", string(t.Priority)), zap.String("message_id", id))
	return id, nil
}
