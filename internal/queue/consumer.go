package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ticketflow/internal/log"
	"ticketflow/internal/metrics"
	"ticketflow/internal/ticket"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type ConsumerOptions struct {
	Topic string
	// RecoverBatch bounds how many deliveries Recover inspects per source.
	RecoverBatch int
	OpTimeout    time.Duration
	// ProcessedTTL is how long a successful ack is remembered, so a late
	// duplicate Acknowledge does not go looking for the message again.
	ProcessedTTL time.Duration
}

// Message is a decoded delivery.
type Message struct {
	Ticket ticket.Ticket
	Handle AckHandle
}

type handleKey struct {
	tier ticket.Priority
	id   string
}

func (k handleKey) String() string {
	return string(k.tier) + "/" + k.id
}

// Consumer pulls tier-filtered tickets and owns the table of outstanding ack
// handles. The table lives only in this process; Recover rebuilds what a
// restart loses.
type Consumer struct {
	broker       Broker
	topic        string
	recoverBatch int
	opTimeout    time.Duration
	logger       *log.Logger
	metrics      *metrics.Metrics

	mu      sync.Mutex
	handles map[handleKey]AckHandle

	flight    singleflight.Group
	processed *ttlcache.Cache[string, struct{}]
}

func NewConsumer(broker Broker, opts ConsumerOptions, m *metrics.Metrics, logger *log.Logger) *Consumer {
	if opts.RecoverBatch <= 0 {
		opts.RecoverBatch = 100
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.ProcessedTTL <= 0 {
		opts.ProcessedTTL = 10 * time.Minute
	}
	c := &Consumer{
		broker:       broker,
		topic:        opts.Topic,
		recoverBatch: opts.RecoverBatch,
		opTimeout:    opts.OpTimeout,
		logger:       logger.Named("consumer"),
		metrics:      m,
		handles:      make(map[handleKey]AckHandle),
		processed: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](opts.ProcessedTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
	go c.processed.Start()
	return c
}

// Close stops the processed-set janitor.
func (c *Consumer) Close() {
	c.processed.Stop()
}

func (c *Consumer) subscription(tier ticket.Priority) (Subscription, error) {
	return NewSubscription(c.topic, tier)
}

// Fetch pulls up to maxBatch tickets from the tier's partition. Deliveries
// that do not decode, or whose payload disagrees with the tier, are logged
// and left unacknowledged for the broker to redeliver.
func (c *Consumer) Fetch(ctx context.Context, tier ticket.Priority, maxBatch int) ([]Message, error) {
	sub, err := c.subscription(tier)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	deliveries, err := c.broker.Pull(ctx, sub, maxBatch)
	if err != nil {
		c.logger.Error("Failed to pull deliveries", zap.String("subscription", sub.Name()), zap.Error(err))
		return nil, fmt.Errorf("fetch %s: %w", tier, err)
	}

	msgs := make([]Message, 0, len(deliveries))
	for _, d := range deliveries {
		t, err := ticket.Decode(d.Data)
		if err != nil {
			c.logger.Warn("Skipping malformed delivery",
				zap.String("subscription", sub.Name()),
				zap.String("handle", string(d.Handle)),
				zap.String("ticket_id", d.Attributes[AttrTicketID]),
				zap.Error(err))
			c.metrics.Skipped(string(tier), "malformed")
			continue
		}
		if t.Priority != tier {
			c.logger.Warn("Skipping delivery routed to the wrong tier",
				zap.String("subscription", sub.Name()),
				zap.String("ticket_id", t.ID),
				zap.String("payload_priority", string(t.Priority)))
			c.metrics.Skipped(string(tier), "tier_mismatch")
			continue
		}
		msgs = append(msgs, Message{Ticket: t, Handle: d.Handle})
	}
	return msgs, nil
}

// Register records the outstanding delivery for a ticket, replacing any
// earlier handle for the same tier and id.
func (c *Consumer) Register(ticketID string, tier ticket.Priority, h AckHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[handleKey{tier: tier, id: ticketID}] = h
}

// Outstanding reports how many handles are registered.
func (c *Consumer) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

func (c *Consumer) take(k handleKey) (AckHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[k]
	if ok {
		delete(c.handles, k)
	}
	return h, ok
}

// restore puts a handle back after a failed ack unless a newer one arrived.
func (c *Consumer) restore(k handleKey, h AckHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[k]; !ok {
		c.handles[k] = h
	}
}

func (c *Consumer) drop(k handleKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, k)
}

// Acknowledge releases the ticket's delivery. Without a registered handle it
// falls back to Recover. Concurrent calls for the same ticket share one
// attempt, and a ticket acknowledged within ProcessedTTL is not acked again.
func (c *Consumer) Acknowledge(ctx context.Context, ticketID string, tier ticket.Priority) bool {
	k := handleKey{tier: tier, id: ticketID}
	v, _, _ := c.flight.Do(k.String(), func() (interface{}, error) {
		return c.acknowledge(ctx, k), nil
	})
	return v.(bool)
}

func (c *Consumer) acknowledge(ctx context.Context, k handleKey) bool {
	sub, err := c.subscription(k.tier)
	if err != nil {
		c.logger.Error("Cannot acknowledge ticket", zap.String("ticket_id", k.id), zap.Error(err))
		return false
	}
	if h, ok := c.take(k); ok {
		if err := c.ack(ctx, sub, h); err != nil {
			c.logger.Error("Failed to acknowledge delivery",
				zap.String("ticket_id", k.id), zap.String("subscription", sub.Name()), zap.Error(err))
			c.restore(k, h)
			c.metrics.Ack(string(k.tier), "failed")
			return false
		}
		c.processed.Set(k.String(), struct{}{}, ttlcache.DefaultTTL)
		c.metrics.Ack(string(k.tier), "direct")
		c.logger.Info("Acknowledged delivery", zap.String("ticket_id", k.id), zap.String("subscription", sub.Name()))
		return true
	}
	if c.processed.Get(k.String()) != nil {
		c.logger.Info("Ticket already acknowledged", zap.String("ticket_id", k.id), zap.String("tier", string(k.tier)))
		return true
	}
	c.logger.Warn("No ack handle for ticket, attempting recovery", zap.String("ticket_id", k.id), zap.String("tier", string(k.tier)))
	return c.recover(ctx, sub, k)
}

// Recover searches the tier's outstanding and fresh deliveries for the
// ticket and acknowledges the first match.
func (c *Consumer) Recover(ctx context.Context, ticketID string, tier ticket.Priority) bool {
	k := handleKey{tier: tier, id: ticketID}
	sub, err := c.subscription(tier)
	if err != nil {
		c.logger.Error("Cannot recover ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		return false
	}
	v, _, _ := c.flight.Do(k.String(), func() (interface{}, error) {
		return c.recover(ctx, sub, k), nil
	})
	return v.(bool)
}

func (c *Consumer) recover(ctx context.Context, sub Subscription, k handleKey) bool {
	sources := []struct {
		name string
		pull func(context.Context, Subscription, int) ([]Delivery, error)
	}{
		{"pending", c.broker.Pending},
		{"pull", c.broker.Pull},
	}
	for _, src := range sources {
		pullCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		deliveries, err := src.pull(pullCtx, sub, c.recoverBatch)
		cancel()
		if err != nil {
			c.logger.Error("Recovery pull failed",
				zap.String("ticket_id", k.id), zap.String("source", src.name), zap.Error(err))
			continue
		}
		h, ok := matchDelivery(deliveries, k.id)
		if !ok {
			continue
		}
		if err := c.ack(ctx, sub, h); err != nil {
			c.logger.Error("Failed to acknowledge recovered delivery", zap.String("ticket_id", k.id), zap.Error(err))
			c.metrics.Ack(string(k.tier), "failed")
			return false
		}
		c.drop(k)
		c.processed.Set(k.String(), struct{}{}, ttlcache.DefaultTTL)
		c.metrics.Ack(string(k.tier), "recovered")
		c.logger.Info("Recovered and acknowledged delivery",
			zap.String("ticket_id", k.id), zap.String("source", src.name), zap.String("handle", string(h)))
		return true
	}
	c.metrics.Ack(string(k.tier), "missing")
	c.logger.Warn("Could not find delivery to acknowledge", zap.String("ticket_id", k.id), zap.String("subscription", sub.Name()))
	return false
}

// AckDelivery acknowledges a handle directly, bypassing the table. The
// dispatcher uses it for redeliveries of tickets that are already closed and
// for the early-ack mode.
func (c *Consumer) AckDelivery(ctx context.Context, ticketID string, tier ticket.Priority, h AckHandle) error {
	sub, err := c.subscription(tier)
	if err != nil {
		return err
	}
	if err := c.ack(ctx, sub, h); err != nil {
		c.metrics.Ack(string(tier), "failed")
		return err
	}
	c.processed.Set(handleKey{tier: tier, id: ticketID}.String(), struct{}{}, ttlcache.DefaultTTL)
	c.metrics.Ack(string(tier), "direct")
	return nil
}

func (c *Consumer) ack(ctx context.Context, sub Subscription, h AckHandle) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.broker.Ack(ctx, sub, h)
}

// matchDelivery prefers the ticketId attribute and falls back to decoding the
// payload for messages published without it.
func matchDelivery(deliveries []Delivery, ticketID string) (AckHandle, bool) {
	for _, d := range deliveries {
		if d.Attributes[AttrTicketID] == ticketID {
			return d.Handle, true
		}
		t, err := ticket.Decode(d.Data)
		if err == nil && t.ID == ticketID {
			return d.Handle, true
		}
	}
	return "", false
}
