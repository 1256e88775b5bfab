package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ticketflow/internal/ticket"

	"k8s.io/utils/clock"
)

// MemoryBroker is an in-process Broker with the same delivery rules as
// RedisBroker. It is a test fake for the consumer and the layers above it;
// app wiring always uses RedisBroker.
type MemoryBroker struct {
	mu          sync.Mutex
	clock       clock.PassiveClock
	ackDeadline time.Duration
	seq         int
	partitions  map[string]*partition
	acks        []AckHandle
}

type entry struct {
	handle      AckHandle
	delivery    Delivery
	deliveredAt time.Time
	delivered   bool
}

type partition struct {
	entries []*entry
}

func NewMemoryBroker(clk clock.PassiveClock, ackDeadline time.Duration) *MemoryBroker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryBroker{
		clock:       clk,
		ackDeadline: ackDeadline,
		partitions:  make(map[string]*partition),
	}
}

func (b *MemoryBroker) partition(sub Subscription) *partition {
	p, ok := b.partitions[sub.Name()]
	if !ok {
		p = &partition{}
		b.partitions[sub.Name()] = p
	}
	return p
}

// Add enqueues a raw message on sub and returns its handle.
func (b *MemoryBroker) Add(sub Subscription, data []byte, attrs map[string]string) AckHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	h := AckHandle(sub.Name() + "-" + strconv.Itoa(b.seq))
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	p := b.partition(sub)
	p.entries = append(p.entries, &entry{
		handle:   h,
		delivery: Delivery{Handle: h, Data: data, Attributes: copied},
	})
	return h
}

func (b *MemoryBroker) Pull(_ context.Context, sub Subscription, max int) ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	p := b.partition(sub)
	var out []Delivery
	// expired deliveries first, then fresh ones
	for _, pass := range []bool{true, false} {
		for _, e := range p.entries {
			if len(out) >= max {
				return out, nil
			}
			if e.delivered != pass {
				continue
			}
			if e.delivered && now.Sub(e.deliveredAt) < b.ackDeadline {
				continue
			}
			e.delivered = true
			e.deliveredAt = now
			out = append(out, e.delivery)
		}
	}
	return out, nil
}

func (b *MemoryBroker) Pending(_ context.Context, sub Subscription, max int) ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Delivery
	for _, e := range b.partition(sub).entries {
		if len(out) >= max {
			break
		}
		if e.delivered {
			out = append(out, e.delivery)
		}
	}
	return out, nil
}

func (b *MemoryBroker) Ack(_ context.Context, sub Subscription, handles ...AckHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.partition(sub)
	for _, h := range handles {
		idx := -1
		for i, e := range p.entries {
			if e.handle == h {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("ack on %s: unknown handle %s", sub.Name(), h)
		}
		p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
		b.acks = append(b.acks, h)
	}
	return nil
}

// Acks returns every handle acknowledged so far, in order.
func (b *MemoryBroker) Acks() []AckHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AckHandle(nil), b.acks...)
}

// Len reports how many messages on sub are not yet acknowledged.
func (b *MemoryBroker) Len(sub Subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.partition(sub).entries)
}

// MemoryPublisher routes tickets onto a MemoryBroker the way Publisher routes
// them onto Redis streams.
type MemoryPublisher struct {
	broker *MemoryBroker
	topic  string
}

func NewMemoryPublisher(b *MemoryBroker, topic string) *MemoryPublisher {
	return &MemoryPublisher{broker: b, topic: topic}
}

func (p *MemoryPublisher) Publish(_ context.Context, t ticket.Ticket) (string, error) {
	sub, err := NewSubscription(p.topic, t.Priority)
	if err != nil {
		return "", fmt.Errorf("publish ticket %s: %w", t.ID, err)
	}
	payload, err := ticket.Encode(t)
	if err != nil {
		return "", err
	}
	h := p.broker.Add(sub, payload, map[string]string{
		AttrPriority: string(t.Priority),
		AttrTicketID: t.ID,
	})
	return string(h), nil
}
