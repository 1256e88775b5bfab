package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ticketflow/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const dataField = "data"

// RedisBroker maps each subscription onto a Redis stream with one consumer
// group. An entry stays in the group's pending list from delivery until Ack,
// and is handed out again once it has been idle longer than the ack deadline.
type RedisBroker struct {
	client      redis.UniversalClient
	consumer    string
	ackDeadline time.Duration
	logger      *log.Logger
	groups      sync.Map
}

func NewRedisBroker(client redis.UniversalClient, consumer string, ackDeadline time.Duration, logger *log.Logger) *RedisBroker {
	if ackDeadline <= 0 {
		ackDeadline = 60 * time.Second
	}
	return &RedisBroker{
		client:      client,
		consumer:    consumer,
		ackDeadline: ackDeadline,
		logger:      logger.Named("broker"),
	}
}

// EnsureGroup creates the stream and consumer group for sub if needed.
func (b *RedisBroker) EnsureGroup(ctx context.Context, sub Subscription) error {
	if _, ok := b.groups.Load(sub.Name()); ok {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, sub.Stream(), sub.Name(), "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", sub.Name(), err)
	}
	b.groups.Store(sub.Name(), struct{}{})
	return nil
}

func (b *RedisBroker) Pull(ctx context.Context, sub Subscription, max int) ([]Delivery, error) {
	if max <= 0 {
		return nil, nil
	}
	if err := b.EnsureGroup(ctx, sub); err != nil {
		return nil, err
	}

	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   sub.Stream(),
		Group:    sub.Name(),
		Consumer: b.consumer,
		MinIdle:  b.ackDeadline,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaim expired deliveries from %s: %w", sub.Name(), err)
	}
	deliveries, orphans := b.toDeliveries(sub, claimed)
	if len(claimed) > 0 {
		b.logger.Info("Redelivering expired deliveries", zap.String("subscription", sub.Name()), zap.Int("count", len(claimed)))
	}

	remaining := max - len(deliveries)
	if remaining <= 0 {
		b.dropOrphans(ctx, sub, orphans)
		return deliveries, nil
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sub.Name(),
		Consumer: b.consumer,
		Streams:  []string{sub.Stream(), ">"},
		Count:    int64(remaining),
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		b.dropOrphans(ctx, sub, orphans)
		return deliveries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", sub.Name(), err)
	}
	for _, s := range streams {
		read, skipped := b.toDeliveries(sub, s.Messages)
		deliveries = append(deliveries, read...)
		orphans = append(orphans, skipped...)
	}
	b.dropOrphans(ctx, sub, orphans)
	return deliveries, nil
}

func (b *RedisBroker) Pending(ctx context.Context, sub Subscription, max int) ([]Delivery, error) {
	if max <= 0 {
		return nil, nil
	}
	if err := b.EnsureGroup(ctx, sub); err != nil {
		return nil, err
	}
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: sub.Stream(),
		Group:  sub.Name(),
		Start:  "-",
		End:    "+",
		Count:  int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending on %s: %w", sub.Name(), err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.XMessageSliceCmd, len(pending))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range pending {
			cmds[i] = pipe.XRangeN(ctx, sub.Stream(), p.ID, p.ID, 1)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load pending entries on %s: %w", sub.Name(), err)
	}
	var (
		deliveries []Delivery
		orphans    []string
	)
	for i, cmd := range cmds {
		msgs := cmd.Val()
		if len(msgs) == 0 {
			// deleted while still pending
			orphans = append(orphans, pending[i].ID)
			continue
		}
		found, skipped := b.toDeliveries(sub, msgs)
		deliveries = append(deliveries, found...)
		orphans = append(orphans, skipped...)
	}
	b.dropOrphans(ctx, sub, orphans)
	return deliveries, nil
}

// dropOrphans acknowledges pending entries that have no payload left so they
// do not sit in the group's pending list forever. Redis before 7.0 still hands
// deleted entries out of XAUTOCLAIM.
func (b *RedisBroker) dropOrphans(ctx context.Context, sub Subscription, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := b.client.XAck(ctx, sub.Stream(), sub.Name(), ids...).Err(); err != nil {
		b.logger.Warn("Failed to acknowledge entries without payload",
			zap.String("subscription", sub.Name()), zap.Strings("ids", ids), zap.Error(err))
		return
	}
	b.logger.Info("Acknowledged entries without payload",
		zap.String("subscription", sub.Name()), zap.Int("count", len(ids)))
}

// Ack acknowledges and deletes the entries so the stream does not grow with
// finished tickets.
func (b *RedisBroker) Ack(ctx context.Context, sub Subscription, handles ...AckHandle) error {
	if len(handles) == 0 {
		return nil
	}
	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = string(h)
	}
	var acked *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		acked = pipe.XAck(ctx, sub.Stream(), sub.Name(), ids...)
		pipe.XDel(ctx, sub.Stream(), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack on %s: %w", sub.Name(), err)
	}
	if n := acked.Val(); n < int64(len(ids)) {
		b.logger.Warn("Some deliveries were already acknowledged",
			zap.String("subscription", sub.Name()), zap.Int("requested", len(ids)), zap.Int64("acked", n))
	}
	return nil
}

// toDeliveries converts stream entries and returns the ids of entries that
// carry no payload separately.
func (b *RedisBroker) toDeliveries(sub Subscription, msgs []redis.XMessage) ([]Delivery, []string) {
	deliveries := make([]Delivery, 0, len(msgs))
	var orphans []string
	for _, msg := range msgs {
		attrs := make(map[string]string, len(msg.Values))
		var data []byte
		for k, v := range msg.Values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if k == dataField {
				data = []byte(s)
				continue
			}
			attrs[k] = s
		}
		if data == nil {
			// deleted or foreign entry; nothing a consumer can act on
			b.logger.Warn("Skipping stream entry without payload", zap.String("subscription", sub.Name()), zap.String("id", msg.ID))
			orphans = append(orphans, msg.ID)
			continue
		}
		deliveries = append(deliveries, Delivery{
			Handle:     AckHandle(msg.ID),
			Data:       data,
			Attributes: attrs,
		})
	}
	return deliveries, orphans
}
