package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ticketflow/internal/log"
	"ticketflow/internal/metrics"
	"ticketflow/internal/queue"
	"ticketflow/internal/ticket"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Notifier tells downstream people about a ticket.
type Notifier interface {
	Send(ctx context.Context, t ticket.Ticket) error
}

// Cache is the part of the ticket store the dispatcher writes to.
// PutIfNotClosed must leave an already closed ticket untouched and report
// false for it.
type Cache interface {
	PutIfNotClosed(ctx context.Context, t ticket.Ticket) (bool, error)
}

// Consumer is the queue side of a cycle.
type Consumer interface {
	Fetch(ctx context.Context, tier ticket.Priority, maxBatch int) ([]queue.Message, error)
	Register(ticketID string, tier ticket.Priority, h queue.AckHandle)
	AckDelivery(ctx context.Context, ticketID string, tier ticket.Priority, h queue.AckHandle) error
}

type Options struct {
	MaxBatch  int
	Workers   int
	OpTimeout time.Duration
	// AckOnRead acknowledges each delivery as soon as it is cached instead of
	// when the ticket is closed. A crash before the ticket is handled then
	// loses it.
	AckOnRead bool
}

// Result describes one cycle. Tier is empty when Handled is false.
type Result struct {
	Tier         ticket.Priority
	Handled      bool
	Processed    int
	AlreadyDone  int
	Failed       int
	NotifyFailed int
}

type Dispatcher struct {
	consumer Consumer
	cache    Cache
	notifier Notifier
	opts     Options
	metrics  *metrics.Metrics
	logger   *log.Logger
}

func NewDispatcher(consumer Consumer, cache Cache, notifier Notifier, opts Options, m *metrics.Metrics, logger *log.Logger) *Dispatcher {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	logger = logger.Named("dispatcher")
	if opts.AckOnRead {
		logger.Warn("Early acknowledgment enabled; tickets are acked on read and may be lost on crash")
	}
	return &Dispatcher{
		consumer: consumer,
		cache:    cache,
		notifier: notifier,
		opts:     opts,
		metrics:  m,
		logger:   logger,
	}
}

// RunCycle drains the first non-empty tier in [high, medium, low] order and
// stops there. A tier whose fetch fails is skipped; the fetch errors are only
// returned when no tier had work.
func (d *Dispatcher) RunCycle(ctx context.Context) (Result, error) {
	var fetchErrs []error
	for _, tier := range ticket.Tiers() {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		msgs, err := d.consumer.Fetch(ctx, tier, d.opts.MaxBatch)
		if err != nil {
			d.logger.Error("Fetch failed, moving to next tier", zap.String("tier", string(tier)), zap.Error(err))
			fetchErrs = append(fetchErrs, err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		res := d.processBatch(ctx, tier, msgs)
		d.metrics.Cycle(string(tier))
		d.logger.Info("Processed tier",
			zap.String("tier", string(tier)),
			zap.Int("processed", res.Processed),
			zap.Int("already_closed", res.AlreadyDone),
			zap.Int("failed", res.Failed),
			zap.Int("notify_failed", res.NotifyFailed))
		return res, nil
	}

	d.metrics.Cycle("none")
	if len(fetchErrs) > 0 {
		return Result{}, fmt.Errorf("no tier fetched: %w", errors.Join(fetchErrs...))
	}
	d.logger.Info("No tickets to process")
	return Result{}, nil
}

func (d *Dispatcher) processBatch(ctx context.Context, tier ticket.Priority, msgs []queue.Message) Result {
	var processed, alreadyDone, failed, notifyFailed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			switch d.process(gctx, tier, msg) {
			case outcomeProcessed:
				processed.Add(1)
			case outcomeNotifyFailed:
				processed.Add(1)
				notifyFailed.Add(1)
			case outcomeAlreadyClosed:
				alreadyDone.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			// one ticket never cancels its siblings
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Tier:         tier,
		Handled:      true,
		Processed:    int(processed.Load()),
		AlreadyDone:  int(alreadyDone.Load()),
		Failed:       int(failed.Load()),
		NotifyFailed: int(notifyFailed.Load()),
	}
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeNotifyFailed
	outcomeAlreadyClosed
	outcomeFailed
)

func (d *Dispatcher) process(ctx context.Context, tier ticket.Priority, msg queue.Message) outcome {
	t := msg.Ticket
	fields := []zap.Field{zap.String("ticket_id", t.ID), zap.String("tier", string(tier))}

	opCtx, cancel := context.WithTimeout(ctx, d.opts.OpTimeout)
	stored, err := d.cache.PutIfNotClosed(opCtx, t)
	cancel()
	if err != nil {
		// left unregistered so the broker redelivers it
		d.logger.Error("Failed to cache ticket", append(fields, zap.Error(err))...)
		return outcomeFailed
	}
	if !stored {
		if err := d.consumer.AckDelivery(ctx, t.ID, tier, msg.Handle); err != nil {
			d.logger.Error("Failed to ack redelivery of closed ticket", append(fields, zap.Error(err))...)
			return outcomeFailed
		}
		d.logger.Info("Acked redelivery of closed ticket", fields...)
		return outcomeAlreadyClosed
	}
	d.metrics.Processed(string(tier))

	if d.opts.AckOnRead {
		if err := d.consumer.AckDelivery(ctx, t.ID, tier, msg.Handle); err != nil {
			d.logger.Error("Early ack failed, keeping handle", append(fields, zap.Error(err))...)
			d.consumer.Register(t.ID, tier, msg.Handle)
		}
	} else {
		d.consumer.Register(t.ID, tier, msg.Handle)
	}

	opCtx, cancel = context.WithTimeout(ctx, d.opts.OpTimeout)
	err = d.notifier.Send(opCtx, t)
	cancel()
	if err != nil {
		d.metrics.NotifyFailed(string(tier))
		d.logger.Error("Failed to notify for ticket", append(fields, zap.Error(err))...)
		return outcomeNotifyFailed
	}
	d.logger.Info("Ticket processed", fields...)
	return outcomeProcessed
}
