package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticketflow/internal/archive"
	"ticketflow/internal/dispatch"
	"ticketflow/internal/log"
	"ticketflow/internal/metrics"
	"ticketflow/internal/ticket"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// archiveGrace bounds archiving of already swept tickets after the caller's
// context has ended.
const archiveGrace = 10 * time.Second

var (
	ErrNotFound     = errors.New("ticket not found")
	ErrInvalidInput = errors.New("invalid ticket")
)

type Cache interface {
	Put(ctx context.Context, t ticket.Ticket) error
	Get(ctx context.Context, id string) (ticket.Ticket, bool, error)
	Close(ctx context.Context, id, actor string) (ticket.Ticket, bool, error)
	ListOpen(ctx context.Context) ([]ticket.Ticket, error)
	ListByPriority(ctx context.Context, p ticket.Priority) ([]ticket.Ticket, error)
	Sweep(ctx context.Context, retention time.Duration) ([]ticket.Ticket, error)
}

type Publisher interface {
	Publish(ctx context.Context, t ticket.Ticket) (string, error)
}

type Acknowledger interface {
	Acknowledge(ctx context.Context, ticketID string, tier ticket.Priority) bool
}

type Options struct {
	// Retention is how old a closed ticket gets before it is archived and
	// dropped from the cache.
	Retention time.Duration
	Clock     clock.PassiveClock
}

// NewTicket is what a submitter provides.
type NewTicket struct {
	Title       string
	Description string
	Submitter   string
	Priority    string
	Attachments []string
}

type CloseResult struct {
	Ticket   ticket.Ticket
	Archived bool
	Acked    bool
}

type SweepResult struct {
	Removed  int
	Archived int
}

// Service is the ticket lifecycle around the dispatch core: creation,
// closing with deferred acknowledgment, re-notification and retention.
type Service struct {
	cache     Cache
	publisher Publisher
	acks      Acknowledger
	notifier  dispatch.Notifier
	archiver  archive.Archiver
	retention time.Duration
	clock     clock.PassiveClock
	metrics   *metrics.Metrics
	logger    *log.Logger
}

func New(c Cache, p Publisher, acks Acknowledger, n dispatch.Notifier, a archive.Archiver, opts Options, m *metrics.Metrics, logger *log.Logger) *Service {
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Service{
		cache:     c,
		publisher: p,
		acks:      acks,
		notifier:  n,
		archiver:  a,
		retention: opts.Retention,
		clock:     opts.Clock,
		metrics:   m,
		logger:    logger.Named("service"),
	}
}

// Create assigns an id, publishes the ticket to its tier and caches it. The
// ticket is already on the queue when caching fails, so that failure is only
// logged; the dispatcher caches it again on delivery.
func (s *Service) Create(ctx context.Context, in NewTicket) (ticket.Ticket, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return ticket.Ticket{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	priority, err := ticket.ParsePriority(in.Priority)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t := ticket.Ticket{
		ID:          uuid.NewString(),
		Title:       title,
		Description: in.Description,
		Submitter:   in.Submitter,
		Priority:    priority,
		Status:      ticket.Open,
		Attachments: in.Attachments,
		CreatedAt:   s.clock.Now().UTC(),
	}

	msgID, err := s.publisher.Publish(ctx, t)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	if err := s.cache.Put(ctx, t); err != nil {
		s.logger.Warn("Failed to cache new ticket", zap.String("ticket_id", t.ID), zap.Error(err))
	}
	s.logger.Info("Ticket created",
		zap.String("ticket_id", t.ID), zap.String("priority", string(priority)), zap.String("message_id", msgID))
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (ticket.Ticket, error) {
	t, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if !ok {
		return ticket.Ticket{}, ErrNotFound
	}
	return t, nil
}

func (s *Service) ListOpen(ctx context.Context) ([]ticket.Ticket, error) {
	return s.cache.ListOpen(ctx)
}

func (s *Service) ListByPriority(ctx context.Context, p ticket.Priority) ([]ticket.Ticket, error) {
	return s.cache.ListByPriority(ctx, p)
}

// Close marks the ticket closed by actor, archives it right away when it is
// already past the retention window, and releases its queue delivery.
// An archive failure does not stop the acknowledgment; it is returned after.
func (s *Service) Close(ctx context.Context, id, actor string) (CloseResult, error) {
	t, ok, err := s.cache.Close(ctx, id, actor)
	if err != nil {
		return CloseResult{}, fmt.Errorf("close ticket %s: %w", id, err)
	}
	if !ok {
		return CloseResult{}, ErrNotFound
	}
	res := CloseResult{Ticket: t}

	var archiveErr error
	if t.OlderThan(s.retention, s.clock.Now()) {
		if archiveErr = s.archiver.Archive(ctx, t, actor); archiveErr == nil {
			res.Archived = true
			s.metrics.Archived(1)
			s.logger.Info("Archived ticket on close", zap.String("ticket_id", id))
		}
	}

	res.Acked = s.acks.Acknowledge(ctx, id, t.Priority)
	if !res.Acked {
		s.logger.Warn("Closed ticket without releasing its delivery", zap.String("ticket_id", id))
	}
	s.logger.Info("Ticket closed",
		zap.String("ticket_id", id), zap.String("closed_by", actor), zap.Bool("acked", res.Acked))
	if archiveErr != nil {
		return res, fmt.Errorf("archive ticket %s: %w", id, archiveErr)
	}
	return res, nil
}

// Notify sends the ticket's notification again.
func (s *Service) Notify(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.notifier.Send(ctx, t); err != nil {
		s.metrics.NotifyFailed(string(t.Priority))
		return err
	}
	return nil
}

// SweepAndArchive removes closed tickets past retention from the cache and
// archives each one. A sweep that fails part way still reports what it
// removed, and those tickets are archived before its error is returned.
func (s *Service) SweepAndArchive(ctx context.Context) (SweepResult, error) {
	removed, err := s.cache.Sweep(ctx, s.retention)
	res := SweepResult{Removed: len(removed)}
	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep: %w", err))
	}
	if ctx.Err() != nil && len(removed) > 0 {
		// the tickets are already out of the cache
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), archiveGrace)
		defer cancel()
	}
	for _, t := range removed {
		if err := s.archiver.Archive(ctx, t, t.ClosedBy); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Archived++
		s.metrics.Archived(1)
	}
	if len(removed) > 0 {
		s.logger.Info("Swept closed tickets", zap.Int("removed", res.Removed), zap.Int("archived", res.Archived))
	}
	return res, errors.Join(errs...)
}
