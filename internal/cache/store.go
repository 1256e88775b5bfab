// Package cache keeps the working set of tickets. Redis is the primary tier;
// a process-local map takes over after the first primary failure and keeps
// serving until an operator calls Reset.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ticketflow/internal/log"
	"ticketflow/internal/ticket"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

type State int32

const (
	Healthy State = iota
	Degraded
)

func (s State) String() string {
	if s == Degraded {
		return "degraded"
	}
	return "healthy"
}

const DefaultTTL = 7 * 24 * time.Hour

type Options struct {
	Prefix    string
	TTL       time.Duration
	OpTimeout time.Duration
	Clock     clock.PassiveClock
	// OnStateChange is called after every transition, including Reset.
	OnStateChange func(State)
}

type Store struct {
	client    redis.UniversalClient
	mem       *memoryTier
	keys      keySpace
	ttl       time.Duration
	opTimeout time.Duration
	clock     clock.PassiveClock
	logger    *log.Logger
	state     atomic.Int32
	onState   func(State)
}

// NewStore builds a store over client. A nil client starts the store
// degraded, serving from memory only.
func NewStore(client redis.UniversalClient, opts Options, logger *log.Logger) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	s := &Store{
		client:    client,
		mem:       newMemoryTier(),
		keys:      keySpace{prefix: opts.Prefix},
		ttl:       opts.TTL,
		opTimeout: opts.OpTimeout,
		clock:     opts.Clock,
		logger:    logger.Named("cache"),
		onState:   opts.OnStateChange,
	}
	if client == nil {
		s.state.Store(int32(Degraded))
		s.logger.Warn("No Redis client configured, serving tickets from memory")
	}
	return s
}

func (s *Store) State() State {
	return State(s.state.Load())
}

// Reset returns the store to the primary tier. Tickets written to memory while
// degraded are not copied back.
func (s *Store) Reset() {
	if s.client == nil {
		s.logger.Warn("Reset ignored, no Redis client configured")
		return
	}
	if s.state.Swap(int32(Healthy)) == int32(Degraded) {
		s.logger.Info("Cache reset to primary tier")
	}
	s.notify(Healthy)
}

// Ping checks the primary without touching the failover state.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return errors.New("no redis client configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) usePrimary() bool {
	return s.client != nil && s.State() == Healthy
}

// degrade flips to the secondary tier. Failures caused by the caller's own
// context are not held against the primary.
func (s *Store) degrade(parent context.Context, op string, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if s.state.CompareAndSwap(int32(Healthy), int32(Degraded)) {
		s.logger.Error("Redis operation failed, switching to in-memory cache",
			zap.String("op", op), zap.Error(err))
		s.notify(Degraded)
	}
	return true
}

func (s *Store) notify(st State) {
	if s.onState != nil {
		s.onState(st)
	}
}

// Put upserts the ticket and its index memberships on a single tier.
func (s *Store) Put(ctx context.Context, t ticket.Ticket) error {
	if err := t.Validate(); err != nil {
		return err
	}
	payload, err := ticket.Encode(t)
	if err != nil {
		return err
	}
	if s.usePrimary() {
		err := s.putPrimary(ctx, t, payload)
		if err == nil {
			return nil
		}
		if !s.degrade(ctx, "put", err) {
			return fmt.Errorf("put ticket %s: %w", t.ID, err)
		}
	}
	s.mem.put(t, payload)
	return nil
}

func (s *Store) putPrimary(ctx context.Context, t ticket.Ticket, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queuePut(ctx, pipe, t, payload)
		return nil
	})
	return err
}

func (s *Store) queuePut(ctx context.Context, pipe redis.Pipeliner, t ticket.Ticket, payload []byte) {
	pipe.Set(ctx, s.keys.ticket(t.ID), payload, s.ttl)
	for _, st := range []ticket.Status{ticket.Open, ticket.Closed} {
		if st == t.Status {
			pipe.SAdd(ctx, s.keys.status(st), t.ID)
		} else {
			pipe.SRem(ctx, s.keys.status(st), t.ID)
		}
	}
	for _, p := range ticket.Tiers() {
		if p == t.Priority {
			pipe.SAdd(ctx, s.keys.priority(p), t.ID)
		} else {
			pipe.SRem(ctx, s.keys.priority(p), t.ID)
		}
	}
}

const maxWatchRetries = 5

var errWatchConflict = errors.New("ticket kept changing during write")

// PutIfNotClosed upserts t unless the stored copy is already closed. It
// reports whether t was written. Status only moves from open to closed, so a
// queued payload never overwrites a close that happened after it was read.
func (s *Store) PutIfNotClosed(ctx context.Context, t ticket.Ticket) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	payload, err := ticket.Encode(t)
	if err != nil {
		return false, err
	}
	if s.usePrimary() {
		stored, err := s.putIfNotClosedPrimary(ctx, t, payload)
		if err == nil {
			return stored, nil
		}
		if errors.Is(err, errWatchConflict) || !s.degrade(ctx, "put", err) {
			return false, fmt.Errorf("put ticket %s: %w", t.ID, err)
		}
	}
	return s.mem.putIfNotClosed(t, payload, ticket.Decode), nil
}

func (s *Store) putIfNotClosedPrimary(ctx context.Context, t ticket.Ticket, payload []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	key := s.keys.ticket(t.ID)
	var stored bool
	txf := func(tx *redis.Tx) error {
		stored = false
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && storedClosed(data) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queuePut(ctx, pipe, t, payload)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return stored, err
	}
	return false, errWatchConflict
}

func storedClosed(data []byte) bool {
	cur, err := ticket.Decode(data)
	return err == nil && cur.Status == ticket.Closed
}

// Get loads a ticket. A missing ticket is reported through the bool, never as
// an error.
func (s *Store) Get(ctx context.Context, id string) (ticket.Ticket, bool, error) {
	var (
		data []byte
		ok   bool
	)
	if s.usePrimary() {
		var err error
		data, ok, err = s.getPrimary(ctx, id)
		if err != nil {
			if !s.degrade(ctx, "get", err) {
				return ticket.Ticket{}, false, fmt.Errorf("get ticket %s: %w", id, err)
			}
			data, ok = s.mem.get(id)
		}
	} else {
		data, ok = s.mem.get(id)
	}
	if !ok {
		return ticket.Ticket{}, false, nil
	}
	t, err := ticket.Decode(data)
	if err != nil {
		return ticket.Ticket{}, false, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return t, true, nil
}

func (s *Store) getPrimary(ctx context.Context, id string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	data, err := s.client.Get(ctx, s.keys.ticket(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Close marks a ticket closed by actor and moves it to the closed set.
// Concurrent closers of the same id are not serialized; the last write wins.
func (s *Store) Close(ctx context.Context, id, actor string) (ticket.Ticket, bool, error) {
	t, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		return ticket.Ticket{}, ok, err
	}
	now := s.clock.Now().UTC()
	t.Status = ticket.Closed
	t.ClosedBy = actor
	t.ClosedAt = &now
	if err := s.Put(ctx, t); err != nil {
		return ticket.Ticket{}, false, err
	}
	s.logger.Info("Ticket closed", zap.String("ticket_id", id), zap.String("closed_by", actor))
	return t, true, nil
}

func (s *Store) ListOpen(ctx context.Context) ([]ticket.Ticket, error) {
	return s.list(ctx, s.keys.status(ticket.Open), func() []string { return s.mem.byStatus(ticket.Open) })
}

func (s *Store) ListByPriority(ctx context.Context, p ticket.Priority) ([]ticket.Ticket, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("list tickets: %w: %q", ticket.ErrInvalidPriority, p)
	}
	return s.list(ctx, s.keys.priority(p), func() []string { return s.mem.byPriority(p) })
}

func (s *Store) list(ctx context.Context, setKey string, memIDs func() []string) ([]ticket.Ticket, error) {
	if s.usePrimary() {
		tickets, err := s.listPrimary(ctx, setKey)
		if err == nil {
			return tickets, nil
		}
		if !s.degrade(ctx, "list", err) {
			return nil, fmt.Errorf("list %s: %w", setKey, err)
		}
	}
	var tickets []ticket.Ticket
	for _, id := range memIDs() {
		data, ok := s.mem.get(id)
		if !ok {
			continue
		}
		if t, ok := s.decodeOrSkip(id, data); ok {
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

func (s *Store) listPrimary(ctx context.Context, setKey string) ([]ticket.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.ticket(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var tickets []ticket.Ticket
	for i, v := range values {
		data, ok := redisBytes(v)
		if !ok {
			// indexed but expired
			continue
		}
		if t, ok := s.decodeOrSkip(ids[i], data); ok {
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

func (s *Store) decodeOrSkip(id string, data []byte) (ticket.Ticket, bool) {
	t, err := ticket.Decode(data)
	if err != nil {
		s.logger.Warn("Skipping undecodable cached ticket", zap.String("ticket_id", id), zap.Error(err))
		return ticket.Ticket{}, false
	}
	return t, true
}

// Sweep removes closed tickets created more than retention ago and returns
// them. Each ticket's payload and set memberships are removed together.
func (s *Store) Sweep(ctx context.Context, retention time.Duration) ([]ticket.Ticket, error) {
	cutoff := s.clock.Now().Add(-retention)
	var removed []ticket.Ticket
	if s.usePrimary() {
		var err error
		removed, err = s.sweepPrimary(ctx, cutoff)
		if err == nil {
			s.logSweep(removed)
			return removed, nil
		}
		if !s.degrade(ctx, "sweep", err) {
			return removed, fmt.Errorf("sweep: %w", err)
		}
	}
	removed = append(removed, s.mem.sweep(cutoff, ticket.Decode)...)
	s.logSweep(removed)
	return removed, nil
}

func (s *Store) sweepPrimary(ctx context.Context, cutoff time.Time) ([]ticket.Ticket, error) {
	closed, err := s.listPrimary(ctx, s.keys.status(ticket.Closed))
	if err != nil {
		return nil, err
	}
	var removed []ticket.Ticket
	for _, t := range closed {
		if !t.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.removePrimary(ctx, t.ID); err != nil {
			return removed, err
		}
		removed = append(removed, t)
	}
	return removed, nil
}

func (s *Store) removePrimary(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.ticket(id))
		pipe.SRem(ctx, s.keys.status(ticket.Open), id)
		pipe.SRem(ctx, s.keys.status(ticket.Closed), id)
		for _, p := range ticket.Tiers() {
			pipe.SRem(ctx, s.keys.priority(p), id)
		}
		return nil
	})
	return err
}

func (s *Store) logSweep(removed []ticket.Ticket) {
	if len(removed) > 0 {
		s.logger.Info("Swept closed tickets", zap.Int("count", len(removed)), zap.String("tier", s.State().String()))
	}
}

func redisBytes(v interface{}) ([]byte, bool) {
	switch x := v.(type) {
	case string:
		return []byte(x), true
	case []byte:
		return x, true
	}
	return nil, false
}

type keySpace struct {
	prefix string
}

func (k keySpace) ticket(id string) string {
	return k.prefix + "ticket:" + id
}

func (k keySpace) status(s ticket.Status) string {
	return k.prefix + string(s) + "-tickets"
}

func (k keySpace) priority(p ticket.Priority) string {
	return k.prefix + "priority:" + string(p) + "-tickets"
}
