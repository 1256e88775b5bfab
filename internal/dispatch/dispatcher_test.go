package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"ticketflow/internal/cache"
	"ticketflow/internal/log"
	"ticketflow/internal/queue"
	"ticketflow/internal/ticket"

	"github.com/google/go-cmp/cmp"
	testingclock "k8s.io/utils/clock/testing"
)

const topic = "tickets"

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func (n *recordingNotifier) Send(_ context.Context, t ticket.Ticket) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, t.ID)
	if n.fail[t.ID] {
		return errors.New("smtp down")
	}
	return nil
}

func (n *recordingNotifier) ids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]string(nil), n.sent...)
	sort.Strings(out)
	return out
}

type harness struct {
	broker   *queue.MemoryBroker
	consumer *queue.Consumer
	store    *cache.Store
	notifier *recordingNotifier
	disp     *Dispatcher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(now)
	logger := log.NewNop()
	b := queue.NewMemoryBroker(clk, time.Minute)
	c := queue.NewConsumer(b, queue.ConsumerOptions{Topic: topic}, nil, logger)
	t.Cleanup(c.Close)
	s := cache.NewStore(nil, cache.Options{Prefix: "test:", Clock: clk}, logger)
	n := &recordingNotifier{fail: map[string]bool{}}
	return &harness{
		broker:   b,
		consumer: c,
		store:    s,
		notifier: n,
		disp:     NewDispatcher(c, s, n, opts, nil, logger),
	}
}

func (h *harness) publish(t *testing.T, tier ticket.Priority, n int) []string {
	t.Helper()
	pub := queue.NewMemoryPublisher(h.broker, topic)
	var ids []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", tier, i)
		if _, err := pub.Publish(context.Background(), ticket.Ticket{
			ID: id, Title: "Printer on fire", Priority: tier, Status: ticket.Open, CreatedAt: now,
		}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestCycleDrainsOnlyHighestTier(t *testing.T) {
	h := newHarness(t, Options{MaxBatch: 10})
	ctx := context.Background()
	highIDs := h.publish(t, ticket.High, 2)
	h.publish(t, ticket.Medium, 3)
	h.publish(t, ticket.Low, 1)

	res, err := h.disp.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	want := Result{Tier: ticket.High, Handled: true, Processed: 2}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(highIDs, h.notifier.ids()); diff != "" {
		t.Errorf("notified tickets mismatch (-want +got):\n%s", diff)
	}
	open, _ := h.store.ListOpen(ctx)
	if len(open) != 2 {
		t.Errorf("expected 2 cached tickets, got %d", len(open))
	}
	if h.consumer.Outstanding() != 2 {
		t.Errorf("expected 2 registered handles, got %d", h.consumer.Outstanding())
	}
	if n := len(h.broker.Acks()); n != 0 {
		t.Errorf("deferred mode must not ack on read, got %d acks", n)
	}
	mediumSub, _ := queue.NewSubscription(topic, ticket.Medium)
	if n := h.broker.Len(mediumSub); n != 3 {
		t.Errorf("medium tier should be untouched, %d left", n)
	}
}

func TestCycleFallsThroughToMedium(t *testing.T) {
	h := newHarness(t, Options{})
	ids := h.publish(t, ticket.Medium, 3)

	res, err := h.disp.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if res.Tier != ticket.Medium || res.Processed != 3 {
		t.Errorf("expected 3 medium tickets, got %+v", res)
	}
	if diff := cmp.Diff(ids, h.notifier.ids()); diff != "" {
		t.Errorf("notified tickets mismatch (-want +got):\n%s", diff)
	}
}

func TestCycleWithNoWork(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.disp.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if res.Handled || res.Tier != "" {
		t.Errorf("expected no work, got %+v", res)
	}
}

func TestCycleRespectsMaxBatch(t *testing.T) {
	h := newHarness(t, Options{MaxBatch: 2})
	h.publish(t, ticket.Low, 5)
	ctx := context.Background()

	total := 0
	for i := 0; i < 3; i++ {
		res, err := h.disp.RunCycle(ctx)
		if err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		if res.Processed > 2 {
			t.Fatalf("cycle %d exceeded batch size: %d", i, res.Processed)
		}
		total += res.Processed
	}
	if total != 5 {
		t.Errorf("expected 5 tickets over three cycles, got %d", total)
	}
}

func TestNotifierFailureDoesNotStopSiblings(t *testing.T) {
	h := newHarness(t, Options{})
	ids := h.publish(t, ticket.High, 3)
	h.notifier.fail[ids[1]] = true

	res, err := h.disp.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if res.Processed != 3 || res.NotifyFailed != 1 {
		t.Errorf("expected 3 processed with 1 notify failure, got %+v", res)
	}
	for _, id := range ids {
		if _, ok, _ := h.store.Get(context.Background(), id); !ok {
			t.Errorf("ticket %s should be cached", id)
		}
	}
	// the failed notification still leaves the delivery tracked for close
	if h.consumer.Outstanding() != 3 {
		t.Errorf("expected 3 registered handles, got %d", h.consumer.Outstanding())
	}
}

func TestAckOnReadAcknowledgesImmediately(t *testing.T) {
	h := newHarness(t, Options{AckOnRead: true})
	h.publish(t, ticket.Medium, 2)

	if _, err := h.disp.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if n := len(h.broker.Acks()); n != 2 {
		t.Errorf("expected 2 acks, got %d", n)
	}
	if h.consumer.Outstanding() != 0 {
		t.Errorf("nothing should be registered, got %d", h.consumer.Outstanding())
	}
}

func TestRedeliveryOfClosedTicketIsAckedNotReopened(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	ids := h.publish(t, ticket.High, 1)
	if err := h.store.Put(ctx, ticket.Ticket{ID: ids[0], Priority: ticket.High, Status: ticket.Closed, CreatedAt: now}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := h.disp.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if res.AlreadyDone != 1 || res.Processed != 0 {
		t.Errorf("expected the closed ticket to be skipped, got %+v", res)
	}
	got, _, _ := h.store.Get(ctx, ids[0])
	if got.Status != ticket.Closed {
		t.Errorf("ticket was reopened: %s", got.Status)
	}
	if n := len(h.broker.Acks()); n != 1 {
		t.Errorf("expected the redelivery to be acked, got %d acks", n)
	}
	if len(h.notifier.ids()) != 0 {
		t.Error("closed tickets must not be notified again")
	}
}

// closingCache closes each ticket right before the dispatcher's upsert lands.
type closingCache struct {
	store *cache.Store
}

func (c closingCache) PutIfNotClosed(ctx context.Context, t ticket.Ticket) (bool, error) {
	if _, _, err := c.store.Close(ctx, t.ID, "tech@example.com"); err != nil {
		return false, err
	}
	return c.store.PutIfNotClosed(ctx, t)
}

func TestCloseDuringUpsertKeepsTicketClosed(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	ids := h.publish(t, ticket.Medium, 1)
	if err := h.store.Put(ctx, ticket.Ticket{ID: ids[0], Title: "Printer on fire", Priority: ticket.Medium, Status: ticket.Open, CreatedAt: now}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d := NewDispatcher(h.consumer, closingCache{store: h.store}, h.notifier, Options{}, nil, log.NewNop())

	res, err := d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	want := Result{Tier: ticket.Medium, Handled: true, AlreadyDone: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	got, _, _ := h.store.Get(ctx, ids[0])
	if got.Status != ticket.Closed || got.ClosedBy != "tech@example.com" || got.ClosedAt == nil {
		t.Errorf("close was overwritten: %+v", got)
	}
	if open, _ := h.store.ListOpen(ctx); len(open) != 0 {
		t.Errorf("ticket is back in the open set: %+v", open)
	}
	if h.consumer.Outstanding() != 0 {
		t.Errorf("no handle should be registered, got %d", h.consumer.Outstanding())
	}
	if n := len(h.broker.Acks()); n != 1 {
		t.Errorf("expected the delivery to be acked once, got %d", n)
	}
	if len(h.notifier.ids()) != 0 {
		t.Error("closed tickets must not be notified")
	}
}

type failingConsumer struct {
	Consumer
	failTiers map[ticket.Priority]bool
}

func (f failingConsumer) Fetch(ctx context.Context, tier ticket.Priority, n int) ([]queue.Message, error) {
	if f.failTiers[tier] {
		return nil, fmt.Errorf("%s partition unavailable", tier)
	}
	return f.Consumer.Fetch(ctx, tier, n)
}

func TestFetchErrorMovesToNextTier(t *testing.T) {
	h := newHarness(t, Options{})
	h.publish(t, ticket.High, 1)
	h.publish(t, ticket.Low, 2)
	fc := failingConsumer{Consumer: h.consumer, failTiers: map[ticket.Priority]bool{ticket.High: true}}
	d := NewDispatcher(fc, h.store, h.notifier, Options{}, nil, log.NewNop())

	res, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle should succeed on a later tier: %v", err)
	}
	if res.Tier != ticket.Low || res.Processed != 2 {
		t.Errorf("expected the low tier, got %+v", res)
	}
}

func TestFetchErrorsReturnedWhenNothingHandled(t *testing.T) {
	h := newHarness(t, Options{})
	fc := failingConsumer{Consumer: h.consumer, failTiers: map[ticket.Priority]bool{ticket.High: true, ticket.Low: true}}
	d := NewDispatcher(fc, h.store, h.notifier, Options{}, nil, log.NewNop())

	res, err := d.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected the joined fetch errors")
	}
	if res.Handled {
		t.Errorf("nothing should be handled, got %+v", res)
	}
}

func TestOverlappingCyclesDoNotDuplicate(t *testing.T) {
	h := newHarness(t, Options{MaxBatch: 5, Workers: 3})
	ctx := context.Background()
	ids := h.publish(t, ticket.High, 20)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.disp.RunCycle(ctx); err != nil {
				t.Errorf("cycle failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if d := dupes(h.notifier.ids()); len(d) > 0 {
		t.Errorf("tickets processed twice: %v", d)
	}
	if len(h.notifier.ids()) != len(ids) {
		t.Errorf("expected all %d tickets processed, got %d", len(ids), len(h.notifier.ids()))
	}
	high, _ := h.store.ListByPriority(ctx, ticket.High)
	if len(high) != len(h.notifier.ids()) {
		t.Errorf("priority set has %d members for %d processed tickets", len(high), len(h.notifier.ids()))
	}

	// closing everything acks each delivery exactly once even when raced
	var acks sync.WaitGroup
	for _, id := range h.notifier.ids() {
		for j := 0; j < 2; j++ {
			acks.Add(1)
			go func(id string) {
				defer acks.Done()
				h.consumer.Acknowledge(ctx, id, ticket.High)
			}(id)
		}
	}
	acks.Wait()
	seen := map[queue.AckHandle]int{}
	for _, a := range h.broker.Acks() {
		seen[a]++
		if seen[a] > 1 {
			t.Errorf("handle %s acked twice", a)
		}
	}
	if len(seen) != len(h.notifier.ids()) {
		t.Errorf("expected %d acks, got %d", len(h.notifier.ids()), len(seen))
	}
}

func dupes(ids []string) []string {
	var out []string
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			out = append(out, ids[i])
		}
	}
	return out
}
