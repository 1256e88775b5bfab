package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticketflow/internal/log"
	"ticketflow/internal/ticket"

	"github.com/google/go-cmp/cmp"
	testingclock "k8s.io/utils/clock/testing"
)

var archivedAt = time.Date(2026, 6, 9, 10, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *SQLArchiver {
	t.Helper()
	a, err := Open("sqlite://:memory:", log.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	a.WithClock(testingclock.NewFakePassiveClock(archivedAt))
	if err := a.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return a
}

func closedTicket() ticket.Ticket {
	closed := time.Date(2026, 6, 8, 15, 30, 0, 0, time.UTC)
	return ticket.Ticket{
		ID:          "a1",
		Title:       "Laptop battery swollen",
		Description: "Right side lifting",
		Submitter:   "bo@example.com",
		Priority:    ticket.Medium,
		Status:      ticket.Closed,
		Attachments: []string{"https://files.example.com/a.jpg"},
		CreatedAt:   time.Date(2026, 5, 30, 8, 0, 0, 0, time.UTC),
		ClosedBy:    "tech@example.com",
		ClosedAt:    &closed,
	}
}

func TestArchiveAndGet(t *testing.T) {
	a := openSQLite(t)
	ctx := context.Background()
	tk := closedTicket()

	if err := a.Archive(ctx, tk, "tech@example.com"); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	got, ok, err := a.Get(ctx, tk.ID)
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	want := Record{Ticket: tk, ArchivedAt: archivedAt}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	a := openSQLite(t)
	ctx := context.Background()
	tk := closedTicket()
	for i := 0; i < 2; i++ {
		if err := a.Archive(ctx, tk, "other@example.com"); err != nil {
			t.Fatalf("archive %d failed: %v", i, err)
		}
	}
	var n int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ticket_archives").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected one row, got %d", n)
	}
	got, _, _ := a.Get(ctx, tk.ID)
	if got.Ticket.ClosedBy != "other@example.com" {
		t.Errorf("explicit closer should win, got %q", got.Ticket.ClosedBy)
	}
}

func TestArchiveDefaultsForOpenTicket(t *testing.T) {
	a := openSQLite(t)
	ctx := context.Background()
	tk := ticket.Ticket{ID: "b2", Title: "x", Priority: ticket.Low, Status: ticket.Open, CreatedAt: archivedAt.Add(-9 * 24 * time.Hour)}

	if err := a.Archive(ctx, tk, ""); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	got, ok, err := a.Get(ctx, "b2")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if got.Ticket.Status != ticket.Closed {
		t.Errorf("archived tickets are closed, got %s", got.Ticket.Status)
	}
	if got.Ticket.ClosedAt == nil || !got.Ticket.ClosedAt.Equal(archivedAt) {
		t.Errorf("closed_at should default to archive time, got %v", got.Ticket.ClosedAt)
	}
	if len(got.Ticket.Attachments) != 0 {
		t.Errorf("expected no attachments, got %v", got.Ticket.Attachments)
	}
}

func TestGetMissing(t *testing.T) {
	a := openSQLite(t)
	_, ok, err := a.Get(context.Background(), "nope")
	if err != nil || ok {
		t.Errorf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open("mysql://root@localhost/db", log.NewNop()); !errors.Is(err, ErrUnsupportedDSN) {
		t.Errorf("expected ErrUnsupportedDSN, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLArchiver{dialect: dialectPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind: %q", got)
	}
	lite := &SQLArchiver{dialect: dialectSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite should keep ? placeholders: %q", got)
	}
}
