package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticketflow/internal/log"
	"ticketflow/internal/ticket"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"
)

var ErrUnsupportedDSN = errors.New("unsupported archive dsn")

// Archiver keeps closed tickets after they leave the cache.
type Archiver interface {
	Archive(ctx context.Context, t ticket.Ticket, closedBy string) error
}

// Record is an archived ticket.
type Record struct {
	Ticket     ticket.Ticket
	ArchivedAt time.Time
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

const schema = `CREATE TABLE IF NOT EXISTS ticket_archives (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	submitter TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	attachments TEXT NOT NULL,
	created_at TEXT NOT NULL,
	closed_by TEXT NOT NULL,
	closed_at TEXT NOT NULL,
	archived_at TEXT NOT NULL
)`

const upsert = `INSERT INTO ticket_archives
	(id, title, description, submitter, priority, status, attachments, created_at, closed_by, closed_at, archived_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		closed_by = excluded.closed_by,
		closed_at = excluded.closed_at,
		archived_at = excluded.archived_at`

const selectOne = `SELECT id, title, description, submitter, priority, status, attachments, created_at, closed_by, closed_at, archived_at
	FROM ticket_archives WHERE id = ?`

// SQLArchiver writes archived tickets to Postgres or SQLite.
type SQLArchiver struct {
	db      *sql.DB
	dialect dialect
	clock   clock.PassiveClock
	logger  *log.Logger
}

// Open connects to dsn. postgres:// and postgresql:// DSNs use lib/pq;
// sqlite://path (or sqlite://:memory:) uses the pure Go SQLite driver.
func Open(dsn string, logger *log.Logger) (*SQLArchiver, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		d = dialectPostgres
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres archive: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	case strings.HasPrefix(dsn, "sqlite://"):
		d = dialectSQLite
		path := strings.TrimPrefix(dsn, "sqlite://")
		db, err = sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite archive: %w", err)
		}
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, dsn)
	}
	return newArchiver(db, d, logger), nil
}

func newArchiver(db *sql.DB, d dialect, logger *log.Logger) *SQLArchiver {
	return &SQLArchiver{
		db:      db,
		dialect: d,
		clock:   clock.RealClock{},
		logger:  logger.Named("archive"),
	}
}

// WithClock replaces the clock used for archived_at.
func (a *SQLArchiver) WithClock(clk clock.PassiveClock) *SQLArchiver {
	a.clock = clk
	return a
}

func (a *SQLArchiver) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}
	return nil
}

func (a *SQLArchiver) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *SQLArchiver) Close() error {
	return a.db.Close()
}

// Archive upserts the ticket keyed by id, so archiving twice is harmless.
func (a *SQLArchiver) Archive(ctx context.Context, t ticket.Ticket, closedBy string) error {
	attachments, err := json.Marshal(t.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments for %s: %w", t.ID, err)
	}
	if t.Attachments == nil {
		attachments = []byte("[]")
	}
	now := a.clock.Now().UTC()
	closedAt := now
	if t.ClosedAt != nil {
		closedAt = t.ClosedAt.UTC()
	}
	if closedBy == "" {
		closedBy = t.ClosedBy
	}

	_, err = a.db.ExecContext(ctx, a.rebind(upsert),
		t.ID, t.Title, t.Description, t.Submitter,
		string(t.Priority), string(ticket.Closed), string(attachments),
		formatTime(t.CreatedAt), closedBy, formatTime(closedAt), formatTime(now),
	)
	if err != nil {
		a.logger.Error("Failed to archive ticket", zap.String("ticket_id", t.ID), zap.Error(err))
		return fmt.Errorf("archive ticket %s: %w", t.ID, err)
	}
	a.logger.Info("Archived ticket", zap.String("ticket_id", t.ID), zap.String("closed_by", closedBy))
	return nil
}

// Get returns false when the ticket has not been archived.
func (a *SQLArchiver) Get(ctx context.Context, id string) (Record, bool, error) {
	var (
		rec                                 Record
		priority, status, attachments       string
		createdAt, closedAt, archivedAt, by string
	)
	err := a.db.QueryRowContext(ctx, a.rebind(selectOne), id).Scan(
		&rec.Ticket.ID, &rec.Ticket.Title, &rec.Ticket.Description, &rec.Ticket.Submitter,
		&priority, &status, &attachments, &createdAt, &by, &closedAt, &archivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load archived ticket %s: %w", id, err)
	}

	rec.Ticket.Priority = ticket.Priority(priority)
	rec.Ticket.Status = ticket.Status(status)
	rec.Ticket.ClosedBy = by
	if err := json.Unmarshal([]byte(attachments), &rec.Ticket.Attachments); err != nil {
		return Record{}, false, fmt.Errorf("decode attachments for %s: %w", id, err)
	}
	if rec.Ticket.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, false, err
	}
	closed, err := parseTime(closedAt)
	if err != nil {
		return Record{}, false, err
	}
	rec.Ticket.ClosedAt = &closed
	if rec.ArchivedAt, err = parseTime(archivedAt); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// rebind turns ? placeholders into $n for Postgres.
func (a *SQLArchiver) rebind(query string) string {
	if a.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse archived time %q: %w", s, err)
	}
	return t, nil
}
