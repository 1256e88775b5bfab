package ticket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidPriority = errors.New("invalid priority")

// Priority is the tier a ticket is routed to. Tiers are drained in the order
// returned by Tiers.
type Priority string

const (
	High   Priority = "high"
	Medium Priority = "medium"
	Low    Priority = "low"
)

// Tiers lists every priority from most to least urgent.
func Tiers() []Priority {
	return []Priority{High, Medium, Low}
}

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case High, Medium, Low:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

func (p Priority) Valid() bool {
	switch p {
	case High, Medium, Low:
		return true
	}
	return false
}

func (p Priority) String() string { return string(p) }

type Status string

const (
	Open   Status = "open"
	Closed Status = "closed"
)

type Ticket struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Submitter   string     `json:"submitter"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Attachments []string   `json:"attachments,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedBy    string     `json:"closed_by,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Validate checks the fields every stored or queued ticket must carry.
func (t Ticket) Validate() error {
	if t.ID == "" {
		return errors.New("ticket id is required")
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("ticket %s: %w: %q", t.ID, ErrInvalidPriority, t.Priority)
	}
	if t.Status != Open && t.Status != Closed {
		return fmt.Errorf("ticket %s: invalid status %q", t.ID, t.Status)
	}
	return nil
}

// OlderThan reports whether the ticket was created more than d before now.
func (t Ticket) OlderThan(d time.Duration, now time.Time) bool {
	return now.Sub(t.CreatedAt) > d
}

func Encode(t Ticket) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode ticket %s: %w", t.ID, err)
	}
	return data, nil
}

// Decode parses a payload and validates it. A payload that decodes but is
// missing required fields is treated the same as a malformed one.
func Decode(data []byte) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return Ticket{}, fmt.Errorf("decode ticket: %w", err)
	}
	if t.Status == "" {
		t.Status = Open
	}
	if err := t.Validate(); err != nil {
		return Ticket{}, fmt.Errorf("decode ticket: %w", err)
	}
	return t, nil
}
