package cache

import (
	"sync"
	"time"

	"ticketflow/internal/ticket"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// memoryTier is the process-local fallback. One lock covers payloads and both
// index families so a ticket's record and its set memberships always change
// together. Entries never expire.
type memoryTier struct {
	mu       sync.RWMutex
	payloads map[string][]byte
	status   map[ticket.Status]map[string]struct{}
	priority map[ticket.Priority]map[string]struct{}
}

func newMemoryTier() *memoryTier {
	m := &memoryTier{
		payloads: make(map[string][]byte),
		status: map[ticket.Status]map[string]struct{}{
			ticket.Open:   {},
			ticket.Closed: {},
		},
		priority: make(map[ticket.Priority]map[string]struct{}),
	}
	for _, p := range ticket.Tiers() {
		m.priority[p] = make(map[string]struct{})
	}
	return m
}

func (m *memoryTier) put(t ticket.Ticket, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(t, payload)
}

// putIfNotClosed writes t unless the stored payload is a closed ticket.
func (m *memoryTier) putIfNotClosed(t ticket.Ticket, payload []byte, decode func([]byte) (ticket.Ticket, error)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.payloads[t.ID]; ok {
		if cur, err := decode(data); err == nil && cur.Status == ticket.Closed {
			return false
		}
	}
	m.putLocked(t, payload)
	return true
}

func (m *memoryTier) putLocked(t ticket.Ticket, payload []byte) {
	m.payloads[t.ID] = payload
	for s, ids := range m.status {
		if s == t.Status {
			ids[t.ID] = struct{}{}
		} else {
			delete(ids, t.ID)
		}
	}
	for p, ids := range m.priority {
		if p == t.Priority {
			ids[t.ID] = struct{}{}
		} else {
			delete(ids, t.ID)
		}
	}
}

func (m *memoryTier) get(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.payloads[id]
	return data, ok
}

func (m *memoryTier) byStatus(s ticket.Status) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedIDs(m.status[s])
}

func (m *memoryTier) byPriority(p ticket.Priority) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedIDs(m.priority[p])
}


func (m *memoryTier) removeLocked(id string) {
	delete(m.payloads, id)
	for _, ids := range m.status {
		delete(ids, id)
	}
	for _, ids := range m.priority {
		delete(ids, id)
	}
}

// sweep removes closed tickets created before cutoff in one critical section
// and returns their payloads.
func (m *memoryTier) sweep(cutoff time.Time, decode func([]byte) (ticket.Ticket, error)) []ticket.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []ticket.Ticket
	for _, id := range sortedIDs(m.status[ticket.Closed]) {
		data, ok := m.payloads[id]
		if !ok {
			delete(m.status[ticket.Closed], id)
			continue
		}
		t, err := decode(data)
		if err != nil || !t.CreatedAt.Before(cutoff) {
			continue
		}
		m.removeLocked(id)
		removed = append(removed, t)
	}
	return removed
}

func sortedIDs(set map[string]struct{}) []string {
	ids := maps.Keys(set)
	slices.Sort(ids)
	return ids
}
