// ABOUTME: Lead book: the authoritative registry of open leads consulted by the bid scheduler.
// ABOUTME: Leads open when published into a run and close on expiry or run teardown.
package engine

import (
	"context"
	"sync"
	"time"
)

// LeadBook tracks which leads are currently biddable. The scheduler's cheap
// elapsed-time check runs against the lead itself; the book is the
// authoritative re-read consulted on timer fire, so a lead withdrawn or
// belonging to a torn-down run reads closed even inside its window.
type LeadBook struct {
	mu   sync.Mutex
	open map[string]Lead
}

func NewLeadBook() *LeadBook {
	return &LeadBook{open: make(map[string]Lead)}
}

// Open registers a lead as biddable.
func (b *LeadBook) Open(lead Lead) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open[lead.ID] = lead
}

// Close withdraws one lead.
func (b *LeadBook) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.open, id)
}

// CloseAll withdraws every lead at run teardown.
func (b *LeadBook) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.open)
}

// Status reports whether a lead is still open: registered and inside its
// window. Satisfies LeadStatus.
func (b *LeadBook) Status(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	lead, ok := b.open[id]
	if !ok {
		return false, nil
	}
	return lead.OpenAt(time.Now()), nil
}

// OpenCount returns the number of registered leads. Diagnostic only.
func (b *LeadBook) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}
