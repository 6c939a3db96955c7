// ABOUTME: Stochastic bid scheduler: per-lead one-shot timers deciding if and when each profile bids.
// ABOUTME: Timer sets are cancellable per lead and globally so nothing fires after teardown.
package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltaic-labs/carousel/ledger"
)

// Lead is a published work item that participants may bid on. The business
// content (subject, quality score, price) is opaque to the orchestrator; the
// scheduler only evaluates it against profile filters.
type Lead struct {
	ID       string
	Subject  string
	Quality  float64
	Price    decimal.Decimal
	PostedAt time.Time
	Window   time.Duration
}

// OpenAt reports whether the lead's bidding window is still open at t.
// This is the cheap elapsed-time check; callers also do one authoritative
// state re-read before submitting.
func (l Lead) OpenAt(t time.Time) bool {
	return t.Before(l.PostedAt.Add(l.Window))
}

// Profile describes one simulated bidder: a subject-matter affinity filter,
// a minimum quality threshold, a price ceiling, and a timing bias.
type Profile struct {
	Identity   ledger.Identity
	Affinities []string
	MinQuality float64
	MaxPrice   decimal.Decimal
	TimingBias time.Duration
	Jitter     time.Duration
}

// Eligible reports whether the profile would bid on the lead at all:
// affinity match, quality at or above threshold, price at or below ceiling.
func (p Profile) Eligible(lead Lead) bool {
	if lead.Quality < p.MinQuality {
		return false
	}
	if lead.Price.GreaterThan(p.MaxPrice) {
		return false
	}
	for _, a := range p.Affinities {
		if a == lead.Subject {
			return true
		}
	}
	return false
}

// LeadStatus is the authoritative "is this lead still open" re-read,
// consulted on timer fire to avoid submitting into a closed window.
type LeadStatus func(ctx context.Context, leadID string) (bool, error)

// SchedulerConfig tunes the stochastic behavior.
type SchedulerConfig struct {
	// NoBidderRate is the probability a lead attracts no bidders at all.
	NoBidderRate float64
	// MinDelay clamps the low end of a scheduled bid delay.
	MinDelay time.Duration
}

// BidScheduler schedules competing lock operations for published leads.
// Each eligible profile gets an independent one-shot timer at a randomized
// delay. All timers for a lead are cancellable as a group, and CancelAll
// tears everything down at shutdown or abort.
type BidScheduler struct {
	client  ledger.Client
	seq     *ledger.Sequencer
	sender  *ledger.Sender
	tracker *ObligationTracker
	emit    func(Event)
	status  LeadStatus

	profiles []Profile
	cfg      SchedulerConfig

	mu     sync.Mutex
	rng    *rand.Rand
	timers map[string][]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewBidScheduler creates a scheduler. A nil status func treats every lead
// as open for its whole window (elapsed-time check only).
func NewBidScheduler(
	client ledger.Client,
	seq *ledger.Sequencer,
	sender *ledger.Sender,
	tracker *ObligationTracker,
	emit func(Event),
	status LeadStatus,
	profiles []Profile,
	cfg SchedulerConfig,
) *BidScheduler {
	if emit == nil {
		emit = func(Event) {}
	}
	if cfg.NoBidderRate < 0 {
		cfg.NoBidderRate = 0
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 50 * time.Millisecond
	}
	return &BidScheduler{
		client:   client,
		seq:      seq,
		sender:   sender,
		tracker:  tracker,
		emit:     emit,
		status:   status,
		profiles: profiles,
		cfg:      cfg,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		timers:   make(map[string][]*time.Timer),
	}
}

// Publish evaluates the lead against every profile and schedules a one-shot
// bid timer for each eligible one. With probability NoBidderRate the lead
// receives no bidders at all; that models marketplace realism, not a bug.
// Returns the number of bids scheduled. Timers run under ctx: the run's
// cancellation scope stops in-flight submissions.
func (s *BidScheduler) Publish(ctx context.Context, runID string, lead Lead) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	if s.rng.Float64() < s.cfg.NoBidderRate {
		s.mu.Unlock()
		s.emit(Event{Type: EventBidSkipped, RunID: runID, Data: map[string]any{
			"lead":   lead.ID,
			"reason": "no interested bidders",
		}})
		return 0
	}

	scheduled := 0
	for _, p := range s.profiles {
		if !p.Eligible(lead) {
			continue
		}
		delay := s.bidDelayLocked(p, lead)
		profile := p
		timer := time.AfterFunc(delay, func() {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.wg.Add(1)
			s.mu.Unlock()
			defer s.wg.Done()
			s.fire(ctx, runID, profile, lead)
		})
		s.timers[lead.ID] = append(s.timers[lead.ID], timer)
		scheduled++
		s.emit(Event{Type: EventBidScheduled, RunID: runID, Data: map[string]any{
			"lead":     lead.ID,
			"identity": profile.Identity.Name,
			"delay_ms": delay.Milliseconds(),
		}})
	}
	s.mu.Unlock()
	return scheduled
}

// bidDelayLocked computes bias +/- jitter, clamped to the lead's window.
// Caller holds mu (the rng is not goroutine-safe).
func (s *BidScheduler) bidDelayLocked(p Profile, lead Lead) time.Duration {
	delay := p.TimingBias
	if p.Jitter > 0 {
		delay += time.Duration(s.rng.Int64N(int64(2*p.Jitter))) - p.Jitter
	}
	if delay < s.cfg.MinDelay {
		delay = s.cfg.MinDelay
	}
	if lead.Window > 0 && delay > lead.Window {
		delay = lead.Window
	}
	return delay
}

// fire is the timer callback: re-validate the window and balance, then
// submit the lock exactly like a cycle bid.
func (s *BidScheduler) fire(ctx context.Context, runID string, p Profile, lead Lead) {
	if ctx.Err() != nil {
		return
	}

	// Cheap elapsed-time check first, then one authoritative re-read: the
	// window may have closed between scheduling and firing.
	if !lead.OpenAt(time.Now()) {
		s.emitSkip(runID, p, lead, "window elapsed")
		return
	}
	if s.status != nil {
		open, err := s.status(ctx, lead.ID)
		if err != nil {
			s.emitSkip(runID, p, lead, "lead state re-read failed: "+err.Error())
			return
		}
		if !open {
			s.emitSkip(runID, p, lead, "lead closed")
			return
		}
	}

	balance, err := s.client.BalanceOf(ctx, p.Identity)
	if err != nil {
		s.emitSkip(runID, p, lead, "balance read failed: "+err.Error())
		return
	}
	locked, err := s.client.LockedBalanceOf(ctx, p.Identity)
	if err != nil {
		s.emitSkip(runID, p, lead, "locked balance read failed: "+err.Error())
		return
	}
	if balance.Sub(locked).LessThan(lead.Price) {
		s.emitSkip(runID, p, lead, "insufficient available balance")
		return
	}

	var obID string
	_, err = submitOp(ctx, s.seq, s.sender, p.Identity, func(fee decimal.Decimal) (ledger.Receipt, error) {
		id, r, err := s.client.LockForObligation(ctx, p.Identity, lead.Price, fee)
		if err != nil {
			return r, err
		}
		obID = id
		return r, nil
	})
	if err != nil {
		s.emitSkip(runID, p, lead, err.Error())
		return
	}

	s.tracker.Register(obID)
	s.emit(Event{Type: EventBidSubmitted, RunID: runID, Data: map[string]any{
		"lead":       lead.ID,
		"identity":   p.Identity.Name,
		"obligation": obID,
		"amount":     lead.Price.String(),
	}})
}

func (s *BidScheduler) emitSkip(runID string, p Profile, lead Lead, reason string) {
	s.emit(Event{Type: EventBidSkipped, RunID: runID, Data: map[string]any{
		"lead":     lead.ID,
		"identity": p.Identity.Name,
		"reason":   reason,
	}})
}

// CancelLead stops every pending timer for one lead.
func (s *BidScheduler) CancelLead(leadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, timer := range s.timers[leadID] {
		timer.Stop()
	}
	delete(s.timers, leadID)
}

// CancelAll stops every pending timer across all leads and waits for any
// already-fired callbacks to finish, so no timer work runs after teardown.
// The scheduler refuses new leads afterward until Reset.
func (s *BidScheduler) CancelAll() {
	s.mu.Lock()
	for id, timers := range s.timers {
		for _, timer := range timers {
			timer.Stop()
		}
		delete(s.timers, id)
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Reset reopens the scheduler for the next run.
func (s *BidScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}

// PendingTimers returns how many timers have been scheduled and not yet
// fired or cancelled. Diagnostic only.
func (s *BidScheduler) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, timers := range s.timers {
		n += len(timers)
	}
	return n
}
