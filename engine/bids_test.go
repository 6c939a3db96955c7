// ABOUTME: Tests for the stochastic bid scheduler: eligibility, timer scheduling, and cancellation.
// ABOUTME: Uses short windows and delays so timer behavior is observable without long sleeps.
package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltaic-labs/carousel/ledger"
)

// --- harness ---

type bidHarness struct {
	client  *ledger.MemLedger
	seq     *ledger.Sequencer
	sender  *ledger.Sender
	tracker *ObligationTracker

	mu     sync.Mutex
	events []Event
}

func newBidHarness(t *testing.T) *bidHarness {
	t.Helper()
	h := &bidHarness{
		client:  ledger.NewMemLedger(),
		tracker: NewObligationTracker(),
	}
	h.seq = ledger.NewSequencer(h.client)
	cfg := ledger.DefaultSenderConfig()
	cfg.Backoff.InitialDelay = time.Nanosecond
	cfg.Backoff.MaxDelay = time.Millisecond
	h.sender = ledger.NewSender(h.client, cfg)
	return h
}

func (h *bidHarness) emit(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
}

func (h *bidHarness) countEvents(typ EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, evt := range h.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func (h *bidHarness) scheduler(profiles []Profile, cfg SchedulerConfig, status LeadStatus) *BidScheduler {
	return NewBidScheduler(h.client, h.seq, h.sender, h.tracker, h.emit, status, profiles, cfg)
}

func testProfile(name string, bias time.Duration) (ledger.Identity, Profile) {
	id := ledger.Identity{Name: name, Role: ledger.RoleParticipant}
	return id, Profile{
		Identity:   id,
		Affinities: []string{"plumbing"},
		MinQuality: 0.5,
		MaxPrice:   decimal.NewFromInt(100),
		TimingBias: bias,
		Jitter:     0,
	}
}

func openLead(window time.Duration) Lead {
	return Lead{
		ID:       "lead-1",
		Subject:  "plumbing",
		Quality:  0.8,
		Price:    decimal.NewFromInt(50),
		PostedAt: time.Now(),
		Window:   window,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- eligibility ---

func TestProfileEligibility(t *testing.T) {
	_, p := testProfile("alice", 0)

	cases := []struct {
		name string
		lead Lead
		want bool
	}{
		{"matching lead", Lead{Subject: "plumbing", Quality: 0.8, Price: decimal.NewFromInt(50)}, true},
		{"wrong subject", Lead{Subject: "roofing", Quality: 0.8, Price: decimal.NewFromInt(50)}, false},
		{"quality below threshold", Lead{Subject: "plumbing", Quality: 0.2, Price: decimal.NewFromInt(50)}, false},
		{"price above ceiling", Lead{Subject: "plumbing", Quality: 0.8, Price: decimal.NewFromInt(500)}, false},
		{"price at ceiling", Lead{Subject: "plumbing", Quality: 0.8, Price: decimal.NewFromInt(100)}, true},
	}
	for _, tc := range cases {
		if got := p.Eligible(tc.lead); got != tc.want {
			t.Errorf("%s: Eligible = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// --- scheduling ---

func TestPublishSchedulesOnlyEligibleProfiles(t *testing.T) {
	h := newBidHarness(t)
	_, eligible := testProfile("alice", time.Hour)
	_, wrong := testProfile("bob", time.Hour)
	wrong.Affinities = []string{"roofing"}

	s := h.scheduler([]Profile{eligible, wrong}, SchedulerConfig{NoBidderRate: -1, MinDelay: time.Hour}, nil)
	defer s.CancelAll()

	n := s.Publish(context.Background(), "run-1", openLead(2*time.Hour))
	if n != 1 {
		t.Fatalf("expected 1 scheduled bid, got %d", n)
	}
	if s.PendingTimers() != 1 {
		t.Errorf("expected 1 pending timer, got %d", s.PendingTimers())
	}
}

func TestPublishNoBidderLead(t *testing.T) {
	h := newBidHarness(t)
	_, p := testProfile("alice", time.Hour)

	// NoBidderRate 1.0 means every lead goes unanswered.
	s := h.scheduler([]Profile{p}, SchedulerConfig{NoBidderRate: 1.0}, nil)
	defer s.CancelAll()

	if n := s.Publish(context.Background(), "run-1", openLead(time.Hour)); n != 0 {
		t.Fatalf("expected no scheduled bids, got %d", n)
	}
	if h.countEvents(EventBidSkipped) != 1 {
		t.Errorf("expected a bid.skipped event, got %d", h.countEvents(EventBidSkipped))
	}
}

func TestFiredBidLocksObligation(t *testing.T) {
	h := newBidHarness(t)
	id, p := testProfile("alice", 0)
	h.client.FundEscrow(id, decimal.NewFromInt(500))

	s := h.scheduler([]Profile{p}, SchedulerConfig{NoBidderRate: -1, MinDelay: time.Millisecond}, nil)
	defer s.CancelAll()

	if n := s.Publish(context.Background(), "run-1", openLead(time.Minute)); n != 1 {
		t.Fatalf("expected 1 scheduled bid, got %d", n)
	}

	waitFor(t, time.Second, func() bool { return h.tracker.Len() == 1 })
	if h.countEvents(EventBidSubmitted) != 1 {
		t.Errorf("expected a bid.submitted event, got %d", h.countEvents(EventBidSubmitted))
	}

	locked, err := h.client.LockedBalanceOf(context.Background(), id)
	if err != nil {
		t.Fatalf("locked balance: %v", err)
	}
	if !locked.Equal(decimal.NewFromInt(50)) {
		t.Errorf("locked balance = %s, expected the lead price 50", locked)
	}
}

func TestFiredBidSkipsClosedWindow(t *testing.T) {
	h := newBidHarness(t)
	id, p := testProfile("alice", 5*time.Millisecond)
	h.client.FundEscrow(id, decimal.NewFromInt(500))

	lead := openLead(time.Minute)
	lead.PostedAt = time.Now().Add(-2 * time.Minute) // already elapsed

	s := h.scheduler([]Profile{p}, SchedulerConfig{NoBidderRate: -1, MinDelay: time.Millisecond}, nil)
	defer s.CancelAll()

	s.Publish(context.Background(), "run-1", lead)
	waitFor(t, time.Second, func() bool { return h.countEvents(EventBidSkipped) == 1 })

	if h.tracker.Len() != 0 {
		t.Errorf("closed-window bid must not lock, tracker has %d", h.tracker.Len())
	}
}

func TestFiredBidConsultsAuthoritativeStatus(t *testing.T) {
	h := newBidHarness(t)
	id, p := testProfile("alice", 5*time.Millisecond)
	h.client.FundEscrow(id, decimal.NewFromInt(500))

	closed := func(ctx context.Context, leadID string) (bool, error) { return false, nil }
	s := h.scheduler([]Profile{p}, SchedulerConfig{NoBidderRate: -1, MinDelay: time.Millisecond}, closed)
	defer s.CancelAll()

	s.Publish(context.Background(), "run-1", openLead(time.Minute))
	waitFor(t, time.Second, func() bool { return h.countEvents(EventBidSkipped) == 1 })

	if h.tracker.Len() != 0 {
		t.Errorf("status re-read says closed, yet tracker has %d", h.tracker.Len())
	}
}

func TestFiredBidSkipsWhenUnderfunded(t *testing.T) {
	h := newBidHarness(t)
	_, p := testProfile("alice", 5*time.Millisecond)
	// No escrow funding at all.

	s := h.scheduler([]Profile{p}, SchedulerConfig{NoBidderRate: -1, MinDelay: time.Millisecond}, nil)
	defer s.CancelAll()

	s.Publish(context.Background(), "run-1", openLead(time.Minute))
	waitFor(t, time.Second, func() bool { return h.countEvents(EventBidSkipped) == 1 })

	if h.tracker.Len() != 0 {
		t.Errorf("underfunded bid must not lock, tracker has %d", h.tracker.Len())
	}
}

// --- cancellation ---

func TestCancelLeadStopsPendingTimers(t *testing.T) {
	h := newBidHarness(t)
	_, p := testProfile("alice", time.Hour)

	s := h.scheduler([]Profile{p}, SchedulerConfig{NoBidderRate: -1, MinDelay: time.Hour}, nil)
	defer s.CancelAll()

	lead := openLead(2 * time.Hour)
	s.Publish(context.Background(), "run-1", lead)
	if s.PendingTimers() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", s.PendingTimers())
	}

	s.CancelLead(lead.ID)
	if s.PendingTimers() != 0 {
		t.Errorf("expected no pending timers after cancel, got %d", s.PendingTimers())
	}
}

func TestCancelAllRefusesNewLeadsUntilReset(t *testing.T) {
	h := newBidHarness(t)
	_, p := testProfile("alice", time.Hour)

	s := h.scheduler([]Profile{p}, SchedulerConfig{NoBidderRate: -1, MinDelay: time.Hour}, nil)
	s.CancelAll()

	if n := s.Publish(context.Background(), "run-1", openLead(time.Hour)); n != 0 {
		t.Fatalf("closed scheduler accepted a lead, scheduled %d", n)
	}

	s.Reset()
	if n := s.Publish(context.Background(), "run-1", openLead(time.Hour)); n != 1 {
		t.Errorf("reset scheduler should accept leads again, scheduled %d", n)
	}
	s.CancelAll()
}
