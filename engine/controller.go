// ABOUTME: Top-level run controller: single-flight run lock, reserve precondition, pre-run
// ABOUTME: reconciliation, ordered cleanup on exit, and the handoff into post-run recovery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltaic-labs/carousel/ledger"
)

var (
	// ErrBusy is returned when a run is already in flight.
	ErrBusy = errors.New("a run is already in progress")
	// ErrRecovering is returned while post-run recovery holds the system.
	ErrRecovering = errors.New("recovery in progress, try again later")
	// ErrNotRunning is returned by operator surfaces when a stop is
	// requested with no run in flight.
	ErrNotRunning = errors.New("no run in progress")
	// ErrReserveShortfall is returned when the custodian cannot cover the
	// configured reserve requirement.
	ErrReserveShortfall = errors.New("custodian reserve below requirement")
)

// ControllerStatus is a point-in-time snapshot for the operator surface.
type ControllerStatus struct {
	Running      bool   `json:"running"`
	Recovering   bool   `json:"recovering"`
	RunID        string `json:"run_id,omitempty"`
	CurrentCycle int    `json:"current_cycle,omitempty"`
	TotalCycles  int    `json:"total_cycles,omitempty"`
	InFlight     int    `json:"obligations_in_flight"`
}

// Controller owns the run lifecycle. Exactly one run executes at a time;
// competing starts fail fast with ErrBusy rather than queueing. Stop requests
// cancel cooperatively, and every exit path runs the same ordered cleanup.
type Controller struct {
	cfg       Config
	client    ledger.Client
	seq       *ledger.Sequencer
	sender    *ledger.Sender
	tracker   *ObligationTracker
	scheduler *BidScheduler
	leads     *LeadBook
	recovery  *RecoveryCoordinator
	store     RunStore
	pub       Publisher
	watchdog  *Watchdog

	custodian    ledger.Identity
	seller       ledger.Identity
	participants []ledger.Identity
	subjects     []string

	mu            sync.Mutex
	running       bool
	stopRequested bool
	cancel        context.CancelFunc
	current       *RunState
	currentCycle  int
	totalCycles   int
	latest        *RunState
}

// NewController assembles the orchestrator from a validated config. The store
// and publisher may be nil; persistence and event streaming are optional.
func NewController(cfg Config, client ledger.Client, store RunStore, pub Publisher) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	custodian, _ := ledger.FindRole(cfg.Identities, ledger.RoleCustodian)
	seller, _ := ledger.FindRole(cfg.Identities, ledger.RoleSeller)
	participants := ledger.Participants(cfg.Identities)

	if pub == nil {
		pub = LogPublisher{}
	}

	c := &Controller{
		cfg:          cfg,
		client:       client,
		seq:          ledger.NewSequencer(client),
		tracker:      NewObligationTracker(),
		store:        store,
		pub:          pub,
		custodian:    custodian,
		seller:       seller,
		participants: participants,
		subjects:     cfg.LeadSubjects(),
	}
	c.sender = ledger.NewSender(client, cfg.SenderConfig())
	c.sender.OnRetry = func(id ledger.Identity, attempt int, fee decimal.Decimal, cause error) {
		c.emit(Event{Type: EventOpRetrying, Data: map[string]any{
			"identity": id.Name,
			"attempt":  attempt,
			"fee":      fee.String(),
			"error":    cause.Error(),
		}})
	}
	c.recovery = NewRecoveryCoordinator(client, c.seq, c.sender, c.emit, custodian, seller, participants, RecoveryConfig{
		Timeout:         duration(cfg.RecoveryTimeout, 4*time.Minute),
		ReplenishTarget: decimal.NewFromFloat(cfg.ReplenishTarget),
	})
	c.leads = NewLeadBook()
	c.scheduler = NewBidScheduler(client, c.seq, c.sender, c.tracker, c.emit, c.leads.Status, cfg.BidProfiles(), SchedulerConfig{
		NoBidderRate: cfg.NoBidderRate,
	})
	c.watchdog = NewWatchdog(WatchdogConfig{
		StallTimeout:  duration(cfg.StallTimeout, 2*time.Minute),
		CheckInterval: 5 * time.Second,
	}, c.publishOnly)
	return c, nil
}

// emit stamps and fans out an engine event, keeping the watchdog and the
// current-cycle marker in sync with the stream.
func (c *Controller) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Type == EventCycleStarted {
		if index, ok := evt.Data["index"].(int); ok {
			c.mu.Lock()
			c.currentCycle = index
			c.mu.Unlock()
		}
	}
	c.watchdog.HandleEvent(evt)
	c.pub.Publish(evt)
}

// publishOnly is the watchdog's sink; it must not loop back into HandleEvent.
func (c *Controller) publishOnly(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	c.pub.Publish(evt)
}

// Start runs cycles auction cycles synchronously and returns the terminal
// run state. Zero cycles means the configured default. Fails fast with
// ErrBusy, ErrRecovering, or ErrReserveShortfall before any ledger writes.
func (c *Controller) Start(ctx context.Context, cycles int) (*RunState, error) {
	if cycles <= 0 {
		cycles = c.cfg.Cycles
	}
	state, runCtx, err := c.begin(ctx, cycles)
	if err != nil {
		return nil, err
	}
	c.run(runCtx, state, cycles)
	return state, nil
}

// StartAsync begins a run in the background and returns its id immediately.
func (c *Controller) StartAsync(ctx context.Context, cycles int) (string, error) {
	if cycles <= 0 {
		cycles = c.cfg.Cycles
	}
	state, runCtx, err := c.begin(ctx, cycles)
	if err != nil {
		return "", err
	}
	go c.run(runCtx, state, cycles)
	return state.ID, nil
}

// begin takes the single-flight run lock and verifies preconditions. On any
// error the lock is not held.
func (c *Controller) begin(ctx context.Context, cycles int) (*RunState, context.Context, error) {
	if c.recovery.Recovering() {
		return nil, nil, ErrRecovering
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, nil, ErrBusy
	}
	c.running = true
	c.stopRequested = false
	c.currentCycle = 0
	c.totalCycles = cycles
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	state := NewRunState()
	c.current = state
	c.mu.Unlock()

	release := func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.current = nil
		c.cancel = nil
		c.mu.Unlock()
	}

	// Mandatory reserve precondition: the custodian must be able to cover the
	// configured reserve across escrow and external balances before a single
	// obligation is created.
	if err := c.checkReserve(ctx); err != nil {
		release()
		return nil, nil, err
	}

	// Pre-run reconciliation: refund any obligations stranded by a previous
	// crash so the run starts from a clean ledger.
	c.reconcile(ctx, state.ID)

	return state, runCtx, nil
}

func (c *Controller) checkReserve(ctx context.Context) error {
	requirement := decimal.NewFromFloat(c.cfg.ReserveRequirement)
	if requirement.IsZero() {
		return nil
	}
	escrow, err := c.client.BalanceOf(ctx, c.custodian)
	if err != nil {
		return fmt.Errorf("reserve check: %w", err)
	}
	external, err := c.client.ExternalBalanceOf(ctx, c.custodian)
	if err != nil {
		return fmt.Errorf("reserve check: %w", err)
	}
	if escrow.Add(external).LessThan(requirement) {
		return fmt.Errorf("%w: have %s, need %s", ErrReserveShortfall, escrow.Add(external), requirement)
	}
	return nil
}

// reconcile refunds obligations left locked by a previous process. Entirely
// best-effort: already-resolved ids are expected, and other failures only
// log, since the solvency check will surface anything real.
func (c *Controller) reconcile(ctx context.Context, runID string) {
	for _, p := range c.participants {
		ids, err := c.client.FindLockEvents(ctx, p, 0)
		if err != nil {
			log.Printf("reconcile: lock event scan for %s failed: %v", p.Name, err)
			continue
		}
		for _, obID := range ids {
			_, err := submitOp(ctx, c.seq, c.sender, p, func(fee decimal.Decimal) (ledger.Receipt, error) {
				return c.client.Refund(ctx, obID, fee)
			})
			if err != nil {
				if ledger.IsAlreadyResolved(err) {
					continue
				}
				log.Printf("reconcile: refund of %s failed: %v", obID, err)
				continue
			}
			c.emit(Event{Type: EventReconcileRefunded, RunID: runID, Data: map[string]any{
				"obligation": obID,
				"identity":   p.Name,
			}})
		}
	}
}

// run drives the cycle engine and performs the ordered cleanup on exit. It
// assumes begin succeeded and the run lock is held.
func (c *Controller) run(ctx context.Context, state *RunState, cycles int) {
	c.emit(Event{Type: EventRunStarted, RunID: state.ID, Data: map[string]any{
		"cycles": cycles,
	}})

	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	c.watchdog.Start(watchdogCtx)

	// Each cycle start publishes one lead into the book and schedules bid
	// timers against it, so scheduled bids compete with the cycle's own
	// locks while the cycle runs.
	cycleEmit := func(evt Event) {
		c.emit(evt)
		if evt.Type == EventCycleStarted {
			if index, ok := evt.Data["index"].(int); ok {
				lead := c.makeLead(state.ID, index)
				c.leads.Open(lead)
				c.scheduler.Publish(ctx, state.ID, lead)
			}
		}
	}

	cycleEngine := NewCycleEngine(c.client, c.seq, c.sender, c.tracker, cycleEmit, CycleEngineConfig{
		Participants: c.participants,
		Payee:        c.seller,
		BidAmount:    decimal.NewFromFloat(c.cfg.BidAmount),
		SubsetSize:   c.cfg.SubsetSize,
		TieRate:      c.cfg.TieRate,
	}, nil)

	// Cleanup steps are pushed as their resources come into play and run in
	// reverse on exit: timers are silenced and leads withdrawn before refunds
	// go out. The unwind gets its own bounded scope because the run context
	// may be cancelled.
	comp := NewCompensationStack()
	comp.Push("refund in-flight obligations", func(ctx context.Context) error {
		return c.refundInFlight(ctx, state)
	})
	comp.Push("close lead book", func(ctx context.Context) error {
		c.leads.CloseAll()
		return nil
	})
	comp.Push("cancel bid timers", func(ctx context.Context) error {
		c.scheduler.CancelAll()
		return nil
	})

	records, runErr := cycleEngine.Run(ctx, state.ID, cycles)
	for _, rec := range records {
		state.Accumulate(rec)
	}

	c.mu.Lock()
	stopped := c.stopRequested
	c.mu.Unlock()

	switch {
	case runErr == nil:
		state.Finish(StatusCompleted, "")
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		state.Finish(StatusAborted, runErr.Error())
	default:
		state.Finish(StatusFailed, runErr.Error())
	}

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
	for _, err := range comp.Unwind(cleanupCtx) {
		log.Printf("run %s: %v", state.ID, err)
	}
	cancelCleanup()

	// Persist the terminal state. Failures log only.
	if c.store != nil {
		if err := c.store.Save(state); err != nil {
			log.Printf("run %s: persisting terminal state failed: %v", state.ID, err)
		}
	}

	stopWatchdog()

	// Release the run lock and record the result before announcing the
	// terminal event, so observers of the event see a consistent snapshot.
	c.mu.Lock()
	c.running = false
	c.current = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.latest = state
	c.scheduler.Reset()
	c.mu.Unlock()

	switch state.Status {
	case StatusCompleted:
		c.emit(Event{Type: EventRunCompleted, RunID: state.ID, Data: map[string]any{
			"settlements": state.Totals.Settlements,
			"refunds":     state.Totals.Refunds,
			"fee_spent":   state.Totals.FeeSpent.String(),
		}})
	case StatusAborted:
		c.emit(Event{Type: EventRunAborted, RunID: state.ID, Data: map[string]any{
			"cycles_finished": len(state.Cycles),
		}})
	default:
		c.emit(Event{Type: EventRunFailed, RunID: state.ID, Data: map[string]any{
			"error": state.Error,
		}})
	}

	// Recovery handoff. An operator who stopped the run explicitly keeps
	// the ledger as-is for inspection; natural completion or failure sweeps.
	if !stopped {
		go c.recovery.Run(state.ID)
	}
}

// makeLead synthesizes the lead for one cycle: subjects rotate through the
// configured profile affinities, the price matches the cycle bid amount, and
// quality varies so profile thresholds actually filter.
func (c *Controller) makeLead(runID string, index int) Lead {
	subject := "general"
	if len(c.subjects) > 0 {
		subject = c.subjects[index%len(c.subjects)]
	}
	return Lead{
		ID:       fmt.Sprintf("%s-lead-%d", runID, index),
		Subject:  subject,
		Quality:  0.2 + rand.Float64()*0.8,
		Price:    decimal.NewFromFloat(c.cfg.BidAmount),
		PostedAt: time.Now(),
		Window:   duration(c.cfg.LeadWindow, 30*time.Second),
	}
}

// refundInFlight refunds every obligation still registered in the shadow
// set. A failed refund stays registered for the next run's reconciliation.
func (c *Controller) refundInFlight(ctx context.Context, state *RunState) error {
	remaining := c.tracker.Snapshot()
	if len(remaining) == 0 {
		return nil
	}

	var errs []error
	for _, obID := range remaining {
		_, err := submitOp(ctx, c.seq, c.sender, c.custodian, func(fee decimal.Decimal) (ledger.Receipt, error) {
			return c.client.Refund(ctx, obID, fee)
		})
		if err != nil && !ledger.IsAlreadyResolved(err) {
			errs = append(errs, fmt.Errorf("refund %s: %w", obID, err))
			continue
		}
		c.tracker.Resolve(obID)
		c.emit(Event{Type: EventObligationRefunded, RunID: state.ID, Data: map[string]any{
			"obligation": obID,
			"cleanup":    true,
		}})
	}
	return errors.Join(errs...)
}

// Stop requests cooperative cancellation of the in-flight run. Returns false
// when no run is active. An explicit stop also skips the recovery pass.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.cancel == nil {
		return false
	}
	c.stopRequested = true
	c.cancel()
	return true
}

// Status returns an operator snapshot.
func (c *Controller) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ControllerStatus{
		Running:    c.running,
		Recovering: c.recovery.Recovering(),
		InFlight:   c.tracker.Len(),
	}
	if c.current != nil {
		st.RunID = c.current.ID
		st.CurrentCycle = c.currentCycle
		st.TotalCycles = c.totalCycles
	}
	return st
}

// LatestResult returns the most recent terminal run state, or nil.
func (c *Controller) LatestResult() *RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Recovering reports whether the post-run sweep is active.
func (c *Controller) Recovering() bool {
	return c.recovery.Recovering()
}
