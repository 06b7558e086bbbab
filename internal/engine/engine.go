// Package engine runs the dispatcher: an interval trigger that claims due
// deliveries and hands them to the sink, plus calendar triggers for the
// retention sweep, the expiry sweep and the reconciliation pass.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumabot/cadence/internal/clock"
	"github.com/lumabot/cadence/internal/messaging"
	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/prefs"
	"github.com/lumabot/cadence/internal/program"
	"github.com/lumabot/cadence/internal/ritual"
	"github.com/lumabot/cadence/internal/scheduler"
	"github.com/lumabot/cadence/internal/store"
)

// State is the engine lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

// Calendar trigger schedules. Sweep hours follow the product's established
// quiet-hours windows.
const (
	retentionCron = "0 3 * * *"
	expiryCron    = "0 10 * * *"
	reconcileCron = "0 * * * *"
)

// Config tunes the dispatcher. Zero values get defaults.
type Config struct {
	// PollInterval is the delay between due-delivery polls.
	PollInterval time.Duration
	// ClaimLimit caps how many deliveries one poll claims.
	ClaimLimit int
	// DeliveryTimeout bounds one send attempt. A timeout counts as a failed
	// attempt for that occurrence; there is no retry.
	DeliveryTimeout time.Duration
	// RetentionDays is how long terminal delivery rows are kept.
	RetentionDays int
	// StaleClaimAfter is how long a claim may sit in flight before the
	// reconciliation pass assumes its dispatcher died and requeues it.
	StaleClaimAfter time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight work.
	DrainTimeout time.Duration
	// ReconcileLimit caps instances scanned per reconciliation pass.
	ReconcileLimit int
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 50
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 10 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ReconcileLimit <= 0 {
		c.ReconcileLimit = 1000
	}
}

// ContentResolver produces the outgoing text for a claimed delivery. A
// resolution error is not fatal: the engine falls back to generic text and
// the delivery proceeds.
type ContentResolver interface {
	Resolve(d models.ScheduledDelivery) (string, error)
}

// Engine owns the dispatch loop and the calendar triggers. It is created
// stopped; Start moves it to running and Stop back to stopped with a bounded
// drain of in-flight work.
type Engine struct {
	store     store.Store
	sink      messaging.Sink
	prefs     prefs.Provider
	clock     clock.Clock
	programs  *program.Service
	rituals   *ritual.Rescheduler
	sweeper   *ritual.ExpirySweeper
	resolvers map[models.DeliveryKind]ContentResolver
	cfg       Config

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	cron   *scheduler.Scheduler
}

// New creates a stopped engine. The expiry sweeper may be nil when no
// subscription source is wired; the expiry calendar trigger is then skipped.
func New(st store.Store, sink messaging.Sink, prefsProvider prefs.Provider, clk clock.Clock,
	programs *program.Service, rituals *ritual.Rescheduler, sweeper *ritual.ExpirySweeper, cfg Config) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	cfg.normalize()
	return &Engine{
		store:     st,
		sink:      sink,
		prefs:     prefsProvider,
		clock:     clk,
		programs:  programs,
		rituals:   rituals,
		sweeper:   sweeper,
		resolvers: make(map[models.DeliveryKind]ContentResolver),
		cfg:       cfg,
	}
}

// RegisterResolver installs the content resolver for a delivery kind.
// Must be called before Start.
func (e *Engine) RegisterResolver(kind models.DeliveryKind, r ContentResolver) {
	e.resolvers[kind] = r
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start requeues stale claims from a previous run, starts the calendar
// triggers and launches the poll loop. Starting a running engine is an error.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		return errors.New("engine already running")
	}

	if n, err := e.store.RequeueStaleInFlight(e.clock.Now().Add(-e.cfg.StaleClaimAfter)); err != nil {
		return fmt.Errorf("startup stale claim requeue failed: %w", err)
	} else if n > 0 {
		slog.Info("Engine.Start: requeued stale claims from previous run", "count", n)
	}

	cr := scheduler.New()
	if err := cr.AddJob(retentionCron, e.retentionSweep); err != nil {
		return fmt.Errorf("retention trigger registration failed: %w", err)
	}
	if e.sweeper != nil {
		if err := cr.AddJob(expiryCron, e.expirySweep); err != nil {
			return fmt.Errorf("expiry trigger registration failed: %w", err)
		}
	}
	if err := cr.AddJob(reconcileCron, e.reconcile); err != nil {
		return fmt.Errorf("reconcile trigger registration failed: %w", err)
	}
	cr.Start()

	ctx, cancel := context.WithCancel(context.Background())
	e.cron = cr
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = StateRunning

	go e.loop(ctx)
	slog.Info("Engine.Start", "pollInterval", e.cfg.PollInterval, "claimLimit", e.cfg.ClaimLimit)
	return nil
}

// Stop halts the calendar triggers and the poll loop, waiting up to
// DrainTimeout for in-flight deliveries to finish. Safe to call on a stopped
// engine.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	done := e.done
	cr := e.cron
	e.mu.Unlock()

	cancel()
	cronDone := cr.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer drainCancel()
	select {
	case <-done:
	case <-drainCtx.Done():
		slog.Warn("Engine.Stop: drain timeout, abandoning in-flight work")
	}
	select {
	case <-cronDone.Done():
	case <-drainCtx.Done():
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	slog.Info("Engine.Stop: stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.pollOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Engine.loop: poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce claims one batch of due deliveries and processes it. Per-item
// failures are isolated; only a claim failure aborts the batch. Returns the
// number of deliveries processed.
func (e *Engine) pollOnce(ctx context.Context) (int, error) {
	claimed, err := e.store.ClaimDueDeliveries(e.clock.Now(), e.cfg.ClaimLimit)
	if err != nil {
		return 0, fmt.Errorf("claim due deliveries failed: %w", err)
	}
	for _, d := range claimed {
		if ctx.Err() != nil {
			return len(claimed), ctx.Err()
		}
		e.process(ctx, d)
	}
	return len(claimed), nil
}

// process runs one claimed delivery to a terminal status. It never returns an
// error; every outcome is recorded on the delivery row and logged.
func (e *Engine) process(ctx context.Context, d models.ScheduledDelivery) {
	p, err := e.prefs.Get(d.UserID)
	if err != nil {
		slog.Error("Engine.process: preferences lookup failed", "deliveryID", d.ID, "userID", d.UserID, "error", err)
		p = models.DefaultPreferences(d.UserID)
	}
	if !p.ProactiveMessagesEnabled || (d.Kind.IsCheckin() && !p.RitualEnabled(d.Kind)) {
		e.mark(d, e.store.MarkDeliveryCancelled, "cancelled")
		slog.Info("Engine.process: delivery withdrawn by preferences", "deliveryID", d.ID, "userID", d.UserID, "kind", d.Kind)
		return
	}

	text := e.resolveContent(d)

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	err = e.sink.SendMessage(sendCtx, d.UserID, text)
	cancel()

	switch {
	case err == nil:
		e.mark(d, e.store.MarkDeliverySent, "sent")
		e.afterFired(d, true)
	case errors.Is(err, models.ErrRecipientGone):
		e.mark(d, e.store.MarkDeliveryCancelled, "cancelled")
		slog.Info("Engine.process: recipient gone", "deliveryID", d.ID, "userID", d.UserID)
	default:
		e.mark(d, e.store.MarkDeliveryFailed, "failed")
		slog.Error("Engine.process: send failed", "deliveryID", d.ID, "userID", d.UserID, "kind", d.Kind, "error", err)
		e.afterFired(d, false)
	}
}

// afterFired runs the per-kind follow-through once an occurrence has been
// consumed: check-ins schedule their next occurrence regardless of send
// outcome; a successfully delivered program task repeats tomorrow, while a
// failed one is left for the reconciliation pass to restore.
func (e *Engine) afterFired(d models.ScheduledDelivery, sent bool) {
	switch {
	case d.Kind.IsCheckin():
		if _, err := e.rituals.Schedule(d.UserID, d.Kind); err != nil {
			slog.Error("Engine.afterFired: ritual reschedule failed", "deliveryID", d.ID, "userID", d.UserID, "kind", d.Kind, "error", err)
		}
	case d.Kind == models.KindProgramTask && sent && d.Ref != "":
		if err := e.programs.TaskDelivered(d.Ref); err != nil {
			slog.Error("Engine.afterFired: task delivered hook failed", "deliveryID", d.ID, "instanceID", d.Ref, "error", err)
		}
	}
}

func (e *Engine) resolveContent(d models.ScheduledDelivery) string {
	if d.Payload != "" {
		return d.Payload
	}
	if r, ok := e.resolvers[d.Kind]; ok {
		text, err := r.Resolve(d)
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			slog.Warn("Engine.resolveContent: resolver failed, using fallback", "deliveryID", d.ID, "kind", d.Kind, "error", err)
		}
	}
	return fallbackText(d.Kind)
}

func (e *Engine) mark(d models.ScheduledDelivery, fn func(string) error, outcome string) {
	if err := fn(d.ID); err != nil {
		slog.Error("Engine.mark: status update failed", "deliveryID", d.ID, "outcome", outcome, "error", err)
	}
}

func (e *Engine) retentionSweep() {
	cutoff := e.clock.Now().AddDate(0, 0, -e.cfg.RetentionDays)
	n, err := e.store.PurgeDeliveriesOlderThan(cutoff)
	if err != nil {
		slog.Error("Engine.retentionSweep failed", "error", err)
		return
	}
	slog.Info("Engine.retentionSweep", "purged", n, "cutoff", cutoff)
}

func (e *Engine) expirySweep() {
	if _, err := e.sweeper.Sweep(); err != nil {
		slog.Error("Engine.expirySweep failed", "error", err)
	}
}

func (e *Engine) reconcile() {
	if n, err := e.store.RequeueStaleInFlight(e.clock.Now().Add(-e.cfg.StaleClaimAfter)); err != nil {
		slog.Error("Engine.reconcile: stale claim requeue failed", "error", err)
	} else if n > 0 {
		slog.Info("Engine.reconcile: requeued stale claims", "count", n)
	}
	if _, err := e.programs.Reconcile(e.cfg.ReconcileLimit); err != nil {
		slog.Error("Engine.reconcile: program reconcile failed", "error", err)
	}
}
