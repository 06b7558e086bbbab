// Package ritual schedules recurring check-in deliveries and runs the daily
// subscription expiry sweep.
package ritual

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lumabot/cadence/internal/clock"
	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/prefs"
	"github.com/lumabot/cadence/internal/store"
)

// Morning check-ins land 1 to 3 days out so they do not become a metronome;
// evening check-ins always land tomorrow.
const maxMorningDaysAhead = 3

// Rescheduler computes the next occurrence of a ritual check-in and keeps the
// delivery queue in sync with the user's preferences.
type Rescheduler struct {
	store store.Store
	prefs prefs.Provider
	clock clock.Clock
	// intN is the random source for the morning day offset, injectable in
	// tests. Defaults to math/rand/v2.
	intN func(n int) int
}

// NewRescheduler creates a ritual rescheduler.
func NewRescheduler(st store.Store, prefsProvider prefs.Provider, clk clock.Clock) *Rescheduler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Rescheduler{store: st, prefs: prefsProvider, clock: clk, intN: rand.IntN}
}

// Schedule enqueues the next occurrence of a check-in for the user and
// returns its due time. When the user has the ritual or proactive messages
// disabled it withdraws any pending occurrence instead and returns nil.
func (r *Rescheduler) Schedule(userID string, kind models.DeliveryKind) (*time.Time, error) {
	if !kind.IsCheckin() {
		return nil, fmt.Errorf("%w: %s is not a check-in", models.ErrInvalidDeliveryKind, kind)
	}

	p, err := r.prefs.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("schedule ritual preferences lookup failed: %w", err)
	}
	if !p.ProactiveMessagesEnabled || !p.RitualEnabled(kind) {
		if err := r.Cancel(userID, kind); err != nil {
			return nil, err
		}
		return nil, nil
	}

	loc := clock.LoadLocation(p.Timezone)
	now := r.clock.Now()
	due := clock.NextDayAt(now, p.RitualTime(kind), loc)
	if kind == models.KindMorningCheckin {
		due = due.AddDate(0, 0, r.intN(maxMorningDaysAhead))
	}

	if _, err := r.store.EnqueueDelivery(models.ScheduledDelivery{
		UserID: userID,
		Kind:   kind,
		DueAt:  due,
	}); err != nil {
		return nil, fmt.Errorf("schedule ritual enqueue failed: %w", err)
	}
	slog.Info("Rescheduler.Schedule", "userID", userID, "kind", kind, "dueAt", due)
	return &due, nil
}

// Cancel withdraws the pending occurrence of a check-in, if any.
func (r *Rescheduler) Cancel(userID string, kind models.DeliveryKind) error {
	if !kind.IsCheckin() {
		return fmt.Errorf("%w: %s is not a check-in", models.ErrInvalidDeliveryKind, kind)
	}
	n, err := r.store.CancelPendingDeliveries(userID, kind)
	if err != nil {
		return fmt.Errorf("cancel ritual failed: %w", err)
	}
	if n > 0 {
		slog.Info("Rescheduler.Cancel", "userID", userID, "kind", kind)
	}
	return nil
}
