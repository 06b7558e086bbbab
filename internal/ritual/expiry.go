package ritual

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lumabot/cadence/internal/clock"
	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/prefs"
	"github.com/lumabot/cadence/internal/store"
)

// expiryThresholds are the whole-day distances at which a reminder goes out.
var expiryThresholds = []int{7, 3, 1}

// Subscription is the slice of subscription state the sweep needs. The
// subscription system itself is an external collaborator.
type Subscription struct {
	UserID    string
	ExpiresAt time.Time
	AutoRenew bool
}

// SubscriptionSource lists subscriptions that have not yet expired.
type SubscriptionSource interface {
	ListActiveSubscriptions() ([]Subscription, error)
}

// ExpirySweeper runs the daily pass that enqueues expiry reminders at the
// 7, 3 and 1 day marks. Auto-renewing subscriptions are skipped.
type ExpirySweeper struct {
	store  store.Store
	prefs  prefs.Provider
	clock  clock.Clock
	source SubscriptionSource
}

// NewExpirySweeper creates an expiry sweeper.
func NewExpirySweeper(st store.Store, prefsProvider prefs.Provider, clk clock.Clock, source SubscriptionSource) *ExpirySweeper {
	if clk == nil {
		clk = clock.System{}
	}
	return &ExpirySweeper{store: st, prefs: prefsProvider, clock: clk, source: source}
}

// Sweep enqueues one reminder per subscription whose expiry lands exactly on
// a threshold day in the user's timezone. Each threshold has its own delivery
// kind, so a sweep re-run near a day boundary cannot collapse the 7-day and
// 1-day reminders into one slot. Returns the number of reminders enqueued.
func (s *ExpirySweeper) Sweep() (int, error) {
	subs, err := s.source.ListActiveSubscriptions()
	if err != nil {
		return 0, fmt.Errorf("expiry sweep subscription list failed: %w", err)
	}

	now := s.clock.Now()
	enqueued := 0
	for _, sub := range subs {
		if sub.AutoRenew {
			continue
		}
		p, err := s.prefs.Get(sub.UserID)
		if err != nil {
			slog.Error("ExpirySweeper.Sweep: preferences lookup failed", "userID", sub.UserID, "error", err)
			continue
		}
		if !p.ProactiveMessagesEnabled {
			continue
		}

		days := clock.DaysUntil(now, sub.ExpiresAt, clock.LoadLocation(p.Timezone))
		kind, ok := thresholdKind(days)
		if !ok {
			continue
		}

		// Due strictly after the sweep moment; the next poll tick picks it up.
		if _, err := s.store.EnqueueDelivery(models.ScheduledDelivery{
			UserID: sub.UserID,
			Kind:   kind,
			DueAt:  now.Add(time.Minute),
		}); err != nil {
			slog.Error("ExpirySweeper.Sweep: enqueue failed", "userID", sub.UserID, "kind", kind, "error", err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		slog.Info("ExpirySweeper.Sweep", "enqueued", enqueued, "scanned", len(subs))
	}
	return enqueued, nil
}

func thresholdKind(days int) (models.DeliveryKind, bool) {
	for _, t := range expiryThresholds {
		if days == t {
			kind, err := models.ExpiryReminderKind(t)
			if err != nil {
				return "", false
			}
			return kind, true
		}
	}
	return "", false
}
