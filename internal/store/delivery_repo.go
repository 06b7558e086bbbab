// Package store provides the DeliveryRepo interface for the scheduled
// delivery queue.
package store

import (
	"time"

	"github.com/lumabot/cadence/internal/models"
)

// DeliveryRepo defines the persistence interface for scheduled deliveries.
type DeliveryRepo interface {
	// EnqueueDelivery inserts a new pending delivery. If a pending delivery
	// with the same (user, kind) already exists it is cancelled first, within
	// the same transaction, so at most one pending entry occupies a
	// (user, kind) slot at any time. Returns the new delivery's ID.
	EnqueueDelivery(d models.ScheduledDelivery) (string, error)

	// ClaimDueDeliveries atomically transitions up to limit pending
	// deliveries with due_at <= now to in_flight and returns them. Concurrent
	// callers racing on the same due window receive disjoint subsets; no
	// entry is ever returned to two callers.
	ClaimDueDeliveries(now time.Time, limit int) ([]models.ScheduledDelivery, error)

	// MarkDeliverySent retires a delivery as successfully sent.
	MarkDeliverySent(id string) error

	// MarkDeliveryFailed retires a delivery as sent with the failed flag set.
	// Failed attempts are not retried; the owning state machine enqueues the
	// next occurrence independently of the previous outcome.
	MarkDeliveryFailed(id string) error

	// MarkDeliveryCancelled retires a delivery as cancelled.
	MarkDeliveryCancelled(id string) error

	// CancelPendingDeliveries cancels all pending deliveries for the given
	// (user, kind) slot and returns how many were cancelled.
	CancelPendingDeliveries(userID string, kind models.DeliveryKind) (int, error)

	// HasPendingDelivery reports whether a pending delivery occupies the
	// (user, kind) slot.
	HasPendingDelivery(userID string, kind models.DeliveryKind) (bool, error)

	// GetDelivery retrieves a single delivery by ID, or nil if absent.
	GetDelivery(id string) (*models.ScheduledDelivery, error)

	// PurgeDeliveriesOlderThan deletes sent and cancelled deliveries whose
	// last update is older than cutoff. Pending and in-flight rows are never
	// purged. Returns the number of deleted rows.
	PurgeDeliveriesOlderThan(cutoff time.Time) (int, error)

	// RequeueStaleInFlight resets deliveries claimed before staleBefore back
	// to pending (crash recovery for dispatchers that died mid-batch).
	RequeueStaleInFlight(staleBefore time.Time) (int, error)
}
