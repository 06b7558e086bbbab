package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/util"
)

// Compile-time check that SQLiteStore implements DeliveryRepo.
var _ DeliveryRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) EnqueueDelivery(d models.ScheduledDelivery) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("enqueue delivery validation failed: %w", err)
	}
	id := util.GenerateDeliveryID()
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("enqueue delivery begin failed: %w", err)
	}
	defer tx.Rollback()

	// Cancel-then-insert in one transaction keeps the single-pending-slot
	// invariant; the partial unique index is the backstop.
	if _, err := tx.Exec(
		`UPDATE deliveries SET status = 'cancelled', updated_at = ? WHERE user_id = ? AND kind = ? AND status = 'pending'`,
		now, d.UserID, d.Kind,
	); err != nil {
		return "", fmt.Errorf("enqueue delivery cancel old failed: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO deliveries (id, user_id, kind, due_at, status, failed, payload, ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		id, d.UserID, d.Kind, d.DueAt, nilIfEmpty(d.Payload), nilIfEmpty(d.Ref), now, now,
	); err != nil {
		return "", fmt.Errorf("enqueue delivery insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("enqueue delivery commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueDelivery", "id", id, "userID", d.UserID, "kind", d.Kind, "dueAt", d.DueAt)
	return id, nil
}

func (s *SQLiteStore) ClaimDueDeliveries(now time.Time, limit int) ([]models.ScheduledDelivery, error) {
	var claimed []models.ScheduledDelivery
	for len(claimed) < limit {
		candidates, err := s.dueCandidates(now, limit-len(claimed))
		if err != nil {
			return claimed, err
		}
		if len(candidates) == 0 {
			break
		}

		// The conditional update claims each row exactly once: a row another
		// dispatcher already claimed reports zero affected rows, drops out of
		// the next candidate query, and the loop refills from what remains.
		for _, d := range candidates {
			res, err := s.db.Exec(
				`UPDATE deliveries SET status = 'in_flight', updated_at = ? WHERE id = ? AND status = 'pending'`,
				now, d.ID,
			)
			if err != nil {
				return claimed, fmt.Errorf("claim delivery %s failed: %w", d.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return claimed, fmt.Errorf("claim delivery %s rows affected failed: %w", d.ID, err)
			}
			if n == 0 {
				continue
			}
			d.Status = models.DeliveryStatusInFlight
			d.UpdatedAt = now
			claimed = append(claimed, d)
		}
	}
	return claimed, nil
}

func (s *SQLiteStore) dueCandidates(now time.Time, limit int) ([]models.ScheduledDelivery, error) {
	rows, err := s.db.Query(
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE status = 'pending' AND due_at <= ? ORDER BY due_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries query failed: %w", err)
	}
	defer rows.Close()

	var candidates []models.ScheduledDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery failed: %w", err)
		}
		candidates = append(candidates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due deliveries iteration failed: %w", err)
	}
	return candidates, nil
}

func (s *SQLiteStore) MarkDeliverySent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE deliveries SET status = 'sent', failed = 0, sent_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivery sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkDeliveryFailed(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE deliveries SET status = 'sent', failed = 1, sent_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivery failed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkDeliveryCancelled(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE deliveries SET status = 'cancelled', updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivery cancelled failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelPendingDeliveries(userID string, kind models.DeliveryKind) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE deliveries SET status = 'cancelled', updated_at = ? WHERE user_id = ? AND kind = ? AND status = 'pending'`,
		now, userID, kind,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending deliveries failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.CancelPendingDeliveries", "userID", userID, "kind", kind, "cancelled", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) HasPendingDelivery(userID string, kind models.DeliveryKind) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM deliveries WHERE user_id = ? AND kind = ? AND status = 'pending'`,
		userID, kind,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pending delivery lookup failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) GetDelivery(id string) (*models.ScheduledDelivery, error) {
	row := s.db.QueryRow(`SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery failed: %w", err)
	}
	return &d, nil
}

func (s *SQLiteStore) PurgeDeliveriesOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM deliveries WHERE status IN ('sent', 'cancelled') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge deliveries failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PurgeDeliveriesOlderThan", "purged", n, "cutoff", cutoff)
	}
	return int(n), nil
}

func (s *SQLiteStore) RequeueStaleInFlight(staleBefore time.Time) (int, error) {
	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("requeue stale in-flight begin failed: %w", err)
	}
	defer tx.Rollback()

	// If a newer pending delivery already occupies the (user, kind) slot the
	// stale row is obsolete; cancel it instead of violating the slot index.
	// When several stale rows share one slot, only the latest occurrence is
	// requeued so the slot index holds; the rest fall through to the cancel.
	res, err := tx.Exec(
		`UPDATE deliveries SET status = 'pending', updated_at = ?
		 WHERE status = 'in_flight' AND updated_at < ?
		   AND NOT EXISTS (
		     SELECT 1 FROM deliveries d2
		     WHERE d2.user_id = deliveries.user_id AND d2.kind = deliveries.kind AND d2.status = 'pending'
		   )
		   AND id = (
		     SELECT d3.id FROM deliveries d3
		     WHERE d3.user_id = deliveries.user_id AND d3.kind = deliveries.kind
		       AND d3.status = 'in_flight' AND d3.updated_at < ?
		     ORDER BY d3.due_at DESC, d3.id DESC
		     LIMIT 1
		   )`,
		now, staleBefore, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale in-flight failed: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.Exec(
		`UPDATE deliveries SET status = 'cancelled', updated_at = ? WHERE status = 'in_flight' AND updated_at < ?`,
		now, staleBefore,
	); err != nil {
		return 0, fmt.Errorf("cancel superseded in-flight failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("requeue stale in-flight commit failed: %w", err)
	}
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleInFlight", "requeued", n)
	}
	return int(n), nil
}
