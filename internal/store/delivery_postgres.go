package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/util"
)

// Compile-time check that PostgresStore implements DeliveryRepo.
var _ DeliveryRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueDelivery(d models.ScheduledDelivery) (string, error) {
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

	if _, err := tx.Exec(
		`UPDATE deliveries SET status = 'cancelled', updated_at = $1 WHERE user_id = $2 AND kind = $3 AND status = 'pending'`,
		now, d.UserID, d.Kind,
	); err != nil {
		return "", fmt.Errorf("enqueue delivery cancel old failed: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO deliveries (id, user_id, kind, due_at, status, failed, payload, ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'pending', FALSE, $5, $6, $7, $8)`,
		id, d.UserID, d.Kind, d.DueAt, nilIfEmpty(d.Payload), nilIfEmpty(d.Ref), now, now,
	); err != nil {
		return "", fmt.Errorf("enqueue delivery insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("enqueue delivery commit failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueDelivery", "id", id, "userID", d.UserID, "kind", d.Kind, "dueAt", d.DueAt)
	return id, nil
}

func (s *PostgresStore) ClaimDueDeliveries(now time.Time, limit int) ([]models.ScheduledDelivery, error) {
	rows, err := s.db.Query(
		`UPDATE deliveries SET status = 'in_flight', updated_at = $1
		 WHERE id IN (
		   SELECT id FROM deliveries WHERE status = 'pending' AND due_at <= $1
		   ORDER BY due_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+deliveryColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries failed: %w", err)
	}
	defer rows.Close()

	var claimed []models.ScheduledDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery failed: %w", err)
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due deliveries iteration failed: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) MarkDeliverySent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE deliveries SET status = 'sent', failed = FALSE, sent_at = $1, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivery sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDeliveryFailed(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE deliveries SET status = 'sent', failed = TRUE, sent_at = $1, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivery failed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDeliveryCancelled(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE deliveries SET status = 'cancelled', updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivery cancelled failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelPendingDeliveries(userID string, kind models.DeliveryKind) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE deliveries SET status = 'cancelled', updated_at = $1 WHERE user_id = $2 AND kind = $3 AND status = 'pending'`,
		now, userID, kind,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending deliveries failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.CancelPendingDeliveries", "userID", userID, "kind", kind, "cancelled", n)
	}
	return int(n), nil
}

func (s *PostgresStore) HasPendingDelivery(userID string, kind models.DeliveryKind) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM deliveries WHERE user_id = $1 AND kind = $2 AND status = 'pending'`,
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

func (s *PostgresStore) GetDelivery(id string) (*models.ScheduledDelivery, error) {
	row := s.db.QueryRow(`SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery failed: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) PurgeDeliveriesOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM deliveries WHERE status IN ('sent', 'cancelled') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge deliveries failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.PurgeDeliveriesOlderThan", "purged", n, "cutoff", cutoff)
	}
	return int(n), nil
}

func (s *PostgresStore) RequeueStaleInFlight(staleBefore time.Time) (int, error) {
	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("requeue stale in-flight begin failed: %w", err)
	}
	defer tx.Rollback()

	// Only the latest occurrence in each (user, kind) slot is requeued; extra
	// stale rows in the same slot would trip the pending slot index.
	res, err := tx.Exec(
		`UPDATE deliveries SET status = 'pending', updated_at = $1
		 WHERE status = 'in_flight' AND updated_at < $2
		   AND NOT EXISTS (
		     SELECT 1 FROM deliveries d2
		     WHERE d2.user_id = deliveries.user_id AND d2.kind = deliveries.kind AND d2.status = 'pending'
		   )
		   AND id = (
		     SELECT d3.id FROM deliveries d3
		     WHERE d3.user_id = deliveries.user_id AND d3.kind = deliveries.kind
		       AND d3.status = 'in_flight' AND d3.updated_at < $2
		     ORDER BY d3.due_at DESC, d3.id DESC
		     LIMIT 1
		   )`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale in-flight failed: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.Exec(
		`UPDATE deliveries SET status = 'cancelled', updated_at = $1 WHERE status = 'in_flight' AND updated_at < $2`,
		now, staleBefore,
	); err != nil {
		return 0, fmt.Errorf("cancel superseded in-flight failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("requeue stale in-flight commit failed: %w", err)
	}
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleInFlight", "requeued", n)
	}
	return int(n), nil
}
