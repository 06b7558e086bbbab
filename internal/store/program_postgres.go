package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/util"
)

// Compile-time check that PostgresStore implements ProgramRepo.
var _ ProgramRepo = (*PostgresStore)(nil)

func (s *PostgresStore) CreateProgramInstance(p models.ProgramInstance) (string, error) {
	id := util.GenerateProgramInstanceID()
	now := time.Now()
	completedDays, err := encodeCompletedDays(p.CompletedDays)
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(
		`INSERT INTO program_instances (`+programColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		id, p.UserID, p.ProgramID, p.ProgramName, p.CurrentDay, p.TotalDays,
		p.Status, completedDays, p.ReminderTime.String(), p.ReminderEnabled,
		timeOrNil(p.NextTaskAt), timeOrNil(p.LastTaskSentAt), p.StartedAt,
		timeOrNil(p.PausedAt), timeOrNil(p.CompletedAt), now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return "", models.ErrActiveProgramExists
		}
		return "", fmt.Errorf("create program instance failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateProgramInstance", "id", id, "userID", p.UserID, "programID", p.ProgramID)
	return id, nil
}

func (s *PostgresStore) GetProgramInstance(id string) (*models.ProgramInstance, error) {
	row := s.db.QueryRow(`SELECT `+programColumns+` FROM program_instances WHERE id = $1`, id)
	p, err := scanProgramInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get program instance failed: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetActiveProgramInstance(userID, programID string) (*models.ProgramInstance, error) {
	row := s.db.QueryRow(
		`SELECT `+programColumns+` FROM program_instances
		 WHERE user_id = $1 AND program_id = $2 AND status = 'active'`,
		userID, programID,
	)
	p, err := scanProgramInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active program instance failed: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListProgramInstances(userID string) ([]models.ProgramInstance, error) {
	rows, err := s.db.Query(
		`SELECT `+programColumns+` FROM program_instances WHERE user_id = $1 ORDER BY started_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list program instances failed: %w", err)
	}
	defer rows.Close()
	return collectProgramInstances(rows)
}

func (s *PostgresStore) ListActiveProgramInstances(limit int) ([]models.ProgramInstance, error) {
	rows, err := s.db.Query(
		`SELECT `+programColumns+` FROM program_instances WHERE status = 'active' ORDER BY started_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list active program instances failed: %w", err)
	}
	defer rows.Close()
	return collectProgramInstances(rows)
}

func (s *PostgresStore) UpdateProgramInstance(p models.ProgramInstance) error {
	now := time.Now()
	completedDays, err := encodeCompletedDays(p.CompletedDays)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE program_instances SET
		   current_day = $1, total_days = $2, status = $3, completed_days = $4,
		   reminder_time = $5, reminder_enabled = $6, next_task_at = $7,
		   last_task_sent_at = $8, paused_at = $9, completed_at = $10, updated_at = $11
		 WHERE id = $12`,
		p.CurrentDay, p.TotalDays, p.Status, completedDays,
		p.ReminderTime.String(), p.ReminderEnabled, timeOrNil(p.NextTaskAt),
		timeOrNil(p.LastTaskSentAt), timeOrNil(p.PausedAt), timeOrNil(p.CompletedAt), now,
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("update program instance failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.ErrProgramNotFound
	}
	return nil
}
