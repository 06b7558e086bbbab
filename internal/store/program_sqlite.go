package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/util"
)

// Compile-time check that SQLiteStore implements ProgramRepo.
var _ ProgramRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) CreateProgramInstance(p models.ProgramInstance) (string, error) {
	id := util.GenerateProgramInstanceID()
	now := time.Now()
	completedDays, err := encodeCompletedDays(p.CompletedDays)
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(
		`INSERT INTO program_instances (`+programColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.UserID, p.ProgramID, p.ProgramName, p.CurrentDay, p.TotalDays,
		p.Status, completedDays, p.ReminderTime.String(), p.ReminderEnabled,
		timeOrNil(p.NextTaskAt), timeOrNil(p.LastTaskSentAt), p.StartedAt,
		timeOrNil(p.PausedAt), timeOrNil(p.CompletedAt), now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return "", models.ErrActiveProgramExists
		}
		return "", fmt.Errorf("create program instance failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateProgramInstance", "id", id, "userID", p.UserID, "programID", p.ProgramID)
	return id, nil
}

func (s *SQLiteStore) GetProgramInstance(id string) (*models.ProgramInstance, error) {
	row := s.db.QueryRow(`SELECT `+programColumns+` FROM program_instances WHERE id = ?`, id)
	p, err := scanProgramInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get program instance failed: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) GetActiveProgramInstance(userID, programID string) (*models.ProgramInstance, error) {
	row := s.db.QueryRow(
		`SELECT `+programColumns+` FROM program_instances
		 WHERE user_id = ? AND program_id = ? AND status = 'active'`,
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

func (s *SQLiteStore) ListProgramInstances(userID string) ([]models.ProgramInstance, error) {
	rows, err := s.db.Query(
		`SELECT `+programColumns+` FROM program_instances WHERE user_id = ? ORDER BY started_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list program instances failed: %w", err)
	}
	defer rows.Close()
	return collectProgramInstances(rows)
}

func (s *SQLiteStore) ListActiveProgramInstances(limit int) ([]models.ProgramInstance, error) {
	rows, err := s.db.Query(
		`SELECT `+programColumns+` FROM program_instances WHERE status = 'active' ORDER BY started_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list active program instances failed: %w", err)
	}
	defer rows.Close()
	return collectProgramInstances(rows)
}

func (s *SQLiteStore) UpdateProgramInstance(p models.ProgramInstance) error {
	now := time.Now()
	completedDays, err := encodeCompletedDays(p.CompletedDays)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE program_instances SET
		   current_day = ?, total_days = ?, status = ?, completed_days = ?,
		   reminder_time = ?, reminder_enabled = ?, next_task_at = ?,
		   last_task_sent_at = ?, paused_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
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

// collectProgramInstances drains a rows cursor into a slice.
func collectProgramInstances(rows *sql.Rows) ([]models.ProgramInstance, error) {
	var out []models.ProgramInstance
	for rows.Next() {
		p, err := scanProgramInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan program instance failed: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("program instance iteration failed: %w", err)
	}
	return out, nil
}
