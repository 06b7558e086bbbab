package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lumabot/cadence/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanDelivery scans a ScheduledDelivery from a row or rows cursor.
func scanDelivery(sc rowScanner) (models.ScheduledDelivery, error) {
	var d models.ScheduledDelivery
	var payload, ref sql.NullString
	var sentAt sql.NullTime
	err := sc.Scan(
		&d.ID, &d.UserID, &d.Kind, &d.DueAt, &d.Status, &d.Failed,
		&payload, &ref, &d.CreatedAt, &sentAt, &d.UpdatedAt,
	)
	if err != nil {
		return d, err
	}
	d.Payload = payload.String
	d.Ref = ref.String
	if sentAt.Valid {
		d.SentAt = &sentAt.Time
	}
	return d, nil
}

// deliveryColumns is the column list matching scanDelivery's scan order.
const deliveryColumns = `id, user_id, kind, due_at, status, failed, payload, ref, created_at, sent_at, updated_at`

// scanProgramInstance scans a ProgramInstance from a row or rows cursor.
func scanProgramInstance(sc rowScanner) (models.ProgramInstance, error) {
	var p models.ProgramInstance
	var completedDaysJSON, reminderTime string
	var nextTaskAt, lastTaskSentAt, pausedAt, completedAt sql.NullTime
	err := sc.Scan(
		&p.ID, &p.UserID, &p.ProgramID, &p.ProgramName, &p.CurrentDay, &p.TotalDays,
		&p.Status, &completedDaysJSON, &reminderTime, &p.ReminderEnabled,
		&nextTaskAt, &lastTaskSentAt, &p.StartedAt, &pausedAt, &completedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	if completedDaysJSON != "" {
		if err := json.Unmarshal([]byte(completedDaysJSON), &p.CompletedDays); err != nil {
			return p, fmt.Errorf("decode completed days: %w", err)
		}
	}
	tod, err := models.ParseTimeOfDay(reminderTime)
	if err != nil {
		return p, fmt.Errorf("decode reminder time: %w", err)
	}
	p.ReminderTime = tod
	if nextTaskAt.Valid {
		p.NextTaskAt = &nextTaskAt.Time
	}
	if lastTaskSentAt.Valid {
		p.LastTaskSentAt = &lastTaskSentAt.Time
	}
	if pausedAt.Valid {
		p.PausedAt = &pausedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return p, nil
}

// programColumns is the column list matching scanProgramInstance's scan order.
const programColumns = `id, user_id, program_id, program_name, current_day, total_days, status, completed_days, reminder_time, reminder_enabled, next_task_at, last_task_sent_at, started_at, paused_at, completed_at, updated_at`

// encodeCompletedDays serializes the completed days list for storage.
func encodeCompletedDays(days []models.CompletedDay) (string, error) {
	if days == nil {
		days = []models.CompletedDay{}
	}
	b, err := json.Marshal(days)
	if err != nil {
		return "", fmt.Errorf("encode completed days: %w", err)
	}
	return string(b), nil
}

// timeOrNil converts an optional time pointer for a nullable column.
func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
