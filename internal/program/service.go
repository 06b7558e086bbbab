// Package program implements the multi-day program progression state machine.
//
// A program instance moves Active -> {Paused, Abandoned, Completed} and
// Paused -> {Active, Abandoned}. Completed and Abandoned are terminal.
// Operations on a terminal instance succeed as no-ops and return the current
// snapshot; a state conflict is never surfaced as an error.
package program

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumabot/cadence/internal/clock"
	"github.com/lumabot/cadence/internal/content"
	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/prefs"
	"github.com/lumabot/cadence/internal/store"
)

// Service drives program instances and keeps their task deliveries in sync
// with the progression state. All due-time computation goes through the
// injected clock.
type Service struct {
	store   store.Store
	catalog content.Catalog
	prefs   prefs.Provider
	clock   clock.Clock
}

// NewService creates a program service.
func NewService(st store.Store, catalog content.Catalog, prefsProvider prefs.Provider, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{store: st, catalog: catalog, prefs: prefsProvider, clock: clk}
}

func (s *Service) location(userID string) *time.Location {
	p, err := s.prefs.Get(userID)
	if err != nil {
		slog.Warn("ProgramService.location: preferences lookup failed, using UTC", "userID", userID, "error", err)
		return time.UTC
	}
	return clock.LoadLocation(p.Timezone)
}

// Start begins a program for a user. It is idempotent per (user, program):
// when an active instance already exists it is returned unchanged and no new
// instance is created.
func (s *Service) Start(userID, programID string, reminderTime models.TimeOfDay) (*models.ProgramInstance, error) {
	existing, err := s.store.GetActiveProgramInstance(userID, programID)
	if err != nil {
		return nil, fmt.Errorf("start program lookup failed: %w", err)
	}
	if existing != nil {
		slog.Debug("ProgramService.Start: active instance exists", "userID", userID, "programID", programID, "instanceID", existing.ID)
		return existing, nil
	}

	totalDays, err := s.catalog.TotalDays(programID)
	if err != nil {
		return nil, fmt.Errorf("start program catalog lookup failed: %w", err)
	}
	name, err := s.catalog.ProgramName(programID)
	if err != nil {
		return nil, fmt.Errorf("start program catalog lookup failed: %w", err)
	}
	if reminderTime.IsZero() {
		reminderTime = models.DefaultMorningTime
	}

	now := s.clock.Now()
	next := clock.NextOccurrence(now, reminderTime, s.location(userID))
	inst := models.ProgramInstance{
		UserID:          userID,
		ProgramID:       programID,
		ProgramName:     name,
		CurrentDay:      1,
		TotalDays:       totalDays,
		Status:          models.ProgramStatusActive,
		ReminderTime:    reminderTime,
		ReminderEnabled: true,
		NextTaskAt:      &next,
		StartedAt:       now,
	}

	id, err := s.store.CreateProgramInstance(inst)
	if errors.Is(err, models.ErrActiveProgramExists) {
		// Lost a concurrent start; the winner's instance is the active one.
		winner, gerr := s.store.GetActiveProgramInstance(userID, programID)
		if gerr != nil {
			return nil, fmt.Errorf("start program lookup after conflict failed: %w", gerr)
		}
		if winner != nil {
			slog.Debug("ProgramService.Start: concurrent start, returning existing", "userID", userID, "programID", programID, "instanceID", winner.ID)
			return winner, nil
		}
		return nil, fmt.Errorf("start program create failed: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("start program create failed: %w", err)
	}
	inst.ID = id

	if err := s.enqueueTask(&inst, next); err != nil {
		return nil, err
	}
	slog.Info("ProgramService.Start", "userID", userID, "programID", programID, "instanceID", id, "nextTaskAt", next)
	return &inst, nil
}

// CompleteDay records completion of the current day. On the final day the
// instance transitions to Completed; otherwise the day counter advances and
// the next task is scheduled for tomorrow at the reminder time, never later
// today. Terminal and paused instances are returned unchanged.
func (s *Service) CompleteDay(instanceID, feedback string) (*models.ProgramInstance, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.ProgramStatusActive {
		slog.Debug("ProgramService.CompleteDay: not active, no-op", "instanceID", instanceID, "status", inst.Status)
		return inst, nil
	}

	now := s.clock.Now()
	inst.CompletedDays = append(inst.CompletedDays, models.CompletedDay{
		Day:         inst.CurrentDay,
		CompletedAt: now,
		Feedback:    feedback,
	})

	if inst.CurrentDay >= inst.TotalDays {
		inst.Status = models.ProgramStatusCompleted
		inst.CompletedAt = &now
		inst.NextTaskAt = nil
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return nil, fmt.Errorf("complete day update failed: %w", err)
		}
		if _, err := s.store.CancelPendingDeliveries(inst.UserID, models.KindProgramTask); err != nil {
			return nil, fmt.Errorf("complete day cancel pending failed: %w", err)
		}
		s.queueCompletionMessage(inst, now)
		slog.Info("ProgramService.CompleteDay: program completed", "instanceID", instanceID, "userID", inst.UserID, "programID", inst.ProgramID)
		return inst, nil
	}

	inst.CurrentDay++
	if inst.ReminderEnabled {
		next := clock.NextDayAt(now, inst.ReminderTime, s.location(inst.UserID))
		inst.NextTaskAt = &next
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return nil, fmt.Errorf("complete day update failed: %w", err)
		}
		if err := s.enqueueTask(inst, next); err != nil {
			return nil, err
		}
	} else {
		inst.NextTaskAt = nil
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return nil, fmt.Errorf("complete day update failed: %w", err)
		}
	}
	slog.Info("ProgramService.CompleteDay", "instanceID", instanceID, "day", inst.CurrentDay-1, "nextDay", inst.CurrentDay)
	return inst, nil
}

// Pause suspends an active instance and withdraws its pending task delivery.
// Pausing a paused or terminal instance is a no-op.
func (s *Service) Pause(instanceID string) (*models.ProgramInstance, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.ProgramStatusActive {
		return inst, nil
	}

	now := s.clock.Now()
	inst.Status = models.ProgramStatusPaused
	inst.PausedAt = &now
	inst.NextTaskAt = nil
	if err := s.store.UpdateProgramInstance(*inst); err != nil {
		return nil, fmt.Errorf("pause update failed: %w", err)
	}
	if _, err := s.store.CancelPendingDeliveries(inst.UserID, models.KindProgramTask); err != nil {
		return nil, fmt.Errorf("pause cancel pending failed: %w", err)
	}
	slog.Info("ProgramService.Pause", "instanceID", instanceID, "userID", inst.UserID)
	return inst, nil
}

// Resume reactivates a paused instance at the day it was paused on and
// schedules the next task via the today-if-ahead-else-tomorrow rule.
// Resuming an active or terminal instance is a no-op.
func (s *Service) Resume(instanceID string) (*models.ProgramInstance, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.ProgramStatusPaused {
		return inst, nil
	}

	// Another instance of the same program may have been started while this
	// one was paused; the paused one stays paused rather than contending for
	// the active slot.
	other, err := s.store.GetActiveProgramInstance(inst.UserID, inst.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("resume lookup failed: %w", err)
	}
	if other != nil {
		slog.Debug("ProgramService.Resume: active instance holds the slot, no-op", "instanceID", instanceID, "activeInstanceID", other.ID)
		return inst, nil
	}

	now := s.clock.Now()
	inst.Status = models.ProgramStatusActive
	inst.PausedAt = nil
	if inst.ReminderEnabled {
		next := clock.NextOccurrence(now, inst.ReminderTime, s.location(inst.UserID))
		inst.NextTaskAt = &next
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return nil, fmt.Errorf("resume update failed: %w", err)
		}
		if err := s.enqueueTask(inst, next); err != nil {
			return nil, err
		}
	} else {
		inst.NextTaskAt = nil
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return nil, fmt.Errorf("resume update failed: %w", err)
		}
	}
	slog.Info("ProgramService.Resume", "instanceID", instanceID, "day", inst.CurrentDay, "nextTaskAt", inst.NextTaskAt)
	return inst, nil
}

// Abandon terminates an active or paused instance and withdraws its pending
// task delivery. Abandoning a terminal instance is a no-op.
func (s *Service) Abandon(instanceID string) (*models.ProgramInstance, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}

	inst.Status = models.ProgramStatusAbandoned
	inst.PausedAt = nil
	inst.NextTaskAt = nil
	if err := s.store.UpdateProgramInstance(*inst); err != nil {
		return nil, fmt.Errorf("abandon update failed: %w", err)
	}
	if _, err := s.store.CancelPendingDeliveries(inst.UserID, models.KindProgramTask); err != nil {
		return nil, fmt.Errorf("abandon cancel pending failed: %w", err)
	}
	slog.Info("ProgramService.Abandon", "instanceID", instanceID, "userID", inst.UserID)
	return inst, nil
}

// UpdateReminderTime changes the reminder time. For an active instance with
// reminders enabled the next task is recomputed and its delivery replaced.
// Terminal instances are returned unchanged.
func (s *Service) UpdateReminderTime(instanceID string, reminderTime models.TimeOfDay) (*models.ProgramInstance, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}

	inst.ReminderTime = reminderTime
	if inst.Status == models.ProgramStatusActive && inst.ReminderEnabled {
		next := clock.NextOccurrence(s.clock.Now(), reminderTime, s.location(inst.UserID))
		inst.NextTaskAt = &next
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return nil, fmt.Errorf("update reminder time failed: %w", err)
		}
		if err := s.enqueueTask(inst, next); err != nil {
			return nil, err
		}
	} else {
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return nil, fmt.Errorf("update reminder time failed: %w", err)
		}
	}
	slog.Info("ProgramService.UpdateReminderTime", "instanceID", instanceID, "reminderTime", reminderTime.String())
	return inst, nil
}

// ToggleReminders enables or disables task reminders. Disabling clears
// next_task_at and withdraws the pending delivery; enabling on an active
// instance recomputes the next task. Terminal instances are returned
// unchanged.
func (s *Service) ToggleReminders(instanceID string, enabled bool) (*models.ProgramInstance, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}

	inst.ReminderEnabled = enabled
	if enabled && inst.Status == models.ProgramStatusActive {
		next := clock.NextOccurrence(s.clock.Now(), inst.ReminderTime, s.location(inst.UserID))
		inst.NextTaskAt = &next
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return nil, fmt.Errorf("toggle reminders update failed: %w", err)
		}
		if err := s.enqueueTask(inst, next); err != nil {
			return nil, err
		}
	} else {
		inst.NextTaskAt = nil
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return nil, fmt.Errorf("toggle reminders update failed: %w", err)
		}
		if _, err := s.store.CancelPendingDeliveries(inst.UserID, models.KindProgramTask); err != nil {
			return nil, fmt.Errorf("toggle reminders cancel pending failed: %w", err)
		}
	}
	slog.Info("ProgramService.ToggleReminders", "instanceID", instanceID, "enabled", enabled)
	return inst, nil
}

// TaskDelivered records that the current day's task went out and schedules
// the same day again for tomorrow. The task repeats daily until the user
// completes the day; only CompleteDay advances the counter.
func (s *Service) TaskDelivered(instanceID string) error {
	inst, err := s.get(instanceID)
	if err != nil {
		return err
	}
	if inst.Status != models.ProgramStatusActive {
		return nil
	}

	now := s.clock.Now()
	inst.LastTaskSentAt = &now
	if inst.ReminderEnabled {
		next := clock.NextDayAt(now, inst.ReminderTime, s.location(inst.UserID))
		inst.NextTaskAt = &next
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			return fmt.Errorf("task delivered update failed: %w", err)
		}
		return s.enqueueTask(inst, next)
	}
	inst.NextTaskAt = nil
	if err := s.store.UpdateProgramInstance(*inst); err != nil {
		return fmt.Errorf("task delivered update failed: %w", err)
	}
	return nil
}

// Get returns a snapshot of an instance.
func (s *Service) Get(instanceID string) (*models.ProgramInstance, error) {
	return s.get(instanceID)
}

// List returns all instances for a user, most recently started first.
func (s *Service) List(userID string) ([]models.ProgramInstance, error) {
	return s.store.ListProgramInstances(userID)
}

// Reconcile repairs drift between instance state and the delivery queue:
// an active instance with reminders enabled gets its next task re-derived
// and re-enqueued when the time or the pending delivery is missing, and an
// instance with reminders disabled gets a leftover next time cleared. It
// returns the number of instances repaired.
func (s *Service) Reconcile(limit int) (int, error) {
	instances, err := s.store.ListActiveProgramInstances(limit)
	if err != nil {
		return 0, fmt.Errorf("reconcile list failed: %w", err)
	}

	repaired := 0
	for i := range instances {
		inst := &instances[i]
		if !inst.ReminderEnabled {
			if inst.NextTaskAt != nil {
				inst.NextTaskAt = nil
				if err := s.store.UpdateProgramInstance(*inst); err != nil {
					slog.Error("ProgramService.Reconcile: clear failed", "instanceID", inst.ID, "error", err)
					continue
				}
				repaired++
			}
			continue
		}

		hasPending, err := s.store.HasPendingDelivery(inst.UserID, models.KindProgramTask)
		if err != nil {
			slog.Error("ProgramService.Reconcile: pending lookup failed", "instanceID", inst.ID, "error", err)
			continue
		}
		if inst.NextTaskAt != nil && hasPending {
			continue
		}

		next := clock.NextOccurrence(s.clock.Now(), inst.ReminderTime, s.location(inst.UserID))
		inst.NextTaskAt = &next
		if err := s.store.UpdateProgramInstance(*inst); err != nil {
			slog.Error("ProgramService.Reconcile: update failed", "instanceID", inst.ID, "error", err)
			continue
		}
		if err := s.enqueueTask(inst, next); err != nil {
			slog.Error("ProgramService.Reconcile: enqueue failed", "instanceID", inst.ID, "error", err)
			continue
		}
		repaired++
	}
	if repaired > 0 {
		slog.Info("ProgramService.Reconcile", "repaired", repaired, "scanned", len(instances))
	}
	return repaired, nil
}

func (s *Service) get(instanceID string) (*models.ProgramInstance, error) {
	inst, err := s.store.GetProgramInstance(instanceID)
	if err != nil {
		return nil, fmt.Errorf("program instance lookup failed: %w", err)
	}
	if inst == nil {
		return nil, models.ErrProgramNotFound
	}
	return inst, nil
}

// enqueueTask replaces the user's pending program task delivery with one due
// at the given time, referencing the owning instance.
// queueCompletionMessage sends the program's closing message as a one-off
// delivery shortly after the final day completes. The completion itself never
// fails on a missing or unselectable message.
func (s *Service) queueCompletionMessage(inst *models.ProgramInstance, now time.Time) {
	msg, err := s.catalog.CompletionMessage(inst.ProgramID)
	if err != nil {
		slog.Warn("ProgramService.queueCompletionMessage: catalog lookup failed", "instanceID", inst.ID, "programID", inst.ProgramID, "error", err)
		return
	}
	if msg == "" {
		return
	}
	if _, err := s.store.EnqueueDelivery(models.ScheduledDelivery{
		UserID:  inst.UserID,
		Kind:    models.KindFollowup,
		Payload: msg,
		DueAt:   now.Add(time.Minute),
		Ref:     inst.ID,
	}); err != nil {
		slog.Error("ProgramService.queueCompletionMessage: enqueue failed", "instanceID", inst.ID, "error", err)
	}
}

func (s *Service) enqueueTask(inst *models.ProgramInstance, dueAt time.Time) error {
	_, err := s.store.EnqueueDelivery(models.ScheduledDelivery{
		UserID: inst.UserID,
		Kind:   models.KindProgramTask,
		DueAt:  dueAt,
		Ref:    inst.ID,
	})
	if err != nil {
		return fmt.Errorf("enqueue program task failed: %w", err)
	}
	return nil
}
