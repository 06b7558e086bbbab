// Package api exposes program operations and ritual scheduling over HTTP so
// external collaborators (the bot's conversation layer, an admin panel) can
// drive the engine. There is no authentication; deployments front this with
// their own gateway.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/program"
	"github.com/lumabot/cadence/internal/ritual"
)

// Server holds the HTTP surface over the program service and the ritual
// rescheduler.
type Server struct {
	programs *program.Service
	rituals  *ritual.Rescheduler
}

// NewServer creates an API server.
func NewServer(programs *program.Service, rituals *ritual.Rescheduler) *Server {
	return &Server{programs: programs, rituals: rituals}
}

// Router builds the chi router for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/programs", func(r chi.Router) {
			r.Post("/", s.handleStartProgram)
			r.Get("/", s.handleListPrograms)
			r.Route("/{instanceID}", func(r chi.Router) {
				r.Get("/", s.handleGetProgram)
				r.Post("/complete", s.handleCompleteDay)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/abandon", s.handleAbandon)
				r.Put("/reminder", s.handleUpdateReminder)
			})
		})
		r.Route("/rituals", func(r chi.Router) {
			r.Post("/schedule", s.handleScheduleRitual)
			r.Post("/cancel", s.handleCancelRitual)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

type startProgramRequest struct {
	UserID       string `json:"user_id"`
	ProgramID    string `json:"program_id"`
	ReminderTime string `json:"reminder_time,omitempty"`
}

func (s *Server) handleStartProgram(w http.ResponseWriter, r *http.Request) {
	var req startProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if req.UserID == "" || req.ProgramID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("user_id and program_id are required"))
		return
	}

	var reminderTime models.TimeOfDay
	if req.ReminderTime != "" {
		t, err := models.ParseTimeOfDay(req.ReminderTime)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, models.Error(fmt.Sprintf("invalid reminder_time: %v", err)))
			return
		}
		reminderTime = t
	}

	inst, err := s.programs.Start(req.UserID, req.ProgramID, reminderTime)
	if err != nil {
		slog.Error("Server.handleStartProgram failed", "userID", req.UserID, "programID", req.ProgramID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to start program"))
		return
	}
	writeJSON(w, http.StatusCreated, models.Success(inst))
}

func (s *Server) handleListPrograms(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("user_id query parameter is required"))
		return
	}
	list, err := s.programs.List(userID)
	if err != nil {
		slog.Error("Server.handleListPrograms failed", "userID", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to list programs"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(list))
}

func (s *Server) handleGetProgram(w http.ResponseWriter, r *http.Request) {
	inst, err := s.programs.Get(chi.URLParam(r, "instanceID"))
	if err != nil {
		writeProgramError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(inst))
}

type completeDayRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) handleCompleteDay(w http.ResponseWriter, r *http.Request) {
	var req completeDayRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, models.Error("invalid JSON body"))
			return
		}
	}
	inst, err := s.programs.CompleteDay(chi.URLParam(r, "instanceID"), req.Feedback)
	if err != nil {
		writeProgramError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(inst))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	inst, err := s.programs.Pause(chi.URLParam(r, "instanceID"))
	if err != nil {
		writeProgramError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(inst))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	inst, err := s.programs.Resume(chi.URLParam(r, "instanceID"))
	if err != nil {
		writeProgramError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(inst))
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	inst, err := s.programs.Abandon(chi.URLParam(r, "instanceID"))
	if err != nil {
		writeProgramError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(inst))
}

type updateReminderRequest struct {
	ReminderTime string `json:"reminder_time,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleUpdateReminder(w http.ResponseWriter, r *http.Request) {
	var req updateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	instanceID := chi.URLParam(r, "instanceID")

	var inst *models.ProgramInstance
	var err error
	if req.ReminderTime != "" {
		t, parseErr := models.ParseTimeOfDay(req.ReminderTime)
		if parseErr != nil {
			writeJSON(w, http.StatusBadRequest, models.Error(fmt.Sprintf("invalid reminder_time: %v", parseErr)))
			return
		}
		inst, err = s.programs.UpdateReminderTime(instanceID, t)
		if err != nil {
			writeProgramError(w, err)
			return
		}
	}
	if req.Enabled != nil {
		inst, err = s.programs.ToggleReminders(instanceID, *req.Enabled)
		if err != nil {
			writeProgramError(w, err)
			return
		}
	}
	if inst == nil {
		writeJSON(w, http.StatusBadRequest, models.Error("reminder_time or enabled is required"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(inst))
}

type ritualRequest struct {
	UserID string              `json:"user_id"`
	Kind   models.DeliveryKind `json:"kind"`
}

func (s *Server) handleScheduleRitual(w http.ResponseWriter, r *http.Request) {
	var req ritualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("user_id is required"))
		return
	}
	due, err := s.rituals.Schedule(req.UserID, req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(map[string]interface{}{"scheduled": due != nil, "due_at": due}))
}

func (s *Server) handleCancelRitual(w http.ResponseWriter, r *http.Request) {
	var req ritualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("user_id is required"))
		return
	}
	if err := s.rituals.Cancel(req.UserID, req.Kind); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(nil))
}
