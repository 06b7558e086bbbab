// Package models defines the core data structures for cadence.
//
// It includes scheduled delivery and program instance types, which are shared
// across the store, state machine, and dispatcher modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// DeliveryKind identifies what a scheduled delivery carries and how its
// content is resolved at fire time.
type DeliveryKind string

const (
	// KindMorningCheckin is a recurring morning ritual check-in.
	KindMorningCheckin DeliveryKind = "morning_checkin"
	// KindEveningCheckin is a recurring evening ritual check-in.
	KindEveningCheckin DeliveryKind = "evening_checkin"
	// KindProgramTask delivers the current day's task of a guided program.
	KindProgramTask DeliveryKind = "program_task"
	// KindFollowup is a one-off re-engagement nudge.
	KindFollowup DeliveryKind = "followup"
	// KindExpiryReminder7d, KindExpiryReminder3d and KindExpiryReminder1d are
	// subscription expiry reminders. The threshold is part of the kind so the
	// 7-day and 1-day reminders occupy separate de-duplication slots and a
	// sweep re-run near a boundary cannot collapse or duplicate them.
	KindExpiryReminder7d DeliveryKind = "expiry_reminder_7d"
	KindExpiryReminder3d DeliveryKind = "expiry_reminder_3d"
	KindExpiryReminder1d DeliveryKind = "expiry_reminder_1d"
)

// ExpiryReminderKind returns the delivery kind for a reminder threshold in days.
func ExpiryReminderKind(days int) (DeliveryKind, error) {
	switch days {
	case 7:
		return KindExpiryReminder7d, nil
	case 3:
		return KindExpiryReminder3d, nil
	case 1:
		return KindExpiryReminder1d, nil
	default:
		return "", fmt.Errorf("%w: %d days", ErrInvalidExpiryThreshold, days)
	}
}

// IsValidDeliveryKind checks whether the given kind is supported.
func IsValidDeliveryKind(k DeliveryKind) bool {
	switch k {
	case KindMorningCheckin, KindEveningCheckin, KindProgramTask, KindFollowup,
		KindExpiryReminder7d, KindExpiryReminder3d, KindExpiryReminder1d:
		return true
	default:
		return false
	}
}

// IsCheckin reports whether the kind is a self-perpetuating ritual check-in.
func (k DeliveryKind) IsCheckin() bool {
	return k == KindMorningCheckin || k == KindEveningCheckin
}

// IsExpiryReminder reports whether the kind is a subscription expiry reminder.
func (k DeliveryKind) IsExpiryReminder() bool {
	switch k {
	case KindExpiryReminder7d, KindExpiryReminder3d, KindExpiryReminder1d:
		return true
	default:
		return false
	}
}

// DeliveryStatus represents the lifecycle state of a scheduled delivery.
type DeliveryStatus string

const (
	// DeliveryStatusPending means the delivery is waiting for its due time.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusInFlight means a dispatcher has claimed the delivery.
	// Claims are exclusive: a row transitions pending -> in_flight exactly once
	// per due occurrence.
	DeliveryStatusInFlight DeliveryStatus = "in_flight"
	// DeliveryStatusSent means the delivery attempt finished. A failed attempt
	// is still retired as sent with the Failed flag set; there is no automatic
	// retry of a due occurrence.
	DeliveryStatusSent DeliveryStatus = "sent"
	// DeliveryStatusCancelled means the delivery was withdrawn before firing
	// (ritual disabled, program paused or abandoned, recipient gone).
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSent || s == DeliveryStatusCancelled
}

// ScheduledDelivery represents one pending or historical proactive message.
type ScheduledDelivery struct {
	ID     string         `json:"id"`
	UserID string         `json:"user_id"`
	Kind   DeliveryKind   `json:"kind"`
	DueAt  time.Time      `json:"due_at"`
	Status DeliveryStatus `json:"status"`
	// Failed marks a sent delivery whose attempt did not reach the recipient.
	Failed bool `json:"failed"`
	// Payload holds precomputed content. When empty, content is resolved at
	// fire time from Kind and program context.
	Payload string `json:"payload,omitempty"`
	// Ref links the delivery to its owning entity, e.g. a program instance ID
	// for program task deliveries. Empty for rituals.
	Ref       string     `json:"ref,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Error variables for validation and delivery outcomes.
var (
	ErrEmptyUserID            = errors.New("user ID cannot be empty")
	ErrInvalidDeliveryKind    = errors.New("invalid delivery kind")
	ErrInvalidExpiryThreshold = errors.New("invalid expiry reminder threshold")
	ErrZeroDueTime            = errors.New("due time cannot be zero")

	// ErrRecipientGone signals a permanent delivery failure (recipient blocked
	// the bot or deleted their account). Sink implementations wrap this so the
	// dispatcher can retire the entry as cancelled instead of sent-failed.
	ErrRecipientGone = errors.New("recipient gone")
)

// Validate performs validation of a delivery before it is enqueued.
func (d *ScheduledDelivery) Validate() error {
	if d.UserID == "" {
		return ErrEmptyUserID
	}
	if !IsValidDeliveryKind(d.Kind) {
		return ErrInvalidDeliveryKind
	}
	if d.DueAt.IsZero() {
		return ErrZeroDueTime
	}
	return nil
}
