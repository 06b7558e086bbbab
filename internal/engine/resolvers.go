package engine

import (
	"fmt"

	"github.com/lumabot/cadence/internal/content"
	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/store"
)

// fallbackText is the generic message used when content resolution fails.
// The delivery still goes out; a blander message beats a broken cadence.
func fallbackText(kind models.DeliveryKind) string {
	switch {
	case kind == models.KindProgramTask:
		return "Your program task for today is ready. Open the app to see it."
	case kind.IsExpiryReminder():
		return "Your subscription is expiring soon. Renew to keep your companion around."
	case kind == models.KindFollowup:
		return "It's been a little while. How have you been?"
	default:
		return "Just checking in. How are you feeling today?"
	}
}

// CheckinResolver draws ritual check-in text from a prompt bank.
type CheckinResolver struct {
	Bank content.PromptBank
}

var _ ContentResolver = (*CheckinResolver)(nil)

func (r *CheckinResolver) Resolve(d models.ScheduledDelivery) (string, error) {
	return r.Bank.Prompt(d.Kind)
}

// ProgramTaskResolver looks up the owning instance and renders the current
// day's task from the catalog.
type ProgramTaskResolver struct {
	Store   store.ProgramRepo
	Catalog content.Catalog
}

var _ ContentResolver = (*ProgramTaskResolver)(nil)

func (r *ProgramTaskResolver) Resolve(d models.ScheduledDelivery) (string, error) {
	if d.Ref == "" {
		return "", fmt.Errorf("program task delivery %s has no instance ref", d.ID)
	}
	inst, err := r.Store.GetProgramInstance(d.Ref)
	if err != nil {
		return "", fmt.Errorf("program task instance lookup failed: %w", err)
	}
	if inst == nil {
		return "", models.ErrProgramNotFound
	}
	task, err := r.Catalog.TaskContent(inst.ProgramID, inst.CurrentDay)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s, Day %d of %d\n\n%s", inst.ProgramName, inst.CurrentDay, inst.TotalDays, task), nil
}

// ExpiryResolver renders subscription expiry reminders.
type ExpiryResolver struct{}

var _ ContentResolver = (*ExpiryResolver)(nil)

func (r *ExpiryResolver) Resolve(d models.ScheduledDelivery) (string, error) {
	switch d.Kind {
	case models.KindExpiryReminder7d:
		return "Your subscription expires in 7 days. Renew anytime to keep things going.", nil
	case models.KindExpiryReminder3d:
		return "Your subscription expires in 3 days. Renew to avoid losing your companion.", nil
	case models.KindExpiryReminder1d:
		return "Your subscription expires tomorrow. This is the last reminder.", nil
	default:
		return "", fmt.Errorf("%w: %s", models.ErrInvalidDeliveryKind, d.Kind)
	}
}
