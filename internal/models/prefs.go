package models

// Default ritual times used when a user has not chosen their own.
var (
	DefaultMorningTime = TimeOfDay{Hour: 9, Minute: 0}
	DefaultEveningTime = TimeOfDay{Hour: 21, Minute: 0}
)

// UserPreferences holds the per-user settings the engine consults before
// scheduling or firing proactive deliveries. The preferences store itself is
// owned by an external collaborator; this core only reads it.
type UserPreferences struct {
	UserID      string    `json:"user_id"`
	Timezone    string    `json:"timezone"` // IANA name, e.g. "Europe/Berlin"
	MorningTime TimeOfDay `json:"morning_time"`
	EveningTime TimeOfDay `json:"evening_time"`
	// RitualsEnabled lists the ritual kinds the user has opted into.
	RitualsEnabled []DeliveryKind `json:"rituals_enabled"`
	// ProactiveMessagesEnabled is the master switch. When false, pending
	// deliveries for the user are cancelled instead of fired.
	ProactiveMessagesEnabled bool `json:"proactive_messages_enabled"`
}

// RitualEnabled reports whether the user has the given ritual kind enabled.
func (p UserPreferences) RitualEnabled(kind DeliveryKind) bool {
	for _, k := range p.RitualsEnabled {
		if k == kind {
			return true
		}
	}
	return false
}

// RitualTime returns the user's preferred time for a ritual kind, falling
// back to the defaults.
func (p UserPreferences) RitualTime(kind DeliveryKind) TimeOfDay {
	switch kind {
	case KindEveningCheckin:
		if !p.EveningTime.IsZero() {
			return p.EveningTime
		}
		return DefaultEveningTime
	default:
		if !p.MorningTime.IsZero() {
			return p.MorningTime
		}
		return DefaultMorningTime
	}
}

// DefaultPreferences returns the preferences assumed for a user the
// preferences collaborator does not know about.
func DefaultPreferences(userID string) UserPreferences {
	return UserPreferences{
		UserID:                   userID,
		Timezone:                 "UTC",
		MorningTime:              DefaultMorningTime,
		EveningTime:              DefaultEveningTime,
		ProactiveMessagesEnabled: true,
	}
}
