// Package content defines the contracts through which the engine resolves
// outgoing message text: a program catalog for daily task content and a
// prompt bank for ritual check-ins.
//
// The engine treats content resolution as best-effort; on error it falls back
// to generic text rather than dropping the delivery.
package content

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/lumabot/cadence/internal/models"
)

// Content resolution errors.
var (
	ErrUnknownProgram = errors.New("unknown program")
	ErrDayOutOfRange  = errors.New("program day out of range")
	ErrNoPrompts      = errors.New("no prompts for kind")
)

// Program is one multi-day guided program definition.
type Program struct {
	ID         string
	Name       string
	DayTasks   []string
	Completion string
}

// Catalog resolves program definitions and per-day task content.
type Catalog interface {
	// ProgramName returns the display name of a program.
	ProgramName(programID string) (string, error)
	// TotalDays returns the length of a program in days.
	TotalDays(programID string) (int, error)
	// TaskContent returns the task text for a 1-indexed day.
	TaskContent(programID string, day int) (string, error)
	// CompletionMessage returns the text sent when the final day completes.
	CompletionMessage(programID string) (string, error)
}

// PromptBank resolves ritual check-in text for a delivery kind.
type PromptBank interface {
	// Prompt returns one prompt for the kind, chosen at random when several
	// are registered.
	Prompt(kind models.DeliveryKind) (string, error)
}

// StaticCatalog is an immutable in-memory Catalog.
type StaticCatalog struct {
	programs map[string]Program
}

var _ Catalog = (*StaticCatalog)(nil)

// NewStaticCatalog builds a catalog from the given program definitions.
func NewStaticCatalog(programs ...Program) *StaticCatalog {
	m := make(map[string]Program, len(programs))
	for _, p := range programs {
		m[p.ID] = p
	}
	return &StaticCatalog{programs: m}
}

func (c *StaticCatalog) program(programID string) (Program, error) {
	p, ok := c.programs[programID]
	if !ok {
		return Program{}, fmt.Errorf("%w: %s", ErrUnknownProgram, programID)
	}
	return p, nil
}

func (c *StaticCatalog) ProgramName(programID string) (string, error) {
	p, err := c.program(programID)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

func (c *StaticCatalog) TotalDays(programID string) (int, error) {
	p, err := c.program(programID)
	if err != nil {
		return 0, err
	}
	return len(p.DayTasks), nil
}

func (c *StaticCatalog) TaskContent(programID string, day int) (string, error) {
	p, err := c.program(programID)
	if err != nil {
		return "", err
	}
	if day < 1 || day > len(p.DayTasks) {
		return "", fmt.Errorf("%w: %s day %d of %d", ErrDayOutOfRange, programID, day, len(p.DayTasks))
	}
	return p.DayTasks[day-1], nil
}

func (c *StaticCatalog) CompletionMessage(programID string) (string, error) {
	p, err := c.program(programID)
	if err != nil {
		return "", err
	}
	return p.Completion, nil
}

// StaticPromptBank is an immutable in-memory PromptBank with random selection.
type StaticPromptBank struct {
	prompts map[models.DeliveryKind][]string
}

var _ PromptBank = (*StaticPromptBank)(nil)

// NewStaticPromptBank builds a prompt bank from kind-keyed prompt lists.
func NewStaticPromptBank(prompts map[models.DeliveryKind][]string) *StaticPromptBank {
	m := make(map[models.DeliveryKind][]string, len(prompts))
	for kind, list := range prompts {
		cp := make([]string, len(list))
		copy(cp, list)
		m[kind] = cp
	}
	return &StaticPromptBank{prompts: m}
}

func (b *StaticPromptBank) Prompt(kind models.DeliveryKind) (string, error) {
	list := b.prompts[kind]
	if len(list) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoPrompts, kind)
	}
	return list[rand.IntN(len(list))], nil
}
