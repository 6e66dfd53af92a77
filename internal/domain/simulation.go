package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects the scenario format and its turn budget.
type Mode string

const (
	// ModeQuickRep is a single short scenario.
	ModeQuickRep Mode = "quick_rep"
	// ModeMeetingRoom is a stakeholder debate.
	ModeMeetingRoom Mode = "meeting_room"
	// ModeEndToEnd walks a full product lifecycle.
	ModeEndToEnd Mode = "end_to_end"
)

// Modes lists every supported mode in display order.
var Modes = []Mode{ModeQuickRep, ModeMeetingRoom, ModeEndToEnd}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeQuickRep, ModeMeetingRoom, ModeEndToEnd:
		return true
	}
	return false
}

// MaxTurns returns the turn budget for the mode.
func (m Mode) MaxTurns() int {
	switch m {
	case ModeQuickRep:
		return 3
	case ModeMeetingRoom:
		return 7
	default:
		return 15
	}
}

// Label returns the human-readable mode name.
func (m Mode) Label() string {
	switch m {
	case ModeQuickRep:
		return "The Quick Rep (Single Scenario)"
	case ModeMeetingRoom:
		return "The Meeting Room (Stakeholder Debate)"
	default:
		return "Full Product Lifecycle (End-to-End Mode)"
	}
}

// Difficulty is the scenario difficulty tier.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "Beginner"
	DifficultyIntermediate Difficulty = "Intermediate"
	DifficultyAdvanced     Difficulty = "Advanced"
	DifficultyExpert       Difficulty = "Expert"
)

// Difficulties lists every difficulty in ascending order.
var Difficulties = []Difficulty{DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced, DifficultyExpert}

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced, DifficultyExpert:
		return true
	}
	return false
}

// CustomThemePlaceholder is the picker entry that asks for a free-form theme.
// It is never a valid theme on its own.
const CustomThemePlaceholder = "Custom Theme"

// maxThemeLength bounds free-form themes.
const maxThemeLength = 200

// Themes is the fixed theme catalogue offered by the picker.
var Themes = []string{
	"AI-Heavy",
	"Design Thinking-Heavy",
	"Execution-Heavy",
	"Data/Metrics-Heavy",
	"Strategy-Heavy",
	"General Everyday Scenario",
}

// IsCatalogTheme reports whether theme is one of the fixed catalogue entries.
func IsCatalogTheme(theme string) bool {
	for _, t := range Themes {
		if t == theme {
			return true
		}
	}
	return false
}

// ErrInvalidConfig is returned when a SimulationConfig fails validation.
var ErrInvalidConfig = errors.New("invalid simulation config")

// SimulationConfig is the immutable scenario configuration chosen before a session starts.
type SimulationConfig struct {
	Mode         Mode       `json:"mode"`
	Difficulty   Difficulty `json:"difficulty"`
	Theme        string     `json:"theme"`
	TimePressure bool       `json:"timePressure"`
}

// Validate checks the configuration and normalizes the theme.
func (c *SimulationConfig) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if !c.Difficulty.Valid() {
		return fmt.Errorf("%w: unknown difficulty %q", ErrInvalidConfig, c.Difficulty)
	}
	c.Theme = strings.TrimSpace(c.Theme)
	if c.Theme == "" || c.Theme == CustomThemePlaceholder {
		return fmt.Errorf("%w: theme is required", ErrInvalidConfig)
	}
	if len(c.Theme) > maxThemeLength {
		return fmt.Errorf("%w: theme exceeds %d characters", ErrInvalidConfig, maxThemeLength)
	}
	return nil
}

// MaxTurns returns the turn budget derived from the mode.
func (c SimulationConfig) MaxTurns() int {
	return c.Mode.MaxTurns()
}
