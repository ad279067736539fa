package models

import "time"

// LimiterState is a point-in-time view of the rolling spend window.
type LimiterState struct {
	BudgetCeiling   float64       `json:"budget_ceiling"`
	Window          time.Duration `json:"window"`
	Remaining       float64       `json:"remaining"`
	WindowStartedAt time.Time     `json:"window_started_at"`
}

// Spent returns how much of the ceiling has been consumed in the current window.
func (s LimiterState) Spent() float64 {
	return s.BudgetCeiling - s.Remaining
}

// ResetsAt returns when the current window ends.
func (s LimiterState) ResetsAt() time.Time {
	return s.WindowStartedAt.Add(s.Window)
}
