package domain

import "time"

// Assignment binds one user to one arm for the life of an experiment. It is a
// one-time coin flip: once created the arm never changes for that pair.
type Assignment struct {
	ExperimentID string
	UserID       string
	SessionID    string
	Arm          Arm

	// Converted marks that this assignment has already contributed to the
	// conversion counter. Later conversions for the same pair still append
	// metric samples but never increment the counter again, which keeps
	// converted <= exposed under duplicate deliveries.
	Converted bool

	AssignedAt time.Time
}

// Outcome carries the optional numeric observations reported with a conversion.
type Outcome struct {
	Metrics map[string]float64
}
