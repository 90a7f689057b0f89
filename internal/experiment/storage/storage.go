// Package storage defines persistence contracts for experiment state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/readyscore/experiments/internal/experiment/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// ExperimentStore persists experiment aggregates. Implementations guarantee
// per-call atomicity; the service layer serializes read-modify-write cycles
// per experiment. UpdateExperiment covers counters, status, significance, and
// winner; metric samples are append-only and flow through AppendMetricSamples.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, experiment domain.Experiment) error
	GetExperiment(ctx context.Context, experimentID string) (domain.Experiment, error)
	UpdateExperiment(ctx context.Context, experiment domain.Experiment) error
	ListActiveExperiments(ctx context.Context) ([]domain.Experiment, error)
	AppendMetricSamples(ctx context.Context, experimentID string, arm domain.Arm, metrics map[string]float64) error
}

// AssignmentStore persists user-to-arm assignments.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, assignment domain.Assignment) error
	GetAssignment(ctx context.Context, experimentID, userID string) (domain.Assignment, error)
	UpdateAssignment(ctx context.Context, assignment domain.Assignment) error
}

// AnalyticsEvent is one append-only audit record of an emitted event.
type AnalyticsEvent struct {
	Name        string
	PayloadJSON []byte
	Timestamp   time.Time
}

// AnalyticsEventStore appends emitted events to an audit journal.
type AnalyticsEventStore interface {
	AppendAnalyticsEvent(ctx context.Context, event AnalyticsEvent) error
	ListAnalyticsEvents(ctx context.Context, name string, limit int) ([]AnalyticsEvent, error)
}

// Store combines the contracts the experiment service depends on.
type Store interface {
	ExperimentStore
	AssignmentStore
}
