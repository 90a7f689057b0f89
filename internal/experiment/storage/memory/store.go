// Package memory provides an in-memory experiment store for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/readyscore/experiments/internal/experiment/domain"
	"github.com/readyscore/experiments/internal/experiment/storage"
)

type assignmentKey struct {
	experimentID string
	userID       string
}

// Store keeps experiment state in process memory. All records are stored and
// returned as deep copies, so callers never share mutable state with the map.
type Store struct {
	mu          sync.RWMutex
	experiments map[string]domain.Experiment
	assignments map[assignmentKey]domain.Assignment
	events      []storage.AnalyticsEvent
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		experiments: make(map[string]domain.Experiment),
		assignments: make(map[assignmentKey]domain.Assignment),
	}
}

// CreateExperiment inserts one experiment record.
func (s *Store) CreateExperiment(ctx context.Context, experiment domain.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.experiments[experiment.ID]; exists {
		return storage.ErrAlreadyExists
	}
	s.experiments[experiment.ID] = experiment.Clone()
	return nil
}

// GetExperiment returns one experiment by id.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (domain.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Experiment{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	experiment, ok := s.experiments[experimentID]
	if !ok {
		return domain.Experiment{}, storage.ErrNotFound
	}
	return experiment.Clone(), nil
}

// UpdateExperiment replaces counters, status, significance, and winner for an
// existing record. Stored metric samples are preserved.
func (s *Store) UpdateExperiment(ctx context.Context, experiment domain.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.experiments[experiment.ID]
	if !ok {
		return storage.ErrNotFound
	}
	updated := experiment.Clone()
	updated.MetricSamples = current.MetricSamples
	s.experiments[experiment.ID] = updated
	return nil
}

// ListActiveExperiments returns all active experiments ordered by creation time.
func (s *Store) ListActiveExperiments(ctx context.Context) ([]domain.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []domain.Experiment
	for _, experiment := range s.experiments {
		if experiment.Status == domain.StatusActive {
			active = append(active, experiment.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// AppendMetricSamples records secondary metric observations for one arm.
func (s *Store) AppendMetricSamples(ctx context.Context, experimentID string, arm domain.Arm, metrics map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(metrics) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	experiment, ok := s.experiments[experimentID]
	if !ok {
		return storage.ErrNotFound
	}
	if experiment.MetricSamples == nil {
		experiment.MetricSamples = make(domain.MetricSamples)
	}
	for metric, value := range metrics {
		experiment.MetricSamples.Append(arm, metric, value)
	}
	s.experiments[experimentID] = experiment
	return nil
}

// CreateAssignment inserts one assignment record.
func (s *Store) CreateAssignment(ctx context.Context, assignment domain.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey{experimentID: assignment.ExperimentID, userID: assignment.UserID}
	if _, exists := s.assignments[key]; exists {
		return storage.ErrAlreadyExists
	}
	s.assignments[key] = assignment
	return nil
}

// GetAssignment returns the assignment for one (experiment, user) pair.
func (s *Store) GetAssignment(ctx context.Context, experimentID, userID string) (domain.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Assignment{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	assignment, ok := s.assignments[assignmentKey{experimentID: experimentID, userID: userID}]
	if !ok {
		return domain.Assignment{}, storage.ErrNotFound
	}
	return assignment, nil
}

// UpdateAssignment replaces an existing assignment record.
func (s *Store) UpdateAssignment(ctx context.Context, assignment domain.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey{experimentID: assignment.ExperimentID, userID: assignment.UserID}
	if _, ok := s.assignments[key]; !ok {
		return storage.ErrNotFound
	}
	s.assignments[key] = assignment
	return nil
}

// AppendAnalyticsEvent appends one event to the audit journal.
func (s *Store) AppendAnalyticsEvent(ctx context.Context, event storage.AnalyticsEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event.PayloadJSON = append([]byte(nil), event.PayloadJSON...)
	s.events = append(s.events, event)
	return nil
}

// ListAnalyticsEvents returns journal entries, newest last, optionally
// filtered by event name. A limit of zero means no limit.
func (s *Store) ListAnalyticsEvents(ctx context.Context, name string, limit int) ([]storage.AnalyticsEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.AnalyticsEvent
	for _, event := range s.events {
		if name != "" && event.Name != name {
			continue
		}
		copied := event
		copied.PayloadJSON = append([]byte(nil), event.PayloadJSON...)
		out = append(out, copied)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
