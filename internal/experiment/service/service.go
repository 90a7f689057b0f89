// Package service implements the experiment engine operations on top of the
// domain model, the significance test, and a persistence backend.
//
// All read-modify-write cycles for one experiment run under a per-experiment
// mutex, so counters never lose increments under concurrent traffic. Analytics
// events are emitted after the lock is released.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/readyscore/experiments/internal/experiment/analytics"
	"github.com/readyscore/experiments/internal/experiment/domain"
	"github.com/readyscore/experiments/internal/experiment/stats"
	"github.com/readyscore/experiments/internal/experiment/storage"
	"github.com/readyscore/experiments/internal/platform/id"
	"github.com/readyscore/experiments/internal/platform/random"
)

const tracerName = "github.com/readyscore/experiments/internal/experiment/service"

// DefaultMinSampleSize is the per-arm exposure floor below which the
// significance test is not run.
const DefaultMinSampleSize = 100

// Config tunes the evaluation policy.
type Config struct {
	// SignificanceThreshold is the p-value cutoff for declaring a winner.
	SignificanceThreshold float64
	// ConfidenceLevel is the coverage of the reported interval.
	ConfidenceLevel float64
	// MinSampleSize is the minimum exposures each arm needs before the test runs.
	MinSampleSize int64
}

func (c Config) withDefaults() Config {
	if c.SignificanceThreshold <= 0 {
		c.SignificanceThreshold = stats.DefaultSignificanceThreshold
	}
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 {
		c.ConfidenceLevel = stats.DefaultConfidenceLevel
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = DefaultMinSampleSize
	}
	return c
}

// Service coordinates experiment lifecycle, assignment, and conversion
// attribution.
type Service struct {
	store storage.Store
	sink  analytics.Sink
	cfg   Config

	clock       func() time.Time
	idGenerator func() (string, error)
	random      random.Source
	locks       *keyedMutex
	tracer      trace.Tracer
}

// New creates a service over store. A nil sink discards events.
func New(store storage.Store, sink analytics.Sink, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("experiment store is required")
	}
	if sink == nil {
		sink = analytics.Discard
	}
	source, err := random.NewSource()
	if err != nil {
		return nil, fmt.Errorf("create random source: %w", err)
	}
	return &Service{
		store:       store,
		sink:        sink,
		cfg:         cfg.withDefaults(),
		clock:       time.Now,
		idGenerator: id.NewID,
		random:      source,
		locks:       newKeyedMutex(),
		tracer:      otel.Tracer(tracerName),
	}, nil
}

// CreateExperiment validates a definition and persists a new active
// experiment.
func (s *Service) CreateExperiment(ctx context.Context, input domain.CreateExperimentInput) (domain.Experiment, error) {
	ctx, span := s.tracer.Start(ctx, "experiments.create")
	defer span.End()

	experiment, err := domain.NewExperiment(input, s.clock, s.idGenerator)
	if err != nil {
		return domain.Experiment{}, err
	}
	if err := s.store.CreateExperiment(ctx, experiment); err != nil {
		return domain.Experiment{}, fmt.Errorf("persist experiment: %w", err)
	}

	span.SetAttributes(attribute.String("experiment.id", experiment.ID))
	log.Printf("experiment created id=%s name=%q metric=%s", experiment.ID, experiment.Name, experiment.TargetMetric)
	return experiment, nil
}

// GetExperiment returns one experiment with its current counters and, once
// evaluated, its significance result.
func (s *Service) GetExperiment(ctx context.Context, experimentID string) (domain.Experiment, error) {
	ctx, span := s.tracer.Start(ctx, "experiments.get",
		trace.WithAttributes(attribute.String("experiment.id", experimentID)))
	defer span.End()

	experiment, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	return experiment, nil
}

// ListActiveExperiments returns every experiment still accepting traffic.
func (s *Service) ListActiveExperiments(ctx context.Context) ([]domain.Experiment, error) {
	ctx, span := s.tracer.Start(ctx, "experiments.list_active")
	defer span.End()

	experiments, err := s.store.ListActiveExperiments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active experiments: %w", err)
	}
	return experiments, nil
}

// Assign returns the arm for a user, drawing one on first contact. The call
// is idempotent: once a user has an arm the same arm comes back on every
// later call, with no further counter changes. Users arriving after the
// experiment completed receive the control arm without being recorded.
func (s *Service) Assign(ctx context.Context, experimentID, userID, sessionID string) (domain.Arm, error) {
	if experimentID == "" {
		return domain.ArmUnspecified, errors.New("experiment id is required")
	}
	if userID == "" {
		return domain.ArmUnspecified, errors.New("user id is required")
	}

	ctx, span := s.tracer.Start(ctx, "experiments.assign",
		trace.WithAttributes(attribute.String("experiment.id", experimentID)))
	defer span.End()

	arm, payload, err := s.assignLocked(ctx, experimentID, userID, sessionID)
	if err != nil {
		return domain.ArmUnspecified, err
	}
	if payload != nil {
		s.sink.Emit(analytics.EventAssignment, payload)
	}
	return arm, nil
}

func (s *Service) assignLocked(ctx context.Context, experimentID, userID, sessionID string) (domain.Arm, map[string]any, error) {
	unlock := s.locks.lock(experimentID)
	defer unlock()

	experiment, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return domain.ArmUnspecified, nil, fmt.Errorf("get experiment: %w", err)
	}

	existing, err := s.store.GetAssignment(ctx, experimentID, userID)
	switch {
	case err == nil:
		return existing.Arm, nil, nil
	case !errors.Is(err, storage.ErrNotFound):
		return domain.ArmUnspecified, nil, fmt.Errorf("get assignment: %w", err)
	}

	if experiment.Status == domain.StatusCompleted {
		// Late arrivals get the frozen default without touching counters.
		return domain.ArmControl, nil, nil
	}

	arm := domain.ArmControl
	if s.random.Float64() >= 0.5 {
		arm = domain.ArmVariant
	}

	assignment := domain.Assignment{
		ExperimentID: experimentID,
		UserID:       userID,
		SessionID:    sessionID,
		Arm:          arm,
		AssignedAt:   s.clock().UTC(),
	}
	if err := s.store.CreateAssignment(ctx, assignment); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost a cross-process race; honor the winning coin flip.
			existing, err := s.store.GetAssignment(ctx, experimentID, userID)
			if err != nil {
				return domain.ArmUnspecified, nil, fmt.Errorf("get assignment: %w", err)
			}
			return existing.Arm, nil, nil
		}
		return domain.ArmUnspecified, nil, fmt.Errorf("create assignment: %w", err)
	}

	if err := experiment.RecordExposure(arm); err != nil {
		return domain.ArmUnspecified, nil, fmt.Errorf("record exposure: %w", err)
	}
	experiment.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateExperiment(ctx, experiment); err != nil {
		return domain.ArmUnspecified, nil, fmt.Errorf("update experiment: %w", err)
	}

	payload := map[string]any{
		"experimentId":   experimentID,
		"experimentName": experiment.Name,
		"userId":         userID,
		"sessionId":      sessionID,
		"arm":            arm.String(),
		"armLabel":       armLabel(experiment, arm),
	}
	return arm, payload, nil
}

// RecordConversion attributes a conversion to the caller's assigned arm and
// re-evaluates significance. Conversions from users without an assignment,
// or against an unknown experiment, are dropped without error. Conversions
// against a completed experiment leave the counters frozen and surface as a
// rejected event.
func (s *Service) RecordConversion(ctx context.Context, experimentID, userID string, outcome domain.Outcome) error {
	if experimentID == "" || userID == "" {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "experiments.convert",
		trace.WithAttributes(attribute.String("experiment.id", experimentID)))
	defer span.End()

	event, err := s.convertLocked(ctx, experimentID, userID, outcome)
	if err != nil {
		return err
	}
	if event != nil {
		s.sink.Emit(event.name, event.payload)
	}
	return nil
}

type emittedEvent struct {
	name    string
	payload map[string]any
}

func (s *Service) convertLocked(ctx context.Context, experimentID, userID string, outcome domain.Outcome) (*emittedEvent, error) {
	unlock := s.locks.lock(experimentID)
	defer unlock()

	experiment, err := s.store.GetExperiment(ctx, experimentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}

	assignment, err := s.store.GetAssignment(ctx, experimentID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}

	payload := map[string]any{
		"experimentId":   experimentID,
		"experimentName": experiment.Name,
		"userId":         userID,
		"sessionId":      assignment.SessionID,
		"arm":            assignment.Arm.String(),
		"armLabel":       armLabel(experiment, assignment.Arm),
	}

	if experiment.Status == domain.StatusCompleted {
		payload["reason"] = "experiment_completed"
		return &emittedEvent{name: analytics.EventConversionRejected, payload: payload}, nil
	}

	if !assignment.Converted {
		if err := experiment.RecordConversion(assignment.Arm); err != nil {
			return nil, fmt.Errorf("record conversion: %w", err)
		}
		assignment.Converted = true
		if err := s.store.UpdateAssignment(ctx, assignment); err != nil {
			return nil, fmt.Errorf("update assignment: %w", err)
		}
	}

	if len(outcome.Metrics) > 0 {
		if err := s.store.AppendMetricSamples(ctx, experimentID, assignment.Arm, outcome.Metrics); err != nil {
			return nil, fmt.Errorf("append metric samples: %w", err)
		}
		payload["metrics"] = outcome.Metrics
	}

	s.evaluate(&experiment)
	experiment.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateExperiment(ctx, experiment); err != nil {
		return nil, fmt.Errorf("update experiment: %w", err)
	}

	return &emittedEvent{name: analytics.EventConversion, payload: payload}, nil
}

// evaluate re-runs the significance test once both arms reach the minimum
// sample size and declares the leading arm the winner when the p-value clears
// the threshold. Completed experiments are left untouched.
func (s *Service) evaluate(experiment *domain.Experiment) {
	if experiment.Status != domain.StatusActive {
		return
	}
	control := experiment.Counts.Control
	variant := experiment.Counts.Variant
	if control.Exposed < s.cfg.MinSampleSize || variant.Exposed < s.cfg.MinSampleSize {
		return
	}

	result, err := stats.TwoProportionTest(control.Converted, control.Exposed, variant.Converted, variant.Exposed, stats.Config{
		SignificanceThreshold: s.cfg.SignificanceThreshold,
		ConfidenceLevel:       s.cfg.ConfidenceLevel,
	})
	if err != nil {
		log.Printf("significance test failed experiment=%s err=%v", experiment.ID, err)
		return
	}

	experiment.Significance = &domain.Significance{
		ZScore: result.ZScore,
		PValue: result.PValue,
		Interval: domain.ConfidenceInterval{
			Lower: result.Interval.Lower,
			Upper: result.Interval.Upper,
			Level: result.Interval.Level,
		},
	}
	if !result.Significant {
		return
	}

	if err := experiment.Complete(experiment.Leader(), s.clock); err != nil {
		log.Printf("complete experiment failed experiment=%s err=%v", experiment.ID, err)
		return
	}
	log.Printf("experiment completed id=%s winner=%s p_value=%.6f z_score=%.4f",
		experiment.ID, experiment.Winner, result.PValue, result.ZScore)
}

func armLabel(experiment domain.Experiment, arm domain.Arm) string {
	if arm == domain.ArmVariant {
		return experiment.VariantLabel
	}
	return experiment.ControlLabel
}
