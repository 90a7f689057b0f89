// Package domain defines the experiment data model and its lifecycle rules.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/readyscore/experiments/internal/platform/id"
)

// DefaultDuration is the window added to the start time when no end time is
// given. The end time is advisory only; experiments conclude on significance.
const DefaultDuration = 14 * 24 * time.Hour

// Status describes the experiment lifecycle state.
type Status int

const (
	// StatusUnspecified represents an invalid status value.
	StatusUnspecified Status = iota
	// StatusActive indicates the experiment is accepting traffic.
	StatusActive
	// StatusCompleted indicates a winner has been declared. Terminal.
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	default:
		return "unspecified"
	}
}

// Kind categorizes what an experiment varies. Informational only; it does not
// affect assignment or evaluation.
type Kind int

const (
	// KindUnspecified represents an unset experiment kind.
	KindUnspecified Kind = iota
	// KindQuestionVariation varies assessment question wording.
	KindQuestionVariation
	// KindFlowChange varies the assessment flow.
	KindFlowChange
	// KindUIModification varies presentation only.
	KindUIModification
)

func (k Kind) String() string {
	switch k {
	case KindQuestionVariation:
		return "question_variation"
	case KindFlowChange:
		return "flow_change"
	case KindUIModification:
		return "ui_modification"
	default:
		return "unspecified"
	}
}

// ParseKind maps a kind label to the enum. Unknown labels map to
// KindUnspecified.
func ParseKind(value string) Kind {
	switch value {
	case "question_variation":
		return KindQuestionVariation
	case "flow_change":
		return KindFlowChange
	case "ui_modification":
		return KindUIModification
	default:
		return KindUnspecified
	}
}

var (
	// ErrInvalidConfig is the base error for malformed experiment definitions.
	ErrInvalidConfig = errors.New("invalid experiment config")
	// ErrEmptyName indicates a missing experiment name.
	ErrEmptyName = fmt.Errorf("%w: name is required", ErrInvalidConfig)
	// ErrVariantCount indicates the definition does not describe exactly two arms.
	ErrVariantCount = fmt.Errorf("%w: exactly two variants are required", ErrInvalidConfig)
	// ErrEndBeforeStart indicates an inverted experiment window.
	ErrEndBeforeStart = fmt.Errorf("%w: end time must be after start time", ErrInvalidConfig)
	// ErrEmptyTargetMetric indicates a missing target metric name.
	ErrEmptyTargetMetric = fmt.Errorf("%w: target metric is required", ErrInvalidConfig)
	// ErrInvalidTargetMetric indicates a target metric that is not an identifier.
	ErrInvalidTargetMetric = fmt.Errorf("%w: target metric must be an identifier", ErrInvalidConfig)

	// ErrExperimentCompleted indicates a mutation against a completed experiment.
	ErrExperimentCompleted = errors.New("experiment is completed")
	// ErrAlreadyCompleted indicates a second completion attempt.
	ErrAlreadyCompleted = errors.New("experiment already has a winner")
)

// ArmCounts tracks the exposure denominator and conversion numerator for one arm.
type ArmCounts struct {
	Exposed   int64
	Converted int64
}

// Rate returns the observed conversion rate, or zero before any exposure.
func (c ArmCounts) Rate() float64 {
	if c.Exposed == 0 {
		return 0
	}
	return float64(c.Converted) / float64(c.Exposed)
}

// Counts holds the per-arm counters as a closed record.
type Counts struct {
	Control ArmCounts
	Variant ArmCounts
}

// ByArm returns the counters for one arm.
func (c Counts) ByArm(arm Arm) ArmCounts {
	if arm == ArmVariant {
		return c.Variant
	}
	return c.Control
}

// MetricSamples stores ordered secondary-metric observations per arm. The
// samples feed reporting only, never the significance decision.
type MetricSamples map[Arm]map[string][]float64

// Append records one observation for a metric under an arm.
func (m MetricSamples) Append(arm Arm, metric string, value float64) {
	byMetric, ok := m[arm]
	if !ok {
		byMetric = make(map[string][]float64)
		m[arm] = byMetric
	}
	byMetric[metric] = append(byMetric[metric], value)
}

// Averages returns the mean of each metric recorded under an arm.
func (m MetricSamples) Averages(arm Arm) map[string]float64 {
	byMetric := m[arm]
	if len(byMetric) == 0 {
		return nil
	}
	averages := make(map[string]float64, len(byMetric))
	for metric, values := range byMetric {
		if len(values) == 0 {
			continue
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		averages[metric] = sum / float64(len(values))
	}
	return averages
}

func (m MetricSamples) clone() MetricSamples {
	if m == nil {
		return nil
	}
	out := make(MetricSamples, len(m))
	for arm, byMetric := range m {
		copied := make(map[string][]float64, len(byMetric))
		for metric, values := range byMetric {
			copied[metric] = append([]float64(nil), values...)
		}
		out[arm] = copied
	}
	return out
}

// ConfidenceInterval bounds the true difference in conversion rates.
type ConfidenceInterval struct {
	Lower float64
	Upper float64
	Level float64
}

// Significance captures the last evaluation of the experiment counters.
type Significance struct {
	ZScore   float64
	PValue   float64
	Interval ConfidenceInterval
}

// Experiment is the aggregate record for one A/B test.
type Experiment struct {
	ID           string
	Name         string
	Description  string
	Kind         Kind
	TargetMetric string

	// ControlLabel and VariantLabel carry the operator-facing arm names.
	ControlLabel string
	VariantLabel string

	StartTime time.Time
	EndTime   time.Time

	Status        Status
	Counts        Counts
	MetricSamples MetricSamples
	Significance  *Significance
	Winner        Arm

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateExperimentInput describes the operator-supplied experiment definition.
type CreateExperimentInput struct {
	Name         string
	Description  string
	Kind         Kind
	TargetMetric string
	StartTime    time.Time
	EndTime      time.Time
	Variants     []string
}

// NewExperiment validates a definition and builds an active experiment with
// zeroed counters.
func NewExperiment(input CreateExperimentInput, now func() time.Time, idGenerator func() (string, error)) (Experiment, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateExperimentInput(input, now)
	if err != nil {
		return Experiment{}, err
	}

	experimentID, err := idGenerator()
	if err != nil {
		return Experiment{}, fmt.Errorf("generate experiment id: %w", err)
	}

	createdAt := now().UTC()
	return Experiment{
		ID:            experimentID,
		Name:          normalized.Name,
		Description:   normalized.Description,
		Kind:          normalized.Kind,
		TargetMetric:  normalized.TargetMetric,
		ControlLabel:  normalized.Variants[0],
		VariantLabel:  normalized.Variants[1],
		StartTime:     normalized.StartTime,
		EndTime:       normalized.EndTime,
		Status:        StatusActive,
		MetricSamples: make(MetricSamples),
		Winner:        ArmUnspecified,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}, nil
}

// NormalizeCreateExperimentInput trims, defaults, and validates a definition.
func NormalizeCreateExperimentInput(input CreateExperimentInput, now func() time.Time) (CreateExperimentInput, error) {
	if now == nil {
		now = time.Now
	}

	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return CreateExperimentInput{}, ErrEmptyName
	}
	input.Description = strings.TrimSpace(input.Description)

	input.TargetMetric = strings.TrimSpace(input.TargetMetric)
	if input.TargetMetric == "" {
		return CreateExperimentInput{}, ErrEmptyTargetMetric
	}
	if !isMetricIdentifier(input.TargetMetric) {
		return CreateExperimentInput{}, ErrInvalidTargetMetric
	}

	if len(input.Variants) != 2 {
		return CreateExperimentInput{}, ErrVariantCount
	}
	variants := make([]string, 2)
	for i, label := range input.Variants {
		label = strings.TrimSpace(label)
		if label == "" {
			if i == 0 {
				label = ArmControl.String()
			} else {
				label = ArmVariant.String()
			}
		}
		variants[i] = label
	}
	input.Variants = variants

	if input.StartTime.IsZero() {
		input.StartTime = now().UTC()
	} else {
		input.StartTime = input.StartTime.UTC()
	}
	if input.EndTime.IsZero() {
		input.EndTime = input.StartTime.Add(DefaultDuration)
	} else {
		input.EndTime = input.EndTime.UTC()
	}
	if !input.EndTime.After(input.StartTime) {
		return CreateExperimentInput{}, ErrEndBeforeStart
	}

	return input, nil
}

// isMetricIdentifier reports whether the metric name is a plain identifier:
// letters, digits, and underscores, not starting with a digit.
func isMetricIdentifier(value string) bool {
	for i, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// RecordExposure increments the exposure counter for one arm.
func (e *Experiment) RecordExposure(arm Arm) error {
	if e.Status != StatusActive {
		return ErrExperimentCompleted
	}
	switch arm {
	case ArmControl:
		e.Counts.Control.Exposed++
	case ArmVariant:
		e.Counts.Variant.Exposed++
	default:
		return fmt.Errorf("record exposure: unknown arm %d", arm)
	}
	return nil
}

// RecordConversion increments the conversion counter for one arm. The caller
// is responsible for counting each assignment at most once so that converted
// never exceeds exposed.
func (e *Experiment) RecordConversion(arm Arm) error {
	if e.Status != StatusActive {
		return ErrExperimentCompleted
	}
	switch arm {
	case ArmControl:
		if e.Counts.Control.Converted >= e.Counts.Control.Exposed {
			return fmt.Errorf("record conversion: control conversions exceed exposures")
		}
		e.Counts.Control.Converted++
	case ArmVariant:
		if e.Counts.Variant.Converted >= e.Counts.Variant.Exposed {
			return fmt.Errorf("record conversion: variant conversions exceed exposures")
		}
		e.Counts.Variant.Converted++
	default:
		return fmt.Errorf("record conversion: unknown arm %d", arm)
	}
	return nil
}

// Complete declares a winner and freezes the experiment. The transition is
// one-way; completing an already-completed experiment is an error so callers
// can treat it as a no-op.
func (e *Experiment) Complete(winner Arm, now func() time.Time) error {
	if e.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	if winner != ArmControl && winner != ArmVariant {
		return fmt.Errorf("complete experiment: unknown arm %d", winner)
	}
	if now == nil {
		now = time.Now
	}
	e.Status = StatusCompleted
	e.Winner = winner
	e.UpdatedAt = now().UTC()
	return nil
}

// Leader returns the arm with the higher observed conversion rate. Control
// wins ties.
func (e *Experiment) Leader() Arm {
	if e.Counts.Variant.Rate() > e.Counts.Control.Rate() {
		return ArmVariant
	}
	return ArmControl
}

// Clone returns a deep copy safe to hand to readers while writers proceed.
func (e Experiment) Clone() Experiment {
	copied := e
	copied.MetricSamples = e.MetricSamples.clone()
	if e.Significance != nil {
		sig := *e.Significance
		copied.Significance = &sig
	}
	return copied
}
