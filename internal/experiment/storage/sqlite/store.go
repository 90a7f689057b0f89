// Package sqlite provides a SQLite-backed experiment storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/readyscore/experiments/internal/experiment/domain"
	"github.com/readyscore/experiments/internal/experiment/storage"
	"github.com/readyscore/experiments/internal/experiment/storage/sqlite/migrations"
	"github.com/readyscore/experiments/internal/platform/storage/sqlitemigrate"
)

// Store persists experiment state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite experiment store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateExperiment inserts one experiment record.
func (s *Store) CreateExperiment(ctx context.Context, experiment domain.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(experiment.ID) == "" {
		return fmt.Errorf("experiment id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO experiments (
		   id, name, description, kind, target_metric,
		   control_label, variant_label,
		   start_time, end_time, status,
		   control_exposed, control_converted, variant_exposed, variant_converted,
		   z_score, p_value, interval_lower, interval_upper, interval_level,
		   winner, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		experiment.ID,
		experiment.Name,
		experiment.Description,
		experiment.Kind.String(),
		experiment.TargetMetric,
		experiment.ControlLabel,
		experiment.VariantLabel,
		toMillis(experiment.StartTime),
		toMillis(experiment.EndTime),
		experiment.Status.String(),
		experiment.Counts.Control.Exposed,
		experiment.Counts.Control.Converted,
		experiment.Counts.Variant.Exposed,
		experiment.Counts.Variant.Converted,
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.ZScore }),
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.PValue }),
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.Interval.Lower }),
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.Interval.Upper }),
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.Interval.Level }),
		winnerLabel(experiment.Winner),
		toMillis(experiment.CreatedAt),
		toMillis(experiment.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "experiments.id") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create experiment: %w", err)
	}
	return nil
}

// GetExperiment returns one experiment by id, including its metric samples.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (domain.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Experiment{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Experiment{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, description, kind, target_metric,
		        control_label, variant_label,
		        start_time, end_time, status,
		        control_exposed, control_converted, variant_exposed, variant_converted,
		        z_score, p_value, interval_lower, interval_upper, interval_level,
		        winner, created_at, updated_at
		 FROM experiments WHERE id = ?`,
		experimentID,
	)
	experiment, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Experiment{}, storage.ErrNotFound
		}
		return domain.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}

	samples, err := s.loadMetricSamples(ctx, experimentID)
	if err != nil {
		return domain.Experiment{}, err
	}
	experiment.MetricSamples = samples
	return experiment, nil
}

// UpdateExperiment replaces counters, status, significance, and winner for an
// existing record. Metric samples are written through AppendMetricSamples.
func (s *Store) UpdateExperiment(ctx context.Context, experiment domain.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE experiments SET
		   status = ?,
		   control_exposed = ?, control_converted = ?,
		   variant_exposed = ?, variant_converted = ?,
		   z_score = ?, p_value = ?,
		   interval_lower = ?, interval_upper = ?, interval_level = ?,
		   winner = ?, updated_at = ?
		 WHERE id = ?`,
		experiment.Status.String(),
		experiment.Counts.Control.Exposed,
		experiment.Counts.Control.Converted,
		experiment.Counts.Variant.Exposed,
		experiment.Counts.Variant.Converted,
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.ZScore }),
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.PValue }),
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.Interval.Lower }),
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.Interval.Upper }),
		nullFloat(experiment.Significance, func(s domain.Significance) float64 { return s.Interval.Level }),
		winnerLabel(experiment.Winner),
		toMillis(experiment.UpdatedAt),
		experiment.ID,
	)
	if err != nil {
		return fmt.Errorf("update experiment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update experiment rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListActiveExperiments returns all active experiments ordered by creation time.
// Metric samples are not loaded for listings.
func (s *Store) ListActiveExperiments(ctx context.Context) ([]domain.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, name, description, kind, target_metric,
		        control_label, variant_label,
		        start_time, end_time, status,
		        control_exposed, control_converted, variant_exposed, variant_converted,
		        z_score, p_value, interval_lower, interval_upper, interval_level,
		        winner, created_at, updated_at
		 FROM experiments WHERE status = ? ORDER BY created_at, id`,
		domain.StatusActive.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list active experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var active []domain.Experiment
	for rows.Next() {
		experiment, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		active = append(active, experiment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiments: %w", err)
	}
	return active, nil
}

// AppendMetricSamples records secondary metric observations for one arm.
func (s *Store) AppendMetricSamples(ctx context.Context, experimentID string, arm domain.Arm, metrics map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(metrics) == 0 {
		return nil
	}

	now := time.Now().UTC().UnixMilli()
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metric samples transaction: %w", err)
	}
	for metric, value := range metrics {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO metric_samples (experiment_id, arm, metric, value, recorded_at)
			 VALUES (?, ?, ?, ?, ?)`,
			experimentID,
			arm.String(),
			metric,
			value,
			now,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append metric sample %s: %w", metric, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metric samples: %w", err)
	}
	return nil
}

// CreateAssignment inserts one assignment record.
func (s *Store) CreateAssignment(ctx context.Context, assignment domain.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO assignments (experiment_id, user_id, session_id, arm, converted, assigned_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		assignment.ExperimentID,
		assignment.UserID,
		assignment.SessionID,
		assignment.Arm.String(),
		boolToInt(assignment.Converted),
		toMillis(assignment.AssignedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "assignments.") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// GetAssignment returns the assignment for one (experiment, user) pair.
func (s *Store) GetAssignment(ctx context.Context, experimentID, userID string) (domain.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Assignment{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Assignment{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT experiment_id, user_id, session_id, arm, converted, assigned_at
		 FROM assignments WHERE experiment_id = ? AND user_id = ?`,
		experimentID,
		userID,
	)

	var assignment domain.Assignment
	var armLabel string
	var converted int
	var assignedAt int64
	err := row.Scan(
		&assignment.ExperimentID,
		&assignment.UserID,
		&assignment.SessionID,
		&armLabel,
		&converted,
		&assignedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Assignment{}, storage.ErrNotFound
		}
		return domain.Assignment{}, fmt.Errorf("get assignment: %w", err)
	}
	assignment.Arm = domain.ParseArm(armLabel)
	assignment.Converted = converted != 0
	assignment.AssignedAt = fromMillis(assignedAt)
	return assignment, nil
}

// UpdateAssignment replaces an existing assignment record.
func (s *Store) UpdateAssignment(ctx context.Context, assignment domain.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE assignments SET session_id = ?, arm = ?, converted = ?
		 WHERE experiment_id = ? AND user_id = ?`,
		assignment.SessionID,
		assignment.Arm.String(),
		boolToInt(assignment.Converted),
		assignment.ExperimentID,
		assignment.UserID,
	)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update assignment rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AppendAnalyticsEvent appends one event to the audit journal.
func (s *Store) AppendAnalyticsEvent(ctx context.Context, event storage.AnalyticsEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO analytics_events (name, payload, created_at) VALUES (?, ?, ?)`,
		event.Name,
		string(event.PayloadJSON),
		toMillis(timestamp),
	)
	if err != nil {
		return fmt.Errorf("append analytics event: %w", err)
	}
	return nil
}

// ListAnalyticsEvents returns journal entries in append order, optionally
// filtered by event name. A limit of zero means no limit.
func (s *Store) ListAnalyticsEvents(ctx context.Context, name string, limit int) ([]storage.AnalyticsEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	query := `SELECT name, payload, created_at FROM analytics_events`
	args := []any{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list analytics events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []storage.AnalyticsEvent
	for rows.Next() {
		var event storage.AnalyticsEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(&event.Name, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan analytics event: %w", err)
		}
		event.PayloadJSON = []byte(payload)
		event.Timestamp = fromMillis(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analytics events: %w", err)
	}
	return events, nil
}

func (s *Store) loadMetricSamples(ctx context.Context, experimentID string) (domain.MetricSamples, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT arm, metric, value FROM metric_samples WHERE experiment_id = ? ORDER BY id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("load metric samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	samples := make(domain.MetricSamples)
	for rows.Next() {
		var armLabel, metric string
		var value float64
		if err := rows.Scan(&armLabel, &metric, &value); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		samples.Append(domain.ParseArm(armLabel), metric, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric samples: %w", err)
	}
	return samples, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (domain.Experiment, error) {
	var experiment domain.Experiment
	var kindLabel, statusLabel, winner string
	var startTime, endTime, createdAt, updatedAt int64
	var zScore, pValue, intervalLower, intervalUpper, intervalLevel sql.NullFloat64

	err := row.Scan(
		&experiment.ID,
		&experiment.Name,
		&experiment.Description,
		&kindLabel,
		&experiment.TargetMetric,
		&experiment.ControlLabel,
		&experiment.VariantLabel,
		&startTime,
		&endTime,
		&statusLabel,
		&experiment.Counts.Control.Exposed,
		&experiment.Counts.Control.Converted,
		&experiment.Counts.Variant.Exposed,
		&experiment.Counts.Variant.Converted,
		&zScore,
		&pValue,
		&intervalLower,
		&intervalUpper,
		&intervalLevel,
		&winner,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return domain.Experiment{}, err
	}

	experiment.Kind = domain.ParseKind(kindLabel)
	experiment.StartTime = fromMillis(startTime)
	experiment.EndTime = fromMillis(endTime)
	experiment.Status = parseStatus(statusLabel)
	experiment.Winner = domain.ParseArm(winner)
	experiment.CreatedAt = fromMillis(createdAt)
	experiment.UpdatedAt = fromMillis(updatedAt)
	if pValue.Valid {
		experiment.Significance = &domain.Significance{
			ZScore: zScore.Float64,
			PValue: pValue.Float64,
			Interval: domain.ConfidenceInterval{
				Lower: intervalLower.Float64,
				Upper: intervalUpper.Float64,
				Level: intervalLevel.Float64,
			},
		}
	}
	return experiment, nil
}

func parseStatus(value string) domain.Status {
	switch value {
	case domain.StatusActive.String():
		return domain.StatusActive
	case domain.StatusCompleted.String():
		return domain.StatusCompleted
	default:
		return domain.StatusUnspecified
	}
}

func winnerLabel(arm domain.Arm) string {
	if arm == domain.ArmUnspecified {
		return ""
	}
	return arm.String()
}

func nullFloat(sig *domain.Significance, pick func(domain.Significance) float64) sql.NullFloat64 {
	if sig == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: pick(*sig), Valid: true}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueViolation(err error, constraintHint string) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, strings.ToLower(constraintHint))
}
