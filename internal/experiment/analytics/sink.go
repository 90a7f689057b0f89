// Package analytics carries experiment events to the host analytics pipeline.
//
// Emission is best-effort by contract: the engine never blocks on, awaits, or
// retries a sink. A sink that loses events loses events.
package analytics

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/readyscore/experiments/internal/experiment/storage"
)

// Event names emitted by the experiment engine.
const (
	EventAssignment         = "ab_test_assignment"
	EventConversion         = "ab_test_conversion"
	EventConversionRejected = "ab_test_conversion_rejected"
)

// Sink consumes experiment events.
type Sink interface {
	Emit(eventName string, payload map[string]any)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(eventName string, payload map[string]any)

// Emit implements Sink.
func (f SinkFunc) Emit(eventName string, payload map[string]any) {
	f(eventName, payload)
}

// Discard drops every event.
var Discard = SinkFunc(func(string, map[string]any) {})

// Multi fans one event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(eventName string, payload map[string]any) {
		for _, sink := range sinks {
			if sink != nil {
				sink.Emit(eventName, payload)
			}
		}
	})
}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a sink that logs through logger, or the default logger
// when nil.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(eventName string, payload map[string]any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("analytics event name=%s payload_error=%v", eventName, err)
		return
	}
	s.logger.Printf("analytics event name=%s payload=%s", eventName, encoded)
}

// StoreSink appends events to the analytics audit journal. Journal write
// failures are logged and swallowed; by contract they never reach the caller.
type StoreSink struct {
	store   storage.AnalyticsEventStore
	timeout time.Duration
	now     func() time.Time
}

// NewStoreSink creates a sink backed by an analytics event store.
func NewStoreSink(store storage.AnalyticsEventStore) *StoreSink {
	return &StoreSink{
		store:   store,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Emit implements Sink.
func (s *StoreSink) Emit(eventName string, payload map[string]any) {
	if s == nil || s.store == nil {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("analytics journal marshal name=%s err=%v", eventName, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.AppendAnalyticsEvent(ctx, storage.AnalyticsEvent{
		Name:        eventName,
		PayloadJSON: encoded,
		Timestamp:   s.now().UTC(),
	}); err != nil {
		log.Printf("analytics journal append name=%s err=%v", eventName, err)
	}
}
