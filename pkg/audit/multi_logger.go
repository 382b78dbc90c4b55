package audit

import (
	"context"
	"errors"
)

// MultiLogger fans every event out to multiple sinks. A failing sink does
// not stop delivery to the others; all failures are joined into the returned
// error.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger creates a fan-out logger.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

// Log delivers the event to every sink.
func (l *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for _, sink := range l.sinks {
		if err := sink.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Search queries the first sink that returns results. Sinks are assumed to
// hold the same event stream; the first is the preferred query backend.
func (l *MultiLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	var firstErr error
	for _, sink := range l.sinks {
		events, err := sink.Search(ctx, filter)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return events, nil
	}
	return nil, firstErr
}

// Close closes every sink.
func (l *MultiLogger) Close() error {
	var errs []error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
