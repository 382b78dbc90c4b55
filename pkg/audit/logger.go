package audit

import (
	"context"
	"net/http"
	"time"
)

// Logger is the audit sink interface.
type Logger interface {
	// Log records an event. Implementations must not block the request
	// path beyond a single write.
	Log(ctx context.Context, event *Event) error

	// Search returns events matching the filter, newest first.
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)

	// Close flushes and releases the sink.
	Close() error
}

type contextKey string

const loggerKey contextKey = "audit_logger"

// WithLogger attaches an audit logger to the context.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context's audit logger, or a no-op logger when
// none is attached.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return NopLogger{}
}

// NopLogger discards everything. Used when auditing is disabled.
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }

func (NopLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	return nil, nil
}

func (NopLogger) Close() error { return nil }

// NewDecisionEvent builds an authorization decision event from the request
// being proxied.
func NewDecisionEvent(r *http.Request, eventType EventType, status EventStatus, username string) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Username:  username,
		Metadata:  make(map[string]any),
	}
	if r != nil {
		event.Method = r.Method
		event.Path = r.URL.Path
		event.IPAddress = clientIP(r)
		event.UserAgent = r.UserAgent()
		event.RequestID = r.Header.Get("X-Request-ID")
	}
	return event
}

// NewChangeEvent builds a permission or principal change event.
func NewChangeEvent(eventType EventType, actor, resourceType, resourceKey string) *Event {
	return &Event{
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Status:       EventStatusSuccess,
		Username:     actor,
		ResourceType: resourceType,
		ResourceKey:  resourceKey,
		Metadata:     make(map[string]any),
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
