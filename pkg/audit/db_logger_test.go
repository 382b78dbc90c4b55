package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDBLogger(t *testing.T) (*DBLogger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	logger, err := NewDBLogger(db)
	require.NoError(t, err)
	return logger, mock
}

func TestDBLogger_RequiresDB(t *testing.T) {
	_, err := NewDBLogger(nil)
	assert.Error(t, err)
}

func TestDBLogger_Log(t *testing.T) {
	logger, mock := newTestDBLogger(t)

	event := &Event{
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EventType:    EventTypeAuthzDenied,
		Status:       EventStatusDenied,
		Username:     "alice",
		ResourceType: "experiment",
		ResourceKey:  "exp-1",
		Method:       "POST",
		Path:         "/api/2.0/tracking/experiments/delete",
		Metadata:     map[string]any{"reason": "permission denied"},
	}

	mock.ExpectQuery("INSERT INTO audit_events").
		WithArgs(
			event.Timestamp, event.EventType, event.Status,
			"alice", false, "", "", "",
			"experiment", "exp-1", "", "", "",
			"POST", event.Path, "", "", []byte(`{"reason":"permission denied"}`),
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	require.NoError(t, logger.Log(context.Background(), event))
	assert.Equal(t, int64(7), event.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_LogEmptyMetadataIsNull(t *testing.T) {
	logger, mock := newTestDBLogger(t)
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: EventTypeAuthzAllowed,
		Status:    EventStatusSuccess,
		Username:  "alice",
	}

	mock.ExpectQuery("INSERT INTO audit_events").
		WithArgs(
			event.Timestamp, event.EventType, event.Status,
			"alice", false, "", "", "",
			"", "", "", "", "",
			"", "", "", "", []byte(nil),
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	require.NoError(t, logger.Log(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_Search(t *testing.T) {
	logger, mock := newTestDBLogger(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	columns := []string{
		"id", "timestamp", "event_type", "status",
		"username", "is_admin", "ip_address", "user_agent", "request_id",
		"resource_type", "resource_key", "level", "source", "capability",
		"method", "path", "message", "error_message", "metadata",
	}
	rows := sqlmock.NewRows(columns).AddRow(
		int64(3), ts, string(EventTypeAuthzDenied), string(EventStatusDenied),
		"alice", false, "10.0.0.1", "curl", "req-1",
		"experiment", "exp-1", "", "", "",
		"POST", "/x", "", "", []byte(`{"reason":"denied"}`),
	)

	denied := EventStatusDenied
	mock.ExpectQuery("SELECT (.+) FROM audit_events WHERE username = \\$1 AND status = \\$2 ORDER BY timestamp DESC LIMIT \\$3").
		WithArgs("alice", string(denied), 10).
		WillReturnRows(rows)

	events, err := logger.Search(context.Background(), SearchFilter{
		Username: "alice",
		Status:   &denied,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].ID)
	assert.Equal(t, EventTypeAuthzDenied, events[0].EventType)
	assert.Equal(t, "denied", events[0].Metadata["reason"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_SearchEventTypePlaceholders(t *testing.T) {
	logger, mock := newTestDBLogger(t)

	mock.ExpectQuery("SELECT (.+) FROM audit_events WHERE event_type IN \\(\\$1, \\$2\\) ORDER BY timestamp DESC").
		WithArgs(string(EventTypeAuthzAllowed), string(EventTypeAuthzDenied)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "timestamp", "event_type", "status",
			"username", "is_admin", "ip_address", "user_agent", "request_id",
			"resource_type", "resource_key", "level", "source", "capability",
			"method", "path", "message", "error_message", "metadata",
		}))

	events, err := logger.Search(context.Background(), SearchFilter{
		EventTypes: []EventType{EventTypeAuthzAllowed, EventTypeAuthzDenied},
	})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}
