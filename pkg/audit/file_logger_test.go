package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger
}

func decisionEvent(username string, eventType EventType, status EventStatus, ts time.Time) *Event {
	return &Event{
		Timestamp: ts,
		EventType: eventType,
		Status:    status,
		Username:  username,
		Method:    "GET",
		Path:      "/api/2.0/tracking/experiments/get",
	}
}

func TestFileLogger_LogAndSearch(t *testing.T) {
	logger := newTestFileLogger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, logger.Log(ctx, decisionEvent("alice", EventTypeAuthzAllowed, EventStatusSuccess, base)))
	require.NoError(t, logger.Log(ctx, decisionEvent("bob", EventTypeAuthzDenied, EventStatusDenied, base.Add(time.Minute))))
	require.NoError(t, logger.Log(ctx, decisionEvent("alice", EventTypeAuthzDenied, EventStatusDenied, base.Add(2*time.Minute))))

	events, err := logger.Search(ctx, SearchFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, base.Add(2*time.Minute), events[0].Timestamp)
	assert.Equal(t, base, events[2].Timestamp)

	events, err = logger.Search(ctx, SearchFilter{Username: "alice"})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	denied := EventStatusDenied
	events, err = logger.Search(ctx, SearchFilter{Status: &denied, EventTypes: []EventType{EventTypeAuthzDenied}})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	start := base.Add(30 * time.Second)
	events, err = logger.Search(ctx, SearchFilter{StartTime: &start})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFileLogger_SearchWindow(t *testing.T) {
	logger := newTestFileLogger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(ctx, decisionEvent("alice", EventTypeAuthzAllowed, EventStatusSuccess, base.Add(time.Duration(i)*time.Second))))
	}

	events, err := logger.Search(ctx, SearchFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, base.Add(4*time.Second), events[0].Timestamp)

	events, err = logger.Search(ctx, SearchFilter{Offset: 4, Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, base, events[0].Timestamp)

	events, err = logger.Search(ctx, SearchFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFileLogger_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("this is not json\n"), 0o600))

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	require.NoError(t, logger.Log(ctx, decisionEvent("alice", EventTypeAuthzAllowed, EventStatusSuccess, time.Now().UTC())))

	events, err := logger.Search(ctx, SearchFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFileLogger_ClosedRejectsWrites(t *testing.T) {
	logger := newTestFileLogger(t)
	require.NoError(t, logger.Close())
	err := logger.Log(context.Background(), decisionEvent("alice", EventTypeAuthzAllowed, EventStatusSuccess, time.Now().UTC()))
	assert.Error(t, err)
	// Closing twice is fine.
	assert.NoError(t, logger.Close())
}
