package audit

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
)

// FileLogger appends audit events to a newline-delimited JSON file.
type FileLogger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// NewFileLogger opens (or creates) the audit file for appending.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileLogger{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Log appends one event and flushes. Audit records are worth the syscall per
// event; a buffered tail lost in a crash is not.
func (l *FileLogger) Log(ctx context.Context, event *Event) error {
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("audit file logger is closed")
	}
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return l.writer.Flush()
}

// Search scans the file and returns matching events, newest first. This is a
// linear scan; the file sink is meant for small deployments and offline
// review, not query traffic.
func (l *FileLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	l.mu.Lock()
	if err := l.writer.Flush(); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("flush audit file: %w", err)
	}
	l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	var matched []*Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := FromJSON(line)
		if err != nil {
			continue
		}
		if filterMatches(event, filter) {
			matched = append(matched, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}

	// Newest first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	matched = applyWindow(matched, filter.Offset, filter.Limit)
	return matched, nil
}

// Close flushes and closes the file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

func filterMatches(event *Event, filter SearchFilter) bool {
	if filter.StartTime != nil && event.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && event.Timestamp.After(*filter.EndTime) {
		return false
	}
	if filter.Username != "" && event.Username != filter.Username {
		return false
	}
	if filter.Status != nil && event.Status != *filter.Status {
		return false
	}
	if filter.ResourceType != "" && event.ResourceType != filter.ResourceType {
		return false
	}
	if filter.ResourceKey != "" && event.ResourceKey != filter.ResourceKey {
		return false
	}
	if len(filter.EventTypes) > 0 {
		found := false
		for _, et := range filter.EventTypes {
			if event.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func applyWindow(events []*Event, offset, limit int) []*Event {
	if offset > 0 {
		if offset >= len(events) {
			return nil
		}
		events = events[offset:]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
