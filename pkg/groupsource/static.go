package groupsource

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// StaticSource reads user-to-group memberships from a YAML file of the form:
//
//	memberships:
//	  alice: [ml-team, platform]
//	  bob: [ml-team]
//
// The file is re-read whenever it changes on disk, so membership edits do
// not require a restart.
type StaticSource struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	mu          sync.RWMutex
	memberships map[string][]string
}

type staticFile struct {
	Memberships map[string][]string `yaml:"memberships"`
}

// NewStaticSource loads the membership file and begins watching it.
func NewStaticSource(path string, logger *logrus.Logger) (*StaticSource, error) {
	if path == "" {
		return nil, fmt.Errorf("static group source requires a file path")
	}

	s := &StaticSource{
		path:   path,
		logger: logger,
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	s.watcher = watcher
	go s.watch()

	return s, nil
}

// FetchGroups returns the groups the user belongs to. Unknown users belong
// to no groups; that is not an error.
func (s *StaticSource) FetchGroups(_ context.Context, username string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := s.memberships[username]
	out := make([]string, len(groups))
	copy(out, groups)
	return out, nil
}

// Close stops the file watcher.
func (s *StaticSource) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *StaticSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read membership file: %w", err)
	}
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse membership file: %w", err)
	}

	s.mu.Lock()
	s.memberships = f.Memberships
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				// Keep serving the last good memberships.
				s.logger.WithError(err).Warn("failed to reload membership file")
				continue
			}
			s.logger.WithField("path", s.path).Info("membership file reloaded")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("membership file watcher error")
		}
	}
}
