package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/trackgate/pkg/groupsource"
	"github.com/platinummonkey/trackgate/pkg/permissions"
)

// Policy is the YAML policy file: which sources resolve permissions and in
// what order, what callers get when nothing matches, and where group
// membership comes from.
type Policy struct {
	DefaultLevel string             `yaml:"default_level"`
	SourceOrder  []string           `yaml:"source_order"`
	GroupSource  groupsource.Config `yaml:"group_source"`

	level permissions.Level
	order []permissions.Source
}

// DefaultPolicy returns the built-in policy: READ fallback, all sources in
// their standard order, group membership from the permission store.
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultLevel: permissions.LevelRead.String(),
		GroupSource:  groupsource.Config{Kind: groupsource.KindStore},
		level:        permissions.LevelRead,
		order:        permissions.Sources(),
	}
}

// LoadPolicy reads and validates a policy file. An empty path yields the
// default policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := policy.resolve(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &policy, nil
}

// resolve validates the raw YAML fields into their typed forms.
func (p *Policy) resolve() error {
	if p.DefaultLevel == "" {
		p.level = permissions.LevelRead
	} else {
		level, err := permissions.ParseLevel(p.DefaultLevel)
		if err != nil {
			return fmt.Errorf("default_level: %w", err)
		}
		p.level = level
	}

	if len(p.SourceOrder) == 0 {
		p.order = permissions.Sources()
	} else {
		sources := make([]permissions.Source, 0, len(p.SourceOrder))
		seen := make(map[permissions.Source]bool)
		for _, raw := range p.SourceOrder {
			source := permissions.Source(raw)
			if !source.Valid() {
				return fmt.Errorf("source_order: unknown source %q", raw)
			}
			if seen[source] {
				return fmt.Errorf("source_order: duplicate source %q", raw)
			}
			seen[source] = true
			sources = append(sources, source)
		}
		p.order = sources
	}

	switch p.GroupSource.Kind {
	case "":
		p.GroupSource.Kind = groupsource.KindStore
	case groupsource.KindStore, groupsource.KindStatic, groupsource.KindClaim:
	default:
		return fmt.Errorf("group_source: unknown kind %q", p.GroupSource.Kind)
	}
	return nil
}

// Level returns the validated fallback level.
func (p *Policy) Level() permissions.Level {
	return p.level
}

// Order returns the validated source order.
func (p *Policy) Order() []permissions.Source {
	return p.order
}
