package permissions

import (
	"time"
)

// ResourceType identifies the kind of upstream object a permission protects.
type ResourceType string

const (
	ResourceExperiment             ResourceType = "experiment"
	ResourceRegisteredModel        ResourceType = "registered_model"
	ResourcePrompt                 ResourceType = "prompt"
	ResourceScorer                 ResourceType = "scorer"
	ResourceGatewayEndpoint        ResourceType = "gateway_endpoint"
	ResourceGatewaySecret          ResourceType = "gateway_secret"
	ResourceGatewayModelDefinition ResourceType = "gateway_model_definition"
)

// ResourceTypes returns the closed set of protected resource types.
func ResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceExperiment,
		ResourceRegisteredModel,
		ResourcePrompt,
		ResourceScorer,
		ResourceGatewayEndpoint,
		ResourceGatewaySecret,
		ResourceGatewayModelDefinition,
	}
}

// Valid reports whether t is one of the protected resource types.
func (t ResourceType) Valid() bool {
	for _, rt := range ResourceTypes() {
		if rt == t {
			return true
		}
	}
	return false
}

// Resource is a (type, key) pair identifying the object being protected.
// The key is the type's natural identifier; some types (registered models,
// prompts) use the display name as primary key, which is why renames must
// cascade through the permission tables.
type Resource struct {
	Type ResourceType `json:"resource_type"`
	Key  string       `json:"resource_key"`
}

// User is a principal that can authenticate and hold permissions.
type User struct {
	ID               int64      `json:"id"`
	Username         string     `json:"username"`
	DisplayName      string     `json:"display_name,omitempty"`
	PasswordHash     string     `json:"-"`
	IsAdmin          bool       `json:"is_admin"`
	IsServiceAccount bool       `json:"is_service_account"`
	IsActive         bool       `json:"is_active"`
	CredentialExpiry *time.Time `json:"credential_expiry,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Group is a named principal holding zero or more users. Membership is
// many-to-many; a user may belong to any number of groups.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DirectPermission grants a level to a single user on a single resource.
// Unique per (resource_key, username).
type DirectPermission struct {
	ID           int64        `json:"id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceKey  string       `json:"resource_key"`
	Username     string       `json:"username"`
	Level        Level        `json:"level"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// GroupPermission grants a level to every member of a group on a single
// resource. Unique per (resource_key, group).
type GroupPermission struct {
	ID           int64        `json:"id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceKey  string       `json:"resource_key"`
	GroupName    string       `json:"group_name"`
	Level        Level        `json:"level"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// OwnerType distinguishes who owns a regex rule.
type OwnerType string

const (
	OwnerUser  OwnerType = "user"
	OwnerGroup OwnerType = "group"
)

// RegexPermission grants a level on every resource whose key matches the
// pattern. Priority orders rules of the same owner class: lower numeric
// value is evaluated first and wins. Priority ties are broken by rule ID,
// lowest first, so evaluation is deterministic.
type RegexPermission struct {
	ID           int64        `json:"id"`
	ResourceType ResourceType `json:"resource_type"`
	OwnerType    OwnerType    `json:"owner_type"`
	Owner        string       `json:"owner"`
	Pattern      string       `json:"pattern"`
	Priority     int          `json:"priority"`
	Level        Level        `json:"level"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Source identifies which permission origin produced an effective level.
type Source string

const (
	SourceFallback   Source = "fallback"
	SourceUser       Source = "user"
	SourceGroup      Source = "group"
	SourceRegex      Source = "regex"
	SourceGroupRegex Source = "group-regex"
)

// Sources returns the resolvable (non-fallback) sources in their default
// priority order.
func Sources() []Source {
	return []Source{SourceUser, SourceGroup, SourceRegex, SourceGroupRegex}
}

// Valid reports whether s is a resolvable source.
func (s Source) Valid() bool {
	switch s {
	case SourceUser, SourceGroup, SourceRegex, SourceGroupRegex:
		return true
	}
	return false
}

// Result is an effective permission with its provenance. The source is
// carried for audit and introspection; callers must never see a bare level.
type Result struct {
	Level  Level  `json:"level"`
	Source Source `json:"source"`
}
