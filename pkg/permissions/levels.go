package permissions

import "fmt"

// Level is the ordered permission level a principal can hold on a resource.
// Levels are totally ranked; a higher level implies every capability of the
// levels below it.
type Level int

const (
	LevelNoPermissions Level = 0
	LevelRead          Level = 1
	LevelEdit          Level = 2
	LevelManage        Level = 3
)

// Level names as accepted on the wire and stored in the permission tables.
const (
	NameNoPermissions = "NO_PERMISSIONS"
	NameRead          = "READ"
	NameEdit          = "EDIT"
	NameManage        = "MANAGE"
)

var levelNames = map[Level]string{
	LevelNoPermissions: NameNoPermissions,
	LevelRead:          NameRead,
	LevelEdit:          NameEdit,
	LevelManage:        NameManage,
}

var levelsByName = map[string]Level{
	NameNoPermissions: LevelNoPermissions,
	NameRead:          LevelRead,
	NameEdit:          LevelEdit,
	NameManage:        LevelManage,
}

// String returns the canonical name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(l))
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// CanRead reports whether the level grants read access.
func (l Level) CanRead() bool { return l >= LevelRead }

// CanUpdate reports whether the level grants update access.
func (l Level) CanUpdate() bool { return l >= LevelEdit }

// CanDelete reports whether the level grants delete access.
func (l Level) CanDelete() bool { return l >= LevelManage }

// CanManage reports whether the level grants permission management access.
func (l Level) CanManage() bool { return l >= LevelManage }

// Can reports whether the level grants the given capability.
func (l Level) Can(c Capability) bool {
	switch c {
	case CapabilityRead:
		return l.CanRead()
	case CapabilityUpdate:
		return l.CanUpdate()
	case CapabilityDelete:
		return l.CanDelete()
	case CapabilityManage:
		return l.CanManage()
	}
	return false
}

// Capability is one of the derived capability flags a level carries.
type Capability string

const (
	CapabilityRead   Capability = "read"
	CapabilityUpdate Capability = "update"
	CapabilityDelete Capability = "delete"
	CapabilityManage Capability = "manage"
)

// ParseLevel maps a level name to its Level. Unknown names fail with
// ErrInvalidPermission; this is the single validation gate on every write
// path into the permission tables, so callers must never clamp or default.
func ParseLevel(name string) (Level, error) {
	level, ok := levelsByName[name]
	if !ok {
		return LevelNoPermissions, fmt.Errorf("%w: %q", ErrInvalidPermission, name)
	}
	return level, nil
}

// Compare reports whether a ranks at or below b. With strict set it reports
// whether a ranks strictly below b.
func Compare(a, b Level, strict bool) bool {
	if strict {
		return a < b
	}
	return a <= b
}
