// Package permissions implements the permission model, store, and resolution
// engine for the trackgate authorization gateway.
//
// # Overview
//
// This package controls access to the resources of a fronted ML tracking
// service (experiments, registered models, gateway endpoints, scorers,
// prompts, datasets). It combines an ordered permission lattice, a
// Postgres-backed store of grants, and a multi-source resolver that computes
// a caller's effective permission on a resource together with the source
// that produced it.
//
// # Permission Lattice
//
// Levels are strictly ordered; each level implies everything below it:
//
//	LevelNoPermissions - no access
//	LevelRead          - view the resource and its contents
//	LevelEdit          - modify the resource
//	LevelManage        - delete the resource and administer grants on it
//
// Operations are expressed as capabilities (CapabilityRead, CapabilityUpdate,
// CapabilityDelete, CapabilityManage); Level.Can maps the lattice onto them.
// Level names on the wire are the uppercase forms only ("READ", "EDIT",
// "MANAGE", "NO_PERMISSIONS"); ParseLevel rejects anything else.
//
// # Resolution
//
// The Resolver consults sources in a configurable order, by default:
//
//	SourceUser       - direct per-user grants on the exact resource
//	SourceGroup      - group grants, maximum across the user's groups
//	SourceRegex      - per-user regex rules, first match by priority
//	SourceGroupRegex - group regex rules merged across groups
//
// Resolution starts from the configured fallback level with SourceFallback
// provenance; a later source replaces the current result only with a
// strictly higher level, so ties keep the earliest source and no source can
// lower an earlier decision.
//
// # Store
//
// The Store owns users, service accounts, groups and memberships, and the
// three grant shapes (direct, group, regex). Renames move grants
// transactionally; deletions cascade them. Migrations run at startup via
// RunMigrations.
package permissions
