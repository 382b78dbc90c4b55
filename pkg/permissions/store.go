package permissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store owns all reads and writes against the permission tables. The
// resolver only reads through it; the CRUD layer performs writes through
// named accessors, each of which validates the permission level before
// anything is persisted.
type Store struct {
	db *sql.DB
}

// NewStore creates a new permission store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// unavailable wraps a driver error so callers can match ErrStoreUnavailable
// while keeping the underlying cause in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

// isUniqueViolation reports whether err is a uniqueness constraint failure.
// Postgres reports SQLSTATE 23505; SQLite (tests) reports a prefixed message.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// validateLevel rejects levels that did not come through ParseLevel.
func validateLevel(level Level) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPermission, int(level))
	}
	return nil
}

// --- users ---

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	now := time.Now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, display_name, password_hash, is_admin, is_service_account, is_active, credential_expiry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, user.Username, user.DisplayName, user.PasswordHash, user.IsAdmin,
		user.IsServiceAccount, true, user.CredentialExpiry, now, now,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", user.Username, ErrAlreadyExists)
		}
		return unavailable("create user", err)
	}
	user.IsActive = true
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUser retrieves a user by username.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, password_hash, is_admin, is_service_account, is_active, credential_expiry, created_at, updated_at
		FROM users WHERE username = $1
	`, username).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.IsAdmin,
		&u.IsServiceAccount, &u.IsActive, &u.CredentialExpiry, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	return &u, nil
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, display_name, password_hash, is_admin, is_service_account, is_active, credential_expiry, created_at, updated_at
		FROM users ORDER BY username
	`)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(
			&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.IsAdmin,
			&u.IsServiceAccount, &u.IsActive, &u.CredentialExpiry, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, unavailable("scan user", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserAdmin sets the admin flag for a user.
func (s *Store) UpdateUserAdmin(ctx context.Context, username string, isAdmin bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_admin = $1, updated_at = $2 WHERE username = $3`,
		isAdmin, time.Now(), username,
	)
	if err != nil {
		return unavailable("update user admin", err)
	}
	return requireRow(res, "user "+username)
}

// UpdateUserPassword replaces a user's password hash.
func (s *Store) UpdateUserPassword(ctx context.Context, username, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, updated_at = $2 WHERE username = $3`,
		passwordHash, time.Now(), username,
	)
	if err != nil {
		return unavailable("update user password", err)
	}
	return requireRow(res, "user "+username)
}

// DeleteUser removes a user; direct permissions and memberships cascade.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return unavailable("delete user", err)
	}
	return requireRow(res, "user "+username)
}

// DeactivateExpiredServiceAccounts flips is_active off for service accounts
// whose credential expiry has passed. Returns the number deactivated.
func (s *Store) DeactivateExpiredServiceAccounts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_active = $1, updated_at = $2
		WHERE is_service_account = $3 AND is_active = $4
		  AND credential_expiry IS NOT NULL AND credential_expiry < $5
	`, false, now, true, true, now)
	if err != nil {
		return 0, unavailable("deactivate expired service accounts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("deactivate expired service accounts", err)
	}
	return n, nil
}

// --- groups ---

// CreateGroup inserts a new group.
func (s *Store) CreateGroup(ctx context.Context, group *Group) error {
	now := time.Now()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO groups (name, created_at) VALUES ($1, $2) RETURNING id`,
		group.Name, now,
	).Scan(&group.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("group %q: %w", group.Name, ErrAlreadyExists)
		}
		return unavailable("create group", err)
	}
	group.CreatedAt = now
	return nil
}

// GetGroup retrieves a group by name.
func (s *Store) GetGroup(ctx context.Context, name string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM groups WHERE name = $1`, name,
	).Scan(&g.ID, &g.Name, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get group", err)
	}
	return &g, nil
}

// DeleteGroup removes a group; memberships and group permissions cascade.
func (s *Store) DeleteGroup(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE name = $1`, name)
	if err != nil {
		return unavailable("delete group", err)
	}
	return requireRow(res, "group "+name)
}

// AddGroupMember adds a user to a group.
func (s *Store) AddGroupMember(ctx context.Context, groupName, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, added_at)
		SELECT g.id, u.id, $1 FROM groups g, users u
		WHERE g.name = $2 AND u.username = $3
	`, time.Now(), groupName, username)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("membership %s/%s: %w", groupName, username, ErrAlreadyExists)
		}
		return unavailable("add group member", err)
	}
	return nil
}

// RemoveGroupMember removes a user from a group.
func (s *Store) RemoveGroupMember(ctx context.Context, groupName, username string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM group_members
		WHERE group_id = (SELECT id FROM groups WHERE name = $1)
		  AND user_id = (SELECT id FROM users WHERE username = $2)
	`, groupName, username)
	if err != nil {
		return unavailable("remove group member", err)
	}
	return requireRow(res, "membership "+groupName+"/"+username)
}

// ListGroupsForUser returns the names of every group the user belongs to.
func (s *Store) ListGroupsForUser(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.name FROM groups g
		JOIN group_members gm ON gm.group_id = g.id
		JOIN users u ON u.id = gm.user_id
		WHERE u.username = $1
		ORDER BY g.name
	`, username)
	if err != nil {
		return nil, unavailable("list groups for user", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, unavailable("scan group name", err)
		}
		groups = append(groups, name)
	}
	return groups, rows.Err()
}

// ListGroupMembers returns the usernames of every member of a group.
func (s *Store) ListGroupMembers(ctx context.Context, groupName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username FROM users u
		JOIN group_members gm ON gm.user_id = u.id
		JOIN groups g ON g.id = gm.group_id
		WHERE g.name = $1
		ORDER BY u.username
	`, groupName)
	if err != nil {
		return nil, unavailable("list group members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, unavailable("scan member name", err)
		}
		members = append(members, name)
	}
	return members, rows.Err()
}

// --- direct permissions ---

// GetDirectPermission looks up the permission a user holds directly on a
// resource. ErrNotFound means the user has no direct row for it.
func (s *Store) GetDirectPermission(ctx context.Context, resourceType ResourceType, resourceKey, username string) (*DirectPermission, error) {
	var p DirectPermission
	var levelName string
	err := s.db.QueryRowContext(ctx, `
		SELECT dp.id, dp.resource_type, dp.resource_key, u.username, dp.level, dp.created_at, dp.updated_at
		FROM direct_permissions dp
		JOIN users u ON u.id = dp.user_id
		WHERE dp.resource_type = $1 AND dp.resource_key = $2 AND u.username = $3
	`, resourceType, resourceKey, username).Scan(
		&p.ID, &p.ResourceType, &p.ResourceKey, &p.Username, &levelName, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get direct permission", err)
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	p.Level = level
	return &p, nil
}

// CreateDirectPermission grants a user a level on a resource.
func (s *Store) CreateDirectPermission(ctx context.Context, p *DirectPermission) error {
	if err := validateLevel(p.Level); err != nil {
		return err
	}
	now := time.Now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO direct_permissions (resource_type, resource_key, user_id, level, created_at, updated_at)
		SELECT $1, $2, u.id, $3, $4, $5 FROM users u WHERE u.username = $6
		RETURNING id
	`, p.ResourceType, p.ResourceKey, p.Level.String(), now, now, p.Username).Scan(&p.ID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("user %q: %w", p.Username, ErrNotFound)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("direct permission for %s on %s: %w", p.Username, p.ResourceKey, ErrAlreadyExists)
		}
		return unavailable("create direct permission", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// UpdateDirectPermission changes the level of an existing grant.
func (s *Store) UpdateDirectPermission(ctx context.Context, resourceType ResourceType, resourceKey, username string, level Level) error {
	if err := validateLevel(level); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE direct_permissions SET level = $1, updated_at = $2
		WHERE resource_type = $3 AND resource_key = $4
		  AND user_id = (SELECT id FROM users WHERE username = $5)
	`, level.String(), time.Now(), resourceType, resourceKey, username)
	if err != nil {
		return unavailable("update direct permission", err)
	}
	return requireRow(res, "direct permission for "+username)
}

// DeleteDirectPermission revokes a direct grant.
func (s *Store) DeleteDirectPermission(ctx context.Context, resourceType ResourceType, resourceKey, username string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM direct_permissions
		WHERE resource_type = $1 AND resource_key = $2
		  AND user_id = (SELECT id FROM users WHERE username = $3)
	`, resourceType, resourceKey, username)
	if err != nil {
		return unavailable("delete direct permission", err)
	}
	return requireRow(res, "direct permission for "+username)
}

// --- group permissions ---

// GetGroupPermission looks up the permission a group holds on a resource.
func (s *Store) GetGroupPermission(ctx context.Context, resourceType ResourceType, resourceKey, groupName string) (*GroupPermission, error) {
	var p GroupPermission
	var levelName string
	err := s.db.QueryRowContext(ctx, `
		SELECT gp.id, gp.resource_type, gp.resource_key, g.name, gp.level, gp.created_at, gp.updated_at
		FROM group_permissions gp
		JOIN groups g ON g.id = gp.group_id
		WHERE gp.resource_type = $1 AND gp.resource_key = $2 AND g.name = $3
	`, resourceType, resourceKey, groupName).Scan(
		&p.ID, &p.ResourceType, &p.ResourceKey, &p.GroupName, &levelName, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get group permission", err)
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	p.Level = level
	return &p, nil
}

// CreateGroupPermission grants a group a level on a resource.
func (s *Store) CreateGroupPermission(ctx context.Context, p *GroupPermission) error {
	if err := validateLevel(p.Level); err != nil {
		return err
	}
	now := time.Now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO group_permissions (resource_type, resource_key, group_id, level, created_at, updated_at)
		SELECT $1, $2, g.id, $3, $4, $5 FROM groups g WHERE g.name = $6
		RETURNING id
	`, p.ResourceType, p.ResourceKey, p.Level.String(), now, now, p.GroupName).Scan(&p.ID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("group %q: %w", p.GroupName, ErrNotFound)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("group permission for %s on %s: %w", p.GroupName, p.ResourceKey, ErrAlreadyExists)
		}
		return unavailable("create group permission", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// UpdateGroupPermission changes the level of an existing group grant.
func (s *Store) UpdateGroupPermission(ctx context.Context, resourceType ResourceType, resourceKey, groupName string, level Level) error {
	if err := validateLevel(level); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE group_permissions SET level = $1, updated_at = $2
		WHERE resource_type = $3 AND resource_key = $4
		  AND group_id = (SELECT id FROM groups WHERE name = $5)
	`, level.String(), time.Now(), resourceType, resourceKey, groupName)
	if err != nil {
		return unavailable("update group permission", err)
	}
	return requireRow(res, "group permission for "+groupName)
}

// DeleteGroupPermission revokes a group grant.
func (s *Store) DeleteGroupPermission(ctx context.Context, resourceType ResourceType, resourceKey, groupName string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM group_permissions
		WHERE resource_type = $1 AND resource_key = $2
		  AND group_id = (SELECT id FROM groups WHERE name = $3)
	`, resourceType, resourceKey, groupName)
	if err != nil {
		return unavailable("delete group permission", err)
	}
	return requireRow(res, "group permission for "+groupName)
}

// --- regex permissions ---

// ListRegexRules returns the regex rules owned by the given principal for a
// resource type, sorted ascending by priority, ties broken by rule ID. The
// resolver relies on this ordering for its first-match semantics.
func (s *Store) ListRegexRules(ctx context.Context, resourceType ResourceType, ownerType OwnerType, owner string) ([]RegexPermission, error) {
	var query string
	switch ownerType {
	case OwnerUser:
		query = `
			SELECT rp.id, rp.resource_type, rp.owner_type, u.username, rp.pattern, rp.priority, rp.level, rp.created_at, rp.updated_at
			FROM regex_permissions rp
			JOIN users u ON u.id = rp.owner_id
			WHERE rp.resource_type = $1 AND rp.owner_type = $2 AND u.username = $3
			ORDER BY rp.priority, rp.id
		`
	case OwnerGroup:
		query = `
			SELECT rp.id, rp.resource_type, rp.owner_type, g.name, rp.pattern, rp.priority, rp.level, rp.created_at, rp.updated_at
			FROM regex_permissions rp
			JOIN groups g ON g.id = rp.owner_id
			WHERE rp.resource_type = $1 AND rp.owner_type = $2 AND g.name = $3
			ORDER BY rp.priority, rp.id
		`
	default:
		return nil, fmt.Errorf("unknown owner type %q", ownerType)
	}

	rows, err := s.db.QueryContext(ctx, query, resourceType, ownerType, owner)
	if err != nil {
		return nil, unavailable("list regex rules", err)
	}
	defer rows.Close()

	var rules []RegexPermission
	for rows.Next() {
		var p RegexPermission
		var levelName string
		if err := rows.Scan(
			&p.ID, &p.ResourceType, &p.OwnerType, &p.Owner, &p.Pattern,
			&p.Priority, &levelName, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, unavailable("scan regex rule", err)
		}
		level, err := ParseLevel(levelName)
		if err != nil {
			return nil, err
		}
		p.Level = level
		rules = append(rules, p)
	}
	return rules, rows.Err()
}

// CreateRegexPermission inserts a regex rule for a user or group owner.
func (s *Store) CreateRegexPermission(ctx context.Context, p *RegexPermission) error {
	if err := validateLevel(p.Level); err != nil {
		return err
	}
	ownerID, err := s.ownerID(ctx, p.OwnerType, p.Owner)
	if err != nil {
		return err
	}
	now := time.Now()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO regex_permissions (resource_type, owner_type, owner_id, pattern, priority, level, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, p.ResourceType, p.OwnerType, ownerID, p.Pattern, p.Priority, p.Level.String(), now, now).Scan(&p.ID)
	if err != nil {
		return unavailable("create regex permission", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// UpdateRegexPermission changes pattern, priority, or level of a rule by ID.
func (s *Store) UpdateRegexPermission(ctx context.Context, id int64, pattern string, priority int, level Level) error {
	if err := validateLevel(level); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE regex_permissions SET pattern = $1, priority = $2, level = $3, updated_at = $4
		WHERE id = $5
	`, pattern, priority, level.String(), time.Now(), id)
	if err != nil {
		return unavailable("update regex permission", err)
	}
	return requireRow(res, fmt.Sprintf("regex permission %d", id))
}

// DeleteRegexPermission removes a rule by ID.
func (s *Store) DeleteRegexPermission(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM regex_permissions WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete regex permission", err)
	}
	return requireRow(res, fmt.Sprintf("regex permission %d", id))
}

func (s *Store) ownerID(ctx context.Context, ownerType OwnerType, owner string) (int64, error) {
	var id int64
	var err error
	switch ownerType {
	case OwnerUser:
		err = s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = $1`, owner).Scan(&id)
	case OwnerGroup:
		err = s.db.QueryRowContext(ctx, `SELECT id FROM groups WHERE name = $1`, owner).Scan(&id)
	default:
		return 0, fmt.Errorf("unknown owner type %q", ownerType)
	}
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%s %q: %w", ownerType, owner, ErrNotFound)
	}
	if err != nil {
		return 0, unavailable("resolve owner", err)
	}
	return id, nil
}

// --- resource cascades ---

// RenameResourcePermissions moves every direct and group permission row from
// the old resource key to the new one in a single transaction. Name-keyed
// resources (registered models, prompts) must call this alongside the
// upstream rename or stale rows would attach to an unrelated resource that
// later reuses the name.
func (s *Store) RenameResourcePermissions(ctx context.Context, resourceType ResourceType, oldKey, newKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin rename", err)
	}
	now := time.Now()
	for _, table := range []string{"direct_permissions", "group_permissions"} {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET resource_key = $1, updated_at = $2 WHERE resource_type = $3 AND resource_key = $4`,
			newKey, now, resourceType, oldKey,
		); err != nil {
			tx.Rollback()
			return unavailable("rename permissions in "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit rename", err)
	}
	return nil
}

// DeleteResourcePermissions removes every direct and group permission row
// for a resource in a single transaction. Called when the upstream resource
// is deleted.
func (s *Store) DeleteResourcePermissions(ctx context.Context, resourceType ResourceType, resourceKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin delete cascade", err)
	}
	for _, table := range []string{"direct_permissions", "group_permissions"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE resource_type = $1 AND resource_key = $2`,
			resourceType, resourceKey,
		); err != nil {
			tx.Rollback()
			return unavailable("delete permissions in "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit delete cascade", err)
	}
	return nil
}

// requireRow converts a zero-row write into ErrNotFound.
func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
