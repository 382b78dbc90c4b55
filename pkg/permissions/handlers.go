package permissions

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/trackgate/pkg/audit"
	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/httputil"
)

// Handlers is the management HTTP API over the permission store: users,
// groups, and the three permission record kinds.
type Handlers struct {
	store       *Store
	resolver    *Resolver
	auditLogger audit.Logger
}

// NewHandlers creates the management API handlers.
func NewHandlers(store *Store, resolver *Resolver, auditLogger audit.Logger) *Handlers {
	return &Handlers{store: store, resolver: resolver, auditLogger: auditLogger}
}

// RegisterRoutes mounts the management API on the router. The caller is
// expected to have authentication middleware in front; authorization is
// enforced per handler.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// User management (admin only, except self reads and password change).
	router.HandleFunc("/users", h.CreateUser).Methods("POST")
	router.HandleFunc("/users", h.ListUsers).Methods("GET")
	router.HandleFunc("/users/{username}", h.GetUser).Methods("GET")
	router.HandleFunc("/users/{username}", h.UpdateUser).Methods("PATCH")
	router.HandleFunc("/users/{username}", h.DeleteUser).Methods("DELETE")

	// Group management (admin only).
	router.HandleFunc("/groups", h.CreateGroup).Methods("POST")
	router.HandleFunc("/groups/{name}", h.GetGroup).Methods("GET")
	router.HandleFunc("/groups/{name}", h.DeleteGroup).Methods("DELETE")
	router.HandleFunc("/groups/{name}/members", h.AddGroupMember).Methods("POST")
	router.HandleFunc("/groups/{name}/members", h.ListGroupMembers).Methods("GET")
	router.HandleFunc("/groups/{name}/members/{username}", h.RemoveGroupMember).Methods("DELETE")

	// Permission records. Resource keys can contain characters that do not
	// survive a path segment, so records are addressed by body and query
	// arguments rather than the path.
	router.HandleFunc("/direct", h.CreateDirectPermission).Methods("POST")
	router.HandleFunc("/direct", h.GetDirectPermission).Methods("GET")
	router.HandleFunc("/direct", h.UpdateDirectPermission).Methods("PATCH")
	router.HandleFunc("/direct", h.DeleteDirectPermission).Methods("DELETE")

	router.HandleFunc("/group-grants", h.CreateGroupPermission).Methods("POST")
	router.HandleFunc("/group-grants", h.GetGroupPermission).Methods("GET")
	router.HandleFunc("/group-grants", h.UpdateGroupPermission).Methods("PATCH")
	router.HandleFunc("/group-grants", h.DeleteGroupPermission).Methods("DELETE")

	router.HandleFunc("/regex", h.CreateRegexPermission).Methods("POST")
	router.HandleFunc("/regex", h.ListRegexPermissions).Methods("GET")
	router.HandleFunc("/regex/{id}", h.UpdateRegexPermission).Methods("PATCH")
	router.HandleFunc("/regex/{id}", h.DeleteRegexPermission).Methods("DELETE")

	// Introspection.
	router.HandleFunc("/effective", h.GetEffectivePermission).Methods("GET")
}

// requireAdmin allows only admin principals through.
func (h *Handlers) requireAdmin(w http.ResponseWriter, r *http.Request) *auth.Principal {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil
	}
	if !principal.IsAdmin {
		httputil.WriteForbidden(w, "permission denied")
		return nil
	}
	return principal
}

// requireManage allows admins and principals holding MANAGE on the resource.
func (h *Handlers) requireManage(w http.ResponseWriter, r *http.Request, resourceType ResourceType, resourceKey string) *auth.Principal {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil
	}
	if principal.IsAdmin {
		return principal
	}
	result, err := h.resolver.EffectivePermission(r.Context(), resourceType, resourceKey, principal.Username)
	if err != nil {
		h.writeStoreError(w, err)
		return nil
	}
	if !result.Level.CanManage() {
		httputil.WriteForbidden(w, "permission denied")
		return nil
	}
	return principal
}

// writeStoreError maps store and validation errors onto HTTP statuses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidPermission):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFoundError(w, "not found")
	case errors.Is(err, ErrAlreadyExists):
		httputil.WriteConflict(w, "already exists")
	case errors.Is(err, ErrStoreUnavailable):
		httputil.WriteServiceUnavailable(w, "permission store unavailable")
	default:
		httputil.WriteInternalError(w, err)
	}
}

func (h *Handlers) logChange(r *http.Request, eventType audit.EventType, actor, resourceType, resourceKey string, detail map[string]any) {
	event := audit.NewChangeEvent(eventType, actor, resourceType, resourceKey)
	event.RequestID = r.Header.Get("X-Request-ID")
	for k, v := range detail {
		event.Metadata[k] = v
	}
	_ = h.auditLogger.Log(r.Context(), event)
}

// resourceArgs reads and validates the resource pair from query or body.
func resourceArgs(r *http.Request, body map[string]any) (ResourceType, string, bool) {
	get := func(name string) string {
		if v := r.URL.Query().Get(name); v != "" {
			return v
		}
		if body != nil {
			if s, ok := body[name].(string); ok {
				return s
			}
		}
		return ""
	}
	rt := ResourceType(get("resource_type"))
	key := get("resource_key")
	if !rt.Valid() || key == "" {
		return "", "", false
	}
	return rt, key, true
}

func decodeBody(r *http.Request) map[string]any {
	if r.Body == nil {
		return nil
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil
	}
	return body
}

// CreateUser creates a user or service account.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	principal := h.requireAdmin(w, r)
	if principal == nil {
		return
	}

	var req struct {
		Username         string     `json:"username"`
		DisplayName      string     `json:"display_name"`
		Password         string     `json:"password"`
		IsAdmin          bool       `json:"is_admin"`
		IsServiceAccount bool       `json:"is_service_account"`
		CredentialExpiry *time.Time `json:"credential_expiry,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "username and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	user := &User{
		Username:         req.Username,
		DisplayName:      req.DisplayName,
		PasswordHash:     hash,
		IsAdmin:          req.IsAdmin,
		IsServiceAccount: req.IsServiceAccount,
		IsActive:         true,
		CredentialExpiry: req.CredentialExpiry,
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.logChange(r, audit.EventTypeUserCreate, principal.Username, "", req.Username, map[string]any{
		"is_admin":           req.IsAdmin,
		"is_service_account": req.IsServiceAccount,
	})
	httputil.WriteCreated(w, user)
}

// ListUsers lists all users.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]any{"users": users})
}

// GetUser returns one user. Non-admins may read themselves.
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	username := mux.Vars(r)["username"]
	if !principal.IsAdmin && principal.Username != username {
		httputil.WriteForbidden(w, "permission denied")
		return
	}
	user, err := h.store.GetUser(r.Context(), username)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// UpdateUser changes a user's password or admin flag. Password changes are
// allowed for the user themselves; the admin flag only for admins.
func (h *Handlers) UpdateUser(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	username := mux.Vars(r)["username"]

	var req struct {
		Password *string `json:"password,omitempty"`
		IsAdmin  *bool   `json:"is_admin,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Password == nil && req.IsAdmin == nil {
		httputil.WriteBadRequest(w, "nothing to update")
		return
	}
	if req.IsAdmin != nil && !principal.IsAdmin {
		httputil.WriteForbidden(w, "permission denied")
		return
	}
	if req.Password != nil && !principal.IsAdmin && principal.Username != username {
		httputil.WriteForbidden(w, "permission denied")
		return
	}

	ctx := r.Context()
	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		if err := h.store.UpdateUserPassword(ctx, username, hash); err != nil {
			h.writeStoreError(w, err)
			return
		}
	}
	if req.IsAdmin != nil {
		if err := h.store.UpdateUserAdmin(ctx, username, *req.IsAdmin); err != nil {
			h.writeStoreError(w, err)
			return
		}
	}

	h.logChange(r, audit.EventTypeUserUpdate, principal.Username, "", username, nil)
	httputil.WriteNoContent(w)
}

// DeleteUser removes a user.
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	principal := h.requireAdmin(w, r)
	if principal == nil {
		return
	}
	username := mux.Vars(r)["username"]
	if username == principal.Username {
		httputil.WriteBadRequest(w, "cannot delete the authenticated user")
		return
	}
	if err := h.store.DeleteUser(r.Context(), username); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateMembership(username)
	h.resolver.InvalidateAllDecisions(r.Context())
	h.logChange(r, audit.EventTypeUserDelete, principal.Username, "", username, nil)
	httputil.WriteNoContent(w)
}

// CreateGroup creates a group.
func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	principal := h.requireAdmin(w, r)
	if principal == nil {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	group := &Group{Name: req.Name}
	if err := h.store.CreateGroup(r.Context(), group); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logChange(r, audit.EventTypeGroupCreate, principal.Username, "", req.Name, nil)
	httputil.WriteCreated(w, group)
}

// GetGroup returns a group and its members.
func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	name := mux.Vars(r)["name"]
	group, err := h.store.GetGroup(r.Context(), name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	members, err := h.store.ListGroupMembers(r.Context(), name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]any{"group": group, "members": members})
}

// DeleteGroup removes a group, its memberships, and its grants.
func (h *Handlers) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	principal := h.requireAdmin(w, r)
	if principal == nil {
		return
	}
	name := mux.Vars(r)["name"]
	members, err := h.store.ListGroupMembers(r.Context(), name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		h.writeStoreError(w, err)
		return
	}
	if err := h.store.DeleteGroup(r.Context(), name); err != nil {
		h.writeStoreError(w, err)
		return
	}
	for _, member := range members {
		h.resolver.InvalidateMembership(member)
	}
	h.resolver.InvalidateAllDecisions(r.Context())
	h.logChange(r, audit.EventTypeGroupDelete, principal.Username, "", name, nil)
	httputil.WriteNoContent(w)
}

// AddGroupMember adds a user to a group.
func (h *Handlers) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	principal := h.requireAdmin(w, r)
	if principal == nil {
		return
	}
	name := mux.Vars(r)["name"]
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		httputil.WriteBadRequest(w, "username is required")
		return
	}
	if err := h.store.AddGroupMember(r.Context(), name, req.Username); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateMembership(req.Username)
	h.resolver.InvalidateAllDecisions(r.Context())
	h.logChange(r, audit.EventTypeGroupMemberAdd, principal.Username, "", name, map[string]any{"member": req.Username})
	httputil.WriteNoContent(w)
}

// ListGroupMembers lists a group's members.
func (h *Handlers) ListGroupMembers(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	members, err := h.store.ListGroupMembers(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]any{"members": members})
}

// RemoveGroupMember removes a user from a group.
func (h *Handlers) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	principal := h.requireAdmin(w, r)
	if principal == nil {
		return
	}
	vars := mux.Vars(r)
	if err := h.store.RemoveGroupMember(r.Context(), vars["name"], vars["username"]); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateMembership(vars["username"])
	h.resolver.InvalidateAllDecisions(r.Context())
	h.logChange(r, audit.EventTypeGroupMemberRemove, principal.Username, "", vars["name"], map[string]any{"member": vars["username"]})
	httputil.WriteNoContent(w)
}

// CreateDirectPermission grants a user a level on a resource.
func (h *Handlers) CreateDirectPermission(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	rt, key, ok := resourceArgs(r, body)
	if !ok {
		httputil.WriteBadRequest(w, "resource_type and resource_key are required")
		return
	}
	principal := h.requireManage(w, r, rt, key)
	if principal == nil {
		return
	}
	username, _ := body["username"].(string)
	levelName, _ := body["level"].(string)
	if username == "" {
		httputil.WriteBadRequest(w, "username is required")
		return
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	p := &DirectPermission{ResourceType: rt, ResourceKey: key, Username: username, Level: level}
	if err := h.store.CreateDirectPermission(r.Context(), p); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateDecisions(r.Context(), rt, key)
	h.logChange(r, audit.EventTypePermissionGrant, principal.Username, string(rt), key, map[string]any{
		"username": username,
		"level":    level.String(),
	})
	httputil.WriteCreated(w, p)
}

// GetDirectPermission returns one direct grant.
func (h *Handlers) GetDirectPermission(w http.ResponseWriter, r *http.Request) {
	rt, key, ok := resourceArgs(r, nil)
	if !ok {
		httputil.WriteBadRequest(w, "resource_type and resource_key are required")
		return
	}
	if h.requireManage(w, r, rt, key) == nil {
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		httputil.WriteBadRequest(w, "username is required")
		return
	}
	p, err := h.store.GetDirectPermission(r.Context(), rt, key, username)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// UpdateDirectPermission changes the level of a direct grant.
func (h *Handlers) UpdateDirectPermission(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	rt, key, ok := resourceArgs(r, body)
	if !ok {
		httputil.WriteBadRequest(w, "resource_type and resource_key are required")
		return
	}
	principal := h.requireManage(w, r, rt, key)
	if principal == nil {
		return
	}
	username, _ := body["username"].(string)
	levelName, _ := body["level"].(string)
	if username == "" {
		httputil.WriteBadRequest(w, "username is required")
		return
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if err := h.store.UpdateDirectPermission(r.Context(), rt, key, username, level); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateDecisions(r.Context(), rt, key)
	h.logChange(r, audit.EventTypePermissionUpdate, principal.Username, string(rt), key, map[string]any{
		"username": username,
		"level":    level.String(),
	})
	httputil.WriteNoContent(w)
}

// DeleteDirectPermission revokes a direct grant.
func (h *Handlers) DeleteDirectPermission(w http.ResponseWriter, r *http.Request) {
	rt, key, ok := resourceArgs(r, nil)
	if !ok {
		httputil.WriteBadRequest(w, "resource_type and resource_key are required")
		return
	}
	principal := h.requireManage(w, r, rt, key)
	if principal == nil {
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		httputil.WriteBadRequest(w, "username is required")
		return
	}
	if err := h.store.DeleteDirectPermission(r.Context(), rt, key, username); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateDecisions(r.Context(), rt, key)
	h.logChange(r, audit.EventTypePermissionRevoke, principal.Username, string(rt), key, map[string]any{"username": username})
	httputil.WriteNoContent(w)
}

// CreateGroupPermission grants a group a level on a resource.
func (h *Handlers) CreateGroupPermission(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	rt, key, ok := resourceArgs(r, body)
	if !ok {
		httputil.WriteBadRequest(w, "resource_type and resource_key are required")
		return
	}
	principal := h.requireManage(w, r, rt, key)
	if principal == nil {
		return
	}
	groupName, _ := body["group_name"].(string)
	levelName, _ := body["level"].(string)
	if groupName == "" {
		httputil.WriteBadRequest(w, "group_name is required")
		return
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	p := &GroupPermission{ResourceType: rt, ResourceKey: key, GroupName: groupName, Level: level}
	if err := h.store.CreateGroupPermission(r.Context(), p); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateDecisions(r.Context(), rt, key)
	h.logChange(r, audit.EventTypePermissionGrant, principal.Username, string(rt), key, map[string]any{
		"group_name": groupName,
		"level":      level.String(),
	})
	httputil.WriteCreated(w, p)
}

// GetGroupPermission returns one group grant.
func (h *Handlers) GetGroupPermission(w http.ResponseWriter, r *http.Request) {
	rt, key, ok := resourceArgs(r, nil)
	if !ok {
		httputil.WriteBadRequest(w, "resource_type and resource_key are required")
		return
	}
	if h.requireManage(w, r, rt, key) == nil {
		return
	}
	groupName := r.URL.Query().Get("group_name")
	if groupName == "" {
		httputil.WriteBadRequest(w, "group_name is required")
		return
	}
	p, err := h.store.GetGroupPermission(r.Context(), rt, key, groupName)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// UpdateGroupPermission changes the level of a group grant.
func (h *Handlers) UpdateGroupPermission(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	rt, key, ok := resourceArgs(r, body)
	if !ok {
		httputil.WriteBadRequest(w, "resource_type and resource_key are required")
		return
	}
	principal := h.requireManage(w, r, rt, key)
	if principal == nil {
		return
	}
	groupName, _ := body["group_name"].(string)
	levelName, _ := body["level"].(string)
	if groupName == "" {
		httputil.WriteBadRequest(w, "group_name is required")
		return
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if err := h.store.UpdateGroupPermission(r.Context(), rt, key, groupName, level); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateDecisions(r.Context(), rt, key)
	h.logChange(r, audit.EventTypePermissionUpdate, principal.Username, string(rt), key, map[string]any{
		"group_name": groupName,
		"level":      level.String(),
	})
	httputil.WriteNoContent(w)
}

// DeleteGroupPermission revokes a group grant.
func (h *Handlers) DeleteGroupPermission(w http.ResponseWriter, r *http.Request) {
	rt, key, ok := resourceArgs(r, nil)
	if !ok {
		httputil.WriteBadRequest(w, "resource_type and resource_key are required")
		return
	}
	principal := h.requireManage(w, r, rt, key)
	if principal == nil {
		return
	}
	groupName := r.URL.Query().Get("group_name")
	if groupName == "" {
		httputil.WriteBadRequest(w, "group_name is required")
		return
	}
	if err := h.store.DeleteGroupPermission(r.Context(), rt, key, groupName); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateDecisions(r.Context(), rt, key)
	h.logChange(r, audit.EventTypePermissionRevoke, principal.Username, string(rt), key, map[string]any{"group_name": groupName})
	httputil.WriteNoContent(w)
}

// CreateRegexPermission creates a pattern rule. Admin only: a pattern can
// cover resources its creator does not manage.
func (h *Handlers) CreateRegexPermission(w http.ResponseWriter, r *http.Request) {
	principal := h.requireAdmin(w, r)
	if principal == nil {
		return
	}
	var req struct {
		ResourceType string `json:"resource_type"`
		OwnerType    string `json:"owner_type"`
		Owner        string `json:"owner"`
		Pattern      string `json:"pattern"`
		Priority     *int   `json:"priority,omitempty"`
		Level        string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	rt := ResourceType(req.ResourceType)
	ot := OwnerType(req.OwnerType)
	if !rt.Valid() || (ot != OwnerUser && ot != OwnerGroup) || req.Owner == "" || req.Pattern == "" {
		httputil.WriteBadRequest(w, "resource_type, owner_type, owner, and pattern are required")
		return
	}
	level, err := ParseLevel(req.Level)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	p := &RegexPermission{
		ResourceType: rt,
		OwnerType:    ot,
		Owner:        req.Owner,
		Pattern:      req.Pattern,
		Priority:     100,
		Level:        level,
	}
	if req.Priority != nil {
		p.Priority = *req.Priority
	}
	if err := h.store.CreateRegexPermission(r.Context(), p); err != nil {
		h.writeStoreError(w, err)
		return
	}
	// A pattern can match any key, so no single resource can be named.
	h.resolver.InvalidateAllDecisions(r.Context())
	h.logChange(r, audit.EventTypePermissionGrant, principal.Username, string(rt), req.Pattern, map[string]any{
		"owner_type": string(ot),
		"owner":      req.Owner,
		"priority":   p.Priority,
		"level":      level.String(),
	})
	httputil.WriteCreated(w, p)
}

// ListRegexPermissions lists an owner's pattern rules for a resource type.
func (h *Handlers) ListRegexPermissions(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	rt := ResourceType(r.URL.Query().Get("resource_type"))
	ot := OwnerType(r.URL.Query().Get("owner_type"))
	owner := r.URL.Query().Get("owner")
	if !rt.Valid() || (ot != OwnerUser && ot != OwnerGroup) || owner == "" {
		httputil.WriteBadRequest(w, "resource_type, owner_type, and owner are required")
		return
	}
	rules, err := h.store.ListRegexRules(r.Context(), rt, ot, owner)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]any{"rules": rules})
}

// UpdateRegexPermission changes a pattern rule.
func (h *Handlers) UpdateRegexPermission(w http.ResponseWriter, r *http.Request) {
	principal := h.requireAdmin(w, r)
	if principal == nil {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid rule id")
		return
	}
	var req struct {
		Pattern  string `json:"pattern"`
		Priority int    `json:"priority"`
		Level    string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pattern == "" {
		httputil.WriteBadRequest(w, "pattern, priority, and level are required")
		return
	}
	level, err := ParseLevel(req.Level)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if err := h.store.UpdateRegexPermission(r.Context(), id, req.Pattern, req.Priority, level); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateAllDecisions(r.Context())
	h.logChange(r, audit.EventTypePermissionUpdate, principal.Username, "", req.Pattern, map[string]any{
		"rule_id":  id,
		"priority": req.Priority,
		"level":    level.String(),
	})
	httputil.WriteNoContent(w)
}

// DeleteRegexPermission removes a pattern rule.
func (h *Handlers) DeleteRegexPermission(w http.ResponseWriter, r *http.Request) {
	principal := h.requireAdmin(w, r)
	if principal == nil {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid rule id")
		return
	}
	if err := h.store.DeleteRegexPermission(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.resolver.InvalidateAllDecisions(r.Context())
	h.logChange(r, audit.EventTypePermissionRevoke, principal.Username, "", strconv.FormatInt(id, 10), nil)
	httputil.WriteNoContent(w)
}

// GetEffectivePermission resolves a user's effective level on a resource.
// Admins may ask about anyone; everyone else only about themselves.
func (h *Handlers) GetEffectivePermission(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	rt, key, ok := resourceArgs(r, nil)
	if !ok {
		httputil.WriteBadRequest(w, "resource_type and resource_key are required")
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = principal.Username
	}
	if !principal.IsAdmin && username != principal.Username {
		httputil.WriteForbidden(w, "permission denied")
		return
	}
	result, err := h.resolver.EffectivePermission(r.Context(), rt, key, username)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]any{
		"resource_type": rt,
		"resource_key":  key,
		"username":      username,
		"level":         result.Level.String(),
		"source":        result.Source,
	})
}
