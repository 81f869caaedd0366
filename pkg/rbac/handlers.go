package rbac

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/givebridge/accessd/pkg/audit"
	"github.com/givebridge/accessd/pkg/contextkeys"
	"github.com/givebridge/accessd/pkg/httputil"
	"github.com/givebridge/accessd/pkg/observability"
)

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	admin    *AdminService
	resolver *Resolver
}

// NewHandlers creates new RBAC handlers
func NewHandlers(admin *AdminService, resolver *Resolver) *Handlers {
	return &Handlers{admin: admin, resolver: resolver}
}

// RegisterRoutes registers all RBAC routes. /rbac/check answers for the caller
// only; everything else requires AdminPermission.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/rbac/check", h.Check).Methods(http.MethodPost)

	admin := router.PathPrefix("/rbac").Subrouter()
	admin.Use(RequirePermission(h.resolver, AdminPermission))

	// Roles
	admin.HandleFunc("/roles", h.CreateRole).Methods(http.MethodPost)
	admin.HandleFunc("/roles", h.ListRoles).Methods(http.MethodGet)
	admin.HandleFunc("/roles/{id}", h.GetRole).Methods(http.MethodGet)
	admin.HandleFunc("/roles/{id}", h.UpdateRole).Methods(http.MethodPut)
	admin.HandleFunc("/roles/{id}", h.DeleteRole).Methods(http.MethodDelete)

	// Role grants
	admin.HandleFunc("/roles/{id}/permissions", h.GetRolePermissions).Methods(http.MethodGet)
	admin.HandleFunc("/roles/{id}/permissions/{permission_id}", h.AssignPermissionToRole).Methods(http.MethodPut)
	admin.HandleFunc("/roles/{id}/permissions/{permission_id}", h.RemovePermissionFromRole).Methods(http.MethodDelete)

	// Permissions
	admin.HandleFunc("/permissions", h.CreatePermission).Methods(http.MethodPost)
	admin.HandleFunc("/permissions", h.ListPermissions).Methods(http.MethodGet)
	admin.HandleFunc("/permissions/{id}", h.UpdatePermission).Methods(http.MethodPut)
	admin.HandleFunc("/permissions/{id}", h.DeletePermission).Methods(http.MethodDelete)

	// Modules
	admin.HandleFunc("/modules", h.CreateModule).Methods(http.MethodPost)
	admin.HandleFunc("/modules", h.ListModules).Methods(http.MethodGet)
	admin.HandleFunc("/modules/{id}", h.UpdateModule).Methods(http.MethodPut)
	admin.HandleFunc("/modules/{id}", h.DeleteModule).Methods(http.MethodDelete)

	// User assignments
	admin.HandleFunc("/users/{user}/roles", h.AssignRoleToUser).Methods(http.MethodPost)
	admin.HandleFunc("/users/{user}/roles", h.ListUserAssignments).Methods(http.MethodGet)
	admin.HandleFunc("/users/{user}/roles/{role_id}", h.RevokeRoleFromUser).Methods(http.MethodDelete)
	admin.HandleFunc("/users/{user}/permissions", h.GetUserPermissions).Methods(http.MethodGet)
}

// writeError maps error kinds onto HTTP statuses. Store failures are logged
// and reported without their cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	switch kind {
	case KindNotFound:
		httputil.WriteErrorCode(w, http.StatusNotFound, string(kind), err.Error())
	case KindDuplicateName:
		httputil.WriteErrorCode(w, http.StatusConflict, string(kind), err.Error())
	case KindProtectedEntity:
		httputil.WriteErrorCode(w, http.StatusForbidden, string(kind), err.Error())
	case KindValidation:
		httputil.WriteErrorCode(w, http.StatusBadRequest, string(kind), err.Error())
	case KindStoreUnavailable:
		observability.FromContext(r.Context()).WithError(err).Error("RBAC store unavailable")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, string(kind), "authorization store unavailable")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("RBAC request failed")
		httputil.WriteInternalError(w)
	}
}

func actor(r *http.Request) string {
	return contextkeys.GetUserID(r.Context())
}

// CreateRole handles POST /rbac/roles
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var in RoleInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	role, err := h.admin.CreateRole(r.Context(), actor(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, role)
}

// ListRoles handles GET /rbac/roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListRoles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, roles)
}

// GetRole handles GET /rbac/roles/{id}
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	role, err := h.admin.GetRole(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// UpdateRole handles PUT /rbac/roles/{id}
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var in RoleInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	role, err := h.admin.UpdateRole(r.Context(), actor(r), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// DeleteRole handles DELETE /rbac/roles/{id}
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.admin.DeleteRole(r.Context(), actor(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetRolePermissions handles GET /rbac/roles/{id}/permissions
func (h *Handlers) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	perms, err := h.admin.GetRolePermissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, perms)
}

type grantResponse struct {
	RoleID       uuid.UUID `json:"role_id"`
	PermissionID uuid.UUID `json:"permission_id"`
	Changed      bool      `json:"changed"`
}

func parseGrantPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	permID, ok := httputil.ParsePathUUIDOrError(w, r, "permission_id")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return roleID, permID, true
}

// AssignPermissionToRole handles PUT /rbac/roles/{id}/permissions/{permission_id}
func (h *Handlers) AssignPermissionToRole(w http.ResponseWriter, r *http.Request) {
	roleID, permID, ok := parseGrantPath(w, r)
	if !ok {
		return
	}
	added, err := h.admin.AssignPermissionToRole(r.Context(), actor(r), roleID, permID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, grantResponse{RoleID: roleID, PermissionID: permID, Changed: added})
}

// RemovePermissionFromRole handles DELETE /rbac/roles/{id}/permissions/{permission_id}
func (h *Handlers) RemovePermissionFromRole(w http.ResponseWriter, r *http.Request) {
	roleID, permID, ok := parseGrantPath(w, r)
	if !ok {
		return
	}
	removed, err := h.admin.RemovePermissionFromRole(r.Context(), actor(r), roleID, permID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, grantResponse{RoleID: roleID, PermissionID: permID, Changed: removed})
}

// CreatePermission handles POST /rbac/permissions
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var in PermissionInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	perm, err := h.admin.CreatePermission(r.Context(), actor(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, perm)
}

// ListPermissions handles GET /rbac/permissions. With grouped=true the
// permissions are grouped by module.
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	grouped, err := httputil.ParseQueryBool(r, "grouped", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if grouped {
		groups, err := h.admin.ListPermissionsByModule(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		_ = httputil.WriteSuccess(w, groups)
		return
	}
	perms, err := h.admin.ListPermissions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, perms)
}

// UpdatePermission handles PUT /rbac/permissions/{id}
func (h *Handlers) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var in PermissionInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	perm, err := h.admin.UpdatePermission(r.Context(), actor(r), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, perm)
}

// DeletePermission handles DELETE /rbac/permissions/{id}
func (h *Handlers) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.admin.DeletePermission(r.Context(), actor(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateModule handles POST /rbac/modules
func (h *Handlers) CreateModule(w http.ResponseWriter, r *http.Request) {
	var in ModuleInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	m, err := h.admin.CreateModule(r.Context(), actor(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, m)
}

// ListModules handles GET /rbac/modules
func (h *Handlers) ListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := h.admin.ListModules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, modules)
}

// UpdateModule handles PUT /rbac/modules/{id}
func (h *Handlers) UpdateModule(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var in ModuleInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	m, err := h.admin.UpdateModule(r.Context(), actor(r), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, m)
}

// DeleteModule handles DELETE /rbac/modules/{id}
func (h *Handlers) DeleteModule(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.admin.DeleteModule(r.Context(), actor(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type assignRoleRequest struct {
	RoleID    uuid.UUID  `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type assignRoleResponse struct {
	Assignment *UserRole     `json:"assignment"`
	Outcome    AssignOutcome `json:"outcome"`
}

// AssignRoleToUser handles POST /rbac/users/{user}/roles
func (h *Handlers) AssignRoleToUser(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathString(r, "user")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	var req assignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ur, outcome, err := h.admin.AssignRoleToUser(r.Context(), AssignRoleInput{
		UserID:     userID,
		RoleID:     req.RoleID,
		AssignedBy: actor(r),
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if outcome == AssignCreated {
		status = http.StatusCreated
	}
	_ = httputil.WriteJSON(w, status, assignRoleResponse{Assignment: ur, Outcome: outcome})
}

// ListUserAssignments handles GET /rbac/users/{user}/roles
func (h *Handlers) ListUserAssignments(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathString(r, "user")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	assignments, err := h.admin.ListUserAssignments(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, assignments)
}

// RevokeRoleFromUser handles DELETE /rbac/users/{user}/roles/{role_id}
func (h *Handlers) RevokeRoleFromUser(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathString(r, "user")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "role_id")
	if !ok {
		return
	}
	if err := h.admin.RevokeRoleFromUser(r.Context(), actor(r), userID, roleID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type effectiveResponse struct {
	UserID      string       `json:"user_id"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
}

// GetUserPermissions handles GET /rbac/users/{user}/permissions
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathString(r, "user")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	roles, err := h.resolver.GetEffectiveRoles(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	perms, err := h.resolver.GetEffectivePermissions(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, effectiveResponse{UserID: userID, Roles: roles, Permissions: perms.List()})
}

// CheckRequest asks whether the caller holds permissions. Mode "any" is
// satisfied by one of Permissions, anything else requires all of them. A
// Resource and Action pair is checked in addition when set.
type CheckRequest struct {
	Permissions []string `json:"permissions"`
	Mode        string   `json:"mode,omitempty"`
	Resource    string   `json:"resource,omitempty"`
	Action      string   `json:"action,omitempty"`
}

// CheckResponse is the answer to a CheckRequest
type CheckResponse struct {
	UserID  string `json:"user_id"`
	Allowed bool   `json:"allowed"`
}

// Check handles POST /rbac/check for the calling user. Anonymous callers are
// answered too; they hold nothing.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if (req.Resource == "") != (req.Action == "") {
		httputil.WriteErrorCode(w, http.StatusBadRequest, string(KindValidation), "resource and action must be given together")
		return
	}
	if len(req.Permissions) == 0 && req.Resource == "" {
		httputil.WriteErrorCode(w, http.StatusBadRequest, string(KindValidation), "nothing to check")
		return
	}

	ctx := r.Context()
	userID := actor(r)
	allowed := true
	if len(req.Permissions) > 0 {
		if req.Mode == "any" {
			allowed = h.resolver.HasAnyPermission(ctx, userID, req.Permissions...)
		} else {
			allowed = h.resolver.HasAllPermissions(ctx, userID, req.Permissions...)
		}
	}
	if allowed && req.Resource != "" {
		allowed = h.resolver.CanPerformAction(ctx, userID, req.Resource, req.Action)
	}
	_ = httputil.WriteSuccess(w, CheckResponse{UserID: userID, Allowed: allowed})
}

// AuditRoutes mounts the audit log handlers behind AdminPermission
func (h *Handlers) AuditRoutes(router *mux.Router, reader audit.Reader) {
	sub := router.NewRoute().Subrouter()
	sub.Use(RequirePermission(h.resolver, AdminPermission))
	audit.NewHandlers(reader).RegisterRoutes(sub)
}
