package httpapi

import (
	"net/http"
	"strings"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/auth"
)

type grantRequest struct {
	SubjectID  string `json:"subject_id"`
	Permission string `json:"permission"`
}

type objectGrantsRequest struct {
	ObjectIDs   []string `json:"object_ids"`
	ObjectType  string   `json:"object_type"`
	SubjectIDs  []string `json:"subject_ids"`
	Permissions []string `json:"permissions"`
}

// handleGrants manages global permission grants.
func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), auth.PermissionManagePermissions); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.Permission = strings.TrimSpace(req.Permission)
	if req.SubjectID == "" || req.Permission == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id and permission are required")
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())

	switch r.Method {
	case http.MethodPost:
		err := a.admin.GrantPermission(r.Context(), auth.PermissionGrant{
			SubjectID:  req.SubjectID,
			Permission: req.Permission,
			GrantedBy:  principal.UserID,
		}, principal.SessionID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "permissions.grant", map[string]any{
			"subject_id": req.SubjectID,
			"permission": req.Permission,
		})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := a.admin.RevokePermission(r.Context(), req.SubjectID, req.Permission, principal.SessionID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "permissions.revoke", map[string]any{
			"subject_id": req.SubjectID,
			"permission": req.Permission,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

// handleObjectGrants manages object-scoped grants. PUT replaces, POST
// adds, DELETE removes; every mutation fans out to live sessions.
func (a *API) handleObjectGrants(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), auth.PermissionManagePermissions); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req objectGrantsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.ObjectType = strings.TrimSpace(req.ObjectType)
	if req.ObjectType == "" || len(req.ObjectIDs) == 0 || len(req.SubjectIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "object_type, object_ids and subject_ids are required")
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())

	var (
		err   error
		event string
	)
	switch r.Method {
	case http.MethodPut:
		err = a.admin.SetObjectPermissions(r.Context(), req.ObjectIDs, req.ObjectType,
			req.SubjectIDs, req.Permissions, principal.UserID, principal.SessionID)
		event = "permissions.objects.set"
	case http.MethodPost:
		if len(req.Permissions) == 0 {
			writeError(w, r, http.StatusBadRequest, "permissions are required")
			return
		}
		err = a.admin.AddObjectPermissions(r.Context(), req.ObjectIDs, req.ObjectType,
			req.SubjectIDs, req.Permissions, principal.UserID, principal.SessionID)
		event = "permissions.objects.add"
	case http.MethodDelete:
		err = a.admin.DeleteObjectPermissions(r.Context(), req.ObjectIDs, req.ObjectType,
			req.SubjectIDs, principal.SessionID)
		event = "permissions.objects.delete"
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodPost, http.MethodDelete)
		return
	}
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"object_type": req.ObjectType,
		"object_ids":  req.ObjectIDs,
		"subject_ids": req.SubjectIDs,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleUserResource serves DELETE /v1/users/{id}.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	path = strings.Trim(path, "/")
	if path == "" || strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermissionManageUsers); err != nil {
		handleAuthError(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.admin.DeleteUser(r.Context(), path, principal.SessionID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.delete", map[string]any{
		"user_id": path,
	})
	w.WriteHeader(http.StatusNoContent)
}
