package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"vitaview/core"
	"vitaview/rbac"

	"github.com/gorilla/mux"
)

// PermissionOption refines the access request built by RequirePermission
type PermissionOption func(r *http.Request, req *core.Request, ar *rbac.AccessRequest)

// OwnerFromRoute takes the resource owner from a route variable
func OwnerFromRoute(name string) PermissionOption {
	return func(r *http.Request, _ *core.Request, ar *rbac.AccessRequest) {
		if v := mux.Vars(r)[name]; v != "" {
			ar.ResourceOwnerID = v
		}
	}
}

// WithSensitivity declares the data sensitivity of the protected resource
func WithSensitivity(s rbac.Sensitivity) PermissionOption {
	return func(_ *http.Request, _ *core.Request, ar *rbac.AccessRequest) {
		ar.Sensitivity = s
	}
}

// targetRoleFromBody resolves the hierarchy of the role named in the JSON
// body field, for role assignment checks
func (a *API) targetRoleFromBody(field string) PermissionOption {
	return func(_ *http.Request, req *core.Request, ar *rbac.AccessRequest) {
		if roleID, ok := bodyString(req, field); ok {
			if role, found := a.rbac.Role(roleID); found {
				ar.TargetRoleHierarchy = role.Hierarchy
			}
		}
	}
}

// targetRoleFromRoute resolves the hierarchy of the role named in a route variable
func (a *API) targetRoleFromRoute(name string) PermissionOption {
	return func(r *http.Request, _ *core.Request, ar *rbac.AccessRequest) {
		if role, found := a.rbac.Role(mux.Vars(r)[name]); found {
			ar.TargetRoleHierarchy = role.Hierarchy
		}
	}
}

// RequirePermission admits the request only when the principal holds
// resource:action. Legacy roles carried by the principal are mapped and
// assigned on first use.
func (a *API) RequirePermission(resource, action string, opts ...PermissionOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, ok := RequestFrom(r.Context())
			if !ok || req.Principal == nil || req.Principal.ID == "" {
				a.writeSecurityError(w, http.StatusUnauthorized, securityResponse{
					Error: "Authentication required",
					Code:  core.CodeAuthRequired,
				})
				return
			}
			principal := req.Principal

			if principal.Role != "" {
				if _, _, err := a.rbac.EnsureLegacyRole(r.Context(), principal.ID, principal.Role); err != nil {
					a.logger.Errorw("Failed to map legacy role",
						"user_id", principal.ID,
						"role", principal.Role,
						"request_id", req.ID,
						"error", err)
					a.writeSecurityError(w, http.StatusInternalServerError, securityResponse{
						Error: "Permission check failed",
						Code:  rbac.ReasonError,
					})
					return
				}
			}

			ar := rbac.AccessRequest{
				UserID:             principal.ID,
				Resource:           resource,
				Action:             action,
				ResourceID:         routeResourceID(r),
				ResourceOwnerID:    resourceOwner(r, req, resource),
				ResourceDepartment: req.Query.Get("department"),
				UserDepartment:     principal.Department,
				IP:                 req.IP,
				SessionStart:       principal.SessionStart,
				Request:            req,
			}
			for _, opt := range opts {
				opt(r, req, &ar)
			}

			decision := a.rbac.CheckPermission(r.Context(), ar)
			if !decision.Allowed {
				a.writeSecurityError(w, http.StatusForbidden, securityResponse{
					Error:     "Access denied",
					Code:      core.CodeAccessDenied,
					Reason:    decision.Reason,
					Reference: core.NewReference("RBAC"),
				})
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyDecision, decision)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// routeResourceID picks the first id-like route variable
func routeResourceID(r *http.Request) string {
	vars := mux.Vars(r)
	for _, name := range []string{"id", "examId", "userId", "ruleId"} {
		if v := vars[name]; v != "" {
			return v
		}
	}
	return ""
}

// resourceOwner resolves the owning user: the userId query parameter, then
// the userId body field, then the route id for user resources
func resourceOwner(r *http.Request, req *core.Request, resource string) string {
	if v := strings.TrimSpace(req.Query.Get("userId")); v != "" {
		return v
	}
	if v, ok := bodyString(req, "userId"); ok {
		return v
	}
	if resource == "user" {
		vars := mux.Vars(r)
		if v := vars["userId"]; v != "" {
			return v
		}
		return vars["id"]
	}
	return ""
}

// bodyString reads a top-level string field from the captured JSON body
func bodyString(req *core.Request, field string) (string, bool) {
	if len(req.Body) == 0 {
		return "", false
	}
	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(req.Body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return "", false
	}
	switch v := doc[field].(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	}
	return "", false
}
