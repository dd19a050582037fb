package api

import (
	"errors"
	"net/http"
	"time"

	"vitaview/rbac"
	"vitaview/waf"

	"github.com/gorilla/mux"
)

const maxStatisticsWindow = 7 * 24 * time.Hour

type toggleRuleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type addressRequest struct {
	IP string `json:"ip" validate:"required,ip|cidr"`
}

type assignRoleRequest struct {
	RoleID       string     `json:"roleId" validate:"required,max=64"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Department   string     `json:"department,omitempty" validate:"max=128"`
	Organization string     `json:"organization,omitempty" validate:"max=128"`
}

type blockRequest struct {
	IP       string `json:"ip,omitempty" validate:"required_without=UserID,omitempty,ip"`
	UserID   string `json:"userId,omitempty" validate:"required_without=IP,omitempty,max=128"`
	Duration string `json:"duration,omitempty"`
	Reason   string `json:"reason" validate:"required,max=256"`
}

// securityStatistics is the combined payload of GET /api/security/statistics
type securityStatistics struct {
	Window string      `json:"window"`
	IDS    interface{} `json:"ids"`
	WAF    interface{} `json:"waf"`
}

func (a *API) setupManagementRoutes() {
	manage := func(path string, h http.HandlerFunc, resource, action string, opts ...PermissionOption) *mux.Route {
		guarded := a.RequirePermission(resource, action, opts...)(h)
		return a.router.Handle(path, a.secured(a.throttle(guarded), false))
	}

	manage("/api/security/statistics", a.getSecurityStatistics, "security", "read").Methods(http.MethodGet)
	manage("/api/security/block", a.blockTarget, "security", "update").Methods(http.MethodPost)
	manage("/api/security/block/ip/{ip}", a.unblockIDSIP, "security", "update").Methods(http.MethodDelete)
	manage("/api/security/block/user/{userId}", a.unblockIDSUser, "security", "update").Methods(http.MethodDelete)

	manage("/api/waf/statistics", a.getWAFStatistics, "security", "read").Methods(http.MethodGet)
	manage("/api/waf/rules", a.getWAFRules, "security", "read").Methods(http.MethodGet)
	manage("/api/waf/rules/{ruleId}/toggle", a.toggleWAFRule, "security", "update").Methods(http.MethodPost)
	manage("/api/waf/whitelist", a.whitelistIP, "security", "update").Methods(http.MethodPost)
	manage("/api/waf/blacklist", a.blacklistIP, "security", "update").Methods(http.MethodPost)
	manage("/api/waf/blacklist/{ip}", a.unblockWAFIP, "security", "update").Methods(http.MethodDelete)
	manage("/api/waf/config", a.updateWAFConfig, "security", "update").Methods(http.MethodPut)

	manage("/api/rbac/roles", a.getRoles, "audit", "read").Methods(http.MethodGet)
	manage("/api/rbac/users/{userId}/roles", a.assignRole, "role", "assign",
		a.targetRoleFromBody("roleId")).Methods(http.MethodPost)
	manage("/api/rbac/users/{userId}/roles/{roleId}", a.revokeRole, "role", "assign",
		a.targetRoleFromRoute("roleId")).Methods(http.MethodDelete)
	manage("/api/rbac/users/{userId}/access-stats", a.getAccessStats, "audit", "read",
		OwnerFromRoute("userId")).Methods(http.MethodGet)
}

// actor is the principal id recorded on management changes
func actor(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return p.ID
	}
	return "unknown"
}

func (a *API) getSecurityStatistics(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > maxStatisticsWindow {
			writeError(w, http.StatusBadRequest, "window must be a positive duration up to 168h", err, a.logger)
			return
		}
		window = parsed
	}

	a.respondJSON(w, securityStatistics{
		Window: window.String(),
		IDS:    a.ids.Statistics(window),
		WAF:    a.firewall.Statistics(r.Context()),
	}, http.StatusOK)
}

func (a *API) blockTarget(w http.ResponseWriter, r *http.Request) {
	var body blockRequest
	if err := a.decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid block request", err, a.logger)
		return
	}
	var duration time.Duration
	if body.Duration != "" {
		d, err := time.ParseDuration(body.Duration)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "duration must be a positive Go duration", err, a.logger)
			return
		}
		duration = d
	}

	reason := body.Reason + " (by " + actor(r) + ")"
	if body.IP != "" {
		if err := a.ids.BlockIP(r.Context(), body.IP, duration, reason); err != nil {
			writeError(w, http.StatusBadRequest, "Failed to block IP", err, a.logger)
			return
		}
	}
	if body.UserID != "" {
		if err := a.ids.BlockUser(r.Context(), body.UserID, duration, reason); err != nil {
			writeError(w, http.StatusBadRequest, "Failed to block user", err, a.logger)
			return
		}
	}
	a.respondJSON(w, map[string]interface{}{"blocked": true}, http.StatusOK)
}

func (a *API) unblockIDSIP(w http.ResponseWriter, r *http.Request) {
	if !a.ids.UnblockIP(r.Context(), mux.Vars(r)["ip"]) {
		writeError(w, http.StatusNotFound, "IP is not blocked", nil, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) unblockIDSUser(w http.ResponseWriter, r *http.Request) {
	if !a.ids.UnblockUser(r.Context(), mux.Vars(r)["userId"]) {
		writeError(w, http.StatusNotFound, "User is not blocked", nil, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getWAFStatistics(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.firewall.Statistics(r.Context()), http.StatusOK)
}

func (a *API) getWAFRules(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.firewall.Rules(), http.StatusOK)
}

func (a *API) toggleWAFRule(w http.ResponseWriter, r *http.Request) {
	var body toggleRuleRequest
	if err := a.decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid toggle request", err, a.logger)
		return
	}
	ruleID := mux.Vars(r)["ruleId"]
	if err := a.firewall.ToggleRule(r.Context(), ruleID, *body.Enabled, actor(r)); err != nil {
		if errors.Is(err, waf.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to toggle rule", err, a.logger)
		return
	}
	a.respondJSON(w, map[string]interface{}{"rule_id": ruleID, "enabled": *body.Enabled}, http.StatusOK)
}

func (a *API) whitelistIP(w http.ResponseWriter, r *http.Request) {
	var body addressRequest
	if err := a.decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid IP address or CIDR", err, a.logger)
		return
	}
	if err := a.firewall.WhitelistIP(r.Context(), body.IP, actor(r)); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to whitelist address", err, a.logger)
		return
	}
	a.respondJSON(w, map[string]string{"whitelisted": body.IP}, http.StatusOK)
}

func (a *API) blacklistIP(w http.ResponseWriter, r *http.Request) {
	var body addressRequest
	if err := a.decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid IP address or CIDR", err, a.logger)
		return
	}
	if err := a.firewall.BlacklistIP(r.Context(), body.IP, actor(r)); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to blacklist address", err, a.logger)
		return
	}
	a.respondJSON(w, map[string]string{"blacklisted": body.IP}, http.StatusOK)
}

func (a *API) unblockWAFIP(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if err := a.firewall.UnblockIP(r.Context(), ip, actor(r)); err != nil {
		if errors.Is(err, waf.ErrInvalidAddress) {
			writeError(w, http.StatusBadRequest, "Invalid IP address", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to unblock address", err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) updateWAFConfig(w http.ResponseWriter, r *http.Request) {
	var body waf.ConfigUpdate
	if err := a.decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid config update", err, a.logger)
		return
	}
	if body.MaxRequestSize != nil && *body.MaxRequestSize <= 0 {
		writeError(w, http.StatusBadRequest, "max_request_size must be positive", nil, a.logger)
		return
	}
	if body.ExportLimit != nil && *body.ExportLimit <= 0 {
		writeError(w, http.StatusBadRequest, "export_limit must be positive", nil, a.logger)
		return
	}
	a.respondJSON(w, a.firewall.UpdateConfig(r.Context(), body, actor(r)), http.StatusOK)
}

func (a *API) getRoles(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, map[string]interface{}{
		"roles":       a.rbac.Roles(),
		"permissions": a.rbac.Permissions(),
	}, http.StatusOK)
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	var body assignRoleRequest
	if err := a.decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid role assignment", err, a.logger)
		return
	}
	if body.ExpiresAt != nil && !body.ExpiresAt.After(a.now()) {
		writeError(w, http.StatusBadRequest, "expiresAt must be in the future", nil, a.logger)
		return
	}

	var opts []rbac.AssignOption
	if body.ExpiresAt != nil {
		opts = append(opts, rbac.WithExpiry(*body.ExpiresAt))
	}
	if body.Department != "" {
		opts = append(opts, rbac.WithDepartment(body.Department))
	}
	if body.Organization != "" {
		opts = append(opts, rbac.WithOrganization(body.Organization))
	}

	assignment, err := a.rbac.AssignRole(r.Context(), mux.Vars(r)["userId"], body.RoleID, actor(r), opts...)
	if err != nil {
		switch {
		case errors.Is(err, rbac.ErrRoleNotFound):
			writeError(w, http.StatusNotFound, "Role not found", err, a.logger)
		case errors.Is(err, rbac.ErrInvalidUser):
			writeError(w, http.StatusBadRequest, "Invalid user", err, a.logger)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to assign role", err, a.logger)
		}
		return
	}
	a.respondJSON(w, assignment, http.StatusCreated)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.rbac.RevokeRole(r.Context(), vars["userId"], vars["roleId"], actor(r)); err != nil {
		if errors.Is(err, rbac.ErrAssignmentNotFound) {
			writeError(w, http.StatusNotFound, "Active assignment not found", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to revoke role", err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getAccessStats(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.rbac.AccessStatistics(mux.Vars(r)["userId"]), http.StatusOK)
}
