package api

import (
	"context"
	"net/http"

	"vitaview/core"
	"vitaview/detect"
	"vitaview/session"

	"github.com/google/uuid"
)

// pipeline wraps next with the request-context, WAF and IDS layers
func (a *API) pipeline(next http.Handler) http.Handler {
	return a.requestContextMiddleware(a.wafMiddleware(a.idsMiddleware(next)))
}

// secured adds the session layer after the pipeline. allowPendingMFA admits
// sessions that still owe a second factor.
func (a *API) secured(next http.Handler, allowPendingMFA bool) http.Handler {
	return a.pipeline(a.sessionMiddleware(next, allowPendingMFA))
}

// requestContextMiddleware resolves the client address, captures the body
// prefix and attaches a provisional principal from the session token
func (a *API) requestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getRealIP(r, a.trustedProxies)
		req, err := core.FromHTTP(r, ip, a.config.Server.MaxBodyBytes)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read request", err, a.logger)
			return
		}
		req.ID = r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(req.ID); err != nil {
			req.ID = uuid.NewString()
		}
		req.Country = clientCountry(r, a.trustedProxies)
		if principal, ok := a.sessions.Identify(r.Context(), req.SessionToken()); ok {
			req.Principal = principal
		}

		w.Header().Set("X-Request-ID", req.ID)
		ctx := context.WithValue(r.Context(), ContextKeyRequest, req)
		ctx = context.WithValue(ctx, ContextKeyRequestID, req.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// wafMiddleware refuses requests the firewall blocks and forwards its headers
func (a *API) wafMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := RequestFrom(r.Context())
		if !ok {
			writeError(w, http.StatusInternalServerError, "Request context missing", nil, a.logger)
			return
		}

		verdict := a.firewall.Check(r.Context(), req)
		for name, values := range verdict.Headers {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		if !verdict.Allowed {
			a.writeSecurityError(w, http.StatusForbidden, securityResponse{
				Error:     "Request blocked by Web Application Firewall",
				Code:      verdict.Code,
				Reference: verdict.Reference,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idsMiddleware refuses high-risk requests and surfaces advisory actions as
// response headers
func (a *API) idsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := RequestFrom(r.Context())
		if !ok {
			writeError(w, http.StatusInternalServerError, "Request context missing", nil, a.logger)
			return
		}

		analysis := a.ids.AnalyzeRequest(r.Context(), req)
		if a.ids.ShouldBlock(analysis) {
			a.writeSecurityError(w, http.StatusForbidden, securityResponse{
				Error:     "Request blocked by security system",
				Code:      core.CodeSecurityThreatDetected,
				Reference: core.NewReference("IDS"),
			})
			return
		}

		if analysis.HasAction(detect.ActionRequireCaptcha) {
			w.Header().Set("X-Require-Captcha", "true")
		}
		if analysis.HasAction(detect.ActionRequire2FA) {
			w.Header().Set("X-Require-2FA", "true")
		}
		if analysis.HasAction(detect.ActionRateLimit) {
			w.Header().Set("X-Rate-Limited", "true")
		}

		ctx := context.WithValue(r.Context(), ContextKeyAnalysis, analysis)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionMiddleware validates the session token and replaces the provisional
// principal with the session's
func (a *API) sessionMiddleware(next http.Handler, allowPendingMFA bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := RequestFrom(r.Context())
		if !ok {
			writeError(w, http.StatusInternalServerError, "Request context missing", nil, a.logger)
			return
		}

		v := a.sessions.ValidateSession(r.Context(), req)
		if !v.Valid {
			switch {
			case v.Reason == session.ReasonNoToken:
				a.writeSecurityError(w, http.StatusUnauthorized, securityResponse{
					Error: "Authentication required",
					Code:  core.CodeAuthRequired,
				})
				return
			case v.Reason == session.ReasonTwoFactorRequired && allowPendingMFA && v.Session != nil:
				// second-factor endpoints run with the pending session
			case v.Reason == session.ReasonTwoFactorRequired:
				a.writeSecurityError(w, http.StatusForbidden, securityResponse{
					Error:  "Two-factor verification required",
					Code:   core.CodeMFARequired,
					Reason: string(v.Reason),
				})
				return
			case v.Reason == session.ReasonStoreUnavailable:
				a.writeSecurityError(w, http.StatusServiceUnavailable, securityResponse{
					Error:     "Session service unavailable",
					Code:      core.CodeSessionInvalid,
					Reason:    string(v.Reason),
					Reference: core.NewReference("SES"),
				})
				return
			default:
				a.writeSecurityError(w, http.StatusForbidden, securityResponse{
					Error:     "Session is no longer valid",
					Code:      core.CodeSessionInvalid,
					Reason:    string(v.Reason),
					Reference: core.NewReference("SES"),
				})
				return
			}
		}

		if v.ShouldRenew {
			w.Header().Set("X-Session-Renew", "true")
		}
		req.Principal = v.Session.Principal()

		ctx := context.WithValue(r.Context(), ContextKeySession, v.Session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
