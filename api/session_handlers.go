package api

import (
	"errors"
	"net/http"
	"time"

	"vitaview/core"
	"vitaview/detect"
	"vitaview/session"
)

// twoFactorRequest is the body of POST /api/session/2fa
type twoFactorRequest struct {
	Passcode string `json:"passcode" validate:"required,numeric,len=6"`
}

func (a *API) setupSessionRoutes() {
	a.router.Handle("/api/session/2fa", a.secured(http.HandlerFunc(a.verifyTwoFactor), true)).Methods(http.MethodPost)
	a.router.Handle("/api/session/renew", a.secured(http.HandlerFunc(a.renewSession), false)).Methods(http.MethodPost)
	a.router.Handle("/api/session/logout", a.secured(http.HandlerFunc(a.logout), true)).Methods(http.MethodPost)
}

// verifyTwoFactor checks a TOTP passcode against the session owner's secret
func (a *API) verifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Session required", nil, a.logger)
		return
	}
	if a.totp == nil {
		writeError(w, http.StatusNotImplemented, "Two-factor verification is not configured", nil, a.logger)
		return
	}

	var body twoFactorRequest
	if err := a.decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid passcode format", err, a.logger)
		return
	}

	secret, err := a.totp.GetSecret(TOTPSecretKey(sess.UserID))
	if err != nil || secret == "" {
		writeError(w, http.StatusPreconditionFailed, "Two-factor enrolment not found", err, a.logger)
		return
	}

	err = a.sessions.VerifyTwoFactor(r.Context(), sess.ID, body.Passcode, secret)
	switch {
	case err == nil:
		a.respondJSON(w, map[string]interface{}{"verified": true}, http.StatusOK)
	case errors.Is(err, session.ErrLockedOut):
		a.writeSecurityError(w, http.StatusLocked, securityResponse{
			Error:     "Too many failed verification attempts",
			Code:      core.CodeRateLimited,
			Reference: core.NewReference("MFA"),
		})
	case errors.Is(err, session.ErrInvalidPasscode):
		a.reportFailedVerification(r, sess)
		a.writeSecurityError(w, http.StatusUnauthorized, securityResponse{
			Error: "Invalid passcode",
			Code:  core.CodeMFARequired,
		})
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusUnauthorized, "Session not found", err, a.logger)
	default:
		writeError(w, http.StatusInternalServerError, "Two-factor verification failed", err, a.logger)
	}
}

// reportFailedVerification feeds the IDS so repeated failures correlate
func (a *API) reportFailedVerification(r *http.Request, sess *session.Session) {
	req, _ := RequestFrom(r.Context())
	ev := detect.Event{
		Type:        detect.EventFailedLogin,
		Severity:    core.SeverityMedium,
		UserID:      sess.UserID,
		IP:          sess.IP,
		Description: "Invalid two-factor passcode",
		RiskScore:   30,
		Metadata:    map[string]interface{}{"session_id": sess.ID},
	}
	if req != nil {
		ev.IP = req.IP
		ev.UserAgent = req.UserAgent()
	}
	a.ids.ReportEvent(r.Context(), ev)
}

// renewSession mints a replacement token and refreshes the cookie
func (a *API) renewSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Session required", nil, a.logger)
		return
	}

	token, err := a.sessions.RenewSession(r.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) || errors.Is(err, session.ErrSessionNotFound) {
			a.writeSecurityError(w, http.StatusForbidden, securityResponse{
				Error:  "Session is no longer valid",
				Code:   core.CodeSessionInvalid,
				Reason: string(session.ReasonInactivityTimeout),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to renew session", err, a.logger)
		return
	}

	a.setSessionCookie(w, token.Value, token.AbsoluteExpiry)
	a.respondJSON(w, token, http.StatusOK)
}

// logout invalidates the session and clears the cookie
func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Session required", nil, a.logger)
		return
	}
	if err := a.sessions.InvalidateSession(r.Context(), sess.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusInternalServerError, "Failed to end session", err, a.logger)
		return
	}
	a.setSessionCookie(w, "", time.Unix(0, 0))
	w.WriteHeader(http.StatusNoContent)
}

// setSessionCookie writes the session cookie; an empty value expires it
func (a *API) setSessionCookie(w http.ResponseWriter, value string, expires time.Time) {
	cookie := &http.Cookie{
		Name:     core.SessionCookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.config.Server.TLS,
		SameSite: http.SameSiteStrictMode,
	}
	if value == "" {
		cookie.MaxAge = -1
	}
	http.SetCookie(w, cookie)
}
