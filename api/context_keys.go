package api

import (
	"context"

	"vitaview/core"
	"vitaview/detect"
	"vitaview/rbac"
	"vitaview/session"
)

// contextKey is a private type so other packages cannot inject pipeline
// state into a request context.
type contextKey string

const (
	// ContextKeyRequest stores the parsed *core.Request
	ContextKeyRequest contextKey = "request"

	// ContextKeyRequestID stores the request id (string)
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyAnalysis stores the IDS verdict (detect.Analysis)
	ContextKeyAnalysis contextKey = "ids_analysis"

	// ContextKeySession stores the validated *session.Session
	ContextKeySession contextKey = "session"

	// ContextKeyDecision stores the RBAC decision (rbac.Decision)
	ContextKeyDecision contextKey = "rbac_decision"
)

// RequestFrom returns the parsed request attached by the pipeline.
func RequestFrom(ctx context.Context) (*core.Request, bool) {
	req, ok := ctx.Value(ContextKeyRequest).(*core.Request)
	return req, ok && req != nil
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (*core.Principal, bool) {
	req, ok := RequestFrom(ctx)
	if !ok || req.Principal == nil {
		return nil, false
	}
	return req.Principal, true
}

// SessionFrom returns the session validated by the session layer.
func SessionFrom(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(ContextKeySession).(*session.Session)
	return sess, ok && sess != nil
}

// AnalysisFrom returns the IDS verdict for the request.
func AnalysisFrom(ctx context.Context) (detect.Analysis, bool) {
	an, ok := ctx.Value(ContextKeyAnalysis).(detect.Analysis)
	return an, ok
}

// DecisionFrom returns the RBAC decision that admitted the request.
func DecisionFrom(ctx context.Context) (rbac.Decision, bool) {
	d, ok := ctx.Value(ContextKeyDecision).(rbac.Decision)
	return d, ok
}

// RequestIDFrom returns the request id or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}
