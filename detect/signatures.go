package detect

import (
	"fmt"
	"time"

	"vitaview/core"
	"vitaview/util"
)

// Signature is an attack pattern tested against the serialized request
type Signature struct {
	Name    string
	Type    EventType
	pattern *util.Pattern
}

type signatureDef struct {
	name       string
	typ        EventType
	pattern    string
	ignoreCase bool
}

// Patterns overlap the WAF catalog. Matches here become events that feed
// correlation rather than single-request blocks.
var signatureDefs = []signatureDef{
	{"union_select", EventSQLInjection, `(\bUNION\b.*\bSELECT\b)`, true},
	{"script_tag", EventXSSAttempt, `<script[^>]*>.*?</script>`, true},
	{"stored_procedure", EventSQLInjection, `(\b(exec|execute|sp_)\b)`, true},
	{"script_handler", EventXSSAttempt, `(javascript:|vbscript:|onload=|onerror=)`, true},
	{"deep_traversal", EventSuspiciousBehavior, `(?:\.\./.*){3,}`, false},
	{"time_delay", EventSQLInjection, `(sleep|benchmark|waitfor)\s*\(`, true},
}

func compileSignatures(timeout time.Duration) ([]Signature, error) {
	out := make([]Signature, 0, len(signatureDefs))
	for _, def := range signatureDefs {
		p, err := util.CompilePattern(def.pattern, def.ignoreCase, timeout)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", def.name, err)
		}
		out = append(out, Signature{Name: def.name, Type: def.typ, pattern: p})
	}
	return out, nil
}

// signatureStage emits one critical event per matching signature. A regex
// error aborts the stage.
func (a *Analyzer) signatureStage(st *analysisState) error {
	content := st.req.Content(core.FieldURL, core.FieldBody, core.FieldQuery, core.FieldHeaders)
	for _, sig := range a.signatures {
		matched, err := sig.pattern.Match("ids", content)
		if err != nil {
			return fmt.Errorf("signature %s: %w", sig.Name, err)
		}
		if !matched {
			continue
		}
		st.add(newEvent(sig.Type, core.SeverityCritical, st.now, st.req,
			"Attack pattern detected in request", 90,
			map[string]interface{}{
				"signature": sig.Name,
				"pattern":   sig.pattern.String(),
				"url":       st.req.URL,
				"method":    st.req.Method,
			}),
			ActionBlockRequest, ActionEscalateSecurity)
	}
	return nil
}
