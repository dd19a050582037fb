package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	assert.NotNil(t, WAFRequests)
	assert.NotNil(t, WAFRuleTriggers)
	assert.NotNil(t, IDSEvents)
	assert.NotNil(t, IDSActions)
	assert.NotNil(t, IDSRiskScore)
	assert.NotNil(t, SessionValidations)
	assert.NotNil(t, RBACDecisions)
	assert.NotNil(t, RBACDecisionDuration)
	assert.NotNil(t, AuditRecordsWritten)
	assert.NotNil(t, AuditRecordsDropped)
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(SessionValidations.WithLabelValues("valid"))
	SessionValidations.WithLabelValues("valid").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(SessionValidations.WithLabelValues("valid")))
}
