package cmd

import (
	"bytes"
	"encoding/json"
	"net/url"
	"testing"

	"vitaview/rbac"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runPolicy(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewPolicyCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--no-color"))
	err := cmd.Execute()
	return out.String(), err
}

func TestNewPolicyCmd(t *testing.T) {
	cmd := NewPolicyCmd()
	assert.Equal(t, "policy", cmd.Use)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("json"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("no-color"))

	actual := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		actual[sub.Name()] = true
	}
	for _, expected := range []string{"roles", "permissions", "rules", "check", "scan"} {
		assert.True(t, actual[expected], "Missing command: %s", expected)
	}
}

func TestPolicyRoles(t *testing.T) {
	out, err := runPolicy(t, "roles", "--json")
	require.NoError(t, err)

	var roles []rbac.Role
	require.NoError(t, json.Unmarshal([]byte(out), &roles))
	require.NotEmpty(t, roles)
	assert.Equal(t, rbac.RoleSuperAdmin, roles[0].ID)

	out, err = runPolicy(t, "roles")
	require.NoError(t, err)
	assert.Contains(t, out, "ROLES")
	assert.Contains(t, out, rbac.RoleMedicalDirector)
}

func TestPolicyPermissions_FilterByResource(t *testing.T) {
	out, err := runPolicy(t, "permissions", "--resource", "security", "--json")
	require.NoError(t, err)

	var perms []rbac.Permission
	require.NoError(t, json.Unmarshal([]byte(out), &perms))
	require.NotEmpty(t, perms)
	for _, p := range perms {
		assert.Equal(t, "security", p.Resource)
	}
}

func TestPolicyRules(t *testing.T) {
	out, err := runPolicy(t, "rules", "--json")
	require.NoError(t, err)

	var listing struct {
		WAF []json.RawMessage `json:"waf"`
		IDS []json.RawMessage `json:"ids"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	assert.NotEmpty(t, listing.WAF)
	assert.NotEmpty(t, listing.IDS)

	out, err = runPolicy(t, "rules")
	require.NoError(t, err)
	assert.Contains(t, out, "WAF RULES")
	assert.Contains(t, out, "IDS RULES")
}

func TestPolicyCheck(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed bool
		roleID  string
	}{
		{
			name:    "super admin reads security",
			args:    []string{"--role", rbac.RoleSuperAdmin, "--resource", "security", "--action", "read"},
			allowed: true,
			roleID:  rbac.RoleSuperAdmin,
		},
		{
			name:    "patient reads own exam",
			args:    []string{"--user", "p1", "--role", rbac.RolePatient, "--resource", "exam", "--action", "read", "--owner", "p1"},
			allowed: true,
			roleID:  rbac.RolePatient,
		},
		{
			name:   "patient cannot read another patient's exam",
			args:   []string{"--user", "p1", "--role", rbac.RolePatient, "--resource", "exam", "--action", "read", "--owner", "p2"},
			roleID: rbac.RolePatient,
		},
		{
			name:   "legacy role is mapped",
			args:   []string{"--role", "doctor", "--resource", "security", "--action", "update"},
			roleID: rbac.RolePhysician,
		},
		{
			name: "no role is denied",
			args: []string{"--resource", "exam", "--action", "read"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runPolicy(t, append([]string{"check", "--json"}, tt.args...)...)
			require.NoError(t, err)

			var res checkResult
			require.NoError(t, json.Unmarshal([]byte(out), &res))
			assert.Equal(t, tt.allowed, res.Decision.Allowed, "reason: %s", res.Decision.Reason)
			assert.Equal(t, tt.roleID, res.RoleID)
		})
	}
}

func TestPolicyCheck_RequiresResourceAndAction(t *testing.T) {
	_, err := runPolicy(t, "check", "--role", rbac.RolePatient)
	assert.Error(t, err)
}

func TestPolicyScan(t *testing.T) {
	t.Run("sql injection is blocked by the WAF", func(t *testing.T) {
		target := "/api/exams?q=" + url.QueryEscape("' UNION SELECT password FROM users--")
		out, err := runPolicy(t, "scan", "--json", "--url", target)
		require.NoError(t, err)

		var res scanResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.True(t, res.Blocked)
		assert.False(t, res.WAF.Allowed)
		assert.Equal(t, "blocked by WAF", res.Decision)
	})

	t.Run("benign request passes", func(t *testing.T) {
		out, err := runPolicy(t, "scan", "--json", "--url", "/api/exams?page=2")
		require.NoError(t, err)

		var res scanResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.False(t, res.Blocked)
		assert.True(t, res.WAF.Allowed)
		assert.Less(t, res.IDS.RiskScore, 80)
	})

	t.Run("table output", func(t *testing.T) {
		out, err := runPolicy(t, "scan", "--url", "/api/exams")
		require.NoError(t, err)
		assert.Contains(t, out, "Decision:")
	})

	t.Run("malformed target", func(t *testing.T) {
		_, err := runPolicy(t, "scan", "--url", "http://[::1")
		assert.Error(t, err)
	})
}
