package cmd

import (
	"fmt"
	"io"
	"strings"

	"vitaview/detect"
	"vitaview/rbac"
	"vitaview/waf"
)

// renderRolesTable displays the role catalog ordered by hierarchy
func renderRolesTable(w io.Writer, roles []rbac.Role) {
	if len(roles) == 0 {
		warningColor.Fprintln(w, "No roles defined")
		return
	}

	headerColor.Fprintln(w, "ROLES")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-18s %-24s %-10s %-14s %-6s %s\n",
		"ID", "Name", "Hierarchy", "Data Access", "Perms", "Restrictions")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, r := range roles {
		restrictions := make([]string, 0, len(r.Restrictions))
		for _, rs := range r.Restrictions {
			restrictions = append(restrictions, string(rs.Kind))
		}
		fmt.Fprintf(w, "%-18s %-24s %-10d %-14s %-6d %s\n",
			r.ID, truncate(r.Name, 24), r.Hierarchy, r.MaxDataAccess, len(r.Permissions), joinOrDash(restrictions))
	}

	headerColor.Fprintln(w, strings.Repeat("=", 100))
}

// renderPermissionsTable displays permissions with their conditions
func renderPermissionsTable(w io.Writer, perms []rbac.Permission) {
	if len(perms) == 0 {
		warningColor.Fprintln(w, "No permissions match")
		return
	}

	headerColor.Fprintln(w, "PERMISSIONS")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-32s %-18s %-10s %s\n", "ID", "Resource", "Action", "Conditions")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, p := range perms {
		conditions := make([]string, 0, len(p.Conditions))
		for _, c := range p.Conditions {
			conditions = append(conditions, string(c.Kind))
		}
		fmt.Fprintf(w, "%-32s %-18s %-10s %s\n", p.ID, p.Resource, p.Action, joinOrDash(conditions))
	}

	headerColor.Fprintln(w, strings.Repeat("=", 100))
}

// renderWAFRules displays WAF rules
func renderWAFRules(w io.Writer, rules []waf.RuleInfo) {
	headerColor.Fprintln(w, "WAF RULES")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-28s %-20s %-10s %-12s %-8s %s\n", "ID", "Category", "Severity", "Action", "Enabled", "Name")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, r := range rules {
		fmt.Fprintf(w, "%-28s %-20s %-10s %-12s %-8s %s\n",
			r.ID, r.Category, r.Severity, r.Action, formatBool(r.Enabled), truncate(r.Name, 40))
	}

	headerColor.Fprintln(w, strings.Repeat("=", 110))
}

// renderIDSRules displays correlation rules
func renderIDSRules(w io.Writer, rules []detect.Rule) {
	headerColor.Fprintln(w, "IDS RULES")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-28s %-10s %-10s %-10s %-8s %s\n", "ID", "Severity", "Threshold", "Window", "Enabled", "Actions")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, r := range rules {
		actions := make([]string, 0, len(r.Actions))
		for _, a := range r.Actions {
			actions = append(actions, string(a.Type))
		}
		fmt.Fprintf(w, "%-28s %-10s %-10d %-10s %-8s %s\n",
			r.ID, r.Severity, r.Threshold, r.Window, formatBool(r.Enabled), joinOrDash(actions))
	}

	headerColor.Fprintln(w, strings.Repeat("=", 110))
}

// renderCheckResult displays an access decision
func renderCheckResult(w io.Writer, res checkResult) {
	d := res.Decision
	if d.Allowed {
		successColor.Fprintf(w, "✓ ALLOWED  %s:%s for %s\n", res.Resource, res.Action, res.UserID)
	} else {
		errorColor.Fprintf(w, "✗ DENIED   %s:%s for %s\n", res.Resource, res.Action, res.UserID)
	}
	printField(w, "Role", orDash(res.RoleID))
	printField(w, "Granted By", orDash(d.RoleID))
	printField(w, "Permission", orDash(d.PermissionID))
	printField(w, "Reason", orDash(d.Reason))
	for role, why := range d.SkippedRoles {
		printField(w, "Skipped "+role, why)
	}
}

// renderScanResult displays the WAF verdict and IDS analysis
func renderScanResult(w io.Writer, res *scanResult) {
	infoColor.Fprintf(w, "%s %s from %s\n\n", res.Method, res.URL, res.IP)

	printSection(w, "WAF")
	if res.WAF.Allowed {
		successColor.Fprintln(w, "  ✓ passed")
	} else {
		errorColor.Fprintf(w, "  ✗ %s\n", res.WAF.Code)
		printField(w, "Rule", orDash(res.WAF.RuleID))
		printField(w, "Reason", orDash(res.WAF.Reason))
	}
	if len(res.WAF.Triggered) > 0 {
		printField(w, "Triggered", strings.Join(res.WAF.Triggered, ", "))
	}
	fmt.Fprintln(w)

	if res.WAF.Allowed {
		printSection(w, "IDS")
		printField(w, "Risk Score", fmt.Sprintf("%d", res.IDS.RiskScore))
		printField(w, "Threat", formatBool(res.IDS.Threat))
		printField(w, "Actions", joinOrDash(res.IDS.Actions))
		for _, ev := range res.IDS.Events {
			fmt.Fprintf(w, "    - [%s] %s (+%d) %s\n", ev.Severity, ev.Type, ev.RiskScore, ev.Description)
		}
		fmt.Fprintln(w)
	}

	if res.Blocked {
		errorColor.Fprintf(w, "Decision: %s\n", res.Decision)
	} else {
		successColor.Fprintf(w, "Decision: %s\n", res.Decision)
	}
}

func printSection(w io.Writer, title string) {
	infoColor.Fprintf(w, "%s\n", title)
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-20s %s\n", label+":", value)
}

func formatBool(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
