// Package cmd provides the offline policy inspection commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"vitaview/audit"
	"vitaview/core"
	"vitaview/detect"
	"vitaview/rbac"
	"vitaview/threat"
	"vitaview/util/goroutine"
	"vitaview/waf"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// policyOptions are the persistent flags shared by every subcommand
type policyOptions struct {
	outputJSON bool
	noColor    bool
}

const defaultTimeout = 10 * time.Second

// NewPolicyCmd creates the root policy command with all subcommands.
func NewPolicyCmd() *cobra.Command {
	opts := &policyOptions{}

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the built-in security policy",
		Long: `Inspect the role catalog, permissions and WAF/IDS rules, evaluate access
decisions, and scan synthetic requests. Every command runs offline against
freshly constructed components; no server or database is contacted.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
		SilenceUsage: true,
	}

	policyCmd.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	policyCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	policyCmd.AddCommand(newRolesCmd(opts))
	policyCmd.AddCommand(newPermissionsCmd(opts))
	policyCmd.AddCommand(newRulesCmd(opts))
	policyCmd.AddCommand(newCheckCmd(opts))
	policyCmd.AddCommand(newScanCmd(opts))

	return policyCmd
}

func newEngine() *rbac.Engine {
	return rbac.NewEngine(nil, audit.NoOpLogger{}, zap.NewNop().Sugar())
}

func newRolesCmd(opts *policyOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the role catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := newEngine().Roles()
			if opts.outputJSON {
				return writeJSON(cmd.OutOrStdout(), roles)
			}
			renderRolesTable(cmd.OutOrStdout(), roles)
			return nil
		},
	}
}

func newPermissionsCmd(opts *policyOptions) *cobra.Command {
	var resource string

	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "List permissions, optionally for one resource",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var perms []rbac.Permission
			for _, p := range newEngine().Permissions() {
				if resource == "" || p.Resource == resource {
					perms = append(perms, p)
				}
			}
			if opts.outputJSON {
				return writeJSON(cmd.OutOrStdout(), perms)
			}
			renderPermissionsTable(cmd.OutOrStdout(), perms)
			return nil
		},
	}

	cmd.Flags().StringVar(&resource, "resource", "", "Only show permissions on this resource")
	return cmd
}

// ruleListing is the JSON shape of `policy rules`
type ruleListing struct {
	WAF []waf.RuleInfo `json:"waf"`
	IDS []detect.Rule  `json:"ids"`
}

func newRulesCmd(opts *policyOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List WAF and IDS rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newScanner()
			if err != nil {
				return err
			}
			listing := ruleListing{WAF: sc.firewall.Rules(), IDS: sc.ids.Rules()}
			if opts.outputJSON {
				return writeJSON(cmd.OutOrStdout(), listing)
			}
			renderWAFRules(cmd.OutOrStdout(), listing.WAF)
			fmt.Fprintln(cmd.OutOrStdout())
			renderIDSRules(cmd.OutOrStdout(), listing.IDS)
			return nil
		},
	}
}

// checkResult is the JSON shape of `policy check`
type checkResult struct {
	UserID   string        `json:"user_id"`
	RoleID   string        `json:"role_id,omitempty"`
	Resource string        `json:"resource"`
	Action   string        `json:"action"`
	Decision rbac.Decision `json:"decision"`
}

func newCheckCmd(opts *policyOptions) *cobra.Command {
	var (
		userID      string
		role        string
		resource    string
		action      string
		owner       string
		department  string
		sensitivity string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate one access decision",
		Long: `Evaluate resource:action for a user holding --role. Catalog role ids are
assigned directly; any other value goes through legacy role mapping.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			engine := newEngine()
			roleID, err := assignForCheck(ctx, engine, userID, role, department)
			if err != nil {
				return err
			}

			decision := engine.CheckPermission(ctx, rbac.AccessRequest{
				UserID:          userID,
				Resource:        resource,
				Action:          action,
				ResourceOwnerID: owner,
				UserDepartment:  department,
				Sensitivity:     rbac.Sensitivity(sensitivity),
				SessionStart:    time.Now(),
			})
			result := checkResult{UserID: userID, RoleID: roleID, Resource: resource, Action: action, Decision: decision}

			if opts.outputJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			renderCheckResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli-user", "User id to evaluate")
	cmd.Flags().StringVar(&role, "role", "", "Role id or legacy role string")
	cmd.Flags().StringVar(&resource, "resource", "", "Resource (required)")
	cmd.Flags().StringVar(&action, "action", "", "Action (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owning user of the resource")
	cmd.Flags().StringVar(&department, "department", "", "Department of the assignment")
	cmd.Flags().StringVar(&sensitivity, "sensitivity", "", "Data sensitivity (low, medium, high, critical)")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func assignForCheck(ctx context.Context, engine *rbac.Engine, userID, role, department string) (string, error) {
	if role == "" {
		return "", nil
	}
	if _, ok := engine.Role(role); ok {
		var assignOpts []rbac.AssignOption
		if department != "" {
			assignOpts = append(assignOpts, rbac.WithDepartment(department))
		}
		if _, err := engine.AssignRole(ctx, userID, role, "cli", assignOpts...); err != nil {
			return "", fmt.Errorf("failed to assign role %s: %w", role, err)
		}
		return role, nil
	}
	roleID, _, err := engine.EnsureLegacyRole(ctx, userID, role)
	if err != nil {
		return "", fmt.Errorf("failed to map legacy role %s: %w", role, err)
	}
	return roleID, nil
}

// scanner is a throwaway WAF and IDS pair
type scanner struct {
	firewall *waf.Firewall
	ids      *detect.Analyzer
}

func newScanner() (*scanner, error) {
	logger := zap.NewNop().Sugar()
	firewall, err := waf.New(waf.DefaultConfig(), audit.NoOpLogger{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build WAF: %w", err)
	}
	intel, err := threat.NewIntel("", logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build threat intel: %w", err)
	}
	ids, err := detect.NewAnalyzer(detect.DefaultConfig(), intel, audit.NoOpLogger{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build analyzer: %w", err)
	}
	return &scanner{firewall: firewall, ids: ids}, nil
}

// scanResult is the JSON shape of `policy scan`
type scanResult struct {
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	IP       string          `json:"ip"`
	WAF      waf.Verdict     `json:"waf"`
	IDS      detect.Analysis `json:"ids"`
	Blocked  bool            `json:"blocked"`
	Decision string          `json:"decision"`
}

func newScanCmd(opts *policyOptions) *cobra.Command {
	var (
		target    string
		userAgent string
		method    string
		ip        string
		body      string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run WAF and IDS against a synthetic request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			result, err := scanRequest(ctx, method, target, userAgent, ip, body)
			if err != nil {
				return err
			}
			if opts.outputJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			renderScanResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "url", "", "Request URL or path with query (required)")
	cmd.Flags().StringVar(&userAgent, "ua", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", "User-Agent header")
	cmd.Flags().StringVar(&method, "method", http.MethodGet, "HTTP method")
	cmd.Flags().StringVar(&ip, "ip", "192.0.2.1", "Client IP")
	cmd.Flags().StringVar(&body, "body", "", "Request body")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func scanRequest(ctx context.Context, method, target, userAgent, ip, body string) (*scanResult, error) {
	sc, err := newScanner()
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	var r *http.Request
	// httptest.NewRequest panics on a malformed target
	err = goroutine.Guard("build scan request", zap.NewNop().Sugar(), func() error {
		r = httptest.NewRequest(method, target, bodyReader)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if userAgent != "" {
		r.Header.Set("User-Agent", userAgent)
	}
	r.Header.Set("Accept", "text/html,application/json")
	r.Header.Set("Accept-Language", "en-US")

	req, err := core.FromHTTP(r, ip, 1<<20)
	if err != nil {
		return nil, err
	}

	res := &scanResult{Method: method, URL: target, IP: ip}
	res.WAF = sc.firewall.Check(ctx, req)
	if !res.WAF.Allowed {
		res.Blocked = true
		res.Decision = "blocked by WAF"
		return res, nil
	}

	res.IDS = sc.ids.AnalyzeRequest(ctx, req)
	switch {
	case res.IDS.HasAction(detect.ActionBlockRequest):
		res.Blocked = true
		res.Decision = "blocked by IDS"
	case res.IDS.Threat:
		res.Decision = "allowed, flagged as threat"
	default:
		res.Decision = "allowed"
	}
	return res, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
