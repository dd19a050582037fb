package bootstrap

import (
	"fmt"

	"vitaview/audit"
	"vitaview/config"
	"vitaview/detect"
	"vitaview/rbac"
	"vitaview/session"
	"vitaview/storage"
	"vitaview/threat"
	"vitaview/waf"

	"go.uber.org/zap"
)

// Pipeline holds the four security layers and the audit sink they share
type Pipeline struct {
	Audit    *audit.AsyncLogger
	Intel    *threat.Intel
	Firewall *waf.Firewall
	IDS      *detect.Analyzer
	Sessions *session.Manager
	RBAC     *rbac.Engine
}

// InitAudit starts the async audit logger, persisting to SQLite when
// audit.persist is set.
func InitAudit(cfg *config.Config, sc *StorageComponents, sugar *zap.SugaredLogger) *audit.AsyncLogger {
	var store audit.Store
	if cfg.Audit.Persist && sc != nil && sc.SQLite != nil {
		store = storage.NewSQLiteAuditStore(sc.SQLite, sugar)
		sugar.Info("Audit records persisted to SQLite")
	}
	return audit.NewAsyncLogger(sugar, store, cfg.Audit.BufferSize)
}

// InitThreatIntel loads the built-in intel and the optional feed file. A
// broken feed is fatal in strict mode; graceful mode keeps the defaults.
func InitThreatIntel(cfg *config.Config, sugar *zap.SugaredLogger) (*threat.Intel, error) {
	intel, err := threat.NewIntel(cfg.DataPaths.ThreatFeedPath, sugar)
	if err != nil {
		if intel == nil || !cfg.IsGracefulMode() {
			return nil, fmt.Errorf("failed to load threat feed %s: %w", cfg.DataPaths.ThreatFeedPath, err)
		}
		sugar.Warnw("Threat feed unavailable, continuing with built-in intel",
			"path", cfg.DataPaths.ThreatFeedPath,
			"error", err)
	}
	return intel, nil
}

// InitPipeline builds the WAF, IDS, session manager and RBAC engine. Redis
// and SQLite backed stores are used when configured and available.
func InitPipeline(cfg *config.Config, sc *StorageComponents, auditLogger *audit.AsyncLogger, intel *threat.Intel, sugar *zap.SugaredLogger) (*Pipeline, error) {
	p := &Pipeline{Audit: auditLogger, Intel: intel}
	hasRedis := sc != nil && sc.Redis != nil
	hasSQLite := sc != nil && sc.SQLite != nil

	var wafOpts []waf.Option
	if cfg.WAF.BlockList == config.StoreRedis && hasRedis {
		wafOpts = append(wafOpts, waf.WithBlockList(waf.NewRedisBlockList(sc.Redis)))
		sugar.Info("WAF block list shared through Redis")
	}
	firewall, err := waf.New(WAFConfig(cfg), auditLogger, sugar.Named("waf"), wafOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WAF: %w", err)
	}
	p.Firewall = firewall

	ids, err := detect.NewAnalyzer(DetectConfig(cfg), intel, auditLogger, sugar.Named("ids"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize intrusion detection: %w", err)
	}
	p.IDS = ids

	sessionCfg := SessionConfig(cfg)
	var sessionOpts []session.Option
	if cfg.Session.Store == config.StoreRedis && hasRedis {
		sessionOpts = append(sessionOpts, session.WithStore(session.NewRedisStore(sc.Redis, sessionCfg.AbsoluteTimeout)))
		sugar.Info("Sessions stored in Redis")
	}
	sessions, err := session.NewManager(sessionCfg, auditLogger, sugar.Named("session"), sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}
	p.Sessions = sessions

	var assignments rbac.AssignmentStore
	if cfg.RBAC.Store == config.StoreSQLite && hasSQLite {
		assignments = storage.NewSQLiteRoleAssignmentStore(sc.SQLite, sugar)
		sugar.Info("Role assignments stored in SQLite")
	}
	p.RBAC = rbac.NewEngine(assignments, auditLogger, sugar.Named("rbac"), rbac.WithHistoryLimit(cfg.RBAC.HistoryLimit))

	sugar.Infow("Security pipeline initialized",
		"waf_rules", len(firewall.Rules()),
		"ids_rules", len(ids.Rules()),
		"roles", len(p.RBAC.Roles()))
	return p, nil
}
