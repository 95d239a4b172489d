package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/afu9/control-center/internal/api"
	"github.com/afu9/control-center/internal/config"
	"github.com/afu9/control-center/internal/deploy"
	"github.com/afu9/control-center/internal/events"
	"github.com/afu9/control-center/internal/forge"
	"github.com/afu9/control-center/internal/ingest"
	"github.com/afu9/control-center/internal/lawbook"
	"github.com/afu9/control-center/internal/metrics"
	"github.com/afu9/control-center/internal/orchestrator"
	"github.com/afu9/control-center/internal/policy"
	"github.com/afu9/control-center/internal/postmortem"
	"github.com/afu9/control-center/internal/store"
	"github.com/afu9/control-center/internal/syncengine"
	"github.com/afu9/control-center/internal/timeline"
	"github.com/afu9/control-center/internal/verdict"
	"github.com/afu9/control-center/internal/webhooks"
)

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	logger := log.New(log.Writer(), "[MAIN] ", log.LstdFlags)
	bus := events.NewBus()
	m := metrics.New()

	var (
		db           *sql.DB
		issues       store.IssueStore
		ops          store.OpsStore
		nav          store.NavigationStore
		tl           timeline.Store
		audit        syncengine.AuditStore
		lawbookStore lawbook.Store
		records      policy.RecordStore
		hookStore    webhooks.Store
		ready        func(ctx context.Context) error
	)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	if cfg.Database.Enabled {
		db, err = store.Open(cfg.Database.DSN())
		if err != nil {
			log.Fatalf("❌ Failed to open database: %v", err)
		}
		if err := store.Migrate(db, "migrations"); err != nil {
			log.Fatalf("❌ Migrations failed: %v", err)
		}
		issues = store.NewPostgresIssueStore(db)
		ops = store.NewPostgresOpsStore(db)
		nav = store.NewPostgresNavigationStore(db)
		tl = timeline.NewPostgresStore(db)
		audit = syncengine.NewPostgresAuditStore(db)
		lawbookStore = lawbook.NewPostgresStore(db)
		records = policy.NewPostgresRecordStore(db)
		hookStore = webhooks.NewPostgresStore(db, rdb)
		ready = db.PingContext
		logger.Printf("✅ Persistence enabled (postgres %s:%s/%s)",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	} else {
		issues = store.NewMemoryIssueStore()
		ops = store.NewMemoryOpsStore()
		nav = store.NewMemoryNavigationStore()
		tl = timeline.NewMemoryStore()
		audit = syncengine.NewMemoryAuditStore()
		lawbookStore = lawbook.NewMemoryStore()
		records = policy.NewMemoryRecordStore()
		hookStore = webhooks.NewMemoryStore()
		logger.Printf("⚠️ Running without persistence; all state is in-memory")
	}

	resolver := lawbook.NewResolver(lawbookStore, 60*time.Second)
	if !cfg.Database.Enabled {
		seedDevLawbook(resolver, cfg.Lawbook.ID, logger)
	}

	evaluator := policy.NewEvaluator(resolver, cfg.Lawbook.ID, records)

	forgePolicy, err := forge.LoadPolicy()
	if err != nil {
		log.Fatalf("❌ Invalid repo allowlist: %v", err)
	}
	var tokens forge.TokenSource
	if cfg.Forge.AppID != "" && cfg.Forge.PrivateKeyPEM != "" {
		tokens, err = forge.NewAppTokenSource(cfg.Forge.AppID, cfg.Forge.PrivateKeyPEM, cfg.Forge.BaseURL)
		if err != nil {
			log.Fatalf("❌ Forge app credentials rejected: %v", err)
		}
	} else {
		logger.Printf("⚠️ No Forge app credentials; using unauthenticated fake client")
		tokens = forge.FakeTokenSource{}
	}
	gate := forge.NewGate(forgePolicy, tokens, func(token string) forge.Client {
		if cfg.Forge.BaseURL == "" {
			return forge.NewFakeClient()
		}
		return forge.NewHTTPClient(cfg.Forge.BaseURL, token)
	})

	ingestor := ingest.New(ops, tl)
	verdicts := verdict.NewService(issues, ops, resolver, bus)
	postmortems := postmortem.New(ops, resolver)
	engine := syncengine.New(issues, ops, audit, gate, bus)
	engine.SweepWorkers = cfg.Sync.FanOut

	var deploySvc *deploy.Service
	if cfg.Database.Enabled {
		deploySvc = deploy.NewService(ops, rdb, time.Duration(cfg.Deploy.SnapshotTTLSeconds)*time.Second)
	}

	approvals := policy.NewMemoryApprovalStore()

	var manager *orchestrator.Manager
	if adapter, err := orchestrator.NewSwarmAdapter(); err != nil {
		logger.Printf("⚠️ Orchestrator adapter unavailable: %v", err)
	} else {
		manager = orchestrator.NewManager(adapter, evaluator, approvals, cfg.Deploy.ForceNewDeployEnabled)
	}

	intake := webhooks.NewIntake(cfg.Webhooks.Secret, hookStore, bus)
	registerWorkflows(intake, engine, cfg, logger)

	server := api.NewServer(api.Deps{
		Issues:          issues,
		Ops:             ops,
		Navigation:      nav,
		Timeline:        tl,
		Ingestor:        ingestor,
		Deploy:          deploySvc,
		Verdicts:        verdicts,
		Sync:            engine,
		Postmortems:     postmortems,
		Intake:          intake,
		Orchestrator:    manager,
		Approvals:       approvals,
		Evaluator:       evaluator,
		Forge:           gate,
		Emitter:         bus,
		Metrics:         m,
		Ready:           ready,
		ServiceToken:    cfg.Server.ServiceToken,
		DispatchEnabled: true,
		SyncDefaultDry:  cfg.Sync.DryRun,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sync.IntervalSeconds > 0 {
		go runSyncDriver(ctx, engine, m, cfg, logger)
	}

	if err := server.Start(ctx, ":"+cfg.Server.Port); err != nil {
		log.Fatalf("❌ Server exited: %v", err)
	}
	logger.Printf("✅ Shutdown complete")
}

// runSyncDriver sweeps all open issues on the configured interval.
// Per-sweep failures are logged, never fatal; the next tick retries.
func runSyncDriver(ctx context.Context, engine *syncengine.Engine, m *metrics.Metrics, cfg *config.Config, logger *log.Logger) {
	interval := time.Duration(cfg.Sync.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Printf("🚀 Sync driver running every %s (dryRun=%v)", interval, cfg.Sync.DryRun)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			result, err := engine.RunSweep(ctx, syncengine.Options{
				DryRun: cfg.Sync.DryRun,
				Actor:  store.ActorSystem,
			})
			if err != nil {
				logger.Printf("❌ Sync sweep failed: %v", err)
				continue
			}
			m.SweepDuration.Observe(time.Since(start).Seconds())
			m.SweepLastIssue.Set(float64(result.SyncedIssues + result.FailedIssues))
			logger.Printf("✅ Sweep: synced=%d failed=%d conflicts=%d blocked=%d",
				result.SyncedIssues, result.FailedIssues,
				result.ConflictsDetected, result.TransitionsBlocked)
		}
	}
}

// registerWorkflows maps inbound Forge events onto sync actions.
func registerWorkflows(intake *webhooks.Intake, engine *syncengine.Engine, cfg *config.Config, logger *log.Logger) {
	syncFromDelivery := func(ctx context.Context, d *webhooks.Delivery) error {
		issueID, _ := d.Payload["afu9IssueId"].(string)
		number, _ := d.Payload["issueNumber"].(float64)
		if issueID == "" || d.Repo == "" {
			logger.Printf("⚠️ Delivery %s lacks issue linkage; skipping sync", d.DeliveryID)
			return nil
		}
		owner, repo := splitRepo(d.Repo)
		_, err := engine.SyncForgeToLocal(ctx, issueID, owner, repo, int(number), syncengine.Options{
			DryRun: cfg.Sync.DryRun,
			Actor:  store.ActorSystem,
		})
		return err
	}

	for _, kind := range []string{"pull_request", "issues", "check_suite"} {
		intake.Register(webhooks.WorkflowMapping{
			EventKind:   kind,
			AutoTrigger: true,
			Handler:     syncFromDelivery,
		})
	}
}

func splitRepo(full string) (owner, repo string) {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			return full[:i], full[i+1:]
		}
	}
	return full, ""
}

// seedDevLawbook activates a permissive rulebook so gated paths work out
// of the box in memory mode. Production activates real versions through
// the store.
func seedDevLawbook(resolver *lawbook.Resolver, id string, logger *log.Logger) {
	lb := &lawbook.Lawbook{
		ID:      id,
		Version: "dev-0",
		Policies: []lawbook.AutomationPolicy{
			{
				Name:                   "workflow-dispatch-dev",
				ActionType:             "workflow_dispatch",
				CooldownSeconds:        10,
				WindowSeconds:          3600,
				MaxRunsPerWindow:       60,
				IdempotencyKeyTemplate: "workflow_dispatch:{{target}}",
			},
			{
				Name:                   "force-deploy-dev",
				ActionType:             "force_new_deployment",
				AllowedEnvs:            []string{"dev", "staging"},
				CooldownSeconds:        300,
				WindowSeconds:          3600,
				MaxRunsPerWindow:       6,
				RequiresApproval:       true,
				IdempotencyKeyTemplate: "force_new_deployment:{{target}}",
			},
		},
		ActivatedBy: "bootstrap",
	}
	if err := resolver.Activate(context.Background(), lb); err != nil {
		logger.Printf("⚠️ Could not seed development lawbook: %v", err)
		return
	}
	logger.Printf("✅ Development lawbook %s@%s active", lb.ID, lb.Version)
}
