// Warden control plane server: event-sourced multi-tenant coordination for
// autonomous agents, with policy gating, leases, and reactive automation.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/warden-sh/warden/pkg/api"
	"github.com/warden-sh/warden/pkg/approval"
	"github.com/warden-sh/warden/pkg/automation"
	"github.com/warden-sh/warden/pkg/auth"
	"github.com/warden-sh/warden/pkg/capability"
	"github.com/warden-sh/warden/pkg/config"
	"github.com/warden-sh/warden/pkg/cron"
	"github.com/warden-sh/warden/pkg/database"
	"github.com/warden-sh/warden/pkg/egress"
	"github.com/warden-sh/warden/pkg/events"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/learning"
	"github.com/warden-sh/warden/pkg/leases"
	"github.com/warden-sh/warden/pkg/policy"
	"github.com/warden-sh/warden/pkg/projector"
	"github.com/warden-sh/warden/pkg/ratelimit"
	"github.com/warden-sh/warden/pkg/runlease"
	"github.com/warden-sh/warden/pkg/secrets"
	"github.com/warden-sh/warden/pkg/services"
	"github.com/warden-sh/warden/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("Starting warden", "version", version.Full())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database + migrations.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL, schema up to date")

	db := dbClient.DB()
	store := eventstore.NewStore(db)

	// Action registry seed.
	seedPath := filepath.Join(*configDir, "actions.yaml")
	if f, err := os.Open(seedPath); err == nil {
		n, seedErr := policy.SeedActionRegistry(ctx, db, f)
		_ = f.Close()
		if seedErr != nil {
			log.Fatalf("Failed to seed action registry: %v", seedErr)
		}
		slog.Info("Action registry seeded", "actions", n)
	} else {
		slog.Warn("No action registry seed found", "path", seedPath)
	}

	// Policy stack.
	ledger := learning.NewLedger(db, store)
	resolver := capability.NewResolver(capability.NewPostgresTokenSource(db))
	approvals := approval.NewCoordinator(db, store)
	egressCfg := egress.LoadConfigFromEnv()

	// The gateway implements the gate's egress policy; wire in two steps.
	var gateway *egress.Gateway
	gate := policy.NewGate(
		policy.Config{KillSwitch: cfg.Policy.KillSwitch, ShadowMode: cfg.Policy.ShadowMode},
		policy.NewPostgresActionRegistry(db),
		resolver,
		approvals,
		policy.LedgerConstraintSource{Ledger: ledger},
		egressPolicyFunc{get: func() *egress.Gateway { return gateway }},
		ledger,
		storeEmitter{store},
	)
	gateway = egress.NewGateway(db, store, gate, approvals, egressCfg)

	// Runtime services.
	limiter := ratelimit.NewLimiter(db, store, cfg.RateLimit)
	runs := runlease.NewManager(db, store, cfg.Cron.RunStuckTimeout/3)
	secretCipher, err := secrets.NewCipher(cfg.Secrets.MasterKey)
	if err != nil {
		log.Fatalf("Failed to init secrets cipher: %v", err)
	}
	secretStore := secrets.NewStore(db, secretCipher)
	sessions := auth.NewSessionStore(db, getEnv("SESSION_HASH_SECRET", "warden"), 0)
	queries := services.NewQueries(db)

	// Recover runs this replica abandoned in a previous life.
	hostname, _ := os.Hostname()
	if _, err := runs.RecoverStartupOrphans(ctx, hostname); err != nil {
		slog.Error("Startup orphan recovery failed", "error", err)
	}

	// Projector engine + automation loop + change-feed listener.
	engine := projector.NewEngine(db, store)
	loop := automation.NewLoop(db, store, cfg.Promotion, cfg.Cron.WindowSec)
	engine.OnApplied(loop.HandleEvent)
	engine.Start(ctx)
	defer engine.Stop()

	listener := events.NewListener(dbClient.ConnString(), eventstore.FeedChannel)
	listener.OnHint(func(events.FeedHint) { engine.Wake() })
	if err := listener.Start(ctx); err != nil {
		slog.Error("Feed listener failed to start, falling back to polling", "error", err)
	} else {
		defer listener.Stop()
	}

	// Cron runtime.
	cronRuntime := cron.NewRuntime(db, store, leases.NewManager(db), cfg.Cron)
	if err := cronRuntime.Start(ctx); err != nil {
		log.Fatalf("Failed to start cron runtime: %v", err)
	}
	defer cronRuntime.Stop()

	// HTTP server.
	server := api.NewServer(api.Deps{
		Config:    cfg,
		DBClient:  dbClient,
		Store:     store,
		Queries:   queries,
		Runs:      runs,
		Approvals: approvals,
		Gateway:   gateway,
		Gate:      gate,
		Limiter:   limiter,
		Secrets:   secretStore,
		Sessions:  sessions,
		Listener:  listener,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown error", "error", err)
		}
	}

	slog.Info("Warden stopped")
}

// storeEmitter adapts the event store to the gate's Emitter.
type storeEmitter struct {
	store *eventstore.Store
}

func (e storeEmitter) Append(ctx context.Context, env eventstore.Envelope) (*eventstore.Event, error) {
	return e.store.Append(ctx, env)
}

// egressPolicyFunc defers to the gateway once it exists (gate and gateway
// reference each other).
type egressPolicyFunc struct {
	get func() *egress.Gateway
}

func (p egressPolicyFunc) DomainAllowed(ctx context.Context, workspaceID, domain string) (bool, error) {
	if g := p.get(); g != nil {
		return g.DomainAllowed(ctx, workspaceID, domain)
	}
	return true, nil
}

func (p egressPolicyFunc) QuotaExceeded(ctx context.Context, workspaceID, domain string) (bool, error) {
	if g := p.get(); g != nil {
		return g.QuotaExceeded(ctx, workspaceID, domain)
	}
	return false, nil
}
