// Package main is the entry point for the UsernameSearch.io entitlement server.
// Subcommands are dispatched by a switch on os.Args so the whole CLI surface
// is readable in one place:
//
//	serve                         run the HTTP API (default)
//	migrate <up|down>             apply or roll back schema migrations
//	suspend-key <key> [actor]     move an active API key to suspended
//	receipts list <order_id>      list archived webhook receipts of an order
//	receipts show <path>          print one archived receipt
//	audit <type> <id> [limit]     print the audit trail of one resource
//	version                       print the build version
//
// serve runs migrations on startup so a fresh container needs no separate step.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/usernamesearch/entitlements/internal/api"
	"github.com/usernamesearch/entitlements/internal/auth"
	"github.com/usernamesearch/entitlements/internal/config"
	"github.com/usernamesearch/entitlements/internal/db"
	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/db/repositories"
	"github.com/usernamesearch/entitlements/internal/ledger"
	"github.com/usernamesearch/entitlements/internal/receipts"
	"github.com/usernamesearch/entitlements/internal/telemetry"

	// Receipt archive backends register themselves with the storage factory.
	_ "github.com/usernamesearch/entitlements/internal/storage/azure"
	_ "github.com/usernamesearch/entitlements/internal/storage/gcs"
	_ "github.com/usernamesearch/entitlements/internal/storage/local"
	_ "github.com/usernamesearch/entitlements/internal/storage/s3"
)

const (
	version = "0.1.0"
)

const usage = "available commands: serve, migrate, suspend-key, receipts, audit, version"

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	if command == "version" {
		fmt.Printf("UsernameSearch.io entitlements v%s\n", version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(args) < 1 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, args[0])
	case "suspend-key":
		if len(args) < 1 {
			return fmt.Errorf("usage: %s suspend-key <key> [actor]", os.Args[0])
		}
		actor := "cli"
		if len(args) > 1 {
			actor = args[1]
		}
		return withDatabase(cfg, func(ctx context.Context, database *repositoriesSet) error {
			l := ledger.New(database.apiKeys, cfg.Auth.APIKeys.Prefix, nil)
			return suspendKey(ctx, l, args[0], actor, os.Stdout)
		})
	case "receipts":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s receipts <list|show> <order_id|path>", os.Args[0])
		}
		archive, err := receipts.FromConfig(cfg)
		if err != nil {
			return fmt.Errorf("failed to open receipt archive: %w", err)
		}
		return runReceipts(context.Background(), archive, args[0], args[1], os.Stdout)
	case "audit":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s audit <resource_type> <resource_id> [limit]", os.Args[0])
		}
		limit := 50
		if len(args) > 2 {
			if limit, err = strconv.Atoi(args[2]); err != nil || limit <= 0 {
				return fmt.Errorf("invalid limit %q", args[2])
			}
		}
		return withDatabase(cfg, func(ctx context.Context, database *repositoriesSet) error {
			return printAudit(ctx, database.audit, args[0], args[1], limit, os.Stdout)
		})
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Fails in production when the session signing secret is unset.
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"user", cfg.Database.User, "dbname", cfg.Database.Name, "sslmode", cfg.Database.SSLMode)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	telemetry.StartDBStatsCollector(ctx, database, 30*time.Second)

	// Metrics are served on their own port so the scrape path stays off the
	// public ingress.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices, err := api.NewRouter(ctx, cfg, database, version)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"base_url", cfg.Server.BaseURL,
			"environment", cfg.Server.Environment,
			"receipt_backend", cfg.Storage.DefaultBackend,
			"redis", cfg.Redis.Enabled,
			"oidc", cfg.Auth.OIDC.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		stop()
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	// In-flight requests are drained; now stop the jobs.
	stop()
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}

// repositoriesSet is the slice of the store the maintenance commands need.
type repositoriesSet struct {
	apiKeys *repositories.APIKeyRepository
	audit   *repositories.AuditRepository
}

func withDatabase(cfg *config.Config, fn func(ctx context.Context, r *repositoriesSet) error) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, &repositoriesSet{
		apiKeys: repositories.NewAPIKeyRepository(database),
		audit:   repositories.NewAuditRepository(database),
	})
}

type keySuspender interface {
	SuspendAPIKey(ctx context.Context, key, actor string) error
}

func suspendKey(ctx context.Context, l keySuspender, key, actor string, w io.Writer) error {
	if err := l.SuspendAPIKey(ctx, key, actor); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("api key %s not found", models.DisplayPrefix(key))
		}
		return err
	}
	fmt.Fprintf(w, "suspended %s...\n", models.DisplayPrefix(key))
	return nil
}

type receiptArchive interface {
	ListOrder(ctx context.Context, orderID string) ([]string, error)
	Open(ctx context.Context, path string) ([]byte, error)
}

func runReceipts(ctx context.Context, archive receiptArchive, action, arg string, w io.Writer) error {
	switch action {
	case "list":
		paths, err := archive.ListOrder(ctx, arg)
		if err != nil {
			return fmt.Errorf("failed to list receipts: %w", err)
		}
		if len(paths) == 0 {
			fmt.Fprintf(w, "no receipts for order %s\n", arg)
			return nil
		}
		for _, p := range paths {
			fmt.Fprintln(w, p)
		}
		return nil
	case "show":
		body, err := archive.Open(ctx, arg)
		if err != nil {
			return fmt.Errorf("failed to open receipt: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", body)
		return err
	default:
		return fmt.Errorf("unknown receipts action %q (want list or show)", action)
	}
}

type auditLister interface {
	ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*models.AuditLog, error)
}

func printAudit(ctx context.Context, store auditLister, resourceType, resourceID string, limit int, w io.Writer) error {
	logs, err := store.ListByResource(ctx, resourceType, resourceID, limit)
	if err != nil {
		return fmt.Errorf("failed to list audit logs: %w", err)
	}
	for _, entry := range logs {
		actor := "system"
		if entry.ActorEmail != nil {
			actor = *entry.ActorEmail
		}
		fmt.Fprintf(w, "%s  %-24s  %s", entry.CreatedAt.UTC().Format(time.RFC3339), entry.Action, actor)
		if len(entry.Metadata) > 0 {
			fmt.Fprintf(w, "  %v", entry.Metadata)
		}
		fmt.Fprintln(w)
	}
	return nil
}
