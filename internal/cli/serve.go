package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-directory-sync/internal/bootstrap"
	"github.com/tbourn/go-directory-sync/internal/config"
	"github.com/tbourn/go-directory-sync/internal/eventbus"
	httpapi "github.com/tbourn/go-directory-sync/internal/http"
	"github.com/tbourn/go-directory-sync/internal/identity"
	"github.com/tbourn/go-directory-sync/internal/observability"
	"github.com/tbourn/go-directory-sync/internal/reconcile"
	"github.com/tbourn/go-directory-sync/internal/records"
	"github.com/tbourn/go-directory-sync/internal/repo"
	"github.com/tbourn/go-directory-sync/internal/storage"
	"github.com/tbourn/go-directory-sync/internal/syncauth"
	"github.com/tbourn/go-directory-sync/internal/sysutil"
)

// NewServeCommand creates the serve command.
func NewServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the configured role until SIGINT/SIGTERM",
		Long: `Run syncd in the role named by SYNC_ROLE.

  agent    reconciliation queue, scheduler, bootstrap coordinator and the
           admin control surface under /reconcile
  records  signature-gated record store under /sync/users

All settings come from the environment (see .env.example).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, version)
		},
	}
}

// roleRuntime holds what a role starts and must stop on shutdown.
// otelServiceName is OTEL_SERVICE_NAME, or syncd-<role> when unset.
func otelServiceName(cfg config.Config) string {
	return sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, "syncd-"+cfg.Role)
}

type roleRuntime struct {
	deps  httpapi.Deps
	start func(ctx context.Context)
	stop  func()
}

func serve(ctx context.Context, cfg config.Config, version string) error {
	sysutil.SetLogLevel(cfg.LogLevel)
	w, closer := sysutil.LogWriter(cfg.LogPretty, cfg.LogFile)
	defer closer.Close()
	log.Logger = zerolog.New(w).With().Timestamp().Str("role", cfg.Role).Logger()
	gin.SetMode(cfg.GinMode)
	cfg.OTEL.ServiceName = otelServiceName(cfg)

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, cfg.Role, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, store, err := openStores(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
	}
	bus, closeBus := openBus(ctx, cfg, db)
	defer closeBus()

	var rt roleRuntime
	switch cfg.Role {
	case config.RoleAgent:
		rt = agentRuntime(cfg, db, store, bus)
	case config.RoleRecords:
		rt = recordsRuntime(cfg, db, store, bus)
	default:
		return fmt.Errorf("unknown role %q", cfg.Role)
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, rt.deps, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("service", cfg.ServiceName).Str("version", version).Msg("http: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	rt.start(ctx)
	defer rt.stop()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// openStores opens the database (unless storage is in-memory) and the
// secondary storage on top of it.
func openStores(cfg config.Config) (*gorm.DB, storage.Store, error) {
	if cfg.Storage.Driver == "memory" {
		return nil, storage.NewMemory(), nil
	}
	db, err := repo.Open(repo.Options{
		Driver:  cfg.Storage.Driver,
		Path:    cfg.Storage.DBPath,
		DSN:     cfg.Storage.DatabaseURL,
		Tracing: cfg.OTEL.Enabled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return db, storage.NewSQL(db), nil
}

// openBus returns the configured event bus and its closer.
func openBus(ctx context.Context, cfg config.Config, db *gorm.DB) (eventbus.Bus, func()) {
	if cfg.Bus.Driver == "sql" && db != nil {
		b := eventbus.NewSQL(db)
		b.PollInterval = cfg.Bus.PollInterval
		b.Retention = cfg.Bus.Retention
		b.Start(ctx)
		return b, b.Close
	}
	return eventbus.NewMemory(), func() {}
}

func newRecordService(cfg config.Config, db *gorm.DB, store storage.Store) (*records.Service, syncauth.NonceGuard) {
	nonces := syncauth.NonceGuard{Store: store, TTL: cfg.Sync.NonceTTL}
	svc := records.NewService(db, syncauth.Verifier{Secret: cfg.Sync.Secret, MaxSkew: cfg.Sync.MaxSkew}, nonces)
	return svc, nonces
}

func agentRuntime(cfg config.Config, db *gorm.DB, store storage.Store, bus eventbus.Bus) roleRuntime {
	dirs := cfg.Directories
	signer := syncauth.Signer{Secret: cfg.Sync.Secret}

	var writer reconcile.RecordStore
	if dirs.RecordStoreURL != "" {
		writer = records.NewClient(dirs.RecordStoreURL, signer, dirs.Timeout)
	} else {
		svc, _ := newRecordService(cfg, db, store)
		writer = records.LocalWriter{Service: svc, Signer: signer}
	}

	q := reconcile.NewQueue(reconcile.Options{
		Identity:     identity.NewDirectory(identity.NewClient(dirs.IdentityURL, dirs.IdentityToken, dirs.Timeout), dirs.CursorPaging),
		Records:      writer,
		PageSize:     cfg.Reconcile.PageSize,
		PruneOrphans: cfg.Reconcile.PruneOrphans,
	})
	sched := reconcile.NewScheduler(q)
	sched.TickInterval = cfg.Reconcile.TickInterval
	sched.ReconcileInterval = cfg.Reconcile.ReconcileInterval

	coord := &bootstrap.Coordinator{
		Self:      cfg.ServiceName,
		Peer:      cfg.PeerName,
		Store:     store,
		Bus:       bus,
		Reconcile: q.SeedFullReconcile,
	}

	return roleRuntime{
		deps: httpapi.Deps{Queue: q},
		start: func(ctx context.Context) {
			sched.Start(ctx)
			if cfg.Reconcile.OnBoot {
				go coord.Boot(ctx)
			}
		},
		stop: func() {
			coord.Close()
			sched.Stop()
		},
	}
}

func recordsRuntime(cfg config.Config, db *gorm.DB, store storage.Store, bus eventbus.Bus) roleRuntime {
	svc, nonces := newRecordService(cfg, db, store)
	coord := &bootstrap.Coordinator{Self: cfg.ServiceName, Peer: cfg.PeerName, Store: store, Bus: bus}

	return roleRuntime{
		deps: httpapi.Deps{Records: svc, Nonces: nonces.Used},
		start: func(ctx context.Context) {
			if err := coord.Announce(ctx); err != nil {
				log.Warn().Err(err).Msg("bootstrap: announce failed")
				return
			}
			log.Info().Str("service", cfg.ServiceName).Msg("bootstrap: announced readiness")
		},
		stop: func() {},
	}
}
