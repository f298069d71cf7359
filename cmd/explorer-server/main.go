// Explorer node repository server
//
// Features:
// - REST node API with SSE change notifications
// - JSON-RPC over websocket (/rpc) and optional LSP listener (stdio, tcp, ws)
// - In-memory store seeded from YAML (hot reloaded) or PostgreSQL
// - JWT bearer auth with refresh and revocation
// - Prometheus metrics & structured logging (zap)
//
// Sub-commands:
//
//	explorer-server                         Run the server (default)
//	explorer-server migrate [--seed file]   Apply migrations and optionally load a seed
//	explorer-server token --user NAME       Issue an access token
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/explorer/internal/api"
	"github.com/fruitsalade/explorer/internal/auth"
	"github.com/fruitsalade/explorer/internal/config"
	"github.com/fruitsalade/explorer/internal/events"
	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/internal/lspserver"
	"github.com/fruitsalade/explorer/internal/metrics"
	"github.com/fruitsalade/explorer/internal/repository"
	"github.com/fruitsalade/explorer/internal/repository/memory"
	"github.com/fruitsalade/explorer/internal/repository/postgres"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "explorer-server",
		Short:        "Serve explorer node trees to tree view clients",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			defer logging.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.AddCommand(newMigrateCmd(), newTokenCmd())
	return root
}

func initLogging(cfg *config.Config) error {
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}

	// glsp logs through commonlog; keep it quiet unless debugging.
	verbosity := 0
	if cfg.LogLevel == "debug" {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Info("explorer server starting",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	broadcaster := events.NewBroadcaster()
	svc := repository.NewService(store, broadcaster, logging.L())

	var authHandler *auth.Auth
	if cfg.AuthDisabled {
		logging.Warn("authentication disabled")
	} else {
		authHandler = auth.New(cfg.JWTSecret, cfg.TokenTTL)
	}

	srv := api.NewServer(svc, authHandler, logging.L())
	g, gctx := errgroup.WithContext(ctx)

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}
	g.Go(func() error {
		var err error
		if useTLS {
			logging.Info("server listening (TLS 1.3)",
				zap.String("addr", cfg.ListenAddr),
				zap.String("cert", cfg.TLSCertFile))
			err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Start metrics server
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", logging.Err(err))
			}
			return nil
		})
	}

	// Hot reload of the seed file
	if cfg.SeedFile != "" && cfg.WatchSeed {
		watcher, err := repository.NewSeedWatcher(cfg.SeedFile, svc, logging.L())
		if err != nil {
			logging.Warn("seed watcher unavailable", logging.Err(err))
		} else {
			defer watcher.Stop()
			g.Go(func() error {
				watcher.Run(gctx)
				return nil
			})
		}
	}

	if cfg.LSPListen != "" {
		lsp := lspserver.New(srv.Methods(), broadcaster, version, cfg.LogLevel == "debug", logging.L())
		g.Go(func() error {
			return lsp.Serve(gctx, cfg.LSPListen)
		})
	}

	// Periodic pool metrics
	if pg, ok := store.(*postgres.Store); ok {
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					pg.UpdateConnectionMetrics()
				}
			}
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			// SSE streams and websockets do not drain on their own.
			httpServer.Close()
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.Error("server error", logging.Err(err))
		return err
	}
	logging.Info("server stopped")
	return nil
}

// openStore picks PostgreSQL when a database URL is configured and the
// in-memory store otherwise. A seed file fills an empty database.
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	var seed *repository.Seed
	if cfg.SeedFile != "" {
		s, err := repository.LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		seed = s
	}

	if cfg.DatabaseURL == "" {
		if seed == nil {
			logging.Info("using empty in-memory store")
			return memory.New(), nil
		}
		logging.Info("using in-memory store", zap.String("seed", cfg.SeedFile))
		return memory.FromSeed(seed)
	}

	logging.Info("connecting to PostgreSQL...")
	store, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := prepareDatabase(ctx, store, cfg.MigrationsDir, seed); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func prepareDatabase(ctx context.Context, store *postgres.Store, migrationsDir string, seed *repository.Seed) error {
	if dir := findMigrationsDir(migrationsDir); dir != "" {
		logging.Info("running migrations...", zap.String("dir", dir))
		if err := store.Migrate(dir); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	} else {
		logging.Warn("no migrations directory found", zap.String("dir", migrationsDir))
	}

	if seed == nil {
		return nil
	}
	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Info("database already populated, seed not loaded", zap.Int("nodes", n))
		return nil
	}
	if err := store.Replace(ctx, seed); err != nil {
		return fmt.Errorf("load seed: %w", err)
	}
	logging.Info("seed loaded into database")
	return nil
}

func findMigrationsDir(preferred string) string {
	candidates := []string{preferred, "migrations", "../migrations"}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

func newMigrateCmd() *cobra.Command {
	var seedFile string
	var force bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and optionally load a seed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			defer logging.Sync()

			store, err := postgres.New(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer store.Close()

			var seed *repository.Seed
			if seedFile != "" {
				if seed, err = repository.LoadSeed(seedFile); err != nil {
					return err
				}
			}
			if force && seed != nil {
				if err := store.Migrate(findMigrationsDir(cfg.MigrationsDir)); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				return store.Replace(cmd.Context(), seed)
			}
			return prepareDatabase(cmd.Context(), store, cfg.MigrationsDir, seed)
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed", os.Getenv("SEED_FILE"), "seed file loaded into an empty database")
	cmd.Flags().BoolVar(&force, "force", false, "replace existing nodes with the seed")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var user string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			token, exp, err := auth.New(cfg.JWTSecret, cfg.TokenTTL).IssueToken(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default TOKEN_TTL)")
	cmd.MarkFlagRequired("user")
	return cmd
}
