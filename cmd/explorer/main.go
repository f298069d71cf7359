// Explorer CLI
//
// Browses node repository views from the terminal through the same tree sync
// engine an editor extension uses.
//
// Sub-commands:
//
//	explorer tree [VIEW]            Print a view
//	explorer watch [VIEW]           Print a view and redraw it on change
//	explorer info NODE_ID           Show one node
//	explorer delete NODE_ID         Delete a node
//	explorer collapse NODE_ID [VIEW] Release the children of a node
//	explorer configure VIEW CLASS…  Set the export classes of a view
//	explorer login --token TOKEN    Save an access token
//	explorer refresh                Exchange the saved token for a fresh one
//	explorer logout                 Forget the saved token
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/config"
	"github.com/fruitsalade/explorer/internal/explorer"
	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/pkg/client"
	"github.com/fruitsalade/explorer/pkg/retry"
)

var version = "dev"

// Global flags
var (
	configPath string
	serverURL  string
	rpcAddr    string
	token      string
	verbose    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "explorer",
		Short:         "Browse node repository views from the terminal",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "client config file (default "+config.DefaultClientConfigPath()+")")
	flags.StringVar(&serverURL, "server", "", "HTTP base URL of the node repository")
	flags.StringVar(&rpcAddr, "rpc", "", "JSON-RPC address (tcp://host:port or ws://host:port/rpc); overrides --server")
	flags.StringVar(&token, "token", "", "access token (default $EXPLORER_TOKEN or the saved token)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newTreeCmd(),
		newWatchCmd(),
		newInfoCmd(),
		newDeleteCmd(),
		newCollapseCmd(),
		newConfigureCmd(),
		newLoginCmd(),
		newRefreshCmd(),
		newLogoutCmd(),
	)
	return root
}

// loadConfig reads the client config and applies the global flags.
func loadConfig() (config.ClientConfig, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return cfg, err
	}
	if serverURL != "" {
		cfg.Server = serverURL
	}
	if rpcAddr != "" {
		cfg.RPC = rpcAddr
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return cfg, fmt.Errorf("logging init error: %w", err)
	}
	return cfg, nil
}

func tokenPath(cfg config.ClientConfig) string {
	if cfg.TokenFile != "" {
		return cfg.TokenFile
	}
	return client.TokenFilePath()
}

// resolveToken picks the token from the flag, the environment or the token
// file, in that order. An expired saved token is ignored with a warning.
func resolveToken(cfg config.ClientConfig) string {
	if token != "" {
		return token
	}
	if t := os.Getenv("EXPLORER_TOKEN"); t != "" {
		return t
	}
	tf, err := client.LoadToken(tokenPath(cfg))
	if err != nil {
		return ""
	}
	if tf.IsExpired(0) {
		color.Yellow("Saved token has expired. Run 'explorer login' to authenticate.")
		return ""
	}
	return tf.Token
}

// session is an open connection to a node repository.
type session struct {
	cfg      config.ClientConfig
	repo     explorer.Repository
	registry *explorer.Registry
	http     *client.Client // nil over JSON-RPC
	close    func()

	refusals int // messages shown through the notifier
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.L()
	s := &session{cfg: cfg, close: func() {}}

	if cfg.RPC != "" {
		rc, err := client.DialRPC(ctx, cfg.RPC, logger)
		if err != nil {
			return nil, err
		}
		if err := rc.Initialize(ctx); err != nil {
			rc.Close()
			return nil, err
		}
		s.repo = rc
		s.close = func() { rc.Close() }
	} else {
		rc := retry.DefaultConfig()
		rc.MaxAttempts = cfg.Retries + 1
		hc := client.New(client.Config{
			BaseURL:     strings.TrimSuffix(cfg.Server, "/"),
			Timeout:     cfg.Timeout,
			RetryConfig: rc,
			AuthToken:   resolveToken(cfg),
			Logger:      logger,
		})
		s.repo = hc
		s.http = hc
	}

	s.registry = explorer.NewRegistry(s.repo, explorer.RegistryConfig{
		Engine: explorer.EngineConfig{
			MaxFetchRetries:  cfg.MaxFetchRetries,
			FetchConcurrency: cfg.FetchConcurrent,
			DuplicateWindow:  cfg.DuplicateWindow,
		},
		Notifier: explorer.NotifierFunc(func(_ context.Context, message string) {
			s.refusals++
			color.New(color.FgRed).Fprintln(os.Stderr, message)
		}),
		Logger: logger,
	})
	closeRepo := s.close
	s.close = func() {
		s.registry.Close()
		closeRepo()
		logging.Sync()
	}
	logger.Debug("session opened", zap.String("server", cfg.Server), zap.String("rpc", cfg.RPC))
	return s, nil
}

// view opens the named view, or the configured default when name is empty.
func (s *session) view(ctx context.Context, name string) (*explorer.Engine, error) {
	if name == "" {
		name = s.cfg.View
	}
	e, err := s.registry.CreateView(ctx, name)
	if errors.Is(err, explorer.ErrUnsupportedView) {
		return nil, fmt.Errorf("no explorer view named %q", name)
	}
	return e, err
}

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
