package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/explorer/internal/explorer"
	"github.com/fruitsalade/explorer/pkg/client"
)

func newTreeCmd() *cobra.Command {
	var depth int
	var ids, resources bool
	cmd := &cobra.Command{
		Use:   "tree [VIEW]",
		Short: "Print an explorer view",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			e, err := s.view(ctx, optionalArg(args))
			if err != nil {
				return err
			}
			if resources {
				defer e.AddDecorator(resourceDecorator())()
			}
			p := &treePrinter{engine: e, w: cmd.OutOrStdout(), maxDepth: depth, showIDs: ids}
			return p.print(ctx)
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", 0, "levels to expand (0 = all)")
	cmd.Flags().BoolVar(&ids, "ids", false, "show node ids")
	cmd.Flags().BoolVar(&resources, "resources", false, "show resource URIs of items without description")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var depth int
	var ids bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch [VIEW]",
		Short: "Print an explorer view and redraw it whenever it changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			e, err := s.view(ctx, optionalArg(args))
			if err != nil {
				return err
			}
			changes, unsubscribe := e.Subscribe(0)
			defer unsubscribe()

			// Over HTTP the notifications come from the SSE stream; JSON-RPC
			// connections deliver them on their own.
			if s.http != nil {
				go func() {
					if err := s.http.Watch(ctx); err != nil && ctx.Err() == nil {
						color.Red("event stream: %v", err)
					}
				}()
			}

			if interval > 0 {
				go func() {
					ticker := time.NewTicker(interval)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
							e.FireItemChange(nil)
						}
					}
				}()
			}

			out := cmd.OutOrStdout()
			p := &treePrinter{engine: e, w: out, maxDepth: depth, showIDs: ids}
			// An item change only re-fetches pending items; the rest of the
			// tree is drawn from the cache.
			draw := func(reason string, reuse bool) {
				fmt.Fprintf(out, "\n%s %s\n", color.New(color.Faint).Sprint(time.Now().Format(time.TimeOnly)), reason)
				p.reuse = reuse
				if err := p.print(ctx); err != nil && ctx.Err() == nil {
					color.Red("render: %v", err)
				}
			}
			draw("initial", false)

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-changes:
					if !ok {
						return nil
					}
					// Coalesce a burst into one redraw.
					all := ev.All
				drain:
					for {
						select {
						case more, ok := <-changes:
							if !ok {
								break drain
							}
							all = all || more.All
						default:
							break drain
						}
					}
					if all || ev.Item == nil {
						draw("view changed", false)
					} else {
						draw("changed: "+ev.Item.Label(), true)
					}
				}
			}
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", 0, "levels to expand (0 = all)")
	cmd.Flags().BoolVar(&ids, "ids", false, "show node ids")
	cmd.Flags().DurationVar(&interval, "interval", 0, "also redraw the whole view at this interval (0 = only on change)")
	return cmd
}

func parseNodeID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", arg)
	}
	return id, nil
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info NODE_ID",
		Short: "Show the presentation of one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			info, err := s.repo.Info(ctx, id)
			if err != nil {
				return err
			}
			bold := color.New(color.Bold).SprintFunc()
			out := cmd.OutOrStdout()
			field := func(name, value string) {
				if value != "" {
					fmt.Fprintf(out, "%-12s %s\n", bold(name), value)
				}
			}
			field("id", strconv.Itoa(info.ID))
			field("label", info.Label)
			field("name", info.Name)
			field("description", info.Description)
			field("tooltip", info.Tooltip)
			field("icon", info.IconURI)
			field("resource", info.ResourceURI)
			field("context", info.ContextValue)
			field("command", info.Command)
			field("collapsible", info.CollapsibleState.String())
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NODE_ID",
		Short: "Delete a node and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			info, err := s.repo.Info(ctx, id)
			if err != nil {
				return err
			}
			if err := s.registry.DeleteNode(ctx, explorer.NewVisualizer(*info, "")); err != nil {
				return err
			}
			if s.refusals == 0 {
				color.Green("Deleted %s", info.Label)
			}
			return nil
		},
	}
}

func newCollapseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collapse NODE_ID [VIEW]",
		Short: "Tell the repository a node was collapsed so it may release its children",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			e, err := s.view(ctx, optionalArg(args[1:]))
			if err != nil {
				return err
			}
			info, err := s.repo.Info(ctx, id)
			if err != nil {
				return err
			}
			if err := e.Collapse(ctx, explorer.NewVisualizer(*info, "")); err != nil {
				return err
			}
			color.Green("Collapsed %s", info.Label)
			return nil
		},
	}
}

func newConfigureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure VIEW [EXPORT_CLASS...]",
		Short: "Set the export classes of a view",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			e, err := s.view(ctx, args[0])
			if err != nil {
				return err
			}
			if err := e.Configure(ctx, args[1:]); err != nil {
				return err
			}
			color.Green("Configured %s: %s", args[0], strings.Join(args[1:], ", "))
			return nil
		},
	}
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login --token TOKEN",
		Short: "Save an access token for the configured server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tokenArg := token
			if tokenArg == "" {
				tokenArg = os.Getenv("EXPLORER_TOKEN")
			}
			if tokenArg == "" {
				return fmt.Errorf("no token given: use --token or EXPLORER_TOKEN")
			}

			tf, err := client.NewTokenFile(tokenArg, cfg.Server)
			if err != nil {
				return err
			}
			if tf.IsExpired(0) {
				return fmt.Errorf("token expired at %s", tf.ExpiresAt.Format(time.RFC3339))
			}

			c := client.New(client.Config{BaseURL: strings.TrimSuffix(cfg.Server, "/"), Timeout: cfg.Timeout, AuthToken: tf.Token})
			if err := c.Ping(cmd.Context()); err != nil {
				color.Yellow("Warning: server not reachable: %v", err)
			}

			path := tokenPath(cfg)
			if err := client.SaveToken(path, tf); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			color.Green("Logged in as %s. Token saved to %s", tf.Subject, path)
			return nil
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the saved token for a fresh one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := tokenPath(cfg)
			tf, err := client.LoadToken(path)
			if err != nil {
				return fmt.Errorf("no saved token: %w", err)
			}

			c := client.New(client.Config{BaseURL: strings.TrimSuffix(tf.Server, "/"), Timeout: cfg.Timeout, AuthToken: tf.Token})
			resp, err := c.RefreshToken(cmd.Context())
			if err != nil {
				return err
			}
			tf.Token = resp.Token
			tf.ExpiresAt = resp.ExpiresAt
			if err := client.SaveToken(path, tf); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			color.Green("Token refreshed, valid until %s", tf.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := client.DeleteToken(tokenPath(cfg)); err != nil {
				return fmt.Errorf("delete token file: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}
