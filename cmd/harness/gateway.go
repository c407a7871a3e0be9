package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmoyers/harness-sub010/control"
	"github.com/jmoyers/harness-sub010/internal/config"
)

// newController resolves config and workspace for the current invocation.
func newController(cmd *cobra.Command, sessionName string) (*control.Gateway, error) {
	cfg := config.Load("")
	if sessionName == "" {
		sessionName = cfg.Session.Name
	}
	ws, err := control.ResolveWorkspace(cfg.ConfigRoot, cfg.InvokeCwd, sessionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	return control.NewGateway(cfg, ws,
		control.WithLogger(logger),
		control.WithOutput(cmd.OutOrStdout()),
	), nil
}

func printStatus(cmd *cobra.Command, g *control.Gateway) error {
	info, err := g.Status(cmd.Context())
	if err != nil {
		return err
	}
	if info.PID == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "gateway: not running")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"gateway: pid=%d addr=%s alive=%t reachable=%t sessions=%d live=%d\n",
		info.PID, info.Addr, info.Running, info.Reachable, info.Sessions, info.Live)
	return nil
}

func newGatewayCmd(sessionName *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "manage the gateway daemon",
	}

	var start control.StartOptions
	addStartFlags := func(c *cobra.Command) {
		c.Flags().StringVar(&start.Host, "host", "", "listen host")
		c.Flags().IntVar(&start.Port, "port", 0, "listen port")
		c.Flags().StringVar(&start.AuthToken, "auth-token", "", "connection auth token")
		c.Flags().StringVar(&start.StateDBPath, "state-db-path", "", "state database path")
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "start a detached gateway daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newController(cmd, *sessionName)
			if err != nil {
				return err
			}
			return g.Start(cmd.Context(), start)
		},
	}
	addStartFlags(startCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the gateway in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newController(cmd, *sessionName)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return g.Run(ctx, start)
		},
	}
	addStartFlags(runCmd)

	var (
		force            bool
		timeoutMs        int
		cleanupOrphans   bool
		noCleanupOrphans bool
	)
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "stop the gateway daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newController(cmd, *sessionName)
			if err != nil {
				return err
			}
			return g.Stop(cmd.Context(), control.StopOptions{
				Force:          force,
				Timeout:        time.Duration(timeoutMs) * time.Millisecond,
				CleanupOrphans: cleanupOrphans && !noCleanupOrphans,
			})
		},
	}
	stopCmd.Flags().BoolVar(&force, "force", false, "escalate to SIGKILL on timeout")
	stopCmd.Flags().IntVar(&timeoutMs, "timeout-ms", 5000, "exit wait deadline")
	stopCmd.Flags().BoolVar(&cleanupOrphans, "cleanup-orphans", true, "reap orphaned workspace processes")
	stopCmd.Flags().BoolVar(&noCleanupOrphans, "no-cleanup-orphans", false, "skip orphan cleanup")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "report daemon reachability and session counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newController(cmd, *sessionName)
			if err != nil {
				return err
			}
			return printStatus(cmd, g)
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "force-stop and start the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newController(cmd, *sessionName)
			if err != nil {
				return err
			}
			return g.Restart(cmd.Context(), start)
		},
	}
	addStartFlags(restartCmd)

	var callJSON string
	callCmd := &cobra.Command{
		Use:   "call",
		Short: "send one command to the running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if callJSON == "" {
				return fmt.Errorf("%w: --json is required", errUsage)
			}
			g, err := newController(cmd, *sessionName)
			if err != nil {
				return err
			}
			result, err := g.CallJSON(cmd.Context(), []byte(callJSON))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}
	callCmd.Flags().StringVar(&callJSON, "json", "", "command payload as JSON")

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "remove week-old dead session subtrees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newController(cmd, *sessionName)
			if err != nil {
				return err
			}
			res, err := g.GC()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gc: removed=%d skipped=%d\n", res.Removed, res.Skipped)
			return nil
		},
	}

	cmd.AddCommand(startCmd, runCmd, stopCmd, statusCmd, restartCmd, callCmd, gcCmd)
	return cmd
}
