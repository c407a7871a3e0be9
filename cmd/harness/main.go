// Command harness manages the terminal-multiplexer gateway: it keeps one
// daemon per workspace alive and exposes the lifecycle subcommands.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmoyers/harness-sub010/control"
)

// errUsage marks CLI misuse so main can exit 2 instead of 1.
var errUsage = errors.New("usage")

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "harness: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var sessionName string

	cmd := &cobra.Command{
		Use:           "harness",
		Short:         "terminal multiplexer gateway for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Bare invocation: make sure a gateway is up, then report it.
			// The interactive multiplexer UI attaches separately.
			g, err := newController(cmd, sessionName)
			if err != nil {
				return err
			}
			if err := g.Start(cmd.Context(), control.StartOptions{}); err != nil {
				return err
			}
			return printStatus(cmd, g)
		},
	}
	cmd.PersistentFlags().StringVar(&sessionName, "session", "", "named session scope")
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	cmd.AddCommand(newGatewayCmd(&sessionName))
	return cmd
}
