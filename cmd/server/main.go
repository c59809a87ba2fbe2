package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"unnamed-rts/server/internal/app"
)

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "rts-server",
		Short:         "Authoritative RTS game server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, app.Options{ConfigPath: configPath, Output: cmd.ErrOrStderr()})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file; RTS_* environment variables override it")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "rts-server: %v\n", err)
		os.Exit(1)
	}
}
