package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"unnamed-rts/server/internal/transport"
)

func newRootCmd() *cobra.Command {
	var opts botOptions
	cmd := &cobra.Command{
		Use:           "rts-bot",
		Short:         "Headless client that issues random orders and reports prediction error",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			_, err := runBot(ctx, opts, cmd.ErrOrStderr())
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", "127.0.0.1:7777", "server UDP address, or a ws:// URL")
	flags.DurationVar(&opts.duration, "duration", 0, "stop after this long; zero runs until interrupted")
	flags.DurationVar(&opts.orderEvery, "order-every", 2*time.Second, "interval between random move orders")
	flags.Uint64Var(&opts.seed, "seed", 1, "random seed for orders")
	flags.Uint32Var(&opts.protocolID, "protocol-id", transport.DefaultConfig().ProtocolID, "transport protocol id")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "rts-bot: %v\n", err)
		os.Exit(1)
	}
}
