package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/safehands/internal/capability/remote"
	"github.com/ashureev/safehands/internal/capability/rules"
	"github.com/spf13/cobra"
)

func newCapabilitiesCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Serve the rule-based capability providers over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.CapabilityListen
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			return remote.NewServer(rules.New(), logger).Serve(ctx, lis)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default CAPABILITY_LISTEN)")
	return cmd
}
