package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/presencectl/internal/logging"
	"github.com/danmuck/presencectl/internal/mockserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "presence-mock: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr string
		cfg  mockserver.Config
	)
	cmd := &cobra.Command{
		Use:          "presence-mock",
		Short:        "Local heartbeat and presence service for development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := mockserver.New(cfg)
			for _, peer := range cfg.Peers {
				srv.SetPresence(peer, false)
			}
			log.Info().Msgf(
				"presence-mock ready addr=%s ping_interval=%s peers=%v flip_interval=%s",
				lis.Addr(), cfg.PingInterval, cfg.Peers, cfg.FlipInterval,
			)
			return srv.Serve(ctx, lis)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:50051", "listen address")
	f.DurationVar(&cfg.PingInterval, "ping-interval", 2*time.Second, "ping every connected client at this interval (0 disables)")
	f.StringSliceVar(&cfg.Peers, "peers", []string{"alice", "bob"}, "scripted peer identities")
	f.DurationVar(&cfg.FlipInterval, "flip-interval", 5*time.Second, "toggle one scripted peer at this interval (0 disables)")
	f.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 2*time.Second, "graceful stop bound on interrupt")
	return cmd
}
