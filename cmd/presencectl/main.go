package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/presencectl/internal/logging"
	"github.com/danmuck/presencectl/internal/server"
	"github.com/danmuck/presencectl/internal/session"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// flagOverrides holds command-line values that win over the config file.
type flagOverrides struct {
	configPath string
	target     string
	clientID   string
	watch      []string
	adminAddr  string
	noConnect  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "presencectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags flagOverrides
	root := &cobra.Command{
		Use:           "presencectl",
		Short:         "Heartbeat and presence client for the remote session service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	pf.StringVar(&flags.target, "target", "", "service address host:port")
	pf.StringVar(&flags.clientID, "client-id", "", "client identifier sent in the hello")
	pf.StringSliceVar(&flags.watch, "watch", nil, "peer identifiers to watch")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the session manager with the admin HTTP and websocket surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg)
		},
	}
	runCmd.Flags().StringVar(&flags.adminAddr, "admin-addr", "", "admin HTTP listen address")
	runCmd.Flags().BoolVar(&flags.noConnect, "no-connect", false, "wait for POST /connect instead of connecting at start")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect once and log every state change until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cfg)
		},
	}

	root.AddCommand(runCmd, watchCmd)
	return root
}

func resolveConfig(cmd *cobra.Command, flags flagOverrides) (Config, error) {
	cfg, err := readConfig(flags.configPath)
	if err != nil {
		return Config{}, err
	}
	if cmd.Flags().Changed("target") {
		cfg.Transport.Target = strings.TrimSpace(flags.target)
	}
	if cmd.Flags().Changed("client-id") {
		cfg.ClientID = strings.TrimSpace(flags.clientID)
	}
	if cmd.Flags().Changed("watch") {
		cfg.WatchList = flags.watch
	}
	if cmd.Flags().Changed("admin-addr") {
		cfg.AdminAddr = strings.TrimSpace(flags.adminAddr)
	}
	if flags.noConnect {
		cfg.AutoConnect = false
	}
	return finalize(cfg)
}

func newManager(cfg Config) (*session.Manager, error) {
	dialer, err := transport.NewDialer(cfg.Transport)
	if err != nil {
		return nil, err
	}
	return session.NewManager(cfg.Session, dialer), nil
}

func runService(ctx context.Context, cfg Config) error {
	m, err := newManager(cfg)
	if err != nil {
		return err
	}
	srv := server.New(server.Config{
		Name:        "presencectl",
		Addr:        cfg.AdminAddr,
		CORSOrigins: cfg.CORSOrigins,
		ClientID:    cfg.ClientID,
		WatchList:   cfg.WatchList,
	}, m)

	log.Info().Msgf(
		"presencectl.run ready target=%s client_id=%s watch=%v admin=%s auto_connect=%v",
		cfg.Transport.Target, cfg.ClientID, cfg.WatchList, cfg.AdminAddr, cfg.AutoConnect,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.AutoConnect {
		g.Go(func() error {
			if err := m.Connect(gctx, cfg.ClientID, cfg.WatchList); err != nil {
				// The admin surface stays up so an operator can retry.
				log.Warn().Msgf("presencectl.run connect failed err=%v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		disconnect(m)
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runWatch(ctx context.Context, cfg Config) error {
	m, err := newManager(cfg)
	if err != nil {
		return err
	}
	var last session.Snapshot
	cancel := m.Subscribe(func(s session.Snapshot) {
		if s.Status != last.Status {
			log.Info().Msgf("presencectl.watch status=%q", s.Status)
		}
		for peer, online := range s.Presence {
			if prev, ok := last.Presence[peer]; !ok || prev != online {
				log.Info().Msgf("presencectl.watch peer=%s online=%v", peer, online)
			}
		}
		last = s
	})
	defer cancel()

	if err := m.Connect(ctx, cfg.ClientID, cfg.WatchList); err != nil {
		return err
	}
	defer disconnect(m)

	done := make(chan struct{})
	unsubscribe := m.Subscribe(func(s session.Snapshot) {
		if s.State == session.StateDisconnected {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return nil
	case <-done:
		snap := m.Snapshot()
		if snap.Reason != "" {
			return fmt.Errorf("session ended: %s", snap.Reason)
		}
		return nil
	}
}

func disconnect(m *session.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Disconnect(ctx)
}
