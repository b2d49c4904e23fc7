package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var (
	ErrTargetRequired  = errors.New("transport: target required")
	ErrChannelShutdown = errors.New("transport: channel shut down")
)

// ConnectionError reports that no Transport Handle could be established.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Handle is a connected channel able to open concurrent streaming calls.
// *grpc.ClientConn satisfies it.
type Handle interface {
	NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error)
	Close() error
}

// Provider yields Transport Handles.
type Provider interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Dialer is the gRPC Provider. Each Acquire builds a fresh channel and waits
// until it is ready or ConnectTimeout elapses.
type Dialer struct {
	cfg   Config
	extra []grpc.DialOption
}

var _ Provider = (*Dialer)(nil)

func NewDialer(cfg Config, extra ...grpc.DialOption) (*Dialer, error) {
	cfg = cfg.WithDefaults()
	if cfg.Target == "" {
		return nil, ErrTargetRequired
	}
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	return &Dialer{cfg: cfg, extra: extra}, nil
}

func (d *Dialer) Target() string {
	return d.cfg.Target
}

func (d *Dialer) Acquire(ctx context.Context) (Handle, error) {
	opts, err := d.dialOptions()
	if err != nil {
		return nil, &ConnectionError{Target: d.cfg.Target, Err: err}
	}
	conn, err := grpc.NewClient(d.cfg.Target, opts...)
	if err != nil {
		return nil, &ConnectionError{Target: d.cfg.Target, Err: err}
	}

	readyCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	if err := waitReady(readyCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			log.Debug().Msgf("transport.Dialer.Acquire close after failure target=%q err=%v", d.cfg.Target, closeErr)
		}
		return nil, &ConnectionError{Target: d.cfg.Target, Err: err}
	}
	log.Debug().Msgf("transport.Dialer.Acquire ready target=%q tls=%v", d.cfg.Target, d.cfg.TLS.Enabled)
	return conn, nil
}

func (d *Dialer) dialOptions() ([]grpc.DialOption, error) {
	creds := insecure.NewCredentials()
	if d.cfg.TLS.Enabled {
		tlsCfg, err := d.cfg.clientTLSConfig()
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsCfg)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  d.cfg.Backoff.InitialDelay,
				Multiplier: d.cfg.Backoff.Multiplier,
				Jitter:     d.cfg.Backoff.Jitter,
				MaxDelay:   d.cfg.Backoff.MaxDelay,
			},
			MinConnectTimeout: d.cfg.MinConnectTimeout,
		}),
	}
	if d.cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    d.cfg.KeepaliveTime,
			Timeout: d.cfg.KeepaliveTimeout,
		}))
	}
	return append(opts, d.extra...), nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return ErrChannelShutdown
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("%w (last state %s)", ctx.Err(), strings.ToLower(state.String()))
		}
	}
}
