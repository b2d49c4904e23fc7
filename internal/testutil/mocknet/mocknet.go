// Package mocknet runs a mockserver behind an in-memory gRPC listener.
package mocknet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/presencectl/internal/mockserver"
	"github.com/danmuck/presencectl/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const Target = "passthrough:///bufnet"

type Net struct {
	Server   *mockserver.Server
	Listener *bufconn.Listener
}

// Start serves a fresh mockserver until the test ends.
func Start(t testing.TB, cfg mockserver.Config) *Net {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := mockserver.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("mocknet: server did not stop")
		}
	})
	return &Net{Server: srv, Listener: lis}
}

// DialOption routes every dial through the in-memory listener.
func (n *Net) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return n.Listener.DialContext(ctx)
	})
}

// Dialer returns a transport.Dialer bound to the in-memory listener.
func (n *Net) Dialer(t testing.TB) *transport.Dialer {
	t.Helper()
	d, err := transport.NewDialer(transport.Config{Target: Target, ConnectTimeout: 2 * time.Second}, n.DialOption())
	if err != nil {
		t.Fatalf("mocknet: dialer: %v", err)
	}
	return d
}
