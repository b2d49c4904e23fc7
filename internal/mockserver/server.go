package mockserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/presencectl/internal/wire"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrUnknownClient = errors.New("mockserver: unknown client")
	ErrPingQueueFull = errors.New("mockserver: ping queue full")
)

type Config struct {
	// PingInterval, when positive, pings every connected client on a ticker.
	PingInterval time.Duration
	// Peers are scripted identities whose presence flips every FlipInterval.
	Peers        []string
	FlipInterval time.Duration
	// ShutdownGrace bounds GracefulStop once Serve's context ends.
	ShutdownGrace time.Duration
}

// Server is an in-process implementation of the remote heartbeat and
// presence service.
type Server struct {
	cfg Config

	mu        sync.Mutex
	clients   map[string]*heartbeatClient
	listeners map[*listener]struct{}
	online    map[string]bool
	pongs     map[string][]wire.Parity
	hellos    []string
}

type heartbeatClient struct {
	id    string
	pings chan string
}

type listener struct {
	watch   map[string]struct{}
	updates chan wire.FriendStatusUpdate
}

var _ wire.Server = (*Server)(nil)

func New(cfg Config) *Server {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	return &Server{
		cfg:       cfg,
		clients:   make(map[string]*heartbeatClient),
		listeners: make(map[*listener]struct{}),
		online:    make(map[string]bool),
		pongs:     make(map[string][]wire.Parity),
	}
}

// NewGRPCServer returns a grpc.Server with s registered and the wire codec
// pinned.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(append([]grpc.ServerOption{wire.ServerOption()}, opts...)...)
	wire.RegisterServer(gs, s)
	return gs
}

// Serve runs a grpc.Server for s on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := s.NewGRPCServer(opts...)
	go s.flipPeers(ctx)
	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(s.cfg.ShutdownGrace):
			log.Warn().Msgf("mockserver.Serve forcing stop after %s", s.cfg.ShutdownGrace)
			gs.Stop()
		}
	}()
	log.Info().Msgf("mockserver.Serve addr=%s", lis.Addr())
	return gs.Serve(lis)
}

func (s *Server) Communicate(stream grpc.ServerStream) error {
	var first wire.ClientMessage
	if err := stream.RecvMsg(&first); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := first.Validate(); err != nil || first.Hello == nil {
		return status.Error(codes.InvalidArgument, "first message must be client_hello")
	}

	c := &heartbeatClient{id: first.Hello.ClientID, pings: make(chan string, 16)}
	s.addClient(c)
	defer s.removeClient(c)
	log.Info().Msgf("mockserver.Communicate hello client_id=%s", c.id)

	errc := make(chan error, 1)
	go func() {
		for {
			var msg wire.ClientMessage
			if err := stream.RecvMsg(&msg); err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				errc <- err
				return
			}
			if msg.Pong != nil {
				s.recordPong(c.id, msg.Pong.Status)
			}
		}
	}()

	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	seq := 0
	for {
		select {
		case err := <-errc:
			return err
		case msg := <-c.pings:
			if err := stream.SendMsg(&wire.Ping{Message: msg}); err != nil {
				return err
			}
		case <-tick:
			seq++
			if err := stream.SendMsg(&wire.Ping{Message: fmt.Sprintf("ping #%d", seq)}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *Server) FriendListener(stream grpc.ServerStream) error {
	var first wire.FriendListenerMessage
	if err := stream.RecvMsg(&first); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := first.Validate(); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	l := &listener{
		watch:   make(map[string]struct{}, len(first.FriendList.FriendIDs)),
		updates: make(chan wire.FriendStatusUpdate, 64),
	}
	for _, id := range first.FriendList.FriendIDs {
		l.watch[id] = struct{}{}
	}
	initial := s.addListener(l)
	defer s.removeListener(l)
	log.Info().Msgf("mockserver.FriendListener watch=%v", first.FriendList.FriendIDs)

	for _, u := range initial {
		if err := stream.SendMsg(&u); err != nil {
			return err
		}
	}

	errc := make(chan error, 1)
	go func() {
		for {
			var msg wire.FriendListenerMessage
			if err := stream.RecvMsg(&msg); err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				errc <- err
				return
			}
		}
	}()

	for {
		select {
		case err := <-errc:
			return err
		case u := <-l.updates:
			if err := stream.SendMsg(&u); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// Ping queues one ping for clientID.
func (s *Server) Ping(clientID, message string) error {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	select {
	case c.pings <- message:
		return nil
	default:
		return ErrPingQueueFull
	}
}

// SetPresence records peer's status and notifies every listener watching it.
func (s *Server) SetPresence(peer string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPresenceLocked(peer, online)
}

// Clients lists identities with an open heartbeat stream.
func (s *Server) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.clients))
	for id := range s.clients {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Listeners counts open presence streams.
func (s *Server) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Pongs returns the parities received from clientID in arrival order.
func (s *Server) Pongs(clientID string) []wire.Parity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pongs[clientID])
}

// Hellos returns every client id that opened a heartbeat stream.
func (s *Server) Hellos() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.hellos)
}

func (s *Server) addClient(c *heartbeatClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	s.hellos = append(s.hellos, c.id)
	s.setPresenceLocked(c.id, true)
}

func (s *Server) removeClient(c *heartbeatClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
		s.setPresenceLocked(c.id, false)
	}
	log.Info().Msgf("mockserver.Communicate closed client_id=%s", c.id)
}

func (s *Server) addListener(l *listener) []wire.FriendStatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l] = struct{}{}
	var initial []wire.FriendStatusUpdate
	for id := range l.watch {
		if online, ok := s.online[id]; ok {
			initial = append(initial, wire.FriendStatusUpdate{ClientID: id, IsOnline: online})
		}
	}
	slices.SortFunc(initial, func(a, b wire.FriendStatusUpdate) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return initial
}

func (s *Server) removeListener(l *listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

func (s *Server) recordPong(clientID string, parity wire.Parity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pongs[clientID] = append(s.pongs[clientID], parity)
	log.Debug().Msgf("mockserver.Communicate pong client_id=%s parity=%s", clientID, parity)
}

func (s *Server) setPresenceLocked(peer string, online bool) {
	s.online[peer] = online
	update := wire.FriendStatusUpdate{ClientID: peer, IsOnline: online}
	for l := range s.listeners {
		if _, ok := l.watch[peer]; !ok {
			continue
		}
		select {
		case l.updates <- update:
		default:
			log.Warn().Msgf("mockserver.SetPresence dropped peer=%s", peer)
		}
	}
}

func (s *Server) flipPeers(ctx context.Context) {
	if len(s.cfg.Peers) == 0 || s.cfg.FlipInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.FlipInterval)
	defer ticker.Stop()
	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peer := s.cfg.Peers[next%len(s.cfg.Peers)]
			next++
			s.mu.Lock()
			s.setPresenceLocked(peer, !s.online[peer])
			s.mu.Unlock()
		}
	}
}
