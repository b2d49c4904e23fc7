package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/presencectl/internal/observability"
	"github.com/danmuck/presencectl/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Controller is the session surface the HTTP layer drives. *session.Manager
// satisfies it.
type Controller interface {
	Connect(ctx context.Context, identity string, watchList []string) error
	Disconnect(ctx context.Context)
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) (cancel func())
}

type Config struct {
	Name        string
	Addr        string
	CORSOrigins []string
	// ClientID and WatchList are used by POST /connect when the request body
	// leaves them empty.
	ClientID  string
	WatchList []string
}

// Server exposes session state over HTTP and a websocket feed.
type Server struct {
	cfg      Config
	ctl      Controller
	router   *gin.Engine
	hub      *Hub
	appeared time.Time

	unsubscribe func()
}

func New(cfg Config, ctl Controller) *Server {
	if cfg.Name == "" {
		cfg.Name = "presencectl"
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger(cfg.Name, "http")))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		ctl:      ctl,
		router:   r,
		hub:      NewHub(),
		appeared: time.Now(),
	}
	s.unsubscribe = ctl.Subscribe(s.hub.Publish)
	s.registerRoutes()
	return s
}

// Close stops feeding the hub and drops websocket clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.Close()
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves HTTP on cfg.Addr and feeds the websocket hub until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("server.Run addr=%s", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Msgf("server.Run shutdown err=%v", err)
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
