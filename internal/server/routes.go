package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/presencectl/internal/session"
	"github.com/danmuck/presencectl/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type connectRequest struct {
	ClientID  string   `json:"client_id"`
	WatchList []string `json:"watch_list"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Name,
			"version": "0.0.1",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ctl.Snapshot())
	})

	s.router.POST("/connect", func(c *gin.Context) {
		var req connectRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.ClientID == "" {
			req.ClientID = s.cfg.ClientID
		}
		if req.WatchList == nil {
			req.WatchList = s.cfg.WatchList
		}

		if err := s.ctl.Connect(c.Request.Context(), req.ClientID, req.WatchList); err != nil {
			c.JSON(connectStatus(err), gin.H{"error": err.Error(), "state": s.ctl.Snapshot()})
			return
		}
		c.JSON(http.StatusOK, s.ctl.Snapshot())
	})

	s.router.POST("/disconnect", func(c *gin.Context) {
		s.ctl.Disconnect(c.Request.Context())
		c.JSON(http.StatusOK, s.ctl.Snapshot())
	})

	s.router.GET("/ws", s.handleWS)
}

func connectStatus(err error) int {
	var connErr *transport.ConnectionError
	switch {
	case errors.Is(err, session.ErrIdentityRequired):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrConnectAborted):
		return http.StatusConflict
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleWS(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Msgf("server.handleWS upgrade err=%v", err)
		return
	}

	cl := s.hub.Add(conn, s.ctl.Snapshot)
	log.Debug().Msgf("server.handleWS connected remote=%s", c.Request.RemoteAddr)
	go func() {
		defer func() {
			s.hub.Remove(cl)
			log.Debug().Msgf("server.handleWS disconnected remote=%s", c.Request.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// checkOrigin allows same-host requests, requests without an Origin header
// and the configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range normalizeOrigins(s.cfg.CORSOrigins) {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
