// Package api exposes the tunnel manager over a local HTTP control surface.
//
// Routes:
//
//	GET    /healthz
//	GET    /metrics
//	GET    /api/v1/tunnels
//	GET    /api/v1/tunnels/:name
//	POST   /api/v1/tunnels/:name/start|stop|toggle   (?sync=true waits for stop)
//	GET    /api/v1/quick
//	POST   /api/v1/quick                             {"url": "http://localhost:5173"}
//	DELETE /api/v1/quick/:id
//	POST   /api/v1/stop-all
//	POST   /api/v1/rescan
//	GET    /api/v1/events                            websocket stream of bus events
//	GET    /api/v1/events/history                    journal entries
//
// The server is meant to listen on loopback only; it has no authentication.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/logger"
	"github.com/treykane/tunnelkeeper/internal/tunnel"
)

const shutdownTimeout = 5 * time.Second

// Server serves the control API for one manager.
type Server struct {
	mgr      *tunnel.Manager
	journal  *events.Store
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// New creates a server. journal may be nil, in which case the history route
// returns an empty list.
func New(mgr *tunnel.Manager, journal *events.Store) *Server {
	return &Server{
		mgr:     mgr,
		journal: journal,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHostOrigin,
		},
		log: logger.WithComponent("api"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/tunnels", s.listTunnels)
	v1.GET("/tunnels/:name", s.getTunnel)
	v1.POST("/tunnels/:name/start", s.startTunnel)
	v1.POST("/tunnels/:name/stop", s.stopTunnel)
	v1.POST("/tunnels/:name/toggle", s.toggleTunnel)
	v1.GET("/quick", s.listQuick)
	v1.POST("/quick", s.startQuick)
	v1.DELETE("/quick/:id", s.stopQuick)
	v1.POST("/stop-all", s.stopAll)
	v1.POST("/rescan", s.rescan)
	v1.GET("/events", s.streamEvents)
	v1.GET("/events/history", s.eventHistory)
	return r
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// sameHostOrigin accepts non-browser clients and pages served from the API's
// own host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
