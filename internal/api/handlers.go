package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/model"
	"github.com/treykane/tunnelkeeper/internal/security"
	"github.com/treykane/tunnelkeeper/internal/tunnel"
)

type errorResponse struct {
	Error string `json:"error"`
}

type tunnelsResponse struct {
	Managed  []model.ManagedTunnel `json:"managed"`
	Quick    []model.QuickTunnel   `json:"quick"`
	DirError string                `json:"dir_error,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
}

type quickRequest struct {
	URL string `json:"url" binding:"required"`
}

type quickResponse struct {
	ID string `json:"id"`
}

// statusFor maps manager errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tunnel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tunnel.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, tunnel.ErrStopInProgress):
		return http.StatusConflict
	case errors.Is(err, tunnel.ErrOffline):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Warn("request failed", "path", c.FullPath(), "error", security.DebugMessage(err))
	}
	c.JSON(code, errorResponse{Error: security.UserMessage(err, true)})
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if err := s.mgr.DirError(); err != nil {
		body["status"] = "degraded"
		body["dir_error"] = security.RedactMessage(err.Error())
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listTunnels(c *gin.Context) {
	resp := tunnelsResponse{
		Managed:  s.mgr.Managed(),
		Quick:    s.mgr.Quick(),
		Warnings: s.mgr.Warnings(),
	}
	if err := s.mgr.DirError(); err != nil {
		resp.DirError = security.RedactMessage(err.Error())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getTunnel(c *gin.Context) {
	t, err := s.mgr.Get(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) startTunnel(c *gin.Context) {
	name := c.Param("name")
	if err := s.mgr.Start(name); err != nil {
		s.fail(c, err)
		return
	}
	s.respondTunnel(c, name, http.StatusAccepted)
}

func (s *Server) stopTunnel(c *gin.Context) {
	name := c.Param("name")
	wait := c.Query("sync") == "true"
	if err := s.mgr.Stop(name, wait); err != nil {
		s.fail(c, err)
		return
	}
	code := http.StatusAccepted
	if wait {
		code = http.StatusOK
	}
	s.respondTunnel(c, name, code)
}

func (s *Server) toggleTunnel(c *gin.Context) {
	name := c.Param("name")
	if err := s.mgr.Toggle(name); err != nil {
		s.fail(c, err)
		return
	}
	s.respondTunnel(c, name, http.StatusAccepted)
}

func (s *Server) respondTunnel(c *gin.Context, name string, code int) {
	t, err := s.mgr.Get(name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(code, t)
}

func (s *Server) listQuick(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Quick())
}

func (s *Server) startQuick(c *gin.Context) {
	var req quickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "request body must be {\"url\": \"<local url>\"}"})
		return
	}
	id, err := s.mgr.StartQuick(req.URL)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, quickResponse{ID: id})
}

func (s *Server) stopQuick(c *gin.Context) {
	if err := s.mgr.StopQuick(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) stopAll(c *gin.Context) {
	s.mgr.StopAll(c.Query("sync") == "true")
	c.Status(http.StatusNoContent)
}

func (s *Server) rescan(c *gin.Context) {
	if err := s.mgr.Rescan(); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: security.RedactMessage(err.Error())})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tunnels": len(s.mgr.Managed())})
}

func (s *Server) eventHistory(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusOK, []events.Event{})
		return
	}
	q := events.Query{
		Name: c.Query("name"),
		Kind: events.Kind(c.Query("kind")),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "since must be a duration such as 1h"})
			return
		}
		q.Since = time.Now().Add(-d)
	}
	evts, err := s.journal.Read(q)
	if err != nil {
		s.fail(c, err)
		return
	}
	if evts == nil {
		evts = []events.Event{}
	}
	c.JSON(http.StatusOK, evts)
}
