// Package server exposes the supervisor over HTTP. The router is
// embeddable: Handler returns a plain http.Handler that can be mounted in
// any mux (see examples/embedded_http_echo for an echo adapter).
//
// Endpoints under {basePath}:
//
//	GET  /status                      all servers
//	POST /servers/:name/start
//	POST /servers/:name/stop
//	GET  /servers/:name/logs          query: offset, limit, reverse
//	GET  /events                      query: server (default "*"); SSE stream
//	GET  /metrics                     prometheus
package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devsup/internal/logring"
	"github.com/loykin/devsup/internal/metrics"
	"github.com/loykin/devsup/internal/proc"
	"github.com/loykin/devsup/internal/supervisor"
)

type Router struct {
	sup      *supervisor.Supervisor
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns the gin-powered http.Handler.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	grp := g.Group(r.basePath)
	grp.GET("/status", r.handleStatus)
	grp.POST("/servers/:name/start", r.handleStart)
	grp.POST("/servers/:name/stop", r.handleStop)
	grp.GET("/servers/:name/logs", r.handleLogs)
	grp.GET("/events", r.handleEvents)
	grp.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer mounts the router on addr and starts serving in the
// background. Callers shut it down through the returned http.Server.
func NewServer(addr, basePath string, sup *supervisor.Supervisor) *http.Server {
	r := NewRouter(sup, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type opResp struct {
	Name   string      `json:"name"`
	Status proc.Status `json:"status"`
	PID    int         `json:"pid,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type logsResp struct {
	Lines     []logring.Line `json:"lines"`
	Truncated bool           `json:"truncated"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.StatusAll())
}

func (r *Router) handleStart(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid server name"})
		return
	}
	snap, err := r.sup.Start(c.Request.Context(), name)
	r.writeOpResult(c, snap, err)
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid server name"})
		return
	}
	snap, err := r.sup.Stop(c.Request.Context(), name)
	r.writeOpResult(c, snap, err)
}

func (r *Router) writeOpResult(c *gin.Context, snap proc.Snapshot, err error) {
	resp := opResp{Name: snap.Name, Status: snap.Status, PID: snap.PID}
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, supervisor.ErrUnknownServer):
			c.JSON(http.StatusNotFound, resp)
		case errors.Is(err, proc.ErrPortConflict):
			c.JSON(http.StatusConflict, resp)
		case errors.Is(err, proc.ErrPermissionDenied):
			c.JSON(http.StatusForbidden, resp)
		default:
			c.JSON(http.StatusInternalServerError, resp)
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid server name"})
		return
	}
	offset, _ := strconv.ParseUint(c.DefaultQuery("offset", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	reverse := c.DefaultQuery("reverse", "false") == "true"
	lines, truncated, err := r.sup.Logs(name, offset, limit, reverse)
	if err != nil {
		if errors.Is(err, supervisor.ErrUnknownServer) {
			c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if lines == nil {
		lines = []logring.Line{}
	}
	c.JSON(http.StatusOK, logsResp{Lines: lines, Truncated: truncated})
}

// handleEvents streams log events over SSE until the client disconnects.
func (r *Router) handleEvents(c *gin.Context) {
	topic := c.DefaultQuery("server", logring.TopicAll)
	if topic != logring.TopicAll && !isSafeName(topic) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid server name"})
		return
	}
	sub, err := r.sup.Subscribe(topic)
	if err != nil {
		if errors.Is(err, supervisor.ErrUnknownServer) {
			c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	defer r.sup.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent("log", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
