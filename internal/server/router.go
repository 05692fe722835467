// Package server exposes ward's observability surface over HTTP. The
// router is embeddable (Handler returns a plain http.Handler) and the
// surface is read-only: health, unit status, the aggregated log stream,
// and Prometheus metrics.
package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/ward/internal/metrics"
	"github.com/loykin/ward/internal/supervisor"
)

// Router provides the HTTP handlers for one supervisor.
// Endpoints:
//
//	GET {basePath}/healthz        200 when healthy, 503 otherwise
//	GET {basePath}/status         all unit statuses
//	GET {basePath}/units/:id      one unit status
//	GET {basePath}/logs           ?replay=N&follow=true  line stream
//	GET {basePath}/metrics        Prometheus exposition
type Router struct {
	sup      *supervisor.Supervisor
	basePath string
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/status", r.handleStatus)
	group.GET("/units/:id", r.handleUnit)
	group.GET("/logs", r.handleLogs)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sup *supervisor.Supervisor) *http.Server {
	r := NewRouter(sup, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type healthResp struct {
	Healthy bool                    `json:"healthy"`
	Units   []supervisor.UnitStatus `json:"units"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	healthy := r.sup.Healthy()
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, healthResp{Healthy: healthy, Units: r.sup.StatusAll()})
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.StatusAll())
}

func (r *Router) handleUnit(c *gin.Context) {
	st, err := r.sup.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleLogs writes replayed lines, then optionally follows the live
// stream until the client disconnects.
func (r *Router) handleLogs(c *gin.Context) {
	agg := r.sup.Aggregator()
	replay := 0
	if v := c.Query("replay"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "replay must be a non-negative integer"})
			return
		}
		replay = n
	}
	follow := c.Query("follow") == "true" || c.Query("follow") == "1"

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	var lastSeq uint64
	for _, ln := range agg.Replay(replay) {
		_, _ = io.WriteString(c.Writer, ln.Format()+"\n")
		lastSeq = ln.Seq
	}
	if !follow {
		return
	}
	c.Writer.Flush()

	sub := agg.Subscribe(0)
	defer sub.Close()
	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case ln, ok := <-sub.Lines():
			if !ok {
				return
			}
			if ln.Seq <= lastSeq {
				continue // already written during replay
			}
			_, _ = io.WriteString(c.Writer, ln.Format()+"\n")
			c.Writer.Flush()
		}
	}
}
