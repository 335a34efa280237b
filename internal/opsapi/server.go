// Package opsapi is the thin operational surface over the insurance
// core: liveness/readiness, a status snapshot, metrics, an operator-
// gated emergency-clear action, and a websocket event stream. It is
// not a user-facing product API — there are no policyholder accounts
// here — so it keeps only the teacher's middleware stack and JWT
// shape from internal/api, stripped of trading/order/strategy routes
// and user registration.
package opsapi

import (
	"net/http"
	"time"

	"insurance-core/internal/events"
	"insurance-core/internal/monitor"
	"insurance-core/internal/pool"
	"insurance-core/internal/supervisor"

	"github.com/gin-gonic/gin"
)

// Server wires the ops HTTP/websocket surface around the pool,
// supervisor, and event bus.
type Server struct {
	Router *gin.Engine

	Pool       *pool.Pool
	Supervisor *supervisor.Supervisor
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics

	OperatorSecret string
	Version        string
}

// NewServer builds the ops API, registering the teacher's middleware
// stack in the same order (panic recovery first, CORS last before
// routes) and this package's routes.
func NewServer(p *pool.Pool, sv *supervisor.Supervisor, bus *events.Bus, metrics *monitor.SystemMetrics, operatorSecret, version string) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:         r,
		Pool:           p,
		Supervisor:     sv,
		Bus:            bus,
		Metrics:        metrics,
		OperatorSecret: operatorSecret,
		Version:        version,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.healthz)
	s.Router.GET("/status", s.status)
	s.Router.GET("/metrics", s.metricsHandler)
	s.Router.GET("/ws/events", s.wsEvents)

	admin := s.Router.Group("/admin")
	admin.Use(AuthMiddleware(s.OperatorSecret))
	{
		admin.POST("/emergency-clear", s.emergencyClear)
	}
}

// healthz is a liveness probe: the process can answer HTTP, full stop.
func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
