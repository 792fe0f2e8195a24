// Package api is the optional HTTP admin surface of a node: health, the
// current membership table, remote wake-up and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/coordinator"
	"github.com/dreamware/wakeonlan/internal/telemetry"
)

// Node is the part of coordinator.Node the API exposes.
type Node interface {
	Role() cluster.Role
	Status() cluster.GlobalStatus
	Participants() []cluster.Participant
	WakeUp(hostname string) (cluster.Participant, error)
}

// Server serves the admin API.
type Server struct {
	node Node
	self cluster.NodeInfo
	log  *zap.Logger
	http *http.Server
}

// New builds the router. The server does not listen until Start.
func New(addr string, self cluster.NodeInfo, node Node, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{node: node, self: self, log: log.Named("api")}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/health", telemetry.Instrument("health"), s.health)
	r.GET("/participants", telemetry.Instrument("participants"), s.participants)
	r.POST("/participants/:hostname/wakeup", telemetry.Instrument("wakeup"), s.wakeUp)
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	return r
}

// Start listens in the background. Listen errors other than a clean
// shutdown are reported on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hostname": s.self.Hostname,
		"ip":       s.self.IP,
		"role":     s.node.Role(),
		"status":   s.node.Status().String(),
	})
}

func (s *Server) participants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"participants": s.node.Participants()})
}

func (s *Server) wakeUp(c *gin.Context) {
	if s.node.Role() != cluster.RoleManager {
		c.JSON(http.StatusConflict, gin.H{"error": "only the manager wakes hosts"})
		return
	}

	hostname := c.Param("hostname")
	p, err := s.node.WakeUp(hostname)
	switch {
	case errors.Is(err, coordinator.ErrUnknownHost):
		c.JSON(http.StatusNotFound, gin.H{"error": hostname + " not found"})
	case errors.Is(err, coordinator.ErrAlreadyAwake):
		c.JSON(http.StatusConflict, gin.H{"error": hostname + " already awake"})
	case err != nil:
		s.log.Warn("wake up failed", zap.String("hostname", hostname), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"hostname": p.Hostname, "mac": p.MAC})
	}
}

// requestID tags every response with X-Request-ID, reusing the caller's.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
