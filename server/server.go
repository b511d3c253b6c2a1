// Package server exposes the sensor store over HTTP: ingestion, dashboard
// reads, trend averages, reports, alerts and prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"water_monitor/ingest"
	"water_monitor/logger"
	"water_monitor/persistence"
)

type Server struct {
	config *ServerConfig
	router *gin.Engine
}

func NewServer(options ...ConfigOption) (*Server, error) {
	config := &ServerConfig{
		Port:      "4000",
		Threshold: 0.012,
		Location:  time.Local,
		Now:       time.Now,
	}

	for _, option := range options {
		if err := option(config); err != nil {
			return nil, err
		}
	}

	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Ingester == nil {
		config.Ingester = ingest.NewService(config.Store)
	}
	if config.Backend == nil {
		config.Backend = persistence.NewMemory()
	}

	server := &Server{
		config: config,
		router: gin.New(),
	}
	server.router.Use(gin.Logger(), gin.CustomRecovery(server.recoverPanic), cors())

	server.setupRoutes()
	return server, nil
}

func (s *Server) setupRoutes() {
	// Metrics endpoint
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.POST("/sensor-data", s.handleIngest)
		api.GET("/dashboard", s.handleDashboard)
		api.GET("/reports", s.handleReports)
		api.GET("/average-yesterday", s.handleAverageYesterday)
		api.GET("/generate-report", s.handleGenerateReport)
		api.GET("/generate-professional-report", s.handleProfessionalReport)
		api.GET("/alerts", s.handleAlerts)
		api.GET("/health", s.handleHealth)
		api.GET("/db-status", s.handleDBStatus)
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// cors lets the dashboard client call the API from another origin
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// recoverPanic flushes state before answering a request that panicked
func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	logger.Errorf("panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
	s.flush()
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error":   "internal server error",
	})
}

func (s *Server) flush() {
	if s.config.Snapshotter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.config.Snapshotter.Flush(ctx); err != nil {
		logger.Errorf("emergency snapshot failed: %v", err)
	}
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.config.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("HTTP shutdown: %v", err)
		}
	}()

	logger.Printf("Server starting on port %s", s.config.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	return nil
}
