// Package api exposes the HTTP control plane: stream listing, GB28181 SSRC
// pre-registration, and the WHIP/WHEP signalling surface. It replaces the
// teacher's Cloudflare Calls proxy endpoints with direct calls into this
// repo's own stream hub and session types.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ethan/mediahub/pkg/streamhub"
)

// WHIPHandler negotiates a WHIP (publish) or WHEP (play) session given an
// SDP offer, returning the SDP answer. The WHIP/WHEP session type supplies
// the concrete implementation; the API server only routes HTTP to it.
type WHIPHandler func(ctx context.Context, app, name, offerSDP string) (answerSDP string, err error)

// Server is the HTTP control plane for the media hub.
type Server struct {
	hub        *streamhub.Hub
	logger     *slog.Logger
	router     *gin.Engine
	httpServer *http.Server

	whipPublish WHIPHandler
	whepPlay    WHIPHandler

	mu       sync.RWMutex
	gb28181  map[uint32]streamhub.Identifier // SSRC -> pre-registered stream name
}

// StreamInfo summarizes one published stream for the listing endpoint.
type StreamInfo struct {
	App         string `json:"app"`
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// NewServer creates the HTTP control plane, wiring CORS and request
// logging the way the teacher's withCORS/withLogging middleware did, but
// expressed as gin middleware.
func NewServer(hub *streamhub.Hub, logger *slog.Logger, corsOrigins []string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(corsOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = corsOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		hub:     hub,
		logger:  logger,
		router:  router,
		gb28181: make(map[uint32]streamhub.Identifier),
	}

	router.Use(s.withLogging)
	s.registerRoutes()
	return s
}

// SetWHIPHandler installs the negotiator used by POST /whip/:app/:name.
func (s *Server) SetWHIPHandler(h WHIPHandler) {
	s.whipPublish = h
}

// SetWHEPHandler installs the negotiator used by POST /whep/:app/:name.
func (s *Server) SetWHEPHandler(h WHIPHandler) {
	s.whepPlay = h
}

func (s *Server) registerRoutes() {
	s.router.GET("/api/streams", s.handleListStreams)
	s.router.GET("/api/streams/:app/:name", s.handleStreamInfo)

	s.router.POST("/api/gb28181/register", s.handleGB28181Register)
	s.router.GET("/api/gb28181/register", s.handleGB28181List)

	s.router.POST("/whip/:app/:name", s.handleWHIPPublish)
	s.router.POST("/whep/:app/:name", s.handleWHEPPlay)
}

// Start runs the HTTP server in a background goroutine, returning once it
// has either started or failed within a short grace window — the same
// start-then-check-for-immediate-error shape the teacher used.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping HTTP API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withLogging(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Info("HTTP request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration_ms", time.Since(start).Milliseconds(),
		"remote_addr", c.Request.RemoteAddr,
	)
}

func (s *Server) handleListStreams(c *gin.Context) {
	ids := s.hub.List()
	out := make([]StreamInfo, 0, len(ids))
	for _, id := range ids {
		stream, ok := s.hub.Lookup(id)
		subs := 0
		if ok {
			subs = stream.SubscriberCount()
		}
		out = append(out, StreamInfo{App: id.App, Name: id.Name, Subscribers: subs})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStreamInfo(c *gin.Context) {
	id := streamhub.Identifier{App: c.Param("app"), Name: c.Param("name")}
	stream, ok := s.hub.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	c.JSON(http.StatusOK, StreamInfo{App: id.App, Name: id.Name, Subscribers: stream.SubscriberCount()})
}

type gb28181RegisterRequest struct {
	SSRC uint32 `json:"ssrc" binding:"required"`
	App  string `json:"app" binding:"required"`
	Name string `json:"name" binding:"required"`
}

// handleGB28181Register pre-registers a stream name for an SSRC, since
// GB28181 devices identify themselves by SSRC rather than by a
// human-chosen app/stream pair the way RTMP publishers do.
func (s *Server) handleGB28181Register(c *gin.Context) {
	var req gb28181RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.gb28181[req.SSRC] = streamhub.Identifier{App: req.App, Name: req.Name}
	s.mu.Unlock()

	s.logger.Info("gb28181 stream registered", "ssrc", req.SSRC, "app", req.App, "name", req.Name)
	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

func (s *Server) handleGB28181List(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint32]streamhub.Identifier, len(s.gb28181))
	for ssrc, id := range s.gb28181 {
		out[ssrc] = id
	}
	c.JSON(http.StatusOK, out)
}

// LookupGB28181 resolves a pre-registered SSRC to a stream Identifier, for
// the GB28181 session to call as RTP packets arrive.
func (s *Server) LookupGB28181(ssrc uint32) (streamhub.Identifier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.gb28181[ssrc]
	return id, ok
}

type sdpOfferRequest struct {
	SDP string `json:"sdp" binding:"required"`
}

func (s *Server) handleWHIPPublish(c *gin.Context) {
	if s.whipPublish == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "whip publish not enabled"})
		return
	}
	s.negotiate(c, s.whipPublish)
}

func (s *Server) handleWHEPPlay(c *gin.Context) {
	if s.whepPlay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "whep play not enabled"})
		return
	}
	s.negotiate(c, s.whepPlay)
}

func (s *Server) negotiate(c *gin.Context, handler WHIPHandler) {
	var req sdpOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	answer, err := handler(c.Request.Context(), c.Param("app"), c.Param("name"), req.SDP)
	if err != nil {
		s.logger.Error("whip/whep negotiation failed", "app", c.Param("app"), "name", c.Param("name"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusCreated, "application/sdp", []byte(answer))
}
