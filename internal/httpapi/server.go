// Package httpapi contains the HTTP control surface of the receiver program.
package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dronecam/videorecv"
)

// Controller is the receiver controlled by the server.
type Controller interface {
	SetSource(address string) error
	Stop()
	Status() videorecv.Status
	Stats() videorecv.StatsSnapshot
	SessionID() string
}

type statusResponse struct {
	Status    videorecv.Status `json:"status"`
	SessionID string           `json:"sessionId,omitempty"`
}

type sourceRequest struct {
	Address string `json:"address"`
}

type feedMessage struct {
	Status    videorecv.Status        `json:"status"`
	SessionID string                  `json:"sessionId,omitempty"`
	Stats     videorecv.StatsSnapshot `json:"stats"`
}

// Server wraps the HTTP router with its dependencies.
type Server struct {
	// receiver to control.
	Controller Controller

	// gatherer of /metrics (optional).
	// It defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// period of websocket feed messages (optional).
	// It defaults to 1 second.
	FeedPeriod time.Duration

	// destination of request logs (optional).
	// It defaults to io.Discard.
	LogOutput io.Writer

	router   *gin.Engine
	upgrader websocket.Upgrader
}

// Initialize configures all routes.
func (s *Server) Initialize() {
	if s.Gatherer == nil {
		s.Gatherer = prometheus.DefaultGatherer
	}
	if s.FeedPeriod == 0 {
		s.FeedPeriod = 1 * time.Second
	}
	if s.LogOutput == nil {
		s.LogOutput = io.Discard
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}

	router := gin.New()
	router.Use(gin.LoggerWithWriter(s.LogOutput), gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/stats", s.handleStats)
		api.POST("/source", s.handleSource)
		api.POST("/stop", s.handleStop)
		api.GET("/ws", s.handleFeed)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))

	s.router = router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) status() statusResponse {
	return statusResponse{
		Status:    s.Controller.Status(),
		SessionID: s.Controller.SessionID(),
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Controller.Stats())
}

func (s *Server) handleSource(c *gin.Context) {
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.Controller.SetSource(req.Address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleStop(c *gin.Context) {
	s.Controller.Stop()
	c.JSON(http.StatusOK, s.status())
}

// handleFeed pushes status and statistics to a websocket client.
func (s *Server) handleFeed(c *gin.Context) {
	wc, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer wc.Close()

	// reads are needed to process close frames.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := wc.ReadMessage(); err != nil {
				return
			}
		}
	}()

	t := time.NewTicker(s.FeedPeriod)
	defer t.Stop()

	for {
		err = wc.WriteJSON(feedMessage{
			Status:    s.Controller.Status(),
			SessionID: s.Controller.SessionID(),
			Stats:     s.Controller.Stats(),
		})
		if err != nil {
			return
		}

		select {
		case <-t.C:
		case <-readerDone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
