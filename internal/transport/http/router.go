// Package http is the control surface of the coordinator: a small JSON API
// to trigger workflows plus a websocket stream of notifications.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/config"
	"sipvideoroom/native/internal/domain"
)

// Coordinator is the part of coordinator.Coordinator the API drives.
type Coordinator interface {
	Start(ctx context.Context, account string, done domain.Completion) error
	Call(ctx context.Context, destination string) error
	Hangup(ctx context.Context) error
	StartVideoRoom(ctx context.Context, done domain.Completion) error
	Publish(ctx context.Context) error
	Unpublish(ctx context.Context) error
	StartScreenShare(ctx context.Context, done domain.Completion) error
	PublishScreen(ctx context.Context) error
	StartEchoTest(ctx context.Context, done domain.Completion) error
	Destroy(ctx context.Context) error
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

type startRequest struct {
	Account string `json:"account" binding:"required"`
}

type callRequest struct {
	Destination string `json:"destination"`
}

// SetupRouter wires every route. metrics may be nil.
func SetupRouter(cfg *config.Config, co Coordinator, hub *Hub, metrics http.Handler) *gin.Engine {
	if cfg.LogLevel != "debug" && cfg.LogLevel != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if gin.Mode() == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/status", func(c *gin.Context) {
		snap, err := co.Snapshot(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	sip := r.Group("/sip")
	sip.POST("/start", func(c *gin.Context) {
		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid account"})
			return
		}
		accepted(c, co.Start(c.Request.Context(), req.Account, hub.Progress(domain.SessionMain)))
	})
	sip.POST("/call", func(c *gin.Context) {
		var req callRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid destination"})
				return
			}
		}
		if req.Destination == "" {
			req.Destination = cfg.Destination
		}
		accepted(c, co.Call(c.Request.Context(), req.Destination))
	})
	sip.POST("/hangup", func(c *gin.Context) {
		accepted(c, co.Hangup(c.Request.Context()))
	})

	room := r.Group("/room")
	room.POST("/start", func(c *gin.Context) {
		accepted(c, co.StartVideoRoom(c.Request.Context(), hub.Progress(domain.SessionVideoRoom)))
	})
	room.POST("/publish", func(c *gin.Context) {
		accepted(c, co.Publish(c.Request.Context()))
	})
	room.POST("/unpublish", func(c *gin.Context) {
		accepted(c, co.Unpublish(c.Request.Context()))
	})

	screen := r.Group("/screenshare")
	screen.POST("/start", func(c *gin.Context) {
		accepted(c, co.StartScreenShare(c.Request.Context(), hub.Progress(domain.SessionScreenShare)))
	})
	screen.POST("/publish", func(c *gin.Context) {
		accepted(c, co.PublishScreen(c.Request.Context()))
	})

	r.POST("/echotest/start", func(c *gin.Context) {
		accepted(c, co.StartEchoTest(c.Request.Context(), hub.Progress(domain.SessionEchoTest)))
	})
	r.POST("/destroy", func(c *gin.Context) {
		accepted(c, co.Destroy(c.Request.Context()))
	})

	r.GET("/events", hub.serve)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	log.Info().Str("module", "transport.http").Msg("router setup")
	return r
}

func accepted(c *gin.Context, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrWrongPhase), errors.Is(err, domain.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
