package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Signal/internal/adapters/signal"
	"github.com/dkeye/Signal/internal/config"
	"github.com/dkeye/Signal/internal/metrics"
)

// SetupRouter serves the signaling websocket at cfg.SignalPath() plus the
// health and metrics endpoints.
func SetupRouter(ctx context.Context, cfg *config.Config, gw *signal.Gateway, m *metrics.Metrics, instance string) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	path := cfg.SignalPath()
	log.Info().Str("module", "adapters.http").Str("path", path).Str("instance", instance).Msg("router setup")

	r.GET(path, func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("id", c.Query("id")).Msg("ws signal endpoint hit")
		gw.HandleSignal(ctx, c)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"instance":    instance,
			"connections": gw.Registry.Len(),
		})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	return r
}
