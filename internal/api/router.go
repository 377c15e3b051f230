package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"serverlesspool/internal/pool"
)

// NewRouter builds the demo façade's HTTP surface: POST /acquire,
// GET /pool, GET /healthz, GET /metrics. It exists only so the generic pool
// engine has somewhere to run for manual exercise; it is not part of the
// engine itself.
func NewRouter(p *pool.Pool, decode RequestDecoder, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))

	h := NewHandler(p, decode)
	r.POST("/acquire", h.Acquire)
	r.GET("/pool", h.PoolInfo)
	r.GET("/healthz", h.HealthCheck)
	r.GET("/metrics", h.Metrics)

	return r
}
