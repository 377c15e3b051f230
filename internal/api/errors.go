package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"serverlesspool/internal/pool"
)

// statusForKind maps a pool.Kind to the HTTP status code the façade reports
// for it. Kinds that acquire never surfaces to callers (CreationTimeout,
// CreationFailure, TerminationTimeout, LivenessUnknown, Transient) fall back
// to 500, since seeing one here would mean they leaked past the engine.
func statusForKind(k pool.Kind) int {
	switch k {
	case pool.ShuttingDown:
		return http.StatusServiceUnavailable
	case pool.BadConfig:
		return http.StatusBadRequest
	case pool.NoResource:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	if pe, ok := err.(*pool.Error); ok {
		c.JSON(statusForKind(pe.Kind), ErrorResponse{Kind: string(pe.Kind), Error: pe.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{Kind: "BadConfig", Error: err.Error()})
}
