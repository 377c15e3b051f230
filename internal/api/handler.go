package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"serverlesspool/internal/pool"
)

// RequestDecoder turns the JSON body of POST /acquire into the adapter's
// typed acquisition request. The façade wires exactly one decoder, matching
// the one resource kind its Pool manages: pools are never heterogeneous.
type RequestDecoder func(raw []byte) (any, error)

// Handler wires the generic pool engine's operations onto HTTP endpoints.
// It is a thin demo surface that just gives the engine somewhere to run
// for manual exercise; it is not part of the engine itself.
type Handler struct {
	pool   *pool.Pool
	decode RequestDecoder
}

// NewHandler returns a Handler that acquires against p, decoding request
// bodies with decode.
func NewHandler(p *pool.Pool, decode RequestDecoder) *Handler {
	return &Handler{pool: p, decode: decode}
}

func (h *Handler) Acquire(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondError(c, err)
		return
	}
	req, err := h.decode(body)
	if err != nil {
		respondError(c, err)
		return
	}

	handle, err := h.pool.Acquire(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, AcquireResponse{
		Name:      handle.Name,
		Port:      handle.Port,
		CreatedAt: handle.CreatedAt,
		LastUsed:  handle.LastUsed,
		Usage:     handle.Usage,
	})
}

func (h *Handler) PoolInfo(c *gin.Context) {
	info := h.pool.PoolInfo(c.Request.Context())
	c.JSON(http.StatusOK, PoolInfoResponse{
		Size:           info.Size,
		Max:            info.Max,
		ShuttingDown:   info.ShuttingDown,
		WatcherStarted: info.WatcherStarted,
		Resources:      info.Resources,
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	report := h.pool.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, HealthResponse{
		ResourceKind: report.ResourceKind,
		Total:        report.Total,
		DeadRemoved:  report.DeadRemoved,
		Healthy:      report.Healthy,
	})
}

func (h *Handler) Metrics(c *gin.Context) {
	c.String(http.StatusOK, h.pool.MetricsText())
}

// JSONDecoder adapts any Go struct type T to a RequestDecoder via
// encoding/json, the shape every adapter's Request already uses.
func JSONDecoder[T any](raw []byte) (any, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}
