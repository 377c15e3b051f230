package api

import (
	"encoding/json"
	"strings"

	"serverlesspool/internal/resource"
)

// AcquireResponse is the JSON body returned by POST /acquire.
type AcquireResponse struct {
	Name      string          `json:"name"`
	Port      int             `json:"port"`
	CreatedAt int64           `json:"created_at"`
	LastUsed  int64           `json:"last_used"`
	Usage     *resource.Usage `json:"usage,omitempty"`
}

// PoolInfoResponse mirrors pool.Info for the JSON surface.
type PoolInfoResponse struct {
	Size           int                   `json:"size"`
	Max            int                   `json:"max"`
	ShuttingDown   bool                  `json:"shutting_down"`
	WatcherStarted bool                  `json:"watcher_started"`
	Resources      []resource.Projection `json:"resources"`
}

// HealthResponse is the JSON body returned by GET /healthz. Its total/removed
// counts key off the pool's resource kind (e.g. totalContainers,
// deadContainersRemoved) rather than a fixed field name, so the same body
// shape reads naturally for every adapter.
type HealthResponse struct {
	ResourceKind string
	Total        int
	DeadRemoved  int
	Healthy      bool
}

// kindPlurals maps an adapter's TypeTag to the capitalized plural used in
// HealthResponse's dynamic keys.
var kindPlurals = map[string]string{
	"worker":    "Workers",
	"process":   "Processes",
	"container": "Containers",
	"pod":       "Pods",
}

func (h HealthResponse) pluralKind() string {
	if plural, ok := kindPlurals[h.ResourceKind]; ok {
		return plural
	}
	if h.ResourceKind == "" {
		return "Resources"
	}
	return strings.ToUpper(h.ResourceKind[:1]) + h.ResourceKind[1:] + "s"
}

func (h HealthResponse) MarshalJSON() ([]byte, error) {
	plural := h.pluralKind()
	return json.Marshal(map[string]any{
		"resourceKind":              h.ResourceKind,
		"total" + plural:            h.Total,
		"dead" + plural + "Removed": h.DeadRemoved,
		"healthy":                   h.Healthy,
	})
}

// ErrorResponse is the JSON body returned on any non-2xx response.
type ErrorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}
