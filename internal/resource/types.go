// Package resource defines the data model shared by the pool engine and its
// backend adapters: the resource handle, its tagged-union native payload, and
// the thin projections exposed to callers.
package resource

import "time"

// NativeKind discriminates which adapter populated a Native payload.
type NativeKind int

const (
	KindWorker NativeKind = iota
	KindProcess
	KindContainer
	KindPod
)

func (k NativeKind) String() string {
	switch k {
	case KindWorker:
		return "worker"
	case KindProcess:
		return "process"
	case KindContainer:
		return "container"
	case KindPod:
		return "pod"
	default:
		return "unknown"
	}
}

// Native is a tagged union over the backend-specific payload an adapter
// attaches to a Handle. The engine never inspects it; only the adapter that
// populated it ever reads back the corresponding field. Exactly one field is
// non-nil, matching Kind.
type Native struct {
	Kind NativeKind

	Worker    any
	Process   any
	Container any
	Pod       any
}

// Usage is an optional resource-consumption sample refreshed by the
// monitoring timer.
type Usage struct {
	CPUPercent  float64
	MemoryBytes int64
	SampledAt   int64 // epoch ms
}

// Handle is the engine's record for one pooled resource.
type Handle struct {
	Name      string
	Port      int
	CreatedAt int64 // epoch ms
	LastUsed  int64 // epoch ms

	Native Native

	Usage *Usage

	// AdapterState is opaque scratch space owned by the adapter, e.g. the
	// previous utilization sample used to compute a CPU delta.
	AdapterState any
}

// Projection is the read-only view of a Handle returned by PoolInfo.
type Projection struct {
	Name      string `json:"name"`
	Port      int    `json:"port"`
	CreatedAt int64  `json:"created_at"`
	LastUsed  int64  `json:"last_used"`

	// Alive is only populated for worker/process handles.
	Alive *bool `json:"alive,omitempty"`
	// ID is only populated for container handles.
	ID string `json:"id,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
}

// Project converts a Handle into its external projection. alive and id are
// supplied by the caller (the engine), which knows the adapter's type tag.
func (h *Handle) Project(alive *bool, id string) Projection {
	return Projection{
		Name:      h.Name,
		Port:      h.Port,
		CreatedAt: h.CreatedAt,
		LastUsed:  h.LastUsed,
		Alive:     alive,
		ID:        id,
		Usage:     h.Usage,
	}
}

// NowMillis returns the current wall-clock time as epoch milliseconds.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
