package pool

import (
	"context"
	"time"

	"serverlesspool/internal/resource"
)

// Adapter plugs a backend (worker, process, container, pod) into the generic
// engine. The engine never branches on which adapter it holds; it only calls
// these seven operations.
type Adapter interface {
	// TypeTag identifies the backend: "worker", "process", "container", or
	// "pod". Used for metric labels, handle naming, and health-check key
	// naming.
	TypeTag() string

	// Validate performs the adapter's precondition check on an acquisition
	// request (e.g. script path present and readable). A non-nil error
	// becomes a BadConfig failure of Acquire.
	Validate(req any) error

	// Create provisions one resource bound to port, identified by name. It
	// must respect ctx's deadline and must not leave an orphan behind on
	// timeout or error.
	Create(ctx context.Context, port int, name string, req any) (resource.Native, error)

	// Terminate attempts a graceful stop of n within ctx's deadline, falling
	// back to a forceful stop on timeout. It is idempotent: an already-gone
	// resource is success.
	Terminate(ctx context.Context, n resource.Native) error

	// Liveness is a cheap probe. Failure of any kind reports false, never an
	// error.
	Liveness(ctx context.Context, n resource.Native) bool

	// Usage samples resource consumption. A nil result (with nil error) means
	// "no sample this round"; errors are swallowed by the caller.
	Usage(ctx context.Context, n resource.Native) (*resource.Usage, error)

	// OnShutdown releases adapter-wide state (e.g. tracked port-forwarders).
	// Called once, after the pool has been drained.
	OnShutdown(ctx context.Context) error
}

// IDProvider is implemented by adapters whose handles carry a backend id
// distinct from the engine-assigned name (currently: the container adapter).
// PoolInfo type-asserts for this to populate Projection.ID.
type IDProvider interface {
	BackendID(n resource.Native) string
}

// Config holds the PoolEngine's tunables, mirroring the recognized
// configuration option set: pool sizing, timer periods, timeouts, and the
// payload handed to the adapter during pre-warm.
type Config struct {
	ManagerName string

	MaxPoolSize int
	MinPoolSize int

	PoolCheckInterval time.Duration
	MonitorInterval   time.Duration

	CreationTimeout time.Duration
	ShutdownTimeout time.Duration

	// PreWarmRequest is passed to Adapter.Create (as the req argument) for
	// every handle created during pre-warming.
	PreWarmRequest any
}

const (
	defaultMaxPoolSize       = 3
	defaultMinPoolSize       = 0
	defaultPoolCheckInterval = 10 * time.Second
	defaultMonitorInterval   = 5 * time.Second
	defaultCreationTimeout   = 30 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

// DefaultConfig returns a Config with every tunable set to its spec default.
// Callers that want an explicit MaxPoolSize of 0 (the "pool is disabled,
// every acquire fails NoResource" boundary case) must build a Config literal
// directly rather than starting from DefaultConfig.
func DefaultConfig(managerName string) Config {
	return Config{
		ManagerName:       managerName,
		MaxPoolSize:       defaultMaxPoolSize,
		MinPoolSize:       defaultMinPoolSize,
		PoolCheckInterval: defaultPoolCheckInterval,
		MonitorInterval:   defaultMonitorInterval,
		CreationTimeout:   defaultCreationTimeout,
		ShutdownTimeout:   defaultShutdownTimeout,
	}
}

// withDefaults fills in zero-valued timer/timeout durations (which have no
// meaningful "explicit zero" reading) and clamps minPoolSize to maxPoolSize.
// MaxPoolSize is left exactly as given, including 0.
func (c Config) withDefaults() Config {
	if c.PoolCheckInterval <= 0 {
		c.PoolCheckInterval = defaultPoolCheckInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = defaultMonitorInterval
	}
	if c.CreationTimeout <= 0 {
		c.CreationTimeout = defaultCreationTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.MinPoolSize > c.MaxPoolSize {
		c.MinPoolSize = c.MaxPoolSize
	}
	if c.MinPoolSize < 0 {
		c.MinPoolSize = 0
	}
	return c
}

// Info is the poolInfo() projection: a read-only snapshot of engine state.
type Info struct {
	Size           int                   `json:"size"`
	Max            int                   `json:"max"`
	ShuttingDown   bool                  `json:"shutting_down"`
	WatcherStarted bool                  `json:"watcher_started"`
	Resources      []resource.Projection `json:"resources"`
}

// HealthReport is the healthCheck() result. The Total/Removed fields are
// keyed by the adapter's capitalized type tag (e.g. "totalContainers").
type HealthReport struct {
	Total        int
	DeadRemoved  int
	Healthy      bool
	ResourceKind string
}
