package server

import (
	"fmt"
	"log/slog"

	dockerclient "github.com/docker/docker/client"

	"serverlesspool/internal/adapter/container"
	"serverlesspool/internal/adapter/pod"
	"serverlesspool/internal/adapter/process"
	"serverlesspool/internal/adapter/worker"
	"serverlesspool/internal/api"
	"serverlesspool/internal/config"
	"serverlesspool/internal/pool"
)

// Dependency bundles the single wired Adapter (and anything it needs
// closed at shutdown) for the configured resource kind.
type Dependency struct {
	Adapter pool.Adapter
	Decoder api.RequestDecoder
	closer  func() error
}

// Close releases any backend client Dependency opened (currently: the
// Docker daemon connection for the container adapter).
func (d *Dependency) Close() error {
	if d.closer != nil {
		return d.closer()
	}
	return nil
}

// InitDeps builds the one Adapter selected by cfg.ResourceKind, matching the
// spec's "one manager instance manages exactly one resource kind" rule.
func InitDeps(cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	switch cfg.ResourceKind {
	case "worker":
		return &Dependency{
			Adapter: worker.New(cfg.Pool.ShutdownTimeout),
			Decoder: api.JSONDecoder[worker.Request],
		}, nil

	case "process":
		return &Dependency{
			Adapter: process.New(logger),
			Decoder: api.JSONDecoder[process.Request],
		}, nil

	case "container":
		cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("server: docker client: %w", err)
		}
		return &Dependency{
			Adapter: container.New(cli, logger),
			Decoder: api.JSONDecoder[container.Request],
			closer:  cli.Close,
		}, nil

	case "pod":
		return &Dependency{
			Adapter: pod.New(cfg.Pod.KubeconfigPath, logger),
			Decoder: api.JSONDecoder[pod.Request],
		}, nil

	default:
		return nil, fmt.Errorf("server: unknown resourceKind %q (want worker, process, container, or pod)", cfg.ResourceKind)
	}
}
