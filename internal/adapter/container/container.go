// Package container implements the local Docker-daemon resource adapter:
// image inspect-and-pull-if-missing, container create (anonymous tmpfs
// volume for pooled resources, bind mount for explicit ones) and start,
// idempotent stop/remove, and one-shot stats sampling.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"serverlesspool/internal/resource"
)

// Request is the acquisition payload for a Container resource.
type Request struct {
	Image       string
	NetworkName string
	EnvVars     []string
	MemoryBytes int64
	NanoCPUs    int64

	// ContainerPort is the TCP port the entrypoint listens on inside the
	// container. Defaults to the caller-supplied host port when zero, so a
	// single-port callers can omit it entirely.
	ContainerPort int

	// ScriptFiles maps a bind-mounted destination path (relative to
	// WorkDir) to its host source path, for the non-pooled / cold path.
	ScriptFiles map[string]string
	// HostPath, if set, is bind-mounted at WorkDir instead of using an
	// anonymous tmpfs volume. Pre-warmed/pooled resources leave this empty
	// to get the anonymous volume.
	HostPath string
	WorkDir  string
}

func (r Request) workDir() string {
	if r.WorkDir != "" {
		return r.WorkDir
	}
	return "/app/workspace"
}

func (r Request) containerPort(hostPort int) int {
	if r.ContainerPort != 0 {
		return r.ContainerPort
	}
	return hostPort
}

type native struct {
	id   string
	name string
}

// Adapter implements pool.Adapter for local Docker containers.
type Adapter struct {
	client DockerClient
	logger *slog.Logger
}

// New returns a Container Adapter bound to the given Docker client.
func New(client DockerClient, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{client: client, logger: logger}
}

func (a *Adapter) TypeTag() string { return "container" }

func (a *Adapter) Validate(req any) error {
	r, ok := req.(Request)
	if !ok {
		return fmt.Errorf("container: expected container.Request, got %T", req)
	}
	if r.Image == "" {
		return fmt.Errorf("container: image is required")
	}
	if r.NetworkName == "" {
		return fmt.Errorf("container: networkName is required")
	}
	return nil
}

// Create ensures the configured image is present (pulling it if necessary),
// then creates and starts a container bound to port via the caller-supplied
// network, returning its id.
func (a *Adapter) Create(ctx context.Context, port int, name string, req any) (resource.Native, error) {
	r, ok := req.(Request)
	if !ok {
		return resource.Native{}, fmt.Errorf("container: expected container.Request, got %T", req)
	}

	if err := a.ensureImage(ctx, r.Image); err != nil {
		return resource.Native{}, err
	}

	workDir := r.workDir()
	containerPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", r.containerPort(port)))
	if err != nil {
		return resource.Native{}, fmt.Errorf("container: container port: %w", err)
	}

	cfg := &container.Config{
		Image:      r.Image,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Env:        r.EnvVars,
		WorkingDir: workDir,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			"managed_by": "serverlesspool",
			"pool_name":  name,
		},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   r.MemoryBytes,
			NanoCPUs: r.NanoCPUs,
		},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", port)}},
		},
	}
	if r.HostPath != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:%s:rw", r.HostPath, workDir)}
	} else {
		hostCfg.Tmpfs = map[string]string{workDir: "rw,size=512m"}
	}
	for dest, hostSrc := range r.ScriptFiles {
		hostCfg.Binds = append(hostCfg.Binds, fmt.Sprintf("%s:%s:ro", hostSrc, path.Join(workDir, dest)))
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			r.NetworkName: {},
		},
	}

	dockerName := fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
	resp, err := a.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, dockerName)
	if err != nil {
		return resource.Native{}, fmt.Errorf("container: create: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return resource.Native{}, fmt.Errorf("container: start: %w", err)
	}

	return resource.Native{Kind: resource.KindContainer, Container: &native{id: resp.ID, name: dockerName}}, nil
}

// ensureImage inspects the image and pulls it on a not-found response,
// draining the pull's progress stream to completion or ctx cancellation.
func (a *Adapter) ensureImage(ctx context.Context, ref string) error {
	_, err := a.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("container: inspect image %q: %w", ref, err)
	}

	a.logger.Info("pulling image", "image", ref)
	reader, err := a.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("container: pull image %q: %w", ref, err)
	}
	defer reader.Close()

	done := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(io.Discard, reader)
		done <- copyErr
	}()

	select {
	case copyErr := <-done:
		if copyErr != nil {
			return fmt.Errorf("container: read pull output for %q: %w", ref, copyErr)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("container: pull %q cancelled: %w", ref, ctx.Err())
	}
}

// Terminate stops the container within ctx's deadline, force-removing it
// regardless of whether the stop succeeded. "Already stopped" and "not
// found" are treated as success.
func (a *Adapter) Terminate(ctx context.Context, nat resource.Native) error {
	n, ok := nat.Container.(*native)
	if !ok {
		return fmt.Errorf("container: terminate: wrong native type %T", nat.Container)
	}

	seconds := 0
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			seconds = int(remaining.Seconds())
		}
	}
	if err := a.client.ContainerStop(ctx, n.id, container.StopOptions{Timeout: &seconds}); err != nil && !errdefs.IsNotFound(err) {
		a.logger.Warn("container stop failed, forcing removal", "id", n.id, "error", err)
	}

	if err := a.client.ContainerRemove(context.Background(), n.id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("container: remove %s: %w", n.id, err)
	}
	return nil
}

// Liveness inspects the container and reports true iff it is running.
func (a *Adapter) Liveness(ctx context.Context, nat resource.Native) bool {
	n, ok := nat.Container.(*native)
	if !ok {
		return false
	}
	inspect, err := a.client.ContainerInspect(ctx, n.id)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Usage fetches one-shot stats and computes CPU% from the standard
// cpuDelta/systemDelta*onlineCPUs formula.
func (a *Adapter) Usage(ctx context.Context, nat resource.Native) (*resource.Usage, error) {
	n, ok := nat.Container.(*native)
	if !ok {
		return nil, fmt.Errorf("container: usage: wrong native type %T", nat.Container)
	}

	statsReader, err := a.client.ContainerStats(ctx, n.id, false)
	if err != nil {
		return nil, fmt.Errorf("container: stats: %w", err)
	}
	defer statsReader.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(statsReader.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("container: decode stats: %w", err)
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)

	var cpuPercent float64
	if cpuDelta > 0 && systemDelta > 0 {
		onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		if onlineCPUs == 0 {
			onlineCPUs = 1
		}
		cpuPercent = (cpuDelta / systemDelta) * onlineCPUs * 100
	}

	return &resource.Usage{CPUPercent: cpuPercent, MemoryBytes: int64(stats.MemoryStats.Usage)}, nil
}

// BackendID implements pool.IDProvider so poolInfo can surface the Docker
// container id for container handles.
func (a *Adapter) BackendID(nat resource.Native) string {
	n, ok := nat.Container.(*native)
	if !ok {
		return ""
	}
	return n.id
}

// OnShutdown has no adapter-wide state; every container is terminated
// individually during the pool's drain.
func (a *Adapter) OnShutdown(ctx context.Context) error { return nil }
