package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func notFoundErr(what string) error {
	return fmt.Errorf("%s: %w", what, errdefs.ErrNotFound)
}

// fakeDockerClient is a minimal in-memory stand-in for *client.Client,
// implementing only the methods the adapter calls.
type fakeDockerClient struct {
	imagePresent bool
	pulled       bool

	createErr error
	startErr  error

	running bool
	removed bool
	stopped bool

	stats container.StatsResponse
}

func (f *fakeDockerClient) ImageInspect(ctx context.Context, imageID string) (image.InspectResponse, error) {
	if f.imagePresent {
		return image.InspectResponse{ID: imageID}, nil
	}
	return image.InspectResponse{}, notFoundErr("image not found")
}

func (f *fakeDockerClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulled = true
	f.imagePresent = true
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"pulled"}`))), nil
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig,
	netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "container-id-123"}, nil
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeDockerClient) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	if !f.running {
		return notFoundErr("not running")
	}
	f.running = false
	f.stopped = true
	return nil
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	if f.removed {
		return notFoundErr("already removed")
	}
	f.removed = true
	return nil
}

func (f *fakeDockerClient) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	resp := container.InspectResponse{}
	resp.State = &container.State{Running: f.running}
	return resp, nil
}

func (f *fakeDockerClient) ContainerStats(ctx context.Context, id string, stream bool) (container.StatsResponseReader, error) {
	body, err := json.Marshal(f.stats)
	if err != nil {
		return container.StatsResponseReader{}, err
	}
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func validRequest() Request {
	return Request{Image: "busybox:latest", NetworkName: "pool-net"}
}

func TestValidateRequiresImageAndNetwork(t *testing.T) {
	a := New(&fakeDockerClient{}, nil)
	if err := a.Validate(Request{}); err == nil {
		t.Fatal("expected error for empty request")
	}
	if err := a.Validate(Request{Image: "busybox"}); err == nil {
		t.Fatal("expected error for missing network name")
	}
	if err := a.Validate(validRequest()); err != nil {
		t.Fatalf("expected valid request to pass, got: %v", err)
	}
}

func TestCreatePullsMissingImageThenStarts(t *testing.T) {
	client := &fakeDockerClient{imagePresent: false}
	a := New(client, nil)

	nat, err := a.Create(context.Background(), 8080, "pool-container", validRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !client.pulled {
		t.Fatal("expected adapter to pull the missing image")
	}
	if !client.running {
		t.Fatal("expected container to be started")
	}
	if !a.Liveness(context.Background(), nat) {
		t.Fatal("expected liveness true right after create")
	}
	if id := a.BackendID(nat); id != "container-id-123" {
		t.Fatalf("expected backend id container-id-123, got %q", id)
	}
}

func TestCreateSkipsPullWhenImagePresent(t *testing.T) {
	client := &fakeDockerClient{imagePresent: true}
	a := New(client, nil)

	if _, err := a.Create(context.Background(), 8080, "pool-container", validRequest()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if client.pulled {
		t.Fatal("expected adapter not to pull an already-present image")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	client := &fakeDockerClient{imagePresent: true}
	a := New(client, nil)

	nat, err := a.Create(context.Background(), 8080, "pool-container", validRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := a.Terminate(context.Background(), nat); err != nil {
		t.Fatalf("first Terminate: %v", err)
	}
	if !client.stopped {
		t.Fatal("expected container to be stopped")
	}
	if a.Liveness(context.Background(), nat) {
		t.Fatal("expected liveness false after terminate")
	}

	if err := a.Terminate(context.Background(), nat); err != nil {
		t.Fatalf("second Terminate should be idempotent (already removed), got: %v", err)
	}
}

func TestUsageComputesCPUPercentFromDeltas(t *testing.T) {
	client := &fakeDockerClient{imagePresent: true}
	client.stats.CPUStats.CPUUsage.TotalUsage = 2000
	client.stats.PreCPUStats.CPUUsage.TotalUsage = 1000
	client.stats.CPUStats.SystemUsage = 20000
	client.stats.PreCPUStats.SystemUsage = 10000
	client.stats.CPUStats.OnlineCPUs = 2
	client.stats.MemoryStats.Usage = 1024 * 1024

	a := New(client, nil)
	nat, err := a.Create(context.Background(), 8080, "pool-container", validRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	usage, err := a.Usage(context.Background(), nat)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	// (2000-1000)/(20000-10000) * 2 * 100 = 20%
	if usage.CPUPercent != 20 {
		t.Fatalf("expected 20%% CPU, got %v", usage.CPUPercent)
	}
	if usage.MemoryBytes != 1024*1024 {
		t.Fatalf("expected memory bytes 1048576, got %d", usage.MemoryBytes)
	}
}

func TestUsageZeroWhenDeltasNonPositive(t *testing.T) {
	client := &fakeDockerClient{imagePresent: true}
	a := New(client, nil)
	nat, err := a.Create(context.Background(), 8080, "pool-container", validRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	usage, err := a.Usage(context.Background(), nat)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.CPUPercent != 0 {
		t.Fatalf("expected 0%% CPU when deltas are zero, got %v", usage.CPUPercent)
	}
}
