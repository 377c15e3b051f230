package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"serverlesspool/internal/resource"
)

// fakeNative is the payload a fakeAdapter attaches to every handle it
// creates.
type fakeNative struct {
	id    string
	alive bool
}

// fakeAdapter is a scriptable Adapter used across the engine's test suite:
// it never touches a real backend, so creation latency, failures, and
// liveness are all test-controlled.
type fakeAdapter struct {
	mu sync.Mutex

	tag string

	createDelay time.Duration
	createErr   error
	validateErr error

	liveOverride map[string]bool // id -> forced liveness result
	usage        *resource.Usage
	usageErr     error

	createCount     int
	terminateCount  int
	terminatedIDs   []string
	onShutdownCalls int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{tag: "worker", liveOverride: make(map[string]bool)}
}

func (f *fakeAdapter) TypeTag() string { return f.tag }

func (f *fakeAdapter) Validate(req any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateErr
}

func (f *fakeAdapter) Create(ctx context.Context, port int, name string, req any) (resource.Native, error) {
	f.mu.Lock()
	delay := f.createDelay
	err := f.createErr
	f.createCount++
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return resource.Native{}, ctx.Err()
		}
	}
	if err != nil {
		return resource.Native{}, err
	}

	n := &fakeNative{id: name, alive: true}
	f.mu.Lock()
	f.liveOverride[n.id] = true
	f.mu.Unlock()
	return resource.Native{Kind: resource.KindWorker, Worker: n}, nil
}

func (f *fakeAdapter) Terminate(ctx context.Context, n resource.Native) error {
	fn, ok := n.Worker.(*fakeNative)
	if !ok {
		return errors.New("fakeAdapter: terminate: wrong native type")
	}
	f.mu.Lock()
	f.terminateCount++
	f.terminatedIDs = append(f.terminatedIDs, fn.id)
	delete(f.liveOverride, fn.id)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Liveness(ctx context.Context, n resource.Native) bool {
	fn, ok := n.Worker.(*fakeNative)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	live, known := f.liveOverride[fn.id]
	if !known {
		return fn.alive
	}
	return live
}

func (f *fakeAdapter) Usage(ctx context.Context, n resource.Native) (*resource.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usageErr != nil {
		return nil, f.usageErr
	}
	return f.usage, nil
}

func (f *fakeAdapter) OnShutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onShutdownCalls++
	return nil
}

// setLive forces the liveness result for a given handle name.
func (f *fakeAdapter) setLive(name string, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveOverride[name] = alive
}
