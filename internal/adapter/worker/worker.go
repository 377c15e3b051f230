// Package worker implements the lightweight in-process resource adapter:
// an isolated goroutine bound to a loopback listener, standing in for a
// worker-thread-style isolate. Go has no literal analogue to a V8 isolate's
// old-gen/young-gen heap ceilings or its event-loop-utilization metric;
// this adapter applies no heap ceiling, and Usage documents the
// approximation it uses for utilization.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"serverlesspool/internal/resource"
)

// Request is the acquisition payload a caller supplies for a Worker
// resource: the path to the script the isolate would load. The adapter only
// validates that the path exists and is readable; it does not execute the
// script's contents (there is no embedded JS engine here) — a Go-idiomatic
// stand-in for a V8-isolate-style worker.
type Request struct {
	ScriptPath string
}

// native is the payload attached to resource.Native.Worker.
type native struct {
	mu       sync.Mutex
	listener net.Listener
	stopCh   chan struct{}
	doneCh   chan struct{}
	alive    bool

	// busyNanos accumulates time spent serving connections, standing in for
	// event-loop-utilization: a worker servicing a connection counts as busy
	// between accept and close.
	busyNanos  int64
	lastSample int64 // UnixNano of the last Usage() call, for the delta window
}

// Adapter implements pool.Adapter for in-process workers.
type Adapter struct {
	shutdownGrace time.Duration
}

// New returns a worker Adapter. shutdownGrace bounds how long Terminate
// waits, after closing the listener, for the accept loop to exit.
func New(shutdownGrace time.Duration) *Adapter {
	if shutdownGrace <= 0 {
		shutdownGrace = 5 * time.Second
	}
	return &Adapter{shutdownGrace: shutdownGrace}
}

func (a *Adapter) TypeTag() string { return "worker" }

func (a *Adapter) Validate(req any) error {
	r, ok := req.(Request)
	if !ok {
		return fmt.Errorf("worker: expected worker.Request, got %T", req)
	}
	if r.ScriptPath == "" {
		return errors.New("worker: scriptPath is required")
	}
	if _, err := os.Stat(r.ScriptPath); err != nil {
		return fmt.Errorf("worker: scriptPath %q not readable: %w", r.ScriptPath, err)
	}
	return nil
}

// Create binds a loopback listener on port and starts the worker's accept
// loop. It resolves once the listener is bound (the isolate's "online"
// signal); any later accept-loop error just stops the loop, which Liveness
// will observe.
func (a *Adapter) Create(ctx context.Context, port int, name string, req any) (resource.Native, error) {
	if err := a.Validate(req); err != nil {
		return resource.Native{}, err
	}

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return resource.Native{}, fmt.Errorf("worker: listen: %w", err)
	}

	n := &native{
		listener:   l,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		alive:      true,
		lastSample: time.Now().UnixNano(),
	}

	go n.acceptLoop()

	return resource.Native{Kind: resource.KindWorker, Worker: n}, nil
}

func (n *native) acceptLoop() {
	defer close(n.doneCh)
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			n.mu.Lock()
			n.alive = false
			n.mu.Unlock()
			return
		}
		n.serve(conn)
	}
}

// serve handles one connection, counting its duration as busy time.
func (n *native) serve(conn net.Conn) {
	start := time.Now()
	defer func() {
		atomic.AddInt64(&n.busyNanos, time.Since(start).Nanoseconds())
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	_, _ = reader.ReadString('\n')
	_, _ = conn.Write([]byte("ok\n"))
}

// Terminate closes the listener, which stops the accept loop, then waits for
// the loop to exit for at most shutdownGrace or until ctx is done. A
// connection still being served is not interrupted.
func (a *Adapter) Terminate(ctx context.Context, nat resource.Native) error {
	n, ok := nat.Worker.(*native)
	if !ok {
		return fmt.Errorf("worker: terminate: wrong native type %T", nat.Worker)
	}

	n.mu.Lock()
	if !n.alive {
		n.mu.Unlock()
		return nil
	}
	n.alive = false
	n.mu.Unlock()

	n.listener.Close()

	grace := time.NewTimer(a.shutdownGrace)
	defer grace.Stop()
	select {
	case <-n.doneCh:
	case <-grace.C:
	case <-ctx.Done():
	}
	return nil // listener.Close already unblocks Accept; nothing further to force
}

// Liveness reports whether the accept loop is still running.
func (a *Adapter) Liveness(ctx context.Context, nat resource.Native) bool {
	n, ok := nat.Worker.(*native)
	if !ok {
		return false
	}
	select {
	case <-n.doneCh:
		return false
	default:
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alive
}

// Usage reports CPU% as the share of the time since the last sample spent
// serving connections — the closest portable proxy for event-loop utilization
// available without an embedded isolate. Memory is always reported as 0:
// per-goroutine memory isn't separately measurable from the Go runtime.
func (a *Adapter) Usage(ctx context.Context, nat resource.Native) (*resource.Usage, error) {
	n, ok := nat.Worker.(*native)
	if !ok {
		return nil, fmt.Errorf("worker: usage: wrong native type %T", nat.Worker)
	}

	now := time.Now().UnixNano()
	prev := atomic.SwapInt64(&n.lastSample, now)
	window := now - prev
	if window <= 0 {
		return &resource.Usage{CPUPercent: 0, MemoryBytes: 0}, nil
	}

	busy := atomic.SwapInt64(&n.busyNanos, 0)
	util := float64(busy) / float64(window) * 100
	if util > 100 {
		util = 100
	}
	return &resource.Usage{CPUPercent: util, MemoryBytes: 0}, nil
}

// OnShutdown has nothing adapter-wide to release; each worker's listener is
// already closed by Terminate during drain.
func (a *Adapter) OnShutdown(ctx context.Context) error { return nil }
