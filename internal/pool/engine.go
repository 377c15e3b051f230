// Package pool implements the generic serverless-resource pool engine:
// acquisition, round-robin selection, idle eviction, resource monitoring,
// pre-warming, health checks, and graceful drain, all delegating
// backend-specific work to an Adapter.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"serverlesspool/internal/metrics"
	"serverlesspool/internal/portutil"
	"serverlesspool/internal/resource"
)

// monitorFanout bounds how many Adapter.Usage probes run concurrently per
// monitoring tick, so a pool with many handles against a slow backend
// (container/pod) doesn't serialize the whole sampling round behind one
// another.
const monitorFanout = 4

// errLostRace is an internal sentinel: Create succeeded but the pool filled
// up before the new handle could be admitted. The caller (Acquire) falls
// through to selection without surfacing this as a failure.
var errLostRace = errors.New("pool: lost admission race")

// Pool is the generic engine. One Pool manages exactly one resource kind,
// matching its Adapter.
type Pool struct {
	adapter Adapter
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Registry
	ports   *portutil.Allocator

	mu              sync.Mutex
	resources       []*resource.Handle
	index           map[string]int
	lastRequestTime int64
	shuttingDown    bool
	watcherStarted  bool
	monitorStarted  bool

	watcherStop chan struct{}
	monitorStop chan struct{}
	wg          sync.WaitGroup

	signals *signalCoordinator

	// now is the engine's clock, overridable in tests so that round-robin
	// selection (driven by wall-clock seconds) is deterministic. Production
	// code never sets this field; it defaults to time.Now.
	now func() time.Time
}

// New constructs a Pool around adapter with cfg (defaults applied for
// zero-valued timer/timeout fields; minPoolSize clamped to maxPoolSize). It
// also wires one-shot OS signal handlers that call Shutdown.
func New(adapter Adapter, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.ManagerName == "" {
		cfg.ManagerName = adapter.TypeTag() + "-manager"
	}

	p := &Pool{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger.With("manager", cfg.ManagerName, "resource_type", adapter.TypeTag()),
		metrics: metrics.NewRegistry(adapter.TypeTag(), cfg.ManagerName),
		ports:   portutil.NewAllocator(),
		index:   make(map[string]int),
		now:     time.Now,
	}
	p.signals = newSignalCoordinator()
	p.signals.Attach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout*2+5*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			p.logger.Error("shutdown triggered by signal failed", "error", err)
		}
	})
	return p
}

// Acquire implements the seven-step acquisition algorithm: reject if
// shutting down, validate the request, attempt creation while there is
// room, and otherwise select round-robin from the existing pool.
func (p *Pool) Acquire(ctx context.Context, req any) (*resource.Handle, error) {
	p.mu.Lock()
	shuttingDown := p.shuttingDown
	p.mu.Unlock()
	if shuttingDown {
		return nil, newErr(ShuttingDown, nil)
	}

	if err := p.adapter.Validate(req); err != nil {
		return nil, newErr(BadConfig, err)
	}

	p.mu.Lock()
	p.lastRequestTime = p.now().UnixMilli()
	p.mu.Unlock()
	p.StartPoolWatcher()
	p.StartResourceMonitoring(p.cfg.MonitorInterval)

	p.mu.Lock()
	roomForCreate := len(p.resources) < p.cfg.MaxPoolSize
	p.mu.Unlock()

	if roomForCreate {
		h, err := p.tryCreate(ctx, req)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, errLostRace) {
			p.logger.Warn("resource creation failed, falling back to selection", "error", err)
		}
	}

	return p.selectFromPool(ctx)
}

// tryCreate runs acquisition steps 4a-4f: allocate a port, create via the
// adapter under a creation deadline, then admit the handle if there is still
// room. On a lost race it terminates the orphaned handle and returns
// errLostRace; on adapter failure it returns a CreationTimeout or
// CreationFailure *Error wrapping the adapter's error.
func (p *Pool) tryCreate(ctx context.Context, req any) (*resource.Handle, error) {
	port, err := p.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	now := p.now()
	name := fmt.Sprintf("%s-%d-%d", p.adapter.TypeTag(), port, now.UnixMilli())

	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreationTimeout)
	defer cancel()

	native, err := p.adapter.Create(cctx, port, name, req)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, newErr(CreationTimeout, err)
		}
		return nil, newErr(CreationFailure, err)
	}

	h := &resource.Handle{
		Name:      name,
		Port:      port,
		CreatedAt: now.UnixMilli(),
		LastUsed:  now.UnixMilli(),
		Native:    native,
	}

	p.mu.Lock()
	if len(p.resources) < p.cfg.MaxPoolSize {
		p.addToPoolLocked(h)
		p.metrics.IncRequests()
		p.metrics.IncHits()
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	// Lost the race: the pool filled up while Create was in flight.
	tctx, tcancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer tcancel()
	if err := p.adapter.Terminate(tctx, native); err != nil {
		p.logger.Warn("failed to terminate orphaned resource after lost admission race",
			"name", name, "port", port, "error", err)
	}
	return nil, errLostRace
}

// selectFromPool implements acquisition steps 5-7: round-robin selection by
// wall-clock second, a liveness probe, and dead-handle replacement.
func (p *Pool) selectFromPool(ctx context.Context) (*resource.Handle, error) {
	p.mu.Lock()
	n := len(p.resources)
	p.metrics.IncRequests()
	if n == 0 {
		p.metrics.IncMisses()
		p.mu.Unlock()
		return nil, newErr(NoResource, nil)
	}
	idx := int(p.now().Unix()) % n
	h := p.resources[idx]
	p.mu.Unlock()

	if p.adapter.Liveness(ctx, h.Native) {
		p.mu.Lock()
		h.LastUsed = p.now().UnixMilli()
		p.mu.Unlock()
		p.metrics.IncHits()
		return h, nil
	}

	p.removeFromPool(h.Name)

	p.mu.Lock()
	var next *resource.Handle
	if len(p.resources) > 0 {
		next = p.resources[0]
	}
	p.mu.Unlock()

	if next != nil {
		p.metrics.IncHits()
		return next, nil
	}
	p.metrics.IncMisses()
	return nil, newErr(NoResource, nil)
}

// addToPoolLocked admits h to the pool. Caller must hold p.mu.
func (p *Pool) addToPoolLocked(h *resource.Handle) {
	p.index[h.Name] = len(p.resources)
	p.resources = append(p.resources, h)
	p.metrics.IncAdditions()
	p.metrics.SetSize(len(p.resources))
}

// removeFromPool removes the handle with the given name, if present,
// bumping removals. Returns the removed handle, or nil if name was not
// found (a no-op, per the idempotence requirement).
func (p *Pool) removeFromPool(name string) *resource.Handle {
	p.mu.Lock()
	idx, ok := p.index[name]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	h := p.removeAtLocked(idx)
	p.metrics.IncRemovals()
	p.metrics.SetSize(len(p.resources))
	p.mu.Unlock()
	return h
}

// removeAtLocked deletes the handle at idx from resources and the index
// map, re-indexing the handles shifted down. Caller must hold p.mu. Does
// not touch metrics; callers add their own removals/evictions increment.
func (p *Pool) removeAtLocked(idx int) *resource.Handle {
	h := p.resources[idx]
	p.resources = append(p.resources[:idx], p.resources[idx+1:]...)
	delete(p.index, h.Name)
	for i := idx; i < len(p.resources); i++ {
		p.index[p.resources[i].Name] = i
	}
	return h
}

// PoolInfo returns a read-only snapshot of engine state.
func (p *Pool) PoolInfo(ctx context.Context) Info {
	p.mu.Lock()
	handles := make([]*resource.Handle, len(p.resources))
	copy(handles, p.resources)
	info := Info{
		Size:           len(p.resources),
		Max:            p.cfg.MaxPoolSize,
		ShuttingDown:   p.shuttingDown,
		WatcherStarted: p.watcherStarted,
	}
	p.mu.Unlock()

	tag := p.adapter.TypeTag()
	idProvider, _ := p.adapter.(IDProvider)

	info.Resources = make([]resource.Projection, 0, len(handles))
	for _, h := range handles {
		var alive *bool
		if tag == "worker" || tag == "process" {
			live := p.adapter.Liveness(ctx, h.Native)
			alive = &live
		}
		var id string
		if idProvider != nil {
			id = idProvider.BackendID(h.Native)
		}
		info.Resources = append(info.Resources, h.Project(alive, id))
	}
	return info
}

// HealthCheck reports {total, deadRemoved, healthy} and removes any handle
// whose liveness probe currently returns false.
func (p *Pool) HealthCheck(ctx context.Context) HealthReport {
	p.mu.Lock()
	handles := make([]*resource.Handle, len(p.resources))
	copy(handles, p.resources)
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	removed := 0
	for _, h := range handles {
		if !p.adapter.Liveness(ctx, h.Native) {
			if p.removeFromPool(h.Name) != nil {
				removed++
			}
		}
	}

	p.mu.Lock()
	size := len(p.resources)
	p.mu.Unlock()

	return HealthReport{
		Total:        len(handles),
		DeadRemoved:  removed,
		Healthy:      size > 0 || !shuttingDown,
		ResourceKind: p.adapter.TypeTag(),
	}
}

// StartPoolWatcher idempotently wires the idle-eviction timer and, if
// minPoolSize > 0, triggers initial pre-warming.
func (p *Pool) StartPoolWatcher() {
	p.mu.Lock()
	if p.watcherStarted {
		p.mu.Unlock()
		return
	}
	p.watcherStarted = true
	p.watcherStop = make(chan struct{})
	stop := p.watcherStop
	p.mu.Unlock()

	p.preWarm(context.Background())

	p.wg.Add(1)
	go p.evictionLoop(stop)
}

// evictionLoop ticks every PoolCheckInterval, evicting the oldest handle
// when the pool has gone idle, then replenishing toward minPoolSize.
func (p *Pool) evictionLoop(stop chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PoolCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.evictionTick()
		}
	}
}

func (p *Pool) evictionTick() {
	p.mu.Lock()
	if p.shuttingDown || len(p.resources) == 0 {
		p.mu.Unlock()
		return
	}
	idleFor := p.now().UnixMilli() - p.lastRequestTime
	if idleFor <= p.cfg.PoolCheckInterval.Milliseconds() {
		p.mu.Unlock()
		return
	}
	oldest := p.removeAtLocked(0)
	p.metrics.IncEvictions()
	p.metrics.SetSize(len(p.resources))
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	if err := p.adapter.Terminate(ctx, oldest.Native); err != nil {
		p.logger.Warn("eviction terminate failed", "name", oldest.Name, "error", err)
	}
	cancel()

	p.preWarm(context.Background())
}

// preWarm creates handles (sequentially, via the adapter's normal create
// path with cfg.PreWarmRequest) until the pool reaches minPoolSize.
func (p *Pool) preWarm(ctx context.Context) {
	for {
		p.mu.Lock()
		need := len(p.resources) < p.cfg.MinPoolSize && !p.shuttingDown
		p.mu.Unlock()
		if !need {
			return
		}
		if _, err := p.tryCreate(ctx, p.cfg.PreWarmRequest); err != nil && !errors.Is(err, errLostRace) {
			p.logger.Warn("pre-warm creation failed", "error", err)
			return
		}
	}
}

// StartResourceMonitoring idempotently starts the usage-sampling timer.
// interval <= 0 falls back to the configured MonitorInterval.
func (p *Pool) StartResourceMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = p.cfg.MonitorInterval
	}
	p.mu.Lock()
	if p.monitorStarted {
		p.mu.Unlock()
		return
	}
	p.monitorStarted = true
	p.monitorStop = make(chan struct{})
	stop := p.monitorStop
	p.mu.Unlock()

	p.wg.Add(1)
	go p.monitorLoop(stop, interval)
}

func (p *Pool) monitorLoop(stop chan struct{}, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.monitorTick()
		}
	}
}

// monitorTick samples every handle's usage concurrently, bounded by
// monitorFanout. Per-handle errors are discarded: one slow or failing
// backend must not delay or silence the others.
func (p *Pool) monitorTick() {
	p.mu.Lock()
	handles := make([]*resource.Handle, len(p.resources))
	copy(handles, p.resources)
	p.mu.Unlock()

	sem := semaphore.NewWeighted(monitorFanout)
	var wg sync.WaitGroup
	for _, h := range handles {
		if err := sem.Acquire(context.Background(), 1); err != nil {
			continue
		}
		wg.Add(1)
		go func(h *resource.Handle) {
			defer wg.Done()
			defer sem.Release(1)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			usage, err := p.adapter.Usage(ctx, h.Native)
			cancel()
			if err != nil || usage == nil {
				return
			}
			sample := *usage
			sample.SampledAt = p.now().UnixMilli()
			p.mu.Lock()
			h.Usage = &sample
			p.mu.Unlock()
		}(h)
	}
	wg.Wait()
}

// Shutdown idempotently stops both timers, drains the pool (best-effort,
// errors logged), detaches signal hooks, and calls the adapter's
// OnShutdown hook.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	watcherStop, monitorStop := p.watcherStop, p.monitorStop
	handles := make([]*resource.Handle, len(p.resources))
	copy(handles, p.resources)
	p.resources = nil
	p.index = make(map[string]int)
	p.mu.Unlock()

	if watcherStop != nil {
		close(watcherStop)
	}
	if monitorStop != nil {
		close(monitorStop)
	}
	p.wg.Wait()
	p.signals.Detach()

	for _, h := range handles {
		tctx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		if err := p.adapter.Terminate(tctx, h.Native); err != nil {
			p.logger.Warn("drain terminate failed", "name", h.Name, "error", err)
		}
		cancel()
	}
	p.metrics.SetSize(0)

	if err := p.adapter.OnShutdown(ctx); err != nil {
		p.logger.Warn("adapter OnShutdown failed", "error", err)
	}
	return nil
}

// MetricsText renders the current counter/gauge snapshot in the text
// exposition format.
func (p *Pool) MetricsText() string { return p.metrics.Text() }
