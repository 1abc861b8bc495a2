// Package lifecycle implements the Lifecycle Manager (C6): the
// authoritative in-memory record of every registered model and the
// state machine (STOPPED -> STARTING -> RUNNING -> STOPPING -> ERROR)
// that governs it. Grounded on the Python reference's
// test_model_manager.py for the exact idempotency and concurrency
// contracts, and on the teacher's scheduler runner registry for the
// concurrent-map-plus-per-key-lock shape.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/modelforge/orchestrator/pkg/adapter"
	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/calculator"
	"github.com/modelforge/orchestrator/pkg/scheduler"
	"github.com/modelforge/orchestrator/pkg/types"
)

// Manager owns every model's ModelRuntime. Every state-changing
// operation on a given model id is serialized through that id's lock so
// state transitions never race, while unrelated models proceed
// concurrently. Reads load the runtime without taking the lock.
type Manager struct {
	runtimes *xsync.MapOf[string, *types.ModelRuntime]
	locks    *xsync.MapOf[string, *sync.Mutex]

	adapters *adapter.Registry
	calc     *calculator.Calculator
	log      zerolog.Logger

	listenersMu sync.RWMutex
	listeners   []func(types.ModelInfo)
}

func New(adapters *adapter.Registry, calc *calculator.Calculator, log zerolog.Logger) *Manager {
	return &Manager{
		runtimes: xsync.NewMapOf[string, *types.ModelRuntime](),
		locks:    xsync.NewMapOf[string, *sync.Mutex](),
		adapters: adapters,
		calc:     calc,
		log:      log.With().Str("component", "lifecycle").Logger(),
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	lock, _ := m.locks.LoadOrCompute(id, func() *sync.Mutex { return &sync.Mutex{} })
	return lock
}

// OnStatusChange registers a listener invoked synchronously whenever a
// model's ModelInfo changes. Start's STARTING and Stop's STOPPING
// notifications are delivered after the per-model lock is released;
// every other notification is delivered while that lock is still held.
func (m *Manager) OnStatusChange(fn func(types.ModelInfo)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(info types.ModelInfo) {
	m.listenersMu.RLock()
	listeners := append([]func(types.ModelInfo){}, m.listeners...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(info)
	}
}

// Create registers a new model in STOPPED state. Returns
// apierrors.KindAlreadyExists if id is already registered and
// apierrors.KindInvalidConfig if cfg fails basic validation.
func (m *Manager) Create(cfg types.ModelConfig) error {
	if !types.ValidID(cfg.ID) {
		return apierrors.New(apierrors.KindInvalidConfig, "model id %q does not match the required pattern", cfg.ID)
	}
	lock := m.lockFor(cfg.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, exists := m.runtimes.Load(cfg.ID); exists {
		return apierrors.Wrap(apierrors.KindAlreadyExists, apierrors.ErrAlreadyExists, "model %s is already registered", cfg.ID)
	}

	a, ok := m.adapters.For(cfg.Framework)
	if !ok {
		return apierrors.New(apierrors.KindInvalidConfig, "no adapter registered for framework %s", cfg.Framework)
	}
	if err := a.Validate(cfg); err != nil {
		return err
	}

	if cfg.ResourceRequirements.GPUMemory == 0 {
		cfg.ResourceRequirements = m.calc.Estimate(cfg)
	}

	now := time.Now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	rt := &types.ModelRuntime{Config: cfg, Status: types.StatusStopped}
	m.runtimes.Store(cfg.ID, rt)
	m.notify(rt.ToInfo())
	return nil
}

// Delete removes a model's record. It must be STOPPED or ERROR.
func (m *Manager) Delete(id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rt, ok := m.runtimes.Load(id)
	if !ok {
		return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "model %s is not registered", id)
	}
	if rt.Status != types.StatusStopped && rt.Status != types.StatusError {
		return apierrors.Wrap(apierrors.KindConflict, apierrors.ErrConflict, "model %s must be stopped before it can be deleted (current status: %s)", id, rt.Status)
	}
	m.runtimes.Delete(id)
	m.locks.Delete(id)
	return nil
}

// Start transitions a model from STOPPED to RUNNING via its adapter.
// Calling Start on a model that is already RUNNING or STARTING is a
// no-op, matching the reference's idempotent start semantics.
func (m *Manager) Start(ctx context.Context, id string, alloc *types.ResourceAllocation) error {
	lock := m.lockFor(id)
	lock.Lock()

	rt, ok := m.runtimes.Load(id)
	if !ok {
		lock.Unlock()
		return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "model %s is not registered", id)
	}
	switch rt.Status {
	case types.StatusRunning, types.StatusStarting:
		lock.Unlock()
		return nil
	case types.StatusStopping:
		lock.Unlock()
		return apierrors.Wrap(apierrors.KindConflict, apierrors.ErrConflict, "model %s is currently stopping", id)
	}

	a, ok := m.adapters.For(rt.Config.Framework)
	if !ok {
		lock.Unlock()
		return apierrors.New(apierrors.KindInvalidConfig, "no adapter registered for framework %s", rt.Config.Framework)
	}

	rt.Status = types.StatusStarting
	rt.Allocation = alloc
	cfg := rt.Config
	info := rt.ToInfo()
	lock.Unlock()
	m.notify(info)

	result, err := a.Start(ctx, cfg, alloc)

	lock.Lock()
	defer lock.Unlock()
	rt, ok = m.runtimes.Load(id)
	if !ok {
		return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "model %s was deleted while starting", id)
	}
	if err != nil {
		rt.Status = types.StatusError
		m.notify(rt.ToInfo())
		return err
	}
	rt.Status = types.StatusRunning
	rt.PID = result.PID
	rt.ContainerID = result.ContainerID
	rt.Endpoint = result.Endpoint
	rt.StartedAt = time.Now()
	rt.FailureCount = 0
	m.notify(rt.ToInfo())
	return nil
}

// Stop transitions a model to STOPPED. Calling Stop on an already
// STOPPED model is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()

	rt, ok := m.runtimes.Load(id)
	if !ok {
		lock.Unlock()
		return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "model %s is not registered", id)
	}
	if rt.Status == types.StatusStopped {
		lock.Unlock()
		return nil
	}

	a, ok := m.adapters.For(rt.Config.Framework)
	if !ok {
		lock.Unlock()
		return apierrors.New(apierrors.KindInvalidConfig, "no adapter registered for framework %s", rt.Config.Framework)
	}

	rt.Status = types.StatusStopping
	handle := adapter.Handle{PID: rt.PID, ContainerID: rt.ContainerID}
	lock.Unlock()
	m.notify(rt.ToInfo())

	err := a.Stop(ctx, handle)

	lock.Lock()
	defer lock.Unlock()
	rt, ok = m.runtimes.Load(id)
	if !ok {
		return nil
	}
	if err != nil {
		rt.Status = types.StatusError
		m.notify(rt.ToInfo())
		return err
	}
	rt.Status = types.StatusStopped
	rt.PID = 0
	rt.ContainerID = ""
	rt.Endpoint = ""
	rt.Allocation = nil
	m.notify(rt.ToInfo())
	return nil
}

// Restart stops then starts a model, reusing its previous allocation.
func (m *Manager) Restart(ctx context.Context, id string) error {
	rt, err := m.Get(id)
	if err != nil {
		return err
	}
	alloc := rt.Allocation
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	rt.RestartCount++
	return m.Start(ctx, id, alloc)
}

// UpdateConfig replaces a model's stored configuration and reports
// whether applying it requires a restart, per spec §4.6's semantic
// diff (live-applicable fields are not restart-triggering).
func (m *Manager) UpdateConfig(newCfg types.ModelConfig) (restartRequired bool, err error) {
	lock := m.lockFor(newCfg.ID)
	lock.Lock()
	defer lock.Unlock()

	rt, ok := m.runtimes.Load(newCfg.ID)
	if !ok {
		return false, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "model %s is not registered", newCfg.ID)
	}

	changed := types.Diff(rt.Config, newCfg)
	restartRequired = types.RequiresRestart(changed)
	newCfg.CreatedAt = rt.Config.CreatedAt
	newCfg.UpdatedAt = time.Now()
	rt.Config = newCfg
	m.notify(rt.ToInfo())
	return restartRequired, nil
}

// UpdateHealth records the latest probe result for id, used by the
// health checker (C4) after each cycle.
func (m *Manager) UpdateHealth(id string, result types.HealthCheckResult, failureCount int) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rt, ok := m.runtimes.Load(id)
	if !ok {
		return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "model %s is not registered", id)
	}
	rt.LastHealth = result
	rt.FailureCount = failureCount
	m.notify(rt.ToInfo())
	return nil
}

// MarkError forces a model into ERROR, used by auto-recovery (C5)
// once its retry budget is exhausted.
func (m *Manager) MarkError(id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rt, ok := m.runtimes.Load(id)
	if !ok {
		return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "model %s is not registered", id)
	}
	rt.Status = types.StatusError
	m.notify(rt.ToInfo())
	return nil
}

func (m *Manager) Get(id string) (*types.ModelRuntime, error) {
	rt, ok := m.runtimes.Load(id)
	if !ok {
		return nil, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "model %s is not registered", id)
	}
	return rt, nil
}

func (m *Manager) GetStatus(id string) (types.ModelStatus, error) {
	rt, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return rt.Status, nil
}

func (m *Manager) GetConfig(id string) (types.ModelConfig, error) {
	rt, err := m.Get(id)
	if err != nil {
		return types.ModelConfig{}, err
	}
	return rt.Config, nil
}

func (m *Manager) GetHealth(id string) (types.HealthCheckResult, error) {
	rt, err := m.Get(id)
	if err != nil {
		return types.HealthCheckResult{}, err
	}
	return rt.LastHealth, nil
}

// List returns every registered model's info, unordered.
func (m *Manager) List() []types.ModelInfo {
	var out []types.ModelInfo
	m.runtimes.Range(func(_ string, rt *types.ModelRuntime) bool {
		out = append(out, rt.ToInfo())
		return true
	})
	return out
}

// ListByPriority returns every registered model sorted by priority in
// the given direction ("asc" or "desc"; anything else defaults to
// desc), ties broken by id for deterministic output.
func (m *Manager) ListByPriority(direction string) []types.ModelInfo {
	out := m.List()
	asc := direction == "asc"
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j], out[j-1]
			less := a.Priority < b.Priority || (a.Priority == b.Priority && a.ID < b.ID)
			more := a.Priority > b.Priority || (a.Priority == b.Priority && a.ID < b.ID)
			outOfOrder := more
			if asc {
				outOfOrder = less
			}
			if outOfOrder {
				out[j], out[j-1] = out[j-1], out[j]
			} else {
				break
			}
		}
	}
	return out
}

// ListRunning returns only models currently in RUNNING.
func (m *Manager) ListRunning() []types.ModelInfo {
	var out []types.ModelInfo
	m.runtimes.Range(func(_ string, rt *types.ModelRuntime) bool {
		if rt.Status == types.StatusRunning {
			out = append(out, rt.ToInfo())
		}
		return true
	})
	return out
}

// RunningAllocations returns the priority and resource allocation of
// every model currently in RUNNING, for the scheduler's eviction
// planning (§4.4).
func (m *Manager) RunningAllocations() []scheduler.PreemptionCandidate {
	var out []scheduler.PreemptionCandidate
	m.runtimes.Range(func(id string, rt *types.ModelRuntime) bool {
		if rt.Status == types.StatusRunning && rt.Allocation != nil {
			out = append(out, scheduler.PreemptionCandidate{
				ModelID:    id,
				Priority:   rt.Config.Priority,
				Allocation: *rt.Allocation,
			})
		}
		return true
	})
	return out
}

// Shutdown stops every running model concurrently, waiting for all of
// them before returning, per spec §5's orderly-shutdown requirement.
func (m *Manager) Shutdown(ctx context.Context) {
	var wg conc.WaitGroup
	m.runtimes.Range(func(id string, rt *types.ModelRuntime) bool {
		if rt.Status == types.StatusStopped {
			return true
		}
		wg.Go(func() {
			if err := m.Stop(ctx, id); err != nil {
				m.log.Error().Err(err).Str("model_id", id).Msg("error stopping model during shutdown")
			}
		})
		return true
	})
	wg.Wait()
}
