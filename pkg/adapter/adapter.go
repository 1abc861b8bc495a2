// Package adapter implements the Framework Adapter (C3): the boundary
// between the orchestrator's lifecycle model and the concrete way a
// model actually gets run, either as a supervised native process or
// as a Docker container. Grounded on the teacher's runner package,
// whose model-instance types (axolotl_model_instance.go,
// ollama_runtime.go) drive an exec.Cmd through the same start/pipe/wait
// discipline adapted here.
package adapter

import (
	"context"

	"github.com/modelforge/orchestrator/pkg/types"
)

// StartResult carries back what the lifecycle manager needs to record
// once an adapter has brought a model to a reachable endpoint.
type StartResult struct {
	PID         int
	ContainerID string
	Endpoint    string
}

// Adapter is the capability surface every framework backend implements.
// Lifecycle (C6) only ever talks to this interface; it never knows
// whether a given model is a native process or a container.
type Adapter interface {
	// Validate checks cfg for this framework's launch preconditions
	// without starting anything.
	Validate(cfg types.ModelConfig) error

	// Start launches cfg and blocks until the model reports ready or
	// the startup budget (cfg.RetryPolicy.MaxDelay, 30s when unset) is
	// exhausted.
	Start(ctx context.Context, cfg types.ModelConfig, alloc *types.ResourceAllocation) (StartResult, error)

	// Stop terminates the running instance identified by handle,
	// escalating from graceful to forceful per its own timeout policy.
	Stop(ctx context.Context, handle Handle) error

	// ProbeProcess reports whether the underlying process/container is
	// still alive, independent of application-level health.
	ProbeProcess(ctx context.Context, handle Handle) (bool, error)
}

// Handle identifies a running instance to Stop/ProbeProcess. Exactly
// one of PID/ContainerID is meaningful, matching the adapter that
// produced it.
type Handle struct {
	PID         int
	ContainerID string
}

// Registry resolves a model's Framework to the Adapter that runs it.
type Registry struct {
	adapters map[types.Framework]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.Framework]Adapter)}
}

func (r *Registry) Register(fw types.Framework, a Adapter) {
	r.adapters[fw] = a
}

func (r *Registry) For(fw types.Framework) (Adapter, bool) {
	a, ok := r.adapters[fw]
	return a, ok
}
