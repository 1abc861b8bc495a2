package types

// Framework identifies which adapter family owns a model.
type Framework string

const (
	FrameworkNativeServer    Framework = "NATIVE_SERVER"
	FrameworkContainerServer Framework = "CONTAINER_SERVER"
)

// ModelStatus is the orchestrator's view of a model's lifecycle stage.
type ModelStatus string

const (
	StatusStopped  ModelStatus = "STOPPED"
	StatusStarting ModelStatus = "STARTING"
	StatusRunning  ModelStatus = "RUNNING"
	StatusStopping ModelStatus = "STOPPING"
	StatusError    ModelStatus = "ERROR"
)

// HealthStatus is the most recent judgment of whether a running model
// is serving requests correctly, distinct from Status.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// GPUVendor identifies the GPU manufacturer; UNKNOWN is tolerated
// wherever vendor detection cannot be completed.
type GPUVendor string

const (
	GPUVendorNVIDIA  GPUVendor = "NVIDIA"
	GPUVendorAMD     GPUVendor = "AMD"
	GPUVendorUnknown GPUVendor = "UNKNOWN"
)

// ChangeType classifies a ConfigChangeEvent emitted by the hot-reload engine.
type ChangeType string

const (
	ChangeCreated ChangeType = "CREATED"
	ChangeUpdated ChangeType = "UPDATED"
	ChangeDeleted ChangeType = "DELETED"
)

// ScheduleResult is the outcome of Scheduler.Schedule.
type ScheduleResult string

const (
	ScheduleSuccess                ScheduleResult = "SUCCESS"
	ScheduleInsufficientResources  ScheduleResult = "INSUFFICIENT_RESOURCES"
	ScheduleError                  ScheduleResult = "ERROR"
)

// LoadBalancingStrategy selects how the proxy router picks among
// available endpoints for a model.
type LoadBalancingStrategy string

const (
	StrategyRoundRobin       LoadBalancingStrategy = "ROUND_ROBIN"
	StrategyLeastConnections LoadBalancingStrategy = "LEAST_CONNECTIONS"
)
