package types

import "time"

// HealthCheckResult is one health-checker probe outcome.
type HealthCheckResult struct {
	ModelID      string         `json:"model_id"`
	Status       HealthStatus   `json:"status"`
	CheckTime    time.Time      `json:"check_time"`
	ResponseTime *time.Duration `json:"response_time,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// ConfigChangeEvent is emitted by the hot-reload engine for every
// CREATED/UPDATED/DELETED transition it detects.
type ConfigChangeEvent struct {
	ChangeType   ChangeType   `json:"change_type"`
	ModelID      string       `json:"model_id"`
	OldConfig    *ModelConfig `json:"old_config,omitempty"`
	NewConfig    *ModelConfig `json:"new_config,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	ChangeFields []string     `json:"change_fields"`
}

// ModelInfo is the read-facing projection of a model used by
// ListModels/GetStatus-style calls and by the proxy registry.
type ModelInfo struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Framework   Framework   `json:"framework"`
	Status      ModelStatus `json:"status"`
	Health      HealthStatus `json:"health"`
	Priority    int         `json:"priority"`
	GPUDevices  []int       `json:"gpu_devices"`
	APIEndpoint string      `json:"api_endpoint,omitempty"`
}

// ModelRuntime is the in-memory, authoritative record the Lifecycle
// Manager keeps per registered model id. Never persisted directly;
// Config is what gets persisted via the Config Store.
type ModelRuntime struct {
	Config         ModelConfig
	Status         ModelStatus
	PID            int
	ContainerID    string
	Endpoint       string
	StartedAt      time.Time
	LastHealth     HealthCheckResult
	FailureCount   int
	RestartCount   int
	Allocation     *ResourceAllocation
}

// SystemOverview answers GET /system/overview.
type SystemOverview struct {
	TotalModels     int           `json:"total_models"`
	RunningModels   int           `json:"running_models"`
	TotalGPUs       int           `json:"total_gpus"`
	AvailableGPUs   int           `json:"available_gpus"`
	Uptime          time.Duration `json:"uptime"`
}

func (r *ModelRuntime) ToInfo() ModelInfo {
	health := r.LastHealth.Status
	if health == "" {
		health = HealthUnknown
	}
	return ModelInfo{
		ID:          r.Config.ID,
		Name:        r.Config.Name,
		Framework:   r.Config.Framework,
		Status:      r.Status,
		Health:      health,
		Priority:    r.Config.Priority,
		GPUDevices:  r.Config.GPUDevices,
		APIEndpoint: r.Endpoint,
	}
}
