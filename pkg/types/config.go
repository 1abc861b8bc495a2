package types

import (
	"regexp"
	"time"
)

// idPattern is the invariant on ModelConfig.ID from spec §3.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,255}$`)

// ValidID reports whether id satisfies the ModelConfig.ID invariant.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ResourceRequirement describes the GPU/CPU/system-memory a model needs.
type ResourceRequirement struct {
	GPUMemory    uint64 `json:"gpu_memory" yaml:"gpu_memory"` // MiB, >0
	GPUDevices   []int  `json:"gpu_devices" yaml:"gpu_devices"`
	CPUCores     float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	SystemMemory uint64  `json:"system_memory,omitempty" yaml:"system_memory,omitempty"` // MiB
}

// HealthCheckConfig controls the health checker's per-model cadence.
type HealthCheckConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxFailures int           `json:"max_failures" yaml:"max_failures"`
	Endpoint    string        `json:"endpoint" yaml:"endpoint"`
}

// DefaultHealthCheckConfig mirrors the spec's defaults (§3).
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:     true,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		MaxFailures: 3,
		Endpoint:    "/health",
	}
}

// RetryPolicy controls auto-recovery's exponential-backoff restarts.
type RetryPolicy struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
}

// DefaultRetryPolicy mirrors the spec's defaults (§3).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:       true,
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// NextDelay implements spec §4.5's restart delay schedule:
// delay_n = min(max_delay, initial_delay * backoff_factor^(attempt-1)).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffFactor
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// ModelConfig is the declarative desired state for one model instance.
type ModelConfig struct {
	ID                    string                 `json:"id" yaml:"id"`
	Name                  string                 `json:"name" yaml:"name"`
	Framework             Framework              `json:"framework" yaml:"framework"`
	ModelPath             string                 `json:"model_path" yaml:"model_path"`
	Priority              int                    `json:"priority" yaml:"priority"` // 1-10, higher wins
	GPUDevices            []int                  `json:"gpu_devices" yaml:"gpu_devices"`
	Parameters            map[string]any         `json:"parameters" yaml:"parameters"`
	AdditionalParameters  string                 `json:"additional_parameters,omitempty" yaml:"additional_parameters,omitempty"`
	ResourceRequirements  ResourceRequirement     `json:"resource_requirements" yaml:"resource_requirements"`
	HealthCheck           HealthCheckConfig       `json:"health_check" yaml:"health_check"`
	RetryPolicy           RetryPolicy             `json:"retry_policy" yaml:"retry_policy"`
	CreatedAt             time.Time               `json:"created_at" yaml:"created_at"`
	UpdatedAt             time.Time               `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep-enough copy for safe mutation (parameters map
// and gpu_devices slice are copied; nested struct fields are by value).
func (c ModelConfig) Clone() ModelConfig {
	out := c
	if c.GPUDevices != nil {
		out.GPUDevices = append([]int{}, c.GPUDevices...)
	}
	if c.Parameters != nil {
		out.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	if c.ResourceRequirements.GPUDevices != nil {
		out.ResourceRequirements.GPUDevices = append([]int{}, c.ResourceRequirements.GPUDevices...)
	}
	return out
}

// liveApplicableFields is the §4.6 set of ModelConfig fields whose
// change never requires a restart.
var liveApplicableFields = map[string]bool{
	"name":              true,
	"priority":          true,
	"health_check":      true,
	"retry_policy":      true,
}

// Diff compares two configs (ignoring updated_at, per §4.6's semantic
// equality rule) and returns the set of dotted field paths that differ.
func Diff(oldCfg, newCfg ModelConfig) []string {
	var changed []string
	if oldCfg.Name != newCfg.Name {
		changed = append(changed, "name")
	}
	if oldCfg.Priority != newCfg.Priority {
		changed = append(changed, "priority")
	}
	if oldCfg.HealthCheck != newCfg.HealthCheck {
		changed = append(changed, "health_check")
	}
	if oldCfg.RetryPolicy != newCfg.RetryPolicy {
		changed = append(changed, "retry_policy")
	}
	if oldCfg.Framework != newCfg.Framework {
		changed = append(changed, "framework")
	}
	if oldCfg.ModelPath != newCfg.ModelPath {
		changed = append(changed, "model_path")
	}
	if !intSliceEqual(oldCfg.GPUDevices, newCfg.GPUDevices) {
		changed = append(changed, "gpu_devices")
	}
	if !paramsEqual(oldCfg.Parameters, newCfg.Parameters) {
		changed = append(changed, "parameters")
	}
	if oldCfg.AdditionalParameters != newCfg.AdditionalParameters {
		changed = append(changed, "additional_parameters")
	}
	if !resourceRequirementEqual(oldCfg.ResourceRequirements, newCfg.ResourceRequirements) {
		changed = append(changed, "resource_requirements")
	}
	return changed
}

// RequiresRestart reports whether the given changed fields (as
// returned by Diff) include anything outside the live-applicable set.
func RequiresRestart(changedFields []string) bool {
	for _, f := range changedFields {
		if !liveApplicableFields[f] {
			return true
		}
	}
	return false
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func resourceRequirementEqual(a, b ResourceRequirement) bool {
	return a.GPUMemory == b.GPUMemory &&
		a.CPUCores == b.CPUCores &&
		a.SystemMemory == b.SystemMemory &&
		intSliceEqual(a.GPUDevices, b.GPUDevices)
}

func paramsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if v != bv {
			return false
		}
	}
	return true
}
