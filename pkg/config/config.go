// Package config loads the orchestrator's process-level configuration
// from the environment, mirroring the teacher's
// api/pkg/config/config.go shape: a root struct of nested structs
// processed in one envconfig.Process call.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root orchestrator configuration.
type Config struct {
	Store      Store
	Server     Server
	Scheduler  Scheduler
	HotReload  HotReload
	Proxy      Proxy
	GPUProbe   GPUProbe
	Adapter    Adapter
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
}

// Store configures the Config Store backing (C8).
type Store struct {
	DSN       string `envconfig:"STORE_DSN" default:"file://./data/configs"`
	DataDir   string `envconfig:"DATA_DIR" default:"./data"`
	KeepBackups int  `envconfig:"STORE_KEEP_BACKUPS" default:"10"`
}

// Server configures the orchestrator's own bind address (the thin
// HTTP transport layer that calls into this core is out of scope,
// but it needs somewhere to listen).
type Server struct {
	BindAddr       string `envconfig:"BIND_ADDR" default:"0.0.0.0:8080"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Scheduler configures the priority scheduler (C7).
type Scheduler struct {
	EvictionEnabled bool `envconfig:"SCHEDULER_EVICTION_ENABLED" default:"false"`
	MinPriorityGap  int  `envconfig:"SCHEDULER_MIN_PRIORITY_GAP" default:"2"`
}

// HotReload configures the config hot-reload engine (C9).
type HotReload struct {
	CheckInterval time.Duration `envconfig:"HOT_RELOAD_INTERVAL" default:"15s"`
}

// Proxy configures the API proxy / request router (C10).
type Proxy struct {
	Strategy          string `envconfig:"PROXY_STRATEGY" default:"ROUND_ROBIN"`
	RequestsPerMinute int    `envconfig:"PROXY_RATE_LIMIT_RPM" default:"600"`
	FailoverEnabled   bool   `envconfig:"PROXY_FAILOVER_ENABLED" default:"true"`
	MaxFailoverAttempts int  `envconfig:"PROXY_MAX_FAILOVER_ATTEMPTS" default:"3"`
}

// GPUProbe configures the GPU Probe polling cadence (C1).
type GPUProbe struct {
	PollInterval time.Duration `envconfig:"GPU_PROBE_INTERVAL" default:"10s"`
}

// Adapter configures the Framework Adapter (C3) backends: the single
// native-process binary every NATIVE_SERVER model is launched with
// (it receives --model/--port and distinguishes models by ModelPath),
// and the Docker image and in-container serving port every
// CONTAINER_SERVER model runs from.
type Adapter struct {
	NativeBinary   string `envconfig:"ADAPTER_NATIVE_BINARY" default:"llama-server"`
	ContainerImage string `envconfig:"ADAPTER_CONTAINER_IMAGE" default:"ghcr.io/ggerganov/llama.cpp:server"`
	ContainerPort  int    `envconfig:"ADAPTER_CONTAINER_PORT" default:"8080"`
}

// Load processes environment variables into a Config, applying the
// envconfig-declared defaults for anything unset.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
