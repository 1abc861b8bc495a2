package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/avast/retry-go/v4"
	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/types"
)

// modelLabel tags every container this adapter launches with the owning
// model's id. Stop and ProbeProcess address containers by ID and do not
// read this label.
const modelLabel = "orchestrator.model_id"

// ContainerAdapter runs a model as a Docker container, reserving GPUs
// via device requests and mapping a host port onto the container's
// serving port. Grounded on the teacher's hydra DevContainerManager,
// which drives the same client.Client against a Unix socket.
type ContainerAdapter struct {
	Image string
	Port  int // container-side port the model server listens on

	docker *client.Client
	log    zerolog.Logger
}

func NewContainerAdapter(image string, port int, log zerolog.Logger) (*ContainerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindDependencyUnavailable, err, "failed to construct docker client")
	}
	return &ContainerAdapter{
		Image:  image,
		Port:   port,
		docker: cli,
		log:    log.With().Str("adapter", "container").Logger(),
	}, nil
}

func (a *ContainerAdapter) Validate(cfg types.ModelConfig) error {
	if cfg.ModelPath == "" {
		return apierrors.New(apierrors.KindInvalidConfig, "model_path is required as the container mount source")
	}
	return nil
}

func (a *ContainerAdapter) Start(ctx context.Context, cfg types.ModelConfig, alloc *types.ResourceAllocation) (StartResult, error) {
	hostPort, err := freePort()
	if err != nil {
		return StartResult{}, apierrors.Wrap(apierrors.KindLaunchFailure, err, "could not allocate a host port")
	}

	containerSidePort := a.Port
	if p, ok := cfg.Parameters["port"]; ok {
		if n, ok := toInt(p); ok {
			containerSidePort = n
		}
	}
	containerPortSpec := fmt.Sprintf("%d/tcp", containerSidePort)
	containerPort := nat.Port(containerPortSpec)
	hostConfig := &dockercontainer.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
		},
		Resources: dockercontainer.Resources{
			DeviceRequests: gpuDeviceRequests(alloc),
		},
		Binds: []string{fmt.Sprintf("%s:/models/%s:ro", cfg.ModelPath, cfg.ID)},
	}

	args := ParameterArgs(cfg.Parameters, "port")
	extra, err := shellJoinAdditionalParameters(cfg.AdditionalParameters, a.log)
	if err != nil {
		return StartResult{}, err
	}
	args = append(args, extra...)

	containerCfg := &dockercontainer.Config{
		Image: a.Image,
		Cmd:   args,
		Labels: map[string]string{
			modelLabel: cfg.ID,
		},
		ExposedPorts: nat.PortSet{containerPort: {}},
	}
	created, err := a.docker.ContainerCreate(ctx, containerCfg, hostConfig, &dockernetwork.NetworkingConfig{}, nil, "orchestrator-"+cfg.ID)
	if err != nil {
		return StartResult{}, apierrors.Wrap(apierrors.KindLaunchFailure, err, "failed to create container for model %s", cfg.ID)
	}

	if err := a.docker.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		return StartResult{}, apierrors.Wrap(apierrors.KindLaunchFailure, err, "failed to start container %s", created.ID)
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", hostPort)
	if err := a.waitReady(ctx, created.ID, cfg); err != nil {
		_ = a.Stop(ctx, Handle{ContainerID: created.ID})
		return StartResult{}, err
	}

	return StartResult{ContainerID: created.ID, Endpoint: endpoint}, nil
}

func (a *ContainerAdapter) waitReady(ctx context.Context, containerID string, cfg types.ModelConfig) error {
	budget := cfg.RetryPolicy.MaxDelay
	if budget <= 0 {
		budget = 30 * time.Second
	}
	readyCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err := retry.Do(
		func() error {
			inspect, err := a.docker.ContainerInspect(readyCtx, containerID)
			if err != nil {
				return err
			}
			if inspect.State == nil || !inspect.State.Running {
				return fmt.Errorf("container %s not running yet", containerID)
			}
			return nil
		},
		retry.Context(readyCtx),
		retry.Attempts(0),
		retry.Delay(250*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindReadinessTimeout, err, "container for model %s did not become ready within %s", cfg.ID, budget)
	}
	return nil
}

func (a *ContainerAdapter) Stop(ctx context.Context, handle Handle) error {
	timeoutSec := 10
	if err := a.docker.ContainerStop(ctx, handle.ContainerID, dockercontainer.StopOptions{Timeout: &timeoutSec}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return apierrors.Wrap(apierrors.KindStopFailure, err, "failed to stop container %s", handle.ContainerID)
	}
	if err := a.docker.ContainerRemove(ctx, handle.ContainerID, dockercontainer.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return apierrors.Wrap(apierrors.KindStopFailure, err, "failed to remove container %s", handle.ContainerID)
	}
	return nil
}

func (a *ContainerAdapter) ProbeProcess(ctx context.Context, handle Handle) (bool, error) {
	inspect, err := a.docker.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, apierrors.Wrap(apierrors.KindDependencyUnavailable, err, "failed to inspect container %s", handle.ContainerID)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func gpuDeviceRequests(alloc *types.ResourceAllocation) []dockercontainer.DeviceRequest {
	if alloc == nil || len(alloc.GPUDevices) == 0 {
		return nil
	}
	ids := make([]string, len(alloc.GPUDevices))
	for i, d := range alloc.GPUDevices {
		ids[i] = strconv.Itoa(d)
	}
	return []dockercontainer.DeviceRequest{{
		Driver:       "nvidia",
		DeviceIDs:    ids,
		Capabilities: [][]string{{"gpu"}},
	}}
}

// toInt converts a parameters map value decoded from JSON/YAML (commonly
// float64 or int) to an int, reporting whether v had a supported numeric
// type. A float64 is truncated toward zero.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func shellJoinAdditionalParameters(additionalParameters string, log zerolog.Logger) ([]string, error) {
	if strings.TrimSpace(additionalParameters) == "" {
		return nil, nil
	}
	return BuildArgs(nil, additionalParameters, log), nil
}
