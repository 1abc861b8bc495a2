package adapter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/types"
)

// Commander wraps exec.CommandContext/LookPath so tests can substitute
// a fake without spawning real processes. Mirrors the teacher's
// runner.Commander shape.
type Commander interface {
	LookPath(file string) (string, error)
	CommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd
}

type realCommander struct{}

func (realCommander) LookPath(file string) (string, error) { return exec.LookPath(file) }
func (realCommander) CommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, arg...)
}

// NativeAdapter runs a model as a supervised local process: it picks
// a free port, composes argv, execs the binary with a new process
// group (so the orchestrator can kill the whole tree on Stop), and
// polls the readiness endpoint before declaring the launch complete.
type NativeAdapter struct {
	Binary    string
	Commander Commander
	Log       zerolog.Logger

	mu      sync.Mutex
	running map[int]*exec.Cmd
}

func NewNativeAdapter(binary string, log zerolog.Logger) *NativeAdapter {
	return &NativeAdapter{
		Binary:    binary,
		Commander: realCommander{},
		Log:       log.With().Str("adapter", "native").Logger(),
		running:   make(map[int]*exec.Cmd),
	}
}

func (a *NativeAdapter) Validate(cfg types.ModelConfig) error {
	if cfg.ModelPath == "" {
		return apierrors.New(apierrors.KindInvalidConfig, "model_path is required for a native-process model")
	}
	if _, err := a.Commander.LookPath(a.Binary); err != nil {
		return apierrors.Wrap(apierrors.KindDependencyUnavailable, err, "native runtime binary %q not found on PATH", a.Binary)
	}
	return nil
}

func (a *NativeAdapter) Start(ctx context.Context, cfg types.ModelConfig, alloc *types.ResourceAllocation) (StartResult, error) {
	port, err := freePort()
	if err != nil {
		return StartResult{}, apierrors.Wrap(apierrors.KindLaunchFailure, err, "could not allocate a free port")
	}

	base := []string{"--model", cfg.ModelPath, "--port", strconv.Itoa(port)}
	base = append(base, ParameterArgs(cfg.Parameters, "port")...)
	args := BuildArgs(base, cfg.AdditionalParameters, a.Log)

	cmd := a.Commander.CommandContext(ctx, a.Binary, args...)
	cmd.Env = append(os.Environ(), gpuEnv(alloc)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return StartResult{}, apierrors.Wrap(apierrors.KindLaunchFailure, err, "failed to start %s for model %s", a.Binary, cfg.ID)
	}

	a.mu.Lock()
	a.running[cmd.Process.Pid] = cmd
	a.mu.Unlock()

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := a.waitReady(ctx, endpoint, cfg); err != nil {
		_ = a.killProcessGroup(cmd)
		return StartResult{}, err
	}

	return StartResult{PID: cmd.Process.Pid, Endpoint: endpoint}, nil
}

// waitReady polls cfg.HealthCheck.Endpoint under a startup budget
// derived from the retry policy, giving the caller a structured
// ReadinessTimeout rather than a bare context deadline error.
func (a *NativeAdapter) waitReady(ctx context.Context, endpoint string, cfg types.ModelConfig) error {
	budget := cfg.RetryPolicy.MaxDelay
	if budget <= 0 {
		budget = 30 * time.Second
	}

	readyCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	client := &http.Client{Timeout: 2 * time.Second}
	healthPath := cfg.HealthCheck.Endpoint
	if healthPath == "" {
		healthPath = "/health"
	}

	err := retry.Do(
		func() error {
			resp, err := client.Get(endpoint + healthPath)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("readiness probe returned %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(readyCtx),
		retry.Attempts(0), // unlimited within the context deadline
		retry.Delay(250*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindReadinessTimeout, err, "model %s did not become ready within %s", cfg.ID, budget)
	}
	return nil
}

func (a *NativeAdapter) Stop(ctx context.Context, handle Handle) error {
	a.mu.Lock()
	cmd, ok := a.running[handle.PID]
	a.mu.Unlock()
	if !ok {
		return nil // already gone; Stop is idempotent
	}

	if err := syscall.Kill(-handle.PID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return apierrors.Wrap(apierrors.KindStopFailure, err, "failed to signal process group %d", handle.PID)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = a.killProcessGroup(cmd)
		<-done
	case <-ctx.Done():
		_ = a.killProcessGroup(cmd)
	}

	a.mu.Lock()
	delete(a.running, handle.PID)
	a.mu.Unlock()
	return nil
}

func (a *NativeAdapter) killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func (a *NativeAdapter) ProbeProcess(ctx context.Context, handle Handle) (bool, error) {
	a.mu.Lock()
	_, ok := a.running[handle.PID]
	a.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := syscall.Kill(handle.PID, 0); err != nil {
		return false, nil
	}
	return true, nil
}

func gpuEnv(alloc *types.ResourceAllocation) []string {
	if alloc == nil || len(alloc.GPUDevices) == 0 {
		return nil
	}
	ids := ""
	for i, d := range alloc.GPUDevices {
		if i > 0 {
			ids += ","
		}
		ids += strconv.Itoa(d)
	}
	return []string{"CUDA_VISIBLE_DEVICES=" + ids}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
