package adapter

import (
	"context"
	"os/exec"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/types"
)

type fakeCommander struct {
	lookPathErr error
}

func (f *fakeCommander) LookPath(file string) (string, error) {
	if f.lookPathErr != nil {
		return "", f.lookPathErr
	}
	return "/usr/bin/" + file, nil
}

func (f *fakeCommander) CommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, arg...)
}

func TestNativeAdapter_ValidateRequiresModelPath(t *testing.T) {
	a := NewNativeAdapter("llama-server", zerolog.Nop())
	a.Commander = &fakeCommander{}
	err := a.Validate(types.ModelConfig{ID: "m1"})
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindInvalidConfig))
}

func TestNativeAdapter_ValidateBinaryNotFound(t *testing.T) {
	a := NewNativeAdapter("llama-server", zerolog.Nop())
	a.Commander = &fakeCommander{lookPathErr: exec.ErrNotFound}
	err := a.Validate(types.ModelConfig{ID: "m1", ModelPath: "/models/x.gguf"})
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindDependencyUnavailable))
}

func TestGPUEnv_FormatsCUDAVisibleDevices(t *testing.T) {
	env := gpuEnv(&types.ResourceAllocation{GPUDevices: []int{0, 2}})
	require.Len(t, env, 1)
	assert.Equal(t, "CUDA_VISIBLE_DEVICES=0,2", env[0])
}

func TestGPUEnv_NilAllocation(t *testing.T) {
	assert.Nil(t, gpuEnv(nil))
}

func TestFreePort_ReturnsUsablePort(t *testing.T) {
	port, err := freePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}
