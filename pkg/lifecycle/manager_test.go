package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/orchestrator/pkg/adapter"
	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/calculator"
	"github.com/modelforge/orchestrator/pkg/types"
)

type fakeAdapter struct {
	mu          sync.Mutex
	startErr    error
	stopErr     error
	startCalls  int
	stopCalls   int
}

func (f *fakeAdapter) Validate(cfg types.ModelConfig) error { return nil }

func (f *fakeAdapter) Start(ctx context.Context, cfg types.ModelConfig, alloc *types.ResourceAllocation) (adapter.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return adapter.StartResult{}, f.startErr
	}
	return adapter.StartResult{PID: 1234, Endpoint: "http://127.0.0.1:9000"}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context, handle adapter.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeAdapter) ProbeProcess(ctx context.Context, handle adapter.Handle) (bool, error) {
	return true, nil
}

func newManager(a adapter.Adapter) (*Manager, *adapter.Registry) {
	reg := adapter.NewRegistry()
	reg.Register(types.FrameworkNativeServer, a)
	return New(reg, calculator.New(), zerolog.Nop()), reg
}

func TestCreate_RejectsDuplicateID(t *testing.T) {
	m, _ := newManager(&fakeAdapter{})
	cfg := types.ModelConfig{ID: "m1", Framework: types.FrameworkNativeServer}
	require.NoError(t, m.Create(cfg))
	err := m.Create(cfg)
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindAlreadyExists))
}

func TestCreate_RejectsInvalidID(t *testing.T) {
	m, _ := newManager(&fakeAdapter{})
	err := m.Create(types.ModelConfig{ID: "bad id!", Framework: types.FrameworkNativeServer})
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindInvalidConfig))
}

func TestStartStop_Idempotent(t *testing.T) {
	fa := &fakeAdapter{}
	m, _ := newManager(fa)
	require.NoError(t, m.Create(types.ModelConfig{ID: "m1", Framework: types.FrameworkNativeServer}))

	require.NoError(t, m.Start(context.Background(), "m1", nil))
	require.NoError(t, m.Start(context.Background(), "m1", nil)) // idempotent
	assert.Equal(t, 1, fa.startCalls)

	status, err := m.GetStatus("m1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, status)

	require.NoError(t, m.Stop(context.Background(), "m1"))
	require.NoError(t, m.Stop(context.Background(), "m1")) // idempotent
	assert.Equal(t, 1, fa.stopCalls)

	status, err = m.GetStatus("m1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, status)
}

func TestStart_AdapterFailureTransitionsToError(t *testing.T) {
	fa := &fakeAdapter{startErr: assertError{}}
	m, _ := newManager(fa)
	require.NoError(t, m.Create(types.ModelConfig{ID: "m1", Framework: types.FrameworkNativeServer}))

	err := m.Start(context.Background(), "m1", nil)
	require.Error(t, err)

	status, statusErr := m.GetStatus("m1")
	require.NoError(t, statusErr)
	assert.Equal(t, types.StatusError, status)
}

func TestDelete_RequiresStoppedState(t *testing.T) {
	fa := &fakeAdapter{}
	m, _ := newManager(fa)
	require.NoError(t, m.Create(types.ModelConfig{ID: "m1", Framework: types.FrameworkNativeServer}))
	require.NoError(t, m.Start(context.Background(), "m1", nil))

	err := m.Delete("m1")
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindConflict))

	require.NoError(t, m.Stop(context.Background(), "m1"))
	require.NoError(t, m.Delete("m1"))
}

func TestUpdateConfig_DetectsRestartRequirement(t *testing.T) {
	m, _ := newManager(&fakeAdapter{})
	cfg := types.ModelConfig{ID: "m1", Framework: types.FrameworkNativeServer, Priority: 5}
	require.NoError(t, m.Create(cfg))

	liveUpdate := cfg
	liveUpdate.Priority = 8
	restart, err := m.UpdateConfig(liveUpdate)
	require.NoError(t, err)
	assert.False(t, restart)

	restartUpdate := liveUpdate
	restartUpdate.ModelPath = "/models/new.gguf"
	restart, err = m.UpdateConfig(restartUpdate)
	require.NoError(t, err)
	assert.True(t, restart)
}

func TestConcurrentCreate_OnlyOneWins(t *testing.T) {
	m, _ := newManager(&fakeAdapter{})
	cfg := types.ModelConfig{ID: "m1", Framework: types.FrameworkNativeServer}

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Create(cfg)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestShutdown_StopsAllRunningModels(t *testing.T) {
	fa := &fakeAdapter{}
	m, _ := newManager(fa)
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, m.Create(types.ModelConfig{ID: id, Framework: types.FrameworkNativeServer}))
		require.NoError(t, m.Start(context.Background(), id, nil))
	}

	m.Shutdown(context.Background())

	for _, id := range []string{"m1", "m2", "m3"} {
		status, err := m.GetStatus(id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusStopped, status)
	}
}

type assertError struct{}

func (assertError) Error() string { return "launch failed" }
