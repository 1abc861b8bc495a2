package hotreload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/orchestrator/pkg/store"
	"github.com/modelforge/orchestrator/pkg/types"
)

type fakeSource struct {
	mu      sync.Mutex
	configs []types.ModelConfig
	changes []store.ChangeLogEntry
}

func (f *fakeSource) LoadModelConfigs(ctx context.Context) ([]types.ModelConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.ModelConfig, len(f.configs))
	copy(out, f.configs)
	return out, nil
}

func (f *fakeSource) RecordChange(ctx context.Context, entry store.ChangeLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, entry)
	return nil
}

func (f *fakeSource) set(configs []types.ModelConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = configs
}

type fakeApplier struct {
	mu            sync.Mutex
	created       []string
	deleted       []string
	restarted     []string
	updated       []types.ModelConfig
	restartOnUpdate bool
}

func (f *fakeApplier) Create(cfg types.ModelConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg.ID)
	return nil
}

func (f *fakeApplier) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeApplier) Restart(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, id)
	return nil
}

func (f *fakeApplier) UpdateConfig(newCfg types.ModelConfig) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, newCfg)
	return f.restartOnUpdate, nil
}

func (f *fakeApplier) Stop(ctx context.Context, id string) error { return nil }

func baseCfg(id string, priority int) types.ModelConfig {
	now := time.Now()
	return types.ModelConfig{ID: id, Name: id, Framework: types.FrameworkNativeServer, ModelPath: "/m.gguf", Priority: priority, CreatedAt: now, UpdatedAt: now}
}

func TestReconcile_DetectsCreated(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{}
	e, err := New(src, app, zerolog.Nop())
	require.NoError(t, err)

	e.reconcile(context.Background(), []types.ModelConfig{baseCfg("m1", 5)})

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Equal(t, []string{"m1"}, app.created)
}

func TestReconcile_DetectsDeleted(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{}
	e, err := New(src, app, zerolog.Nop())
	require.NoError(t, err)

	e.reconcile(context.Background(), []types.ModelConfig{baseCfg("m1", 5)})
	e.reconcile(context.Background(), nil)

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Equal(t, []string{"m1"}, app.deleted)
}

func TestReconcile_LiveUpdateDoesNotRestart(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{restartOnUpdate: false}
	e, err := New(src, app, zerolog.Nop())
	require.NoError(t, err)

	cfg := baseCfg("m1", 5)
	e.reconcile(context.Background(), []types.ModelConfig{cfg})

	updated := cfg
	updated.Priority = 9
	e.reconcile(context.Background(), []types.ModelConfig{updated})

	app.mu.Lock()
	defer app.mu.Unlock()
	require.Len(t, app.updated, 1)
	assert.Empty(t, app.restarted)
}

func TestReconcile_RestartRequiredUpdateTriggersRestart(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{restartOnUpdate: true}
	e, err := New(src, app, zerolog.Nop())
	require.NoError(t, err)

	cfg := baseCfg("m1", 5)
	e.reconcile(context.Background(), []types.ModelConfig{cfg})

	updated := cfg
	updated.ModelPath = "/new.gguf"
	e.reconcile(context.Background(), []types.ModelConfig{updated})

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Equal(t, []string{"m1"}, app.restarted)
}

func TestReconcile_NoChangeIsSilent(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{}
	e, err := New(src, app, zerolog.Nop())
	require.NoError(t, err)

	cfg := baseCfg("m1", 5)
	e.reconcile(context.Background(), []types.ModelConfig{cfg})
	e.reconcile(context.Background(), []types.ModelConfig{cfg})

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Len(t, app.created, 1)
	assert.Empty(t, app.updated)
}

func TestInitializeCache_SeedsWithoutTriggeringApply(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{}
	src.set([]types.ModelConfig{baseCfg("m1", 5)})
	e, err := New(src, app, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, e.InitializeCache(context.Background()))
	e.reconcile(context.Background(), []types.ModelConfig{baseCfg("m1", 5)})

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Empty(t, app.created)
}

func TestOnChange_NotifiesListeners(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{}
	e, err := New(src, app, zerolog.Nop())
	require.NoError(t, err)

	var got []types.ConfigChangeEvent
	var mu sync.Mutex
	e.OnChange(func(event types.ConfigChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
	})

	e.reconcile(context.Background(), []types.ModelConfig{baseCfg("m1", 5)})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, types.ChangeCreated, got[0].ChangeType)
}
