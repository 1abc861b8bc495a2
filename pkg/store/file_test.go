package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/orchestrator/pkg/types"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func sampleConfig(id string) types.ModelConfig {
	now := time.Now()
	return types.ModelConfig{
		ID:        id,
		Name:      "test-model",
		Framework: types.FrameworkNativeServer,
		ModelPath: "/models/" + id + ".gguf",
		Priority:  5,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, fs.SaveModelConfig(ctx, sampleConfig("m1")))
	require.NoError(t, fs.SaveModelConfig(ctx, sampleConfig("m2")))

	configs, err := fs.LoadModelConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "m1", configs[0].ID)
	assert.Equal(t, "m2", configs[1].ID)
}

func TestFileStore_RejectsInvalidConfig(t *testing.T) {
	fs := newTestFileStore(t)
	cfg := sampleConfig("m1")
	cfg.Priority = 99
	err := fs.SaveModelConfig(context.Background(), cfg)
	require.Error(t, err)
}

func TestFileStore_DeleteModelConfig(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, fs.SaveModelConfig(ctx, sampleConfig("m1")))
	require.NoError(t, fs.DeleteModelConfig(ctx, "m1"))

	configs, err := fs.LoadModelConfigs(ctx)
	require.NoError(t, err)
	assert.Empty(t, configs)

	_, statErr := os.Stat(fs.configPath("m1") + ".deleted")
	require.NoError(t, statErr, "soft-deleted config should be tombstoned, not removed")

	err = fs.DeleteModelConfig(ctx, "m1")
	require.Error(t, err)
}

func TestFileStore_BackupAndRestore(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, fs.SaveModelConfig(ctx, sampleConfig("m1")))

	backup, err := fs.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, backup.ModelIDs)

	require.NoError(t, fs.SaveModelConfig(ctx, sampleConfig("m2")))
	configs, _ := fs.LoadModelConfigs(ctx)
	require.Len(t, configs, 2)

	require.NoError(t, fs.Restore(ctx, backup.ID))
	configs, err = fs.LoadModelConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "m1", configs[0].ID)
}

func TestFileStore_CleanupOldBackups(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, fs.SaveModelConfig(ctx, sampleConfig("m1")))

	for i := 0; i < 5; i++ {
		_, err := fs.Backup(ctx)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, fs.CleanupOldBackups(ctx, 2))
	backups, err := fs.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestFileStore_WatcherSignalsOnChange(t *testing.T) {
	fs := newTestFileStore(t)
	require.NoError(t, fs.SaveModelConfig(context.Background(), sampleConfig("m1")))

	select {
	case <-fs.Changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification after writing a config file")
	}
}

func TestFileStore_RecordChange(t *testing.T) {
	fs := newTestFileStore(t)
	err := fs.RecordChange(context.Background(), ChangeLogEntry{
		ModelID:    "m1",
		ChangeType: types.ChangeCreated,
		Fields:     []string{"name"},
		Timestamp:  time.Now(),
	})
	require.NoError(t, err)
}
