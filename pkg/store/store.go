// Package store implements the Config Store (C8): durable persistence
// for ModelConfigs, with backup/restore and a change-log, behind a
// single ConfigStore interface with two grounded implementations —
// a gorm-backed SQL store and a YAML-file store — selected by the
// scheme of the configured DSN, per spec §4.8's "either is acceptable"
// Open Question.
package store

import (
	"context"
	"time"

	"github.com/modelforge/orchestrator/pkg/types"
)

// Backup describes one point-in-time snapshot of the store's configs.
type Backup struct {
	ID        string
	CreatedAt time.Time
	ModelIDs  []string
}

// ChangeLogEntry records one persisted mutation, independent of the
// in-memory ConfigChangeEvent the hot-reload engine emits (supplemented
// from the Python reference's config_change_logs table, which the
// distilled spec otherwise drops). DBStore writes entries to that table;
// FileStore keeps them in memory only, so they do not survive a restart.
type ChangeLogEntry struct {
	ID        uint
	ModelID   string
	ChangeType types.ChangeType
	Fields    []string
	Timestamp time.Time
}

// ConfigStore is the durable backing for model configuration. All
// methods must be safe for concurrent use.
type ConfigStore interface {
	SaveModelConfig(ctx context.Context, cfg types.ModelConfig) error
	LoadModelConfigs(ctx context.Context) ([]types.ModelConfig, error)
	DeleteModelConfig(ctx context.Context, id string) error
	ValidateConfig(cfg types.ModelConfig) error

	Backup(ctx context.Context) (Backup, error)
	Restore(ctx context.Context, backupID string) error
	ListBackups(ctx context.Context) ([]Backup, error)
	CleanupOldBackups(ctx context.Context, keep int) error

	RecordChange(ctx context.Context, entry ChangeLogEntry) error

	Close() error
}
