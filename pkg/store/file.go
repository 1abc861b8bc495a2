package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/types"
)

// FileStore persists configs as one YAML file per model under
// DataDir/configs, with snapshot directories named by a random UUID
// under DataDir/backups for Backup/Restore. Its change log is held in
// memory only and is not written to disk. A fsnotify watch on the configs
// directory lets the hot-reload engine react to out-of-band file
// edits without waiting a full poll interval.
type FileStore struct {
	DataDir string
	log     zerolog.Logger

	mu      sync.RWMutex
	watcher *fsnotify.Watcher

	// Changed fires whenever the watcher observes a write under
	// configs/, so the hot-reload engine can trigger an early poll.
	Changed chan struct{}

	changeLog []ChangeLogEntry
}

func NewFileStore(dataDir string, log zerolog.Logger) (*FileStore, error) {
	configsDir := filepath.Join(dataDir, "configs")
	if err := os.MkdirAll(configsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating configs directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "backups"), 0o755); err != nil {
		return nil, fmt.Errorf("creating backups directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(configsDir); err != nil {
		return nil, fmt.Errorf("watching configs directory: %w", err)
	}

	fs := &FileStore{
		DataDir: dataDir,
		log:     log.With().Str("component", "store").Str("backend", "file").Logger(),
		watcher: watcher,
		Changed: make(chan struct{}, 1),
	}
	go fs.watchLoop()
	return fs, nil
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				select {
				case s.Changed <- struct{}{}:
				default:
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (s *FileStore) configPath(id string) string {
	return filepath.Join(s.DataDir, "configs", id+".yaml")
}

func (s *FileStore) ValidateConfig(cfg types.ModelConfig) error {
	return validateConfig(cfg)
}

func (s *FileStore) SaveModelConfig(ctx context.Context, cfg types.ModelConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "marshaling config for %s", cfg.ID)
	}
	tmp := s.configPath(cfg.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "writing config for %s", cfg.ID)
	}
	if err := os.Rename(tmp, s.configPath(cfg.ID)); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "committing config for %s", cfg.ID)
	}
	return nil
}

func (s *FileStore) LoadModelConfigs(ctx context.Context) ([]types.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.DataDir, "configs"))
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, err, "listing configs directory")
	}

	var out []types.ModelConfig
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.DataDir, "configs", entry.Name()))
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, err, "reading %s", entry.Name())
		}
		var cfg types.ModelConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInvalidConfig, err, "parsing %s", entry.Name())
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteModelConfig soft-deletes id, per spec §3/§6: the config file
// is tombstoned (renamed out of the .yaml extension LoadModelConfigs
// scans for) rather than removed, so it survives for backups/audit.
func (s *FileStore) DeleteModelConfig(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.configPath(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "config %s not found", id)
		}
		return apierrors.Wrap(apierrors.KindInternal, err, "deleting config %s", id)
	}
	if err := os.Rename(path, path+".deleted"); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, err, "deleting config %s", id)
	}
	return nil
}

func (s *FileStore) Backup(ctx context.Context) (Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	configs, err := s.loadLocked()
	if err != nil {
		return Backup{}, err
	}

	id := uuid.NewString()
	snapshotDir := filepath.Join(s.DataDir, "backups", id)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return Backup{}, apierrors.Wrap(apierrors.KindInternal, err, "creating backup directory")
	}

	ids := make([]string, 0, len(configs))
	for _, cfg := range configs {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return Backup{}, apierrors.Wrap(apierrors.KindInternal, err, "marshaling backup entry for %s", cfg.ID)
		}
		if err := os.WriteFile(filepath.Join(snapshotDir, cfg.ID+".yaml"), data, 0o644); err != nil {
			return Backup{}, apierrors.Wrap(apierrors.KindInternal, err, "writing backup entry for %s", cfg.ID)
		}
		ids = append(ids, cfg.ID)
	}

	return Backup{ID: id, CreatedAt: time.Now(), ModelIDs: ids}, nil
}

func (s *FileStore) loadLocked() ([]types.ModelConfig, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "configs"))
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, err, "listing configs directory")
	}
	var out []types.ModelConfig
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.DataDir, "configs", entry.Name()))
		if err != nil {
			return nil, err
		}
		var cfg types.ModelConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *FileStore) Restore(ctx context.Context, backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshotDir := filepath.Join(s.DataDir, "backups", backupID)
	entries, err := os.ReadDir(snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "backup %s not found", backupID)
		}
		return apierrors.Wrap(apierrors.KindInternal, err, "reading backup %s", backupID)
	}

	configsDir := filepath.Join(s.DataDir, "configs")
	current, _ := os.ReadDir(configsDir)
	for _, entry := range current {
		_ = os.Remove(filepath.Join(configsDir, entry.Name()))
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(snapshotDir, entry.Name()))
		if err != nil {
			return apierrors.Wrap(apierrors.KindInternal, err, "reading backup entry %s", entry.Name())
		}
		if err := os.WriteFile(filepath.Join(configsDir, entry.Name()), data, 0o644); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, err, "restoring backup entry %s", entry.Name())
		}
	}
	return nil
}

func (s *FileStore) ListBackups(ctx context.Context) ([]Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.DataDir, "backups"))
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, err, "listing backups directory")
	}
	out := make([]Backup, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Backup{ID: entry.Name(), CreatedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CleanupOldBackups retains the most recent keep backups and removes
// the rest; the keep count comes from the caller.
func (s *FileStore) CleanupOldBackups(ctx context.Context, keep int) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if keep < 0 || len(backups) <= keep {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range backups[keep:] {
		if err := os.RemoveAll(filepath.Join(s.DataDir, "backups", b.ID)); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, err, "removing old backup %s", b.ID)
		}
	}
	return nil
}

func (s *FileStore) RecordChange(ctx context.Context, entry ChangeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uint(len(s.changeLog) + 1)
	s.changeLog = append(s.changeLog, entry)
	return nil
}

func (s *FileStore) Close() error {
	return s.watcher.Close()
}
