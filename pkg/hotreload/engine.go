// Package hotreload implements the Hot-Reload Engine (C9): a poll loop
// that diffs the Config Store's current state against its own
// in-memory cache of last-seen configs, classifies each difference as
// CREATED/UPDATED/DELETED, and applies it — live for fields the
// semantic diff says don't need a restart, via a full restart
// otherwise. Grounded on the Python reference's
// ConfigHotReloadService (test_config_hot_reload.py): an interval
// cache-vs-store poll, a listener list, and a restart-vs-live-apply
// branch per update.
package hotreload

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/modelforge/orchestrator/pkg/store"
	"github.com/modelforge/orchestrator/pkg/types"
)

// ConfigSource is the subset of ConfigStore the engine polls.
type ConfigSource interface {
	LoadModelConfigs(ctx context.Context) ([]types.ModelConfig, error)
	RecordChange(ctx context.Context, entry store.ChangeLogEntry) error
}

// Applier is the subset of the Lifecycle Manager the engine drives
// once it classifies a change.
type Applier interface {
	Create(cfg types.ModelConfig) error
	Delete(id string) error
	Restart(ctx context.Context, id string) error
	UpdateConfig(newCfg types.ModelConfig) (restartRequired bool, err error)
	Stop(ctx context.Context, id string) error
}

// Engine polls a ConfigSource on an interval (or on an early nudge
// from a file-backed store's fsnotify watch) and applies any detected
// changes through Applier.
type Engine struct {
	source    ConfigSource
	applier   Applier
	log       zerolog.Logger
	scheduler gocron.Scheduler

	mu    sync.Mutex
	cache map[string]types.ModelConfig
	inFlight bool

	listenersMu sync.RWMutex
	listeners   []func(types.ConfigChangeEvent)
}

func New(source ConfigSource, applier Applier, log zerolog.Logger) (*Engine, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Engine{
		source:    source,
		applier:   applier,
		log:       log.With().Str("component", "hotreload").Logger(),
		scheduler: scheduler,
		cache:     make(map[string]types.ModelConfig),
	}, nil
}

// OnChange registers a listener invoked for every classified change,
// independent of whether the engine could apply it.
func (e *Engine) OnChange(fn func(types.ConfigChangeEvent)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notify(event types.ConfigChangeEvent) {
	e.listenersMu.RLock()
	listeners := append([]func(types.ConfigChangeEvent){}, e.listeners...)
	e.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}
}

// InitializeCache seeds the engine's cache from the store without
// triggering any apply, so the first poll cycle doesn't treat every
// already-running model as newly CREATED.
func (e *Engine) InitializeCache(ctx context.Context) error {
	configs, err := e.source.LoadModelConfigs(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cfg := range configs {
		e.cache[cfg.ID] = cfg
	}
	return nil
}

// Start begins polling at interval. earlyNudge, if non-nil, is a
// channel (e.g. FileStore.Changed) that triggers an out-of-band poll
// without waiting for the next tick.
func (e *Engine) Start(ctx context.Context, interval time.Duration, earlyNudge <-chan struct{}) error {
	_, err := e.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { e.poll(ctx) }),
	)
	if err != nil {
		return err
	}
	e.scheduler.Start()

	if earlyNudge != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-earlyNudge:
					e.poll(ctx)
				}
			}
		}()
	}
	return nil
}

func (e *Engine) Shutdown() error {
	return e.scheduler.Shutdown()
}

// poll runs a single reconciliation cycle. It is single-flight: a
// cycle already in progress (e.g. triggered by an early nudge while a
// scheduled tick is running) is skipped rather than queued.
func (e *Engine) poll(ctx context.Context) {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	var configs []types.ModelConfig
	err := retry.Do(
		func() error {
			var loadErr error
			configs, loadErr = e.source.LoadModelConfigs(ctx)
			return loadErr
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
	)
	if err != nil {
		e.log.Error().Err(err).Msg("hot-reload poll failed to load configs after retries")
		return
	}

	e.reconcile(ctx, configs)
}

func (e *Engine) reconcile(ctx context.Context, configs []types.ModelConfig) {
	e.mu.Lock()
	seen := make(map[string]bool, len(configs))
	var events []types.ConfigChangeEvent

	for _, cfg := range configs {
		seen[cfg.ID] = true
		old, existed := e.cache[cfg.ID]
		if !existed {
			events = append(events, types.ConfigChangeEvent{
				ChangeType: types.ChangeCreated,
				ModelID:    cfg.ID,
				NewConfig:  cfgPtr(cfg),
				Timestamp:  time.Now(),
			})
			e.cache[cfg.ID] = cfg
			continue
		}
		changed := types.Diff(old, cfg)
		if len(changed) == 0 {
			continue
		}
		events = append(events, types.ConfigChangeEvent{
			ChangeType:   types.ChangeUpdated,
			ModelID:      cfg.ID,
			OldConfig:    cfgPtr(old),
			NewConfig:    cfgPtr(cfg),
			Timestamp:    time.Now(),
			ChangeFields: changed,
		})
		e.cache[cfg.ID] = cfg
	}

	for id, old := range e.cache {
		if !seen[id] {
			events = append(events, types.ConfigChangeEvent{
				ChangeType: types.ChangeDeleted,
				ModelID:    id,
				OldConfig:  cfgPtr(old),
				Timestamp:  time.Now(),
			})
			delete(e.cache, id)
		}
	}
	e.mu.Unlock()

	for _, event := range events {
		e.apply(ctx, event)
	}
}

func (e *Engine) apply(ctx context.Context, event types.ConfigChangeEvent) {
	e.notify(event)
	_ = e.source.RecordChange(ctx, store.ChangeLogEntry{
		ModelID:    event.ModelID,
		ChangeType: event.ChangeType,
		Fields:     event.ChangeFields,
		Timestamp:  event.Timestamp,
	})

	var err error
	switch event.ChangeType {
	case types.ChangeCreated:
		err = e.applier.Create(*event.NewConfig)
	case types.ChangeDeleted:
		if stopErr := e.applier.Stop(ctx, event.ModelID); stopErr == nil {
			err = e.applier.Delete(event.ModelID)
		} else {
			err = stopErr
		}
	case types.ChangeUpdated:
		var restartRequired bool
		restartRequired, err = e.applier.UpdateConfig(*event.NewConfig)
		if err == nil && restartRequired {
			err = e.applier.Restart(ctx, event.ModelID)
		}
	}
	if err != nil {
		e.log.Error().Err(err).Str("model_id", event.ModelID).Str("change_type", string(event.ChangeType)).
			Msg("failed to apply detected config change")
	}
}

func cfgPtr(cfg types.ModelConfig) *types.ModelConfig { return &cfg }
