package health

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/modelforge/orchestrator/pkg/types"
)

// Restarter is the subset of the Lifecycle Manager the recovery
// controller drives.
type Restarter interface {
	Restart(ctx context.Context, id string) error
	MarkError(id string) error
}

// Recovery implements the Auto-Recovery Controller (C5): on a
// Degraded notification from the Health Checker, it schedules
// restarts on the model's own RetryPolicy backoff schedule until
// either a restart succeeds or MaxAttempts is exhausted, at which
// point the model is left in ERROR.
type Recovery struct {
	restarter Restarter
	log       zerolog.Logger

	mu       sync.Mutex
	attempts map[string]int
	timers   map[string]*time.Timer
}

func NewRecovery(restarter Restarter, log zerolog.Logger) *Recovery {
	return &Recovery{
		restarter: restarter,
		log:       log.With().Str("component", "recovery").Logger(),
		attempts:  make(map[string]int),
		timers:    make(map[string]*time.Timer),
	}
}

// HandleDegraded is wired as the Checker's OnDegraded callback.
func (r *Recovery) HandleDegraded(modelID string, cfg types.ModelConfig) {
	if !cfg.RetryPolicy.Enabled {
		_ = r.restarter.MarkError(modelID)
		return
	}

	r.mu.Lock()
	attempt := r.attempts[modelID] + 1
	r.attempts[modelID] = attempt
	r.mu.Unlock()

	if attempt > cfg.RetryPolicy.MaxAttempts {
		r.log.Warn().Str("model_id", modelID).Int("attempts", attempt-1).
			Msg("exhausted restart budget, leaving model in ERROR")
		_ = r.restarter.MarkError(modelID)
		r.reset(modelID)
		return
	}

	delay := cfg.RetryPolicy.NextDelay(attempt)
	r.log.Info().Str("model_id", modelID).Int("attempt", attempt).Dur("delay", delay).
		Str("eta", humanize.Time(time.Now().Add(delay))).
		Msg("scheduling automatic restart")

	timer := time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := r.restarter.Restart(ctx, modelID); err != nil {
			r.log.Error().Err(err).Str("model_id", modelID).Msg("automatic restart failed")
			return
		}
		r.reset(modelID)
	})

	r.mu.Lock()
	if prev, ok := r.timers[modelID]; ok {
		prev.Stop()
	}
	r.timers[modelID] = timer
	r.mu.Unlock()
}

// reset clears a model's attempt counter, called after a restart
// succeeds or the budget is exhausted.
func (r *Recovery) reset(modelID string) {
	r.mu.Lock()
	delete(r.attempts, modelID)
	delete(r.timers, modelID)
	r.mu.Unlock()
}

// Cancel stops any pending restart timer for modelID, used when the
// model is explicitly stopped or deleted by an operator.
func (r *Recovery) Cancel(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.timers[modelID]; ok {
		timer.Stop()
		delete(r.timers, modelID)
	}
	delete(r.attempts, modelID)
}
