// Package health implements the Health Checker (C4) and the
// Auto-Recovery Controller (C5). Each registered model gets a
// periodic probe job on a shared gocron.Scheduler; probe outcomes
// feed a per-model ring buffer and failure counter, and crossing
// max_failures hands the model to the recovery controller. Grounded
// on the Python reference's test_health_checker.py for the ring
// buffer and failure-counter reset-on-success semantics.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/modelforge/orchestrator/pkg/types"
)

// StatusSink is the subset of the Lifecycle Manager the checker needs.
type StatusSink interface {
	UpdateHealth(id string, result types.HealthCheckResult, failureCount int) error
	GetConfig(id string) (types.ModelConfig, error)
}

type modelState struct {
	jobID        uuid.UUID
	history      *ring
	failureCount int
	degraded     bool
}

// Checker runs periodic HTTP health probes for every registered model.
type Checker struct {
	scheduler gocron.Scheduler
	sink      StatusSink
	client    *http.Client
	log       zerolog.Logger

	onDegraded func(modelID string, cfg types.ModelConfig)

	mu     sync.Mutex
	states map[string]*modelState
}

func NewChecker(sink StatusSink, log zerolog.Logger) (*Checker, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Checker{
		scheduler: scheduler,
		sink:      sink,
		client:    &http.Client{},
		log:       log.With().Str("component", "health").Logger(),
		states:    make(map[string]*modelState),
	}, nil
}

// OnDegraded sets the callback invoked once a model's failure count
// reaches its configured max_failures (spec §4.4/§4.5 boundary).
func (c *Checker) OnDegraded(fn func(modelID string, cfg types.ModelConfig)) {
	c.onDegraded = fn
}

func (c *Checker) Start() { c.scheduler.Start() }

func (c *Checker) Shutdown(ctx context.Context) error {
	return c.scheduler.Shutdown()
}

// Register schedules periodic probing of endpoint for modelID per cfg.
// Re-registering an already-registered model replaces its job.
func (c *Checker) Register(modelID, endpoint string, cfg types.HealthCheckConfig) error {
	c.Unregister(modelID)
	if !cfg.Enabled {
		return nil
	}

	state := &modelState{history: newRing(100)}
	job, err := c.scheduler.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func() { c.probe(modelID, endpoint, cfg) }),
		gocron.WithTags(modelID),
	)
	if err != nil {
		return err
	}
	state.jobID = job.ID()

	c.mu.Lock()
	c.states[modelID] = state
	c.mu.Unlock()
	return nil
}

func (c *Checker) Unregister(modelID string) {
	c.mu.Lock()
	state, ok := c.states[modelID]
	if ok {
		delete(c.states, modelID)
	}
	c.mu.Unlock()
	if ok {
		_ = c.scheduler.RemoveJob(state.jobID)
	}
}

func (c *Checker) probe(modelID, endpoint string, cfg types.HealthCheckConfig) {
	c.mu.Lock()
	state, ok := c.states[modelID]
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	start := time.Now()
	result := types.HealthCheckResult{ModelID: modelID, CheckTime: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+cfg.Endpoint, nil)
	if err == nil {
		resp, doErr := c.client.Do(req)
		elapsed := time.Since(start)
		result.ResponseTime = &elapsed
		if doErr != nil {
			err = doErr
		} else {
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				result.Status = types.HealthHealthy
			} else {
				err = &httpStatusError{resp.StatusCode}
			}
		}
	}

	if err != nil {
		result.Status = types.HealthUnhealthy
		msg := err.Error()
		result.ErrorMessage = &msg
		state.failureCount++
	} else {
		state.failureCount = 0
		state.degraded = false
	}

	state.history.push(result)
	if updErr := c.sink.UpdateHealth(modelID, result, state.failureCount); updErr != nil {
		c.log.Warn().Err(updErr).Str("model_id", modelID).Msg("failed to record health result")
	}

	if state.failureCount >= cfg.MaxFailures && !state.degraded && c.onDegraded != nil {
		state.degraded = true
		if modelCfg, cfgErr := c.sink.GetConfig(modelID); cfgErr == nil {
			c.onDegraded(modelID, modelCfg)
		}
	}
}

// RecentErrorRate reports the fraction of the last up-to-100 probes
// that were not healthy, the C4 supplement of the Python reference's
// log_analyzer.py.
func (c *Checker) RecentErrorRate(modelID string) float64 {
	c.mu.Lock()
	state, ok := c.states[modelID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return state.history.errorRate()
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return "health endpoint returned status " + http.StatusText(e.code)
}
