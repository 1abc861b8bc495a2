// Package api exposes the orchestrator's HTTP handler surface (spec
// §6): thin JSON handlers over the Lifecycle Manager, Scheduler, and
// GPU Probe. Grounded on the teacher's server package shape — a
// gorilla/mux router, one handler method per route, a shared JSON
// envelope helper — simplified to this project's single-tenant
// session-less surface (no auth middleware chain to adapt).
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/gpuprobe"
	"github.com/modelforge/orchestrator/pkg/lifecycle"
	"github.com/modelforge/orchestrator/pkg/scheduler"
	"github.com/modelforge/orchestrator/pkg/store"
	"github.com/modelforge/orchestrator/pkg/types"
)

// Server wires the control-plane HTTP surface to the components that
// implement it. Model placement (C7) runs synchronously inside the
// start handler (create only registers the model); the Hot-Reload Engine (C9) drives the same
// Lifecycle Manager independently for config-store-originated changes.
type Server struct {
	Lifecycle *lifecycle.Manager
	Scheduler *scheduler.Scheduler
	Probe     *gpuprobe.Prober
	Store     store.ConfigStore
	Log       zerolog.Logger
	StartedAt time.Time

	router *mux.Router
}

func NewServer(lc *lifecycle.Manager, sched *scheduler.Scheduler, probe *gpuprobe.Prober, cfgStore store.ConfigStore, log zerolog.Logger) *Server {
	s := &Server{
		Lifecycle: lc,
		Scheduler: sched,
		Probe:     probe,
		Store:     cfgStore,
		Log:       log.With().Str("component", "api").Logger(),
		StartedAt: time.Now(),
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/system/overview", s.handleSystemOverview).Methods(http.MethodGet)
	s.router.HandleFunc("/system/gpu", s.handleSystemGPU).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/gpu", s.handleSystemGPU).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/metrics/system", s.handleSystemOverview).Methods(http.MethodGet)

	s.router.HandleFunc("/models/", s.handleListModels).Methods(http.MethodGet)
	s.router.HandleFunc("/models/", s.handleCreateModel).Methods(http.MethodPost)
	s.router.HandleFunc("/models/validate", s.handleValidateModel).Methods(http.MethodPost)
	s.router.HandleFunc("/models/{id}", s.handleGetModel).Methods(http.MethodGet)
	s.router.HandleFunc("/models/{id}", s.handleUpdateModel).Methods(http.MethodPut)
	s.router.HandleFunc("/models/{id}", s.handleDeleteModel).Methods(http.MethodDelete)
	s.router.HandleFunc("/models/{id}/status", s.handleModelStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/models/{id}/start", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/models/{id}/stop", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/models/{id}/restart", s.handleRestart).Methods(http.MethodPost)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemOverview(w http.ResponseWriter, r *http.Request) {
	gpus := s.Probe.DetectGPUs(r.Context())
	models := s.Lifecycle.List()

	running := 0
	for _, m := range models {
		if m.Status == types.StatusRunning {
			running++
		}
	}
	available := 0
	for _, g := range gpus {
		if g.MemoryFree > 0 {
			available++
		}
	}

	writeJSON(w, http.StatusOK, types.SystemOverview{
		TotalModels:   len(models),
		RunningModels: running,
		TotalGPUs:     len(gpus),
		AvailableGPUs: available,
		Uptime:        time.Since(s.StartedAt),
	})
}

func (s *Server) handleSystemGPU(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Probe.DetectGPUs(r.Context()))
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	direction := r.URL.Query().Get("order")
	if direction == "" {
		direction = "desc"
	}
	writeJSON(w, http.StatusOK, s.Lifecycle.ListByPriority(direction))
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var cfg types.ModelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidConfig, err, "malformed request body"))
		return
	}
	now := time.Now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	if err := s.Lifecycle.Create(cfg); err != nil {
		writeError(w, err)
		return
	}

	if err := s.Store.SaveModelConfig(r.Context(), cfg); err != nil {
		_ = s.Lifecycle.Delete(cfg.ID)
		writeError(w, apierrors.Wrap(apierrors.KindInternal, err, "failed to persist model %s, rolled back", cfg.ID))
		return
	}
	_ = s.Store.RecordChange(r.Context(), store.ChangeLogEntry{
		ModelID:    cfg.ID,
		ChangeType: types.ChangeCreated,
		Timestamp:  now,
	})

	s.Scheduler.Register(cfg)
	writeJSON(w, http.StatusCreated, map[string]string{"id": cfg.ID})
}

func (s *Server) handleValidateModel(w http.ResponseWriter, r *http.Request) {
	var cfg types.ModelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidConfig, err, "malformed request body"))
		return
	}
	if !types.ValidID(cfg.ID) {
		writeError(w, apierrors.New(apierrors.KindInvalidConfig, "id %q does not match the required pattern", cfg.ID))
		return
	}
	if cfg.Priority < 1 || cfg.Priority > 10 {
		writeError(w, apierrors.New(apierrors.KindInvalidConfig, "priority must be in [1, 10]"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	runtime, err := s.Lifecycle.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runtime.ToInfo())
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	oldCfg, err := s.Lifecycle.GetConfig(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var cfg types.ModelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidConfig, err, "malformed request body"))
		return
	}
	cfg.ID = id
	cfg.UpdatedAt = time.Now()

	restartRequired, err := s.Lifecycle.UpdateConfig(cfg)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.Store.SaveModelConfig(r.Context(), cfg); err != nil {
		_, _ = s.Lifecycle.UpdateConfig(oldCfg)
		writeError(w, apierrors.Wrap(apierrors.KindInternal, err, "failed to persist update for %s, rolled back", id))
		return
	}
	_ = s.Store.RecordChange(r.Context(), store.ChangeLogEntry{
		ModelID:    id,
		ChangeType: types.ChangeUpdated,
		Fields:     types.Diff(oldCfg, cfg),
		Timestamp:  cfg.UpdatedAt,
	})

	if restartRequired {
		if err := s.Lifecycle.Restart(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restart_required": restartRequired})
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.Scheduler.Unregister(id)
	if err := s.Lifecycle.Delete(id); err != nil {
		writeError(w, err)
		return
	}

	if err := s.Store.DeleteModelConfig(r.Context(), id); err != nil {
		s.Log.Warn().Err(err).Str("model_id", id).Msg("model removed from lifecycle but config store soft-delete failed")
		writeError(w, apierrors.Wrap(apierrors.KindInternal, err, "model %s removed but failed to persist deletion", id))
		return
	}
	_ = s.Store.RecordChange(r.Context(), store.ChangeLogEntry{
		ModelID:    id,
		ChangeType: types.ChangeDeleted,
		Timestamp:  time.Now(),
	})

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	runtime, err := s.Lifecycle.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   runtime.Status,
		"health":   runtime.LastHealth.Status,
		"endpoint": runtime.Endpoint,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cfg, err := s.Lifecycle.GetConfig(id)
	if err != nil {
		writeError(w, err)
		return
	}

	gpus := s.Probe.DetectGPUs(r.Context())
	s.Scheduler.Register(cfg)
	decision := s.Scheduler.Schedule(gpus, s.Lifecycle.RunningAllocations())

	if decision.Result != types.ScheduleSuccess && len(decision.Evict) > 0 {
		for _, evictID := range decision.Evict {
			if err := s.Lifecycle.Stop(r.Context(), evictID); err != nil {
				s.Log.Warn().Err(err).Str("model_id", evictID).Msg("failed to evict model for higher-priority placement")
			}
		}
		gpus = s.Probe.DetectGPUs(r.Context())
		decision = s.Scheduler.Schedule(gpus, s.Lifecycle.RunningAllocations())
	}

	if decision.Result != types.ScheduleSuccess {
		writeError(w, apierrors.New(apierrors.KindInsufficientResources, "no placement available for %s: %v", id, decision.Errors))
		return
	}

	if err := s.Lifecycle.Start(r.Context(), id, decision.Allocation); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Lifecycle.Stop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Lifecycle.Restart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as the §6 error envelope, deriving the HTTP
// status from its apierrors.Kind when present.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if se, ok := err.(interface{ HTTPStatus() int }); ok {
		status = se.HTTPStatus()
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}
