package store

import (
	"github.com/modelforge/orchestrator/pkg/apierrors"
	"github.com/modelforge/orchestrator/pkg/types"
)

// validateConfig applies the structural checks both store backends
// run before persisting, independent of any GPU-availability check
// (that belongs to the Resource Calculator, not the store).
func validateConfig(cfg types.ModelConfig) error {
	if !types.ValidID(cfg.ID) {
		return apierrors.New(apierrors.KindInvalidConfig, "model id %q does not match the required pattern", cfg.ID)
	}
	if cfg.Name == "" {
		return apierrors.New(apierrors.KindInvalidConfig, "name is required")
	}
	if cfg.Framework != types.FrameworkNativeServer && cfg.Framework != types.FrameworkContainerServer {
		return apierrors.New(apierrors.KindInvalidConfig, "unknown framework %q", cfg.Framework)
	}
	if cfg.ModelPath == "" {
		return apierrors.New(apierrors.KindInvalidConfig, "model_path is required")
	}
	if cfg.Priority < 1 || cfg.Priority > 10 {
		return apierrors.New(apierrors.KindInvalidConfig, "priority must be between 1 and 10, got %d", cfg.Priority)
	}
	return nil
}
