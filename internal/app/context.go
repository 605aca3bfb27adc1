package app

import (
	"context"
	"errors"
	"fmt"

	"shopfloor/internal/config"
	"shopfloor/internal/repo"
)

// DefaultPlantID names the plant when neither the DB nor the workspace file
// provides one.
const DefaultPlantID = "plant-1"

// ResolveConfig returns the active engine configuration for a workspace.
// The stored DB copy wins, then the workspace shopfloor.yml, then defaults.
// Whatever is resolved from the file or defaults is stored so later runs
// and the server see the same config.
func ResolveConfig(ctx context.Context, workspace, plantOverride string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetPlantConfig(ctx, plantOverride)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load plant config: %w", err)
	}

	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		plantID := plantOverride
		if plantID == "" {
			plantID = DefaultPlantID
		}
		cfg = config.Default(plantID)
	} else if plantOverride != "" && cfg.Plant.ID != plantOverride {
		return nil, fmt.Errorf("workspace config is for plant %q, not %q", cfg.Plant.ID, plantOverride)
	}
	if err := r.UpsertPlantConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed plant config: %w", err)
	}
	return cfg, nil
}
