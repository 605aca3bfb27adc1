package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shopfloor/internal/config"
)

// UpsertPlantConfig validates cfg and stores it as the plant's active config.
func (r Repo) UpsertPlantConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.YAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO plant_config(plant_id,config_yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(plant_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, cfg.Plant.ID, string(payload), now)
	return err
}

// GetPlantConfig returns the stored config. With an empty plantID the single
// stored config is returned.
func (r Repo) GetPlantConfig(ctx context.Context, plantID string) (*config.Config, error) {
	var payload string
	var err error
	if plantID == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM plant_config ORDER BY updated_at DESC LIMIT 1`).Scan(&payload)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM plant_config WHERE plant_id=?`, plantID).Scan(&payload)
	}
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}
