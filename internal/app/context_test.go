package app_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/app"
	"shopfloor/internal/config"
	"shopfloor/internal/db"
	"shopfloor/internal/migrate"
	"shopfloor/internal/repo"
)

func openRepo(t *testing.T, workspace string) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestResolveConfigDefaultsAndSeeds(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	r := openRepo(t, ws)

	cfg, err := app.ResolveConfig(ctx, ws, "", r)
	require.NoError(t, err)
	assert.Equal(t, app.DefaultPlantID, cfg.Plant.ID)

	stored, err := r.GetPlantConfig(ctx, app.DefaultPlantID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Recommend.Limit, stored.Recommend.Limit)
}

func TestResolveConfigPrefersStoredCopy(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	r := openRepo(t, ws)
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(config.GenerateDefault("plant-9")), 0o644))

	cfg, err := app.ResolveConfig(ctx, ws, "", r)
	require.NoError(t, err)
	assert.Equal(t, "plant-9", cfg.Plant.ID)

	// Later file edits only take effect through an explicit import.
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(config.GenerateDefault("plant-10")), 0o644))
	cfg, err = app.ResolveConfig(ctx, ws, "", r)
	require.NoError(t, err)
	assert.Equal(t, "plant-9", cfg.Plant.ID)
}

func TestResolveConfigRejectsPlantMismatch(t *testing.T) {
	ws := t.TempDir()
	r := openRepo(t, ws)
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(config.GenerateDefault("plant-9")), 0o644))

	_, err := app.ResolveConfig(context.Background(), ws, "plant-3", r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plant-3")
}
