package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("plant-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "plant-1", cfg.Plant.ID)
	assert.Equal(t, config.TargetOrderQuantity, cfg.Reconcile.TargetSource)
	assert.Equal(t, "PENDING", cfg.Completion.SuccessorStatus)
	assert.Equal(t, config.OverdueKeep, cfg.Preprocess.OverduePriority)
	assert.Equal(t, []string{"milling"}, cfg.Compatibility.Matrix[config.TypeDrilling])
	assert.True(t, cfg.Reconcile.AutoCompleteEnabled())
	assert.Equal(t, 480.0, cfg.Preprocess.MinutesPerDay)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"missing plant":     func(c *config.Config) { c.Plant.ID = "" },
		"unknown class":     func(c *config.Config) { c.Compatibility.Matrix[config.TypeTurning] = []string{"laser"} },
		"unknown type row":  func(c *config.Config) { c.Compatibility.Matrix["welding"] = []string{"milling"} },
		"empty keywords":    func(c *config.Config) { c.Compatibility.Keywords[config.TypeMilling] = nil },
		"bad policy":        func(c *config.Config) { c.Compatibility.UnknownType.Policy = "guess" },
		"bad fallback":      func(c *config.Config) { c.Compatibility.UnknownType.Fallback = "welding" },
		"bad target source": func(c *config.Config) { c.Reconcile.TargetSource = "constant" },
		"fixed without target": func(c *config.Config) {
			c.Reconcile.TargetSource = config.TargetFixed
			c.Reconcile.FixedTarget = 0
		},
		"bad successor":  func(c *config.Config) { c.Completion.SuccessorStatus = "ASSIGNED" },
		"bad overdue":    func(c *config.Config) { c.Preprocess.OverduePriority = "boost" },
		"zero day":       func(c *config.Config) { c.Preprocess.MinutesPerDay = 0 },
		"empty webhook":  func(c *config.Config) { c.Webhooks = []config.WebhookConfig{{URL: " "}} },
		"zero recommend": func(c *config.Config) { c.Recommend.Limit = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default("plant-1")
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOptionalAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = config.Load(dir)
	require.Error(t, err)

	custom := config.Default("plant-2")
	custom.Reconcile.TargetSource = config.TargetFixed
	data, err := custom.YAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shopfloor.yml"), data, 0o644))

	loaded, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "plant-2", loaded.Plant.ID)
	assert.Equal(t, config.TargetFixed, loaded.Reconcile.TargetSource)
	assert.Equal(t, 30, loaded.Reconcile.FixedTarget)
}
