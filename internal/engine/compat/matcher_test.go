package compat_test

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/config"
	"shopfloor/internal/engine/compat"
)

func newMatcher(t *testing.T, mutate func(c *config.Compatibility)) (*compat.Matcher, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default("plant-1").Compatibility
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := compat.New(cfg)
	require.NoError(t, err)
	var buf bytes.Buffer
	m.Logger = log.New(&buf, "", 0)
	return m, &buf
}

func TestClassifyKeywordOrder(t *testing.T) {
	m, _ := newMatcher(t, nil)
	cases := []struct {
		label string
		want  string
		known bool
	}{
		{"Turning", config.TypeTurning, true},
		{"CNC LATHE finish", config.TypeTurning, true},
		{"Токарная", config.TypeTurning, true},
		{"4-axis milling", config.TypeMilling, true},
		{"ФРЕЗЕРНАЯ", config.TypeMilling, true},
		{"Drilling", config.TypeDrilling, true},
		{"сверление", config.TypeDrilling, true},
		{"surface grinding", config.TypeGrinding, true},
		{"turn-mill", config.TypeTurning, true},
		{"deburr", "", false},
		{"  ", "", false},
	}
	for _, tc := range cases {
		got, ok := m.Classify(tc.label)
		assert.Equal(t, tc.known, ok, tc.label)
		assert.Equal(t, tc.want, got, tc.label)
	}
}

func TestCompatibleMatrix(t *testing.T) {
	m, _ := newMatcher(t, nil)
	lathe := compat.Machine{Class: "turning", Axes: 2, Active: true}
	mill3 := compat.Machine{Class: "milling", Axes: 3, Active: true}
	mill4 := compat.Machine{Class: "Milling", Axes: 4, Active: true}
	idle := compat.Machine{Class: "milling", Axes: 5, Active: false}

	assert.True(t, m.Compatible(compat.Operation{Type: "turning", Axes: 3}, lathe))
	assert.False(t, m.Compatible(compat.Operation{Type: "turning", Axes: 3}, mill3))

	assert.True(t, m.Compatible(compat.Operation{Type: "milling", Axes: 3}, mill3))
	assert.False(t, m.Compatible(compat.Operation{Type: "milling", Axes: 4}, mill3))
	assert.True(t, m.Compatible(compat.Operation{Type: "milling", Axes: 4}, mill4))

	assert.True(t, m.Compatible(compat.Operation{Type: "drilling", Axes: 4}, mill3), "drilling is not axis constrained")
	assert.False(t, m.Compatible(compat.Operation{Type: "drilling"}, lathe))

	assert.True(t, m.Compatible(compat.Operation{Type: "grinding"}, lathe))
	assert.True(t, m.Compatible(compat.Operation{Type: "grinding"}, mill3))
	assert.False(t, m.Compatible(compat.Operation{Type: "grinding"}, idle))
}

func TestUnknownTypeFallbackIsLoggedOnce(t *testing.T) {
	m, buf := newMatcher(t, nil)
	mill := compat.Machine{Class: "milling", Axes: 3, Active: true}
	lathe := compat.Machine{Class: "turning", Axes: 3, Active: true}

	assert.True(t, m.Compatible(compat.Operation{Type: "deburr"}, mill))
	assert.False(t, m.Compatible(compat.Operation{Type: "deburr"}, lathe))
	assert.Equal(t, 1, strings.Count(buf.String(), "deburr"))
	assert.Contains(t, buf.String(), "falling back to milling")
}

func TestUnknownTypeRejectPolicy(t *testing.T) {
	m, buf := newMatcher(t, func(c *config.Compatibility) {
		c.UnknownType.Policy = config.UnknownReject
	})
	typ, ok := m.Resolve("deburr")
	assert.False(t, ok)
	assert.Empty(t, typ)
	assert.False(t, m.Compatible(compat.Operation{Type: "deburr"}, compat.Machine{Class: "milling", Active: true}))
	assert.Contains(t, buf.String(), "rejected by policy")
}

func TestCustomMatrixRow(t *testing.T) {
	m, _ := newMatcher(t, func(c *config.Compatibility) {
		c.Classes = append(c.Classes, "grinding")
		c.Matrix[config.TypeGrinding] = []string{"grinding"}
	})
	assert.False(t, m.Compatible(compat.Operation{Type: "grind"}, compat.Machine{Class: "milling", Active: true}))
	assert.True(t, m.Compatible(compat.Operation{Type: "grind"}, compat.Machine{Class: "grinding", Active: true}))
}
