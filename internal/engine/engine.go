package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"shopfloor/internal/config"
	"shopfloor/internal/engine/compat"
	"shopfloor/internal/events"
	"shopfloor/internal/metrics"
	"shopfloor/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Bus     *events.Bus
	Config  *config.Config
	Matcher *compat.Matcher
	Metrics *metrics.Collector
	Logger  *log.Logger
	Now     func() time.Time
}

// New builds an engine around a validated configuration. Bus and Metrics are
// optional and may be set by the caller afterwards.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("engine config required")
	}
	matcher, err := compat.New(cfg.Compatibility)
	if err != nil {
		return Engine{}, fmt.Errorf("compatibility: %w", err)
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Matcher: matcher,
		Now:     time.Now,
	}, nil
}

// SetLogger routes engine and compatibility matcher messages to l.
func (e *Engine) SetLogger(l *log.Logger) {
	e.Logger = l
	if e.Matcher != nil {
		e.Matcher.Logger = l
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

// committed wakes bus subscribers once a transaction carrying events is durable.
func (e Engine) committed() {
	e.Bus.Publish()
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime accepts RFC3339 timestamps and plain YYYY-MM-DD dates.
func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func percentage(completed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(completed) / float64(total) * 100))
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
