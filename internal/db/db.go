package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".shopfloor"
	defaultDBName = "shopfloor.db"

	defaultBusyTimeout = 5 * time.Second
)

// Config locates the plant database. BusyTimeout defaults to 5s.
type Config struct {
	Workspace   string
	BusyTimeout time.Duration
}

func (c Config) dir() string {
	ws := c.Workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, workspaceDir)
}

func (c Config) dsn() string {
	timeout := c.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)",
		filepath.Join(c.dir(), defaultDBName), timeout.Milliseconds())
}

// EnsureWorkspace creates the .shopfloor directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := Config{Workspace: workspace}.dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the plant database and checks it is reachable.
// A single connection serializes transactions; code running inside a
// transaction must only use the *sql.Tx it was handed.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open plant db: %w", err)
	}
	return conn, nil
}
