package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .fieldline directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, ".fieldline")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the database path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".fieldline", "fieldline.db")
}

func dsn(workspace string) string {
	return fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(workspace))
}

// Open opens the workspace database, creating the directory if needed.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", dsn(cfg.Workspace))
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single pooled connection avoids busy errors
	// when observers evaluate concurrently.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
