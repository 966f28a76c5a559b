// Package db owns the workspace state directory and the SQLite
// connection to the database inside it.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Dir is the hidden state directory created inside every workspace.
const Dir = ".garland"

// EnsureWorkspace creates the state directory for a workspace and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the database file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, Dir, "garland.db")
}

// Open ensures the workspace exists and opens its database. Foreign
// keys are enforced; the busy timeout covers the CLI sharing the file
// with a running scheduler.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	dsn := "file:" + Path(workspace) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	return sql.Open("sqlite", dsn)
}
