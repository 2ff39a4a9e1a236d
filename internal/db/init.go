package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqlFiles embed.FS

// DefaultPath is where the database lives when no path is configured.
func DefaultPath() string {
	return filepath.Join(xdg.DataHome, "phiscord", "phiscord.sqlite")
}

// Open opens the sqlite database at path, creating the file and tables if needed.
// Writers take the lock when their transaction begins, so transactions never fail
// halfway on a lock upgrade.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("error creating db directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening db: %w", err)
	}
	// one connection serialises writers inside this process
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error pinging db: %w", err)
	}

	schema, _ := sqlFiles.ReadFile("schema.sql")
	if _, err = db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}
	return db, nil
}
