package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	if err := ensureDirectory(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}

	if err := d.Ping(); err != nil {
		d.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if _, err := d.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("[DB] Could not enable WAL mode: %v", err)
	}
	if _, err := d.Exec("PRAGMA foreign_keys=ON"); err != nil {
		log.Printf("[DB] Could not enable foreign keys: %v", err)
	}

	if err := createSchema(d); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return nil
}

func createSchema(d *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS satellites (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		mac_address TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT 'dedicated',
		ssh_username TEXT NOT NULL DEFAULT '',
		service_port INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'announced',
		room TEXT NOT NULL DEFAULT '',
		capabilities JSON NOT NULL DEFAULT '{}',
		hardware JSON NOT NULL DEFAULT '{}',
		features JSON NOT NULL DEFAULT '{}',
		uptime_seconds INTEGER NOT NULL DEFAULT 0,
		wifi_rssi INTEGER NOT NULL DEFAULT 0,
		cpu_temp REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen_at DATETIME
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_satellites_ip ON satellites(ip_address);

	CREATE TABLE IF NOT EXISTS provision_log (
		id TEXT PRIMARY KEY,
		satellite_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		success INTEGER NOT NULL,
		steps JSON NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_provision_log_satellite ON provision_log(satellite_id);

	CREATE TABLE IF NOT EXISTS notification_services (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		shoutrrr_url TEXT NOT NULL,
		min_severity INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	if _, err := d.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
