package notify

import (
	"database/sql"
	"fmt"
	"time"
)

// AddService inserts a notification service and returns its id.
func AddService(db *sql.DB, name, shoutrrrURL string, minSeverity int) (int64, error) {
	result, err := db.Exec(`
		INSERT INTO notification_services (name, shoutrrr_url, min_severity)
		VALUES (?, ?, ?)
	`, name, shoutrrrURL, minSeverity)
	if err != nil {
		return 0, fmt.Errorf("insert notification service: %w", err)
	}
	return result.LastInsertId()
}

// ListEnabledServices returns all enabled services.
func ListEnabledServices(db *sql.DB) ([]Service, error) {
	rows, err := db.Query(`
		SELECT id, name, shoutrrr_url, min_severity, enabled, created_at
		FROM notification_services WHERE enabled = 1 ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list notification services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var (
			svc     Service
			enabled int
			created string
		)
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.ShoutrrrURL,
			&svc.MinSeverity, &enabled, &created); err != nil {
			return nil, fmt.Errorf("scan notification service: %w", err)
		}
		svc.Enabled = enabled != 0
		svc.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
		out = append(out, svc)
	}
	return out, rows.Err()
}

// SetEnabled toggles a service.
func SetEnabled(db *sql.DB, id int64, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := db.Exec("UPDATE notification_services SET enabled = ? WHERE id = ?", v, id)
	return err
}

// DeleteService removes a service.
func DeleteService(db *sql.DB, id int64) error {
	_, err := db.Exec("DELETE FROM notification_services WHERE id = ?", id)
	return err
}
