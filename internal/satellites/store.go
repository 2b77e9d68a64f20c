package satellites

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ─── Satellite Records ────────────────────────────────────────────────────────

const satelliteColumns = `id, display_name, hostname, ip_address, mac_address,
	mode, ssh_username, service_port, status, room,
	capabilities, hardware, features,
	uptime_seconds, wifi_rssi, cpu_temp,
	created_at, updated_at, last_seen_at`

// Create inserts a new satellite record. The caller assigns the ID.
func Create(db *sql.DB, s *Satellite) error {
	caps, err := marshalMap(s.Capabilities)
	if err != nil {
		return err
	}
	features, err := marshalMap(s.Features)
	if err != nil {
		return err
	}
	hardware := string(s.Hardware)
	if hardware == "" {
		hardware = "{}"
	}

	_, err = db.Exec(`
		INSERT INTO satellites (id, display_name, hostname, ip_address, mac_address,
			mode, ssh_username, service_port, status, room,
			capabilities, hardware, features)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.DisplayName, s.Hostname, s.IPAddress, s.MACAddress,
		string(s.Mode), s.SSHUsername, s.ServicePort, string(s.Status), s.Room,
		caps, hardware, features)
	if err != nil {
		return fmt.Errorf("insert satellite: %w", err)
	}
	return nil
}

// GetByID retrieves a satellite by primary key. Returns (nil, nil) when the
// record does not exist.
func GetByID(db *sql.DB, id string) (*Satellite, error) {
	row := db.QueryRow(
		"SELECT "+satelliteColumns+" FROM satellites WHERE id = ?", id)
	return scanSatellite(row)
}

// GetByIP retrieves a satellite by its IP address. Returns (nil, nil) when
// no record matches.
func GetByIP(db *sql.DB, ip string) (*Satellite, error) {
	row := db.QueryRow(
		"SELECT "+satelliteColumns+" FROM satellites WHERE ip_address = ?", ip)
	return scanSatellite(row)
}

// List returns all satellites ordered by display name, then hostname.
func List(db *sql.DB) ([]Satellite, error) {
	rows, err := db.Query(
		"SELECT " + satelliteColumns + " FROM satellites ORDER BY display_name, hostname")
	if err != nil {
		return nil, fmt.Errorf("list satellites: %w", err)
	}
	defer rows.Close()

	var out []Satellite
	for rows.Next() {
		s, err := scanSatellite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Save writes every mutable column of s back to the database.
func Save(db *sql.DB, s *Satellite) error {
	caps, err := marshalMap(s.Capabilities)
	if err != nil {
		return err
	}
	features, err := marshalMap(s.Features)
	if err != nil {
		return err
	}
	hardware := string(s.Hardware)
	if hardware == "" {
		hardware = "{}"
	}

	_, err = db.Exec(`
		UPDATE satellites SET display_name = ?, hostname = ?, ip_address = ?,
			mac_address = ?, mode = ?, ssh_username = ?, service_port = ?,
			status = ?, room = ?, capabilities = ?, hardware = ?, features = ?,
			updated_at = ?
		WHERE id = ?
	`, s.DisplayName, s.Hostname, s.IPAddress, s.MACAddress,
		string(s.Mode), s.SSHUsername, s.ServicePort, string(s.Status), s.Room,
		caps, hardware, features, now(), s.ID)
	if err != nil {
		return fmt.Errorf("save satellite %s: %w", s.ID, err)
	}
	return nil
}

// UpdateStatus sets the lifecycle status for one satellite.
func UpdateStatus(db *sql.DB, id string, status Status) error {
	_, err := db.Exec(
		"UPDATE satellites SET status = ?, updated_at = ? WHERE id = ?",
		string(status), now(), id)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", id, err)
	}
	return nil
}

// UpdateTelemetry stores the latest heartbeat readings and stamps last_seen_at.
func UpdateTelemetry(db *sql.DB, id string, uptime int64, rssi int, cpuTemp float64) error {
	_, err := db.Exec(`
		UPDATE satellites SET uptime_seconds = ?, wifi_rssi = ?, cpu_temp = ?,
			last_seen_at = ?, updated_at = ? WHERE id = ?
	`, uptime, rssi, cpuTemp, now(), now(), id)
	if err != nil {
		return fmt.Errorf("update telemetry for %s: %w", id, err)
	}
	return nil
}

// UpdateHardware stores a probe's profile document and capability map.
func UpdateHardware(db *sql.DB, id string, hardware json.RawMessage, caps map[string]any) error {
	capsJSON, err := marshalMap(caps)
	if err != nil {
		return err
	}
	doc := string(hardware)
	if doc == "" {
		doc = "{}"
	}
	_, err = db.Exec(
		"UPDATE satellites SET hardware = ?, capabilities = ?, updated_at = ? WHERE id = ?",
		doc, capsJSON, now(), id)
	if err != nil {
		return fmt.Errorf("update hardware for %s: %w", id, err)
	}
	return nil
}

// TouchLastSeen stamps last_seen_at without touching anything else. Used
// for repeat discovery announcements.
func TouchLastSeen(db *sql.DB, id string) error {
	_, err := db.Exec("UPDATE satellites SET last_seen_at = ? WHERE id = ?", now(), id)
	if err != nil {
		return fmt.Errorf("touch last seen for %s: %w", id, err)
	}
	return nil
}

// Delete removes a satellite record.
func Delete(db *sql.DB, id string) error {
	if _, err := db.Exec("DELETE FROM satellites WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete satellite %s: %w", id, err)
	}
	return nil
}

// ─── Provision Audit Log ──────────────────────────────────────────────────────

// AppendProvisionRecord appends one run's outcome to the audit log.
func AppendProvisionRecord(db *sql.DB, rec *ProvisionRecord) error {
	steps := string(rec.Steps)
	if steps == "" {
		steps = "[]"
	}
	_, err := db.Exec(`
		INSERT INTO provision_log (id, satellite_id, mode, success, steps, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SatelliteID, string(rec.Mode), boolToInt(rec.Success),
		steps, rec.Error, rec.StartedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("append provision record: %w", err)
	}
	return nil
}

// ListProvisionRecords returns a satellite's provisioning history,
// newest first.
func ListProvisionRecords(db *sql.DB, satelliteID string) ([]ProvisionRecord, error) {
	rows, err := db.Query(`
		SELECT id, satellite_id, mode, success, steps, error, started_at, finished_at
		FROM provision_log WHERE satellite_id = ? ORDER BY finished_at DESC
	`, satelliteID)
	if err != nil {
		return nil, fmt.Errorf("list provision records: %w", err)
	}
	defer rows.Close()

	var out []ProvisionRecord
	for rows.Next() {
		var (
			rec               ProvisionRecord
			mode, steps       string
			success           int
			started, finished string
		)
		if err := rows.Scan(&rec.ID, &rec.SatelliteID, &mode, &success,
			&steps, &rec.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan provision record: %w", err)
		}
		rec.Mode = Mode(mode)
		rec.Success = success != 0
		rec.Steps = json.RawMessage(steps)
		rec.StartedAt = parseTime(started)
		rec.FinishedAt = parseTime(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSatellite(row rowScanner) (*Satellite, error) {
	var (
		s                     Satellite
		mode, status          string
		caps, hardware, feats string
		created, updated      string
		lastSeen              sql.NullString
	)
	err := row.Scan(&s.ID, &s.DisplayName, &s.Hostname, &s.IPAddress, &s.MACAddress,
		&mode, &s.SSHUsername, &s.ServicePort, &status, &s.Room,
		&caps, &hardware, &feats,
		&s.UptimeSeconds, &s.WifiRSSI, &s.CPUTemp,
		&created, &updated, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan satellite: %w", err)
	}

	s.Mode = Mode(mode)
	s.Status = Status(status)
	s.Hardware = json.RawMessage(hardware)
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	if lastSeen.Valid && lastSeen.String != "" {
		t := parseTime(lastSeen.String)
		s.LastSeenAt = &t
	}

	if err := json.Unmarshal([]byte(caps), &s.Capabilities); err != nil {
		s.Capabilities = map[string]any{}
	}
	if err := json.Unmarshal([]byte(feats), &s.Features); err != nil {
		s.Features = map[string]any{}
	}
	return &s, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeFormat, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
