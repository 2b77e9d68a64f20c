package satellites

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a satellite.
type Status string

const (
	// StatusAnnounced means the device was seen on the network but has not
	// been registered by an operator yet.
	StatusAnnounced Status = "announced"
	// StatusNew means the device is registered but not provisioned.
	StatusNew Status = "new"
	// StatusDetecting means a hardware probe is in flight.
	StatusDetecting Status = "detecting"
	// StatusProvisioning means a provisioning run is in flight.
	StatusProvisioning Status = "provisioning"
	// StatusOnline means the device holds a live session.
	StatusOnline Status = "online"
	// StatusOffline means the device disconnected or was stopped.
	StatusOffline Status = "offline"
	// StatusError means the last provisioning run failed.
	StatusError Status = "error"
)

// Mode selects how much of the host a satellite installation owns.
type Mode string

const (
	// ModeDedicated takes exclusive control: trust key, hostname, system service.
	ModeDedicated Mode = "dedicated"
	// ModeShared installs only a user-scoped agent.
	ModeShared Mode = "shared"
)

// Satellite is the durable record for one fleet member. It is owned and
// mutated exclusively by the fleet manager.
type Satellite struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Hostname    string `json:"hostname"`
	IPAddress   string `json:"ip_address"`
	MACAddress  string `json:"mac_address"`
	Mode        Mode   `json:"mode"`
	SSHUsername string `json:"ssh_username"`
	ServicePort int    `json:"service_port"`
	Status      Status `json:"status"`
	Room        string `json:"room"`

	// Capabilities is the derived boolean capability map from the last
	// hardware probe (mic, speaker, led, led_type, aec, ...).
	Capabilities map[string]any `json:"capabilities"`
	// Hardware is the full profile document from the last probe.
	Hardware json.RawMessage `json:"hardware,omitempty"`
	// Features is the mutable per-device feature configuration.
	Features map[string]any `json:"features"`

	// Live telemetry from the most recent heartbeat.
	UptimeSeconds int64   `json:"uptime_seconds"`
	WifiRSSI      int     `json:"wifi_rssi"`
	CPUTemp       float64 `json:"cpu_temp"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// ProvisionRecord is one appended audit-log entry for a provisioning run.
// Steps holds the full per-step log regardless of the run's outcome.
type ProvisionRecord struct {
	ID          string          `json:"id"`
	SatelliteID string          `json:"satellite_id"`
	Mode        Mode            `json:"mode"`
	Success     bool            `json:"success"`
	Steps       json.RawMessage `json:"steps"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

const timeFormat = "2006-01-02 15:04:05"
