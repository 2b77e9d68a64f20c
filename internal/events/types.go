package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Fleet lifecycle events
	SatelliteDiscovered EventType = "satellite_discovered"
	SatelliteOnline     EventType = "satellite_online"
	SatelliteOffline    EventType = "satellite_offline"
	SatelliteRemoved    EventType = "satellite_removed"
	HardwareDetected    EventType = "hardware_detected"

	// Provisioning events
	ProvisionStarted  EventType = "provision_started"
	ProvisionComplete EventType = "provision_complete"
	ProvisionFailed   EventType = "provision_failed"

	// Session events
	HeartbeatStale EventType = "heartbeat_stale"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type        EventType         `json:"type"`
	Severity    Severity          `json:"severity"`
	SatelliteID string            `json:"satellite_id,omitempty"`
	Message     string            `json:"message"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
