// Package discovery finds candidate satellite devices on the local
// network: a passive multicast listener, an active scan, and manual host
// checks. Probe failures are swallowed and reported as "not found";
// discovery never raises.
package discovery

import "time"

// Discovery methods recorded on a candidate.
const (
	MethodMulticast = "multicast"
	MethodScan      = "scan"
	MethodManual    = "manual"
)

// DiscoveredSatellite is an ephemeral candidate device. It lives in the
// in-memory announced set until the fleet manager consumes it.
type DiscoveredSatellite struct {
	IP           string            `json:"ip"`
	Hostname     string            `json:"hostname"`
	MAC          string            `json:"mac"`
	Port         int               `json:"port"`
	Properties   map[string]string `json:"properties,omitempty"`
	Method       string            `json:"discovery_method"`
	DiscoveredAt time.Time         `json:"discovered_at"`
}

// beacon is the multicast wire format. Like the session protocol, every
// datagram is a JSON object with a mandatory type field.
type beacon struct {
	Type       string            `json:"type"` // announce or query
	Hostname   string            `json:"hostname,omitempty"`
	MAC        string            `json:"mac,omitempty"`
	Port       int               `json:"port,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

const (
	beaconAnnounce = "announce"
	beaconQuery    = "query"
)
