// Package provision turns a raw discovered device into a configured fleet
// member by running a fixed, fail-fast remote setup sequence over SSH.
package provision

import (
	"encoding/json"
	"fmt"
	"regexp"

	"atlas/internal/satellites"
)

// StepStatus is the state of one provisioning step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Step is the per-run result of one step. Step definitions themselves are
// immutable; each Run gets its own Step slice.
type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// Result is the outcome of one provisioning run. Success holds iff every
// step reached done.
type Result struct {
	Success bool   `json:"success"`
	Steps   []Step `json:"steps"`
	Error   string `json:"error,omitempty"`
}

// StepsJSON renders the per-step log for the audit trail.
func (r *Result) StepsJSON() json.RawMessage {
	b, err := json.Marshal(r.Steps)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}

// Config holds every parameter for one provisioning run.
type Config struct {
	SatelliteID string
	Mode        satellites.Mode
	Room        string

	// Connection target.
	Host        string
	SSHPort     int
	SSHUsername string
	SSHPassword string

	// Hostname assigned during dedicated provisioning.
	Hostname string

	// Values written into the agent's config document.
	ServerURL   string
	ServicePort int
	Features    map[string]any
}

// Document serializes the agent configuration as one self-contained JSON
// document. It is transferred verbatim over the session's stdin; no value
// in it is ever interpolated into a shell command.
func (c *Config) Document() ([]byte, error) {
	doc := map[string]any{
		"satellite_id": c.SatelliteID,
		"server_url":   c.ServerURL,
		"service_port": c.ServicePort,
		"room":         c.Room,
		"mode":         string(c.Mode),
		"features":     c.Features,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config document: %w", err)
	}
	return append(b, '\n'), nil
}

var hostnamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// ValidHostname reports whether name is safe to hand to hostnamectl.
func ValidHostname(name string) bool {
	return hostnamePattern.MatchString(name)
}
