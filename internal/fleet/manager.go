// Package fleet is the facade owning the satellite lifecycle state
// machine. It composes discovery, hardware probing, provisioning and the
// session registry on top of the persistence layer.
package fleet

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"atlas/internal/discovery"
	"atlas/internal/events"
	"atlas/internal/hardware"
	"atlas/internal/provision"
	"atlas/internal/satellites"
	"atlas/internal/session"
	"atlas/internal/shell"
)

// Options are the fleet-wide defaults applied to new devices.
type Options struct {
	SSHUsername  string
	SSHPort      int
	AgentPort    int
	HostPrefix   string
	ServerURL    string
	ScanTimeout  time.Duration
	CheckTimeout time.Duration
}

// Manager owns every mutation of satellite records. Operations on the
// same satellite are serialized through a per-id lock; independent
// devices proceed fully concurrently.
type Manager struct {
	db        *sql.DB
	bus       *events.Bus
	discovery *discovery.Service
	connector shell.Connector
	engine    *provision.Engine
	hub       *session.Hub
	opts      Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires the manager to its collaborators and subscribes it to
// discovery events.
func NewManager(db *sql.DB, bus *events.Bus, disc *discovery.Service,
	connector shell.Connector, engine *provision.Engine, hub *session.Hub,
	opts Options) *Manager {

	if opts.SSHPort == 0 {
		opts.SSHPort = 22
	}
	if opts.CheckTimeout == 0 {
		opts.CheckTimeout = 3 * time.Second
	}
	if opts.ScanTimeout == 0 {
		opts.ScanTimeout = 5 * time.Second
	}

	m := &Manager{
		db:        db,
		bus:       bus,
		discovery: disc,
		connector: connector,
		engine:    engine,
		hub:       hub,
		opts:      opts,
		locks:     make(map[string]*sync.Mutex),
	}
	if disc != nil {
		disc.OnDiscovered(m.handleDiscovered)
	}
	return m
}

// lockFor returns the serialization lock for one satellite id.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// ─── discovery ────────────────────────────────────────────────────────────────

// handleDiscovered records a new candidate or refreshes an existing
// record by IP. Never both.
func (m *Manager) handleDiscovered(ds discovery.DiscoveredSatellite) {
	existing, err := satellites.GetByIP(m.db, ds.IP)
	if err != nil {
		log.Printf("[FLEET] Lookup discovered %s: %v", ds.IP, err)
		return
	}
	if existing != nil {
		if err := satellites.TouchLastSeen(m.db, existing.ID); err != nil {
			log.Printf("[FLEET] Touch %s: %v", existing.ID, err)
		}
		return
	}

	sat := &satellites.Satellite{
		ID:          uuid.NewString(),
		DisplayName: ds.Hostname,
		Hostname:    ds.Hostname,
		IPAddress:   ds.IP,
		MACAddress:  ds.MAC,
		Mode:        satellites.ModeDedicated,
		SSHUsername: m.opts.SSHUsername,
		ServicePort: servicePort(ds.Port, m.opts.AgentPort),
		Status:      satellites.StatusAnnounced,
	}
	if err := satellites.Create(m.db, sat); err != nil {
		log.Printf("[FLEET] Record discovered %s: %v", ds.IP, err)
		return
	}

	log.Printf("[FLEET] New satellite %s announced from %s", sat.ID, ds.IP)
	m.bus.Publish(events.Event{
		Type:        events.SatelliteDiscovered,
		Severity:    events.SeverityInfo,
		SatelliteID: sat.ID,
		Message:     fmt.Sprintf("New device %s discovered at %s", ds.Hostname, ds.IP),
		Metadata:    map[string]string{"ip": ds.IP, "method": ds.Method},
	})
}

func servicePort(discovered, fallback int) int {
	if discovered > 0 {
		return discovered
	}
	return fallback
}

// GetDiscovered returns the current announced candidate set.
func (m *Manager) GetDiscovered() []discovery.DiscoveredSatellite {
	return m.discovery.Announced()
}

// ScanNow runs one active discovery scan.
func (m *Manager) ScanNow() []discovery.DiscoveredSatellite {
	return m.discovery.ScanNow(m.opts.ScanTimeout)
}

// AddManual registers a device by address after verifying it speaks SSH.
// The record starts in state new, skipping the announced stage.
func (m *Manager) AddManual(ip string, sshPort int) (*satellites.Satellite, error) {
	if sshPort == 0 {
		sshPort = m.opts.SSHPort
	}
	if !discovery.CheckSSH(ip, sshPort, m.opts.CheckTimeout) {
		return nil, fmt.Errorf("no ssh service at %s:%d", ip, sshPort)
	}

	existing, err := satellites.GetByIP(m.db, ip)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("satellite %s already registered for %s", existing.ID, ip)
	}

	sat := &satellites.Satellite{
		ID:          uuid.NewString(),
		DisplayName: ip,
		IPAddress:   ip,
		Mode:        satellites.ModeDedicated,
		SSHUsername: m.opts.SSHUsername,
		ServicePort: m.opts.AgentPort,
		Status:      satellites.StatusNew,
	}
	if err := satellites.Create(m.db, sat); err != nil {
		return nil, err
	}
	return sat, nil
}

// ─── lifecycle operations ─────────────────────────────────────────────────────

// Get returns one satellite record.
func (m *Manager) Get(id string) (*satellites.Satellite, error) {
	return satellites.GetByID(m.db, id)
}

// List returns all satellite records.
func (m *Manager) List() ([]satellites.Satellite, error) {
	return satellites.List(m.db)
}

// Register moves an announced device into the managed fleet.
func (m *Manager) Register(id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sat, err := m.require(id)
	if err != nil {
		return err
	}
	if sat.Status != satellites.StatusAnnounced {
		return fmt.Errorf("satellite %s is %s, expected %s", id, sat.Status, satellites.StatusAnnounced)
	}
	return satellites.UpdateStatus(m.db, id, satellites.StatusNew)
}

// DetectHardware probes the device and persists its profile and
// capability map. A failed probe returns the device to new, never to
// error: re-probing is always safe.
func (m *Manager) DetectHardware(id, sshPassword string) (*hardware.Profile, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sat, err := m.require(id)
	if err != nil {
		return nil, err
	}
	if sat.Status != satellites.StatusNew {
		return nil, fmt.Errorf("satellite %s is %s, expected %s", id, sat.Status, satellites.StatusNew)
	}

	if err := satellites.UpdateStatus(m.db, id, satellites.StatusDetecting); err != nil {
		return nil, err
	}
	defer satellites.UpdateStatus(m.db, id, satellites.StatusNew)

	sess, err := m.connector.Connect(sat.IPAddress, m.opts.SSHPort, sat.SSHUsername,
		shell.Auth{Password: sshPassword})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", sat.IPAddress, err)
	}
	defer sess.Close()

	profile := hardware.Probe(sess)
	doc, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	if err := satellites.UpdateHardware(m.db, id, doc, profile.Capabilities()); err != nil {
		return nil, err
	}

	m.bus.Publish(events.Event{
		Type:        events.HardwareDetected,
		Severity:    events.SeverityInfo,
		SatelliteID: id,
		Message:     fmt.Sprintf("Hardware detected: %s", profile.PlatformShort()),
	})
	return profile, nil
}

// ProvisionRequest carries the operator's parameters for one run.
type ProvisionRequest struct {
	Mode        satellites.Mode
	Room        string
	SSHPassword string
	Features    map[string]any
}

// Provision runs the provisioning engine and persists the outcome and the
// full per-step log for audit, regardless of success. On success the
// device is online; on any step failure it is in error and the operator
// retries.
func (m *Manager) Provision(id string, req ProvisionRequest) (*provision.Result, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sat, err := m.require(id)
	if err != nil {
		return nil, err
	}
	if sat.Status != satellites.StatusNew && sat.Status != satellites.StatusError {
		return nil, fmt.Errorf("satellite %s is %s, expected %s or %s",
			id, sat.Status, satellites.StatusNew, satellites.StatusError)
	}
	if req.Mode != satellites.ModeDedicated && req.Mode != satellites.ModeShared {
		return nil, fmt.Errorf("invalid mode %q", req.Mode)
	}

	hostname := sat.Hostname
	if req.Mode == satellites.ModeDedicated {
		hostname = fmt.Sprintf("%s-%s", m.opts.HostPrefix, slugify(req.Room))
		if !provision.ValidHostname(hostname) {
			return nil, fmt.Errorf("room %q does not yield a valid hostname", req.Room)
		}
	}

	if err := satellites.UpdateStatus(m.db, id, satellites.StatusProvisioning); err != nil {
		return nil, err
	}
	m.bus.Publish(events.Event{
		Type:        events.ProvisionStarted,
		Severity:    events.SeverityInfo,
		SatelliteID: id,
		Message:     fmt.Sprintf("Provisioning %s in %s mode", id, req.Mode),
	})

	started := time.Now().UTC()
	result := m.engine.Run(provision.Config{
		SatelliteID: id,
		Mode:        req.Mode,
		Room:        req.Room,
		Host:        sat.IPAddress,
		SSHPort:     m.opts.SSHPort,
		SSHUsername: sat.SSHUsername,
		SSHPassword: req.SSHPassword,
		Hostname:    hostname,
		ServerURL:   m.opts.ServerURL,
		ServicePort: sat.ServicePort,
		Features:    req.Features,
	})

	record := &satellites.ProvisionRecord{
		ID:          uuid.NewString(),
		SatelliteID: id,
		Mode:        req.Mode,
		Success:     result.Success,
		Steps:       result.StepsJSON(),
		Error:       result.Error,
		StartedAt:   started,
	}
	if err := satellites.AppendProvisionRecord(m.db, record); err != nil {
		log.Printf("[FLEET] Audit log for %s: %v", id, err)
	}

	if !result.Success {
		satellites.UpdateStatus(m.db, id, satellites.StatusError)
		m.bus.Publish(events.Event{
			Type:        events.ProvisionFailed,
			Severity:    events.SeverityCritical,
			SatelliteID: id,
			Message:     fmt.Sprintf("Provisioning failed: %s", result.Error),
		})
		return result, nil
	}

	sat.Mode = req.Mode
	sat.Room = req.Room
	sat.Hostname = hostname
	sat.Status = satellites.StatusOnline
	if req.Features != nil {
		sat.Features = req.Features
	}
	if err := satellites.Save(m.db, sat); err != nil {
		return result, err
	}
	m.discovery.Forget(sat.IPAddress)

	m.bus.Publish(events.Event{
		Type:        events.ProvisionComplete,
		Severity:    events.SeverityInfo,
		SatelliteID: id,
		Message:     fmt.Sprintf("Satellite %s provisioned as %s", id, hostname),
	})
	return result, nil
}

// reconfigurable is the fixed whitelist of operator-mutable fields.
var reconfigurable = map[string]struct{}{
	"display_name": {},
	"room":         {},
	"features":     {},
}

// Reconfigure applies a partial update of whitelisted fields and pushes
// the change to the device when it is connected.
func (m *Manager) Reconfigure(id string, fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("no fields to update")
	}
	for name := range fields {
		if _, ok := reconfigurable[name]; !ok {
			return fmt.Errorf("field %q is not reconfigurable", name)
		}
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sat, err := m.require(id)
	if err != nil {
		return err
	}

	if v, ok := fields["display_name"].(string); ok {
		sat.DisplayName = v
	}
	if v, ok := fields["room"].(string); ok {
		sat.Room = v
	}
	if v, ok := fields["features"].(map[string]any); ok {
		sat.Features = v
	}
	if err := satellites.Save(m.db, sat); err != nil {
		return err
	}

	// Best effort: an offline device picks the change up on reconnect.
	m.hub.PushConfig(id, fields)
	return nil
}

// ─── best-effort commands ─────────────────────────────────────────────────────

// RestartAgent asks a connected satellite to reboot. Returns false when
// the device is not connected.
func (m *Manager) RestartAgent(id string) bool {
	return m.hub.SendCommand(id, "reboot", nil)
}

// Identify asks a connected satellite to flash its LEDs / play a chime.
func (m *Manager) Identify(id string) bool {
	return m.hub.SendCommand(id, "identify", nil)
}

// TestAudio asks a connected satellite to run a capture/playback test.
func (m *Manager) TestAudio(id string) bool {
	return m.hub.SendCommand(id, "test_audio", nil)
}

// ─── removal ──────────────────────────────────────────────────────────────────

// Remove deletes the device record and tears down any open session.
func (m *Manager) Remove(id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sat, err := m.require(id)
	if err != nil {
		return err
	}

	m.hub.Disconnect(id)
	if err := satellites.Delete(m.db, id); err != nil {
		return err
	}
	m.discovery.Forget(sat.IPAddress)

	m.bus.Publish(events.Event{
		Type:        events.SatelliteRemoved,
		Severity:    events.SeverityInfo,
		SatelliteID: id,
		Message:     fmt.Sprintf("Satellite %s removed", id),
	})
	return nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func (m *Manager) require(id string) (*satellites.Satellite, error) {
	sat, err := satellites.GetByID(m.db, id)
	if err != nil {
		return nil, err
	}
	if sat == nil {
		return nil, fmt.Errorf("satellite %s not found", id)
	}
	return sat, nil
}

// slugify turns an operator-supplied room name into a hostname label.
func slugify(room string) string {
	room = strings.ToLower(strings.TrimSpace(room))
	var b strings.Builder
	for _, r := range room {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
