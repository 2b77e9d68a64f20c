package fleet

import (
	"database/sql"
	"net"
	"sync"
	"testing"
	"time"

	"atlas/internal/db"
	"atlas/internal/discovery"
	"atlas/internal/events"
	"atlas/internal/provision"
	"atlas/internal/satellites"
	"atlas/internal/session"
	"atlas/internal/shell"
)

// ─── test harness ─────────────────────────────────────────────────────────────

type harness struct {
	db        *sql.DB
	bus       *events.Bus
	discovery *discovery.Service
	connector *shell.FixtureConnector
	manager   *Manager

	mu     sync.Mutex
	events []events.Event
}

func setupHarness(t *testing.T, sessions ...*shell.Fixture) *harness {
	t.Helper()

	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	bus := events.NewBus()
	disc := discovery.NewService("239.255.70.77:5070", 8590, "atlas-sat")
	connector := shell.NewFixtureConnector(sessions...)

	key, err := provision.LoadOrGenerateTrustKey(t.TempDir())
	if err != nil {
		t.Fatalf("trust key: %v", err)
	}
	engine := provision.NewEngine(connector, key)
	hub := session.NewHub(d, bus, nil, time.Second, time.Minute)

	h := &harness{
		db:        d,
		bus:       bus,
		discovery: disc,
		connector: connector,
	}
	bus.Subscribe(func(e events.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	h.manager = NewManager(d, bus, disc, connector, engine, hub, Options{
		SSHUsername: "pi",
		AgentPort:   8590,
		HostPrefix:  "atlas-sat",
		ServerURL:   "ws://atlas.local:9080",
	})
	return h
}

func (h *harness) eventTypes() []events.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.EventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func (h *harness) sawEvent(typ events.EventType) bool {
	for _, t := range h.eventTypes() {
		if t == typ {
			return true
		}
	}
	return false
}

// announce pushes one discovery candidate through the manager's
// subscription and returns the resulting record.
func (h *harness) announce(t *testing.T, ip, hostname string) *satellites.Satellite {
	t.Helper()
	h.discovery.Record(discovery.DiscoveredSatellite{
		IP:           ip,
		Hostname:     hostname,
		MAC:          "b8:27:eb:01:02:03",
		Port:         8590,
		Method:       discovery.MethodMulticast,
		DiscoveredAt: time.Now().UTC(),
	})
	sat, err := satellites.GetByIP(h.db, ip)
	if err != nil {
		t.Fatalf("get by ip: %v", err)
	}
	if sat == nil {
		t.Fatalf("no record created for %s", ip)
	}
	return sat
}

func (h *harness) status(t *testing.T, id string) satellites.Status {
	t.Helper()
	sat, err := satellites.GetByID(h.db, id)
	if err != nil || sat == nil {
		t.Fatalf("get %s: sat=%v err=%v", id, sat, err)
	}
	return sat.Status
}

// ─── fixtures ─────────────────────────────────────────────────────────────────

const arecordTwoUSB = `**** List of CAPTURE Hardware Devices ****
card 1: Device [USB Audio Device], device 0: USB Audio [USB Audio]
card 2: Snowball [Blue Snowball], device 0: USB Audio [USB Audio]
`

const aplayOneCard = `**** List of PLAYBACK Hardware Devices ****
card 0: Headphones [bcm2835 Headphones], device 0: bcm2835 Headphones [bcm2835 Headphones]
`

// pi4Fixture is a Raspberry Pi 4 with two plain USB microphones and no
// LED hardware.
func pi4Fixture() *shell.Fixture {
	return shell.NewFixture(map[string]shell.Result{
		"cat /proc/device-tree/model": {Stdout: "Raspberry Pi 4 Model B Rev 1.4"},
		"uname -m":                    {Stdout: "aarch64\n"},
		"nproc":                       {Stdout: "4\n"},
		"cat /proc/meminfo":           {Stdout: "MemTotal:        3884608 kB\n"},
		"df -k /":                     {Stdout: "/dev/root 30316488 4881288 24152828 17% /\n"},
		"cat /etc/os-release":         {Stdout: "PRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\n"},
		"arecord -l":                  {Stdout: arecordTwoUSB},
		"aplay -l":                    {Stdout: aplayOneCard},
	})
}

// provisionFixture answers every dedicated-mode setup command with
// success.
func provisionFixture() *shell.Fixture {
	return shell.NewFixture(map[string]shell.Result{
		"mkdir -p ~/.ssh":                    {},
		"grep -qF":                           {ExitCode: 1},
		"echo '":                             {},
		"sudo tee /etc/ssh/sshd_config.d":    {},
		"sudo systemctl reload":              {},
		"sudo hostnamectl set-hostname":      {},
		"sudo apt-get update":                {},
		"sudo pip3 install":                  {},
		"sudo mkdir -p /etc/atlas":           {},
		"sudo tee /etc/atlas/satellite.json": {},
		"sudo systemctl daemon-reload":       {},
		"systemctl is-active":                {Stdout: "active\n"},
	})
}

// ─── discovery handling ───────────────────────────────────────────────────────

func TestAnnounceCreatesRecordOnce(t *testing.T) {
	h := setupHarness(t)

	sat := h.announce(t, "192.168.1.50", "raspberrypi")
	if sat.Status != satellites.StatusAnnounced {
		t.Errorf("status = %s, want %s", sat.Status, satellites.StatusAnnounced)
	}
	if sat.SSHUsername != "pi" || sat.ServicePort != 8590 {
		t.Errorf("defaults not applied: user=%s port=%d", sat.SSHUsername, sat.ServicePort)
	}
	if !h.sawEvent(events.SatelliteDiscovered) {
		t.Error("expected satellite_discovered event")
	}

	// A repeat announcement refreshes last_seen_at but never duplicates.
	h.discovery.Forget("192.168.1.50")
	again := h.announce(t, "192.168.1.50", "raspberrypi")
	if again.ID != sat.ID {
		t.Errorf("repeat announce created a second record: %s vs %s", again.ID, sat.ID)
	}
	all, _ := satellites.List(h.db)
	if len(all) != 1 {
		t.Errorf("expected 1 record, got %d", len(all))
	}
	if again.LastSeenAt == nil {
		t.Error("repeat announce must stamp last_seen_at")
	}
}

func TestRegisterRequiresAnnounced(t *testing.T) {
	h := setupHarness(t)
	sat := h.announce(t, "192.168.1.51", "raspberrypi")

	if err := h.manager.Register(sat.ID); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := h.status(t, sat.ID); got != satellites.StatusNew {
		t.Errorf("status = %s, want %s", got, satellites.StatusNew)
	}

	// Registering twice must fail: the device already left announced.
	if err := h.manager.Register(sat.ID); err == nil {
		t.Error("second register must be rejected")
	}
	if err := h.manager.Register("missing"); err == nil {
		t.Error("register of unknown id must fail")
	}
}

func TestAddManualVerifiesSSH(t *testing.T) {
	h := setupHarness(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("SSH-2.0-OpenSSH_9.2\r\n"))
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	sat, err := h.manager.AddManual("127.0.0.1", port)
	if err != nil {
		t.Fatalf("add manual: %v", err)
	}
	if sat.Status != satellites.StatusNew {
		t.Errorf("manual device starts at %s, want %s", sat.Status, satellites.StatusNew)
	}

	if _, err := h.manager.AddManual("127.0.0.1", port); err == nil {
		t.Error("duplicate ip must be rejected")
	}
}

func TestAddManualRejectsNonSSHHost(t *testing.T) {
	h := setupHarness(t)
	if _, err := h.manager.AddManual("127.0.0.1", 1); err == nil {
		t.Error("closed port must be rejected")
	}
}

// ─── hardware detection ───────────────────────────────────────────────────────

func TestDetectHardware(t *testing.T) {
	h := setupHarness(t, pi4Fixture())
	sat := h.announce(t, "192.168.1.52", "raspberrypi")
	h.manager.Register(sat.ID)

	profile, err := h.manager.DetectHardware(sat.ID, "raspberry")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if profile.PlatformShort() != "rpi4" {
		t.Errorf("platform = %s, want rpi4", profile.PlatformShort())
	}
	if len(profile.Audio.CaptureDevices) != 2 {
		t.Errorf("capture devices = %d, want 2", len(profile.Audio.CaptureDevices))
	}

	got, _ := satellites.GetByID(h.db, sat.ID)
	if got.Status != satellites.StatusNew {
		t.Errorf("status after detect = %s, want %s", got.Status, satellites.StatusNew)
	}
	if got.Capabilities["mic"] != true || got.Capabilities["speaker"] != true {
		t.Errorf("capabilities = %v", got.Capabilities)
	}
	if got.Capabilities["led"] != false {
		t.Errorf("led capability = %v, want false", got.Capabilities["led"])
	}
	if string(got.Hardware) == "" || string(got.Hardware) == "{}" {
		t.Error("hardware profile not persisted")
	}
	if !h.sawEvent(events.HardwareDetected) {
		t.Error("expected hardware_detected event")
	}
}

func TestDetectHardwareConnectFailureReturnsToNew(t *testing.T) {
	h := setupHarness(t)
	h.connector.Err = &net.OpError{Op: "dial", Err: net.ErrClosed}

	sat := h.announce(t, "192.168.1.53", "raspberrypi")
	h.manager.Register(sat.ID)

	if _, err := h.manager.DetectHardware(sat.ID, "pw"); err == nil {
		t.Fatal("expected connect error")
	}
	if got := h.status(t, sat.ID); got != satellites.StatusNew {
		t.Errorf("status after failed detect = %s, want %s", got, satellites.StatusNew)
	}
}

func TestDetectHardwareRequiresNew(t *testing.T) {
	h := setupHarness(t, pi4Fixture())
	sat := h.announce(t, "192.168.1.54", "raspberrypi")

	if _, err := h.manager.DetectHardware(sat.ID, "pw"); err == nil {
		t.Error("detect from announced must be rejected")
	}
}

// ─── provisioning ─────────────────────────────────────────────────────────────

func TestProvisionDedicatedLifecycle(t *testing.T) {
	h := setupHarness(t, pi4Fixture(), provisionFixture())
	sat := h.announce(t, "192.168.1.55", "raspberrypi")
	h.manager.Register(sat.ID)
	if _, err := h.manager.DetectHardware(sat.ID, "raspberry"); err != nil {
		t.Fatalf("detect: %v", err)
	}

	result, err := h.manager.Provision(sat.ID, ProvisionRequest{
		Mode:        satellites.ModeDedicated,
		Room:        "Kitchen",
		SSHPassword: "raspberry",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if !result.Success {
		t.Fatalf("provision failed: %s / %+v", result.Error, result.Steps)
	}
	if len(result.Steps) != 9 {
		t.Errorf("steps = %d, want 9", len(result.Steps))
	}

	got, _ := satellites.GetByID(h.db, sat.ID)
	if got.Status != satellites.StatusOnline {
		t.Errorf("status = %s, want %s", got.Status, satellites.StatusOnline)
	}
	if got.Hostname != "atlas-sat-kitchen" {
		t.Errorf("hostname = %q, want atlas-sat-kitchen", got.Hostname)
	}
	if got.Room != "Kitchen" || got.Mode != satellites.ModeDedicated {
		t.Errorf("room=%q mode=%s", got.Room, got.Mode)
	}

	// The candidate is consumed: a fresh scan set must not list it.
	for _, ds := range h.discovery.Announced() {
		if ds.IP == "192.168.1.55" {
			t.Error("provisioned device still in announced set")
		}
	}

	records, err := satellites.ListProvisionRecords(h.db, sat.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("audit records = %d err=%v, want 1", len(records), err)
	}
	if !records[0].Success {
		t.Error("audit record must mark success")
	}
	if !h.sawEvent(events.ProvisionComplete) {
		t.Error("expected provision_complete event")
	}
}

func TestProvisionFailureMarksErrorAndAllowsRetry(t *testing.T) {
	failing := provisionFixture().On("sudo apt-get update", shell.Result{
		Stderr:   "E: Unable to fetch some archives",
		ExitCode: 100,
	})
	h := setupHarness(t, failing, provisionFixture())
	sat := h.announce(t, "192.168.1.56", "raspberrypi")
	h.manager.Register(sat.ID)

	result, err := h.manager.Provision(sat.ID, ProvisionRequest{
		Mode:        satellites.ModeDedicated,
		Room:        "office",
		SSHPassword: "raspberry",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if result.Success {
		t.Fatal("provision must fail on apt error")
	}
	if got := h.status(t, sat.ID); got != satellites.StatusError {
		t.Errorf("status = %s, want %s", got, satellites.StatusError)
	}
	if !h.sawEvent(events.ProvisionFailed) {
		t.Error("expected provision_failed event")
	}

	// Error is a retryable state: the next run succeeds end to end.
	retry, err := h.manager.Provision(sat.ID, ProvisionRequest{
		Mode:        satellites.ModeDedicated,
		Room:        "office",
		SSHPassword: "raspberry",
	})
	if err != nil || !retry.Success {
		t.Fatalf("retry: err=%v success=%v", err, retry.Success)
	}
	if got := h.status(t, sat.ID); got != satellites.StatusOnline {
		t.Errorf("status after retry = %s, want %s", got, satellites.StatusOnline)
	}

	records, _ := satellites.ListProvisionRecords(h.db, sat.ID)
	if len(records) != 2 {
		t.Errorf("audit records = %d, want 2 (failure and retry)", len(records))
	}
}

func TestProvisionRejectsWrongState(t *testing.T) {
	h := setupHarness(t)
	sat := h.announce(t, "192.168.1.57", "raspberrypi")

	_, err := h.manager.Provision(sat.ID, ProvisionRequest{
		Mode: satellites.ModeDedicated, Room: "den", SSHPassword: "pw",
	})
	if err == nil {
		t.Error("provision from announced must be rejected")
	}
	if got := h.status(t, sat.ID); got != satellites.StatusAnnounced {
		t.Errorf("status = %s, must be unchanged", got)
	}
}

func TestProvisionRejectsUnusableRoomName(t *testing.T) {
	h := setupHarness(t)
	sat := h.announce(t, "192.168.1.58", "raspberrypi")
	h.manager.Register(sat.ID)

	_, err := h.manager.Provision(sat.ID, ProvisionRequest{
		Mode: satellites.ModeDedicated, Room: "///", SSHPassword: "pw",
	})
	if err == nil {
		t.Fatal("room with no hostname-safe characters must be rejected")
	}
	// Rejected before any state change or connection attempt.
	if got := h.status(t, sat.ID); got != satellites.StatusNew {
		t.Errorf("status = %s, must be unchanged", got)
	}
	if len(h.connector.Targets) != 0 {
		t.Errorf("no connection may be attempted, got %v", h.connector.Targets)
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Kitchen", "kitchen"},
		{"Living Room", "living-room"},
		{"  Guest_Bedroom 2 ", "guest-bedroom-2"},
		{"café", "caf"},
		{"///", ""},
	}
	for _, c := range cases {
		if got := slugify(c.in); got != c.want {
			t.Errorf("slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// ─── reconfiguration and commands ─────────────────────────────────────────────

func TestReconfigureWhitelist(t *testing.T) {
	h := setupHarness(t)
	sat := h.announce(t, "192.168.1.59", "raspberrypi")

	if err := h.manager.Reconfigure(sat.ID, nil); err == nil {
		t.Error("empty update must be rejected")
	}
	if err := h.manager.Reconfigure(sat.ID, map[string]any{"status": "online"}); err == nil {
		t.Error("status is not operator-mutable")
	}
	if err := h.manager.Reconfigure(sat.ID, map[string]any{"ip_address": "1.2.3.4"}); err == nil {
		t.Error("ip_address is not operator-mutable")
	}

	err := h.manager.Reconfigure(sat.ID, map[string]any{
		"display_name": "Kitchen Speaker",
		"room":         "kitchen",
		"features":     map[string]any{"wake_word": "atlas"},
	})
	if err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	got, _ := satellites.GetByID(h.db, sat.ID)
	if got.DisplayName != "Kitchen Speaker" || got.Room != "kitchen" {
		t.Errorf("update not persisted: %+v", got)
	}
	if got.Features["wake_word"] != "atlas" {
		t.Errorf("features = %v", got.Features)
	}
}

func TestBestEffortCommandsWhenDisconnected(t *testing.T) {
	h := setupHarness(t)
	sat := h.announce(t, "192.168.1.60", "raspberrypi")

	if h.manager.RestartAgent(sat.ID) {
		t.Error("restart of a disconnected device must report false")
	}
	if h.manager.Identify(sat.ID) {
		t.Error("identify of a disconnected device must report false")
	}
	if h.manager.TestAudio(sat.ID) {
		t.Error("audio test of a disconnected device must report false")
	}
}

// ─── removal ──────────────────────────────────────────────────────────────────

func TestRemove(t *testing.T) {
	h := setupHarness(t)
	sat := h.announce(t, "192.168.1.61", "raspberrypi")

	if err := h.manager.Remove(sat.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err := satellites.GetByID(h.db, sat.ID)
	if err != nil || got != nil {
		t.Errorf("record must be gone, got %v err=%v", got, err)
	}
	if !h.sawEvent(events.SatelliteRemoved) {
		t.Error("expected satellite_removed event")
	}

	// The freed IP can announce again as a brand-new candidate.
	fresh := h.announce(t, "192.168.1.61", "raspberrypi")
	if fresh.ID == sat.ID {
		t.Error("re-announced device must get a new identity")
	}

	if err := h.manager.Remove("missing"); err == nil {
		t.Error("remove of unknown id must fail")
	}
}
