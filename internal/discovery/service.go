package discovery

import (
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"
)

// Service owns the passive multicast listener and the in-memory announced
// set. The dedup contract: the first announcement for an unseen IP fires
// the callbacks exactly once; later announcements for the same IP update
// metadata silently.
type Service struct {
	group      string
	agentPort  int
	hostPrefix string

	mu        sync.Mutex
	announced map[string]DiscoveredSatellite // keyed by IP
	callbacks []func(DiscoveredSatellite)
	listener  *net.UDPConn
	running   bool

	wg sync.WaitGroup
}

// NewService creates a discovery service announcing on group (host:port),
// expecting satellite agents on agentPort and hostnames starting with
// hostPrefix.
func NewService(group string, agentPort int, hostPrefix string) *Service {
	return &Service{
		group:      group,
		agentPort:  agentPort,
		hostPrefix: hostPrefix,
		announced:  make(map[string]DiscoveredSatellite),
	}
}

// OnDiscovered registers a callback fired exactly once per new IP.
func (s *Service) OnDiscovered(fn func(DiscoveredSatellite)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Start opens the passive multicast listener. When the multicast socket
// cannot be opened, discovery degrades to the manual and scan paths only;
// Start logs the condition and succeeds.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	addr, err := net.ResolveUDPAddr("udp4", s.group)
	if err != nil {
		log.Printf("[DISCOVERY] Invalid multicast group %q: %v (passive listener disabled)", s.group, err)
		return
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		log.Printf("[DISCOVERY] Multicast unavailable: %v (passive listener disabled)", err)
		return
	}
	conn.SetReadBuffer(64 * 1024)

	s.listener = conn
	s.running = true
	s.wg.Add(1)
	go s.listen(conn)
	log.Printf("[DISCOVERY] Listening for announcements on %s", s.group)
}

// Stop closes the listener socket and waits for the background task.
func (s *Service) Stop() {
	s.mu.Lock()
	conn := s.listener
	s.listener = nil
	s.running = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
}

func (s *Service) listen(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed by Stop
		}

		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil || b.Type != beaconAnnounce {
			continue
		}
		s.Record(candidateFromBeacon(src.IP.String(), b, MethodMulticast))
	}
}

func candidateFromBeacon(ip string, b beacon, method string) DiscoveredSatellite {
	return DiscoveredSatellite{
		IP:           ip,
		Hostname:     b.Hostname,
		MAC:          b.MAC,
		Port:         b.Port,
		Properties:   b.Properties,
		Method:       method,
		DiscoveredAt: time.Now().UTC(),
	}
}

// Record adds a candidate to the announced set. New IPs fire the
// callbacks once; repeat announcements only refresh metadata.
func (s *Service) Record(ds DiscoveredSatellite) {
	s.mu.Lock()
	prev, seen := s.announced[ds.IP]
	if seen {
		// Heartbeat-only update: keep the original discovery time and
		// method, refresh the rest.
		ds.DiscoveredAt = prev.DiscoveredAt
		ds.Method = prev.Method
	}
	s.announced[ds.IP] = ds
	callbacks := make([]func(DiscoveredSatellite), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	if seen {
		return
	}
	log.Printf("[DISCOVERY] New candidate %s (%s) via %s", ds.IP, ds.Hostname, ds.Method)
	for _, fn := range callbacks {
		fn(ds)
	}
}

// Forget drops a candidate, typically after provisioning consumed it.
func (s *Service) Forget(ip string) {
	s.mu.Lock()
	delete(s.announced, ip)
	s.mu.Unlock()
}

// Announced returns the current announced set.
func (s *Service) Announced() []DiscoveredSatellite {
	return s.AnnouncedSince(time.Time{})
}

// AnnouncedSince returns candidates discovered at or after ts.
func (s *Service) AnnouncedSince(ts time.Time) []DiscoveredSatellite {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DiscoveredSatellite, 0, len(s.announced))
	for _, ds := range s.announced {
		if !ds.DiscoveredAt.Before(ts) {
			out = append(out, ds)
		}
	}
	return out
}
