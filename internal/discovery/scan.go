package discovery

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

const arpTable = "/proc/net/arp"

// ScanNow runs an active multicast query and a neighbor-table reverse-DNS
// scan concurrently, joined under one bounded timeout so a stalled probe
// cannot block the rest. Results are merged by IP, first responder wins,
// and new candidates are recorded in the announced set.
func (s *Service) ScanNow(timeout time.Duration) []DiscoveredSatellite {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	found := make(chan DiscoveredSatellite, 64)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.multicastQuery(ctx, found)
	}()
	go func() {
		defer wg.Done()
		s.neighborScan(ctx, found)
	}()
	go func() {
		wg.Wait()
		close(found)
	}()

	merged := make(map[string]DiscoveredSatellite)
	var order []string
	for ds := range found {
		if _, ok := merged[ds.IP]; ok {
			continue // first responder wins
		}
		merged[ds.IP] = ds
		order = append(order, ds.IP)
		s.Record(ds)
	}

	out := make([]DiscoveredSatellite, 0, len(order))
	for _, ip := range order {
		out = append(out, merged[ip])
	}
	return out
}

// multicastQuery broadcasts a query beacon and collects unicast announce
// replies until the context expires.
func (s *Service) multicastQuery(ctx context.Context, found chan<- DiscoveredSatellite) {
	group, err := net.ResolveUDPAddr("udp4", s.group)
	if err != nil {
		return
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		log.Printf("[DISCOVERY] Query socket: %v", err)
		return
	}
	defer conn.Close()

	query, _ := json.Marshal(beacon{Type: beaconQuery})
	if _, err := conn.WriteToUDP(query, group); err != nil {
		log.Printf("[DISCOVERY] Query send: %v", err)
		return
	}

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // deadline or socket error ends the collection
		}
		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil || b.Type != beaconAnnounce {
			continue
		}
		select {
		case found <- candidateFromBeacon(src.IP.String(), b, MethodScan):
		case <-ctx.Done():
			return
		}
	}
}

// neighborScan walks the kernel ARP table and keeps hosts that either
// reverse-resolve to a satellite hostname or answer on the agent port.
// Every per-host lookup failure is swallowed.
func (s *Service) neighborScan(ctx context.Context, found chan<- DiscoveredSatellite) {
	data, err := os.ReadFile(arpTable)
	if err != nil {
		return // not Linux, or no table; the other probes still run
	}

	var wg sync.WaitGroup
	for _, entry := range parseARPTable(string(data)) {
		wg.Add(1)
		go func(ip, mac string) {
			defer wg.Done()
			ds, ok := s.checkNeighbor(ctx, ip, mac)
			if !ok {
				return
			}
			select {
			case found <- ds:
			case <-ctx.Done():
			}
		}(entry.ip, entry.mac)
	}
	wg.Wait()
}

type arpEntry struct {
	ip  string
	mac string
}

// parseARPTable extracts complete entries from /proc/net/arp content.
func parseARPTable(content string) []arpEntry {
	var out []arpEntry
	for i, line := range strings.Split(content, "\n") {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		ip, flags, mac := fields[0], fields[2], fields[3]
		// Flags 0x0 marks an incomplete entry.
		if flags == "0x0" || mac == "00:00:00:00:00:00" {
			continue
		}
		if net.ParseIP(ip) == nil {
			continue
		}
		out = append(out, arpEntry{ip: ip, mac: mac})
	}
	return out
}

func (s *Service) checkNeighbor(ctx context.Context, ip, mac string) (DiscoveredSatellite, bool) {
	ds := DiscoveredSatellite{
		IP:           ip,
		MAC:          mac,
		Port:         s.agentPort,
		Method:       MethodScan,
		DiscoveredAt: time.Now().UTC(),
	}

	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err == nil && len(names) > 0 {
		ds.Hostname = strings.TrimSuffix(names[0], ".")
		if strings.HasPrefix(ds.Hostname, s.hostPrefix) {
			return ds, true
		}
	}

	if CheckHost(ip, s.agentPort, remainingTimeout(ctx)) {
		return ds, true
	}
	return DiscoveredSatellite{}, false
}

func remainingTimeout(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 2 * time.Second
	}
	d := time.Until(deadline)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
