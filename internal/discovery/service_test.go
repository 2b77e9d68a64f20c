package discovery

import (
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestRecordFiresCallbackExactlyOnce(t *testing.T) {
	s := NewService("239.255.70.77:5070", 8590, "atlas-sat")

	var fired atomic.Int32
	s.OnDiscovered(func(ds DiscoveredSatellite) {
		if ds.IP != "192.168.3.50" {
			t.Errorf("ip = %s", ds.IP)
		}
		fired.Add(1)
	})

	first := DiscoveredSatellite{
		IP: "192.168.3.50", Hostname: "raspberrypi", Method: MethodMulticast,
		DiscoveredAt: time.Now().UTC(),
	}
	s.Record(first)
	s.Record(DiscoveredSatellite{
		IP: "192.168.3.50", Hostname: "renamed", Method: MethodScan,
		DiscoveredAt: time.Now().UTC().Add(time.Minute),
	})

	if got := fired.Load(); got != 1 {
		t.Errorf("callback fired %d times, want 1", got)
	}

	announced := s.Announced()
	if len(announced) != 1 {
		t.Fatalf("announced set has %d entries, want 1", len(announced))
	}

	// Repeat announcements refresh metadata but keep discovery provenance.
	got := announced[0]
	if got.Hostname != "renamed" {
		t.Errorf("hostname = %s, want renamed", got.Hostname)
	}
	if got.Method != MethodMulticast {
		t.Errorf("method = %s, want original %s", got.Method, MethodMulticast)
	}
	if !got.DiscoveredAt.Equal(first.DiscoveredAt) {
		t.Error("discovered_at must not change on re-announcement")
	}
}

func TestAnnouncedSince(t *testing.T) {
	s := NewService("239.255.70.77:5070", 8590, "atlas-sat")

	old := time.Now().UTC().Add(-time.Hour)
	s.Record(DiscoveredSatellite{IP: "10.0.0.1", DiscoveredAt: old})
	s.Record(DiscoveredSatellite{IP: "10.0.0.2", DiscoveredAt: time.Now().UTC()})

	recent := s.AnnouncedSince(time.Now().UTC().Add(-time.Minute))
	if len(recent) != 1 || recent[0].IP != "10.0.0.2" {
		t.Errorf("recent = %+v", recent)
	}
	if len(s.Announced()) != 2 {
		t.Errorf("full set = %+v", s.Announced())
	}
}

func TestForget(t *testing.T) {
	s := NewService("239.255.70.77:5070", 8590, "atlas-sat")
	s.Record(DiscoveredSatellite{IP: "10.0.0.1", DiscoveredAt: time.Now().UTC()})

	s.Forget("10.0.0.1")
	if len(s.Announced()) != 0 {
		t.Error("candidate should be gone")
	}
}

func TestStartDegradesOnBadGroup(t *testing.T) {
	s := NewService("not-an-address", 8590, "atlas-sat")

	// Must not panic or block; manual and scan paths keep working.
	s.Start()
	s.Record(DiscoveredSatellite{IP: "10.0.0.9", DiscoveredAt: time.Now().UTC()})
	if len(s.Announced()) != 1 {
		t.Error("manual path should still work")
	}
	s.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewService("239.255.70.77:5070", 8590, "atlas-sat")
	s.Start()
	s.Stop()
	s.Stop()
}

func TestParseARPTable(t *testing.T) {
	content := `IP address       HW type     Flags       HW address            Mask     Device
192.168.3.50     0x1         0x2         b8:27:eb:aa:bb:cc     *        eth0
192.168.3.51     0x1         0x0         00:00:00:00:00:00     *        eth0
garbage line
192.168.3.52     0x1         0x2         dc:a6:32:11:22:33     *        wlan0
`
	entries := parseARPTable(content)
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].ip != "192.168.3.50" || entries[0].mac != "b8:27:eb:aa:bb:cc" {
		t.Errorf("first = %+v", entries[0])
	}
	if entries[1].ip != "192.168.3.52" {
		t.Errorf("second = %+v", entries[1])
	}
}

func TestCheckHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if !CheckHost("127.0.0.1", port, time.Second) {
		t.Error("open port should check true")
	}
	ln.Close()
	if CheckHost("127.0.0.1", port, 200*time.Millisecond) {
		t.Error("closed port should check false")
	}
}

func TestCheckSSH(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

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

	if !CheckSSH("127.0.0.1", port, time.Second) {
		t.Error("ssh banner should check true")
	}
	if CheckSSH("127.0.0.1", 1, 200*time.Millisecond) {
		t.Error("unreachable port should check false")
	}
}

func TestCheckSSHRejectsNonSSHBanner(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n"))
		conn.Close()
	}()

	if CheckSSH("127.0.0.1", port, time.Second) {
		t.Error("http banner is not ssh")
	}
}
