package hardware

import (
	"strconv"
	"strings"
)

func parseInt(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

// parseMemTotalMB extracts MemTotal from /proc/meminfo output.
func parseMemTotalMB(meminfo string) int {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

// parseRootDiskGB extracts the root filesystem size from `df -k /` output
// (the last line, second column, in 1K blocks).
func parseRootDiskGB(dfLine string) int {
	fields := strings.Fields(strings.TrimSpace(dfLine))
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return kb / (1024 * 1024)
}

// parseOSRelease extracts PRETTY_NAME from /etc/os-release content.
func parseOSRelease(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, "PRETTY_NAME=") {
			continue
		}
		return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
	}
	return ""
}

// parseAlsaDevices parses `arecord -l` / `aplay -l` output. Device lines
// look like:
//
//	card 1: seeed4micvoicec [seeed-4mic-voicecard], device 0: ... []
//
// The bracketed text after the card id is taken as the device name.
func parseAlsaDevices(listing string) []AudioDevice {
	var out []AudioDevice
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "card ") {
			continue
		}

		dev := AudioDevice{}
		rest := strings.TrimPrefix(line, "card ")
		if i := strings.Index(rest, ":"); i > 0 {
			dev.Card = parseInt(rest[:i])
		}
		if i := strings.Index(line, "device "); i >= 0 {
			tail := line[i+len("device "):]
			if j := strings.IndexAny(tail, ":,"); j > 0 {
				dev.Device = parseInt(tail[:j])
			}
		}
		if i := strings.Index(line, "["); i >= 0 {
			if j := strings.Index(line[i:], "]"); j > 0 {
				dev.Name = line[i+1 : i+j]
			}
		}
		if dev.Name == "" {
			continue
		}
		out = append(out, dev)
	}
	return out
}

// parseI2CScan parses `i2cdetect -y 1` grid output and maps found
// addresses against the known sensor table. Unknown addresses are kept
// with a generic name so the operator can still see them.
func parseI2CScan(grid string) []Sensor {
	var out []Sensor
	lines := strings.Split(grid, "\n")
	for _, line := range lines {
		// Grid rows start with the high nibble, e.g. "70: 70 -- -- ...".
		i := strings.Index(line, ":")
		if i <= 0 {
			continue
		}
		if _, err := strconv.ParseUint(strings.TrimSpace(line[:i]), 16, 8); err != nil {
			continue
		}
		for _, cell := range strings.Fields(line[i+1:]) {
			if cell == "--" || cell == "UU" {
				continue
			}
			addr := strings.ToLower(cell)
			if _, err := strconv.ParseUint(addr, 16, 8); err != nil {
				continue
			}
			name, ok := i2cSensorNames[addr]
			if !ok {
				name = "unknown device"
			}
			out = append(out, Sensor{Address: "0x" + addr, Name: name})
		}
	}
	return out
}

// PlatformShort classifies the model string into a small fixed set of
// platform names, falling back to the CPU architecture.
func (p *Profile) PlatformShort() string {
	model := strings.ToLower(p.Platform.Model)
	switch {
	case strings.Contains(model, "raspberry pi 5"):
		return PlatformRPi5
	case strings.Contains(model, "raspberry pi 4"):
		return PlatformRPi4
	case strings.Contains(model, "raspberry pi 3"):
		return PlatformRPi3
	case strings.Contains(model, "zero 2"):
		return PlatformRPiZero2W
	case strings.Contains(model, "zero"):
		return PlatformRPiZero
	case strings.Contains(model, "raspberry pi"):
		return PlatformRPi
	}

	arch := strings.ToLower(p.Platform.Arch)
	switch {
	case strings.Contains(arch, "x86") || strings.Contains(arch, "amd64"):
		return PlatformX86
	case strings.Contains(arch, "arm") || strings.Contains(arch, "aarch"):
		return PlatformARM
	}
	return PlatformUnknown
}

// Capabilities derives the boolean capability map used for feature gating.
// The aec hint is true only when a capture device carries a known mic-array
// vendor token.
func (p *Profile) Capabilities() map[string]any {
	caps := map[string]any{
		"mic":     len(p.Audio.CaptureDevices) > 0,
		"speaker": len(p.Audio.PlaybackDevices) > 0,
		"led":     p.LED.Type != LEDNone && p.LED.Type != "",
		"aec":     hasMicArray(p.Audio.CaptureDevices),
	}
	if caps["led"] == true {
		caps["led_type"] = p.LED.Type
	}
	if len(p.Sensors.Sensors) > 0 {
		names := make([]string, 0, len(p.Sensors.Sensors))
		for _, s := range p.Sensors.Sensors {
			names = append(names, s.Name)
		}
		caps["sensors"] = names
	}
	return caps
}
