package hardware

import (
	"log"
	"strings"
	"time"

	"atlas/internal/shell"
)

// Probe commands, run in a fixed order over one shell session.
const (
	cmdModel    = "cat /proc/device-tree/model 2>/dev/null"
	cmdArch     = "uname -m"
	cmdOS       = "cat /etc/os-release 2>/dev/null"
	cmdCPUCount = "nproc"
	cmdMemInfo  = "cat /proc/meminfo"
	cmdDisk     = "df -k / | tail -1"
	cmdCapture  = "arecord -l 2>/dev/null"
	cmdPlayback = "aplay -l 2>/dev/null"
	cmdPulse    = "pidof pulseaudio"
	cmdPipewire = "pidof pipewire"
	cmdSPIDev   = "ls /dev/spidev0.0 2>/dev/null"
	cmdModules  = "lsmod"
	cmdSysLEDs  = "ls /sys/class/leds 2>/dev/null"
	cmdI2CScan  = "i2cdetect -y 1 2>/dev/null"
)

// Probe runs the full command sequence against an open session and parses
// the output into a Profile. Individual command failures degrade to
// zero-valued fields; Probe itself never fails.
func Probe(sess shell.Session) *Profile {
	p := &Profile{ProbedAt: time.Now().UTC()}

	p.Platform = PlatformInfo{
		Model:    strings.TrimRight(output(sess, cmdModel), "\x00\n "),
		Arch:     strings.TrimSpace(output(sess, cmdArch)),
		CPUCount: parseInt(output(sess, cmdCPUCount)),
		RAMMB:    parseMemTotalMB(output(sess, cmdMemInfo)),
		DiskGB:   parseRootDiskGB(output(sess, cmdDisk)),
		OS:       parseOSRelease(output(sess, cmdOS)),
	}

	p.Audio = AudioInfo{
		CaptureDevices:  parseAlsaDevices(output(sess, cmdCapture)),
		PlaybackDevices: parseAlsaDevices(output(sess, cmdPlayback)),
		HasPulse:        ran(sess, cmdPulse),
		HasPipewire:     ran(sess, cmdPipewire),
	}

	p.LED = detectLEDs(sess, p.Audio.CaptureDevices)
	p.Sensors = SensorInfo{Sensors: parseI2CScan(output(sess, cmdI2CScan))}

	return p
}

// detectLEDs applies the fixed priority order:
// ReSpeaker APA102 > NeoPixel > generic GPIO LED > none.
func detectLEDs(sess shell.Session, capture []AudioDevice) LEDInfo {
	if ran(sess, cmdSPIDev) && hasMicArray(capture) {
		// The ReSpeaker HATs drive a 12-LED APA102 ring over SPI.
		return LEDInfo{Type: LEDRespeakerAPA102, Count: 12}
	}

	modules := output(sess, cmdModules)
	if strings.Contains(modules, "ws2812") || strings.Contains(modules, "neopixel") {
		return LEDInfo{Type: LEDNeoPixel, Count: 1}
	}

	for _, name := range strings.Fields(output(sess, cmdSysLEDs)) {
		if isGenericLED(name) {
			return LEDInfo{Type: LEDGPIO, Count: 1}
		}
	}
	return LEDInfo{Type: LEDNone}
}

// isGenericLED filters out the Pi's onboard activity/power LEDs.
func isGenericLED(name string) bool {
	lower := strings.ToLower(name)
	for _, builtin := range []string{"act", "pwr", "led0", "led1", "mmc"} {
		if strings.HasPrefix(lower, builtin) {
			return false
		}
	}
	return true
}

func hasMicArray(capture []AudioDevice) bool {
	for _, d := range capture {
		lower := strings.ToLower(d.Name)
		for _, token := range micArrayVendorTokens {
			if strings.Contains(lower, token) {
				return true
			}
		}
	}
	return false
}

// output runs cmd and returns stdout, or "" on any failure.
func output(sess shell.Session, cmd string) string {
	res, err := sess.Run(cmd)
	if err != nil {
		log.Printf("[PROBE] %q failed: %v", cmd, err)
		return ""
	}
	if res.ExitCode != 0 {
		return ""
	}
	return res.Stdout
}

// ran reports whether cmd executed and exited zero with some output.
func ran(sess shell.Session, cmd string) bool {
	res, err := sess.Run(cmd)
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != ""
}
