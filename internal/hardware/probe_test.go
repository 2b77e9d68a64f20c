package hardware

import (
	"reflect"
	"testing"

	"atlas/internal/shell"
)

const arecordRespeaker = `**** List of CAPTURE Hardware Devices ****
card 1: seeed4micvoicec [ReSpeaker 4-Mic], device 0: bcm2835-i2s-ac10x-codec0 ac10x-codec0-0 [bcm2835-i2s-ac10x-codec0]
  Subdevices: 1/1
  Subdevice #0: subdevice #0`

const aplayHeadphones = `**** List of PLAYBACK Hardware Devices ****
card 0: Headphones [bcm2835 Headphones], device 0: bcm2835 PCM [bcm2835 PCM]
  Subdevices: 8/8
  Subdevice #0: subdevice #0`

const i2cGrid = `     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f
00:          -- -- -- -- -- -- -- -- -- -- -- -- --
70: -- -- -- -- -- -- 76 --`

func pi4Fixture() *shell.Fixture {
	return shell.NewFixture(map[string]shell.Result{
		"cat /proc/device-tree/model": {Stdout: "Raspberry Pi 4 Model B Rev 1.4\x00"},
		"uname -m":                    {Stdout: "aarch64\n"},
		"cat /etc/os-release":         {Stdout: "PRETTY_NAME=\"Raspberry Pi OS Lite\"\nID=raspbian\n"},
		"nproc":                       {Stdout: "4\n"},
		"cat /proc/meminfo":           {Stdout: "MemTotal:        3884784 kB\nMemFree:  100 kB\n"},
		"df -k /":                     {Stdout: "/dev/root  30720000 8000000 21000000  28% /\n"},
		"arecord -l":                  {Stdout: arecordRespeaker},
		"aplay -l":                    {Stdout: aplayHeadphones},
		"pidof pulseaudio":            {ExitCode: 1},
		"pidof pipewire":              {Stdout: "612\n"},
		"ls /dev/spidev0.0":           {Stdout: "/dev/spidev0.0\n"},
		"lsmod":                       {Stdout: "Module  Size  Used by\nsnd_soc_ac10x  20480  1\n"},
		"ls /sys/class/leds":          {Stdout: "ACT PWR\n"},
		"i2cdetect -y 1":              {Stdout: i2cGrid},
	})
}

func TestProbeFullProfile(t *testing.T) {
	fix := pi4Fixture()
	p := Probe(fix)

	if p.Platform.Model != "Raspberry Pi 4 Model B Rev 1.4" {
		t.Errorf("model = %q", p.Platform.Model)
	}
	if p.Platform.Arch != "aarch64" || p.Platform.CPUCount != 4 {
		t.Errorf("platform = %+v", p.Platform)
	}
	if p.Platform.RAMMB != 3793 {
		t.Errorf("ram = %d MB", p.Platform.RAMMB)
	}
	if p.Platform.DiskGB != 29 {
		t.Errorf("disk = %d GB", p.Platform.DiskGB)
	}
	if p.Platform.OS != "Raspberry Pi OS Lite" {
		t.Errorf("os = %q", p.Platform.OS)
	}

	if len(p.Audio.CaptureDevices) != 1 || p.Audio.CaptureDevices[0].Name != "ReSpeaker 4-Mic" {
		t.Errorf("capture = %+v", p.Audio.CaptureDevices)
	}
	if len(p.Audio.PlaybackDevices) != 1 {
		t.Errorf("playback = %+v", p.Audio.PlaybackDevices)
	}
	if p.Audio.HasPulse || !p.Audio.HasPipewire {
		t.Errorf("sound servers = pulse:%v pipewire:%v", p.Audio.HasPulse, p.Audio.HasPipewire)
	}

	if p.LED.Type != LEDRespeakerAPA102 || p.LED.Count != 12 {
		t.Errorf("led = %+v", p.LED)
	}

	if len(p.Sensors.Sensors) != 1 || p.Sensors.Sensors[0].Address != "0x76" {
		t.Errorf("sensors = %+v", p.Sensors.Sensors)
	}
	if p.Sensors.Sensors[0].Name != "BME280 environment sensor" {
		t.Errorf("sensor name = %q", p.Sensors.Sensors[0].Name)
	}
}

func TestProbeEmptyDeviceNeverFails(t *testing.T) {
	// Every command missing: everything exits 127 via the fixture default.
	p := Probe(shell.NewFixture(nil))

	if p.Platform.Model != "" || p.Platform.CPUCount != 0 {
		t.Errorf("platform should be zero-valued: %+v", p.Platform)
	}
	if len(p.Audio.CaptureDevices) != 0 || len(p.Audio.PlaybackDevices) != 0 {
		t.Errorf("audio should be empty: %+v", p.Audio)
	}
	if p.LED.Type != LEDNone {
		t.Errorf("led = %+v", p.LED)
	}
	if len(p.Sensors.Sensors) != 0 {
		t.Errorf("sensors = %+v", p.Sensors.Sensors)
	}

	caps := p.Capabilities()
	if caps["mic"] != false || caps["speaker"] != false || caps["led"] != false {
		t.Errorf("caps = %v", caps)
	}
}

func TestLEDPriorityNeoPixelOverGPIO(t *testing.T) {
	fix := shell.NewFixture(map[string]shell.Result{
		"lsmod":              {Stdout: "rpi_ws2812  16384  0\n"},
		"ls /sys/class/leds": {Stdout: "ring0\n"},
	})
	p := Probe(fix)
	if p.LED.Type != LEDNeoPixel {
		t.Errorf("led = %+v, want neopixel first", p.LED)
	}
}

func TestLEDGenericGPIOFallback(t *testing.T) {
	fix := shell.NewFixture(map[string]shell.Result{
		"ls /sys/class/leds": {Stdout: "ACT PWR ring0\n"},
	})
	p := Probe(fix)
	if p.LED.Type != LEDGPIO {
		t.Errorf("led = %+v, want gpio", p.LED)
	}
}

func TestLEDRespeakerRequiresMicArray(t *testing.T) {
	// SPI device present but no ReSpeaker capture hardware: not an APA102 ring.
	fix := shell.NewFixture(map[string]shell.Result{
		"ls /dev/spidev0.0": {Stdout: "/dev/spidev0.0\n"},
		"arecord -l":        {Stdout: "card 1: Generic [USB Microphone], device 0: USB Audio [USB Audio]"},
	})
	p := Probe(fix)
	if p.LED.Type == LEDRespeakerAPA102 {
		t.Errorf("led = %+v, spi alone should not mean respeaker", p.LED)
	}
}

func TestPlatformShort(t *testing.T) {
	cases := []struct {
		model, arch, want string
	}{
		{"Raspberry Pi 5 Model B Rev 1.0", "aarch64", PlatformRPi5},
		{"Raspberry Pi 4 Model B Rev 1.4", "aarch64", PlatformRPi4},
		{"Raspberry Pi 3 Model B Plus Rev 1.3", "armv7l", PlatformRPi3},
		{"Raspberry Pi Zero 2 W Rev 1.0", "aarch64", PlatformRPiZero2W},
		{"Raspberry Pi Zero W Rev 1.1", "armv6l", PlatformRPiZero},
		{"Raspberry Pi Compute Module", "armv7l", PlatformRPi},
		{"", "x86_64", PlatformX86},
		{"", "aarch64", PlatformARM},
		{"", "", PlatformUnknown},
	}
	for _, tc := range cases {
		p := &Profile{Platform: PlatformInfo{Model: tc.model, Arch: tc.arch}}
		if got := p.PlatformShort(); got != tc.want {
			t.Errorf("PlatformShort(%q, %q) = %s, want %s", tc.model, tc.arch, got, tc.want)
		}
	}
}

func TestCapabilitiesRespeaker(t *testing.T) {
	p := &Profile{
		Audio: AudioInfo{
			CaptureDevices: []AudioDevice{{Card: 1, Name: "ReSpeaker 4-Mic"}},
		},
		LED: LEDInfo{Type: LEDRespeakerAPA102, Count: 12},
	}

	want := map[string]any{
		"mic":      true,
		"speaker":  false,
		"led":      true,
		"led_type": LEDRespeakerAPA102,
		"aec":      true,
	}
	if got := p.Capabilities(); !reflect.DeepEqual(got, want) {
		t.Errorf("capabilities = %v, want %v", got, want)
	}
}

func TestCapabilitiesPlainUSBMicNoAEC(t *testing.T) {
	p := &Profile{
		Audio: AudioInfo{
			CaptureDevices:  []AudioDevice{{Name: "USB PnP Sound Device"}},
			PlaybackDevices: []AudioDevice{{Name: "bcm2835 Headphones"}},
		},
		LED: LEDInfo{Type: LEDNone},
	}
	caps := p.Capabilities()
	if caps["aec"] != false {
		t.Error("plain usb mic should not hint aec")
	}
	if caps["mic"] != true || caps["speaker"] != true || caps["led"] != false {
		t.Errorf("caps = %v", caps)
	}
	if _, ok := caps["led_type"]; ok {
		t.Error("led_type should be absent without leds")
	}
}

func TestParseAlsaDevicesMalformed(t *testing.T) {
	// Garbage in, empty out - never a panic.
	for _, input := range []string{"", "card", "card x:", "no devices found\n"} {
		if got := parseAlsaDevices(input); len(got) != 0 {
			t.Errorf("parseAlsaDevices(%q) = %+v", input, got)
		}
	}
}
