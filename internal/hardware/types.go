// Package hardware profiles a satellite's platform, audio, LED and sensor
// hardware over a remote shell. Parsing is best-effort: missing commands or
// empty output produce zero-valued fields, never errors.
package hardware

import "time"

// PlatformInfo describes the device's base platform.
type PlatformInfo struct {
	Model    string `json:"model"`
	Arch     string `json:"arch"`
	CPUCount int    `json:"cpu_count"`
	RAMMB    int    `json:"ram_mb"`
	DiskGB   int    `json:"disk_gb"`
	OS       string `json:"os"`
}

// AudioDevice is one ALSA capture or playback device.
type AudioDevice struct {
	Card   int    `json:"card"`
	Device int    `json:"device"`
	Name   string `json:"name"`
}

// AudioInfo lists the device's audio hardware and sound servers.
type AudioInfo struct {
	CaptureDevices  []AudioDevice `json:"capture_devices"`
	PlaybackDevices []AudioDevice `json:"playback_devices"`
	HasPulse        bool          `json:"has_pulse"`
	HasPipewire     bool          `json:"has_pipewire"`
}

// LED types, in detection priority order. First match wins.
const (
	LEDRespeakerAPA102 = "respeaker_apa102"
	LEDNeoPixel        = "neopixel"
	LEDGPIO            = "gpio"
	LEDNone            = "none"
)

// LEDInfo describes the addressable LEDs found on the device.
type LEDInfo struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Sensor is one detected I2C peripheral.
type Sensor struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// SensorInfo lists the detected environmental sensors.
type SensorInfo struct {
	Sensors []Sensor `json:"sensors"`
}

// Profile is the full result of one hardware probe run.
type Profile struct {
	Platform PlatformInfo `json:"platform"`
	Audio    AudioInfo    `json:"audio"`
	LED      LEDInfo      `json:"led"`
	Sensors  SensorInfo   `json:"sensors"`
	ProbedAt time.Time    `json:"probed_at"`
}

// Platform short names returned by PlatformShort.
const (
	PlatformRPi5      = "rpi5"
	PlatformRPi4      = "rpi4"
	PlatformRPi3      = "rpi3"
	PlatformRPiZero2W = "rpizero2w"
	PlatformRPiZero   = "rpizero"
	PlatformRPi       = "rpi"
	PlatformX86       = "x86"
	PlatformARM       = "arm"
	PlatformUnknown   = "unknown"
)

// i2cSensorNames maps well-known I2C addresses to device names for the
// bus scan. Addresses are lowercase hex without the 0x prefix.
var i2cSensorNames = map[string]string{
	"23": "BH1750 light sensor",
	"38": "AHT20 temperature/humidity sensor",
	"40": "HTU21D temperature/humidity sensor",
	"44": "SHT31 temperature/humidity sensor",
	"58": "SGP30 air quality sensor",
	"5b": "CCS811 air quality sensor",
	"62": "SCD40 CO2 sensor",
	"76": "BME280 environment sensor",
	"77": "BMP280 pressure sensor",
}

// micArrayVendorTokens identifies capture hardware with onboard
// echo-cancelling mic arrays.
var micArrayVendorTokens = []string{"respeaker", "seeed", "matrix", "acusis"}
