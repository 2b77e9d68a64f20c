// Package session implements the JSON message protocol spoken over one
// persistent WebSocket per satellite, and the registry of live connections.
package session

import "encoding/json"

// Frame is the wire envelope. Every message is a JSON object with a
// mandatory type field; unrecognized types are logged and ignored, never
// fatal to the connection.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound (satellite -> server) message types.
const (
	TypeAnnounce   = "announce" // must be first, within the handshake timeout
	TypeHeartbeat  = "heartbeat"
	TypeWake       = "wake"
	TypeAudioStart = "audio_start"
	TypeAudioChunk = "audio_chunk"
	TypeAudioEnd   = "audio_end"
	TypeStatus     = "status"
)

// Outbound (server -> satellite) message types.
const (
	TypeAccepted   = "accepted"
	TypeTTSStart   = "tts_start"
	TypeTTSChunk   = "tts_chunk"
	TypeTTSEnd     = "tts_end"
	TypePlayFiller = "play_filler"
	TypeCommand    = "command"
	TypeConfig     = "config"
)

// AnnouncePayload opens a session. SatelliteID must match a registered
// fleet member.
type AnnouncePayload struct {
	SatelliteID string `json:"satellite_id"`
	Version     string `json:"version,omitempty"`
}

// AcceptedPayload acknowledges a successful handshake.
type AcceptedPayload struct {
	SessionID string `json:"session_id"`
}

// HeartbeatPayload carries live telemetry.
type HeartbeatPayload struct {
	UptimeSeconds int64   `json:"uptime_seconds"`
	WifiRSSI      int     `json:"wifi_rssi"`
	CPUTemp       float64 `json:"cpu_temp"`
}

// AudioStartPayload begins a streamed utterance.
type AudioStartPayload struct {
	SampleRate int `json:"sample_rate,omitempty"`
	Channels   int `json:"channels,omitempty"`
}

// AudioChunkPayload is one block of captured audio, base64 on the wire.
type AudioChunkPayload struct {
	Data []byte `json:"data"`
}

// AudioEndPayload closes a streamed utterance.
type AudioEndPayload struct {
	Reason string `json:"reason"` // silence, max_duration, cancelled
}

// StatusPayload is a free-form device status report.
type StatusPayload struct {
	State  string            `json:"state,omitempty"`
	Detail map[string]string `json:"detail,omitempty"`
}

// TTSChunkPayload is one block of synthesized reply audio.
type TTSChunkPayload struct {
	Data []byte `json:"data"`
}

// PlayFillerPayload asks the device to play a cached stall phrase while
// the real reply computes.
type PlayFillerPayload struct {
	Name string `json:"name,omitempty"`
}

// CommandPayload is a server-issued device command.
type CommandPayload struct {
	Name   string         `json:"name"` // reboot, identify, test_audio
	Params map[string]any `json:"params,omitempty"`
}

func newFrame(msgType string, payload any) (Frame, error) {
	f := Frame{Type: msgType}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return f, err
		}
		f.Payload = b
	}
	return f, nil
}
