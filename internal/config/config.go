package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all server settings, sourced from environment variables.
type Config struct {
	Port    string
	DBPath  string
	DataDir string

	// Discovery
	MulticastGroup string        // host:port of the announce group
	ScanTimeout    time.Duration // bound on one active scan
	AgentPort      int           // default satellite agent port

	// Sessions
	HandshakeTimeout   time.Duration // max wait for the first ANNOUNCE
	HeartbeatStaleness time.Duration // no heartbeat for this long = offline

	// Provisioning
	SSHTimeout  time.Duration
	SSHUsername string
	HostPrefix  string // assigned hostnames are <prefix>-<room>
	ServerURL   string // address satellites connect back to
}

// Load returns the server configuration from environment variables.
func Load() Config {
	return Config{
		Port:    getEnv("PORT", "9080"),
		DBPath:  getEnv("DB_PATH", "atlas.db"),
		DataDir: getEnv("DATA_DIR", "data"),

		MulticastGroup: getEnv("MULTICAST_GROUP", "239.255.70.77:5070"),
		ScanTimeout:    getDuration("SCAN_TIMEOUT", 5*time.Second),
		AgentPort:      getInt("AGENT_PORT", 8590),

		HandshakeTimeout:   getDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		HeartbeatStaleness: getDuration("HEARTBEAT_STALENESS", 90*time.Second),

		SSHTimeout:  getDuration("SSH_TIMEOUT", 15*time.Second),
		SSHUsername: getEnv("SSH_USERNAME", "pi"),
		HostPrefix:  getEnv("HOST_PREFIX", "atlas-sat"),
		ServerURL:   getEnv("SERVER_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
