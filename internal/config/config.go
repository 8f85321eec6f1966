// Package config reads controller configuration from environment variables
// and an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the hostbridge controller.
type Config struct {
	// Bridge connection settings
	BridgeAddress string
	BridgePort    int

	// HTTP API settings
	BindAddr          string
	BindFallbackAddrs []string

	// Execution behavior
	ExecTimeoutMS int

	// Logging
	LogLevel string
	LogFile  string

	// Storage
	PayloadDir        string
	JournalDir        string
	JournalBufferSize int
	MaxFileSizeMB     int

	// Event streams
	StreamsConfigPath string

	// Incident notifications; empty disables them.
	CrashWebhook string

	// Host process launch; skipped when LaunchHost is false.
	LaunchHost     bool
	HostStartURL   string
	HostProfileDir string
	ExtensionDir   string
	HostWindowSize string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		BridgeAddress:     getEnvOrDefault("HOSTBRIDGE_ADDRESS", "127.0.0.1"),
		BridgePort:        getEnvIntOrDefault("HOSTBRIDGE_PORT", 9777),
		BindAddr:          getEnvOrDefault("CONTROLLER_BIND_ADDR", "127.0.0.1:8190"),
		BindFallbackAddrs: splitAddrs(getEnvOrDefault("CONTROLLER_BIND_FALLBACKS", "127.0.0.1:8191,127.0.0.1:8192")),
		ExecTimeoutMS:     getEnvIntOrDefault("CONTROLLER_EXEC_TIMEOUT_MS", 5000),
		LogLevel:          strings.ToLower(getEnvOrDefault("CONTROLLER_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("CONTROLLER_LOG_FILE", "logs/controller.log"),
		PayloadDir:        getEnvOrDefault("PAYLOAD_DIR", "./payloads"),
		JournalDir:        getEnvOrDefault("JOURNAL_DIR", "./journal"),
		JournalBufferSize: getEnvIntOrDefault("JOURNAL_BUFFER_SIZE", 5000),
		MaxFileSizeMB:     getEnvIntOrDefault("JOURNAL_MAX_FILE_SIZE_MB", 200),
		StreamsConfigPath: getEnvOrDefault("STREAMS_CONFIG", ""),
		CrashWebhook:      getEnvOrDefault("CRASH_WEBHOOK", ""),
		LaunchHost:        getEnvBoolOrDefault("LAUNCH_HOST", false),
		HostStartURL:      getEnvOrDefault("HOST_START_URL", "about:blank"),
		HostProfileDir:    getEnvOrDefault("HOST_PROFILE_DIR", "./host_profile"),
		ExtensionDir:      getEnvOrDefault("BRIDGE_EXTENSION_DIR", ""),
		HostWindowSize:    getEnvOrDefault("HOST_WINDOW_SIZE", ""),
	}
	if cfg.ExecTimeoutMS < 1000 {
		cfg.ExecTimeoutMS = 1000
	}

	return cfg, nil
}

// BridgeURL returns the WebSocket endpoint the bridge extension serves.
func (c *Config) BridgeURL() string {
	return fmt.Sprintf("ws://%s:%d/bridge", c.BridgeAddress, c.BridgePort)
}

func splitAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
