package config

import (
	"time"
)

// ServerConfig holds the orchestrator daemon configuration.
type ServerConfig struct {
	// ListenAddr is the host:port the API server binds to
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// DataDir is the root of the JSON document store and artifact tree
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// DriverURL is the base URL of the remote automation backend
	DriverURL string `json:"driver_url" yaml:"driver_url"`

	// DriverTimeout bounds individual driver round-trips
	DriverTimeout time.Duration `json:"driver_timeout" yaml:"driver_timeout"`

	// MJPEGPortBase is the first port probed for session MJPEG streams
	MJPEGPortBase int `json:"mjpeg_port_base" yaml:"mjpeg_port_base"`

	// CORSOrigins lists allowed CORS origins; empty means allow all
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`

	// RateLimitPerSecond is the per-client API request budget
	RateLimitPerSecond float64 `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`

	// RateLimitBurst is the per-client burst allowance
	RateLimitBurst int `json:"rate_limit_burst" yaml:"rate_limit_burst"`

	// DiscoveryEnabled turns on periodic mDNS device scans
	DiscoveryEnabled bool `json:"discovery_enabled" yaml:"discovery_enabled"`

	// DiscoveryInterval is the time between scans
	DiscoveryInterval time.Duration `json:"discovery_interval" yaml:"discovery_interval"`

	// RecordingBitrate is the screen recording bitrate in bits per second
	RecordingBitrate int `json:"recording_bitrate" yaml:"recording_bitrate"`

	// RecordingResolution is the recording video size as WxH
	RecordingResolution string `json:"recording_resolution" yaml:"recording_resolution"`

	// RecordingTimeLimit caps a single recording
	RecordingTimeLimit time.Duration `json:"recording_time_limit" yaml:"recording_time_limit"`

	// ScheduleHistoryLimit caps the schedule history ring buffer
	ScheduleHistoryLimit int `json:"schedule_history_limit" yaml:"schedule_history_limit"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level" yaml:"log_level"`

	// LogFormat is one of text, json
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// DefaultServerConfig returns production default settings
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:           ":8080",
		DataDir:              "data",
		DriverURL:            "http://localhost:4723",
		DriverTimeout:        30 * time.Second,
		MJPEGPortBase:        9100,
		CORSOrigins:          nil,
		RateLimitPerSecond:   50,
		RateLimitBurst:       100,
		DiscoveryEnabled:     false,
		DiscoveryInterval:    30 * time.Second,
		RecordingBitrate:     4_000_000,
		RecordingResolution:  "720x1280",
		RecordingTimeLimit:   5 * time.Minute,
		ScheduleHistoryLimit: 100,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// ServerConfigFromEnv builds a config from DROIDFLEET_* environment
// variables layered over the defaults.
func ServerConfigFromEnv() *ServerConfig {
	cfg := DefaultServerConfig()
	cfg.ListenAddr = envString("DROIDFLEET_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = envString("DROIDFLEET_DATA_DIR", cfg.DataDir)
	cfg.DriverURL = envString("DROIDFLEET_DRIVER_URL", cfg.DriverURL)
	cfg.DriverTimeout = envDuration("DROIDFLEET_DRIVER_TIMEOUT", cfg.DriverTimeout)
	cfg.MJPEGPortBase = envInt("DROIDFLEET_MJPEG_PORT_BASE", cfg.MJPEGPortBase)
	cfg.RateLimitPerSecond = envFloat("DROIDFLEET_RATE_LIMIT_RPS", cfg.RateLimitPerSecond)
	cfg.RateLimitBurst = envInt("DROIDFLEET_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.DiscoveryEnabled = envBool("DROIDFLEET_DISCOVERY_ENABLED", cfg.DiscoveryEnabled)
	cfg.DiscoveryInterval = envDuration("DROIDFLEET_DISCOVERY_INTERVAL", cfg.DiscoveryInterval)
	cfg.RecordingBitrate = envInt("DROIDFLEET_RECORDING_BITRATE", cfg.RecordingBitrate)
	cfg.RecordingResolution = envString("DROIDFLEET_RECORDING_RESOLUTION", cfg.RecordingResolution)
	cfg.RecordingTimeLimit = envDuration("DROIDFLEET_RECORDING_TIME_LIMIT", cfg.RecordingTimeLimit)
	cfg.ScheduleHistoryLimit = envInt("DROIDFLEET_SCHEDULE_HISTORY_LIMIT", cfg.ScheduleHistoryLimit)
	cfg.LogLevel = envString("DROIDFLEET_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("DROIDFLEET_LOG_FORMAT", cfg.LogFormat)
	return cfg
}
