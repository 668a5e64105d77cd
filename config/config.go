package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string
	FrontendURL string

	DefaultBitrateKbps int

	// External tools
	FetchCommand     string
	TranscodeCommand string
	ResolverCommand  string

	// Playback tuning
	StartupTimeout time.Duration
	RetryDelay     time.Duration
	JoinWait       time.Duration
	PaceOutput     bool

	// Fan-out
	MaxBufferBytes       int
	ListenerQueueSize    int
	ListenerWriteTimeout time.Duration

	ResolverCacheSize int

	// Geo analytics
	GeoIPDBPath string
	IPHashSalt  string
	EnableGeoIp bool

	// Backend integration
	StationID          string
	BackendAPI         string
	BackendAPIKey      string
	EventFlushInterval time.Duration
}

func LoadConfig() *Config {
	get := func(key, dfault string) string {
		v := os.Getenv(key)
		if v == "" {
			return dfault
		}
		return v
	}

	cfg := &Config{
		ListenAddr:           get("LISTEN_ADDR", ":5000"),
		FrontendURL:          get("FRONTEND_URL", "http://localhost:3000"),
		DefaultBitrateKbps:   intEnv("DEFAULT_BITRATE_KBPS", 128),
		FetchCommand:         get("FETCH_COMMAND", "yt-dlp"),
		TranscodeCommand:     get("TRANSCODE_COMMAND", "ffmpeg"),
		ResolverCommand:      get("RESOLVER_COMMAND", "yt-dlp"),
		StartupTimeout:       durationEnv("STARTUP_TIMEOUT", 8*time.Second),
		RetryDelay:           durationEnv("RETRY_DELAY", 3*time.Second),
		JoinWait:             durationEnv("JOIN_WAIT", 5*time.Second),
		PaceOutput:           get("PACE_OUTPUT", "1") == "1",
		MaxBufferBytes:       intEnv("MAX_BUFFER_BYTES", 32<<20),
		ListenerQueueSize:    intEnv("LISTENER_QUEUE_SIZE", 256),
		ListenerWriteTimeout: durationEnv("LISTENER_WRITE_TIMEOUT", 10*time.Second),
		ResolverCacheSize:    intEnv("RESOLVER_CACHE_SIZE", 512),
		GeoIPDBPath:          get("GEOIP_DB_PATH", "./GeoLite2-City.mmdb"),
		IPHashSalt:           get("IP_HASH_SALT", "change-me"),
		EnableGeoIp:          get("ENABLE_GEOIP", "0") == "1",
		StationID:            get("STATION_ID", "main"),
		BackendAPI:           strings.TrimRight(get("BACKEND_API", ""), "/"), // e.g. https://api.example.com/internal
		BackendAPIKey:        get("BACKEND_API_KEY", ""),
		EventFlushInterval:   durationEnv("EVENT_FLUSH_INTERVAL", 30*time.Second),
	}

	return cfg
}

// BytesPerSecond is the assumed output bitrate used for pacing and resync offsets.
func (c *Config) BytesPerSecond() int {
	return c.DefaultBitrateKbps * 1000 / 8
}

// Validate reports settings the radio cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if c.DefaultBitrateKbps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_BITRATE_KBPS must be positive, got %d", c.DefaultBitrateKbps))
	}
	if c.FetchCommand == "" || c.TranscodeCommand == "" {
		errs = append(errs, errors.New("FETCH_COMMAND and TRANSCODE_COMMAND must be set"))
	}
	if c.StartupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STARTUP_TIMEOUT must be positive, got %s", c.StartupTimeout))
	}
	if c.MaxBufferBytes < c.BytesPerSecond() {
		errs = append(errs, fmt.Errorf("MAX_BUFFER_BYTES must hold at least one second of audio (%d bytes)", c.BytesPerSecond()))
	}
	if c.ListenerQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("LISTENER_QUEUE_SIZE must be positive, got %d", c.ListenerQueueSize))
	}
	return errors.Join(errs...)
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		log.Printf("config: invalid duration in %s=%s (using default)", key, v)
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
		log.Printf("config: invalid integer in %s=%s (using default)", key, v)
	}
	return def
}
