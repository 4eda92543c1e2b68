package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Storage   StorageConfig   `toml:"storage"`   // Local chunk spool settings
	Session   SessionConfig   `toml:"session"`   // Session resolution settings
	Recording RecordingConfig `toml:"recording"` // Capture and chunking settings
	Upload    UploadConfig    `toml:"upload"`    // Chunk upload settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, recommended for streaming)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	AdditionalPorts    []int    `toml:"additional_ports"`      // Additional HTTP ports to listen on (useful for multiple interfaces)
	StaticFilesDir     string   `toml:"static_files_dir"`      // Directory to serve static files from (e.g., "www")
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains local chunk spool configuration
type StorageConfig struct {
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for SQLite database files (actual filename is generated as recbooth-YYYY-MM-DD.db)
}

// SessionConfig contains settings for resolving session tokens against
// the remote backend
type SessionConfig struct {
	ResolveBaseURL        string `toml:"resolve_base_url"`        // Base URL of the session resolution endpoint
	ResolveTimeoutSecs    int    `toml:"resolve_timeout_seconds"` // Hard timeout for a single resolution attempt (default: 6, must stay within 5-8s so failures are user-visible quickly)
	IdleSessionTimeoutMin int    `toml:"idle_session_timeout_min"` // Minutes of inactivity before a live booth session is evicted (default: 30)
}

// RecordingConfig contains capture and chunking settings
type RecordingConfig struct {
	ChunkSeconds       int      `toml:"chunk_seconds"`        // Fixed chunk duration in seconds (default: 45)
	MaxDurationSeconds int      `toml:"max_duration_seconds"` // Hard ceiling on total recording duration; exceeding it forces a stop
	MaxSizeMB          int      `toml:"max_size_mb"`          // Hard ceiling on total recorded bytes; exceeding it forces a stop
	Formats            []string `toml:"formats"`              // Supported capture container formats (e.g., ["webm", "wav"])

	// FFmpeg capture settings
	FFmpegPath       string `toml:"ffmpeg_path"`        // Path to FFmpeg executable
	CaptureSource    string `toml:"capture_source"`     // Capture device or stream URL handed to ffmpeg -i
	FFmpegSampleRate int    `toml:"ffmpeg_sample_rate"` // Audio sample rate in Hz
	FFmpegChannels   int    `toml:"ffmpeg_channels"`    // Number of audio channels (1 for mono, 2 for stereo)
	FFmpegFormat     string `toml:"ffmpeg_format"`      // Raw audio format emitted by ffmpeg (e.g., "s16le")
}

// UploadConfig contains settings for the chunk upload client
type UploadConfig struct {
	BaseURL               string `toml:"base_url"`                 // Base URL of the chunk upload endpoint
	TimeoutSeconds        int    `toml:"timeout_seconds"`          // HTTP timeout for a single upload request (default: 30)
	MaxRetries            int    `toml:"max_retries"`              // Bounded retry count per chunk before surfacing a fatal upload failure (default: 3)
	RetryInitialBackoffMs int    `toml:"retry_initial_backoff_ms"` // Initial backoff time in milliseconds (default: 500)
	RetryMaxBackoffMs     int    `toml:"retry_max_backoff_ms"`     // Maximum backoff time in milliseconds (default: 8000)
}

// Load loads the configuration from the given path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	// Environment overrides for values that shouldn't live in the file
	config.applyEnvOverrides()

	return &config, nil
}

// applyEnvOverrides overlays backend endpoints from the environment,
// typically populated via a .env file loaded at startup
func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("RECBOOTH_RESOLVE_BASE_URL")); v != "" {
		c.Session.ResolveBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RECBOOTH_UPLOAD_BASE_URL")); v != "" {
		c.Upload.BaseURL = v
	}
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			// File exists, try to load it
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration, applying defaults for optional
// values and failing fast on missing required ones
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	portsSeen := make(map[int]bool)
	portsSeen[c.Server.Port] = true
	for _, p := range c.Server.AdditionalPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid additional server port: %d", p)
		}
		if portsSeen[p] {
			return fmt.Errorf("duplicate port configured: %d (primary or additional)", p)
		}
		portsSeen[p] = true
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}

	// Validate logging config
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate storage config
	if c.Storage.SQLiteBasePath == "" {
		c.Storage.SQLiteBasePath = "data"
	}

	if err := c.ValidateSession(); err != nil {
		return err
	}
	if err := c.ValidateRecording(); err != nil {
		return err
	}
	return c.ValidateUpload()
}

// ValidateSession validates the session resolution configuration
func (c *Config) ValidateSession() error {
	if c.Session.ResolveBaseURL == "" {
		return fmt.Errorf("session resolve_base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Session.ResolveBaseURL); err != nil {
		return fmt.Errorf("invalid session resolve_base_url: %w", err)
	}
	if c.Session.ResolveTimeoutSecs == 0 {
		c.Session.ResolveTimeoutSecs = 6
	}
	// Resolution failures must surface to the user within 5-8 seconds
	if c.Session.ResolveTimeoutSecs < 1 || c.Session.ResolveTimeoutSecs > 8 {
		return fmt.Errorf("session resolve_timeout_seconds must be between 1 and 8: %d", c.Session.ResolveTimeoutSecs)
	}
	if c.Session.IdleSessionTimeoutMin == 0 {
		c.Session.IdleSessionTimeoutMin = 30
	}
	if c.Session.IdleSessionTimeoutMin < 0 {
		return fmt.Errorf("session idle_session_timeout_min must be non-negative: %d", c.Session.IdleSessionTimeoutMin)
	}
	return nil
}

// ValidateRecording validates the capture and chunking configuration
func (c *Config) ValidateRecording() error {
	if c.Recording.ChunkSeconds == 0 {
		c.Recording.ChunkSeconds = 45
	}
	if c.Recording.ChunkSeconds < 1 {
		return fmt.Errorf("recording chunk_seconds must be positive: %d", c.Recording.ChunkSeconds)
	}
	if c.Recording.MaxDurationSeconds <= 0 {
		return fmt.Errorf("recording max_duration_seconds is required and must be positive: %d", c.Recording.MaxDurationSeconds)
	}
	if c.Recording.MaxDurationSeconds < c.Recording.ChunkSeconds {
		return fmt.Errorf("recording max_duration_seconds (%d) must be at least chunk_seconds (%d)",
			c.Recording.MaxDurationSeconds, c.Recording.ChunkSeconds)
	}
	if c.Recording.MaxSizeMB <= 0 {
		return fmt.Errorf("recording max_size_mb is required and must be positive: %d", c.Recording.MaxSizeMB)
	}
	if len(c.Recording.Formats) == 0 {
		return fmt.Errorf("recording formats is required (e.g., [\"webm\", \"wav\"])")
	}
	for i, f := range c.Recording.Formats {
		switch f {
		case "webm", "wav", "ogg", "mp4":
		default:
			return fmt.Errorf("recording formats #%d: unsupported format %q", i+1, f)
		}
	}
	if c.Recording.FFmpegPath == "" {
		c.Recording.FFmpegPath = "ffmpeg"
	}
	if c.Recording.CaptureSource == "" {
		return fmt.Errorf("recording capture_source is required")
	}
	if c.Recording.FFmpegSampleRate == 0 {
		c.Recording.FFmpegSampleRate = 24000
	}
	if c.Recording.FFmpegChannels == 0 {
		c.Recording.FFmpegChannels = 1
	}
	if c.Recording.FFmpegFormat == "" {
		c.Recording.FFmpegFormat = "s16le"
	}
	return nil
}

// ValidateUpload validates the chunk upload configuration
func (c *Config) ValidateUpload() error {
	if c.Upload.BaseURL == "" {
		return fmt.Errorf("upload base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Upload.BaseURL); err != nil {
		return fmt.Errorf("invalid upload base_url: %w", err)
	}
	if c.Upload.TimeoutSeconds == 0 {
		c.Upload.TimeoutSeconds = 30
	}
	if c.Upload.TimeoutSeconds < 0 {
		return fmt.Errorf("upload timeout_seconds must be non-negative: %d", c.Upload.TimeoutSeconds)
	}
	if c.Upload.MaxRetries == 0 {
		c.Upload.MaxRetries = 3
	}
	if c.Upload.MaxRetries < 0 {
		return fmt.Errorf("upload max_retries must be non-negative: %d", c.Upload.MaxRetries)
	}
	if c.Upload.RetryInitialBackoffMs == 0 {
		c.Upload.RetryInitialBackoffMs = 500
	}
	if c.Upload.RetryMaxBackoffMs == 0 {
		c.Upload.RetryMaxBackoffMs = 8000
	}
	if c.Upload.RetryMaxBackoffMs < c.Upload.RetryInitialBackoffMs {
		return fmt.Errorf("upload retry_max_backoff_ms (%d) must be >= retry_initial_backoff_ms (%d)",
			c.Upload.RetryMaxBackoffMs, c.Upload.RetryInitialBackoffMs)
	}
	return nil
}
