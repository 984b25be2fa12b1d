package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/roomsync/internal/auth"
	"github.com/alexjbarnes/roomsync/internal/logging"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"maunium.net/go/mautrix/id"
)

// Config holds all environment-based configuration for roomsync.
type Config struct {
	// Service flags. At least one must be true.
	EnableSync bool `env:"ENABLE_SYNC" envDefault:"true"`
	EnableMCP  bool `env:"ENABLE_MCP" envDefault:"false"`

	// Homeserver base URL, e.g. https://matrix.example.org.
	HomeserverURL string `env:"HOMESERVER_URL"`

	// Account to sign in as. Either a password or an access token is
	// needed unless a token from an earlier login is already stored.
	UserID      string `env:"MATRIX_USER_ID"`
	Password    string `env:"MATRIX_PASSWORD"`
	AccessToken string `env:"MATRIX_ACCESS_TOKEN"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Path of the bbolt state file. Defaults to ~/.roomsync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format; LOG_LEVEL overrides the level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings (required when MCP is enabled)
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`

	// Upload and history tuning. Uploads and history fetches run on
	// separate worker pools; uploads beyond UPLOAD_QUEUE_LIMIT waiting
	// for a worker are refused.
	UploadWorkers    int           `env:"UPLOAD_WORKERS" envDefault:"4"`
	UploadQueueLimit int           `env:"UPLOAD_QUEUE_LIMIT" envDefault:"64"`
	UploadDir        string        `env:"UPLOAD_DIR"`
	HistoryWorkers   int           `env:"HISTORY_WORKERS" envDefault:"4"`
	CachePageDelay   time.Duration `env:"CACHE_PAGE_DELAY" envDefault:"300ms"`
	HistoryPageLimit int           `env:"HISTORY_PAGE_LIMIT" envDefault:"30"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"10"`

	// Sync transport. SYNC_STREAM_URL switches from long-polling to a
	// WebSocket stream.
	SyncTimeout   time.Duration `env:"SYNC_TIMEOUT" envDefault:"30s"`
	SyncStreamURL string        `env:"SYNC_STREAM_URL"`
}

const maxHistoryPageLimit = 1000

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "roomsync"
		}

		cfg.DeviceName = hostname
	}

	cfg.HomeserverURL = strings.TrimRight(cfg.HomeserverURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The outbox watcher compares event paths against UploadDir, which
	// only works with an absolute path.
	if cfg.UploadDir != "" {
		absDir, err := filepath.Abs(cfg.UploadDir)
		if err != nil {
			return nil, fmt.Errorf("resolving upload dir to absolute path: %w", err)
		}

		cfg.UploadDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableSync && !c.EnableMCP {
		return fmt.Errorf("at least one of ENABLE_SYNC or ENABLE_MCP must be true")
	}

	if c.HomeserverURL == "" {
		return fmt.Errorf("HOMESERVER_URL is required")
	}

	u, err := url.Parse(c.HomeserverURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("HOMESERVER_URL must be an http or https URL")
	}

	if c.UserID == "" {
		return fmt.Errorf("MATRIX_USER_ID is required")
	}

	if _, _, err := id.UserID(c.UserID).Parse(); err != nil {
		return fmt.Errorf("MATRIX_USER_ID is not a valid user id: %w", err)
	}

	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
		}
	}

	if c.UploadWorkers < 1 {
		return fmt.Errorf("UPLOAD_WORKERS must be at least 1")
	}

	if c.UploadQueueLimit < 1 {
		return fmt.Errorf("UPLOAD_QUEUE_LIMIT must be at least 1")
	}

	if c.HistoryWorkers < 1 {
		return fmt.Errorf("HISTORY_WORKERS must be at least 1")
	}

	if c.HistoryPageLimit < 1 || c.HistoryPageLimit > maxHistoryPageLimit {
		return fmt.Errorf("HISTORY_PAGE_LIMIT must be between 1 and %d", maxHistoryPageLimit)
	}

	if c.CachePageDelay < 0 {
		return fmt.Errorf("CACHE_PAGE_DELAY must not be negative")
	}

	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive")
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	if c.SyncStreamURL != "" {
		u, err := url.Parse(c.SyncStreamURL)
		if err != nil || (u.Scheme != "wss" && u.Scheme != "ws") {
			return fmt.Errorf("SYNC_STREAM_URL must be a ws or wss URL")
		}
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// HasCredentials reports whether a password or access token was given.
func (c *Config) HasCredentials() bool {
	return c.Password != "" || c.AccessToken != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:rs_key1,user2:rs_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
