// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/jeranaias/rigrun-gateway/internal/util"
)

// FileName is the config file inside ConfigDir.
const FileName = "gateway.toml"

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as a string ("30s", "1h") in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" json:"server"`
	Backends BackendsConfig `toml:"backends" json:"backends"`
	ImageGen ImageGenConfig `toml:"imagegen" json:"imagegen"`
	Search   SearchConfig   `toml:"search" json:"search"`
	Storage  StorageConfig  `toml:"storage" json:"storage"`
	Plugins  PluginsConfig  `toml:"plugins" json:"plugins"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr"`

	// Owner scopes every stored record; the gateway is single-user
	Owner string `toml:"owner" json:"owner"`

	// RateLimit is requests per minute per client IP (0 disables)
	RateLimit int `toml:"rate_limit" json:"rate_limit"`
	RateBurst int `toml:"rate_burst" json:"rate_burst"`

	ReadTimeout Duration `toml:"read_timeout" json:"read_timeout"`

	// WriteTimeout stays 0 so long generations are not cut off
	WriteTimeout Duration `toml:"write_timeout" json:"write_timeout"`
}

// BackendsConfig configures model servers.
type BackendsConfig struct {
	// OllamaURL is the native backend created when none is configured
	OllamaURL    string   `toml:"ollama_url" json:"ollama_url"`
	DefaultModel string   `toml:"default_model" json:"default_model"`
	ChatTimeout  Duration `toml:"chat_timeout" json:"chat_timeout"`
	PullTimeout  Duration `toml:"pull_timeout" json:"pull_timeout"`
	ListTimeout  Duration `toml:"list_timeout" json:"list_timeout"`

	// Secret seals backend API keys at rest; empty stores them as given
	Secret string `toml:"secret" json:"secret"`
}

// ImageGenConfig configures the Stable Diffusion server and artifact store.
type ImageGenConfig struct {
	SDURL string `toml:"sd_url" json:"sd_url"`

	// Store is a directory or an object-store URL (s3://bucket/prefix)
	Store           string   `toml:"store" json:"store"`
	Timeout         Duration `toml:"timeout" json:"timeout"`
	JanitorSchedule string   `toml:"janitor_schedule" json:"janitor_schedule"`
	TempMaxAge      Duration `toml:"temp_max_age" json:"temp_max_age"`
}

// SearchConfig configures web search augmentation.
type SearchConfig struct {
	Endpoint      string   `toml:"endpoint" json:"endpoint"`
	Results       int      `toml:"results" json:"results"`
	ReadPages     int      `toml:"read_pages" json:"read_pages"`
	PageChars     int      `toml:"page_chars" json:"page_chars"`
	SearchTimeout Duration `toml:"search_timeout" json:"search_timeout"`
	FetchTimeout  Duration `toml:"fetch_timeout" json:"fetch_timeout"`
	RatePerSec    float64  `toml:"rate_per_sec" json:"rate_per_sec"`

	// AllowPrivate lets page fetches reach loopback and private networks
	AllowPrivate bool `toml:"allow_private" json:"allow_private"`
}

// StorageConfig configures the database.
type StorageConfig struct {
	Database string `toml:"database" json:"database"`
}

// PluginsConfig configures feature modules.
type PluginsConfig struct {
	Dir   string `toml:"dir" json:"dir"`
	Watch bool   `toml:"watch" json:"watch"`
}

// =============================================================================
// DEFAULT CONFIG
// =============================================================================

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        "127.0.0.1:9090",
			Owner:       "local",
			RateLimit:   120,
			RateBurst:   30,
			ReadTimeout: Duration(30 * time.Second),
		},
		Backends: BackendsConfig{
			OllamaURL:    "http://localhost:11434",
			DefaultModel: "llama3.2",
			ChatTimeout:  Duration(120 * time.Second),
			PullTimeout:  Duration(600 * time.Second),
			ListTimeout:  Duration(5 * time.Second),
		},
		ImageGen: ImageGenConfig{
			SDURL:           "http://localhost:7860",
			Store:           "./data/images",
			Timeout:         Duration(300 * time.Second),
			JanitorSchedule: "@every 30m",
			TempMaxAge:      Duration(time.Hour),
		},
		Search: SearchConfig{
			Endpoint:      "https://html.duckduckgo.com/html/",
			Results:       5,
			ReadPages:     2,
			PageChars:     3000,
			SearchTimeout: Duration(10 * time.Second),
			FetchTimeout:  Duration(8 * time.Second),
			RatePerSec:    2,
		},
		Storage: StorageConfig{
			Database: "./data/gateway.db",
		},
		Plugins: PluginsConfig{
			Dir:   "./apps",
			Watch: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun"), nil
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// ensureSecurePermissions narrows a config file to 0600; it may hold the
// sealing secret.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the config file at path, or the default path when empty, then
// applies environment overrides and validates. A missing file at the default
// path yields the defaults; a missing file named explicitly is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := fillDefaults(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path over cfg. Keys absent from the file keep their
// current values.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	return fillDefaults(cfg)
}

// fillDefaults fills empty values that must never be empty. Zero numbers
// that carry meaning (rate_limit, write_timeout, read_pages) are left alone.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.Owner == "" {
		cfg.Server.Owner = defaults.Server.Owner
	}
	if cfg.Server.RateBurst <= 0 {
		cfg.Server.RateBurst = defaults.Server.RateBurst
	}

	if cfg.Backends.OllamaURL == "" {
		cfg.Backends.OllamaURL = defaults.Backends.OllamaURL
	}
	if cfg.Backends.DefaultModel == "" {
		cfg.Backends.DefaultModel = defaults.Backends.DefaultModel
	}
	if cfg.Backends.ChatTimeout == 0 {
		cfg.Backends.ChatTimeout = defaults.Backends.ChatTimeout
	}
	if cfg.Backends.PullTimeout == 0 {
		cfg.Backends.PullTimeout = defaults.Backends.PullTimeout
	}
	if cfg.Backends.ListTimeout == 0 {
		cfg.Backends.ListTimeout = defaults.Backends.ListTimeout
	}

	if cfg.ImageGen.SDURL == "" {
		cfg.ImageGen.SDURL = defaults.ImageGen.SDURL
	}
	if cfg.ImageGen.Store == "" {
		cfg.ImageGen.Store = defaults.ImageGen.Store
	}
	if cfg.ImageGen.Timeout == 0 {
		cfg.ImageGen.Timeout = defaults.ImageGen.Timeout
	}
	if cfg.ImageGen.JanitorSchedule == "" {
		cfg.ImageGen.JanitorSchedule = defaults.ImageGen.JanitorSchedule
	}
	if cfg.ImageGen.TempMaxAge == 0 {
		cfg.ImageGen.TempMaxAge = defaults.ImageGen.TempMaxAge
	}

	if cfg.Search.Endpoint == "" {
		cfg.Search.Endpoint = defaults.Search.Endpoint
	}
	if cfg.Search.Results == 0 {
		cfg.Search.Results = defaults.Search.Results
	}
	if cfg.Search.PageChars == 0 {
		cfg.Search.PageChars = defaults.Search.PageChars
	}
	if cfg.Search.SearchTimeout == 0 {
		cfg.Search.SearchTimeout = defaults.Search.SearchTimeout
	}
	if cfg.Search.FetchTimeout == 0 {
		cfg.Search.FetchTimeout = defaults.Search.FetchTimeout
	}
	if cfg.Search.RatePerSec == 0 {
		cfg.Search.RatePerSec = defaults.Search.RatePerSec
	}

	if cfg.Storage.Database == "" {
		cfg.Storage.Database = defaults.Storage.Database
	}
	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = defaults.Plugins.Dir
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# rigrun-gateway configuration file\n")
	buf.WriteString("# Durations are strings such as \"30s\" or \"10m\".\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if err := validateListenAddr(c.Server.Addr); err != nil {
		add("server.addr", "invalid listen address '%s': %v", c.Server.Addr, err)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		add("server.timeouts", "must not be negative")
	}

	if err := validateHTTPURL(c.Backends.OllamaURL); err != nil {
		add("backends.ollama_url", "%v", err)
	}
	if err := validateHTTPURL(c.ImageGen.SDURL); err != nil {
		add("imagegen.sd_url", "%v", err)
	}
	if err := validateHTTPURL(c.Search.Endpoint); err != nil {
		add("search.endpoint", "%v", err)
	}

	if _, err := cronParser.Parse(c.ImageGen.JanitorSchedule); err != nil {
		add("imagegen.janitor_schedule", "invalid schedule '%s': %v", c.ImageGen.JanitorSchedule, err)
	}
	if c.ImageGen.TempMaxAge < 0 {
		add("imagegen.temp_max_age", "must not be negative")
	}

	if c.Search.Results < 1 || c.Search.Results > 25 {
		add("search.results", "must be between 1 and 25, got %d", c.Search.Results)
	}
	if c.Search.ReadPages < 0 || c.Search.ReadPages > c.Search.Results {
		add("search.read_pages", "must be between 0 and search.results, got %d", c.Search.ReadPages)
	}
	if c.Search.PageChars < 100 {
		add("search.page_chars", "must be at least 100, got %d", c.Search.PageChars)
	}
	if c.Search.RatePerSec <= 0 {
		add("search.rate_per_sec", "must be positive")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL '%s': %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL '%s' must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL '%s' has no host", raw)
	}
	return nil
}

// validateListenAddr requires host:port with a numeric port; the host may be
// empty to listen on every interface.
func validateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("port %q must be a number between 0 and 65535", port)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variables over file values.
//
// Supported environment variables:
//   - RIGRUN_ADDR: server.addr
//   - RIGRUN_OWNER: server.owner
//   - RIGRUN_OLLAMA_URL (or OLLAMA_HOST): backends.ollama_url
//   - RIGRUN_MODEL: backends.default_model
//   - RIGRUN_SECRET: backends.secret
//   - RIGRUN_SD_URL (or SD_HOST): imagegen.sd_url
//   - RIGRUN_IMAGE_STORE: imagegen.store
//   - RIGRUN_DB: storage.database
//   - RIGRUN_PLUGINS_DIR: plugins.dir
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGRUN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RIGRUN_OWNER"); v != "" {
		c.Server.Owner = v
	}

	if v := firstEnv("RIGRUN_OLLAMA_URL", "OLLAMA_HOST"); v != "" {
		c.Backends.OllamaURL = withScheme(v)
	}
	if v := os.Getenv("RIGRUN_MODEL"); v != "" {
		c.Backends.DefaultModel = v
	}
	if v := os.Getenv("RIGRUN_SECRET"); v != "" {
		c.Backends.Secret = v
	}

	if v := firstEnv("RIGRUN_SD_URL", "SD_HOST"); v != "" {
		c.ImageGen.SDURL = withScheme(v)
	}
	if v := os.Getenv("RIGRUN_IMAGE_STORE"); v != "" {
		c.ImageGen.Store = v
	}

	if v := os.Getenv("RIGRUN_DB"); v != "" {
		c.Storage.Database = v
	}
	if v := os.Getenv("RIGRUN_PLUGINS_DIR"); v != "" {
		c.Plugins.Dir = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// withScheme accepts OLLAMA_HOST style values such as "gpu-box:11434".
func withScheme(v string) string {
	if strings.Contains(v, "://") {
		return v
	}
	return "http://" + v
}

// =============================================================================
// CLONE / STRING
// =============================================================================

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the config as JSON with the sealing secret redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Backends.Secret != "" {
		safe.Backends.Secret = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the process configuration, loading it from the default
// path on first access. Load errors fall back to defaults.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load("")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the process configuration. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
