// Package config provides configuration management for clipdeck.
// Values come from built-in defaults, an optional TOML file and CLIPDECK_*
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	// Default values
	DefaultPort           = 8797
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "auto"
	DefaultDataDir        = ".clipdeck"
	DefaultServiceURL     = "http://127.0.0.1:8000"
	DefaultReconnectDelay = time.Second
	DefaultProgressPath   = "/ws"
	DefaultMaxClips       = 1000

	// Environment variable names
	EnvConfigFile        = "CLIPDECK_CONFIG"
	EnvPort              = "CLIPDECK_PORT"
	EnvLogLevel          = "CLIPDECK_LOG_LEVEL"
	EnvLogFormat         = "CLIPDECK_LOG_FORMAT"
	EnvDataDir           = "CLIPDECK_DATA_DIR"
	EnvServiceURL        = "CLIPDECK_SERVICE_URL"
	EnvAPIPrefix         = "CLIPDECK_API_PREFIX"
	EnvProgressURL       = "CLIPDECK_PROGRESS_URL"
	EnvReconnectDelay    = "CLIPDECK_RECONNECT_DELAY"
	EnvHTTPTimeout       = "CLIPDECK_HTTP_TIMEOUT"
	EnvMaxParallelClips  = "CLIPDECK_MAX_PARALLEL_CLIPS"
	EnvMaxClips          = "CLIPDECK_MAX_CLIPS"
	EnvEditorURL         = "CLIPDECK_EDITOR_URL"
	EnvHeadless          = "CLIPDECK_HEADLESS"
	EnvAllowedExtensions = "CLIPDECK_ALLOWED_EXTENSIONS"
	EnvAPIToken          = "CLIPDECK_API_TOKEN"

	// StubServiceURL switches the transport to the in-process demo client.
	StubServiceURL = "stub://"

	// Session database filename, created under SessionDir.
	DBFilename = "clipdeck.db"
)

// DefaultAllowedExtensions mirrors the upload form's accept list.
var DefaultAllowedExtensions = []string{"mp4", "mov", "3gp", "avi"}

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFormat() string
	DataDir() string
	SessionDir() string
	DBPath() string
	ClipsDir() string
	UploadsDir() string
	LockPath() string
	ServiceURL() string
	APIPrefix() string
	ProgressURL() string
	ReconnectDelay() time.Duration
	HTTPTimeout() time.Duration
	MaxParallelClips() int
	MaxClips() int
	EditorURL() string
	Headless() bool
	AllowedExtensions() []string
	APIToken() string
	UseStubService() bool
}

// fileConfig is the on-disk TOML shape. Durations are Go duration strings.
type fileConfig struct {
	Port              int      `toml:"port"`
	LogLevel          string   `toml:"log_level"`
	LogFormat         string   `toml:"log_format"`
	DataDir           string   `toml:"data_dir"`
	ServiceURL        string   `toml:"service_url"`
	APIPrefix         string   `toml:"api_prefix"`
	ProgressURL       string   `toml:"progress_url"`
	ReconnectDelay    string   `toml:"reconnect_delay"`
	HTTPTimeout       string   `toml:"http_timeout"`
	MaxParallelClips  int      `toml:"max_parallel_clips"`
	MaxClips          int      `toml:"max_clips"`
	EditorURL         string   `toml:"editor_url"`
	Headless          bool     `toml:"headless"`
	AllowedExtensions []string `toml:"allowed_extensions"`
	APIToken          string   `toml:"api_token"`
}

// EnvConfig holds the resolved configuration.
type EnvConfig struct {
	port              int
	logLevel          string
	logFormat         string
	dataDir           string
	serviceURL        string
	apiPrefix         string
	progressURL       string
	reconnectDelay    time.Duration
	httpTimeout       time.Duration
	maxParallelClips  int
	maxClips          int
	editorURL         string
	headless          bool
	allowedExtensions []string
	apiToken          string
}

// New creates a new EnvConfig from defaults and environment variables.
// A TOML file named by CLIPDECK_CONFIG is applied before the environment.
func New() (*EnvConfig, error) {
	return Load(os.Getenv(EnvConfigFile))
}

// Load resolves configuration using path as the optional TOML file.
// An empty path skips the file layer.
func Load(path string) (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:              DefaultPort,
		logLevel:          DefaultLogLevel,
		logFormat:         DefaultLogFormat,
		dataDir:           defaultDataDir(),
		serviceURL:        DefaultServiceURL,
		reconnectDelay:    DefaultReconnectDelay,
		maxClips:          DefaultMaxClips,
		allowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
	}

	if path = strings.TrimSpace(path); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads the nearest .env file walking up from the working
// directory. Variables already present in the environment win.
func LoadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func (c *EnvConfig) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Port != 0 {
		c.port = fc.Port
	}
	if fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		c.logFormat = fc.LogFormat
	}
	if fc.DataDir != "" {
		c.dataDir = expandHome(fc.DataDir)
	}
	if fc.ServiceURL != "" {
		c.serviceURL = fc.ServiceURL
	}
	if fc.APIPrefix != "" {
		c.apiPrefix = fc.APIPrefix
	}
	if fc.ProgressURL != "" {
		c.progressURL = fc.ProgressURL
	}
	if fc.ReconnectDelay != "" {
		d, err := time.ParseDuration(fc.ReconnectDelay)
		if err != nil {
			return fmt.Errorf("invalid reconnect_delay in %s: %w", path, err)
		}
		c.reconnectDelay = d
	}
	if fc.HTTPTimeout != "" {
		d, err := time.ParseDuration(fc.HTTPTimeout)
		if err != nil {
			return fmt.Errorf("invalid http_timeout in %s: %w", path, err)
		}
		c.httpTimeout = d
	}
	if fc.MaxParallelClips != 0 {
		c.maxParallelClips = fc.MaxParallelClips
	}
	if fc.MaxClips != 0 {
		c.maxClips = fc.MaxClips
	}
	if fc.EditorURL != "" {
		c.editorURL = fc.EditorURL
	}
	if fc.Headless {
		c.headless = true
	}
	if len(fc.AllowedExtensions) > 0 {
		c.allowedExtensions = normalizeExtensions(fc.AllowedExtensions)
	}
	if fc.APIToken != "" {
		c.apiToken = fc.APIToken
	}
	return nil
}

func (c *EnvConfig) applyEnv() error {
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}
	if lf := os.Getenv(EnvLogFormat); lf != "" {
		c.logFormat = lf
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		c.dataDir = expandHome(dd)
	}
	if su := os.Getenv(EnvServiceURL); su != "" {
		c.serviceURL = su
	}
	if ap, ok := os.LookupEnv(EnvAPIPrefix); ok {
		c.apiPrefix = ap
	}
	if pu := os.Getenv(EnvProgressURL); pu != "" {
		c.progressURL = pu
	}

	if rd := os.Getenv(EnvReconnectDelay); rd != "" {
		d, err := time.ParseDuration(rd)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvReconnectDelay, err)
		}
		c.reconnectDelay = d
	}
	if ht := os.Getenv(EnvHTTPTimeout); ht != "" {
		d, err := time.ParseDuration(ht)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHTTPTimeout, err)
		}
		c.httpTimeout = d
	}
	if mp := os.Getenv(EnvMaxParallelClips); mp != "" {
		n, err := strconv.Atoi(mp)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxParallelClips, err)
		}
		c.maxParallelClips = n
	}
	if mc := os.Getenv(EnvMaxClips); mc != "" {
		n, err := strconv.Atoi(mc)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxClips, err)
		}
		c.maxClips = n
	}

	if eu := os.Getenv(EnvEditorURL); eu != "" {
		c.editorURL = eu
	}
	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		c.headless = headless
	}
	if ext := os.Getenv(EnvAllowedExtensions); ext != "" {
		c.allowedExtensions = normalizeExtensions(strings.Split(ext, ","))
	}
	if tok := os.Getenv(EnvAPIToken); tok != "" {
		c.apiToken = tok
	}
	return nil
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
	}
	if c.reconnectDelay <= 0 {
		return fmt.Errorf("invalid %s: must be positive", EnvReconnectDelay)
	}
	if c.httpTimeout < 0 {
		return fmt.Errorf("invalid %s: must not be negative", EnvHTTPTimeout)
	}
	if c.maxParallelClips < 0 {
		return fmt.Errorf("invalid %s: must not be negative", EnvMaxParallelClips)
	}
	if c.maxClips < 1 {
		return fmt.Errorf("invalid %s: must be positive", EnvMaxClips)
	}
	switch strings.ToLower(c.logFormat) {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("invalid %s: want auto, json or text", EnvLogFormat)
	}

	if c.UseStubService() {
		return nil
	}
	u, err := url.Parse(c.serviceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s: %q is not an http(s) URL", EnvServiceURL, c.serviceURL)
	}
	if c.progressURL != "" {
		pu, err := url.Parse(c.progressURL)
		if err != nil || (pu.Scheme != "ws" && pu.Scheme != "wss") || pu.Host == "" {
			return fmt.Errorf("invalid %s: %q is not a ws(s) URL", EnvProgressURL, c.progressURL)
		}
	}
	return nil
}

// Port returns the local API port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFormat returns auto, json or text
func (c *EnvConfig) LogFormat() string {
	return strings.ToLower(c.logFormat)
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// SessionDir holds everything that must not outlive the process.
func (c *EnvConfig) SessionDir() string {
	return filepath.Join(c.dataDir, "session")
}

// DBPath returns the full path to the session SQLite database
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.SessionDir(), DBFilename)
}

// ClipsDir returns where fetched clip binaries are stored
func (c *EnvConfig) ClipsDir() string {
	return filepath.Join(c.SessionDir(), "clips")
}

// UploadsDir returns where API uploads are spooled before sending
func (c *EnvConfig) UploadsDir() string {
	return filepath.Join(c.SessionDir(), "uploads")
}

// LockPath returns the single-instance lock file
func (c *EnvConfig) LockPath() string {
	return filepath.Join(c.dataDir, "clipdeck.lock")
}

func (c *EnvConfig) ServiceURL() string {
	return strings.TrimRight(c.serviceURL, "/")
}

func (c *EnvConfig) APIPrefix() string {
	p := strings.Trim(strings.TrimSpace(c.apiPrefix), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// ProgressURL returns the configured progress endpoint, or one derived from
// the service URL (http -> ws, https -> wss) at DefaultProgressPath.
func (c *EnvConfig) ProgressURL() string {
	if c.progressURL != "" {
		return c.progressURL
	}
	if c.UseStubService() {
		return ""
	}
	u, err := url.Parse(c.ServiceURL())
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + DefaultProgressPath
	u.RawQuery = ""
	return u.String()
}

func (c *EnvConfig) ReconnectDelay() time.Duration {
	return c.reconnectDelay
}

// HTTPTimeout of zero means no client-side timeout.
func (c *EnvConfig) HTTPTimeout() time.Duration {
	return c.httpTimeout
}

// MaxParallelClips of zero means every clip is fetched at once.
func (c *EnvConfig) MaxParallelClips() int {
	return c.maxParallelClips
}

// MaxClips is the largest clip count accepted from the generate call.
func (c *EnvConfig) MaxClips() int {
	return c.maxClips
}

func (c *EnvConfig) EditorURL() string {
	return strings.TrimRight(c.editorURL, "/")
}

func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) AllowedExtensions() []string {
	return append([]string(nil), c.allowedExtensions...)
}

// APIToken returns the configured bearer token, empty when one should be
// generated for the session.
func (c *EnvConfig) APIToken() string {
	return c.apiToken
}

func (c *EnvConfig) UseStubService() bool {
	return strings.EqualFold(c.serviceURL, StubServiceURL)
}

func normalizeExtensions(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), "."))
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
