// Package config loads ihacdn settings from a YAML file, applies IHACDN_*
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAdminPassword is shipped in new configs. While it is unchanged, admin
// uploads are disabled.
const DefaultAdminPassword = "PLEASE_CHANGE_THIS"

const (
	defaultHostname       = "127.0.0.1"
	defaultPort           = 6969
	defaultUploadPath     = "./"
	defaultFilenameLength = 8
	defaultRedis          = "redis://127.0.0.1:6379"
	defaultKeyPrefix      = "ihacdn"
	defaultMinAgeDays     = 30
	defaultMaxAgeDays     = 180
	defaultSchedule       = "@daily"
	defaultPublicLimitKiB = 512 * 1024
	defaultQueueWorkers   = 4
	defaultPlausibleURL   = "https://plausible.io"

	publicDir = "uploads"
	adminDir  = "uploads_admin"
)

// Notifier configures the Discord webhook sink.
type Notifier struct {
	Enable         bool   `yaml:"enable"`
	DiscordWebhook string `yaml:"discord_webhook,omitempty"`
}

// Plausible configures the analytics sink.
type Plausible struct {
	Enable      bool   `yaml:"enable"`
	Domain      string `yaml:"domain,omitempty"`
	EndpointURL string `yaml:"endpoint_url,omitempty"`
}

// Retention configures the purge sweep. Ages are in days.
type Retention struct {
	Enable   bool   `yaml:"enable"`
	MinAge   int64  `yaml:"min_age"`
	MaxAge   int64  `yaml:"max_age"`
	Schedule string `yaml:"schedule"`
}

// Storage holds per-audience size limits in KiB. A nil limit means unlimited.
type Storage struct {
	FilesizeLimit      *int64 `yaml:"filesize_limit"`
	AdminFilesizeLimit *int64 `yaml:"admin_filesize_limit"`
}

// Blocklist names extensions and content types that uploads may not carry.
type Blocklist struct {
	Extensions   []string `yaml:"extension"`
	ContentTypes []string `yaml:"content_type"`
}

// Queue switches notification delivery and the purge schedule onto asynq.
type Queue struct {
	Enable  bool `yaml:"enable"`
	Workers int  `yaml:"workers"`
}

// Config is the full runtime configuration.
type Config struct {
	Hostname       string    `yaml:"hostname"`
	Host           string    `yaml:"host"`
	Port           int       `yaml:"port"`
	HTTPSMode      bool      `yaml:"https_mode"`
	UploadPath     string    `yaml:"upload_path"`
	AdminPassword  string    `yaml:"admin_password"`
	FilenameLength int       `yaml:"filename_length"`
	Redis          string    `yaml:"redis"`
	KeyPrefix      string    `yaml:"key_prefix"`
	LogLevel       string    `yaml:"log_level"`
	LogFormat      string    `yaml:"log_format"`
	Notifier       Notifier  `yaml:"notifier"`
	Retention      Retention `yaml:"file_retention"`
	Storage        Storage   `yaml:"storage"`
	Blocklist      Blocklist `yaml:"blocklist"`
	Plausible      Plausible `yaml:"plausible"`
	Queue          Queue     `yaml:"queue"`
}

// Default returns the configuration written by "ihacdn config init".
func Default() *Config {
	limit := int64(defaultPublicLimitKiB)
	return &Config{
		Hostname:       defaultHostname,
		Host:           defaultHostname,
		Port:           defaultPort,
		UploadPath:     defaultUploadPath,
		AdminPassword:  DefaultAdminPassword,
		FilenameLength: defaultFilenameLength,
		Redis:          defaultRedis,
		KeyPrefix:      defaultKeyPrefix,
		LogLevel:       "info",
		LogFormat:      "json",
		Retention: Retention{
			MinAge:   defaultMinAgeDays,
			MaxAge:   defaultMaxAgeDays,
			Schedule: defaultSchedule,
		},
		Storage: Storage{FilesizeLimit: &limit},
		Blocklist: Blocklist{
			Extensions: []string{"exe", "sh", "msi", "bat", "dll", "com"},
			ContentTypes: []string{
				"text/x-sh",
				"text/x-shellscript",
				"text/x-msdos-batch",
				"application/x-dosexec",
				"application/x-msdownload",
				"application/vnd.microsoft.portable-executable",
				"application/x-msi",
				"application/x-msdos-program",
				"application/x-sh",
			},
		},
		Queue: Queue{Workers: defaultQueueWorkers},
	}
}

// Load reads path when it exists, falling back to defaults otherwise, then
// applies environment overrides. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Hostname = readEnv("IHACDN_HOSTNAME", c.Hostname)
	c.Host = readEnv("IHACDN_HOST", c.Host)
	c.Port = parseInt("IHACDN_PORT", c.Port)
	c.HTTPSMode = parseBool("IHACDN_HTTPS_MODE", c.HTTPSMode)
	c.UploadPath = readEnv("IHACDN_UPLOAD_PATH", c.UploadPath)
	c.AdminPassword = readEnv("IHACDN_ADMIN_PASSWORD", c.AdminPassword)
	c.FilenameLength = parseInt("IHACDN_FILENAME_LENGTH", c.FilenameLength)
	c.Redis = readEnv("IHACDN_REDIS", c.Redis)
	c.KeyPrefix = readEnv("IHACDN_KEY_PREFIX", c.KeyPrefix)
	c.LogLevel = readEnv("IHACDN_LOG_LEVEL", c.LogLevel)
	c.LogFormat = readEnv("IHACDN_LOG_FORMAT", c.LogFormat)
	if v := readEnv("IHACDN_DISCORD_WEBHOOK", ""); v != "" {
		c.Notifier.Enable = true
		c.Notifier.DiscordWebhook = v
	}
	c.Retention.Enable = parseBool("IHACDN_RETENTION", c.Retention.Enable)
	c.Retention.Schedule = readEnv("IHACDN_RETENTION_SCHEDULE", c.Retention.Schedule)
	c.Blocklist.Extensions = parseList("IHACDN_BLOCK_EXTENSIONS", c.Blocklist.Extensions)
	c.Blocklist.ContentTypes = parseList("IHACDN_BLOCK_CONTENT_TYPES", c.Blocklist.ContentTypes)
	c.Queue.Enable = parseBool("IHACDN_QUEUE", c.Queue.Enable)
	c.Queue.Workers = parseInt("IHACDN_QUEUE_WORKERS", c.Queue.Workers)
}

// Validate reports the first problem that would stop the server from starting.
func (c *Config) Validate() error {
	switch {
	case c.Hostname == "":
		return errors.New("hostname is empty")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.UploadPath == "":
		return errors.New("upload_path is empty")
	case c.AdminPassword == "":
		return errors.New("admin_password is empty")
	case c.FilenameLength < 5:
		return errors.New("filename_length must be at least 5")
	case c.Plausible.Enable && c.Plausible.Domain == "":
		return errors.New("plausible is enabled but no domain is set")
	case c.Notifier.Enable && c.Notifier.DiscordWebhook == "":
		return errors.New("notifier is enabled but no discord_webhook is set")
	case c.Retention.MinAge < 0 || c.Retention.MaxAge < c.Retention.MinAge:
		return fmt.Errorf("file_retention ages invalid: min %d, max %d", c.Retention.MinAge, c.Retention.MaxAge)
	}
	info, err := os.Stat(c.UploadPath)
	if err != nil {
		return fmt.Errorf("upload_path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("upload_path %s is not a directory", c.UploadPath)
	}
	return nil
}

// EnsureDirs creates the public and admin upload directories.
func (c *Config) EnsureDirs() error {
	for _, admin := range []bool{false, true} {
		if err := os.MkdirAll(c.UploadDir(admin), 0o750); err != nil {
			return fmt.Errorf("create upload dir: %w", err)
		}
	}
	return nil
}

// UploadDir is the directory holding files for the given audience.
func (c *Config) UploadDir(isAdmin bool) string {
	root, err := filepath.Abs(c.UploadPath)
	if err != nil {
		root = c.UploadPath
	}
	if isAdmin {
		return filepath.Join(root, adminDir)
	}
	return filepath.Join(root, publicDir)
}

// Limit returns the size limit in bytes for the audience, nil when unlimited.
func (c *Config) Limit(isAdmin bool) *int64 {
	kib := c.Storage.FilesizeLimit
	if isAdmin {
		kib = c.Storage.AdminFilesizeLimit
	}
	if kib == nil {
		return nil
	}
	bytes := *kib * 1024
	return &bytes
}

// ExtensionBlocked reports whether ext (without the dot) is on the blocklist.
func (c *Config) ExtensionBlocked(ext string) bool {
	return contains(c.Blocklist.Extensions, ext)
}

// ContentTypeBlocked reports whether a MIME essence is on the blocklist.
func (c *Config) ContentTypeBlocked(contentType string) bool {
	return contains(c.Blocklist.ContentTypes, contentType)
}

// AdminEnabled is false while the admin password is empty or still the default.
func (c *Config) AdminEnabled() bool {
	return c.AdminPassword != "" && c.AdminPassword != DefaultAdminPassword
}

// MakeURL builds the public URL for name, e.g. "abcdefgh.png".
func (c *Config) MakeURL(name string) string {
	scheme := "http"
	if c.HTTPSMode {
		scheme = "https"
	}
	return scheme + "://" + c.Hostname + "/" + name
}

// Address is the listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PlausibleEndpoint is the analytics event URL.
func (c *Config) PlausibleEndpoint() string {
	base := strings.TrimRight(c.Plausible.EndpointURL, "/")
	if base == "" {
		base = defaultPlausibleURL
	}
	return base + "/api/event"
}

// Prefix is the metadata key namespace.
func (c *Config) Prefix() string {
	if c.KeyPrefix == "" {
		return defaultKeyPrefix
	}
	return c.KeyPrefix
}

func contains(list []string, v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, item := range list {
		if strings.ToLower(item) == v {
			return true
		}
	}
	return false
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	out := strings.Split(v, ",")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}
