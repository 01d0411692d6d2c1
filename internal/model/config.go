package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Version  int      `yaml:"version"` // fixed 0 for now
	Verbose  bool     `yaml:"verbose"`
	Watch    Watch    `yaml:"watch"`
	Download Download `yaml:"download"`
	Fetch    Fetch    `yaml:"fetch"`
	Update   Update   `yaml:"update"`
}

// Watch configures the job queue directory and the poll loop.
type Watch struct {
	Dir          string   `yaml:"dir"`
	Each         Duration `yaml:"each"`
	CompletedTTL Duration `yaml:"completed_ttl"`
	FailedTTL    Duration `yaml:"failed_ttl"`
}

// Download configures artifact placement and decryption.
type Download struct {
	Dir        string `yaml:"dir"`
	PrivateKey string `yaml:"private_key,omitempty"` // PEM file, empty disables decryption
}

// Fetch configures the HTTP client timeouts. Connect covers dial and
// TLS handshake, transfer bounds the whole request.
type Fetch struct {
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	TransferTimeout Duration `yaml:"transfer_timeout"`
}

// Update configures the self-update check. Cron takes precedence over
// Each when both are set.
type Update struct {
	Enabled     bool     `yaml:"enabled"`
	Cron        string   `yaml:"cron,omitempty"`
	Each        Duration `yaml:"each"`
	VersionURL  URL      `yaml:"version_url"`
	ArtifactURL URL      `yaml:"artifact_url"`
	InstallPath string   `yaml:"install_path"`
}

// Interval resolves how often the update check should run.
func (u Update) Interval() (time.Duration, error) {
	if u.Cron != "" {
		return ParseCron(u.Cron)
	}
	if u.Each <= 0 {
		return 0, errors.New("update interval is not set")
	}
	return u.Each.AsDuration(), nil
}

func DefaultConfig() Config {
	return Config{
		Version: 0,
		Watch: Watch{
			Dir:          "/var/lib/agentd/jobs",
			Each:         Duration(5 * time.Second),
			CompletedTTL: Duration(24 * time.Hour),
			FailedTTL:    Duration(7 * 24 * time.Hour),
		},
		Download: Download{
			Dir: "/var/lib/agentd/downloads",
		},
		Fetch: Fetch{
			ConnectTimeout:  Duration(30 * time.Second),
			TransferTimeout: Duration(30 * time.Minute),
		},
		Update: Update{
			Enabled:     false,
			Each:        Duration(time.Hour),
			InstallPath: "/usr/local/bin/agentd",
		},
	}
}

// LoadConfig decodes and validates YAML configuration from r.
func LoadConfig(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.Version != 0 {
		return fmt.Errorf("config version %d is not supported, expected 0", c.Version)
	}
	if c.Watch.Dir == "" {
		return errors.New("watch.dir is required")
	}
	if c.Watch.Each <= 0 {
		return errors.New("watch.each must be positive")
	}
	if c.Watch.CompletedTTL <= 0 || c.Watch.FailedTTL <= 0 {
		return errors.New("watch retention windows must be positive")
	}
	if c.Download.Dir == "" {
		return errors.New("download.dir is required")
	}
	if c.Fetch.ConnectTimeout <= 0 || c.Fetch.TransferTimeout <= 0 {
		return errors.New("fetch timeouts must be positive")
	}
	if c.Update.Enabled {
		if c.Update.VersionURL.IsZero() {
			return errors.New("update.version_url is required when update is enabled")
		}
		if c.Update.ArtifactURL.IsZero() {
			return errors.New("update.artifact_url is required when update is enabled")
		}
		if c.Update.InstallPath == "" {
			return errors.New("update.install_path is required when update is enabled")
		}
		if _, err := c.Update.Interval(); err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
	}
	return nil
}
