package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bookbuddy/pkg/domain"
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultLogLevel  = "warn"
	defaultTimeout   = 30 * time.Second
)

type microphoneConfig struct {
	Binary string `yaml:"binary"`
	Format string `yaml:"format"`
	Device string `yaml:"device"`
}

// cliConfig is the optional YAML file read by every command.
type cliConfig struct {
	ServerURL string `yaml:"serverURL"`
	// OpenLibraryURL, when set, makes lookups go straight to Open Library
	// instead of through the library service.
	OpenLibraryURL string           `yaml:"openLibraryURL,omitempty"`
	IdentityFile   string           `yaml:"identityFile"`
	DefaultProfile string           `yaml:"defaultProfile"`
	LogLevel       string           `yaml:"logLevel"`
	Timeout        string           `yaml:"timeout,omitempty"`
	Microphone     microphoneConfig `yaml:"microphone,omitempty"`
}

func defaultConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return filepath.Join(dir, "bookbuddy")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "bookbuddy")
	}
	return ".bookbuddy"
}

// loadCLIConfig reads path, or the default location when path is empty. A
// missing default file is not an error; a missing explicit one is.
func loadCLIConfig(path string) (cliConfig, string, error) {
	cfg := cliConfig{}
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = filepath.Join(defaultConfigDir(), "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return cfg, path, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if v := strings.TrimSpace(os.Getenv("BOOKBUDDY_SERVER_URL")); v != "" {
		cfg.ServerURL = v
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return cfg, path, err
	}
	return cfg, path, nil
}

func (c *cliConfig) applyDefaults(dir string) {
	if c.ServerURL == "" {
		c.ServerURL = defaultServerURL
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.IdentityFile == "" {
		c.IdentityFile = filepath.Join(dir, "identity.json")
	}
	if c.DefaultProfile == "" {
		c.DefaultProfile = string(domain.DefaultProfile())
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

func (c cliConfig) validate() error {
	if _, err := domain.ParseProfile(c.DefaultProfile); err != nil {
		return fmt.Errorf("config: defaultProfile %q: %w", c.DefaultProfile, err)
	}
	if _, err := c.timeout(); err != nil {
		return err
	}
	return nil
}

func (c cliConfig) timeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.Timeout)
	if raw == "" {
		return defaultTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid timeout %q", c.Timeout)
	}
	return d, nil
}

// save writes the config back, creating the directory as needed.
func (c cliConfig) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
