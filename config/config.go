// Package config loads the YAML configuration shared by sosctl and
// sos-relayd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"xdao.co/sos/compliance"
	"xdao.co/sos/internal/canon"
	"xdao.co/sos/internal/logging"
	"xdao.co/sos/keys"
)

// Config describes one device's account and how it reaches the relay.
// Relative paths are resolved against the directory holding the file.
type Config struct {
	Circle     string         `yaml:"circle"`
	KeyDir     string         `yaml:"key_dir,omitempty"`
	StateDB    string         `yaml:"state_db"`
	ArchiveDir string         `yaml:"archive_dir"`
	Compliance string         `yaml:"compliance"`
	Device     DeviceConfig   `yaml:"device"`
	Relay      RelayConfig    `yaml:"relay"`
	Logger     logging.Config `yaml:"logger"`
}

type DeviceConfig struct {
	// ID names the device key in the key store.
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

type RelayConfig struct {
	// Target is the address sosctl dials.
	Target string `yaml:"target,omitempty"`
	// Listen is the address sos-relayd binds.
	Listen      string        `yaml:"listen,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	MaxMsgBytes int           `yaml:"max_msg_bytes,omitempty"`
}

// Default returns a usable configuration for a single local device.
func Default() *Config {
	return &Config{
		Circle:     "default",
		StateDB:    "sos.db",
		ArchiveDir: "archive",
		Compliance: compliance.Permissive.String(),
		Device:     DeviceConfig{ID: "device"},
		Relay: RelayConfig{
			Target:  "127.0.0.1:7777",
			Listen:  "127.0.0.1:7777",
			Timeout: 5 * time.Second,
		},
		Logger: logging.Config{Environment: "production"},
	}
}

// Load reads path over Default, resolves relative paths and validates the
// result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	conf := Default()
	if err := yaml.Unmarshal(raw, conf); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	conf.resolve(filepath.Dir(path))
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Save writes conf as YAML with mode 0600.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

func (c *Config) resolve(dir string) {
	for _, p := range []*string{&c.KeyDir, &c.StateDB, &c.ArchiveDir, &c.Logger.Path} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	if err := canon.CheckValue(c.Circle); err != nil {
		errs = append(errs, fmt.Errorf("circle: %w", err))
	}
	if _, err := compliance.ParseMode(c.Compliance); err != nil {
		errs = append(errs, err)
	}
	if err := keys.CheckKeyName(c.Device.ID); err != nil {
		errs = append(errs, fmt.Errorf("device.id: %w", err))
	}
	if c.Relay.Timeout < 0 {
		errs = append(errs, errors.New("relay.timeout must not be negative"))
	}
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Mode returns the parsed compliance mode. It assumes Validate passed.
func (c *Config) Mode() compliance.ComplianceMode {
	m, _ := compliance.ParseMode(c.Compliance)
	return m
}
