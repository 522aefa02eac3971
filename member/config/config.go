// Package config loads and validates the agent's JSON configuration
// file, mirroring server/config's decode/validate shape for the agent's
// smaller field set. The agent reads its file once at startup; it has
// no config watcher.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Config is the agent's full tunable set.
type Config struct {
	ServerBase          string        `mapstructure:"server_base" json:"server_base"`
	APIKey              string        `mapstructure:"api_key" json:"api_key"`
	TargetIP            string        `mapstructure:"target_ip" json:"target_ip"`
	PingInterval        time.Duration `mapstructure:"ping_interval_sec" json:"ping_interval_sec"`
	PingTimeout         time.Duration `mapstructure:"ping_timeout_sec" json:"ping_timeout_sec"`
	RestartCooldown     time.Duration `mapstructure:"restart_cooldown_sec" json:"restart_cooldown_sec"`
	AutoHealEnabled     bool          `mapstructure:"auto_heal_enabled" json:"auto_heal_enabled"`
	OverlayServicePaths []string      `mapstructure:"overlay_service_paths" json:"overlay_service_paths"`
	OverlayServiceNames []string      `mapstructure:"overlay_service_names" json:"overlay_service_names"`
	OverlayGUIPaths     []string      `mapstructure:"overlay_gui_paths" json:"overlay_gui_paths"`
	OverlayGUINames     []string      `mapstructure:"overlay_gui_names" json:"overlay_gui_names"`
	LogLevel            string        `mapstructure:"log_level" json:"log_level"`
	LogFile             string        `mapstructure:"log_file" json:"log_file"`
}

// ReloadableFields names the agent fields that are safe to change
// without a restart. No agent code reads it: with no config watcher,
// every change takes effect on the next start.
var ReloadableFields = map[string]bool{
	"ping_interval_sec":    true,
	"ping_timeout_sec":     true,
	"restart_cooldown_sec": true,
	"auto_heal_enabled":    true,
	"api_key":              true,
	"log_level":            true,
}

// Default returns the built-in agent defaults.
func Default() *Config {
	return &Config{
		ServerBase:          "http://127.0.0.1:8787",
		PingInterval:        15 * time.Second,
		PingTimeout:         3 * time.Second,
		RestartCooldown:     30 * time.Second,
		AutoHealEnabled:     true,
		OverlayServiceNames: []string{"zerotier-one_x64", "zerotier-one_x86", "zerotier-one"},
		OverlayServicePaths: defaultServicePaths(),
		OverlayGUINames:     []string{"ZeroTier One", "zerotier_desktop_ui"},
		OverlayGUIPaths:     defaultGUIPaths(),
		LogLevel:            "INFO",
	}
}

func defaultServicePaths() []string {
	return []string{"ProgramData", "/usr/sbin/", "/usr/local/sbin/"}
}

func defaultGUIPaths() []string {
	return []string{"Program Files"}
}

// DefaultPath returns the default agent config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".fleetwatch", "agent.json")
}

func secondsToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Float64, reflect.Float32:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.Int, reflect.Int64, reflect.Int32:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		default:
			return data, nil
		}
	}
}

// Decode parses raw JSON config data into a Config.
func Decode(raw []byte) (*Config, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse config json: %w", err)
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: secondsToDurationHook(),
		Result:     cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(generic); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Load reads and decodes the config file at path, writing defaults on
// first run.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg := Default()
		if werr := Save(path, cfg); werr != nil {
			return nil, fmt.Errorf("write default config: %w", werr)
		}
		return cfg, nil
	}
	return Decode(raw)
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	buf, err := json.MarshalIndent(cfg.toSeconds(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o600)
}

type secondsView struct {
	ServerBase          string   `json:"server_base"`
	APIKey              string   `json:"api_key,omitempty"`
	TargetIP            string   `json:"target_ip"`
	PingIntervalSec     float64  `json:"ping_interval_sec"`
	PingTimeoutSec      float64  `json:"ping_timeout_sec"`
	RestartCooldownSec  float64  `json:"restart_cooldown_sec"`
	AutoHealEnabled     bool     `json:"auto_heal_enabled"`
	OverlayServicePaths []string `json:"overlay_service_paths"`
	OverlayServiceNames []string `json:"overlay_service_names"`
	OverlayGUIPaths     []string `json:"overlay_gui_paths"`
	OverlayGUINames     []string `json:"overlay_gui_names"`
	LogLevel            string   `json:"log_level"`
	LogFile             string   `json:"log_file,omitempty"`
}

func (c *Config) toSeconds() secondsView {
	return secondsView{
		ServerBase:          c.ServerBase,
		APIKey:              c.APIKey,
		TargetIP:            c.TargetIP,
		PingIntervalSec:     c.PingInterval.Seconds(),
		PingTimeoutSec:      c.PingTimeout.Seconds(),
		RestartCooldownSec:  c.RestartCooldown.Seconds(),
		AutoHealEnabled:     c.AutoHealEnabled,
		OverlayServicePaths: c.OverlayServicePaths,
		OverlayServiceNames: c.OverlayServiceNames,
		OverlayGUIPaths:     c.OverlayGUIPaths,
		OverlayGUINames:     c.OverlayGUINames,
		LogLevel:            c.LogLevel,
		LogFile:             c.LogFile,
	}
}

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// Validate enforces the agent's config constraints.
func (c *Config) Validate() error {
	if c.PingInterval < 5*time.Second {
		return fmt.Errorf("ping_interval_sec must be >= 5, got %v", c.PingInterval.Seconds())
	}
	if c.PingTimeout < time.Second || c.PingTimeout > 30*time.Second {
		return fmt.Errorf("ping_timeout_sec must be in [1,30], got %v", c.PingTimeout.Seconds())
	}
	if c.RestartCooldown < time.Second {
		return fmt.Errorf("restart_cooldown_sec must be >= 1, got %v", c.RestartCooldown.Seconds())
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of DEBUG/INFO/WARNING/ERROR/CRITICAL, got %q", c.LogLevel)
	}
	if c.ServerBase == "" {
		return fmt.Errorf("server_base must not be empty")
	}
	return nil
}
