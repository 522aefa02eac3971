// Package config loads and validates the central server's JSON
// configuration file and watches it for hot-reloadable changes.
//
// On disk, interval and timeout fields are plain numbers of seconds
// (matching the reference implementation's JSON shape); internally they
// are decoded into time.Duration via a mapstructure hook in the manner
// of consul's duration fixups, so the rest of the server never deals in
// raw float seconds.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
)

// Config is the central server's full tunable set, per the external
// interface's config field list.
type Config struct {
	Host                      string        `mapstructure:"host" json:"host"`
	Port                      int           `mapstructure:"port" json:"port"`
	PingInterval              time.Duration `mapstructure:"ping_interval_sec" json:"ping_interval_sec"`
	PingTimeout               time.Duration `mapstructure:"ping_timeout_sec" json:"ping_timeout_sec"`
	PingStagger               time.Duration `mapstructure:"ping_stagger_sec" json:"ping_stagger_sec"`
	MaxConcurrentPings        int           `mapstructure:"max_concurrent_pings" json:"max_concurrent_pings"`
	ClientOfflineThreshold    time.Duration `mapstructure:"client_offline_threshold_sec" json:"client_offline_threshold_sec"`
	SaveInterval              time.Duration `mapstructure:"save_interval_sec" json:"save_interval_sec"`
	DataFile                  string        `mapstructure:"data_file" json:"data_file"`
	LogLevel                  string        `mapstructure:"log_level" json:"log_level"`
	LogFile                   string        `mapstructure:"log_file" json:"log_file"`
	APIKey                    string        `mapstructure:"api_key" json:"api_key"`
	EnableAPIAuth             bool          `mapstructure:"enable_api_auth" json:"enable_api_auth"`
}

// ReloadableFields is the hot-reload whitelist: only these names may be
// overwritten by a running server without a restart. Anything else
// (notably data_file and host/port) requires a process restart, so a
// typo in the config file can never silently move the data file out
// from under an open writer.
var ReloadableFields = map[string]bool{
	"ping_interval_sec":            true,
	"ping_timeout_sec":             true,
	"ping_stagger_sec":             true,
	"max_concurrent_pings":         true,
	"client_offline_threshold_sec": true,
	"save_interval_sec":            true,
	"log_level":                    true,
	"api_key":                      true,
	"enable_api_auth":              true,
}

// Default returns the built-in defaults, written out on first run.
func Default() *Config {
	return &Config{
		Host:                   "0.0.0.0",
		Port:                   8787,
		PingInterval:           15 * time.Second,
		PingTimeout:            3 * time.Second,
		PingStagger:            1 * time.Second,
		MaxConcurrentPings:     10,
		ClientOfflineThreshold: 5 * time.Minute,
		SaveInterval:           30 * time.Second,
		DataFile:               defaultDataFile(),
		LogLevel:               "INFO",
	}
}

func defaultDataFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".fleetwatch", "clients.json")
}

// DefaultPath returns the default server config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".fleetwatch", "server.json")
}

// secondsToDurationHook converts a bare JSON number (seconds) into a
// time.Duration field, the Go-native replacement for consul's
// string-duration FixupDurations pass.
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

// Decode parses raw JSON config data into a Config, applying the
// seconds-to-duration hook.
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

// Load reads and decodes the config file at path. If the file does not
// exist, it writes out the defaults (self-healing default-write,
// matching the reference server's first-run behavior) and returns them.
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

// Save writes cfg to path as indented JSON, creating parent directories
// as needed.
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

// secondsView is the on-disk shape: durations expressed as plain
// float-seconds the way the reference server writes them.
type secondsView struct {
	Host                   string  `json:"host"`
	Port                   int     `json:"port"`
	PingIntervalSec        float64 `json:"ping_interval_sec"`
	PingTimeoutSec         float64 `json:"ping_timeout_sec"`
	PingStaggerSec         float64 `json:"ping_stagger_sec"`
	MaxConcurrentPings     int     `json:"max_concurrent_pings"`
	ClientOfflineThreshold float64 `json:"client_offline_threshold_sec"`
	SaveIntervalSec        float64 `json:"save_interval_sec"`
	DataFile               string  `json:"data_file"`
	LogLevel               string  `json:"log_level"`
	LogFile                string  `json:"log_file,omitempty"`
	APIKey                 string  `json:"api_key,omitempty"`
	EnableAPIAuth          bool    `json:"enable_api_auth"`
}

func (c *Config) toSeconds() secondsView {
	return secondsView{
		Host:                   c.Host,
		Port:                   c.Port,
		PingIntervalSec:        c.PingInterval.Seconds(),
		PingTimeoutSec:         c.PingTimeout.Seconds(),
		PingStaggerSec:         c.PingStagger.Seconds(),
		MaxConcurrentPings:     c.MaxConcurrentPings,
		ClientOfflineThreshold: c.ClientOfflineThreshold.Seconds(),
		SaveIntervalSec:        c.SaveInterval.Seconds(),
		DataFile:               c.DataFile,
		LogLevel:               c.LogLevel,
		LogFile:                c.LogFile,
		APIKey:                 c.APIKey,
		EnableAPIAuth:          c.EnableAPIAuth,
	}
}

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// Validate enforces the hard constraints from the external interface
// section, returning a multierror of every violation found (not just
// the first) so a misconfigured operator sees the whole list at once.
// It also returns a separate slice of non-fatal warnings.
func (c *Config) Validate(configPath string) ([]string, error) {
	var result *multierror.Error
	var warnings []string

	if c.Port < 1 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port must be in [1,65535], got %d", c.Port))
	}
	if c.PingInterval < 5*time.Second {
		result = multierror.Append(result, fmt.Errorf("ping_interval_sec must be >= 5, got %v", c.PingInterval.Seconds()))
	} else if c.PingInterval < 10*time.Second {
		warnings = append(warnings, "ping_interval_sec below 10s is not recommended")
	}
	if c.PingTimeout < time.Second || c.PingTimeout > 30*time.Second {
		result = multierror.Append(result, fmt.Errorf("ping_timeout_sec must be in [1,30], got %v", c.PingTimeout.Seconds()))
	} else if float64(c.PingTimeout) > 0.8*float64(c.PingInterval) {
		warnings = append(warnings, "ping_timeout_sec should not exceed 0.8 * ping_interval_sec")
	}
	if c.PingStagger < 100*time.Millisecond || c.PingStagger > 10*time.Second {
		result = multierror.Append(result, fmt.Errorf("ping_stagger_sec must be in [0.1,10], got %v", c.PingStagger.Seconds()))
	}
	if c.MaxConcurrentPings < 1 || c.MaxConcurrentPings > 100 {
		result = multierror.Append(result, fmt.Errorf("max_concurrent_pings must be in [1,100], got %d", c.MaxConcurrentPings))
	} else if c.MaxConcurrentPings > 4*runtime.NumCPU() {
		warnings = append(warnings, fmt.Sprintf("max_concurrent_pings (%d) is more than 4x NumCPU (%d)", c.MaxConcurrentPings, runtime.NumCPU()))
	}
	if c.SaveInterval < 5*time.Second {
		result = multierror.Append(result, fmt.Errorf("save_interval_sec must be >= 5, got %v", c.SaveInterval.Seconds()))
	}
	if c.ClientOfflineThreshold < 60*time.Second {
		result = multierror.Append(result, fmt.Errorf("client_offline_threshold_sec must be >= 60, got %v", c.ClientOfflineThreshold.Seconds()))
	} else if float64(c.ClientOfflineThreshold) < 3*float64(c.PingInterval) {
		warnings = append(warnings, "client_offline_threshold_sec should be at least 3x ping_interval_sec")
	}
	if !validLogLevels[c.LogLevel] {
		result = multierror.Append(result, fmt.Errorf("log_level must be one of DEBUG/INFO/WARNING/ERROR/CRITICAL, got %q", c.LogLevel))
	}
	if c.EnableAPIAuth && len(c.APIKey) < 16 {
		result = multierror.Append(result, fmt.Errorf("api_key must be at least 16 characters when enable_api_auth is set"))
	}
	if configPath != "" && c.DataFile != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			if absData, err2 := filepath.Abs(c.DataFile); err2 == nil && abs == absData {
				result = multierror.Append(result, fmt.Errorf("data_file must not be the same path as the config file"))
			}
		}
	}

	if result != nil {
		return warnings, result.ErrorOrNil()
	}
	return warnings, nil
}
