package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	blerrors "github.com/davidroman0O/blelink/errors"
	"github.com/davidroman0O/blelink/retry"
	"gopkg.in/yaml.v3"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		UpdateRate:         Duration(10 * time.Millisecond),
		Backend:            BackendSim,
		LogLevel:           "info",
		DefaultTaskTimeout: Duration(12500 * time.Millisecond),
		BondTimeout:        Duration(60 * time.Second),

		AutoGetServices:              true,
		UseGattRefresh:               false,
		GattRefreshDelay:             Duration(500 * time.Millisecond),
		ServiceDiscoveryDelay:        0,
		Phy:                          PhyDefault,
		MaxConnectionFailHistorySize: 25,
		DisconnectIsCancellable:      true,

		ConnectFailRetryConnectingOverall: true,

		Reconnect: ReconnectConfig{
			ShortTerm: ReconnectWindow{Rate: Duration(time.Second), Timeout: Duration(5 * time.Second)},
			LongTerm:  ReconnectWindow{Rate: Duration(3 * time.Second), Timeout: Duration(5 * time.Minute)},
			Backoff: BackoffConfig{
				Enabled:      false,
				InitialDelay: Duration(3 * time.Second),
				MaxDelay:     Duration(time.Minute),
				Multiplier:   2.0,
			},
			RetryCount:                 2,
			FailCountBeforeAutoConnect: 2,
		},
		Persistence: PersistenceConfig{
			ManageLastDisconnectOnDisk: true,
		},
		Radio: RadioConfig{
			Adapter:      "hci0",
			OpsPerSecond: 20,
			Burst:        4,
		},
		EventHub: EventHubConfig{
			Listen: ":8089",
		},
	}
}

// LoadConfigFile reads a YAML or JSON file on top of Default()
func LoadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, blerrors.Wrap(err, blerrors.ErrConfiguration, "failed to read config file")
	}

	cfg := Default()
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, blerrors.Newf(blerrors.ErrConfiguration, "unsupported config file extension: %s", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating the parent directory
func (c *Config) Save(filename string) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return blerrors.Wrap(err, blerrors.ErrConfiguration, "failed to create config directory")
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}

// Validate checks the values that the runtime cannot recover from
func (c *Config) Validate() error {
	if c.UpdateRate <= 0 {
		return blerrors.New(blerrors.ErrInvalidInput, "updateRate must be positive")
	}
	switch c.Backend {
	case BackendSim, BackendBlueZ:
	default:
		return blerrors.Newf(blerrors.ErrInvalidInput, "unknown backend %q", c.Backend)
	}
	if c.DefaultTaskTimeout < 0 || c.BondTimeout < 0 {
		return blerrors.New(blerrors.ErrInvalidInput, "task timeouts cannot be negative")
	}
	if c.MaxConnectionFailHistorySize < 1 {
		return blerrors.New(blerrors.ErrInvalidInput, "maxConnectionFailHistorySize must be at least 1")
	}
	if c.Reconnect.RetryCount < 0 {
		return blerrors.New(blerrors.ErrInvalidInput, "reconnect.retryCount cannot be negative")
	}
	return nil
}

// TaskTimeout returns the timeout for a task kind name, falling back to DefaultTaskTimeout.
// Zero means the task never times out.
func (c *Config) TaskTimeout(kind string) time.Duration {
	if d, ok := c.TaskTimeouts[kind]; ok {
		return d.D()
	}
	if kind == "bond" {
		return c.BondTimeout.D()
	}
	return c.DefaultTaskTimeout.D()
}

// LongTermBackoff converts the backoff block to a retry.Config
func (c *Config) LongTermBackoff() retry.Config {
	b := c.Reconnect.Backoff
	return retry.Config{
		InitialDelay: b.InitialDelay.D(),
		MaxDelay:     b.MaxDelay.D(),
		Multiplier:   b.Multiplier,
		MaxJitter:    b.MaxJitter.D(),
	}
}

// ForDevice merges the per-device overrides for address over the global values
func (c *Config) ForDevice(address string) Resolved {
	r := Resolved{
		AutoGetServices:                   c.AutoGetServices,
		AlwaysBondOnConnect:               c.AlwaysBondOnConnect,
		UseGattRefresh:                    c.UseGattRefresh,
		GattRefreshDelay:                  c.GattRefreshDelay.D(),
		ServiceDiscoveryDelay:             c.ServiceDiscoveryDelay.D(),
		Phy:                               c.Phy,
		ConnectFailRetryConnectingOverall: c.ConnectFailRetryConnectingOverall,
		MaxConnectionFailHistorySize:      c.MaxConnectionFailHistorySize,
		DisconnectIsCancellable:           c.DisconnectIsCancellable,
		UseAutoConnect:                    c.UseAutoConnect,
		ManageLastDisconnectOnDisk:        c.Persistence.ManageLastDisconnectOnDisk,
	}

	d, ok := c.Devices[strings.ToUpper(address)]
	if !ok {
		d, ok = c.Devices[address]
	}
	if !ok {
		return r
	}

	if d.AutoGetServices != nil {
		r.AutoGetServices = *d.AutoGetServices
	}
	if d.AlwaysBondOnConnect != nil {
		r.AlwaysBondOnConnect = *d.AlwaysBondOnConnect
	}
	if d.UseGattRefresh != nil {
		r.UseGattRefresh = *d.UseGattRefresh
	}
	if d.GattRefreshDelay != nil {
		r.GattRefreshDelay = d.GattRefreshDelay.D()
	}
	if d.ServiceDiscoveryDelay != nil {
		r.ServiceDiscoveryDelay = d.ServiceDiscoveryDelay.D()
	}
	if d.Phy != nil {
		r.Phy = *d.Phy
	}
	if d.ConnectFailRetryConnectingOverall != nil {
		r.ConnectFailRetryConnectingOverall = *d.ConnectFailRetryConnectingOverall
	}
	if d.MaxConnectionFailHistorySize != nil {
		r.MaxConnectionFailHistorySize = *d.MaxConnectionFailHistorySize
	}
	if d.DisconnectIsCancellable != nil {
		r.DisconnectIsCancellable = *d.DisconnectIsCancellable
	}
	if d.UseAutoConnect != nil {
		r.UseAutoConnect = *d.UseAutoConnect
	}
	if d.ManageLastDisconnectOnDisk != nil {
		r.ManageLastDisconnectOnDisk = *d.ManageLastDisconnectOnDisk
	}
	return r
}
