// Package config provides configuration structures and loading utilities
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a Go duration string ("1.5s").
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler. Bare numbers are seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Backend selects the radio implementation
type Backend string

const (
	BackendSim   Backend = "sim"
	BackendBlueZ Backend = "bluez"
)

// Phy selects the preferred physical layer requested after connecting
type Phy string

const (
	PhyDefault     Phy = "default"
	PhyHighSpeed   Phy = "high_speed"
	PhyLongRange2x Phy = "long_range_2x"
	PhyLongRange4x Phy = "long_range_4x"
)

// ReconnectWindow is the rate/timeout pair used by one reconnect manager
type ReconnectWindow struct {
	Rate    Duration `yaml:"rate" json:"rate"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// BackoffConfig mirrors retry.Config for the long-term schedule
type BackoffConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	InitialDelay Duration `yaml:"initialDelay" json:"initialDelay"`
	MaxDelay     Duration `yaml:"maxDelay" json:"maxDelay"`
	Multiplier   float64  `yaml:"multiplier" json:"multiplier"`
	MaxJitter    Duration `yaml:"maxJitter,omitempty" json:"maxJitter,omitempty"`
}

// ReconnectConfig holds connect-fail and connection-lost policy defaults
type ReconnectConfig struct {
	ShortTerm ReconnectWindow `yaml:"shortTerm" json:"shortTerm"`
	LongTerm  ReconnectWindow `yaml:"longTerm" json:"longTerm"`
	Backoff   BackoffConfig   `yaml:"backoff" json:"backoff"`
	// RetryCount is how many connect failures are retried before giving up
	RetryCount int `yaml:"retryCount" json:"retryCount"`
	// FailCountBeforeAutoConnect is the failure count at which retries switch to auto-connect
	FailCountBeforeAutoConnect int `yaml:"failCountBeforeAutoConnect" json:"failCountBeforeAutoConnect"`
}

// PersistenceConfig controls where last-disconnect records live
type PersistenceConfig struct {
	Path                       string `yaml:"path,omitempty" json:"path,omitempty"`
	ManageLastDisconnectOnDisk bool   `yaml:"manageLastDisconnectOnDisk" json:"manageLastDisconnectOnDisk"`
}

// RadioConfig tunes the native backend
type RadioConfig struct {
	Adapter      string  `yaml:"adapter" json:"adapter"`
	OpsPerSecond float64 `yaml:"opsPerSecond" json:"opsPerSecond"`
	Burst        int     `yaml:"burst" json:"burst"`
}

// EventHubConfig configures the websocket event hub
type EventHubConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// DeviceConfig is the per-device override set. Nil fields inherit from Config.
type DeviceConfig struct {
	AutoGetServices                   *bool     `yaml:"autoGetServices,omitempty" json:"autoGetServices,omitempty"`
	AlwaysBondOnConnect               *bool     `yaml:"alwaysBondOnConnect,omitempty" json:"alwaysBondOnConnect,omitempty"`
	UseGattRefresh                    *bool     `yaml:"useGattRefresh,omitempty" json:"useGattRefresh,omitempty"`
	GattRefreshDelay                  *Duration `yaml:"gattRefreshDelay,omitempty" json:"gattRefreshDelay,omitempty"`
	ServiceDiscoveryDelay             *Duration `yaml:"serviceDiscoveryDelay,omitempty" json:"serviceDiscoveryDelay,omitempty"`
	Phy                               *Phy      `yaml:"phy,omitempty" json:"phy,omitempty"`
	ConnectFailRetryConnectingOverall *bool     `yaml:"connectFailRetryConnectingOverall,omitempty" json:"connectFailRetryConnectingOverall,omitempty"`
	MaxConnectionFailHistorySize      *int      `yaml:"maxConnectionFailHistorySize,omitempty" json:"maxConnectionFailHistorySize,omitempty"`
	DisconnectIsCancellable           *bool     `yaml:"disconnectIsCancellable,omitempty" json:"disconnectIsCancellable,omitempty"`
	UseAutoConnect                    *bool     `yaml:"useAutoConnect,omitempty" json:"useAutoConnect,omitempty"`
	ManageLastDisconnectOnDisk        *bool     `yaml:"manageLastDisconnectOnDisk,omitempty" json:"manageLastDisconnectOnDisk,omitempty"`
}

// Resolved is the fully merged device configuration
type Resolved struct {
	AutoGetServices                   bool
	AlwaysBondOnConnect               bool
	UseGattRefresh                    bool
	GattRefreshDelay                  time.Duration
	ServiceDiscoveryDelay             time.Duration
	Phy                               Phy
	ConnectFailRetryConnectingOverall bool
	MaxConnectionFailHistorySize      int
	DisconnectIsCancellable           bool
	UseAutoConnect                    bool
	ManageLastDisconnectOnDisk        bool
}

// Config represents the top-level configuration file structure
type Config struct {
	UpdateRate Duration `yaml:"updateRate" json:"updateRate"`
	Backend    Backend  `yaml:"backend" json:"backend"`
	LogLevel   string   `yaml:"logLevel" json:"logLevel"`

	DefaultTaskTimeout Duration            `yaml:"defaultTaskTimeout" json:"defaultTaskTimeout"`
	BondTimeout        Duration            `yaml:"bondTimeout" json:"bondTimeout"`
	TaskTimeouts       map[string]Duration `yaml:"taskTimeouts,omitempty" json:"taskTimeouts,omitempty"`

	AutoGetServices                   bool     `yaml:"autoGetServices" json:"autoGetServices"`
	AlwaysBondOnConnect               bool     `yaml:"alwaysBondOnConnect" json:"alwaysBondOnConnect"`
	UseGattRefresh                    bool     `yaml:"useGattRefresh" json:"useGattRefresh"`
	GattRefreshDelay                  Duration `yaml:"gattRefreshDelay" json:"gattRefreshDelay"`
	ServiceDiscoveryDelay             Duration `yaml:"serviceDiscoveryDelay" json:"serviceDiscoveryDelay"`
	Phy                               Phy      `yaml:"phy" json:"phy"`
	ConnectFailRetryConnectingOverall bool     `yaml:"connectFailRetryConnectingOverall" json:"connectFailRetryConnectingOverall"`
	MaxConnectionFailHistorySize      int      `yaml:"maxConnectionFailHistorySize" json:"maxConnectionFailHistorySize"`
	DisconnectIsCancellable           bool     `yaml:"disconnectIsCancellable" json:"disconnectIsCancellable"`
	UseAutoConnect                    bool     `yaml:"useAutoConnect" json:"useAutoConnect"`

	Reconnect   ReconnectConfig         `yaml:"reconnect" json:"reconnect"`
	Persistence PersistenceConfig       `yaml:"persistence" json:"persistence"`
	Radio       RadioConfig             `yaml:"radio" json:"radio"`
	EventHub    EventHubConfig          `yaml:"eventhub" json:"eventhub"`
	Devices     map[string]DeviceConfig `yaml:"devices,omitempty" json:"devices,omitempty"`
}
