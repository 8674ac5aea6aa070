package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDescriptor = "./joule.json"
	defaultModels     = "./models.json"

	defaultMeterInterval = 2 * time.Second

	defaultVirtualAddr         = "127.0.0.1"
	defaultVirtualPort         = 5555
	defaultVirtualHandler      = "table"
	defaultVirtualFileDir      = "/tmp"
	defaultVirtualHeaderOffset = 14 + 20 + 8
	defaultVirtualXMin         = 0.06

	defaultDevicePath = "/dev/ttyACM0"
	defaultDeviceBaud = 115200

	defaultProfile      = "11g"
	defaultSettle       = 5 * time.Second
	defaultResetRetries = 3
	defaultResetBackoff = 2 * time.Second

	defaultControlTimeout = 5 * time.Second
	defaultControlBanner  = "Click::ControlSocket/1.3"

	defaultStatusAddr = "127.0.0.1"
	defaultStatusPort = 8090

	defaultPublishTopic  = "joule/stints"
	defaultPublishClient = "joule"

	MeterVirtual = "virtual"
	MeterDevice  = "device"
	MeterDual    = "dual"

	FetchRead = "read"
	FetchFile = "file"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Descriptor string         `yaml:"descriptor"`
	Models     string         `yaml:"models"`
	Meter      MeterConfig    `yaml:"meter"`
	Virtual    VirtualConfig  `yaml:"virtual"`
	Device     DeviceConfig   `yaml:"device"`
	Schedule   ScheduleConfig `yaml:"schedule"`
	Control    ControlConfig  `yaml:"control"`
	Status     StatusConfig   `yaml:"status"`
	Results    ResultsConfig  `yaml:"results"`
	Publish    PublishConfig  `yaml:"publish"`
}

type MeterConfig struct {
	Mode     string   `yaml:"mode"`
	Interval Duration `yaml:"interval"`
}

// VirtualConfig locates the Click instance exposing the packet-size
// histograms consumed by the virtual meter.
type VirtualConfig struct {
	Addr         string  `yaml:"addr"`
	Port         int     `yaml:"port"`
	Handler      string  `yaml:"handler"`
	Fetch        string  `yaml:"fetch"`
	FileDir      string  `yaml:"file_dir"`
	HeaderOffset *int    `yaml:"header_offset"`
	XMin         float64 `yaml:"x_min"`
}

type DeviceConfig struct {
	Path string `yaml:"path"`
	// Baud configures the serial line; 0 leaves it as the system set it.
	Baud *int `yaml:"baud"`
}

type ScheduleConfig struct {
	Profile      string    `yaml:"profile"`
	Settle       *Duration `yaml:"settle"`
	IdleSettle   *Duration `yaml:"idle_settle"`
	ResetRetries *int      `yaml:"reset_retries"`
	ResetBackoff Duration  `yaml:"reset_backoff"`
	Preflight    *bool     `yaml:"preflight"`
}

type ControlConfig struct {
	Timeout Duration `yaml:"timeout"`
	Banner  string   `yaml:"banner"`
}

type StatusConfig struct {
	Enabled   bool                `yaml:"enabled"`
	BindAddr  string              `yaml:"bind_addr"`
	BindPort  int                 `yaml:"bind_port"`
	AuthToken string              `yaml:"auth_token"`
	Metrics   StatusMetricsConfig `yaml:"metrics"`
}

type StatusMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (m StatusMetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type ResultsConfig struct {
	Path string `yaml:"path"`
}

type PublishConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a configuration populated with defaults only, for runs
// driven entirely by command-line flags.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	return cfg
}

// Finalize applies defaults and validates a configuration assembled in code.
func (c *Config) Finalize() error {
	c.setDefaults()
	return c.validate()
}

func (c *Config) setDefaults() {
	if c.Descriptor == "" {
		c.Descriptor = defaultDescriptor
	}
	if c.Meter.Mode == "" {
		if c.Models != "" {
			c.Meter.Mode = MeterVirtual
		} else {
			c.Meter.Mode = MeterDevice
		}
	}
	if c.Models == "" && c.Meter.Mode != MeterDevice {
		c.Models = defaultModels
	}
	c.Meter.Mode = strings.ToLower(strings.TrimSpace(c.Meter.Mode))
	if c.Meter.Interval == 0 {
		c.Meter.Interval = Duration(defaultMeterInterval)
	}

	if c.Virtual.Addr == "" {
		c.Virtual.Addr = defaultVirtualAddr
	}
	if c.Virtual.Port == 0 {
		c.Virtual.Port = defaultVirtualPort
	}
	if c.Virtual.Handler == "" {
		c.Virtual.Handler = defaultVirtualHandler
	}
	if c.Virtual.Fetch == "" {
		c.Virtual.Fetch = FetchRead
	}
	if c.Virtual.FileDir == "" {
		c.Virtual.FileDir = defaultVirtualFileDir
	}
	if c.Virtual.HeaderOffset == nil {
		offset := defaultVirtualHeaderOffset
		c.Virtual.HeaderOffset = &offset
	}
	if c.Virtual.XMin == 0 {
		c.Virtual.XMin = defaultVirtualXMin
	}

	if c.Device.Path == "" {
		c.Device.Path = defaultDevicePath
	}
	if c.Device.Baud == nil {
		baud := defaultDeviceBaud
		c.Device.Baud = &baud
	}

	if c.Schedule.Profile == "" {
		c.Schedule.Profile = defaultProfile
	}
	if c.Schedule.Settle == nil {
		settle := Duration(defaultSettle)
		c.Schedule.Settle = &settle
	}
	if c.Schedule.IdleSettle == nil {
		idle := *c.Schedule.Settle
		c.Schedule.IdleSettle = &idle
	}
	if c.Schedule.ResetRetries == nil {
		retries := defaultResetRetries
		c.Schedule.ResetRetries = &retries
	}
	if c.Schedule.ResetBackoff == 0 {
		c.Schedule.ResetBackoff = Duration(defaultResetBackoff)
	}

	if c.Control.Timeout == 0 {
		c.Control.Timeout = Duration(defaultControlTimeout)
	}
	if c.Control.Banner == "" {
		c.Control.Banner = defaultControlBanner
	}

	if c.Status.BindAddr == "" {
		c.Status.BindAddr = defaultStatusAddr
	}
	if c.Status.BindPort == 0 {
		c.Status.BindPort = defaultStatusPort
	}

	if c.Publish.Topic == "" {
		c.Publish.Topic = defaultPublishTopic
	}
	if c.Publish.ClientID == "" {
		c.Publish.ClientID = defaultPublishClient
	}
}

func (c *Config) validate() error {
	switch c.Meter.Mode {
	case MeterVirtual, MeterDevice, MeterDual:
	default:
		return fmt.Errorf("meter.mode must be %s, %s or %s", MeterVirtual, MeterDevice, MeterDual)
	}
	if c.Meter.Interval.Duration() < 0 {
		return errors.New("meter.interval must be >= 0")
	}
	if c.Meter.Mode != MeterDevice && strings.TrimSpace(c.Models) == "" {
		return errors.New("models is required for virtual metering")
	}
	if c.Virtual.Port <= 0 || c.Virtual.Port > 65535 {
		return errors.New("virtual.port must be in 1..65535")
	}
	if c.Virtual.Fetch != FetchRead && c.Virtual.Fetch != FetchFile {
		return fmt.Errorf("virtual.fetch must be %s or %s", FetchRead, FetchFile)
	}
	if *c.Virtual.HeaderOffset < 0 {
		return errors.New("virtual.header_offset must be >= 0")
	}
	if c.Virtual.XMin < 0 {
		return errors.New("virtual.x_min must be >= 0")
	}
	if c.Meter.Mode != MeterVirtual && strings.TrimSpace(c.Device.Path) == "" {
		return errors.New("device.path is required for device metering")
	}
	if *c.Device.Baud < 0 {
		return errors.New("device.baud must be >= 0")
	}
	if c.Schedule.Settle.Duration() < 0 || c.Schedule.IdleSettle.Duration() < 0 {
		return errors.New("schedule.settle and idle_settle must be >= 0")
	}
	if *c.Schedule.ResetRetries < 0 {
		return errors.New("schedule.reset_retries must be >= 0")
	}
	if c.Control.Timeout.Duration() <= 0 {
		return errors.New("control.timeout must be > 0")
	}
	if c.Status.Enabled {
		if c.Status.BindPort <= 0 || c.Status.BindPort > 65535 {
			return errors.New("status.bind_port must be in 1..65535")
		}
		if strings.TrimSpace(c.Status.AuthToken) == "" {
			return errors.New("status.auth_token must not be empty")
		}
	}
	if c.Publish.QoS > 2 {
		return errors.New("publish.qos must be 0, 1 or 2")
	}
	return nil
}
