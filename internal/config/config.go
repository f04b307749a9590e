// Package config handles gateway configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid matching real config
// files on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first by FindConfig. Then:
// ./config.yaml, ~/.config/smartreader-gateway/config.yaml,
// /config/config.yaml, /etc/smartreader-gateway/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "smartreader-gateway", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // container convention
	paths = append(paths, "/etc/smartreader-gateway/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searches searchPathsFunc() and returns the first
// path that exists. Returns the path found, or an error if nothing was
// found — an unconfigured gateway falls back to Default() plus
// environment overlay rather than failing startup.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all gateway configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	Workers   WorkersConfig   `yaml:"workers"`
	Firmware  FirmwareConfig  `yaml:"firmware"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the Ingress API's HTTP bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// APIConfig defines Ingress API authentication.
type APIConfig struct {
	Key string `yaml:"key"`
}

// FirmwareConfig defines settings for the upgrade command's payload.
type FirmwareConfig struct {
	URLBase string `yaml:"url_base"`
}

// WorkersConfig defines the fixed cadences and thresholds for the
// Publisher Pump, Reaper, and Scheduler background workers.
type WorkersConfig struct {
	PumpIntervalSec      int `yaml:"pump_interval_sec"`
	ReaperIntervalSec    int `yaml:"reaper_interval_sec"`
	ReapThresholdSec     int `yaml:"reap_threshold_sec"`
	SchedulerIntervalSec int `yaml:"scheduler_interval_sec"`
}

// MQTTConfig defines the Broker Session's connection parameters.
type MQTTConfig struct {
	Broker    string `yaml:"broker"` // e.g. tcp://broker:1883 or mqtts://broker:8883
	Port      int    `yaml:"port"`
	KeepAlive int    `yaml:"keepalive_sec"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`

	UseTLS         bool   `yaml:"use_tls"`
	CACerts        string `yaml:"ca_certs"`
	CertFile       string `yaml:"certfile"`
	KeyFile        string `yaml:"keyfile"`
	VerifyHostname bool   `yaml:"verify_hostname"`
	Ciphers        string `yaml:"ciphers"`
	TLSVersion     string `yaml:"tls_version"`

	QoS            int  `yaml:"qos"`
	Retain         bool `yaml:"retain"`
	MaxMessageSize int  `yaml:"max_message_size"`

	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	ReconnectDelaySec    int `yaml:"reconnect_delay_sec"`

	PublishTimeoutSec int `yaml:"publish_timeout_sec"`
}

// Configured reports whether a broker endpoint has been supplied.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_BROKER}). Every
	// setting in this file may also be supplied purely through the
	// process environment when no config file is present at all; see
	// Default() and applyEnvOverrides().
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides lets bare environment variables (without a config
// file present) populate the same fields ${VAR}-expansion would have
// filled from YAML. Env vars win over a present-but-empty YAML value;
// an explicit non-empty YAML value is left untouched.
func (c *Config) applyEnvOverrides() {
	str := func(dst *string, env string) {
		if *dst == "" {
			if v := os.Getenv(env); v != "" {
				*dst = v
			}
		}
	}
	boolean := func(dst *bool, env string) {
		if v := os.Getenv(env); v == "true" || v == "1" {
			*dst = true
		}
	}
	integer := func(dst *int, env string) {
		if *dst == 0 {
			if v := os.Getenv(env); v != "" {
				fmt.Sscanf(v, "%d", dst)
			}
		}
	}

	str(&c.MQTT.Broker, "MQTT_BROKER")
	integer(&c.MQTT.Port, "MQTT_PORT")
	integer(&c.MQTT.KeepAlive, "MQTT_KEEPALIVE")
	str(&c.MQTT.Username, "MQTT_USERNAME")
	str(&c.MQTT.Password, "MQTT_PASSWORD")
	boolean(&c.MQTT.UseTLS, "MQTT_USE_TLS")
	str(&c.MQTT.CACerts, "MQTT_CA_CERTS")
	str(&c.MQTT.CertFile, "MQTT_CERTFILE")
	str(&c.MQTT.KeyFile, "MQTT_KEYFILE")
	boolean(&c.MQTT.VerifyHostname, "MQTT_VERIFY_HOSTNAME")
	str(&c.MQTT.Ciphers, "MQTT_CIPHERS")
	str(&c.MQTT.TLSVersion, "MQTT_TLS_VERSION")
	integer(&c.MQTT.QoS, "MQTT_QOS")
	boolean(&c.MQTT.Retain, "MQTT_RETAIN")
	integer(&c.MQTT.MaxMessageSize, "MQTT_MAX_MESSAGE_SIZE")
	integer(&c.MQTT.MaxReconnectAttempts, "MQTT_MAX_RECONNECT_ATTEMPTS")
	integer(&c.MQTT.ReconnectDelaySec, "MQTT_RECONNECT_DELAY")

	str(&c.API.Key, "API_KEY")
	str(&c.Firmware.URLBase, "FIRMWARE_URL_BASE")
	integer(&c.Workers.ReapThresholdSec, "COMMAND_REAP_SECONDS")
	integer(&c.Workers.PumpIntervalSec, "PUMP_INTERVAL_SECONDS")
	integer(&c.Workers.ReaperIntervalSec, "REAPER_INTERVAL_SECONDS")
	integer(&c.Workers.SchedulerIntervalSec, "SCHEDULER_INTERVAL_SECONDS")

	str(&c.Listen.Address, "LISTEN_ADDRESS")
	integer(&c.Listen.Port, "LISTEN_PORT")
	str(&c.DataDir, "DATA_DIR")
	str(&c.LogLevel, "LOG_LEVEL")
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 60
	}
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = 1
	}
	if c.MQTT.MaxMessageSize == 0 {
		c.MQTT.MaxMessageSize = 256 * 1024
	}
	if c.MQTT.MaxReconnectAttempts == 0 {
		c.MQTT.MaxReconnectAttempts = 10
	}
	if c.MQTT.ReconnectDelaySec == 0 {
		c.MQTT.ReconnectDelaySec = 5
	}
	if c.MQTT.PublishTimeoutSec == 0 {
		c.MQTT.PublishTimeoutSec = 10
	}
	if c.Workers.PumpIntervalSec == 0 {
		c.Workers.PumpIntervalSec = 10
	}
	if c.Workers.ReaperIntervalSec == 0 {
		c.Workers.ReaperIntervalSec = 10
	}
	if c.Workers.ReapThresholdSec == 0 {
		c.Workers.ReapThresholdSec = 30
	}
	if c.Workers.SchedulerIntervalSec == 0 {
		c.Workers.SchedulerIntervalSec = 60
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range (0-2)", c.MQTT.QoS)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns the configuration used when no config file is
// present: the environment overlay is applied first, then the defaults.
// A broker is configured only if MQTT_BROKER is set in the environment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}
