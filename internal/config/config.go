package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LineConfig is config/line.yaml: one sortation line.
type LineConfig struct {
	Version int `yaml:"version"`
	Line    struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"line"`
	Network struct {
		APIPort  int    `yaml:"api_port"`
		MQTTURL  string `yaml:"mqtt_url"`
		ClientID string `yaml:"client_id"`
	} `yaml:"network"`
	Sorting  SortingConfig  `yaml:"sorting"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Wheel    WheelConfig    `yaml:"wheel"`
	Storage  StorageConfig  `yaml:"storage"`
}

type SortingConfig struct {
	Mode              string  `yaml:"mode"`
	FixedChute        int64   `yaml:"fixed_chute"`
	RoundRobinChutes  []int64 `yaml:"round_robin_chutes"`
	UpstreamTimeoutMs int     `yaml:"upstream_timeout_ms"`
	ResultTTLSeconds  int     `yaml:"result_ttl_seconds"`
	Reroute           struct {
		Enabled      *bool `yaml:"enabled"`
		Execute      bool  `yaml:"execute"`
		MaxPathAgeMs *int  `yaml:"max_path_age_ms"`
	} `yaml:"reroute"`
}

type UpstreamConfig struct {
	DetectedTopic string `yaml:"detected_topic"`
	AssignedTopic string `yaml:"assigned_topic"`
}

type WheelConfig struct {
	DefaultTimeoutMs         int `yaml:"default_timeout_ms"`
	MaxConcurrentPerDiverter int `yaml:"max_concurrent_per_diverter"`
	HeartbeatTimeoutMs       int `yaml:"heartbeat_timeout_ms"`
}

type StorageConfig struct {
	// Results selects the result store: postgres, sqlite or none.
	Results    string `yaml:"results"`
	SQLitePath string `yaml:"sqlite_path"`
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *LineConfig) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// UpstreamTimeout returns the chute assignment wait, defaulting to 5s.
func (c *LineConfig) UpstreamTimeout() time.Duration {
	if c.Sorting.UpstreamTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Sorting.UpstreamTimeoutMs) * time.Millisecond
}

// ResultTTL returns how long completed results stay queryable, defaulting to 5m.
func (c *LineConfig) ResultTTL() time.Duration {
	if c.Sorting.ResultTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Sorting.ResultTTLSeconds) * time.Second
}

// RerouteEnabled reports whether failed segments are rerouted. Defaults to true.
func (c *LineConfig) RerouteEnabled() bool {
	if c.Sorting.Reroute.Enabled == nil {
		return true
	}
	return *c.Sorting.Reroute.Enabled
}

// MaxPathAge returns the reroute staleness limit. Defaults to 30s; 0 disables.
func (c *LineConfig) MaxPathAge() time.Duration {
	if c.Sorting.Reroute.MaxPathAgeMs == nil {
		return 30 * time.Second
	}
	return time.Duration(*c.Sorting.Reroute.MaxPathAgeMs) * time.Millisecond
}

// WheelTimeout returns the default wheel command timeout, defaulting to 2s.
func (c *LineConfig) WheelTimeout() time.Duration {
	if c.Wheel.DefaultTimeoutMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Wheel.DefaultTimeoutMs) * time.Millisecond
}

// HeartbeatTimeout returns how long a controller may stay silent, defaulting to 15s.
func (c *LineConfig) HeartbeatTimeout() time.Duration {
	if c.Wheel.HeartbeatTimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Wheel.HeartbeatTimeoutMs) * time.Millisecond
}

// ResultStore returns the configured result store kind, defaulting to none.
func (c *LineConfig) ResultStore() string {
	if c.Storage.Results == "" {
		return "none"
	}
	return c.Storage.Results
}

func LoadLineConfig(path string) (*LineConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg LineConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported line.yaml version: %d", cfg.Version)
	}
	if cfg.Sorting.Mode == "" {
		cfg.Sorting.Mode = "upstream"
	}
	switch cfg.ResultStore() {
	case "postgres", "sqlite", "none":
	default:
		return nil, fmt.Errorf("line.yaml: unknown storage.results %q", cfg.Storage.Results)
	}

	return &cfg, nil
}

// ApplyEnv overrides file settings from the environment.
func (c *LineConfig) ApplyEnv() error {
	var err error
	c.Sorting.Mode = EnvString("SORTER_MODE", c.Sorting.Mode)
	if c.Network.APIPort, err = EnvInt("SORTER_API_PORT", c.Network.APIPort); err != nil {
		return err
	}
	timeout, err := EnvDuration("SORTER_UPSTREAM_TIMEOUT", c.UpstreamTimeout())
	if err != nil {
		return err
	}
	c.Sorting.UpstreamTimeoutMs = int(timeout / time.Millisecond)
	if c.Sorting.Reroute.Execute, err = EnvBool("SORTER_REROUTE_EXECUTE", c.Sorting.Reroute.Execute); err != nil {
		return err
	}
	c.Network.MQTTURL = EnvString("MQTT_URL", c.Network.MQTTURL)
	c.Storage.Results = EnvString("SORTER_RESULT_STORE", c.Storage.Results)
	switch c.ResultStore() {
	case "postgres", "sqlite", "none":
	default:
		return fmt.Errorf("SORTER_RESULT_STORE: unknown result store %q", c.Storage.Results)
	}
	return nil
}
