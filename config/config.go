// Package config loads the receiver's configuration from the deployed XML
// layout at /etc/grnoc/tsds/services/config.xml. Endpoint settings can be
// overridden per-field from the environment; the CLI layer wires those
// overrides through viper so flags, environment, and file compose in the
// usual precedence order.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
)

// DefaultConfigFile is the deployed configuration path.
const DefaultConfigFile = "/etc/grnoc/tsds/services/config.xml"

// DefaultPrefetch bounds unacked deliveries in flight per worker.
const DefaultPrefetch = 10

// Endpoint is a host/port pair.
type Endpoint struct {
	Host string `xml:"host,attr"`
	Port int    `xml:"port,attr"`
}

// CacheConfig locates the document cache. Driver selects the backend,
// "memcache" (the default) or "redis".
type CacheConfig struct {
	Host   string `xml:"host,attr"`
	Port   int    `xml:"port,attr"`
	Driver string `xml:"driver,attr"`
}

// RabbitConfig locates the broker and names the shared input queue.
type RabbitConfig struct {
	Host  string `xml:"host,attr"`
	Port  int    `xml:"port,attr"`
	Queue string `xml:"queue,attr"`
}

// MetricsConfig optionally exposes prometheus metrics; a zero port disables
// the listener.
type MetricsConfig struct {
	Port int `xml:"port,attr"`
}

// Config is the receiver's full configuration.
type Config struct {
	XMLName xml.Name `xml:"config"`

	NumProcesses int           `xml:"num-processes"`
	PIDFile      string        `xml:"pid-file"`
	Mongo        Endpoint      `xml:"mongo"`
	Memcache     CacheConfig   `xml:"memcache"`
	Rabbit       RabbitConfig  `xml:"rabbit"`
	Metrics      MetricsConfig `xml:"metrics"`

	IgnoreDatabases struct {
		Databases []string `xml:"database"`
	} `xml:"ignore-databases"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NumProcesses == 0 {
		c.NumProcesses = 1
	}
	if c.Memcache.Driver == "" {
		c.Memcache.Driver = "memcache"
	}
}

// Validate checks that every required endpoint is present and the worker
// count is sane.
func (c *Config) Validate() error {
	if c.NumProcesses < 1 {
		return fmt.Errorf("num-processes must be at least 1, got %d", c.NumProcesses)
	}
	if c.Mongo.Host == "" || c.Mongo.Port == 0 {
		return fmt.Errorf("mongo host and port are required")
	}
	if c.Memcache.Host == "" || c.Memcache.Port == 0 {
		return fmt.Errorf("memcache host and port are required")
	}
	if c.Memcache.Driver != "memcache" && c.Memcache.Driver != "redis" {
		return fmt.Errorf("unknown cache driver %q", c.Memcache.Driver)
	}
	if c.Rabbit.Host == "" || c.Rabbit.Port == 0 || c.Rabbit.Queue == "" {
		return fmt.Errorf("rabbit host, port, and queue are required")
	}
	return nil
}
