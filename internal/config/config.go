// Package config loads the cluster parameters shared by every process.
//
// Values start from Default, are overlaid by an optional YAML file named by
// REPLICAFS_CONFIG, and then by REPLICAFS_* environment variables. Durations
// use Go syntax ("1s", "250ms") in both places.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/replicafs/internal/manager"
	"github.com/dreamware/replicafs/internal/transport"
)

// FileEnv names the environment variable holding the YAML file path.
const FileEnv = "REPLICAFS_CONFIG"

// Config holds cluster-wide parameters.
type Config struct {
	ReplicationFactor  int           `yaml:"replication_factor"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	SuspectTimeout     time.Duration `yaml:"suspect_timeout"`
	DeadGrace          time.Duration `yaml:"dead_grace"`
	ScanInterval       time.Duration `yaml:"scan_interval"`
	ReplicationTimeout time.Duration `yaml:"replication_timeout"`
	CommitTimeout      time.Duration `yaml:"commit_timeout"`
	Transport          Transport     `yaml:"transport"`
	Ports              PortRange     `yaml:"ports"`
}

// Transport holds the retry and dedup parameters of every endpoint.
type Transport struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	DedupWindow     int           `yaml:"dedup_window"`
	MaxSenders      int           `yaml:"max_senders"`
	MaxMessageSize  int           `yaml:"max_message_size"`
}

// PortRange is the inclusive range processes may bind.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Default returns the built-in configuration.
func Default() Config {
	mc := manager.DefaultConfig()
	tc := transport.DefaultConfig()
	return Config{
		ReplicationFactor:  mc.ReplicationFactor,
		HeartbeatInterval:  mc.HeartbeatInterval,
		HeartbeatTimeout:   mc.HeartbeatTimeout,
		SuspectTimeout:     mc.SuspectTimeout,
		DeadGrace:          mc.DeadGrace,
		ScanInterval:       mc.ScanInterval,
		ReplicationTimeout: mc.ReplicationTimeout,
		CommitTimeout:      mc.CommitTimeout,
		Transport: Transport{
			InitialInterval: tc.InitialInterval,
			MaxInterval:     tc.MaxInterval,
			MaxAttempts:     tc.MaxAttempts,
			DedupWindow:     tc.DedupWindow,
			MaxSenders:      tc.MaxSenders,
			MaxMessageSize:  tc.MaxMessageSize,
		},
		Ports: PortRange{Min: 18500, Max: 18999},
	}
}

// Load builds the process configuration from defaults, the file named by
// REPLICAFS_CONFIG and the environment, and validates the result.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup(FileEnv); ok && path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// binding maps one environment variable to exactly one of dur or num.
type binding struct {
	dur *time.Duration
	num *int
	key string
}

func (c *Config) bindings() []binding {
	return []binding{
		{key: "REPLICAFS_REPLICATION_FACTOR", num: &c.ReplicationFactor},
		{key: "REPLICAFS_HEARTBEAT_INTERVAL", dur: &c.HeartbeatInterval},
		{key: "REPLICAFS_HEARTBEAT_TIMEOUT", dur: &c.HeartbeatTimeout},
		{key: "REPLICAFS_SUSPECT_TIMEOUT", dur: &c.SuspectTimeout},
		{key: "REPLICAFS_DEAD_GRACE", dur: &c.DeadGrace},
		{key: "REPLICAFS_SCAN_INTERVAL", dur: &c.ScanInterval},
		{key: "REPLICAFS_REPLICATION_TIMEOUT", dur: &c.ReplicationTimeout},
		{key: "REPLICAFS_COMMIT_TIMEOUT", dur: &c.CommitTimeout},
		{key: "REPLICAFS_RETRY_INITIAL", dur: &c.Transport.InitialInterval},
		{key: "REPLICAFS_RETRY_MAX", dur: &c.Transport.MaxInterval},
		{key: "REPLICAFS_RETRY_ATTEMPTS", num: &c.Transport.MaxAttempts},
		{key: "REPLICAFS_DEDUP_WINDOW", num: &c.Transport.DedupWindow},
		{key: "REPLICAFS_MAX_SENDERS", num: &c.Transport.MaxSenders},
		{key: "REPLICAFS_MAX_MESSAGE_SIZE", num: &c.Transport.MaxMessageSize},
		{key: "REPLICAFS_PORT_MIN", num: &c.Ports.Min},
		{key: "REPLICAFS_PORT_MAX", num: &c.Ports.Max},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		v, ok := lookup(b.key)
		if !ok || v == "" {
			continue
		}
		if b.dur != nil {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", b.key, err)
			}
			*b.dur = d
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", b.key, err)
		}
		*b.num = n
	}
	return nil
}

// Validate reports every nonsensical setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ReplicationFactor >= 1, "replication_factor must be at least 1, got %d", c.ReplicationFactor)
	check(c.HeartbeatInterval > 0, "heartbeat_interval must be positive")
	check(c.HeartbeatTimeout >= c.HeartbeatInterval, "heartbeat_timeout %v is shorter than heartbeat_interval %v", c.HeartbeatTimeout, c.HeartbeatInterval)
	check(c.SuspectTimeout > 0, "suspect_timeout must be positive")
	check(c.DeadGrace >= 0, "dead_grace must not be negative")
	check(c.ScanInterval >= 0, "scan_interval must not be negative")
	check(c.ReplicationTimeout > 0, "replication_timeout must be positive")
	check(c.CommitTimeout > 0, "commit_timeout must be positive")

	t := c.Transport
	check(t.InitialInterval > 0, "transport.initial_interval must be positive")
	check(t.MaxInterval >= t.InitialInterval, "transport.max_interval %v is shorter than initial_interval %v", t.MaxInterval, t.InitialInterval)
	check(t.MaxAttempts >= 1, "transport.max_attempts must be at least 1")
	check(t.DedupWindow >= 1, "transport.dedup_window must be at least 1")
	check(t.MaxSenders >= 1, "transport.max_senders must be at least 1")
	check(t.MaxMessageSize > 0 && t.MaxMessageSize <= 65507, "transport.max_message_size must be in 1..65507, got %d", t.MaxMessageSize)

	check(c.Ports.Min >= 1 && c.Ports.Max <= 65535 && c.Ports.Min <= c.Ports.Max, "ports %d-%d is not a valid range", c.Ports.Min, c.Ports.Max)

	return errors.Join(errs...)
}

// ValidatePort checks that a port a process is about to bind lies in the
// operating range.
func (c Config) ValidatePort(port int) error {
	if port < c.Ports.Min || port > c.Ports.Max {
		return fmt.Errorf("port %d outside operating range %d-%d", port, c.Ports.Min, c.Ports.Max)
	}
	return nil
}

// ParsePort parses a port argument and validates it.
func (c Config) ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, c.ValidatePort(port)
}

// Manager returns the manager's view of the configuration.
func (c Config) Manager() manager.Config {
	return manager.Config{
		ReplicationFactor:  c.ReplicationFactor,
		HeartbeatInterval:  c.HeartbeatInterval,
		HeartbeatTimeout:   c.HeartbeatTimeout,
		SuspectTimeout:     c.SuspectTimeout,
		DeadGrace:          c.DeadGrace,
		ScanInterval:       c.ScanInterval,
		ReplicationTimeout: c.ReplicationTimeout,
		CommitTimeout:      c.CommitTimeout,
	}
}

// TransportConfig returns the endpoint configuration.
func (c Config) TransportConfig() transport.Config {
	return transport.Config{
		InitialInterval: c.Transport.InitialInterval,
		MaxInterval:     c.Transport.MaxInterval,
		MaxAttempts:     c.Transport.MaxAttempts,
		DedupWindow:     c.Transport.DedupWindow,
		MaxSenders:      c.Transport.MaxSenders,
		MaxMessageSize:  c.Transport.MaxMessageSize,
	}
}
