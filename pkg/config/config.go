package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/fleet/pkg/gateway"
	"github.com/cuemby/fleet/pkg/health"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/reconciler"
	"github.com/cuemby/fleet/pkg/scheduler"
	"github.com/cuemby/fleet/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of one fleet manager, read from fleet.yaml
type Config struct {
	NodeID   string `yaml:"nodeId"`
	DataDir  string `yaml:"dataDir"`
	RaftAddr string `yaml:"raftAddr"`
	OpsAddr  string `yaml:"opsAddr"`

	Log     LogConfig     `yaml:"log"`
	Merge   MergeConfig   `yaml:"merge"`
	Gateway GatewayConfig `yaml:"gateway"`
	Monitor MonitorConfig `yaml:"monitor"`

	// Nodes seeds the compute node address table on startup
	Nodes []NodeConfig `yaml:"nodes"`

	// Inventory is an inventory file applied on startup, after Nodes
	Inventory string `yaml:"inventory"`
}

// LogConfig selects the log level and format
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// MergeConfig controls how merge attempts are polled
type MergeConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	Backoff      BackoffConfig `yaml:"backoff"`
}

// BackoffConfig enables exponential polling when Multiplier is above 1
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// GatewayConfig bounds node agent calls
type GatewayConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MonitorConfig controls node reachability probing
type MonitorConfig struct {
	Interval     time.Duration    `yaml:"interval"`
	Probe        health.CheckType `yaml:"probe"`
	ProbeTimeout time.Duration    `yaml:"probeTimeout"`
	Retries      int              `yaml:"retries"`
}

// NodeConfig is one compute node and the address of its agent
type NodeConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// Default returns the configuration used for every unset field
func Default() *Config {
	return &Config{
		NodeID:   "manager-1",
		DataDir:  "./fleet-data",
		RaftAddr: "127.0.0.1:7946",
		OpsAddr:  "127.0.0.1:9090",
		Log: LogConfig{
			Level: log.InfoLevel,
		},
		Merge: MergeConfig{
			PollInterval: 10 * time.Second,
			Backoff: BackoffConfig{
				Max:        2 * time.Minute,
				Multiplier: 1,
			},
		},
		Gateway: GatewayConfig{
			Timeout: gateway.DefaultTimeout,
		},
		Monitor: MonitorConfig{
			Interval:     10 * time.Second,
			Probe:        health.CheckTypeGRPC,
			ProbeTimeout: 5 * time.Second,
			Retries:      3,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.NodeID != "", "nodeId is required")
	check(c.DataDir != "", "dataDir is required")
	check(c.RaftAddr != "", "raftAddr is required")
	check(c.Merge.PollInterval > 0, "merge.pollInterval must be positive")
	check(c.Merge.Backoff.Multiplier >= 0, "merge.backoff.multiplier must not be negative")
	if c.Merge.Backoff.Multiplier > 1 {
		check(c.Merge.Backoff.Max >= c.pollStart(), "merge.backoff.max must not be below the initial interval")
	}
	check(c.Gateway.Timeout > 0, "gateway.timeout must be positive")
	check(c.Monitor.Interval > 0, "monitor.interval must be positive")
	check(c.Monitor.Probe == health.CheckTypeGRPC || c.Monitor.Probe == health.CheckTypeTCP,
		"monitor.probe must be %q or %q, got %q", health.CheckTypeGRPC, health.CheckTypeTCP, c.Monitor.Probe)
	check(c.Monitor.Retries > 0, "monitor.retries must be positive")

	check(c.Log.Level.Valid(), "log.level %q is not one of debug, info, warn, error", c.Log.Level)

	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		check(n.ID != "", "nodes[%d].id is required", i)
		check(n.Address != "", "nodes[%d].address is required", i)
		check(!seen[n.ID], "nodes[%d]: duplicate id %s", i, n.ID)
		seen[n.ID] = true
	}

	return errors.Join(errs...)
}

func (c *Config) pollStart() time.Duration {
	if c.Merge.Backoff.Initial > 0 {
		return c.Merge.Backoff.Initial
	}
	return c.Merge.PollInterval
}

// SchedulerConfig converts the merge section for the poll scheduler
func (c *Config) SchedulerConfig() scheduler.Config {
	if c.Merge.Backoff.Multiplier <= 1 {
		return scheduler.Config{Interval: c.Merge.PollInterval, Multiplier: 1}
	}
	return scheduler.Config{
		Interval:    c.pollStart(),
		MaxInterval: c.Merge.Backoff.Max,
		Multiplier:  c.Merge.Backoff.Multiplier,
	}
}

// MonitorConfig converts the monitor section for the node reconciler
func (c *Config) MonitorConfig() reconciler.Config {
	cfg := reconciler.DefaultConfig()
	cfg.Interval = c.Monitor.Interval
	cfg.CheckType = c.Monitor.Probe
	cfg.Probe = health.Config{Timeout: c.Monitor.ProbeTimeout, Retries: c.Monitor.Retries}
	return cfg
}

// LogConfig converts the log section for log.Init
func (c *Config) LogConfig() log.Config {
	return log.Config{Level: c.Log.Level, JSONOutput: c.Log.JSON}
}

// ComputeNodes returns the seeded node table
func (c *Config) ComputeNodes() []*types.ComputeNode {
	nodes := make([]*types.ComputeNode, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		name := n.Name
		if name == "" {
			name = n.ID
		}
		nodes = append(nodes, &types.ComputeNode{
			ID:      n.ID,
			Name:    name,
			Address: n.Address,
			Status:  types.NodeStatusUnknown,
		})
	}
	return nodes
}
