package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/fleet/pkg/health"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	sched := cfg.SchedulerConfig()
	assert.Equal(t, 10*time.Second, sched.Interval)
	assert.Equal(t, float64(1), sched.Multiplier)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
nodeId: manager-2
dataDir: /var/lib/fleet
log:
  level: debug
  json: true
merge:
  pollInterval: 5s
  backoff:
    initial: 2s
    max: 1m
    multiplier: 2
monitor:
  probe: tcp
  retries: 5
nodes:
  - id: node-a
    address: 10.0.0.1:54321
  - id: node-b
    name: rack-2
    address: 10.0.0.2:54321
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "manager-2", cfg.NodeID)
	assert.Equal(t, "/var/lib/fleet", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:7946", cfg.RaftAddr, "unset fields keep their default")
	assert.Equal(t, log.Config{Level: log.DebugLevel, JSONOutput: true}, cfg.LogConfig())

	sched := cfg.SchedulerConfig()
	assert.Equal(t, 2*time.Second, sched.Interval)
	assert.Equal(t, time.Minute, sched.MaxInterval)
	assert.Equal(t, float64(2), sched.Multiplier)

	mon := cfg.MonitorConfig()
	assert.Equal(t, health.CheckTypeTCP, mon.CheckType)
	assert.Equal(t, 5, mon.Probe.Retries)
	assert.Equal(t, 5*time.Second, mon.Probe.Timeout)

	nodes := cfg.ComputeNodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-a", nodes[0].Name)
	assert.Equal(t, "rack-2", nodes[1].Name)
	assert.Equal(t, types.NodeStatusUnknown, nodes[1].Status)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"no node id", func(c *Config) { c.NodeID = "" }, "nodeId is required"},
		{"zero poll interval", func(c *Config) { c.Merge.PollInterval = 0 }, "merge.pollInterval"},
		{"backoff max below start", func(c *Config) {
			c.Merge.Backoff = BackoffConfig{Initial: time.Minute, Max: time.Second, Multiplier: 2}
		}, "merge.backoff.max"},
		{"bad probe", func(c *Config) { c.Monitor.Probe = "http" }, "monitor.probe"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"duplicate node", func(c *Config) {
			c.Nodes = []NodeConfig{{ID: "n", Address: "a:1"}, {ID: "n", Address: "b:1"}}
		}, "duplicate id n"},
		{"node without address", func(c *Config) { c.Nodes = []NodeConfig{{ID: "n"}} }, "nodes[0].address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.NodeID = ""
	cfg.Monitor.Retries = 0

	err := cfg.Validate()
	assert.ErrorContains(t, err, "nodeId")
	assert.ErrorContains(t, err, "monitor.retries")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "nodeId: [oops"))
	assert.ErrorContains(t, err, "failed to parse")

	_, err = Load(writeConfig(t, "monitor:\n  probe: icmp\n"))
	assert.ErrorContains(t, err, "invalid config")
}
