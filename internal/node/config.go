// Package node wires the kernel-facing packages (mem, vm, proc, rendez, fs,
// migrate, execve) into one running instance: a process table, a frame
// arena, and a network endpoint, all addressed by a small node id and
// constructed from a ClusterConfig. Grounded on the host kernel's own
// cluster bring-up, generalized from a compiled-in MAXNODE and peer list to
// config loaded at startup.
package node

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/khannotations/pios/internal/defs"
)

// ClusterConfig describes one node's identity and its peers' addresses,
// loaded from YAML at startup in place of the host kernel's compiled-in
// MAXNODE and peer table.
type ClusterConfig struct {
	Self   defs.NodeID          `yaml:"self"`
	Listen string               `yaml:"listen"`
	Frames int                  `yaml:"frames"`
	Peers  map[defs.NodeID]string `yaml:"peers"`
}

// LoadClusterConfig reads and validates a ClusterConfig from path.
func LoadClusterConfig(path string) (ClusterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("node: read config: %w", err)
	}
	var cfg ClusterConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return ClusterConfig{}, fmt.Errorf("node: parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return ClusterConfig{}, err
	}
	return cfg, nil
}

func (c ClusterConfig) validate() error {
	if c.Self == 0 || c.Self > defs.MaxNodes {
		return fmt.Errorf("node: self id %d out of range [1,%d]", c.Self, defs.MaxNodes)
	}
	if c.Listen == "" {
		return fmt.Errorf("node: listen address required")
	}
	if c.Frames <= 0 {
		return fmt.Errorf("node: frames must be positive")
	}
	for id := range c.Peers {
		if id == c.Self {
			return fmt.Errorf("node: peer table names self (%d)", id)
		}
	}
	return nil
}
