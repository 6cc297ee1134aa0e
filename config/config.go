// Package config loads a peer's static cluster configuration: the
// rank-ordered list of peer addresses every other peer is reached at,
// and the block/memory sizing every peer must agree on before joining
// the same database.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Peer is one entry in the cluster's address book.
type Peer struct {
	Rank int    `yaml:"rank"`
	Addr string `yaml:"addr"`
}

// Config is the full static configuration for one NOD peer process.
type Config struct {
	// Rank is this process's own rank within the group. It must match
	// the rank of one entry in Peers.
	Rank int `yaml:"rank"`

	// Peers is the cluster's rank-ordered address book. Every peer in
	// the cluster loads the same list.
	Peers []Peer `yaml:"peers"`

	// BlockSizeBytes is the fixed size of every block, agreed cluster
	// wide.
	BlockSizeBytes uint32 `yaml:"block_size_bytes"`

	// NumBlocksPerPeer is how many blocks each peer reserves for its own
	// share of the blocks window.
	NumBlocksPerPeer uint32 `yaml:"num_blocks_per_peer"`

	// IndexTableSlotsPerPeer and IndexHeapSlotsPerPeer size the
	// distributed hash index's table and heap windows.
	IndexTableSlotsPerPeer uint32 `yaml:"index_table_slots_per_peer"`
	IndexHeapSlotsPerPeer  uint32 `yaml:"index_heap_slots_per_peer"`

	// MetricsAddr is where this peer serves /metrics and /healthz.
	MetricsAddr string `yaml:"metrics_addr"`

	// Debug enables the block allocator's extra consistency checks.
	Debug bool `yaml:"debug"`
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks internal consistency: a known rank, a dense 0..N-1
// peer list with no gaps or duplicates, and non-zero sizing.
func (c *Config) Validate() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: peers must not be empty")
	}
	byRank := make(map[int]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Addr == "" {
			return fmt.Errorf("config: peer rank %d has an empty address", p.Rank)
		}
		if byRank[p.Rank] {
			return fmt.Errorf("config: duplicate rank %d in peers", p.Rank)
		}
		byRank[p.Rank] = true
	}
	for r := 0; r < len(c.Peers); r++ {
		if !byRank[r] {
			return fmt.Errorf("config: peers must be a dense 0..%d rank range, missing rank %d", len(c.Peers)-1, r)
		}
	}
	if !byRank[c.Rank] {
		return fmt.Errorf("config: this process's rank %d is not present in peers", c.Rank)
	}
	if c.BlockSizeBytes == 0 {
		return fmt.Errorf("config: block_size_bytes must be non-zero")
	}
	if c.NumBlocksPerPeer == 0 {
		return fmt.Errorf("config: num_blocks_per_peer must be non-zero")
	}
	if c.IndexTableSlotsPerPeer == 0 {
		return fmt.Errorf("config: index_table_slots_per_peer must be non-zero")
	}
	if c.IndexHeapSlotsPerPeer == 0 {
		return fmt.Errorf("config: index_heap_slots_per_peer must be non-zero")
	}
	return nil
}

// Addrs returns the cluster's address book as a rank-indexed slice,
// suitable for rma/grpcpeer.NewFacade.
func (c *Config) Addrs() []string {
	addrs := make([]string, len(c.Peers))
	for _, p := range c.Peers {
		addrs[p.Rank] = p.Addr
	}
	return addrs
}

// Size is the number of peers in the cluster.
func (c *Config) Size() int { return len(c.Peers) }
