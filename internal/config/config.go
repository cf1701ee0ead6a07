// Package config parses the partition configuration that drives every
// other component: server list, block size, replica count, distribution
// policy, and transport kind (spec.md §4.12 and §3 "Partition
// configuration"). Grounded on the teacher's internal/config/config.go
// (YAML load/save/validate shape) but rebuilt around XPN's partition
// schema instead of object-store tuning knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Transport names a concrete transport.Channel backend for a partition.
type Transport string

const (
	TransportSocket Transport = "socket"
	TransportFabric Transport = "fabric"
	TransportLocal  Transport = "local"
	TransportMPI    Transport = "mpi"
)

// Policy names a distribution policy tag (§4.2, §4.12).
type Policy string

const PolicyRoundRobin Policy = "round-robin"

// Server is one partition member endpoint.
type Server struct {
	Transport Transport `yaml:"transport"`
	Host      string    `yaml:"host"`
	Port      int       `yaml:"port,omitempty"`
	DirBase   string    `yaml:"dirbase"`
}

// Address formats host:port for dialers that need a single string.
func (s Server) Address() string {
	if s.Port == 0 {
		return s.Host
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SessionConfig toggles session-mode (WS) vs sessionless (WOS) dispatch
// per §4.12's session.file/session.dir options. Only File is acted on:
// the client opens directory handles in session mode whatever Dir says.
type SessionConfig struct {
	File bool `yaml:"file"`
	Dir  bool `yaml:"dir"`
}

// CheckpointConfig names the checkpoint.Store backend used by
// FLUSH/PRELOAD/CHECKPOINT (SPEC_FULL.md §4.12 [DOMAIN]).
type CheckpointConfig struct {
	Kind   string `yaml:"kind"` // "local" or "s3"
	Path   string `yaml:"path,omitempty"`
	Bucket string `yaml:"bucket,omitempty"`
	Region string `yaml:"region,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

// Partition is a named set of servers plus striping parameters (§3).
type Partition struct {
	Name           string           `yaml:"name"`
	Servers        []Server         `yaml:"servers"`
	BlockSize      int64            `yaml:"block_size"`
	ReplicaCount   int              `yaml:"replica_count"`
	Policy         Policy           `yaml:"policy"`
	ControllerURL  string           `yaml:"controller_url,omitempty"`
	Session        SessionConfig    `yaml:"session"`
	Checkpoint     CheckpointConfig `yaml:"checkpoint,omitempty"`
	ConnectTimeout time.Duration    `yaml:"connect_timeout,omitempty"`
}

// ServerCount returns len(Servers) for readability at call sites.
func (p Partition) ServerCount() int { return len(p.Servers) }

// Configuration is the top-level parsed document: one or more named
// partitions, any of which a client may mount.
type Configuration struct {
	Partitions []Partition `yaml:"partitions"`
}

// Load parses a YAML partition configuration file and validates it.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg back out as YAML, creating parent directories as
// needed, mirroring the teacher's SaveToFile.
func (c *Configuration) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Configuration) applyDefaults() {
	for i := range c.Partitions {
		p := &c.Partitions[i]
		if p.BlockSize == 0 {
			p.BlockSize = 512 * 1024
		}
		if p.ReplicaCount == 0 {
			p.ReplicaCount = 1
		}
		if p.Policy == "" {
			p.Policy = PolicyRoundRobin
		}
		if p.ConnectTimeout == 0 {
			p.ConnectTimeout = 5 * time.Second
		}
		if p.Checkpoint.Kind == "" {
			p.Checkpoint.Kind = "local"
		}
	}
}

// Find looks up a partition by name.
func (c *Configuration) Find(name string) (Partition, error) {
	for _, p := range c.Partitions {
		if p.Name == name {
			return p, nil
		}
	}
	return Partition{}, fmt.Errorf("no such partition: %s", name)
}

// Validate checks every partition against §3/§4.12's constraints.
func (c *Configuration) Validate() error {
	if len(c.Partitions) == 0 {
		return fmt.Errorf("config: at least one partition required")
	}
	seen := map[string]bool{}
	for _, p := range c.Partitions {
		if p.Name == "" {
			return fmt.Errorf("config: partition name required")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate partition name %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Servers) == 0 {
			return fmt.Errorf("config: partition %q has no servers", p.Name)
		}
		if p.BlockSize <= 0 || p.BlockSize&(p.BlockSize-1) != 0 {
			return fmt.Errorf("config: partition %q block_size must be a positive power of two", p.Name)
		}
		if p.ReplicaCount < 1 || p.ReplicaCount > len(p.Servers) {
			return fmt.Errorf("config: partition %q replica_count must be in [1, server_count]", p.Name)
		}
		if p.Policy != PolicyRoundRobin {
			return fmt.Errorf("config: partition %q unknown policy %q", p.Name, p.Policy)
		}
		for _, srv := range p.Servers {
			switch srv.Transport {
			case TransportSocket, TransportFabric, TransportLocal, TransportMPI:
			default:
				return fmt.Errorf("config: partition %q server %q unknown transport %q", p.Name, srv.Host, srv.Transport)
			}
		}
		switch strings.ToLower(p.Checkpoint.Kind) {
		case "local", "s3":
		default:
			return fmt.Errorf("config: partition %q unknown checkpoint kind %q", p.Name, p.Checkpoint.Kind)
		}
	}
	return nil
}
