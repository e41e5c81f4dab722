package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"disttx/internal/logger"
	"disttx/internal/ring"
)

// Peer represents a peer node in the cluster.
type Peer struct {
	ID   string
	Addr string
}

// CoordinatorConfig tunes the coordinator store.
type CoordinatorConfig struct {
	CacheMaxSize   int           `toml:"cache_max_size"`
	CacheIdle      time.Duration `toml:"cache_idle"`
	DefaultTimeout time.Duration `toml:"default_timeout"`
	TickInterval   time.Duration `toml:"tick_interval"`
}

// ParticipantConfig tunes the participant ledger.
type ParticipantConfig struct {
	// Key defaults to the node id.
	Key          string        `toml:"key"`
	TickInterval time.Duration `toml:"tick_interval"`
	// ResolveRate limits reconciliation RPCs per second. Zero means unlimited.
	ResolveRate  float64 `toml:"resolve_rate"`
	ResolveBurst int     `toml:"resolve_burst"`
}

// Config holds the node configuration.
type Config struct {
	NodeID      string `toml:"node_id"`
	ListenAddr  string `toml:"listen_addr"`
	MetricsAddr string `toml:"metrics_addr"`
	Zone        uint32 `toml:"zone"`
	// PeerList is "id1=addr1,id2=addr2". Load parses it into Peers.
	PeerList string `toml:"peers"`
	Peers    []Peer `toml:"-"`
	VNodes   int    `toml:"vnodes"`
	// Role is "coordinator", "participant" or "both".
	Role       string        `toml:"role"`
	DataDir    string        `toml:"data_dir"`
	RPCTimeout time.Duration `toml:"rpc_timeout"`

	Log         logger.Config     `toml:"log"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Participant ParticipantConfig `toml:"participant"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:50051",
		VNodes:     ring.DefaultVNodes,
		Role:       "both",
		RPCTimeout: 2 * time.Second,
		Log: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Coordinator: CoordinatorConfig{
			CacheMaxSize:   65536,
			CacheIdle:      5 * time.Minute,
			DefaultTimeout: 5 * time.Second,
			TickInterval:   time.Second,
		},
		Participant: ParticipantConfig{
			TickInterval: time.Second,
			ResolveBurst: 1,
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.ApplyPeers(cfg.PeerList); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyPeers replaces the peer list.
func (c *Config) ApplyPeers(peersStr string) error {
	peers, err := ParsePeers(peersStr)
	if err != nil {
		return err
	}
	c.PeerList = peersStr
	c.Peers = peers
	return nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	switch c.Role {
	case "coordinator", "participant", "both":
	default:
		errs = append(errs, fmt.Errorf("role %q must be coordinator, participant or both", c.Role))
	}
	if c.Zone == math.MaxUint32 {
		errs = append(errs, errors.New("zone 4294967295 is reserved for ledger snapshots"))
	}
	if c.VNodes <= 0 {
		errs = append(errs, fmt.Errorf("vnodes must be positive, got %d", c.VNodes))
	}
	if c.RPCTimeout < 0 {
		errs = append(errs, errors.New("rpc_timeout cannot be negative"))
	}
	if c.Coordinator.CacheMaxSize < 0 {
		errs = append(errs, errors.New("coordinator.cache_max_size cannot be negative"))
	}
	if c.Coordinator.TickInterval <= 0 || c.Participant.TickInterval <= 0 {
		errs = append(errs, errors.New("tick intervals must be positive"))
	}
	if c.Participant.ResolveRate < 0 {
		errs = append(errs, errors.New("participant.resolve_rate cannot be negative"))
	}
	return errors.Join(errs...)
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}

// BuildRingNodes converts config peers + self into ring.Node slice.
// Includes self node in the list.
func (c *Config) BuildRingNodes() []ring.Node {
	nodes := make([]ring.Node, 0, len(c.Peers)+1)

	nodes = append(nodes, ring.Node{
		ID:   c.NodeID,
		Addr: c.ListenAddr,
	})

	for _, peer := range c.Peers {
		// Skip self if it appears in peers list
		if peer.ID != c.NodeID {
			nodes = append(nodes, ring.Node{
				ID:   peer.ID,
				Addr: peer.Addr,
			})
		}
	}

	return nodes
}
