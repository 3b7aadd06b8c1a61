// Package config loads the engine's YAML configuration and maps it onto
// the mesh, flow and rate-limit parameters.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/veilcraft/gossipmesh/flow"
	"github.com/veilcraft/gossipmesh/mesh"
	"github.com/veilcraft/gossipmesh/relay"
)

type Config struct {
	Engine *EngineConfig `yaml:"engine"`
	Mesh   *MeshConfig   `yaml:"mesh"`
	Flow   *FlowConfig   `yaml:"flow"`
	Relay  *RelayConfig  `yaml:"relay"`
}

type EngineConfig struct {
	HeartbeatIntervalMs int `yaml:"heartbeatIntervalMs"`

	MinPayloadSize int `yaml:"minPayloadSize"`
	MaxPayloadSize int `yaml:"maxPayloadSize"`

	IngressBytesPerSecond float64 `yaml:"ingressBytesPerSecond"`
	IngressBurstBytes     int64   `yaml:"ingressBurstBytes"`
	EgressBytesPerSecond  float64 `yaml:"egressBytesPerSecond"`
	EgressBurstBytes      int64   `yaml:"egressBurstBytes"`

	SeenSize int `yaml:"seenSize"`
}

type MeshConfig struct {
	D     int `yaml:"d"`
	DLow  int `yaml:"dLow"`
	DHigh int `yaml:"dHigh"`
	DLazy int `yaml:"dLazy"`

	GossipFactor float64 `yaml:"gossipFactor"`

	PruneBackoffSeconds       int `yaml:"pruneBackoffSeconds"`
	UnsubscribeBackoffSeconds int `yaml:"unsubscribeBackoffSeconds"`
	FanoutTTLSeconds          int `yaml:"fanoutTtlSeconds"`

	Seed int64 `yaml:"seed"`
}

type FlowConfig struct {
	CapacityBytes int64 `yaml:"capacityBytes"`
	CapacityMsgs  int64 `yaml:"capacityMsgs"`

	LowWatermarkFraction float64 `yaml:"lowWatermarkFraction"`
	GrantChunkFraction   float64 `yaml:"grantChunkFraction"`

	MinGrantBytes int64 `yaml:"minGrantBytes"`
	MaxGrantBytes int64 `yaml:"maxGrantBytes"`
	MinGrantMsgs  int64 `yaml:"minGrantMsgs"`
	MaxGrantMsgs  int64 `yaml:"maxGrantMsgs"`
}

type RelayConfig struct {
	MaxBodySize        int     `yaml:"maxBodySize"`
	BloomEntries       uint    `yaml:"bloomEntries"`
	BloomFPRate        float64 `yaml:"bloomFpRate"`
	RotateEverySeconds int     `yaml:"rotateEverySeconds"`
}

// NewConfig loads a config from a YAML file. Absent sections keep their
// defaults.
func NewConfig(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening config")
	}
	defer file.Close()

	d := yaml.NewDecoder(file)
	config := &Config{}
	if err := d.Decode(config); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field constraints that yaml decoding cannot.
func (c *Config) Validate() error {
	if m := c.Mesh; m != nil {
		if m.D != 0 || m.DLow != 0 || m.DHigh != 0 {
			if !(0 < m.DLow && m.DLow <= m.D && m.D <= m.DHigh) {
				return errors.New("config: mesh degrees must satisfy 0 < dLow <= d <= dHigh")
			}
		}
		if m.GossipFactor < 0 || m.GossipFactor > 1 {
			return errors.New("config: gossipFactor must be within [0, 1]")
		}
	}
	if f := c.Flow; f != nil {
		if f.CapacityBytes < 0 || f.CapacityMsgs < 0 {
			return errors.New("config: flow capacities must be non-negative")
		}
		if f.LowWatermarkFraction < 0 || f.LowWatermarkFraction >= 1 {
			return errors.New("config: lowWatermarkFraction must be within [0, 1)")
		}
	}
	if r := c.Relay; r != nil && r.BloomFPRate < 0 {
		return errors.New("config: bloomFpRate must be non-negative")
	}
	return nil
}

// MeshParams maps the mesh section onto overlay parameters, falling back
// to defaults for zero values.
func (c *Config) MeshParams() mesh.Params {
	p := mesh.DefaultParams()
	m := c.Mesh
	if m == nil {
		return p
	}

	if m.D > 0 {
		p.D = m.D
	}
	if m.DLow > 0 {
		p.DLow = m.DLow
	}
	if m.DHigh > 0 {
		p.DHigh = m.DHigh
	}
	if m.DLazy > 0 {
		p.DLazy = m.DLazy
	}
	if m.GossipFactor > 0 {
		p.GossipFactor = m.GossipFactor
	}
	if m.PruneBackoffSeconds > 0 {
		p.PruneBackoff = time.Duration(m.PruneBackoffSeconds) * time.Second
	}
	if m.UnsubscribeBackoffSeconds > 0 {
		p.UnsubscribeBackoff = time.Duration(m.UnsubscribeBackoffSeconds) * time.Second
	}
	if m.FanoutTTLSeconds > 0 {
		p.FanoutTTL = time.Duration(m.FanoutTTLSeconds) * time.Second
	}
	p.Seed = m.Seed
	return p
}

// FlowParams maps the flow section onto window parameters, falling back
// to defaults for zero values.
func (c *Config) FlowParams() flow.WindowParams {
	p := flow.DefaultWindowParams()
	f := c.Flow
	if f == nil {
		return p
	}

	if f.CapacityBytes > 0 {
		p.CapacityBytes = f.CapacityBytes
	}
	if f.CapacityMsgs > 0 {
		p.CapacityMsgs = f.CapacityMsgs
	}
	if f.LowWatermarkFraction > 0 {
		p.LowWatermarkFraction = f.LowWatermarkFraction
	}
	if f.GrantChunkFraction > 0 {
		p.GrantChunkFraction = f.GrantChunkFraction
	}
	if f.MinGrantBytes > 0 {
		p.MinGrantBytes = f.MinGrantBytes
	}
	if f.MaxGrantBytes > 0 {
		p.MaxGrantBytes = f.MaxGrantBytes
	}
	if f.MinGrantMsgs > 0 {
		p.MinGrantMsgs = f.MinGrantMsgs
	}
	if f.MaxGrantMsgs > 0 {
		p.MaxGrantMsgs = f.MaxGrantMsgs
	}
	return p
}

// RelayParams maps the relay section onto gate parameters, falling back
// to defaults for zero values.
func (c *Config) RelayParams() relay.Params {
	p := relay.DefaultParams()
	r := c.Relay
	if r == nil {
		return p
	}

	if r.MaxBodySize > 0 {
		p.MaxBodySize = r.MaxBodySize
	}
	if r.BloomEntries > 0 {
		p.Entries = r.BloomEntries
	}
	if r.BloomFPRate > 0 {
		p.FPRate = r.BloomFPRate
	}
	if r.RotateEverySeconds > 0 {
		p.RotateEvery = time.Duration(r.RotateEverySeconds) * time.Second
	}
	return p
}
