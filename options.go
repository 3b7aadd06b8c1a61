package gossipmesh

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/veilcraft/gossipmesh/config"
	"github.com/veilcraft/gossipmesh/flow"
	"github.com/veilcraft/gossipmesh/mesh"
)

type engineConfig struct {
	meshParams mesh.Params
	flowParams flow.WindowParams
	prefilter  PrefilterParams

	heartbeatInterval time.Duration

	// Byte-denominated bucket budgets per (peer, topic) pair.
	ingressRefillPerSecond float64
	ingressCapacity        int64
	egressRefillPerSecond  float64
	egressCapacity         int64

	// seenSize bounds the exact engine-level dedup table.
	seenSize int

	logger     *zap.Logger
	clk        clock.Clock
	registerer prometheus.Registerer
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		meshParams:             mesh.DefaultParams(),
		flowParams:             flow.DefaultWindowParams(),
		prefilter:              DefaultPrefilterParams(),
		heartbeatInterval:      time.Second,
		ingressRefillPerSecond: 1 << 20,
		ingressCapacity:        4 << 20,
		egressRefillPerSecond:  1 << 20,
		egressCapacity:         4 << 20,
		seenSize:               1 << 16,
	}
}

// Option customizes an Engine at construction time.
type Option func(*engineConfig)

// WithLogger injects the engine's structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithClock injects a mockable time source shared by the heartbeat,
// backoffs, fanout TTLs and bloom rotation.
func WithClock(clk clock.Clock) Option {
	return func(c *engineConfig) { c.clk = clk }
}

// WithSeed fixes the peer-selection tie-break seed. Zero (the default)
// seeds from wall time.
func WithSeed(seed int64) Option {
	return func(c *engineConfig) { c.meshParams.Seed = seed }
}

// WithMeshParams replaces the overlay parameters wholesale.
func WithMeshParams(p mesh.Params) Option {
	return func(c *engineConfig) { c.meshParams = p }
}

// WithFlowParams replaces the per-(peer, topic) window parameters.
func WithFlowParams(p flow.WindowParams) Option {
	return func(c *engineConfig) { c.flowParams = p }
}

// WithPrefilterParams replaces the payload sanity bounds.
func WithPrefilterParams(p PrefilterParams) Option {
	return func(c *engineConfig) { c.prefilter = p }
}

// WithHeartbeatInterval sets the maintenance tick cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *engineConfig) { c.heartbeatInterval = d }
}

// WithIngressLimit sets the inbound per-(peer, topic) byte budget.
func WithIngressLimit(refillPerSecond float64, capacity int64) Option {
	return func(c *engineConfig) {
		c.ingressRefillPerSecond = refillPerSecond
		c.ingressCapacity = capacity
	}
}

// WithEgressLimit sets the outbound per-(peer, topic) byte budget.
func WithEgressLimit(refillPerSecond float64, capacity int64) Option {
	return func(c *engineConfig) {
		c.egressRefillPerSecond = refillPerSecond
		c.egressCapacity = capacity
	}
}

// WithSeenSize bounds the exact dedup table.
func WithSeenSize(n int) Option {
	return func(c *engineConfig) { c.seenSize = n }
}

// WithConfig applies a loaded YAML configuration. Later options override
// it.
func WithConfig(cfg *config.Config) Option {
	return func(c *engineConfig) {
		if cfg == nil {
			return
		}
		c.meshParams = cfg.MeshParams()
		c.flowParams = cfg.FlowParams()

		e := cfg.Engine
		if e == nil {
			return
		}
		if e.HeartbeatIntervalMs > 0 {
			c.heartbeatInterval = time.Duration(e.HeartbeatIntervalMs) * time.Millisecond
		}
		if e.MinPayloadSize > 0 {
			c.prefilter.MinPayloadSize = e.MinPayloadSize
		}
		if e.MaxPayloadSize > 0 {
			c.prefilter.MaxPayloadSize = e.MaxPayloadSize
		}
		if e.IngressBytesPerSecond > 0 {
			c.ingressRefillPerSecond = e.IngressBytesPerSecond
		}
		if e.IngressBurstBytes > 0 {
			c.ingressCapacity = e.IngressBurstBytes
		}
		if e.EgressBytesPerSecond > 0 {
			c.egressRefillPerSecond = e.EgressBytesPerSecond
		}
		if e.EgressBurstBytes > 0 {
			c.egressCapacity = e.EgressBurstBytes
		}
		if e.SeenSize > 0 {
			c.seenSize = e.SeenSize
		}
	}
}

// WithMetricsRegisterer scopes the engine's collectors to the given
// registry. Nil leaves the metrics unregistered.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *engineConfig) { c.registerer = reg }
}
