package mesh

import "time"

// Params defines the overlay maintenance parameters for all topics
// managed by one Mesh instance.
type Params struct {
	// D is the target mesh degree per topic.
	D int

	// DLow is the lower bound; below it the heartbeat grafts more peers.
	DLow int

	// DHigh is the upper bound; above it the heartbeat prunes the excess.
	DHigh int

	// DLazy is the minimum number of non-eager peers that receive
	// availability hints per publish.
	DLazy int

	// GossipFactor scales the hint set with the number of
	// subscribed-but-not-eager peers; the larger of DLazy and
	// GossipFactor * candidates wins.
	GossipFactor float64

	// PruneBackoff is how long a pruned peer is excluded from
	// re-grafting.
	PruneBackoff time.Duration

	// UnsubscribeBackoff is the (shorter) exclusion applied when we
	// leave a topic ourselves.
	UnsubscribeBackoff time.Duration

	// GraftFloodThreshold: a GRAFT arriving within this window after a
	// PRUNE draws an extra penalty.
	GraftFloodThreshold time.Duration

	// FanoutTTL bounds how long a fanout set for an unsubscribed topic
	// survives without a publish.
	FanoutTTL time.Duration

	// OpportunisticGraftTicks is the heartbeat cadence for checking
	// whether a structurally full but poorly scoring mesh should be
	// healed with above-median outsiders.
	OpportunisticGraftTicks uint64

	// OpportunisticGraftPeers is how many outsiders to graft per check.
	OpportunisticGraftPeers int

	// OpportunisticGraftThreshold is the median mesh score at or below
	// which opportunistic grafting triggers.
	OpportunisticGraftThreshold float64

	// BackoffSlack is added to backoff expiry before an entry is swept,
	// so clock skew between peers does not cause premature re-grafts.
	BackoffSlack time.Duration

	// BackoffSweepTicks is how often (in heartbeats) expired backoff
	// entries are garbage collected.
	BackoffSweepTicks uint64

	// Seed drives the tie-breaking shuffle among equal-score peers. It
	// is per-instance: fixed seeds give reproducible selection in tests,
	// production instances default to a random seed.
	Seed int64

	// Per-topic duplicate-suppression bloom sizing.
	SeenEntries     uint
	SeenFPRate      float64
	SeenRotateEvery time.Duration

	Score ScoreParams
}

// ScoreParams bounds and shapes the peer score ledger.
type ScoreParams struct {
	// Floor and Ceiling clamp every score adjustment.
	Floor   float64
	Ceiling float64

	// DecayFactor is applied once per heartbeat; DecayToZero snaps
	// near-zero scores to zero so retained state stays bounded.
	DecayFactor float64
	DecayToZero float64

	FirstDeliveryBonus float64
	DuplicatePenalty   float64
	InvalidPenalty     float64
	GraftDeniedPenalty float64
	GraftFloodPenalty  float64
	PruneSignalBonus   float64

	// MeshTimeBonus accrues to every in-mesh peer each AccrualTicks
	// heartbeats, rewarding stable peers over flapping ones.
	MeshTimeBonus float64
	AccrualTicks  uint64
}

// DefaultParams returns the default overlay parameters.
func DefaultParams() Params {
	return Params{
		D:                           6,
		DLow:                        5,
		DHigh:                       12,
		DLazy:                       6,
		GossipFactor:                0.25,
		PruneBackoff:                time.Minute,
		UnsubscribeBackoff:          10 * time.Second,
		GraftFloodThreshold:         10 * time.Second,
		FanoutTTL:                   60 * time.Second,
		OpportunisticGraftTicks:     60,
		OpportunisticGraftPeers:     2,
		OpportunisticGraftThreshold: 1.0,
		BackoffSlack:                2 * time.Second,
		BackoffSweepTicks:           15,
		SeenEntries:                 1 << 16,
		SeenFPRate:                  0.0001,
		SeenRotateEvery:             60 * time.Second,
		Score:                       DefaultScoreParams(),
	}
}

// DefaultScoreParams returns the default score ledger shape.
func DefaultScoreParams() ScoreParams {
	return ScoreParams{
		Floor:              -100,
		Ceiling:            100,
		DecayFactor:        0.9986, // half-life on the order of 8 minutes at 1s heartbeats
		DecayToZero:        0.01,
		FirstDeliveryBonus: 1,
		DuplicatePenalty:   -0.25,
		InvalidPenalty:     -10,
		GraftDeniedPenalty: -1,
		GraftFloodPenalty:  -2,
		PruneSignalBonus:   0.2,
		MeshTimeBonus:      0.05,
		AccrualTicks:       10,
	}
}

func (p Params) validate() error {
	if p.D <= 0 || p.DLow <= 0 || p.DHigh <= 0 {
		return errInvalidDegree
	}
	if p.DLow > p.D || p.D > p.DHigh {
		return errInvalidDegree
	}
	return nil
}
