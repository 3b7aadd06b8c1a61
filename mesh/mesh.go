// Package mesh maintains the bounded-degree overlay per topic: mesh
// membership, prune backoffs, fanout sets for unsubscribed publishing,
// degree repair, opportunistic grafting, and the peer score ledger.
//
// A Mesh instance is not internally synchronized. The owning engine
// serializes all calls under its own lock, the same single-writer
// discipline the rest of the propagation core follows.
package mesh

import (
	"math/rand"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/veilcraft/gossipmesh/bloomcache"
)

// PeerID is an opaque comparable peer key, assigned by the transport.
type PeerID string

var errInvalidDegree = errors.New("mesh: degree bounds must satisfy 0 < DLow <= D <= DHigh")

// CommandKind distinguishes overlay control signals.
type CommandKind int

const (
	CommandGraft CommandKind = iota
	CommandPrune
)

// Command is a GRAFT or PRUNE the caller must transmit to the peer.
// Prunes carry the backoff the remote should observe before re-grafting.
type Command struct {
	Kind    CommandKind
	Peer    PeerID
	Topic   string
	Backoff time.Duration
}

type peerRecord struct {
	score  float64
	topics map[string]struct{}
	// meshSince records per-topic graft time for mesh-time accrual
	// bookkeeping and score snapshots.
	meshSince map[string]time.Time
}

type topicState struct {
	mesh       map[PeerID]struct{}
	backoff    map[PeerID]time.Time
	lastPruned map[PeerID]time.Time
	fanout     map[PeerID]struct{}
	lastPub    time.Time
	seen       *bloomcache.Rolling
}

// Mesh owns all per-topic overlay state and the peer score ledger for one
// engine instance. Nothing here is shared across engines.
type Mesh struct {
	params Params
	logger *zap.Logger
	clk    clock.Clock
	rng    *rand.Rand

	peers  map[PeerID]*peerRecord
	topics map[string]*topicState
	joined map[string]struct{}

	ticks uint64
}

// New creates a Mesh. A nil clock falls back to wall time.
func New(params Params, logger *zap.Logger, clk clock.Clock) (*Mesh, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}

	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Mesh{
		params: params,
		logger: logger,
		clk:    clk,
		rng:    rand.New(rand.NewSource(seed)),
		peers:  make(map[PeerID]*peerRecord),
		topics: make(map[string]*topicState),
		joined: make(map[string]struct{}),
	}, nil
}

func (m *Mesh) Params() Params {
	return m.params
}

// AddPeer registers a peer on first contact.
func (m *Mesh) AddPeer(p PeerID) {
	if _, ok := m.peers[p]; ok {
		return
	}
	m.peers[p] = &peerRecord{
		topics:    make(map[string]struct{}),
		meshSince: make(map[string]time.Time),
	}
	m.logger.Debug("peer up", zap.String("peer", string(p)))
}

// RemovePeer drops all state for a disconnected peer.
func (m *Mesh) RemovePeer(p PeerID) {
	delete(m.peers, p)
	for _, ts := range m.topics {
		delete(ts.mesh, p)
		delete(ts.fanout, p)
		delete(ts.backoff, p)
		delete(ts.lastPruned, p)
	}
	m.logger.Debug("peer down", zap.String("peer", string(p)))
}

// UpdateSubscriptions replaces the peer's subscribed topic set. Dropping
// a subscription also removes the peer from that topic's mesh and fanout.
func (m *Mesh) UpdateSubscriptions(p PeerID, topics []string) {
	rec, ok := m.peers[p]
	if !ok {
		m.AddPeer(p)
		rec = m.peers[p]
	}

	next := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		next[t] = struct{}{}
	}

	for t := range rec.topics {
		if _, still := next[t]; still {
			continue
		}
		if ts, ok := m.topics[t]; ok {
			delete(ts.mesh, p)
			delete(ts.fanout, p)
		}
		delete(rec.meshSince, t)
	}
	rec.topics = next
}

// Subscribed reports whether the peer advertises the topic.
func (m *Mesh) Subscribed(p PeerID, topic string) bool {
	rec, ok := m.peers[p]
	if !ok {
		return false
	}
	_, ok = rec.topics[topic]
	return ok
}

func (m *Mesh) topicState(topic string) *topicState {
	ts, ok := m.topics[topic]
	if !ok {
		ts = &topicState{
			mesh:       make(map[PeerID]struct{}),
			backoff:    make(map[PeerID]time.Time),
			lastPruned: make(map[PeerID]time.Time),
			fanout:     make(map[PeerID]struct{}),
			seen: bloomcache.New(m.params.SeenEntries, m.params.SeenFPRate,
				m.params.SeenRotateEvery, m.clk),
		}
		m.topics[topic] = ts
	}
	return ts
}

// Join starts maintaining a mesh for the topic and returns the GRAFT
// commands for the initial selection. Idempotent.
func (m *Mesh) Join(topic string) []Command {
	if _, ok := m.joined[topic]; ok {
		return nil
	}
	m.joined[topic] = struct{}{}
	ts := m.topicState(topic)

	now := m.clk.Now()

	// seed from the fanout set when we were publishing before joining
	for p := range ts.fanout {
		if len(ts.mesh) >= m.params.D {
			break
		}
		if m.backedOff(ts, p, now) || m.score(p) < 0 {
			continue
		}
		ts.mesh[p] = struct{}{}
	}
	ts.fanout = make(map[PeerID]struct{})
	ts.lastPub = time.Time{}

	if missing := m.params.D - len(ts.mesh); missing > 0 {
		for _, p := range m.selectPeers(topic, missing, func(p PeerID) bool {
			_, inMesh := ts.mesh[p]
			return !inMesh && !m.backedOff(ts, p, now) && m.score(p) >= 0
		}) {
			ts.mesh[p] = struct{}{}
		}
	}

	cmds := make([]Command, 0, len(ts.mesh))
	for p := range ts.mesh {
		m.noteGrafted(p, topic, now)
		cmds = append(cmds, Command{Kind: CommandGraft, Peer: p, Topic: topic})
	}

	m.logger.Debug("join", zap.String("topic", topic), zap.Int("mesh", len(ts.mesh)))
	return cmds
}

// Leave tears down the topic's mesh, backing off every member so an
// immediate rejoin does not re-graft them, and returns the PRUNEs to
// send.
func (m *Mesh) Leave(topic string) []Command {
	if _, ok := m.joined[topic]; !ok {
		return nil
	}
	delete(m.joined, topic)

	ts, ok := m.topics[topic]
	if !ok {
		return nil
	}

	now := m.clk.Now()
	cmds := make([]Command, 0, len(ts.mesh))
	for p := range ts.mesh {
		m.addBackoff(ts, p, now, m.params.UnsubscribeBackoff)
		m.noteUngrafted(p, topic)
		cmds = append(cmds, Command{
			Kind:    CommandPrune,
			Peer:    p,
			Topic:   topic,
			Backoff: m.params.UnsubscribeBackoff,
		})
	}
	ts.mesh = make(map[PeerID]struct{})
	ts.fanout = make(map[PeerID]struct{})

	m.logger.Debug("leave", zap.String("topic", topic), zap.Int("pruned", len(cmds)))
	return cmds
}

// Joined reports whether we maintain a mesh for the topic.
func (m *Mesh) Joined(topic string) bool {
	_, ok := m.joined[topic]
	return ok
}

// MeshPeers returns the current mesh members for the topic.
func (m *Mesh) MeshPeers(topic string) []PeerID {
	ts, ok := m.topics[topic]
	if !ok {
		return nil
	}
	return peerSetToList(ts.mesh)
}

// PublishSelect returns the eager set (full payload) and the lazy set
// (availability hints only) for a publish on the topic. When we are
// subscribed the mesh is eager; otherwise a cached fanout set of size D
// stands in, valid for FanoutTTL.
func (m *Mesh) PublishSelect(topic string) (eager, lazy []PeerID) {
	ts := m.topicState(topic)
	now := m.clk.Now()

	_, joined := m.joined[topic]
	if joined && len(ts.mesh) > 0 {
		eager = peerSetToList(ts.mesh)
	} else {
		// unsubscribed, or freshly joined with an empty mesh: a cached
		// fanout set stands in until the heartbeat repairs the mesh
		if len(ts.fanout) == 0 {
			for _, p := range m.selectPeers(topic, m.params.D, func(p PeerID) bool {
				return !m.backedOff(ts, p, now) && m.score(p) >= 0
			}) {
				ts.fanout[p] = struct{}{}
			}
		}
		ts.lastPub = now
		eager = peerSetToList(ts.fanout)
	}

	eagerSet := make(map[PeerID]struct{}, len(eager))
	for _, p := range eager {
		eagerSet[p] = struct{}{}
	}

	var candidates []PeerID
	for p, rec := range m.peers {
		if _, ok := rec.topics[topic]; !ok {
			continue
		}
		if _, ok := eagerSet[p]; ok {
			continue
		}
		candidates = append(candidates, p)
	}

	target := m.params.DLazy
	if factor := int(m.params.GossipFactor * float64(len(candidates))); factor > target {
		target = factor
	}
	if target >= len(candidates) {
		return eager, candidates
	}

	m.shufflePeers(candidates)
	return eager, candidates[:target]
}

// HandleGraft processes a GRAFT from a peer. It is accepted only when we
// are subscribed, the peer is not backing off, and the mesh has room;
// denials carry a score penalty to discourage greedy re-grafts.
func (m *Mesh) HandleGraft(p PeerID, topic string) bool {
	now := m.clk.Now()

	if _, ok := m.joined[topic]; !ok {
		m.AdjustScore(p, m.params.Score.GraftDeniedPenalty)
		return false
	}

	ts := m.topicState(topic)
	if _, inMesh := ts.mesh[p]; inMesh {
		return true
	}

	if m.backedOff(ts, p, now) {
		m.AdjustScore(p, m.params.Score.GraftDeniedPenalty)
		// a GRAFT right on the heels of our PRUNE is flooding
		if pruned, ok := ts.lastPruned[p]; ok &&
			now.Sub(pruned) < m.params.GraftFloodThreshold {
			m.AdjustScore(p, m.params.Score.GraftFloodPenalty)
		}
		m.addBackoff(ts, p, now, m.params.PruneBackoff)
		return false
	}

	if m.score(p) < 0 || len(ts.mesh) >= m.params.DHigh {
		m.AdjustScore(p, m.params.Score.GraftDeniedPenalty)
		m.addBackoff(ts, p, now, m.params.PruneBackoff)
		return false
	}

	ts.mesh[p] = struct{}{}
	m.noteGrafted(p, topic, now)
	m.logger.Debug("graft accepted",
		zap.String("peer", string(p)), zap.String("topic", topic))
	return true
}

// HandlePrune removes the peer from the topic mesh. Explicitly signaled
// departures earn a small bonus over silently going dark. A remote
// backoff of zero falls back to our configured PruneBackoff.
func (m *Mesh) HandlePrune(p PeerID, topic string, backoff time.Duration) {
	ts, ok := m.topics[topic]
	if !ok {
		return
	}
	if _, inMesh := ts.mesh[p]; !inMesh {
		return
	}

	delete(ts.mesh, p)
	m.noteUngrafted(p, topic)

	if backoff <= 0 {
		backoff = m.params.PruneBackoff
	}
	m.addBackoff(ts, p, m.clk.Now(), backoff)
	m.AdjustScore(p, m.params.Score.PruneSignalBonus)
}

// OnMessageDelivery updates the sender's score for a delivery on the
// topic: a bonus for a novel accepted message, a small penalty for a
// duplicate, a larger one for an invalid one. It reports whether the
// message was novel within the topic's dedup window.
func (m *Mesh) OnMessageDelivery(p PeerID, topic string, msgID []byte, accepted bool) bool {
	if !accepted {
		m.AdjustScore(p, m.params.Score.InvalidPenalty)
		return false
	}

	ts := m.topicState(topic)
	if ts.seen.TestAndAdd(msgID) {
		m.AdjustScore(p, m.params.Score.DuplicatePenalty)
		return false
	}

	m.AdjustScore(p, m.params.Score.FirstDeliveryBonus)
	return true
}

// NotePublished marks a locally published message in the topic's dedup
// window so echoes from peers count as duplicates.
func (m *Mesh) NotePublished(topic string, msgID []byte) {
	m.topicState(topic).seen.Add(msgID)
}

// Heartbeat runs one maintenance tick and returns the accumulated
// GRAFT/PRUNE commands. The caller transmits them after releasing its
// lock; state mutation and command computation happen together so a tick
// is all-or-nothing.
func (m *Mesh) Heartbeat(now time.Time) []Command {
	m.ticks++

	var cmds []Command

	m.sweepBackoffs(now)
	m.decayScores()
	if m.params.Score.AccrualTicks > 0 && m.ticks%m.params.Score.AccrualTicks == 0 {
		m.accrueMeshTime()
	}

	for topic := range m.joined {
		cmds = append(cmds, m.repairTopic(topic, now)...)
	}

	m.maintainFanout(now)

	for _, ts := range m.topics {
		ts.seen.MaybeRotate(now)
	}

	return cmds
}

func (m *Mesh) repairTopic(topic string, now time.Time) []Command {
	ts := m.topicState(topic)
	var cmds []Command

	prune := func(p PeerID) {
		delete(ts.mesh, p)
		m.noteUngrafted(p, topic)
		ts.lastPruned[p] = now
		m.addBackoff(ts, p, now, m.params.PruneBackoff)
		cmds = append(cmds, Command{
			Kind:    CommandPrune,
			Peer:    p,
			Topic:   topic,
			Backoff: m.params.PruneBackoff,
		})
	}
	graft := func(p PeerID) {
		ts.mesh[p] = struct{}{}
		m.noteGrafted(p, topic, now)
		cmds = append(cmds, Command{Kind: CommandGraft, Peer: p, Topic: topic})
	}

	// drop mesh members whose score went negative
	for p := range ts.mesh {
		if m.score(p) < 0 {
			m.logger.Debug("heartbeat: pruning negative score peer",
				zap.String("peer", string(p)), zap.String("topic", topic))
			prune(p)
		}
	}

	// undersized: graft back up to D
	if len(ts.mesh) < m.params.DLow {
		need := m.params.D - len(ts.mesh)
		for _, p := range m.selectPeers(topic, need, func(p PeerID) bool {
			_, inMesh := ts.mesh[p]
			return !inMesh && !m.backedOff(ts, p, now) && m.score(p) >= 0
		}) {
			graft(p)
		}
	}

	// oversized: keep the best D, prune the lowest-scoring excess
	if len(ts.mesh) > m.params.DHigh {
		members := peerSetToList(ts.mesh)
		m.orderByScore(members)
		for _, p := range members[m.params.D:] {
			prune(p)
		}
	}

	// opportunistic graft: the mesh is sized fine but scoring poorly
	if m.params.OpportunisticGraftTicks > 0 &&
		m.ticks%m.params.OpportunisticGraftTicks == 0 && len(ts.mesh) > 1 {
		median := m.medianMeshScore(ts)
		if median <= m.params.OpportunisticGraftThreshold {
			for _, p := range m.selectPeers(topic, m.params.OpportunisticGraftPeers, func(p PeerID) bool {
				_, inMesh := ts.mesh[p]
				return !inMesh && !m.backedOff(ts, p, now) && m.score(p) > median
			}) {
				m.logger.Debug("heartbeat: opportunistic graft",
					zap.String("peer", string(p)), zap.String("topic", topic))
				graft(p)
			}
		}
	}

	return cmds
}

func (m *Mesh) medianMeshScore(ts *topicState) float64 {
	scores := make([]float64, 0, len(ts.mesh))
	for p := range ts.mesh {
		scores = append(scores, m.score(p))
	}
	sort.Float64s(scores)
	return scores[len(scores)/2]
}

func (m *Mesh) maintainFanout(now time.Time) {
	for topic, ts := range m.topics {
		if _, joined := m.joined[topic]; joined {
			// a fanout set that stood in while the mesh was empty is
			// dropped once the mesh forms
			if len(ts.fanout) > 0 && len(ts.mesh) > 0 {
				ts.fanout = make(map[PeerID]struct{})
			}
			continue
		}
		if len(ts.fanout) == 0 {
			continue
		}

		if now.Sub(ts.lastPub) > m.params.FanoutTTL {
			ts.fanout = make(map[PeerID]struct{})
			continue
		}

		// drop fanout members that unsubscribed or went negative
		for p := range ts.fanout {
			if !m.Subscribed(p, topic) || m.score(p) < 0 {
				delete(ts.fanout, p)
			}
		}

		if need := m.params.D - len(ts.fanout); need > 0 {
			for _, p := range m.selectPeers(topic, need, func(p PeerID) bool {
				_, in := ts.fanout[p]
				return !in && m.score(p) >= 0
			}) {
				ts.fanout[p] = struct{}{}
			}
		}
	}
}

func (m *Mesh) sweepBackoffs(now time.Time) {
	if m.params.BackoffSweepTicks == 0 || m.ticks%m.params.BackoffSweepTicks != 0 {
		return
	}

	for _, ts := range m.topics {
		for p, expire := range ts.backoff {
			if expire.Add(m.params.BackoffSlack).Before(now) {
				delete(ts.backoff, p)
				delete(ts.lastPruned, p)
			}
		}
	}
}

func (m *Mesh) addBackoff(ts *topicState, p PeerID, now time.Time, d time.Duration) {
	expire := now.Add(d)
	if ts.backoff[p].Before(expire) {
		ts.backoff[p] = expire
	}
}

func (m *Mesh) backedOff(ts *topicState, p PeerID, now time.Time) bool {
	expire, ok := ts.backoff[p]
	return ok && now.Before(expire)
}

func (m *Mesh) noteGrafted(p PeerID, topic string, now time.Time) {
	if rec, ok := m.peers[p]; ok {
		rec.meshSince[topic] = now
	}
}

func (m *Mesh) noteUngrafted(p PeerID, topic string) {
	if rec, ok := m.peers[p]; ok {
		delete(rec.meshSince, topic)
	}
}

// selectPeers picks up to count subscribed peers passing the filter,
// preferring higher scores. Ties are broken by the seeded shuffle, so
// selection is deterministic for a given score snapshot and seed.
func (m *Mesh) selectPeers(topic string, count int, filter func(PeerID) bool) []PeerID {
	if count <= 0 {
		return nil
	}

	var candidates []PeerID
	for p, rec := range m.peers {
		if _, ok := rec.topics[topic]; !ok {
			continue
		}
		if filter(p) {
			candidates = append(candidates, p)
		}
	}

	m.orderByScore(candidates)
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// orderByScore sorts descending by score; the pre-shuffle randomizes only
// the relative order within equal-score runs because the sort is stable.
func (m *Mesh) orderByScore(peers []PeerID) {
	m.shufflePeers(peers)
	sort.SliceStable(peers, func(i, j int) bool {
		return m.score(peers[i]) > m.score(peers[j])
	})
}

func (m *Mesh) shufflePeers(peers []PeerID) {
	// map iteration order is random; normalize before shuffling so the
	// seeded result is reproducible
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	m.rng.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
}

func peerSetToList(set map[PeerID]struct{}) []PeerID {
	lst := make([]PeerID, 0, len(set))
	for p := range set {
		lst = append(lst, p)
	}
	return lst
}
