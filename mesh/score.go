package mesh

import "time"

// The score ledger. Scores are bounded to [Floor, Ceiling], decay toward
// zero every heartbeat, and accrue a small bonus for stable mesh
// membership. Score is the only state mutated from multiple call sites
// (deliveries, graft/prune handling, accrual), all serialized by the
// owning engine's lock.

// Score returns the peer's current score; unknown peers score zero.
func (m *Mesh) Score(p PeerID) float64 {
	return m.score(p)
}

func (m *Mesh) score(p PeerID) float64 {
	rec, ok := m.peers[p]
	if !ok {
		return 0
	}
	return rec.score
}

// AdjustScore applies a delta to the peer's score, clamped to the
// configured bounds. Unknown peers are ignored.
func (m *Mesh) AdjustScore(p PeerID, delta float64) {
	rec, ok := m.peers[p]
	if !ok {
		return
	}

	rec.score += delta
	if rec.score > m.params.Score.Ceiling {
		rec.score = m.params.Score.Ceiling
	}
	if rec.score < m.params.Score.Floor {
		rec.score = m.params.Score.Floor
	}
}

func (m *Mesh) decayScores() {
	factor := m.params.Score.DecayFactor
	if factor <= 0 || factor >= 1 {
		return
	}

	for _, rec := range m.peers {
		rec.score *= factor
		if rec.score < m.params.Score.DecayToZero &&
			rec.score > -m.params.Score.DecayToZero {
			rec.score = 0
		}
	}
}

func (m *Mesh) accrueMeshTime() {
	bonus := m.params.Score.MeshTimeBonus
	if bonus == 0 {
		return
	}

	for topic := range m.joined {
		ts, ok := m.topics[topic]
		if !ok {
			continue
		}
		for p := range ts.mesh {
			m.AdjustScore(p, bonus)
		}
	}
}

// PeerSnapshot is a point-in-time view of one peer's ledger entry, for
// debugging and operator inspection.
type PeerSnapshot struct {
	Score     float64
	Topics    []string
	MeshSince map[string]time.Time
}

// Snapshot dumps the ledger. Intended for inspection hooks, not hot
// paths.
func (m *Mesh) Snapshot() map[PeerID]PeerSnapshot {
	out := make(map[PeerID]PeerSnapshot, len(m.peers))
	for p, rec := range m.peers {
		topics := make([]string, 0, len(rec.topics))
		for t := range rec.topics {
			topics = append(topics, t)
		}
		since := make(map[string]time.Time, len(rec.meshSince))
		for t, ts := range rec.meshSince {
			since[t] = ts
		}
		out[p] = PeerSnapshot{Score: rec.score, Topics: topics, MeshSince: since}
	}
	return out
}
