// Package relay provides admission gates for discrete content objects
// announced and relayed outside the raw gossip path. A gate runs two
// dedup tiers around a host-supplied verification callback so that
// expensive verification happens at most once per unique object: a cheap
// body-hash bloom before verification, and an authoritative id bloom
// after it.
package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/veilcraft/gossipmesh/bloomcache"
)

// Verdict is the outcome of a body admission attempt.
type Verdict int

const (
	VerdictAccepted Verdict = iota
	VerdictDuplicateBody
	VerdictDuplicateID
	VerdictRejected
	VerdictEmpty
	VerdictOversize
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictDuplicateBody:
		return "duplicate_body"
	case VerdictDuplicateID:
		return "duplicate_id"
	case VerdictRejected:
		return "rejected"
	case VerdictEmpty:
		return "empty"
	case VerdictOversize:
		return "oversize"
	default:
		return "unknown"
	}
}

// PrecheckResult is what the host's verification callback reports for a
// body: whether it is acceptable, a reason when it is not, and the
// object's canonical identifier when it is.
type PrecheckResult struct {
	Accepted bool
	Reason   string
	ID       []byte
}

// Precheck performs lightweight semantic verification of a body and
// derives its canonical id. It is invoked at most once per unique body.
type Precheck func(body []byte) PrecheckResult

// Params sizes a gate's dedup tiers.
type Params struct {
	// MaxBodySize bounds accepted bodies; zero or negative disables the
	// upper bound.
	MaxBodySize int

	// Bloom sizing, shared by both tiers.
	Entries     uint
	FPRate      float64
	RotateEvery time.Duration
}

// DefaultParams returns gate parameters suitable for transaction-sized
// objects.
func DefaultParams() Params {
	return Params{
		MaxBodySize: 1 << 20,
		Entries:     1 << 18,
		FPRate:      0.0001,
		RotateEvery: 30 * time.Second,
	}
}

// Gate is one admission gate instance. It is safe for concurrent use;
// the gate sits on its own hot path and carries its own lock rather than
// the engine's.
type Gate struct {
	mu sync.Mutex

	name     string
	params   Params
	precheck Precheck
	deriveID func(body []byte, raw []byte) []byte
	logger   *zap.Logger

	// bodies dedups raw bytes before verification; ids is the
	// authoritative post-verification record; announced dampens repeated
	// inv announcements for objects whose bodies we have not admitted.
	bodies    *bloomcache.Rolling
	ids       *bloomcache.Rolling
	announced *bloomcache.Rolling

	metrics gateMetrics
}

type gateMetrics struct {
	admitted      prometheus.Counter
	duplicateBody prometheus.Counter
	duplicateID   prometheus.Counter
	rejected      prometheus.Counter
	invSuppressed prometheus.Counter
	invWanted     prometheus.Counter
}

func newGate(
	name string,
	params Params,
	precheck Precheck,
	deriveID func(body, raw []byte) []byte,
	logger *zap.Logger,
	clk clock.Clock,
	reg prometheus.Registerer,
) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}

	counter := func(outcome string) prometheus.Counter {
		return promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "gossipmesh",
			Subsystem:   "relay",
			Name:        "gate_" + outcome + "_total",
			ConstLabels: prometheus.Labels{"gate": name},
		})
	}

	return &Gate{
		name:      name,
		params:    params,
		precheck:  precheck,
		deriveID:  deriveID,
		logger:    logger.With(zap.String("gate", name)),
		bodies:    bloomcache.New(params.Entries, params.FPRate, params.RotateEvery, clk),
		ids:       bloomcache.New(params.Entries, params.FPRate, params.RotateEvery, clk),
		announced: bloomcache.New(params.Entries, params.FPRate, params.RotateEvery, clk),
		metrics: gateMetrics{
			admitted:      counter("admitted"),
			duplicateBody: counter("duplicate_body"),
			duplicateID:   counter("duplicate_id"),
			rejected:      counter("rejected"),
			invSuppressed: counter("inv_suppressed"),
			invWanted:     counter("inv_wanted"),
		},
	}
}

// NewTxGate builds a gate for transaction-like objects whose identity is
// a content hash. When the precheck omits the id, the gate falls back to
// the sha256 of the body.
func NewTxGate(
	params Params,
	precheck Precheck,
	logger *zap.Logger,
	clk clock.Clock,
	reg prometheus.Registerer,
) *Gate {
	return newGate("tx", params, precheck, func(body, raw []byte) []byte {
		if len(raw) > 0 {
			return raw
		}
		sum := sha256.Sum256(body)
		return sum[:]
	}, logger, clk, reg)
}

// shareIDTag domain-separates share nullifiers from any other sha3 use
// of the same preimage bytes.
const shareIDTag = "gossipmesh/share/nullifier/v1"

// NewShareGate builds a gate for share-like objects identified by a
// type-tagged nullifier. The precheck must return the raw nullifier; the
// gate derives the canonical id by domain-tagged hashing so ids from
// different object types can never collide.
func NewShareGate(
	params Params,
	precheck Precheck,
	logger *zap.Logger,
	clk clock.Clock,
	reg prometheus.Registerer,
) *Gate {
	return newGate("share", params, precheck, func(_, raw []byte) []byte {
		if len(raw) == 0 {
			return nil
		}
		sum := sha3.Sum256(append([]byte(shareIDTag), raw...))
		return sum[:]
	}, logger, clk, reg)
}

// AdmitInvIds filters a batch of announced identifiers down to the ones
// worth fetching: ids we have already admitted or already heard announced
// are dropped, and the survivors are marked announced so a re-announce
// before the fetch completes is suppressed too.
func (g *Gate) AdmitInvIds(ids [][]byte) [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	var want [][]byte
	for _, id := range ids {
		if len(id) == 0 {
			continue
		}
		if g.ids.Contains(id) || g.announced.TestAndAdd(id) {
			g.metrics.invSuppressed.Inc()
			continue
		}
		g.metrics.invWanted.Inc()
		want = append(want, id)
	}
	return want
}

// AdmitBody runs a body through the gate: size bounds, body-hash dedup,
// the host precheck, then authoritative id dedup. On acceptance the
// returned id is the object's canonical identifier. A duplicate or
// rejected body is marked in the body-hash tier either way, so
// resubmitting the same bytes never reaches the precheck again within the
// rotation window.
func (g *Gate) AdmitBody(body []byte) (Verdict, []byte, string) {
	if len(body) == 0 {
		g.metrics.rejected.Inc()
		return VerdictEmpty, nil, "empty body"
	}
	if g.params.MaxBodySize > 0 && len(body) > g.params.MaxBodySize {
		g.metrics.rejected.Inc()
		return VerdictOversize, nil, "body exceeds size bound"
	}

	bodyHash := sha256.Sum256(body)

	g.mu.Lock()
	dup := g.bodies.TestAndAdd(bodyHash[:])
	g.mu.Unlock()
	if dup {
		g.metrics.duplicateBody.Inc()
		return VerdictDuplicateBody, nil, "body already seen"
	}

	// verification happens outside the lock; a concurrent identical body
	// already short-circuited on the body-hash tier above
	res := g.runPrecheck(body)
	if !res.Accepted {
		g.metrics.rejected.Inc()
		g.logger.Debug("body rejected", zap.String("reason", res.Reason))
		return VerdictRejected, nil, res.Reason
	}

	id := g.deriveID(body, res.ID)
	if len(id) == 0 {
		g.metrics.rejected.Inc()
		return VerdictRejected, nil, "precheck returned no id"
	}

	g.mu.Lock()
	dup = g.ids.TestAndAdd(id)
	g.mu.Unlock()
	if dup {
		g.metrics.duplicateID.Inc()
		return VerdictDuplicateID, id, "id already admitted"
	}

	g.metrics.admitted.Inc()
	g.logger.Debug("body admitted", zap.String("id", base58.Encode(id)))
	return VerdictAccepted, id, ""
}

func (g *Gate) runPrecheck(body []byte) (res PrecheckResult) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("precheck panicked", zap.Any("panic", r))
			res = PrecheckResult{Reason: fmt.Sprintf("precheck panic: %v", r)}
		}
	}()
	return g.precheck(body)
}

// MaybeRotate ages out both dedup tiers and the announcement damper on
// their time cadence. Called from the owning engine's heartbeat.
func (g *Gate) MaybeRotate(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bodies.MaybeRotate(now)
	g.ids.MaybeRotate(now)
	g.announced.MaybeRotate(now)
}
