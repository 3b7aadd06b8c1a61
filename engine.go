package gossipmesh

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/veilcraft/gossipmesh/flow"
	"github.com/veilcraft/gossipmesh/mesh"
	"github.com/veilcraft/gossipmesh/ratelimit"
	"github.com/veilcraft/gossipmesh/relay"
	"github.com/veilcraft/gossipmesh/seencache"
)

// Transport is the byte-oriented peer transport the host supplies. The
// engine calls it for publish fan-out, forwarding, control frames and
// credit updates; retry and backoff are the transport's concern.
type Transport interface {
	Send(ctx context.Context, peer PeerID, topic string, frame []byte) error
}

// AppCallback receives every novel accepted message, exactly once each.
type AppCallback func(peer PeerID, topic string, payload []byte)

// HintCallback receives availability hints for message ids we have not
// seen; the host decides whether to request the bodies.
type HintCallback func(peer PeerID, topic string, ids [][]byte)

// Engine is the node-facing pub/sub surface: it composes the overlay
// manager, dedup, rate limiting, flow control and peer scoring behind
// Subscribe/Publish/HandleFrame.
//
// One mutex serializes all mesh, score and dedup mutation; peer sets for
// a fan-out are finalized under the lock and the sends happen outside it.
type Engine struct {
	cfg       engineConfig
	logger    *zap.Logger
	clk       clock.Clock
	transport Transport

	mu     sync.Mutex
	mesh   *mesh.Mesh
	seen   *seencache.SeenTable
	gates  []*relay.Gate
	appCB  AppCallback
	hintCB HintCallback
	closed bool

	// flowCtl and the limiters carry their own synchronization; they are
	// never called with mu held.
	flowCtl *flow.Controller
	ingress *ratelimit.Limiter
	egress  *ratelimit.Limiter

	metrics engineMetrics
}

// New builds an engine bound to the given transport.
func New(transport Transport, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("gossipmesh: nil transport")
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.clk == nil {
		cfg.clk = clock.New()
	}

	m, err := mesh.New(cfg.meshParams, cfg.logger, cfg.clk)
	if err != nil {
		return nil, err
	}
	seen, err := seencache.New(cfg.seenSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		logger:    cfg.logger,
		clk:       cfg.clk,
		transport: transport,
		mesh:      m,
		seen:      seen,
		flowCtl:   flow.NewController(cfg.flowParams, cfg.logger),
		ingress:   ratelimit.NewLimiter(cfg.ingressRefillPerSecond, cfg.ingressCapacity),
		egress:    ratelimit.NewLimiter(cfg.egressRefillPerSecond, cfg.egressCapacity),
		metrics:   newEngineMetrics(cfg.registerer),
	}, nil
}

// SetAppCallback registers the application delivery callback. Register
// before any inbound traffic arrives.
func (e *Engine) SetAppCallback(cb AppCallback) {
	e.mu.Lock()
	e.appCB = cb
	e.mu.Unlock()
}

// SetHintCallback registers the availability-hint callback.
func (e *Engine) SetHintCallback(cb HintCallback) {
	e.mu.Lock()
	e.hintCB = cb
	e.mu.Unlock()
}

// AttachGate hooks a relay gate's generation rotation into this engine's
// heartbeat.
func (e *Engine) AttachGate(g *relay.Gate) {
	e.mu.Lock()
	e.gates = append(e.gates, g)
	e.mu.Unlock()
}

// AddPeer registers a connected peer.
func (e *Engine) AddPeer(p PeerID) {
	e.mu.Lock()
	e.mesh.AddPeer(p)
	e.mu.Unlock()
}

// RemovePeer drops all overlay, score and flow state for a peer.
func (e *Engine) RemovePeer(p PeerID) {
	e.mu.Lock()
	e.mesh.RemovePeer(p)
	e.mu.Unlock()
	e.flowCtl.DropPeer(string(p))
}

// UpdatePeerSubscriptions replaces a peer's advertised topic set.
func (e *Engine) UpdatePeerSubscriptions(p PeerID, topics []string) {
	e.mu.Lock()
	e.mesh.UpdateSubscriptions(p, topics)
	e.mu.Unlock()
}

// Subscribe validates the topic and joins its mesh. Idempotent.
func (e *Engine) Subscribe(ctx context.Context, topic string) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	cmds := e.mesh.Join(topic)
	e.mu.Unlock()

	e.openReceivers(cmds)
	return e.sendCommands(ctx, cmds)
}

// Unsubscribe leaves the topic's mesh, pruning every member with the
// unsubscribe backoff. Idempotent.
func (e *Engine) Unsubscribe(ctx context.Context, topic string) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	cmds := e.mesh.Leave(topic)
	e.mu.Unlock()

	return e.sendCommands(ctx, cmds)
}

// Publish fans a payload out to the topic's eager peers and hints the
// lazy subset. Requires a local subscription. Idempotent: re-publishing
// bytes already in the dedup window returns the same id without sending.
func (e *Engine) Publish(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if !e.mesh.Joined(topic) {
		e.mu.Unlock()
		return nil, errors.Wrap(ErrNotSubscribed, topic)
	}
	if !prefilter(e.cfg.prefilter, payload) {
		e.mu.Unlock()
		return nil, ErrPrefilterReject
	}

	id := ComputeMessageID(topic, payload)
	if !e.seen.InsertIfNew(string(id)) {
		e.mu.Unlock()
		e.metrics.publishDuplicate.Inc()
		return id, nil
	}
	e.mesh.NotePublished(topic, id)
	eager, lazy := e.mesh.PublishSelect(topic)
	e.mu.Unlock()

	e.metrics.publishTotal.Inc()
	e.logger.Debug("publish",
		zap.String("topic", topic),
		zap.String("id", midStr(id)),
		zap.Int("eager", len(eager)),
		zap.Int("lazy", len(lazy)))

	e.fanOut(ctx, topic, id, payload, eager, lazy, "")
	return id, nil
}

// HandleFrame dispatches one inbound frame from the transport.
func (e *Engine) HandleFrame(ctx context.Context, peer PeerID, topic string, frame []byte) error {
	if len(frame) == 0 {
		return errTruncatedFrame
	}
	kind, body := frame[0], frame[1:]

	switch kind {
	case frameData:
		return e.receiveInbound(ctx, peer, topic, body)

	case frameGraft:
		f, err := decodeGraftFrame(body)
		if err != nil {
			return err
		}
		if f.Topic != "" {
			topic = f.Topic
		}
		return e.onGraft(ctx, peer, topic)

	case framePrune:
		f, err := decodePruneFrame(body)
		if err != nil {
			return err
		}
		if f.Topic != "" {
			topic = f.Topic
		}
		e.onPrune(peer, topic, f)
		return nil

	case frameHint:
		f, err := decodeHintFrame(body)
		if err != nil {
			return err
		}
		if f.Topic != "" {
			topic = f.Topic
		}
		e.onHint(peer, topic, f.IDs)
		return nil

	case frameCredit:
		c, err := decodeCreditFrame(body)
		if err != nil {
			return err
		}
		if c.Topic == "" {
			c.Topic = topic
		}
		// credit for a topic we never joined would only seed sender
		// windows we cannot use; drop it
		e.mu.Lock()
		joined := e.mesh.Joined(c.Topic)
		e.mu.Unlock()
		if joined {
			e.flowCtl.OnCreditUpdate(string(peer), c)
		}
		return nil

	default:
		return errors.Wrapf(errUnknownFrame, "kind 0x%02x", kind)
	}
}

// receiveInbound runs the inbound data pipeline: ingress budget, then
// prefilter, then the receiver window, then dedup; a novel message is
// re-gossiped to the rest of the mesh and handed to the application
// exactly once.
func (e *Engine) receiveInbound(ctx context.Context, peer PeerID, topic string, payload []byte) error {
	e.metrics.inboundTotal.Inc()

	// unsolicited topics are dropped before anything allocates for them:
	// no ingress bucket, no receiver window, no per-topic state. Silent
	// and non-punitive: the frame may have raced our own unsubscribe.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	joined := e.mesh.Joined(topic)
	e.mu.Unlock()
	if !joined {
		e.metrics.inboundUnsubscribed.Inc()
		return nil
	}

	// ingress throttling is a silent, non-punitive drop: local congestion
	// is indistinguishable from sender fault
	if !e.ingress.Allow(ratelimit.Key(string(peer), TopicID(topic)), int64(len(payload))) {
		e.metrics.inboundThrottled.Inc()
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if !prefilter(e.cfg.prefilter, payload) {
		e.mesh.OnMessageDelivery(peer, topic, nil, false)
		e.mu.Unlock()
		e.metrics.inboundPrefilter.Inc()
		return nil
	}
	e.mu.Unlock()

	if !e.flowCtl.AdmitInbound(string(peer), topic, int64(len(payload))) {
		e.metrics.inboundFlowDrop.Inc()
		return nil
	}

	id := ComputeMessageID(topic, payload)

	e.mu.Lock()
	// recheck under the lock: an unsubscribe that won the race must not
	// see the topic state recreated
	if !e.mesh.Joined(topic) {
		e.mu.Unlock()
		e.metrics.inboundUnsubscribed.Inc()
		return nil
	}
	novel := e.seen.InsertIfNew(string(id))
	e.mesh.OnMessageDelivery(peer, topic, id, true)
	var eager []mesh.PeerID
	var cb AppCallback
	if novel {
		eager = e.mesh.MeshPeers(topic)
		cb = e.appCB
	}
	e.mu.Unlock()

	if !novel {
		e.metrics.inboundDuplicate.Inc()
		return nil
	}
	e.metrics.inboundNovel.Inc()

	e.fanOut(ctx, topic, id, payload, eager, nil, peer)
	if cb != nil {
		cb(peer, topic, payload)
	}
	return nil
}

// fanOut sends the payload to the eager peers and an availability hint to
// the lazy ones, excluding the source. Throttled or hard-backpressured
// sends are dropped, not retried.
func (e *Engine) fanOut(
	ctx context.Context,
	topic string,
	id, payload []byte,
	eager, lazy []mesh.PeerID,
	exclude PeerID,
) {
	frame := encodeDataFrame(payload)
	tid := TopicID(topic)

	for _, p := range eager {
		if p == exclude {
			continue
		}
		if !e.egress.Allow(ratelimit.Key(string(p), tid), int64(len(payload))) {
			e.metrics.egressThrottled.Inc()
			continue
		}
		if e.flowCtl.SignalBeforeSend(string(p), topic, int64(len(payload))) == flow.SignalHard {
			e.metrics.egressDeferred.Inc()
			continue
		}
		if err := e.sendFrame(ctx, p, topic, frame); err != nil {
			e.logger.Debug("data send failed",
				zap.String("peer", string(p)), zap.Error(err))
		}
	}

	if len(lazy) == 0 {
		return
	}
	hint := encodeHintFrame(topic, [][]byte{id})
	for _, p := range lazy {
		if p == exclude {
			continue
		}
		e.metrics.hintsSent.Inc()
		if err := e.sendFrame(ctx, p, topic, hint); err != nil {
			e.logger.Debug("hint send failed",
				zap.String("peer", string(p)), zap.Error(err))
		}
	}
}

func (e *Engine) onGraft(ctx context.Context, peer PeerID, topic string) error {
	e.mu.Lock()
	ok := e.mesh.HandleGraft(peer, topic)
	e.mu.Unlock()

	if ok {
		e.flowCtl.OpenReceiver(string(peer), topic)
		return nil
	}

	e.metrics.graftsDenied.Inc()
	e.metrics.prunesSent.Inc()
	return e.sendFrame(ctx, peer, topic,
		encodePruneFrame(topic, e.cfg.meshParams.PruneBackoff))
}

func (e *Engine) onPrune(peer PeerID, topic string, f pruneFrame) {
	e.mu.Lock()
	e.mesh.HandlePrune(peer, topic, f.Backoff)
	e.mu.Unlock()
}

func (e *Engine) onHint(peer PeerID, topic string, ids [][]byte) {
	e.mu.Lock()
	cb := e.hintCB
	var unseen [][]byte
	for _, id := range ids {
		if !e.seen.Contains(string(id)) {
			unseen = append(unseen, id)
		}
	}
	e.mu.Unlock()

	if cb != nil && len(unseen) > 0 {
		cb(peer, topic, unseen)
	}
}

// Run drives the heartbeat until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clk.Ticker(e.cfg.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.heartbeat(ctx); err != nil {
				if errors.Is(err, ErrEngineClosed) {
					return nil
				}
				e.logger.Warn("heartbeat", zap.Error(err))
			}
		}
	}
}

// heartbeat runs one maintenance tick: overlay repair, credit top-ups
// and relay-gate rotation. The command batch is computed atomically under
// the lock and transmitted after it is released.
func (e *Engine) heartbeat(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	now := e.clk.Now()
	cmds := e.mesh.Heartbeat(now)
	gates := append([]*relay.Gate(nil), e.gates...)
	e.mu.Unlock()

	e.openReceivers(cmds)

	var err error
	err = multierr.Append(err, e.sendCommands(ctx, cmds))

	for _, g := range e.flowCtl.PendingGrants() {
		e.metrics.creditsSent.Inc()
		err = multierr.Append(err, e.sendFrame(ctx, PeerID(g.Peer),
			g.Credit.Topic, encodeCreditFrame(g.Credit)))
	}

	for _, g := range gates {
		g.MaybeRotate(now)
	}
	return err
}

// openReceivers opens a receiver window for every peer we graft, so the
// initial credit grant goes out before the peer's first data frame.
func (e *Engine) openReceivers(cmds []mesh.Command) {
	for _, c := range cmds {
		if c.Kind == mesh.CommandGraft {
			e.flowCtl.OpenReceiver(string(c.Peer), c.Topic)
		}
	}
}

func (e *Engine) sendCommands(ctx context.Context, cmds []mesh.Command) error {
	var err error
	for _, c := range cmds {
		var frame []byte
		switch c.Kind {
		case mesh.CommandGraft:
			e.metrics.graftsSent.Inc()
			frame = encodeGraftFrame(c.Topic)
		case mesh.CommandPrune:
			e.metrics.prunesSent.Inc()
			frame = encodePruneFrame(c.Topic, c.Backoff)
		default:
			continue
		}
		err = multierr.Append(err, e.sendFrame(ctx, c.Peer, c.Topic, frame))
	}
	return err
}

func (e *Engine) sendFrame(ctx context.Context, peer PeerID, topic string, frame []byte) error {
	if err := e.transport.Send(ctx, peer, topic, frame); err != nil {
		e.metrics.sendErrors.Inc()
		return errors.Wrapf(err, "send to %s", string(peer))
	}
	return nil
}

// Close releases the engine's caches and buckets. Further calls fail
// with ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.seen.Purge()
	e.ingress.Free()
	e.egress.Free()
	return nil
}
