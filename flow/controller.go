package flow

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

// CreditUpdate is the only wire payload this package emits. Values are
// clamped to the configured single-grant maxima before encoding so one
// update's blast radius stays bounded.
type CreditUpdate struct {
	Topic      string
	GrantBytes uint64
	GrantMsgs  uint64
}

// PeerGrant pairs a pending CreditUpdate with the peer it must be sent
// to.
type PeerGrant struct {
	Peer   string
	Credit CreditUpdate
}

type pairKey struct {
	peer  string
	topic string
}

// Controller owns the receiver and sender windows for every
// (peer, topic) pair an engine instance talks to. State for a peer is
// dropped when the peer disconnects.
type Controller struct {
	mu     sync.Mutex
	params WindowParams
	logger *zap.Logger

	recv map[pairKey]*ReceiverWindow
	send map[pairKey]*SenderWindow
}

func NewController(params WindowParams, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		params: params,
		logger: logger,
		recv:   make(map[pairKey]*ReceiverWindow),
		send:   make(map[pairKey]*SenderWindow),
	}
}

// AdmitInbound consumes receiver-side credit for an inbound message and
// fails closed when the window is exhausted. The window is created on
// first contact; its initial grant surfaces through PendingGrants.
func (c *Controller) AdmitInbound(peer, topic string, bytes int64) bool {
	c.mu.Lock()
	w := c.receiverWindow(peer, topic)
	ok := w.Admit(bytes, 1)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("flow window exhausted, dropping inbound",
			zap.String("peer", peer),
			zap.String("topic", topic),
			zap.Int64("bytes", bytes))
	}
	return ok
}

func (c *Controller) receiverWindow(peer, topic string) *ReceiverWindow {
	key := pairKey{peer: peer, topic: topic}
	w, ok := c.recv[key]
	if !ok {
		w = NewReceiverWindow(c.params)
		c.recv[key] = w
	}
	return w
}

// OpenReceiver ensures a receiver window exists for the pair, so the
// initial grant goes out before the peer ever sends. Called when a peer
// joins a topic's mesh.
func (c *Controller) OpenReceiver(peer, topic string) {
	c.mu.Lock()
	c.receiverWindow(peer, topic)
	c.mu.Unlock()
}

// PendingGrants sweeps all receiver windows and collects the top-ups that
// are due. Called from the engine heartbeat.
func (c *Controller) PendingGrants() []PeerGrant {
	c.mu.Lock()
	defer c.mu.Unlock()

	var grants []PeerGrant
	for key, w := range c.recv {
		bytes, msgs := w.MaybeGrant()
		if bytes == 0 && msgs == 0 {
			continue
		}
		grants = append(grants, PeerGrant{
			Peer: key.peer,
			Credit: CreditUpdate{
				Topic:      key.topic,
				GrantBytes: uint64(bytes),
				GrantMsgs:  uint64(msgs),
			},
		})
	}
	return grants
}

// SignalBeforeSend decrements the sender-side estimate for an outgoing
// message and returns the backpressure signal the caller should act on.
func (c *Controller) SignalBeforeSend(peer, topic string, bytes int64) Signal {
	key := pairKey{peer: peer, topic: topic}

	c.mu.Lock()
	w, ok := c.send[key]
	if !ok {
		w = NewSenderWindow(c.params)
		c.send[key] = w
	}
	sig := w.NoteSend(bytes)
	c.mu.Unlock()
	return sig
}

// OnCreditUpdate applies a grant received from a peer, clamping it to the
// configured single-grant maxima first.
func (c *Controller) OnCreditUpdate(peer string, cu CreditUpdate) {
	bytes := clampGrant(cu.GrantBytes, c.params.MaxGrantBytes)
	msgs := clampGrant(cu.GrantMsgs, c.params.MaxGrantMsgs)

	key := pairKey{peer: peer, topic: cu.Topic}

	c.mu.Lock()
	w, ok := c.send[key]
	if !ok {
		w = NewSenderWindow(c.params)
		c.send[key] = w
	}
	w.OnCreditUpdate(bytes, msgs)
	c.mu.Unlock()
}

// clampGrant narrows a wire grant into [0, max]. The uint64 comparison
// happens before the int64 conversion: a hostile varint above MaxInt64
// must not wrap negative and slip past the maximum.
func clampGrant(v uint64, max int64) int64 {
	if max > 0 && v > uint64(max) {
		return max
	}
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// DropPeer releases all window state for a disconnected peer.
func (c *Controller) DropPeer(peer string) {
	c.mu.Lock()
	for key := range c.recv {
		if key.peer == peer {
			delete(c.recv, key)
		}
	}
	for key := range c.send {
		if key.peer == peer {
			delete(c.send, key)
		}
	}
	c.mu.Unlock()
}
