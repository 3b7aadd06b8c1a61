// Package flow implements credit-based backpressure between peer pairs,
// per topic. The receiver side grants byte and message credits; the
// sender side keeps a pessimistic estimate of the remote's remaining
// grant and derives a three-level backpressure signal from it.
package flow

import "time"

// Signal is the sender-side backpressure level.
type Signal int

const (
	SignalOK Signal = iota
	SignalSoft
	SignalHard
)

func (s Signal) String() string {
	switch s {
	case SignalOK:
		return "ok"
	case SignalSoft:
		return "soft"
	case SignalHard:
		return "hard"
	default:
		return "unknown"
	}
}

// WindowParams configures both window sides for a (peer, topic) pair.
type WindowParams struct {
	CapacityBytes int64
	CapacityMsgs  int64

	// LowWatermarkFraction triggers a top-up grant once remaining credit
	// in either dimension falls to or below this fraction of capacity.
	LowWatermarkFraction float64

	// GrantChunkFraction sizes the top-up toward this fraction of
	// capacity, clamped to the min/max single-grant bounds below.
	GrantChunkFraction float64

	MinGrantBytes int64
	MaxGrantBytes int64
	MinGrantMsgs  int64
	MaxGrantMsgs  int64

	// Sender-side signal thresholds, as fractions of capacity.
	SoftThresholdFraction float64
	HardThresholdFraction float64
}

// DefaultWindowParams returns window parameters sized for gossip-scale
// payloads.
func DefaultWindowParams() WindowParams {
	return WindowParams{
		CapacityBytes:         4 << 20,
		CapacityMsgs:          512,
		LowWatermarkFraction:  0.25,
		GrantChunkFraction:    0.5,
		MinGrantBytes:         16 << 10,
		MaxGrantBytes:         2 << 20,
		MinGrantMsgs:          16,
		MaxGrantMsgs:          256,
		SoftThresholdFraction: 0.5,
		HardThresholdFraction: 0.1,
	}
}

// ReceiverWindow tracks the credits we have granted a remote sender and
// not yet seen consumed. It is authoritative: Admit re-checks on every
// message regardless of what the sender believes.
type ReceiverWindow struct {
	params     WindowParams
	availBytes int64
	availMsgs  int64
}

// NewReceiverWindow starts with zero extended credit; the first
// MaybeGrant produces the initial grant.
func NewReceiverWindow(params WindowParams) *ReceiverWindow {
	return &ReceiverWindow{params: params}
}

// Admit consumes credit for an inbound message and fails closed when
// either dimension is exhausted. On failure the caller must drop the
// message, not queue it.
func (w *ReceiverWindow) Admit(bytes, count int64) bool {
	if bytes > w.availBytes || count > w.availMsgs {
		return false
	}
	w.availBytes -= bytes
	w.availMsgs -= count
	return true
}

// MaybeGrant returns a top-up (bytes, msgs) once remaining credit falls
// to or below the low watermark in either dimension, and (0, 0)
// otherwise. A grant never pushes extended credit above capacity.
func (w *ReceiverWindow) MaybeGrant() (int64, int64) {
	lowBytes := int64(w.params.LowWatermarkFraction * float64(w.params.CapacityBytes))
	lowMsgs := int64(w.params.LowWatermarkFraction * float64(w.params.CapacityMsgs))
	if w.availBytes > lowBytes && w.availMsgs > lowMsgs {
		return 0, 0
	}

	grantBytes := grantSize(w.params.CapacityBytes, w.availBytes,
		w.params.GrantChunkFraction, w.params.MinGrantBytes, w.params.MaxGrantBytes)
	grantMsgs := grantSize(w.params.CapacityMsgs, w.availMsgs,
		w.params.GrantChunkFraction, w.params.MinGrantMsgs, w.params.MaxGrantMsgs)
	if grantBytes == 0 && grantMsgs == 0 {
		return 0, 0
	}

	w.availBytes += grantBytes
	w.availMsgs += grantMsgs
	return grantBytes, grantMsgs
}

// grantSize clamps the chunk into [min, max] and then caps it at the
// headroom left under capacity; the cap wins over the minimum.
func grantSize(capacity, avail int64, chunkFraction float64, min, max int64) int64 {
	headroom := capacity - avail
	if headroom <= 0 {
		return 0
	}

	grant := int64(chunkFraction * float64(capacity))
	if grant < min {
		grant = min
	}
	if max > 0 && grant > max {
		grant = max
	}
	if grant > headroom {
		grant = headroom
	}
	return grant
}

func (w *ReceiverWindow) AvailableBytes() int64 { return w.availBytes }
func (w *ReceiverWindow) AvailableMsgs() int64  { return w.availMsgs }

// SenderWindow tracks an estimate of the remote receiver's remaining
// credit. The estimate starts at zero and is only raised by credit
// updates from the peer; it is advisory and never binds the receiver.
type SenderWindow struct {
	params   WindowParams
	estBytes int64
	estMsgs  int64
}

func NewSenderWindow(params WindowParams) *SenderWindow {
	return &SenderWindow{params: params}
}

// CanSend reports whether the estimate covers a message of the given
// size.
func (w *SenderWindow) CanSend(bytes int64) bool {
	return w.estBytes >= bytes && w.estMsgs >= 1
}

// NoteSend decrements the estimate for a sent message (flooring at zero)
// and returns the resulting backpressure signal.
func (w *SenderWindow) NoteSend(bytes int64) Signal {
	w.estBytes -= bytes
	if w.estBytes < 0 {
		w.estBytes = 0
	}
	w.estMsgs--
	if w.estMsgs < 0 {
		w.estMsgs = 0
	}
	return w.Signal()
}

// Signal derives the backpressure level from whichever dimension is more
// depleted.
func (w *SenderWindow) Signal() Signal {
	frac := fraction(w.estBytes, w.params.CapacityBytes)
	if m := fraction(w.estMsgs, w.params.CapacityMsgs); m < frac {
		frac = m
	}

	switch {
	case frac <= w.params.HardThresholdFraction:
		return SignalHard
	case frac <= w.params.SoftThresholdFraction:
		return SignalSoft
	default:
		return SignalOK
	}
}

func fraction(avail, capacity int64) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(avail) / float64(capacity)
}

// OnCreditUpdate raises the estimate by a received grant, capped at
// capacity. Grants only ever add credit; a non-positive value is ignored
// rather than allowed to shrink the estimate.
func (w *SenderWindow) OnCreditUpdate(bytes, msgs int64) {
	if bytes > 0 {
		w.estBytes += bytes
		if w.estBytes > w.params.CapacityBytes {
			w.estBytes = w.params.CapacityBytes
		}
	}
	if msgs > 0 {
		w.estMsgs += msgs
		if w.estMsgs > w.params.CapacityMsgs {
			w.estMsgs = w.params.CapacityMsgs
		}
	}
}

func (w *SenderWindow) EstimatedBytes() int64 { return w.estBytes }
func (w *SenderWindow) EstimatedMsgs() int64  { return w.estMsgs }

// SuggestedDelay maps a signal to a sleep hint proportional to the round
// trip time: flow control here smooths instantaneous bursts, so a simple
// RTT multiple beats exponential backoff.
func SuggestedDelay(s Signal, rtt time.Duration) time.Duration {
	switch s {
	case SignalSoft:
		return rtt / 2
	case SignalHard:
		return rtt + rtt/2
	default:
		return 0
	}
}
