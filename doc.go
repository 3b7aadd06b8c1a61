// Package gossipmesh is the gossip-based message propagation core of a
// peer-to-peer node: a bounded-degree overlay per topic (mesh), a
// pub/sub engine with admission, dedup and peer scoring, credit-based
// flow control between peer pairs, and relay gates for high-volume
// content objects.
//
// The engine consumes a byte-oriented transport (Send(peer, topic,
// frame)) and inbound (peer, topic, frame) tuples; wire framing,
// handshake and persistence live outside it.
package gossipmesh
