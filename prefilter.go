package gossipmesh

// PrefilterParams bounds payloads before any other work happens. The
// structural sniff catches the degenerate junk that shows up in practice
// (zero-filled or single-byte-stuffed buffers) without parsing anything.
type PrefilterParams struct {
	MinPayloadSize int
	MaxPayloadSize int

	// SniffLen is how many leading bytes must not all be identical; zero
	// disables the sniff.
	SniffLen int
}

// DefaultPrefilterParams returns the default payload bounds.
func DefaultPrefilterParams() PrefilterParams {
	return PrefilterParams{
		MinPayloadSize: 1,
		MaxPayloadSize: 1 << 20,
		SniffLen:       16,
	}
}

// prefilter reports whether the payload passes. Allocation-free; it runs
// on every publish and every inbound message.
func prefilter(p PrefilterParams, payload []byte) bool {
	if len(payload) < p.MinPayloadSize {
		return false
	}
	if p.MaxPayloadSize > 0 && len(payload) > p.MaxPayloadSize {
		return false
	}
	if p.SniffLen > 1 && len(payload) >= p.SniffLen {
		first := payload[0]
		uniform := true
		for i := 1; i < p.SniffLen; i++ {
			if payload[i] != first {
				uniform = false
				break
			}
		}
		if uniform {
			return false
		}
	}
	return true
}
