package gossipmesh

import (
	"strings"

	"github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"
	"github.com/spaolacci/murmur3"

	"github.com/veilcraft/gossipmesh/mesh"
)

// PeerID re-exports the mesh peer key so hosts only import this package.
type PeerID = mesh.PeerID

// Topic paths follow the family/version/chainScope/leafName convention:
// exactly four non-empty segments of [A-Za-z0-9._-]. The path is otherwise
// opaque to the engine.
const topicSegments = 4

// ValidateTopic checks topic path syntax.
func ValidateTopic(topic string) error {
	segments := strings.Split(topic, "/")
	if len(segments) != topicSegments {
		return ErrInvalidTopic
	}
	for _, seg := range segments {
		if len(seg) == 0 {
			return ErrInvalidTopic
		}
		for i := 0; i < len(seg); i++ {
			if !validTopicByte(seg[i]) {
				return ErrInvalidTopic
			}
		}
	}
	return nil
}

func validTopicByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_' || c == '-':
		return true
	}
	return false
}

// TopicID derives the fixed-width numeric topic id. It is a pure function
// of the path, so every engine computing the same path agrees on it.
func TopicID(topic string) uint64 {
	return murmur3.Sum64([]byte(topic))
}

// ComputeMessageID digests topic || payload into the message's dedup key.
func ComputeMessageID(topic string, payload []byte) []byte {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write(payload)
	return h.Sum(nil)
}

func midStr(id []byte) string {
	return base58.Encode(id)
}
