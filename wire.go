package gossipmesh

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/veilcraft/gossipmesh/flow"
)

// Every frame an engine hands to the transport starts with a one-byte
// kind. Data frames carry the application payload verbatim after the
// kind byte; control frames carry a compact protowire body.
const (
	frameData   byte = 0x00
	frameGraft  byte = 0x01
	framePrune  byte = 0x02
	frameHint   byte = 0x03
	frameCredit byte = 0x04
)

const (
	fieldTopic      = 1
	fieldBackoff    = 2
	fieldHintID     = 2
	fieldGrantBytes = 2
	fieldGrantMsgs  = 3
)

func encodeDataFrame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, frameData)
	return append(out, payload...)
}

func encodeGraftFrame(topic string) []byte {
	out := []byte{frameGraft}
	out = protowire.AppendTag(out, fieldTopic, protowire.BytesType)
	out = protowire.AppendString(out, topic)
	return out
}

func encodePruneFrame(topic string, backoff time.Duration) []byte {
	out := []byte{framePrune}
	out = protowire.AppendTag(out, fieldTopic, protowire.BytesType)
	out = protowire.AppendString(out, topic)
	out = protowire.AppendTag(out, fieldBackoff, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(backoff/time.Second))
	return out
}

func encodeHintFrame(topic string, ids [][]byte) []byte {
	out := []byte{frameHint}
	out = protowire.AppendTag(out, fieldTopic, protowire.BytesType)
	out = protowire.AppendString(out, topic)
	for _, id := range ids {
		out = protowire.AppendTag(out, fieldHintID, protowire.BytesType)
		out = protowire.AppendBytes(out, id)
	}
	return out
}

func encodeCreditFrame(c flow.CreditUpdate) []byte {
	out := []byte{frameCredit}
	out = protowire.AppendTag(out, fieldTopic, protowire.BytesType)
	out = protowire.AppendString(out, c.Topic)
	out = protowire.AppendTag(out, fieldGrantBytes, protowire.VarintType)
	out = protowire.AppendVarint(out, c.GrantBytes)
	out = protowire.AppendTag(out, fieldGrantMsgs, protowire.VarintType)
	out = protowire.AppendVarint(out, c.GrantMsgs)
	return out
}

type graftFrame struct {
	Topic string
}

type pruneFrame struct {
	Topic   string
	Backoff time.Duration
}

type hintFrame struct {
	Topic string
	IDs   [][]byte
}

func decodeGraftFrame(body []byte) (graftFrame, error) {
	var f graftFrame
	err := eachField(body, func(num protowire.Number, typ protowire.Type, b []byte) error {
		if num == fieldTopic && typ == protowire.BytesType {
			f.Topic = string(b)
		}
		return nil
	})
	return f, err
}

func decodePruneFrame(body []byte) (pruneFrame, error) {
	var f pruneFrame
	err := eachField(body, func(num protowire.Number, typ protowire.Type, b []byte) error {
		switch {
		case num == fieldTopic && typ == protowire.BytesType:
			f.Topic = string(b)
		case num == fieldBackoff && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errTruncatedFrame
			}
			f.Backoff = time.Duration(v) * time.Second
		}
		return nil
	})
	return f, err
}

func decodeHintFrame(body []byte) (hintFrame, error) {
	var f hintFrame
	err := eachField(body, func(num protowire.Number, typ protowire.Type, b []byte) error {
		switch {
		case num == fieldTopic && typ == protowire.BytesType:
			f.Topic = string(b)
		case num == fieldHintID && typ == protowire.BytesType:
			id := make([]byte, len(b))
			copy(id, b)
			f.IDs = append(f.IDs, id)
		}
		return nil
	})
	return f, err
}

func decodeCreditFrame(body []byte) (flow.CreditUpdate, error) {
	var c flow.CreditUpdate
	err := eachField(body, func(num protowire.Number, typ protowire.Type, b []byte) error {
		switch {
		case num == fieldTopic && typ == protowire.BytesType:
			c.Topic = string(b)
		case num == fieldGrantBytes && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errTruncatedFrame
			}
			c.GrantBytes = v
		case num == fieldGrantMsgs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errTruncatedFrame
			}
			c.GrantMsgs = v
		}
		return nil
	})
	return c, err
}

// eachField walks a protowire body, handing every field's raw value to
// fn. Varint fields are handed the unconsumed tail so fn re-parses the
// value; bytes fields are handed the value itself.
func eachField(body []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return errTruncatedFrame
		}
		body = body[n:]

		switch typ {
		case protowire.VarintType:
			if err := fn(num, typ, body); err != nil {
				return err
			}
			_, n = protowire.ConsumeVarint(body)
		case protowire.BytesType:
			var val []byte
			val, n = protowire.ConsumeBytes(body)
			if n < 0 {
				return errTruncatedFrame
			}
			if err := fn(num, typ, val); err != nil {
				return err
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, body)
		}
		if n < 0 {
			return errTruncatedFrame
		}
		body = body[n:]
	}
	return nil
}
