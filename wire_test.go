package gossipmesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilcraft/gossipmesh/flow"
)

func TestDataFrame(t *testing.T) {
	payload := []byte("some-payload")
	frame := encodeDataFrame(payload)
	require.Equal(t, frameData, frame[0])
	require.Equal(t, payload, frame[1:])
}

func TestGraftFrameRoundTrip(t *testing.T) {
	frame := encodeGraftFrame(testTopic)
	require.Equal(t, frameGraft, frame[0])

	f, err := decodeGraftFrame(frame[1:])
	require.NoError(t, err)
	require.Equal(t, testTopic, f.Topic)
}

func TestPruneFrameRoundTrip(t *testing.T) {
	frame := encodePruneFrame(testTopic, 90*time.Second)
	require.Equal(t, framePrune, frame[0])

	f, err := decodePruneFrame(frame[1:])
	require.NoError(t, err)
	require.Equal(t, testTopic, f.Topic)
	require.Equal(t, 90*time.Second, f.Backoff)
}

func TestHintFrameRoundTrip(t *testing.T) {
	ids := [][]byte{[]byte("id-one"), []byte("id-two")}
	frame := encodeHintFrame(testTopic, ids)
	require.Equal(t, frameHint, frame[0])

	f, err := decodeHintFrame(frame[1:])
	require.NoError(t, err)
	require.Equal(t, testTopic, f.Topic)
	require.Equal(t, ids, f.IDs)
}

func TestCreditFrameRoundTrip(t *testing.T) {
	in := flow.CreditUpdate{Topic: testTopic, GrantBytes: 1 << 19, GrantMsgs: 128}
	frame := encodeCreditFrame(in)
	require.Equal(t, frameCredit, frame[0])

	out, err := decodeCreditFrame(frame[1:])
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeTruncatedBody(t *testing.T) {
	frame := encodeCreditFrame(flow.CreditUpdate{Topic: testTopic, GrantBytes: 1})
	_, err := decodeCreditFrame(frame[1 : len(frame)-1])
	require.Error(t, err)
}
