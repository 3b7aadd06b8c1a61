package gossipmesh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTopic(t *testing.T) {
	valid := []string{
		"mesh/1/main/blocks",
		"tx/v2/test-net/raw",
		"a.b/0/x_y/z-9",
	}
	for _, topic := range valid {
		require.NoError(t, ValidateTopic(topic), topic)
	}

	invalid := []string{
		"",
		"///",
		"mesh/1/main",
		"mesh/1/main/blocks/extra",
		"mesh//main/blocks",
		"mesh/1/main/blo cks",
		"mesh/1/main/blocks!",
	}
	for _, topic := range invalid {
		require.ErrorIs(t, ValidateTopic(topic), ErrInvalidTopic, topic)
	}
}

func TestTopicIDStable(t *testing.T) {
	a := TopicID("mesh/1/main/blocks")
	require.Equal(t, a, TopicID("mesh/1/main/blocks"))
	require.NotEqual(t, a, TopicID("mesh/1/main/headers"))
}

func TestComputeMessageIDScope(t *testing.T) {
	payload := []byte("same-bytes")
	a := ComputeMessageID("mesh/1/main/blocks", payload)
	b := ComputeMessageID("mesh/1/main/headers", payload)

	require.Len(t, a, 32)
	require.NotEqual(t, a, b) // topic scopes the id
	require.Equal(t, a, ComputeMessageID("mesh/1/main/blocks", payload))
}

func TestPrefilter(t *testing.T) {
	p := DefaultPrefilterParams()

	require.False(t, prefilter(p, nil))
	require.False(t, prefilter(p, make([]byte, 1<<21)))
	require.False(t, prefilter(p, make([]byte, 64))) // uniform leading bytes
	require.True(t, prefilter(p, []byte("short")))   // shorter than the sniff window
	require.True(t, prefilter(p, []byte("varied leading bytes pass the sniff")))

	p.SniffLen = 0
	require.True(t, prefilter(p, make([]byte, 64)))
}
