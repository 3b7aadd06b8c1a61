package gossipmesh

import "github.com/pkg/errors"

var (
	// ErrInvalidTopic reports a malformed topic path. Fatal to the call,
	// never to the connection.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrNotSubscribed reports a publish on a topic without a local
	// subscription.
	ErrNotSubscribed = errors.New("not subscribed")

	// ErrPrefilterReject reports a payload failing size or structural
	// sanity bounds.
	ErrPrefilterReject = errors.New("payload rejected by prefilter")

	// ErrEngineClosed reports an operation after Close.
	ErrEngineClosed = errors.New("engine closed")

	errTruncatedFrame = errors.New("truncated control frame")
	errUnknownFrame   = errors.New("unknown frame kind")
)
