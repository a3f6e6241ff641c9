package domain

import "errors"

// Error taxonomy the core surfaces. Every error wraps one
// of these sentinels so callers can branch with errors.Is.
var (
	// ErrConfig covers synchronous, pre-open configuration mistakes: an
	// empty super-stream name, a missing routing strategy, a missing
	// reference when single-active-consumer is requested.
	ErrConfig = errors.New("streamx: invalid configuration")

	// ErrCreateProducer is returned when the broker rejects a declare, or
	// the initial metadata lookup for a super-stream fails.
	ErrCreateProducer = errors.New("streamx: create producer failed")

	// ErrCreateConsumer is returned when the broker rejects a subscribe.
	ErrCreateConsumer = errors.New("streamx: create consumer failed")

	// ErrRouting is returned per-send when the partition list routing runs
	// against cannot be looked up. A strategy that yields no destination
	// surfaces ErrRoutingKeyMissing or ErrNoRoute instead; neither of those
	// wraps ErrRouting.
	ErrRouting = errors.New("streamx: routing failed")

	// ErrRoutingKeyMissing is a routing failure: a strategy's extractor
	// (Hash or Key) returned an empty string.
	ErrRoutingKeyMissing = errors.New("streamx: routing key missing")

	// ErrNoRoute is a routing failure: routing produced no destination
	// partition at all (unknown key for Key, or an empty partition list).
	ErrNoRoute = errors.New("streamx: no route for message")

	// ErrNotConnected is returned when a partition producer is in the
	// reconnecting state and configured to fail fast rather than wait.
	ErrNotConnected = errors.New("streamx: not connected")

	// ErrReconnecting mirrors ErrNotConnected for consumer-side operations
	// observing the same transient state.
	ErrReconnecting = errors.New("streamx: reconnecting")

	// ErrAlreadyDisposed is returned by any operation on a closed handle.
	ErrAlreadyDisposed = errors.New("streamx: already disposed")

	// ErrDecode is a per-message decode failure; the chunk reader logs and
	// skips the offending record rather than treating this as fatal.
	ErrDecode = errors.New("streamx: decode error")

	// ErrCancelled is raised out of a message handler invocation when
	// close races a delivery.
	ErrCancelled = errors.New("streamx: cancelled")
)
