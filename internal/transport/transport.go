package transport

import (
	"context"

	"streamx/internal/domain"
)

// DeliverHandler receives one decoded chunk for a subscription.
type DeliverHandler func(domain.Chunk)

// UpdateHandler receives connection-closed and metadata-update signals for
// a producer or consumer's underlying route. It may fire at any time after
// Subscribe/Declare and until Unsubscribe/Close.
type UpdateHandler func(domain.ConnectionClosed, *domain.MetadataUpdate)

// ConfirmHandler receives one broker-side publish confirmation.
type ConfirmHandler func(domain.Confirmation)

// DeclareConfig carries the fields a partition producer declare needs: the
// target stream, the dedup reference, and a caller-visible name used for
// diagnostics.
type DeclareConfig struct {
	Stream             string
	Reference          string
	ClientProvidedName string
}

// SubscribeConfig carries the fields a consumer subscribe needs, including
// the single-active-consumer properties.
type SubscribeConfig struct {
	Stream     string
	Offset     domain.OffsetSpec
	Properties map[string]string
}

// Transport is the lower layer the core depends on. Its
// concrete implementation (wire framing, connection lifecycle, the binary
// protocol) is out of scope for the core packages; internal/testbroker
// provides a reference implementation good enough to drive integration
// tests, and InMemory (inmemory.go in this package) provides a zero-network
// fake for unit tests.
type Transport interface {
	// Lookup returns the current ordered partition list for a super-stream.
	Lookup(ctx context.Context, superStream string) ([]string, error)

	// Declare opens a publishing context for a single partition stream,
	// returning the broker-acknowledged highwater publishing-id for
	// cfg.Reference (0 if Reference is empty or unknown).
	Declare(ctx context.Context, cfg DeclareConfig, confirm ConfirmHandler, update UpdateHandler) (lastPublishingID uint64, err error)

	// Publish hands one chunk-encoded frame to the transport for the
	// named stream, tagged with the single publishing-id that covers it
	// (Send and SubEntrySend both use this shape, since a sub-entry batch
	// is confirmed as one unit under its one caller-supplied id) and the
	// number of chunkcodec records the frame carries, so a transport that
	// persists/redelivers frames (internal/testbroker) can reconstruct a
	// decodable domain.Chunk without re-parsing the frame itself.
	Publish(ctx context.Context, stream string, publishingID uint64, numRecords uint32, frame []byte) error

	// PublishBatch hands one frame built from multiple distinctly
	// publishing-id'd messages (BatchSend); the transport acknowledges
	// each id independently once the frame is durable.
	PublishBatch(ctx context.Context, stream string, publishingIDs []uint64, numRecords uint32, frame []byte) error

	// ClosePublisher releases a Declare'd publishing context.
	ClosePublisher(ctx context.Context, stream string) error

	// Subscribe opens a delivery context for a single partition stream,
	// returning a subscriber id the caller passes to Credit/Unsubscribe.
	Subscribe(ctx context.Context, cfg SubscribeConfig, deliver DeliverHandler, update UpdateHandler) (subscriberID byte, err error)

	// Credit grants n additional chunks of flow-control credit.
	Credit(ctx context.Context, subscriberID byte, n uint16) error

	// Unsubscribe releases a Subscribe'd delivery context.
	Unsubscribe(ctx context.Context, subscriberID byte) error

	// StoreOffset persists a consumer's last-processed offset broker-side,
	// keyed by (reference, stream).
	StoreOffset(ctx context.Context, reference, stream string, offset uint64) error
}
