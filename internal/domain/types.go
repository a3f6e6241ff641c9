// Package domain holds the wire-agnostic types shared by the routing,
// producer, and consumer packages: messages, publishing ids, confirmations,
// and the offset/compression vocabulary the spec defines.
package domain

import "time"

// Properties is the free-form property sub-record carried alongside a
// message payload. The only property the core itself reads is MessageID,
// used by routing key extractors.
type Properties struct {
	MessageID string
	Extra     map[string]string
}

// Message is an opaque payload plus its properties. The core treats it as
// an immutable byte record with a pre-known serialized length.
type Message struct {
	Body       []byte
	Properties Properties
}

// Len returns the serialized length of the message body, the quantity the
// chunk codec writes ahead of each standard entry.
func (m Message) Len() int { return len(m.Body) }

// PublishingID is the caller-supplied sequence number used for broker-side
// deduplication when paired with a non-empty Reference.
type PublishingID uint64

// PublishingMessage pairs a publishing id with the message it confirms,
// the unit BatchSend and SubEntrySend operate on.
type PublishingMessage struct {
	PublishingID PublishingID
	Message      Message
}

// ResponseCode mirrors the broker's own Ok/error vocabulary for operations
// that otherwise return no payload (Close, Unsubscribe).
type ResponseCode int

const (
	ResponseOK ResponseCode = iota
	ResponseError
)

// Confirmation reports the outcome of one publish, tagged back to the
// caller through PartitionConfirmation once it crosses a super-stream.
type Confirmation struct {
	PublishingID PublishingID
	Code         ResponseCode
}

// PartitionConfirmation is a Confirmation tagged with the partition stream
// name it was produced for — the unit the super-stream producer's confirm
// fan-in delivers to the caller.
type PartitionConfirmation struct {
	Partition string
	Confirmation
}

// CompressionType enumerates the sub-entry compression codecs a chunk may
// carry; the low 7 bits of the sub-entry's entry-type byte.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionGzip
)

// ProducerState is the lifecycle of a single partition producer.
type ProducerState int

const (
	ProducerCreating ProducerState = iota
	ProducerOpen
	ProducerReconnecting
	ProducerClosed
)

func (s ProducerState) String() string {
	switch s {
	case ProducerCreating:
		return "creating"
	case ProducerOpen:
		return "open"
	case ProducerReconnecting:
		return "reconnecting"
	case ProducerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConsumerState is the lifecycle of a consumer subscription.
type ConsumerState int

const (
	ConsumerOpen ConsumerState = iota
	ConsumerClosed
)

// OffsetKind selects which of the broker's offset-resolution strategies a
// consumer subscribes with.
type OffsetKind int

const (
	OffsetNext OffsetKind = iota
	OffsetFirst
	OffsetLast
	OffsetAbsolute
	OffsetTimestamp
)

// OffsetSpec is the consumer's starting-point selector. Only OffsetAbsolute
// requires client-side filtering; the others are resolved
// broker-side.
type OffsetSpec struct {
	Kind      OffsetKind
	Offset    uint64
	Timestamp time.Time
}

func OffsetSpecNext() OffsetSpec  { return OffsetSpec{Kind: OffsetNext} }
func OffsetSpecFirst() OffsetSpec { return OffsetSpec{Kind: OffsetFirst} }
func OffsetSpecLast() OffsetSpec  { return OffsetSpec{Kind: OffsetLast} }

func OffsetSpecAt(o uint64) OffsetSpec {
	return OffsetSpec{Kind: OffsetAbsolute, Offset: o}
}

func OffsetSpecTimestamp(t time.Time) OffsetSpec {
	return OffsetSpec{Kind: OffsetTimestamp, Timestamp: t}
}

// Chunk is a decoded batch of records as delivered by the broker.
type Chunk struct {
	ChunkID    uint64
	Timestamp  time.Time
	NumRecords uint32
	Data       []byte
}

// DeliveredMessage is one fully decoded, offset-assigned record handed to
// the consumer's message handler.
type DeliveredMessage struct {
	Offset  uint64
	Message Message
}

// MetadataUpdateCode mirrors the broker signal telling a client a stream
// moved or was deleted.
type MetadataUpdateCode int

const (
	MetadataStreamNotAvailable MetadataUpdateCode = iota
	MetadataStreamMoved
)

// MetadataUpdate is delivered on the transport's signal stream when a
// partition's stream topology changes.
type MetadataUpdate struct {
	Stream string
	Code   MetadataUpdateCode
}

// ConnectionClosed is delivered on the transport's signal stream when the
// underlying connection for a partition drops.
type ConnectionClosed struct {
	Reason error
}
