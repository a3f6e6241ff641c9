package chunkcodec

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/klauspost/compress/gzip"

	"streamx/internal/domain"
)

// Builder accumulates entries into a single chunk's Data, tracking
// num_records the way the broker side would. It is used by internal/testbroker
// to produce chunks the consumer side can decode, and by tests on both sides
// to round-trip fixtures without a real broker.
type Builder struct {
	buf        bytes.Buffer
	numRecords uint32
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AppendStandard appends one standard entry: len:u32 + payload.
func (b *Builder) AppendStandard(msg []byte) *Builder {
	binary.Write(&b.buf, binary.BigEndian, uint32(len(msg)))
	b.buf.Write(msg)
	b.numRecords++
	return b
}

// AppendSubEntry appends a compressed sub-entry batch carrying msgs as
// records_in_batch standard-shaped records.
func (b *Builder) AppendSubEntry(compression domain.CompressionType, msgs [][]byte) *Builder {
	var plain bytes.Buffer
	for _, msg := range msgs {
		binary.Write(&plain, binary.BigEndian, uint32(len(msg)))
		plain.Write(msg)
	}

	compressed, err := compress(compression, plain.Bytes())
	if err != nil {
		// Building a chunk is an in-process, caller-controlled operation;
		// an unsupported compression type here is a programming error.
		panic(err)
	}

	b.buf.WriteByte(subEntryFlag | byte(compression))
	binary.Write(&b.buf, binary.BigEndian, uint16(len(msgs)))
	binary.Write(&b.buf, binary.BigEndian, uint32(plain.Len()))
	binary.Write(&b.buf, binary.BigEndian, uint32(len(compressed)))
	b.buf.Write(compressed)
	b.numRecords += uint32(len(msgs))
	return b
}

// Build renders the accumulated entries into a domain.Chunk with the given
// chunk id (the broker-assigned offset of the first message) and timestamp
// in milliseconds since epoch.
func (b *Builder) Build(chunkID uint64, timestampMs int64) domain.Chunk {
	return domain.Chunk{
		ChunkID:    chunkID,
		Timestamp:  time.UnixMilli(timestampMs).UTC(),
		NumRecords: b.numRecords,
		Data:       append([]byte(nil), b.buf.Bytes()...),
	}
}

func compress(compression domain.CompressionType, plain []byte) ([]byte, error) {
	switch compression {
	case domain.CompressionNone:
		return plain, nil
	case domain.CompressionGzip:
		var out bytes.Buffer
		zw := gzip.NewWriter(&out)
		if _, err := zw.Write(plain); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	default:
		return nil, errUnsupportedCompression(compression)
	}
}

type errUnsupportedCompression domain.CompressionType

func (e errUnsupportedCompression) Error() string {
	return "chunkcodec: unsupported compression type"
}
