// Package chunkcodec decodes a broker chunk's byte sequence into individual
// messages: standard and sub-entry (compressed) entries,
// offset assignment, and an absolute-offset client-side filter. It performs
// no I/O and holds no state across calls — the running message offset lives
// inside one Decode call; the consumer package owns the credit and the
// cancellation context Decode is called with.
package chunkcodec

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"streamx/internal/domain"
)

// subEntryFlag is the high bit of the entry-type byte that distinguishes a
// sub-entry batch from a standard single-record entry.
const subEntryFlag = 0x80

// Handler is invoked once per decoded, offset-assigned, filter-passed
// message. An error from Handler aborts decoding immediately (it is not
// treated as a per-message decode failure).
type Handler func(domain.DeliveredMessage) error

// Stats reports how many records a Decode call delivered versus skipped
// due to a per-message decode error. For a chunk decoded to the end,
// Delivered + Skipped == chunk.NumRecords minus the records dropped by the
// absolute-offset filter, which are counted in neither field.
type Stats struct {
	Delivered int
	Skipped   int
}

// Decode walks chunk.Data, assigning each record an offset of
// chunk.ChunkID + a running zero-based counter, and calls handler for every
// record whose offset passes offsetSpec's filter. A malformed record logs
// nothing itself (callers log, chunkcodec stays silent per the leaf-package
// convention) but is counted as Skipped and does not abort the chunk; a
// malformed sub-entry header is unrecoverable (the remaining record count is
// unknown) and does abort with ErrDecode.
func Decode(ctx context.Context, chunk domain.Chunk, offsetSpec domain.OffsetSpec, handler Handler) (Stats, error) {
	var stats Stats
	r := bytes.NewReader(chunk.Data)
	remaining := chunk.NumRecords
	var messageOffset uint64

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return stats, domain.ErrCancelled
		default:
		}

		entryType, err := r.ReadByte()
		if err != nil {
			return stats, fmt.Errorf("%w: reading entry type: %v", domain.ErrDecode, err)
		}

		if entryType&subEntryFlag == 0 {
			if err := r.UnreadByte(); err != nil {
				return stats, fmt.Errorf("%w: %v", domain.ErrDecode, err)
			}
			delivered, err := decodeStandardEntry(r, chunk.ChunkID, &messageOffset, offsetSpec, handler)
			if err != nil {
				if !errors.Is(err, domain.ErrDecode) {
					return stats, err
				}
				stats.Skipped++
			} else if delivered {
				stats.Delivered++
			}
			remaining--
			continue
		}

		compression := domain.CompressionType(entryType &^ subEntryFlag)
		delivered, skipped, recordsInBatch, err := decodeSubEntry(ctx, r, compression, chunk.ChunkID, &messageOffset, offsetSpec, handler)
		stats.Delivered += delivered
		stats.Skipped += skipped
		if err != nil {
			return stats, err
		}
		remaining -= uint32(recordsInBatch)
	}

	return stats, nil
}

// decodeStandardEntry reads a len:u32 + payload record, assigns it the next
// offset, and invokes handler if the offset passes the filter. The bool
// return reports whether handler was actually invoked (true) versus
// filtered out (false, not an error).
func decodeStandardEntry(r *bytes.Reader, chunkID uint64, messageOffset *uint64, offsetSpec domain.OffsetSpec, handler Handler) (bool, error) {
	msg, err := readLenPrefixed(r)
	if err != nil {
		return false, fmt.Errorf("%w: standard entry: %v", domain.ErrDecode, err)
	}

	offset := chunkID + *messageOffset
	*messageOffset++

	if !passesFilter(offset, offsetSpec) {
		return false, nil
	}
	if err := handler(domain.DeliveredMessage{Offset: offset, Message: domain.Message{Body: msg}}); err != nil {
		return false, err
	}
	return true, nil
}

// decodeSubEntry reads the sub-entry header, decompresses its payload, and
// decodes records_in_batch standard-shaped records out of the decompressed
// bytes.
func decodeSubEntry(ctx context.Context, r *bytes.Reader, compression domain.CompressionType, chunkID uint64, messageOffset *uint64, offsetSpec domain.OffsetSpec, handler Handler) (delivered, skipped int, recordsInBatch uint16, err error) {
	var header struct {
		RecordsInBatch  uint16
		UncompressedLen uint32
		DataLen         uint32
	}
	if err = binary.Read(r, binary.BigEndian, &header.RecordsInBatch); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: sub-entry records_in_batch: %v", domain.ErrDecode, err)
	}
	if err = binary.Read(r, binary.BigEndian, &header.UncompressedLen); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: sub-entry uncompressed_size: %v", domain.ErrDecode, err)
	}
	if err = binary.Read(r, binary.BigEndian, &header.DataLen); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: sub-entry data_len: %v", domain.ErrDecode, err)
	}

	raw := make([]byte, header.DataLen)
	if _, err = io.ReadFull(r, raw); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: sub-entry payload: %v", domain.ErrDecode, err)
	}

	plain, err := decompress(compression, raw, header.UncompressedLen)
	if err != nil {
		return 0, 0, header.RecordsInBatch, fmt.Errorf("%w: sub-entry decompress: %v", domain.ErrDecode, err)
	}

	pr := bytes.NewReader(plain)
	for i := uint16(0); i < header.RecordsInBatch; i++ {
		if ctx.Err() != nil {
			return delivered, skipped, header.RecordsInBatch, domain.ErrCancelled
		}
		ok, derr := decodeStandardEntry(pr, chunkID, messageOffset, offsetSpec, handler)
		if derr != nil {
			if !errors.Is(derr, domain.ErrDecode) {
				return delivered, skipped, header.RecordsInBatch, derr
			}
			skipped++
			continue
		}
		if ok {
			delivered++
		}
	}

	return delivered, skipped, header.RecordsInBatch, nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func passesFilter(offset uint64, spec domain.OffsetSpec) bool {
	if spec.Kind != domain.OffsetAbsolute {
		return true
	}
	return offset >= spec.Offset
}

func decompress(compression domain.CompressionType, raw []byte, uncompressedLen uint32) ([]byte, error) {
	switch compression {
	case domain.CompressionNone:
		return raw, nil
	case domain.CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		out := make([]byte, 0, uncompressedLen)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, zr); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type %d", compression)
	}
}
