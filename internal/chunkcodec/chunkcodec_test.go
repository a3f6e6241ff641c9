package chunkcodec

import (
	"context"
	"testing"

	"streamx/internal/domain"
)

func TestDecodeStandardEntries(t *testing.T) {
	b := NewBuilder().
		AppendStandard([]byte("a")).
		AppendStandard([]byte("b")).
		AppendStandard([]byte("c"))
	chunk := b.Build(100, 0)

	var got []domain.DeliveredMessage
	stats, err := Decode(context.Background(), chunk, domain.OffsetSpecNext(), func(m domain.DeliveredMessage) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Delivered != 3 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, want := range []uint64{100, 101, 102} {
		if got[i].Offset != want {
			t.Errorf("message %d: offset = %d, want %d", i, got[i].Offset, want)
		}
	}
}

func TestDecodeSubEntryGzip(t *testing.T) {
	b := NewBuilder().AppendSubEntry(domain.CompressionGzip, [][]byte{
		[]byte("x"), []byte("y"), []byte("z"),
	})
	chunk := b.Build(50, 0)

	var offsets []uint64
	stats, err := Decode(context.Background(), chunk, domain.OffsetSpecNext(), func(m domain.DeliveredMessage) error {
		offsets = append(offsets, m.Offset)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Delivered != 3 {
		t.Fatalf("expected 3 delivered, got %+v", stats)
	}
	want := []uint64{50, 51, 52}
	for i := range want {
		if offsets[i] != want[i] {
			t.Errorf("offset %d = %d, want %d", i, offsets[i], want[i])
		}
	}
}

func TestDecodeOffsetFilterMonotonicity(t *testing.T) {
	b := NewBuilder()
	for i := 0; i < 10; i++ {
		b.AppendStandard([]byte{byte(i)})
	}
	chunk := b.Build(0, 0)

	var delivered []uint64
	_, err := Decode(context.Background(), chunk, domain.OffsetSpecAt(5), func(m domain.DeliveredMessage) error {
		delivered = append(delivered, m.Offset)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, off := range delivered {
		if off < 5 {
			t.Fatalf("delivered message with offset %d below filter threshold", off)
		}
	}
	if len(delivered) != 5 {
		t.Fatalf("expected 5 messages at/after offset 5, got %d", len(delivered))
	}
}

func TestDecodeMixedEntriesAccounting(t *testing.T) {
	b := NewBuilder().
		AppendStandard([]byte("a")).
		AppendSubEntry(domain.CompressionNone, [][]byte{[]byte("b"), []byte("c")}).
		AppendStandard([]byte("d"))
	chunk := b.Build(0, 0)

	stats, err := Decode(context.Background(), chunk, domain.OffsetSpecNext(), func(domain.DeliveredMessage) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Delivered+stats.Skipped != int(chunk.NumRecords) {
		t.Fatalf("accounting mismatch: delivered=%d skipped=%d numRecords=%d", stats.Delivered, stats.Skipped, chunk.NumRecords)
	}
}

func TestDecodeCancellation(t *testing.T) {
	b := NewBuilder().AppendStandard([]byte("a")).AppendStandard([]byte("b"))
	chunk := b.Build(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Decode(ctx, chunk, domain.OffsetSpecNext(), func(domain.DeliveredMessage) error {
		return nil
	})
	if err != domain.ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}
