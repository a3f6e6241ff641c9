package sqlite

import (
	"context"
	"strings"
	"testing"
)

func TestSchemaInitializationCreatesExpectedTables(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	db, err := s.partitionDB("invoices-0")
	if err != nil {
		t.Fatalf("partition db init: %v", err)
	}
	var cnt int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='chunks'`).Scan(&cnt); err != nil {
		t.Fatal(err)
	}
	if cnt != 1 {
		t.Fatalf("chunks table missing")
	}
}

func TestChunksAreAppendOnlyViaTriggers(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.AppendChunk(ctx, "invoices-0", 0, 1, 1000, []byte("frame")); err != nil {
		t.Fatal(err)
	}
	db, _ := s.partitionDB("invoices-0")

	_, err = db.Exec(`UPDATE chunks SET num_records=9 WHERE chunk_id=0`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only update error, got %v", err)
	}
	_, err = db.Exec(`DELETE FROM chunks WHERE chunk_id=0`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only delete error, got %v", err)
	}
}

func TestAppendChunkIsIdempotentOnRetry(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.AppendChunk(ctx, "invoices-0", 0, 3, 1000, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendChunk(ctx, "invoices-0", 0, 3, 1000, []byte("abc")); err != nil {
		t.Fatal(err)
	}

	chunks, err := s.ChunksFrom(ctx, "invoices-0", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected exactly 1 chunk after retry, got %d", len(chunks))
	}
}

func TestNextChunkIDTracksAppendedChunks(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	next, err := s.NextChunkID(ctx, "invoices-0")
	if err != nil {
		t.Fatal(err)
	}
	if next != 0 {
		t.Fatalf("expected 0 for empty log, got %d", next)
	}

	if err := s.AppendChunk(ctx, "invoices-0", 0, 5, 1000, []byte("aaaaa")); err != nil {
		t.Fatal(err)
	}
	next, err = s.NextChunkID(ctx, "invoices-0")
	if err != nil {
		t.Fatal(err)
	}
	if next != 5 {
		t.Fatalf("expected next chunk id 5, got %d", next)
	}
}

func TestHighwaterTracksMaxPublishingID(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.BumpHighwater(ctx, "invoices-0", "ref-1", 5); err != nil {
		t.Fatal(err)
	}
	got, err := s.BumpHighwater(ctx, "invoices-0", "ref-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Fatalf("expected highwater to stay at 5, got %d", got)
	}

	v, err := s.Highwater(ctx, "invoices-0", "ref-1")
	if err != nil {
		t.Fatal(err)
	}
	if v != 5 {
		t.Fatalf("expected 5, got %d", v)
	}
}

func TestHighwaterZeroWithoutReference(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	v, err := s.Highwater(ctx, "invoices-0", "")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
}

func TestStoredOffsetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, ok, err := s.StoredOffset(ctx, "invoices-0", "ref-1"); err != nil || ok {
		t.Fatalf("expected no stored offset yet, got ok=%v err=%v", ok, err)
	}
	if err := s.StoreOffset(ctx, "invoices-0", "ref-1", 42); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.StoredOffset(ctx, "invoices-0", "ref-1")
	if err != nil || !ok || v != 42 {
		t.Fatalf("unexpected stored offset: v=%d ok=%v err=%v", v, ok, err)
	}
}

func TestRecoveryReopenWALDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	{
		s, err := NewStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AppendChunk(ctx, "invoices-0", 0, 2, 1000, []byte("ab")); err != nil {
			t.Fatal(err)
		}
		_ = s.Close()
	}

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	chunks, err := s2.ChunksFrom(ctx, "invoices-0", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || string(chunks[0].Data) != "ab" {
		t.Fatalf("unexpected recovered data: %+v", chunks)
	}
}
