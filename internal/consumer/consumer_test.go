package consumer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"streamx/internal/chunkcodec"
	"streamx/internal/domain"
	"streamx/internal/transport"
)

func newTestConsumer(t *testing.T, mem *transport.InMemory, opts Options) *Consumer {
	t.Helper()
	if opts.Stream == "" {
		opts.Stream = "invoices-0"
	}
	c, err := New(context.Background(), opts, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func buildChunk(t *testing.T, chunkID uint64, bodies ...string) domain.Chunk {
	t.Helper()
	b := chunkcodec.NewBuilder()
	for _, body := range bodies {
		b.AppendStandard([]byte(body))
	}
	return b.Build(chunkID, 0)
}

func TestConsumerDeliversDecodedMessagesInOrder(t *testing.T) {
	mem := transport.NewInMemory()
	var mu sync.Mutex
	var got []string

	c := newTestConsumer(t, mem, Options{
		Offset: domain.OffsetSpecNext(),
		Handler: func(ctx context.Context, c *Consumer, msg domain.DeliveredMessage) error {
			mu.Lock()
			got = append(got, string(msg.Message.Body))
			mu.Unlock()
			return nil
		},
	})
	defer c.Close(context.Background())

	mem.Deliver(0, buildChunk(t, 0, "a", "b", "c"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

// creditRecorder wraps the in-memory fake and records every Credit call,
// since the fake itself does not track grants.
type creditRecorder struct {
	*transport.InMemory
	record func(string)
}

func (r creditRecorder) Credit(ctx context.Context, subscriberID byte, n uint16) error {
	r.record(fmt.Sprintf("credit:%d", n))
	return r.InMemory.Credit(ctx, subscriberID, n)
}

func TestConsumerGrantsCreditBeforeParsing(t *testing.T) {
	mem := transport.NewInMemory()
	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	c, err := New(context.Background(), Options{
		Stream: "invoices-0",
		Offset: domain.OffsetSpecNext(),
		Handler: func(ctx context.Context, c *Consumer, msg domain.DeliveredMessage) error {
			record("handle")
			return nil
		},
	}, creditRecorder{InMemory: mem, record: record})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close(context.Background())

	// Initial credit on subscribe, then one credit for the delivered chunk,
	// granted before its record reaches the handler.
	mem.Deliver(0, buildChunk(t, 0, "x"))

	mu.Lock()
	defer mu.Unlock()
	want := fmt.Sprint([]string{"credit:10", "credit:1", "handle"})
	if got := fmt.Sprint(events); got != want {
		t.Fatalf("unexpected credit/handler order: got %s, want %s", got, want)
	}
}

func TestConsumerAbsoluteOffsetFilter(t *testing.T) {
	mem := transport.NewInMemory()
	var mu sync.Mutex
	var delivered []uint64

	c := newTestConsumer(t, mem, Options{
		Offset: domain.OffsetSpecAt(2),
		Handler: func(ctx context.Context, c *Consumer, msg domain.DeliveredMessage) error {
			mu.Lock()
			delivered = append(delivered, msg.Offset)
			mu.Unlock()
			return nil
		},
	})
	defer c.Close(context.Background())

	// chunk_id 0, 5 records -> offsets 0..4; only >=2 should pass.
	mem.Deliver(0, buildChunk(t, 0, "m0", "m1", "m2", "m3", "m4"))

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 3 {
		t.Fatalf("expected 3 delivered records, got %d (%v)", len(delivered), delivered)
	}
	for _, off := range delivered {
		if off < 2 {
			t.Fatalf("offset %d should have been filtered out", off)
		}
	}
}

func TestConsumerSkipsMalformedRecordWithoutAborting(t *testing.T) {
	mem := transport.NewInMemory()
	var mu sync.Mutex
	var got []string

	c := newTestConsumer(t, mem, Options{
		Offset: domain.OffsetSpecNext(),
		Handler: func(ctx context.Context, c *Consumer, msg domain.DeliveredMessage) error {
			mu.Lock()
			got = append(got, string(msg.Message.Body))
			mu.Unlock()
			return nil
		},
	})
	defer c.Close(context.Background())

	good := chunkcodec.NewBuilder()
	good.AppendStandard([]byte("a"))
	good.AppendStandard([]byte("b"))
	chunk := good.Build(0, 0)
	// Truncate the data so the second record's declared length overruns
	// the buffer; num_records still claims 2, the decoder should count it
	// Skipped rather than aborting the whole chunk.
	chunk.Data = chunk.Data[:len(chunk.Data)-1]

	mem.Deliver(0, chunk)

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatalf("expected at least the first well-formed record to be delivered")
	}
}

func TestConsumerRequiresReferenceForSingleActive(t *testing.T) {
	mem := transport.NewInMemory()
	_, err := New(context.Background(), Options{
		Stream:               "invoices-0",
		Handler:              func(context.Context, *Consumer, domain.DeliveredMessage) error { return nil },
		SingleActiveConsumer: true,
	}, mem)
	if err == nil {
		t.Fatal("expected ErrConfig for missing reference")
	}
}

func TestConsumerMetadataHandlerInvoked(t *testing.T) {
	mem := transport.NewInMemory()
	mem.SetPartitions("invoices", []string{"invoices-0"})

	var mu sync.Mutex
	var gotUpdate *domain.MetadataUpdate

	c := newTestConsumer(t, mem, Options{
		Offset: domain.OffsetSpecNext(),
		Handler: func(context.Context, *Consumer, domain.DeliveredMessage) error {
			return nil
		},
		MetadataHandler: func(u domain.MetadataUpdate) {
			mu.Lock()
			cp := u
			gotUpdate = &cp
			mu.Unlock()
		},
	})
	defer c.Close(context.Background())

	mem.RemovePartition("invoices", "invoices-0")

	mu.Lock()
	defer mu.Unlock()
	if gotUpdate == nil {
		t.Fatal("expected metadata handler to be invoked")
	}
	if gotUpdate.Code != domain.MetadataStreamNotAvailable {
		t.Fatalf("unexpected metadata code: %v", gotUpdate.Code)
	}
}

func TestConsumerCloseIsIdempotentAndDisposesStoreOffset(t *testing.T) {
	mem := transport.NewInMemory()
	c := newTestConsumer(t, mem, Options{
		Offset:    domain.OffsetSpecNext(),
		Reference: "ref-1",
		Handler: func(context.Context, *Consumer, domain.DeliveredMessage) error {
			return nil
		},
	})

	if err := c.StoreOffset(context.Background(), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Close(context.Background()); err != nil {
			t.Fatalf("close #%d: unexpected error: %v", i, err)
		}
	}

	if err := c.StoreOffset(context.Background(), 11); err != domain.ErrAlreadyDisposed {
		t.Fatalf("expected ErrAlreadyDisposed after close, got %v", err)
	}
}

func TestConsumerDisposeClosesAndIsIdempotent(t *testing.T) {
	mem := transport.NewInMemory()
	c := newTestConsumer(t, mem, Options{
		Offset: domain.OffsetSpecNext(),
		Handler: func(context.Context, *Consumer, domain.DeliveredMessage) error {
			return nil
		},
	})

	for i := 0; i < 2; i++ {
		code, err := c.Dispose(context.Background())
		if err != nil || code != domain.ResponseOK {
			t.Fatalf("dispose #%d: code=%v err=%v", i, code, err)
		}
	}
	if c.IsOpen() {
		t.Fatalf("expected consumer closed after Dispose")
	}
}
