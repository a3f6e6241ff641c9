package partitionproducer

import (
	"context"
	"sync"
	"testing"

	"streamx/internal/domain"
	"streamx/internal/transport"
)

func newTestProducer(t *testing.T, mem *transport.InMemory, opts Options) (*Producer, *sync.Mutex, *[]domain.Confirmation) {
	t.Helper()
	var mu sync.Mutex
	var confirms []domain.Confirmation
	p, err := New(context.Background(), "invoices-0", opts, mem, func(c domain.Confirmation) {
		mu.Lock()
		confirms = append(confirms, c)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p, &mu, &confirms
}

func TestProducerSendConfirms(t *testing.T) {
	mem := transport.NewInMemory()
	p, mu, confirms := newTestProducer(t, mem, Options{})

	if err := p.Send(context.Background(), 1, domain.Message{Body: []byte("hello")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*confirms) != 1 || (*confirms)[0].PublishingID != 1 {
		t.Fatalf("expected one confirmation for id 1, got %+v", *confirms)
	}
}

func TestProducerBatchSendConfirmsEachID(t *testing.T) {
	mem := transport.NewInMemory()
	p, mu, confirms := newTestProducer(t, mem, Options{})

	batch := []domain.PublishingMessage{
		{PublishingID: 1, Message: domain.Message{Body: []byte("a")}},
		{PublishingID: 2, Message: domain.Message{Body: []byte("b")}},
		{PublishingID: 3, Message: domain.Message{Body: []byte("c")}},
	}
	if err := p.BatchSend(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*confirms) != 3 {
		t.Fatalf("expected 3 confirmations, got %d", len(*confirms))
	}
}

func TestProducerSendAfterCloseIsDisposed(t *testing.T) {
	mem := transport.NewInMemory()
	p, _, _ := newTestProducer(t, mem, Options{})

	if _, err := p.Close(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Send(context.Background(), 1, domain.Message{Body: []byte("x")}); err != domain.ErrAlreadyDisposed {
		t.Fatalf("expected ErrAlreadyDisposed, got %v", err)
	}
}

func TestProducerCloseIsIdempotent(t *testing.T) {
	mem := transport.NewInMemory()
	p, _, _ := newTestProducer(t, mem, Options{})

	for i := 0; i < 3; i++ {
		code, err := p.Close(context.Background())
		if err != nil || code != domain.ResponseOK {
			t.Fatalf("close #%d: code=%v err=%v", i, code, err)
		}
	}
}

func TestProducerReconnectingFailsFastByDefault(t *testing.T) {
	mem := transport.NewInMemory()
	p, _, _ := newTestProducer(t, mem, Options{})

	mem.KillConnection("invoices-0", context.DeadlineExceeded)

	if p.State() != domain.ProducerReconnecting {
		t.Fatalf("expected reconnecting state, got %v", p.State())
	}
	if err := p.Send(context.Background(), 2, domain.Message{Body: []byte("x")}); err != domain.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestProducerLastPublishingIDRequiresReference(t *testing.T) {
	mem := transport.NewInMemory()
	p, _, _ := newTestProducer(t, mem, Options{})
	if got := p.LastPublishingID(); got != 0 {
		t.Fatalf("expected 0 without a reference, got %d", got)
	}

	mem2 := transport.NewInMemory()
	withRef, _, _ := newTestProducer(t, mem2, Options{Reference: "ref-1"})
	if err := withRef.Send(context.Background(), 5, domain.Message{Body: []byte("x")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := withRef.LastPublishingID(); got != 5 {
		t.Fatalf("expected last publishing id 5, got %d", got)
	}
}
