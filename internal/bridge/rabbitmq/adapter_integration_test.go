package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamx/internal/domain"

	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// recordingProducer stands in for a superstream.Producer: it records every
// sent message and resolves the confirm asynchronously against the adapter
// under test, optionally failing the first attempt per message id to
// exercise the nack-requeue-then-redeliver path.
type recordingProducer struct {
	mu        sync.Mutex
	sent      []domain.Message
	attempts  map[string]int
	adapter   *Adapter
	failFirst bool
}

func (r *recordingProducer) Send(_ context.Context, id uint64, msg domain.Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	key := msg.Properties.MessageID
	r.attempts[key]++
	attempt := r.attempts[key]
	r.mu.Unlock()

	code := domain.ResponseOK
	if r.failFirst && attempt == 1 {
		code = domain.ResponseError
	}
	go r.adapter.OnConfirm(domain.PartitionConfirmation{
		Partition:    key + "-0",
		Confirmation: domain.Confirmation{PublishingID: domain.PublishingID(id), Code: code},
	})
	return nil
}

func (r *recordingProducer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	cleanup := func() { _ = c.Terminate(ctx) }
	return url, cleanup
}

func publish(t *testing.T, ch *amqp091.Channel, exchange, key string, body []byte) {
	t.Helper()
	if err := ch.PublishWithContext(context.Background(), exchange, key, false, false, amqp091.Publishing{ContentType: "application/json", Body: body}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func openChannel(t *testing.T, url string) (*amqp091.Connection, *amqp091.Channel) {
	t.Helper()
	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		t.Fatalf("channel: %v", err)
	}
	return conn, ch
}

func TestAdapterIntegration_AckAndRedeliveryAndDrop(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	prod := &recordingProducer{attempts: make(map[string]int), failFirst: true}
	cfg := Config{Enabled: true, URL: url, Exchange: "streamx.events", Queue: "streamx.ingest", RoutingKeys: []string{"events.*"}, ConsumerTag: "streamx-it", PrefetchCount: 2, ManualAck: true, Workers: 2, DeliveryQueue: 32, Parser: ParserConfig{RequireStreamKey: true}}
	adapter, err := NewAdapter(cfg)
	if err != nil {
		t.Fatal(err)
	}
	prod.adapter = adapter
	adapter.SetProducer(prod)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	good, _ := json.Marshal(map[string]any{"stream_key": "s-1", "event_id": "e1", "payload": map[string]any{"ok": true}})
	publish(t, ch, cfg.Exchange, "events.order", good)
	publish(t, ch, cfg.Exchange, "events.order", []byte(`{"stream_key":"s-2"`))

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if prod.count() >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if prod.count() < 2 {
		t.Fatalf("expected redelivery after nack-requeue, got sends=%d", prod.count())
	}

	out, err := ch.Consume("streamx.ingest", "verify-empty", false, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume verify queue: %v", err)
	}
	select {
	case d := <-out:
		_ = d.Nack(false, true)
		t.Fatalf("expected malformed message to be dropped (not requeued)")
	case <-time.After(700 * time.Millisecond):
	}
}

func TestAdapterIntegration_BackpressurePrefetchOne(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	release := make(chan struct{})
	prod := &recordingProducer{attempts: make(map[string]int)}
	blocking := &blockingProducer{recordingProducer: prod, release: release}
	cfg := Config{Enabled: true, URL: url, Exchange: "streamx.events2", Queue: "streamx.prefetch", RoutingKeys: []string{"events.prefetch"}, ConsumerTag: "streamx-prefetch", PrefetchCount: 1, ManualAck: true, Workers: 1, DeliveryQueue: 1}
	adapter, err := NewAdapter(cfg)
	if err != nil {
		t.Fatal(err)
	}
	prod.adapter = adapter
	adapter.SetProducer(blocking)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	m1 := []byte(`{"stream_key":"one","event_id":"e1"}`)
	m2 := []byte(`{"stream_key":"two","event_id":"e2"}`)
	publish(t, ch, cfg.Exchange, "events.prefetch", m1)
	publish(t, ch, cfg.Exchange, "events.prefetch", m2)

	time.Sleep(400 * time.Millisecond)
	if got := prod.count(); got != 1 {
		t.Fatalf("expected only one inflight send with prefetch=1, got %d", got)
	}
	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if prod.count() >= 2 {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("expected second delivery after first ack, got sends=%d", prod.count())
}

// blockingProducer delays Send until release fires, holding the worker's
// single in-flight slot so the queue's prefetch=1 limit becomes observable.
type blockingProducer struct {
	*recordingProducer
	release chan struct{}
}

func (b *blockingProducer) Send(ctx context.Context, id uint64, msg domain.Message) error {
	<-b.release
	return b.recordingProducer.Send(ctx, id, msg)
}
