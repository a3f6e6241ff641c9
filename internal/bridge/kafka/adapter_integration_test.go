package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"streamx/internal/domain"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"
)

type captureProducer struct {
	mu   sync.Mutex
	sent []domain.Message
}

func (c *captureProducer) Send(_ context.Context, _ uint64, msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func TestKafkaContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("events"))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	recBody, _ := json.Marshal(map[string]any{"stream_key": "s1", "event_id": "e1"})
	if err := producer.ProduceSync(ctx, &kgo.Record{Topic: "events", Value: recBody}).FirstErr(); err != nil {
		t.Fatalf("produce: %v", err)
	}

	prod := &captureProducer{}
	adapter, err := NewAdapter(Config{Enabled: true, Brokers: []string{broker}, Topics: []string{"events"}, GroupID: "streamx-it", ParseMode: ParseModeJSON})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	adapter.SetProducer(prod)
	consumeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	go func() { _ = adapter.Start(consumeCtx) }()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-consumeCtx.Done():
			t.Fatalf("timed out waiting for consumed event")
		case <-ticker.C:
			prod.mu.Lock()
			count := len(prod.sent)
			prod.mu.Unlock()
			if count > 0 {
				return
			}
		}
	}
}
