package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"streamx/internal/bridge/kafka"
	"streamx/internal/bridge/rabbitmq"
	"streamx/internal/config"
	"streamx/internal/consumer"
	"streamx/internal/domain"
	"streamx/internal/metadata"
	"streamx/internal/routing"
	"streamx/internal/superstream"
	raftengine "streamx/internal/testbroker"
	"streamx/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "streamx.yaml", "path to config file")
	serve := flag.Bool("serve", false, "run a demo super-stream producer/consumer pair against the in-process reference broker")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if !*serve {
		fmt.Printf("streamxd node=%s super_stream=%s bridges(kafka=%t rabbitmq=%t)\n",
			cfg.Server.NodeID,
			cfg.Producer.SuperStream,
			cfg.Ingest.Kafka.Enabled,
			cfg.Ingest.RabbitMQ.Enabled,
		)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runServe(ctx, cfg); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// runServe boots an in-process testbroker, declares cfg.Producer.SuperStream
// with three partitions, and wires a super-stream producer, a consumer, and
// any enabled bridge adapters together against it, so an operator can drive
// a minimal end-to-end loop without a real broker binary.
func runServe(ctx context.Context, cfg config.Config) error {
	dataDir := cfg.TestBroker.DataDir
	if dataDir == "" {
		dataDir = "./streamx-data"
	}
	broker, err := raftengine.NewBroker(dataDir, cfg.TestBroker.NodeID)
	if err != nil {
		return fmt.Errorf("start reference broker: %w", err)
	}
	defer broker.Close()

	partitions := cfg.TestBroker.Partitions
	if len(partitions) == 0 {
		partitions = []string{
			cfg.Producer.SuperStream + "-0",
			cfg.Producer.SuperStream + "-1",
			cfg.Producer.SuperStream + "-2",
		}
	}
	broker.CreateSuperStream(cfg.Producer.SuperStream, partitions)

	entry := logrus.WithField("super_stream", cfg.Producer.SuperStream)
	entry.WithField("partitions", partitions).Info("reference broker ready")

	strategy, err := buildRoutingStrategy(cfg.Producer.RoutingStrategy)
	if err != nil {
		return err
	}

	reference := cfg.Producer.Reference
	if reference == "" {
		reference = "streamxd-" + uuid.NewString()
	}

	confirms := make(chan domain.PartitionConfirmation, 256)
	prodCfg := superstream.Config{
		SuperStream:        cfg.Producer.SuperStream,
		Routing:            strategy,
		Reference:          reference,
		ClientProvidedName: "streamxd",
		ConfirmHandler:     func(c domain.PartitionConfirmation) { confirms <- c },
		WaitForOpen:        true,
	}

	md := metadata.NewPartitionListCache()
	var tr transport.Transport = broker
	producer, err := superstream.New(ctx, prodCfg, tr, md)
	if err != nil {
		return fmt.Errorf("open super-stream producer: %w", err)
	}
	defer producer.Dispose(context.Background())

	go logConfirmations(ctx, entry, confirms)

	cons, err := consumer.New(ctx, consumer.Options{
		Stream: partitions[0],
		Offset: domain.OffsetSpecNext(),
		Handler: func(_ context.Context, _ *consumer.Consumer, msg domain.DeliveredMessage) error {
			entry.WithField("offset", msg.Offset).Info("demo consumer received message")
			return nil
		},
	}, tr)
	if err != nil {
		return fmt.Errorf("open demo consumer: %w", err)
	}
	defer cons.Dispose(context.Background())

	if err := startBridges(ctx, cfg, producer); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			seq++
			body := []byte(fmt.Sprintf(`{"seq":%d,"at":%q}`, seq, time.Now().UTC().Format(time.RFC3339)))
			msg := domain.Message{Body: body, Properties: domain.Properties{MessageID: fmt.Sprintf("demo-%d", seq)}}
			if err := producer.Send(ctx, seq, msg); err != nil {
				entry.WithError(err).Warn("demo send failed")
			}
		}
	}
}

func buildRoutingStrategy(kind string) (routing.Strategy, error) {
	switch kind {
	case "", "hash":
		return routing.NewHashStrategy(routing.MessageIDExtractor), nil
	case "key":
		return routing.NewKeyStrategy(routing.MessageIDExtractor, nil), nil
	default:
		return nil, fmt.Errorf("%w: unknown routing strategy %q", domain.ErrConfig, kind)
	}
}

func logConfirmations(ctx context.Context, entry *logrus.Entry, confirms <-chan domain.PartitionConfirmation) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-confirms:
			entry.WithFields(logrus.Fields{
				"partition":     c.Partition,
				"publishing_id": c.PublishingID,
				"code":          c.Code,
			}).Debug("confirm received")
		}
	}
}

// startBridges launches whichever ingest bridges are enabled, republishing
// their traffic into producer. Two-phase wiring: the adapter is built
// first so its OnConfirm can be handed to producer's confirm fan-in, then
// SetProducer completes the loop.
func startBridges(ctx context.Context, cfg config.Config, producer *superstream.Producer) error {
	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(cfg.Ingest.Kafka)
		if err != nil {
			return fmt.Errorf("build kafka bridge: %w", err)
		}
		adapter.SetProducer(producer)
		go func() {
			if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("kafka bridge stopped")
			}
		}()
	}
	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(cfg.Ingest.RabbitMQ)
		if err != nil {
			return fmt.Errorf("build rabbitmq bridge: %w", err)
		}
		adapter.SetProducer(producer)
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("start rabbitmq bridge: %w", err)
		}
	}
	return nil
}
