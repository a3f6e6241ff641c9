package config

import (
	"fmt"
	"strings"

	"streamx/internal/bridge/kafka"
	"streamx/internal/bridge/rabbitmq"
	"streamx/internal/domain"

	"github.com/spf13/viper"
)

// Config is the top-level shape streamx.yaml unmarshals into: the node
// identity, the demo super-stream producer/consumer pair cmd/streamxd
// wires up in -serve mode, the external-ingestion bridges, and the
// in-process reference broker.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Producer   ProducerConfig   `mapstructure:"producer"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	TestBroker TestBrokerConfig `mapstructure:"testbroker"`
	Feature    FeatureConfig    `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

// ProducerConfig names the super-stream and routing strategy a demo
// producer/consumer pair binds to.
type ProducerConfig struct {
	SuperStream     string `mapstructure:"super_stream"`
	Reference       string `mapstructure:"reference"`
	RoutingStrategy string `mapstructure:"routing_strategy"` // "hash" or "key"
}

// IngestConfig groups the bridge configs that republish external broker
// traffic into the super-stream producer.
type IngestConfig struct {
	Kafka    kafka.Config    `mapstructure:"kafka"`
	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq"`
}

// TestBrokerConfig configures the in-process reference broker
// (internal/testbroker) that cmd/streamxd -serve always runs against;
// cmd/streamxd does not read Enabled.
type TestBrokerConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	NodeID     uint64   `mapstructure:"node_id"`
	DataDir    string   `mapstructure:"data_dir"`
	Partitions []string `mapstructure:"partitions"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("streamx")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %v", domain.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feature.allow_multiple_adapters", true)
	v.SetDefault("producer.routing_strategy", "hash")
	v.SetDefault("testbroker.enabled", false)
	v.SetDefault("testbroker.node_id", 1)
	v.SetDefault("testbroker.data_dir", "./streamx-data")
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("%w: server.node_id is required", domain.ErrConfig)
	}
	if c.Producer.SuperStream == "" {
		return fmt.Errorf("%w: producer.super_stream is required", domain.ErrConfig)
	}
	switch c.Producer.RoutingStrategy {
	case "hash", "key":
	default:
		return fmt.Errorf("%w: producer.routing_strategy must be hash or key, got %q", domain.ErrConfig, c.Producer.RoutingStrategy)
	}

	if !c.Feature.AllowMultipleAdapters {
		enabled := 0
		if c.Ingest.Kafka.Enabled {
			enabled++
		}
		if c.Ingest.RabbitMQ.Enabled {
			enabled++
		}
		if enabled > 1 {
			return fmt.Errorf("%w: multiple bridges enabled while feature.allow_multiple_adapters=false", domain.ErrConfig)
		}
	}
	if err := c.Ingest.Kafka.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	if err := c.Ingest.RabbitMQ.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	return nil
}
