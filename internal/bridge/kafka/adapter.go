// Package kafka republishes Kafka topic records into a super-stream
// producer: normalize each record into a Message, hand it to
// Producer.Send, and commit the Kafka offset once the super-stream
// producer's confirm handler reports it landed, not when the local fetch
// loop read it.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"streamx/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	ParseModeJSON     = "json_envelope"
	ParseModeProtobuf = "protobuf_envelope"
	ParseModeCustom   = "custom_mapper"
)

// Producer is the narrow slice of superstream.Producer this bridge needs:
// enqueue one message under a caller-assigned publishing-id. Confirmation
// arrives out of band through the super-stream producer's ConfirmHandler,
// wired by the caller to this adapter's OnConfirm.
type Producer interface {
	Send(ctx context.Context, publishingID uint64, msg domain.Message) error
}

type Mapper interface {
	MapKafkaRecord(*kgo.Record) (domain.EventEnvelope, error)
}

type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	Topics         []string      `mapstructure:"topics"`
	GroupID        string        `mapstructure:"group_id"`
	ClientID       string        `mapstructure:"client_id"`
	WorkerCount    int           `mapstructure:"worker_count"`
	MaxPollRecords int           `mapstructure:"max_poll_records"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	ParseMode      string        `mapstructure:"parse_mode"`
	Auth           AuthConfig    `mapstructure:"auth"`
	Fetch          FetchConfig   `mapstructure:"fetch"`

	CustomMapper      Mapper                                   `mapstructure:"-"`
	ProtobufUnmarshal func([]byte) (domain.EventEnvelope, error) `mapstructure:"-"`
}

type AuthConfig struct {
	SASL SASLConfig `mapstructure:"sasl"`
	TLS  TLSConfig  `mapstructure:"tls"`
}

type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type FetchConfig struct {
	MinBytes int32         `mapstructure:"min_bytes"`
	MaxBytes int32         `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

type jsonEnvelope struct {
	StreamKey    string            `json:"stream_key"`
	EventID      string            `json:"event_id"`
	EventType    string            `json:"event_type"`
	EventTimeUTC string            `json:"event_time_utc"`
	Payload      json.RawMessage   `json:"payload"`
	Metadata     map[string]string `json:"metadata"`
}

// Adapter polls Kafka, normalizes each record, and republishes it into a
// super-stream producer, pausing/resuming fetch as its internal queue
// fills.
type Adapter struct {
	cfg Config

	client   *kgo.Client
	records  chan *kgo.Record
	acks     chan recordAck
	producer Producer
	closed   atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	nextPublishingID atomic.Uint64
	pendingMu        sync.Mutex
	pending          map[uint64]*kgo.Record

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	ok     bool
}

func NewAdapter(cfg Config, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		client:  cl,
		records: make(chan *kgo.Record, cfg.QueueCapacity),
		acks:    make(chan recordAck, cfg.QueueCapacity),
		pending: make(map[uint64]*kgo.Record),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

// SetProducer attaches the super-stream producer this adapter republishes
// into. Split from NewAdapter because the producer's own ConfirmHandler
// must reference this adapter's OnConfirm, so callers construct the
// adapter first, then the producer, then wire them together.
func (a *Adapter) SetProducer(p Producer) { a.producer = p }

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()

	for i := 0; i < a.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWorker(ctx)
		}()
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				for {
					select {
					case a.records <- rec:
						a.maybeResume()
						goto next
					default:
						a.maybePause()
						time.Sleep(5 * time.Millisecond)
					}
				}
			next:
			}
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		env, err := a.normalizeRecord(rec)
		if err != nil {
			a.acks <- recordAck{record: rec, ok: false}
			continue
		}
		id := a.nextPublishingID.Add(1)
		a.trackPending(id, rec)
		if err := a.producer.Send(ctx, id, env.ToMessage()); err != nil {
			a.takePending(id)
			a.acks <- recordAck{record: rec, ok: false}
		}
	}
}

// OnConfirm is the super-stream producer's ConfirmHandler: it resolves a
// confirmed publishing-id back to the Kafka record it came from and
// enqueues the commit decision.
func (a *Adapter) OnConfirm(c domain.PartitionConfirmation) {
	rec, ok := a.takePending(uint64(c.PublishingID))
	if !ok {
		return
	}
	a.acks <- recordAck{record: rec, ok: c.Code == domain.ResponseOK}
}

func (a *Adapter) trackPending(id uint64, rec *kgo.Record) {
	a.pendingMu.Lock()
	a.pending[id] = rec
	a.pendingMu.Unlock()
}

func (a *Adapter) takePending(id uint64) (*kgo.Record, bool) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	rec, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	return rec, ok
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil || !ack.ok {
				continue
			}
			a.markCommit(ack.record)
			_ = a.commitMarked(ctx)
		}
	}
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (domain.EventEnvelope, error) {
	var env domain.EventEnvelope
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		decoded, err := parseJSONEnvelope(rec.Value)
		if err != nil {
			return env, err
		}
		env = decoded
	case ParseModeProtobuf:
		if a.cfg.ProtobufUnmarshal == nil {
			return env, errors.New("protobuf parser not configured")
		}
		decoded, err := a.cfg.ProtobufUnmarshal(rec.Value)
		if err != nil {
			return env, err
		}
		env = decoded
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return env, errors.New("custom mapper not configured")
		}
		decoded, err := a.cfg.CustomMapper.MapKafkaRecord(rec)
		if err != nil {
			return env, err
		}
		env = decoded
	default:
		return env, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	env.Source = "kafka"
	env.SourceRef = fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	if env.ReceivedAtUTC.IsZero() {
		env.ReceivedAtUTC = time.Now().UTC()
	}
	return env, validateEnvelope(env)
}

func parseJSONEnvelope(payload []byte) (domain.EventEnvelope, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(payload, &in); err != nil {
		return domain.EventEnvelope{}, fmt.Errorf("parse json envelope: %w", err)
	}
	et := time.Now().UTC()
	if in.EventTimeUTC != "" {
		parsed, err := time.Parse(time.RFC3339Nano, in.EventTimeUTC)
		if err != nil {
			return domain.EventEnvelope{}, fmt.Errorf("parse event_time_utc: %w", err)
		}
		et = parsed.UTC()
	}
	return domain.EventEnvelope{
		StreamKey:      in.StreamKey,
		EventID:        in.EventID,
		EventType:      in.EventType,
		EventTimeUTCNs: et.UnixNano(),
		Payload:        append([]byte(nil), in.Payload...),
		Metadata:       in.Metadata,
	}, nil
}

func validateEnvelope(env domain.EventEnvelope) error {
	if strings.TrimSpace(env.EventID) == "" {
		return errors.New("event_id is required")
	}
	if strings.TrimSpace(env.StreamKey) == "" {
		return errors.New("stream_key is required")
	}
	return nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
