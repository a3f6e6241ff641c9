package raftengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"streamx/internal/domain"
	"streamx/internal/testbroker/storage/sqlite"
	"streamx/internal/transport"
)

// Broker is a reference, single-node implementation of transport.Transport:
// super-streams are registered in-memory (CreateSuperStream), each
// partition's chunk log is replicated through a single-voter Engine and
// persisted durably via sqlite, and subscribers are delivered chunks
// credit-by-credit as they commit. It exists to drive integration tests
// and cmd/streamxd -serve, not as a production broker.
type Broker struct {
	store  *sqlite.Store
	engine *Engine
	log    *logrus.Entry

	mu           sync.Mutex
	superStreams map[string][]string
	publishers   map[string]*publisherState
	subscribers  map[byte]*subscriberState
	partitionSub map[string][]byte
	nextSubID    byte
}

type publisherState struct {
	reference string
	confirm   transport.ConfirmHandler
	update    transport.UpdateHandler
	closed    bool
}

type subscriberState struct {
	partition   string
	deliver     transport.DeliverHandler
	update      transport.UpdateHandler
	mu          sync.Mutex
	credit      uint32
	nextChunkID uint64
	closed      bool
}

// NewBroker opens a broker persisting partition chunk logs under baseDir.
func NewBroker(baseDir string, nodeID uint64) (*Broker, error) {
	store, err := sqlite.NewStore(baseDir)
	if err != nil {
		return nil, fmt.Errorf("testbroker: open storage: %w", err)
	}
	b := &Broker{
		store:        store,
		log:          logrus.WithField("component", "testbroker"),
		superStreams: make(map[string][]string),
		publishers:   make(map[string]*publisherState),
		subscribers:  make(map[byte]*subscriberState),
		partitionSub: make(map[string][]byte),
	}
	b.engine = NewEngine(Config{NodeID: nodeID, Apply: b.onCommitted})
	return b, nil
}

// Close stops the engine and closes the storage layer. Idempotent.
func (b *Broker) Close() error {
	b.engine.Stop()
	return b.store.Close()
}

// CreateSuperStream registers a super-stream's ordered partition list,
// the way an operator would create one against a real broker before any
// client connects; cmd/streamxd -serve and integration tests call this
// directly since admin operations sit outside the client-facing transport.
func (b *Broker) CreateSuperStream(name string, partitions []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.superStreams[name] = append([]string(nil), partitions...)
}

// RemovePartition deletes a partition from its super-stream's list and
// signals any open publisher/subscriber on it, mirroring InMemory's test
// hook for exercising metadata-driven partition removal.
func (b *Broker) RemovePartition(superStream, partition string) {
	b.mu.Lock()
	filtered := b.superStreams[superStream][:0:0]
	for _, p := range b.superStreams[superStream] {
		if p != partition {
			filtered = append(filtered, p)
		}
	}
	b.superStreams[superStream] = filtered
	pub := b.publishers[partition]
	subIDs := append([]byte(nil), b.partitionSub[partition]...)
	var subs []*subscriberState
	for _, id := range subIDs {
		subs = append(subs, b.subscribers[id])
	}
	b.mu.Unlock()

	signal := domain.MetadataUpdate{Stream: partition, Code: domain.MetadataStreamNotAvailable}
	if pub != nil && pub.update != nil {
		pub.update(domain.ConnectionClosed{}, &signal)
	}
	for _, sub := range subs {
		if sub != nil && sub.update != nil {
			sub.update(domain.ConnectionClosed{}, &signal)
		}
	}
}

func (b *Broker) Lookup(_ context.Context, superStream string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.superStreams[superStream]...), nil
}

func (b *Broker) Declare(ctx context.Context, cfg transport.DeclareConfig, confirm transport.ConfirmHandler, update transport.UpdateHandler) (uint64, error) {
	last, err := b.store.Highwater(ctx, cfg.Stream, cfg.Reference)
	if err != nil {
		return 0, fmt.Errorf("testbroker: highwater lookup: %w", err)
	}

	b.mu.Lock()
	b.publishers[cfg.Stream] = &publisherState{reference: cfg.Reference, confirm: confirm, update: update}
	b.mu.Unlock()

	return last, nil
}

func (b *Broker) Publish(ctx context.Context, stream string, publishingID uint64, numRecords uint32, frame []byte) error {
	return b.publish(ctx, stream, []uint64{publishingID}, numRecords, frame)
}

func (b *Broker) PublishBatch(ctx context.Context, stream string, publishingIDs []uint64, numRecords uint32, frame []byte) error {
	return b.publish(ctx, stream, publishingIDs, numRecords, frame)
}

func (b *Broker) publish(ctx context.Context, stream string, publishingIDs []uint64, numRecords uint32, frame []byte) error {
	b.mu.Lock()
	pub, ok := b.publishers[stream]
	b.mu.Unlock()
	if !ok || pub.closed {
		return domain.ErrNotConnected
	}

	cmd := ChunkAppendCommand{
		Partition:     stream,
		Reference:     pub.reference,
		PublishingIDs: publishingIDs,
		NumRecords:    numRecords,
		TimestampNs:   time.Now().UnixNano(),
		Frame:         frame,
	}
	return b.engine.Propose(ctx, cmd)
}

// onCommitted runs on the partition's own raft goroutine once cmd's entry
// commits: it persists the chunk, bumps the reference's highwater, fires
// per-id confirmations, and pushes the new chunk to any credited
// subscriber of this partition.
func (b *Broker) onCommitted(partition string, cmd ChunkAppendCommand) {
	ctx := context.Background()

	chunkID, err := b.store.NextChunkID(ctx, partition)
	if err != nil {
		b.log.WithError(err).WithField("partition", partition).Error("next chunk id lookup failed")
		return
	}
	if err := b.store.AppendChunk(ctx, partition, chunkID, cmd.NumRecords, cmd.TimestampNs, cmd.Frame); err != nil {
		b.log.WithError(err).WithField("partition", partition).Error("append chunk failed")
		return
	}
	if cmd.Reference != "" {
		var maxID uint64
		for _, id := range cmd.PublishingIDs {
			if id > maxID {
				maxID = id
			}
		}
		if _, err := b.store.BumpHighwater(ctx, partition, cmd.Reference, maxID); err != nil {
			b.log.WithError(err).WithField("partition", partition).Error("bump highwater failed")
		}
	}

	b.mu.Lock()
	pub := b.publishers[partition]
	b.mu.Unlock()
	if pub != nil && pub.confirm != nil {
		for _, id := range cmd.PublishingIDs {
			pub.confirm(domain.Confirmation{PublishingID: domain.PublishingID(id), Code: domain.ResponseOK})
		}
	}

	b.deliverPending(partition)
}

func (b *Broker) ClosePublisher(_ context.Context, stream string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pub, ok := b.publishers[stream]; ok {
		pub.closed = true
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, cfg transport.SubscribeConfig, deliver transport.DeliverHandler, update transport.UpdateHandler) (byte, error) {
	start, err := b.resolveOffset(ctx, cfg.Stream, cfg.Offset)
	if err != nil {
		return 0, fmt.Errorf("testbroker: resolve offset: %w", err)
	}

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscriberState{partition: cfg.Stream, deliver: deliver, update: update, nextChunkID: start}
	b.subscribers[id] = sub
	b.partitionSub[cfg.Stream] = append(b.partitionSub[cfg.Stream], id)
	b.mu.Unlock()

	return id, nil
}

// resolveOffset turns an OffsetSpec into the chunk_id a fresh subscription
// should start delivering from. OffsetAbsolute resolves to the chunk that
// contains the requested offset (chunkcodec.Decode's client-side filter
// then drops records before it); the other kinds need no such filtering.
func (b *Broker) resolveOffset(ctx context.Context, partition string, spec domain.OffsetSpec) (uint64, error) {
	switch spec.Kind {
	case domain.OffsetFirst:
		return 0, nil
	case domain.OffsetNext:
		return b.store.NextChunkID(ctx, partition)
	case domain.OffsetLast:
		chunks, err := b.store.ChunksFrom(ctx, partition, 0)
		if err != nil {
			return 0, err
		}
		if len(chunks) == 0 {
			return 0, nil
		}
		return chunks[len(chunks)-1].ChunkID, nil
	case domain.OffsetAbsolute:
		chunks, err := b.store.ChunksFrom(ctx, partition, 0)
		if err != nil {
			return 0, err
		}
		var start uint64
		for _, c := range chunks {
			if c.ChunkID > spec.Offset {
				break
			}
			start = c.ChunkID
		}
		return start, nil
	case domain.OffsetTimestamp:
		chunks, err := b.store.ChunksFrom(ctx, partition, 0)
		if err != nil {
			return 0, err
		}
		for _, c := range chunks {
			if c.TimestampNs >= spec.Timestamp.UnixNano() {
				return c.ChunkID, nil
			}
		}
		return b.store.NextChunkID(ctx, partition)
	default:
		return 0, fmt.Errorf("testbroker: unknown offset kind %d", spec.Kind)
	}
}

func (b *Broker) Credit(_ context.Context, subscriberID byte, n uint16) error {
	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	b.mu.Unlock()
	if !ok {
		return domain.ErrNotConnected
	}
	sub.mu.Lock()
	sub.credit += uint32(n)
	sub.mu.Unlock()

	b.deliverPending(sub.partition)
	return nil
}

// deliverPending pushes every persisted chunk from each live subscriber's
// cursor forward, one credit per chunk, the way a real broker drains its
// backlog to a consumer as credit becomes available.
func (b *Broker) deliverPending(partition string) {
	b.mu.Lock()
	subIDs := append([]byte(nil), b.partitionSub[partition]...)
	var subs []*subscriberState
	for _, id := range subIDs {
		if s := b.subscribers[id]; s != nil {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	ctx := context.Background()
	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed || sub.credit == 0 {
			sub.mu.Unlock()
			continue
		}
		from := sub.nextChunkID
		sub.mu.Unlock()

		chunks, err := b.store.ChunksFrom(ctx, partition, from)
		if err != nil {
			b.log.WithError(err).WithField("partition", partition).Error("chunks lookup failed")
			continue
		}

		for _, c := range chunks {
			sub.mu.Lock()
			if sub.closed || sub.credit == 0 {
				sub.mu.Unlock()
				break
			}
			sub.credit--
			sub.nextChunkID = c.ChunkID + uint64(c.NumRecords)
			sub.mu.Unlock()

			sub.deliver(domain.Chunk{
				ChunkID:    c.ChunkID,
				Timestamp:  time.Unix(0, c.TimestampNs),
				NumRecords: c.NumRecords,
				Data:       c.Data,
			})
		}
	}
}

func (b *Broker) Unsubscribe(_ context.Context, subscriberID byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[subscriberID]; ok {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
	}
	return nil
}

func (b *Broker) StoreOffset(ctx context.Context, reference, stream string, offset uint64) error {
	return b.store.StoreOffset(ctx, stream, reference, offset)
}

var _ transport.Transport = (*Broker)(nil)
