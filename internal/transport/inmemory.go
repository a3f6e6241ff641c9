package transport

import (
	"context"
	"sync"

	"streamx/internal/domain"
)

// InMemory is a zero-network Transport fake used by the core packages'
// unit tests: a mutex-guarded map standing in for a real broker's
// partition publishing state and subscriber delivery.
type InMemory struct {
	mu sync.Mutex

	partitions map[string][]string // super-stream -> ordered partition names

	publishers map[string]*publisherState // stream -> state
	confirms   map[string]ConfirmHandler
	updates    map[string]UpdateHandler

	subscribers   map[byte]*subscriberState
	nextSubID     byte
	storedOffsets map[string]uint64 // reference::stream -> offset
}

type publisherState struct {
	reference        string
	lastPublishingID uint64
	closed           bool
}

type subscriberState struct {
	stream  string
	deliver DeliverHandler
	update  UpdateHandler
	closed  bool
}

func NewInMemory() *InMemory {
	return &InMemory{
		partitions:    make(map[string][]string),
		publishers:    make(map[string]*publisherState),
		confirms:      make(map[string]ConfirmHandler),
		updates:       make(map[string]UpdateHandler),
		subscribers:   make(map[byte]*subscriberState),
		storedOffsets: make(map[string]uint64),
	}
}

// SetPartitions seeds the partition list a super-stream's Lookup returns.
func (m *InMemory) SetPartitions(superStream string, partitions []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[superStream] = append([]string(nil), partitions...)
}

// RemovePartition simulates the broker deleting a partition stream:
// subsequent Lookups omit it, and the UpdateHandler most recently
// registered for that stream (by Declare or Subscribe) receives a
// MetadataUpdate signal.
func (m *InMemory) RemovePartition(superStream, partition string) {
	m.mu.Lock()
	filtered := m.partitions[superStream][:0:0]
	for _, p := range m.partitions[superStream] {
		if p != partition {
			filtered = append(filtered, p)
		}
	}
	m.partitions[superStream] = filtered
	update := m.updates[partition]
	m.mu.Unlock()

	if update != nil {
		update(domain.ConnectionClosed{}, &domain.MetadataUpdate{Stream: partition, Code: domain.MetadataStreamNotAvailable})
	}
}

// KillConnection simulates the broker-side connection for a partition
// dropping: the registered UpdateHandler observes a ConnectionClosed
// signal, the way a real reconnect scenario would trigger it.
func (m *InMemory) KillConnection(partition string, reason error) {
	m.mu.Lock()
	update := m.updates[partition]
	m.mu.Unlock()
	if update != nil {
		update(domain.ConnectionClosed{Reason: reason}, nil)
	}
}

func (m *InMemory) Lookup(_ context.Context, superStream string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.partitions[superStream]...), nil
}

func (m *InMemory) Declare(_ context.Context, cfg DeclareConfig, confirm ConfirmHandler, update UpdateHandler) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.publishers[cfg.Stream]
	if !ok {
		st = &publisherState{reference: cfg.Reference}
		m.publishers[cfg.Stream] = st
	}
	st.closed = false
	m.confirms[cfg.Stream] = confirm
	m.updates[cfg.Stream] = update
	return st.lastPublishingID, nil
}

func (m *InMemory) Publish(_ context.Context, stream string, publishingID uint64, _ uint32, _ []byte) error {
	return m.publish(stream, []uint64{publishingID})
}

func (m *InMemory) PublishBatch(_ context.Context, stream string, publishingIDs []uint64, _ uint32, _ []byte) error {
	return m.publish(stream, publishingIDs)
}

func (m *InMemory) publish(stream string, publishingIDs []uint64) error {
	m.mu.Lock()
	st, ok := m.publishers[stream]
	confirm := m.confirms[stream]
	m.mu.Unlock()

	if !ok || st.closed {
		return domain.ErrNotConnected
	}

	m.mu.Lock()
	for _, id := range publishingIDs {
		if id > st.lastPublishingID {
			st.lastPublishingID = id
		}
	}
	m.mu.Unlock()

	if confirm != nil {
		for _, id := range publishingIDs {
			confirm(domain.Confirmation{PublishingID: domain.PublishingID(id), Code: domain.ResponseOK})
		}
	}
	return nil
}

func (m *InMemory) ClosePublisher(_ context.Context, stream string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.publishers[stream]; ok {
		st.closed = true
	}
	return nil
}

func (m *InMemory) Subscribe(_ context.Context, cfg SubscribeConfig, deliver DeliverHandler, update UpdateHandler) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = &subscriberState{stream: cfg.Stream, deliver: deliver, update: update}
	m.updates[cfg.Stream] = update
	return id, nil
}

func (m *InMemory) Credit(_ context.Context, subscriberID byte, n uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribers[subscriberID]; !ok {
		return domain.ErrNotConnected
	}
	return nil
}

func (m *InMemory) Unsubscribe(_ context.Context, subscriberID byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscribers[subscriberID]; ok {
		sub.closed = true
	}
	return nil
}

func (m *InMemory) StoreOffset(_ context.Context, reference, stream string, offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storedOffsets[reference+"::"+stream] = offset
	return nil
}

// Deliver pushes a chunk to a subscriber, simulating the broker side of
// the wire protocol for tests driving internal/consumer without a real
// testbroker instance.
func (m *InMemory) Deliver(subscriberID byte, chunk domain.Chunk) {
	m.mu.Lock()
	sub, ok := m.subscribers[subscriberID]
	m.mu.Unlock()
	if !ok || sub.closed {
		return
	}
	sub.deliver(chunk)
}
