// Package partitionproducer implements the per-partition publishing
// context: one connection's publishing state for a
// single partition stream, its creating/open/reconnecting/closed state
// machine, and the send/batch/sub-entry operations the super-stream
// producer delegates to.
package partitionproducer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"streamx/internal/chunkcodec"
	"streamx/internal/domain"
	"streamx/internal/transport"
)

// Options configures a single partition producer. WaitForOpen lets a
// caller block a send until reconnection finishes instead of failing fast
// in the reconnecting state, which remains the default (WaitForOpen
// defaults to false).
type Options struct {
	Reference          string
	ClientProvidedName string
	WaitForOpen        bool

	// MetadataHandler, if set, is invoked for every MetadataUpdate signal
	// observed on this producer's route, in addition to this package's
	// own connection-closed handling. The super-stream producer sets
	// this to prune a removed partition from its cache.
	MetadataHandler func(domain.MetadataUpdate)
}

// ConfirmHandler receives one confirmation per acknowledged publish.
type ConfirmHandler func(domain.Confirmation)

// Producer owns the publishing state for one partition stream.
type Producer struct {
	stream string
	opts   Options
	tr     transport.Transport
	confirm ConfirmHandler

	mu    sync.RWMutex
	state domain.ProducerState

	lastPublishingID atomic.Uint64

	openCh chan struct{} // closed and replaced each time state transitions into open

	closeOnce sync.Once
}

// New creates and opens a partition producer: a synchronous declare
// against the transport, moving creating -> open on success.
func New(ctx context.Context, stream string, opts Options, tr transport.Transport, confirm ConfirmHandler) (*Producer, error) {
	if stream == "" {
		return nil, fmt.Errorf("%w: empty partition stream name", domain.ErrCreateProducer)
	}

	p := &Producer{
		stream:  stream,
		opts:    opts,
		tr:      tr,
		confirm: confirm,
		state:   domain.ProducerCreating,
		openCh:  make(chan struct{}),
	}

	last, err := tr.Declare(ctx, transport.DeclareConfig{
		Stream:             stream,
		Reference:          opts.Reference,
		ClientProvidedName: opts.ClientProvidedName,
	}, p.onConfirm, p.onUpdate)
	if err != nil {
		return nil, fmt.Errorf("%w: declare %s: %v", domain.ErrCreateProducer, stream, err)
	}

	p.lastPublishingID.Store(last)
	p.transitionTo(domain.ProducerOpen)
	return p, nil
}

func (p *Producer) onConfirm(c domain.Confirmation) {
	if p.confirm != nil {
		p.confirm(c)
	}
}

// onUpdate reacts to the transport's connection-closed / metadata-update
// signal stream: a connection drop marks this producer reconnecting; the
// super-stream layer (not this package) owns re-declaring it and pruning
// it from the partition map on a stream-removed metadata update.
func (p *Producer) onUpdate(closed domain.ConnectionClosed, update *domain.MetadataUpdate) {
	if closed.Reason != nil {
		p.transitionTo(domain.ProducerReconnecting)
	}
	if update != nil && p.opts.MetadataHandler != nil {
		p.opts.MetadataHandler(*update)
	}
}

func (p *Producer) transitionTo(state domain.ProducerState) {
	p.mu.Lock()
	prev := p.state
	p.state = state
	var toClose chan struct{}
	if state == domain.ProducerOpen && prev != domain.ProducerOpen {
		toClose = p.openCh
		p.openCh = make(chan struct{})
	}
	p.mu.Unlock()
	if toClose != nil {
		close(toClose)
	}
}

func (p *Producer) State() domain.ProducerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// awaitSendable returns nil once the producer is open, or an error
// immediately (fail-fast default) or after ctx/ open-wait resolves.
func (p *Producer) awaitSendable(ctx context.Context) error {
	p.mu.RLock()
	state, waitCh := p.state, p.openCh
	p.mu.RUnlock()

	switch state {
	case domain.ProducerClosed:
		return domain.ErrAlreadyDisposed
	case domain.ProducerOpen:
		return nil
	case domain.ProducerReconnecting:
		if !p.opts.WaitForOpen {
			return domain.ErrNotConnected
		}
		select {
		case <-waitCh:
			return p.awaitSendable(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return domain.ErrNotConnected
	}
}

// Send enqueues a single message under publishingID, returning once the
// transport has accepted the frame (not once confirmed).
func (p *Producer) Send(ctx context.Context, publishingID uint64, msg domain.Message) error {
	if err := p.awaitSendable(ctx); err != nil {
		return err
	}
	frame := chunkcodec.NewBuilder().AppendStandard(msg.Body)
	chunk := frame.Build(0, 0)
	if err := p.tr.Publish(ctx, p.stream, publishingID, chunk.NumRecords, chunk.Data); err != nil {
		return err
	}
	p.bumpLastPublishingID(publishingID)
	return nil
}

// BatchSend issues a single frame carrying every message in batch,
// preserving input order; the transport acknowledges each publishing-id
// independently.
func (p *Producer) BatchSend(ctx context.Context, batch []domain.PublishingMessage) error {
	if err := p.awaitSendable(ctx); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	builder := chunkcodec.NewBuilder()
	ids := make([]uint64, 0, len(batch))
	for _, pm := range batch {
		builder.AppendStandard(pm.Message.Body)
		ids = append(ids, uint64(pm.PublishingID))
	}
	chunk := builder.Build(0, 0)
	if err := p.tr.PublishBatch(ctx, p.stream, ids, chunk.NumRecords, chunk.Data); err != nil {
		return err
	}
	for _, id := range ids {
		p.bumpLastPublishingID(id)
	}
	return nil
}

// SubEntrySend issues a single compressed sub-entry frame covering all of
// msgs; the single publishingID is the frame's only confirmation unit.
func (p *Producer) SubEntrySend(ctx context.Context, publishingID uint64, msgs []domain.Message, compression domain.CompressionType) error {
	if err := p.awaitSendable(ctx); err != nil {
		return err
	}
	bodies := make([][]byte, len(msgs))
	for i, m := range msgs {
		bodies[i] = m.Body
	}
	builder := chunkcodec.NewBuilder().AppendSubEntry(compression, bodies)
	chunk := builder.Build(0, 0)
	if err := p.tr.Publish(ctx, p.stream, publishingID, chunk.NumRecords, chunk.Data); err != nil {
		return err
	}
	p.bumpLastPublishingID(publishingID)
	return nil
}

// LastPublishingID returns the broker-acknowledged highwater for this
// producer's (reference, stream), or 0 if Reference is empty.
func (p *Producer) LastPublishingID() uint64 {
	if p.opts.Reference == "" {
		return 0
	}
	return p.lastPublishingID.Load()
}

func (p *Producer) bumpLastPublishingID(id uint64) {
	for {
		cur := p.lastPublishingID.Load()
		if id <= cur {
			return
		}
		if p.lastPublishingID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Close releases this producer's publishing context. Idempotent.
func (p *Producer) Close(ctx context.Context) (domain.ResponseCode, error) {
	var err error
	p.closeOnce.Do(func() {
		err = p.tr.ClosePublisher(ctx, p.stream)
		p.transitionTo(domain.ProducerClosed)
	})
	if err != nil {
		return domain.ResponseError, err
	}
	return domain.ResponseOK, nil
}
