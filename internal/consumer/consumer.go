// Package consumer implements the chunk-consuming reader
// and §6: a single-partition subscription that grants credit before
// parsing each delivered chunk, decodes it through internal/chunkcodec,
// and dispatches decoded messages to a caller-supplied handler, reacting
// to connection-closed and metadata-update signals the way
// internal/partitionproducer does on the publishing side.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"streamx/internal/chunkcodec"
	"streamx/internal/domain"
	"streamx/internal/transport"
)

// initialCredit is the credit granted on subscribe.
const initialCredit = 10

// MessageHandler is invoked once per decoded, offset-filtered message.
type MessageHandler func(ctx context.Context, c *Consumer, msg domain.DeliveredMessage) error

// MetadataHandler is invoked on a MetadataUpdate signal for this
// consumer's stream, in addition to the package's own reconnect handling.
type MetadataHandler func(domain.MetadataUpdate)

// Options configures a single-stream consumer.
type Options struct {
	Stream  string
	Offset  domain.OffsetSpec
	Handler MessageHandler

	// Reference identifies this consumer for StoreOffset and is required
	// when SingleActiveConsumer is set.
	Reference string

	SingleActiveConsumer bool
	// SuperStream, if set alongside SingleActiveConsumer, is forwarded as
	// the super-stream property so the broker routes single-active
	// notifications correctly.
	SuperStream string

	MetadataHandler MetadataHandler
}

// Consumer owns one partition stream's subscription state.
type Consumer struct {
	opts Options
	tr   transport.Transport
	log  *logrus.Entry

	mu           sync.RWMutex
	state        domain.ConsumerState
	subscriberID byte

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates opts and subscribes, moving straight to open on success
// (there is no observable "creating" state for a consumer per
// domain.ConsumerState).
func New(ctx context.Context, opts Options, tr transport.Transport) (*Consumer, error) {
	if opts.Stream == "" {
		return nil, fmt.Errorf("%w: empty stream name", domain.ErrConfig)
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("%w: missing message handler", domain.ErrConfig)
	}
	if opts.SingleActiveConsumer && opts.Reference == "" {
		return nil, fmt.Errorf("%w: reference required for single active consumer", domain.ErrConfig)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		opts:   opts,
		tr:     tr,
		log:    logrus.WithField("stream", opts.Stream),
		state:  domain.ConsumerOpen,
		ctx:    runCtx,
		cancel: cancel,
	}

	props := make(map[string]string)
	if opts.SingleActiveConsumer {
		props["single-active-consumer"] = "true"
		if opts.SuperStream != "" {
			props["super-stream"] = opts.SuperStream
		}
	}

	subID, err := tr.Subscribe(ctx, transport.SubscribeConfig{
		Stream:     opts.Stream,
		Offset:     opts.Offset,
		Properties: props,
	}, c.onDeliver, c.onUpdate)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrCreateConsumer, opts.Stream, err)
	}
	c.subscriberID = subID

	if err := tr.Credit(ctx, subID, initialCredit); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: initial credit for %s: %v", domain.ErrCreateConsumer, opts.Stream, err)
	}

	return c, nil
}

// onDeliver is the transport's deliver callback: it grants one credit
// before decoding, per the broker's credit policy, then walks the chunk
// through chunkcodec, dispatching each surviving message to opts.Handler.
// It runs on whatever goroutine the transport delivers on; errors are
// logged, not returned, since the transport has no return path for them.
func (c *Consumer) onDeliver(chunk domain.Chunk) {
	c.mu.RLock()
	subID := c.subscriberID
	closed := c.state == domain.ConsumerClosed
	c.mu.RUnlock()
	if closed {
		return
	}

	if err := c.tr.Credit(c.ctx, subID, 1); err != nil {
		c.log.WithError(err).Warn("failed to grant credit")
	}

	stats, err := chunkcodec.Decode(c.ctx, chunk, c.opts.Offset, func(dm domain.DeliveredMessage) error {
		return c.opts.Handler(c.ctx, c, dm)
	})
	if err != nil {
		c.log.WithError(err).Warn("chunk decode stopped early")
		return
	}
	if stats.Skipped > 0 {
		c.log.WithField("skipped", stats.Skipped).Warn("skipped malformed records in chunk")
	}
}

// onUpdate mirrors partitionproducer.onUpdate: a connection drop has no
// observable consumer state transition (domain.ConsumerState only models
// open/closed), but it is logged; a metadata update is forwarded to the
// caller's MetadataHandler so an owning super-stream-style consumer group
// can rebind.
func (c *Consumer) onUpdate(closed domain.ConnectionClosed, update *domain.MetadataUpdate) {
	if closed.Reason != nil {
		c.log.WithError(closed.Reason).Warn("consumer connection closed, awaiting reconnect")
	}
	if update != nil && c.opts.MetadataHandler != nil {
		c.opts.MetadataHandler(*update)
	}
}

// StoreOffset persists msg's offset broker-side under this consumer's
// reference, the way a caller checkpoints progress between restarts.
func (c *Consumer) StoreOffset(ctx context.Context, offset uint64) error {
	if !c.IsOpen() {
		return domain.ErrAlreadyDisposed
	}
	return c.tr.StoreOffset(ctx, c.opts.Reference, c.opts.Stream, offset)
}

// State returns the consumer's current lifecycle state.
func (c *Consumer) State() domain.ConsumerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsOpen reports whether Close has not yet been called.
func (c *Consumer) IsOpen() bool {
	return c.State() == domain.ConsumerOpen
}

// Close unsubscribes and cancels any in-flight handler invocation.
// Idempotent. Unsubscribe waits at most 3 seconds.
func (c *Consumer) Close(ctx context.Context) (domain.ResponseCode, error) {
	c.mu.Lock()
	if c.state == domain.ConsumerClosed {
		c.mu.Unlock()
		return domain.ResponseOK, nil
	}
	c.state = domain.ConsumerClosed
	subID := c.subscriberID
	c.mu.Unlock()

	c.cancel()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.tr.Unsubscribe(ctx, subID); err != nil {
		return domain.ResponseError, err
	}
	return domain.ResponseOK, nil
}

// Dispose forces Close with a 1-second grace period.
func (c *Consumer) Dispose(ctx context.Context) (domain.ResponseCode, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return c.Close(ctx)
}
