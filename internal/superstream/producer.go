// Package superstream implements the super-stream producer from
// the "core of the core": a partition-name-keyed map of
// partition producers, consulting a routing.Strategy, lazily opening and
// caching partition producers, reacting to connection-closed and
// metadata-update signals, and fanning confirmations in tagged by
// partition name.
package superstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"streamx/internal/domain"
	"streamx/internal/metadata"
	"streamx/internal/partitionproducer"
	"streamx/internal/routing"
	"streamx/internal/transport"
)

// ConfirmHandler receives one confirmation per acknowledged publish,
// tagged with the partition it was produced for.
type ConfirmHandler func(domain.PartitionConfirmation)

// Config is the producer configuration.
type Config struct {
	SuperStream        string
	Routing            routing.Strategy
	Reference          string
	ClientProvidedName string
	ConfirmHandler     ConfirmHandler
	WaitForOpen        bool
}

// Producer is the super-stream producer: the single logical handle
// callers send through, multiplexed across its partitions' producers.
type Producer struct {
	cfg Config
	tr  transport.Transport
	md  *metadata.PartitionListCache
	log *logrus.Entry

	mu         sync.RWMutex
	partitions map[string]*partitionproducer.Producer
	closed     bool
}

// New validates cfg synchronously and fetches the initial partition list;
// a missing name, missing routing, or an empty partition list all fail
// here, before any partition producer is opened.
func New(ctx context.Context, cfg Config, tr transport.Transport, md *metadata.PartitionListCache) (*Producer, error) {
	if cfg.SuperStream == "" {
		return nil, fmt.Errorf("%w: empty super_stream name", domain.ErrConfig)
	}
	if cfg.Routing == nil {
		return nil, fmt.Errorf("%w: missing routing strategy", domain.ErrConfig)
	}

	partitions, err := md.Get(ctx, cfg.SuperStream, lister{tr})
	if err != nil {
		return nil, fmt.Errorf("%w: metadata lookup for %s: %v", domain.ErrCreateProducer, cfg.SuperStream, err)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: super-stream %s has no partitions", domain.ErrCreateProducer, cfg.SuperStream)
	}

	return &Producer{
		cfg:        cfg,
		tr:         tr,
		md:         md,
		log:        logrus.WithField("super_stream", cfg.SuperStream),
		partitions: make(map[string]*partitionproducer.Producer),
	}, nil
}

type lister struct{ tr transport.Transport }

func (l lister) Lookup(ctx context.Context, superStream string) ([]string, error) {
	return l.tr.Lookup(ctx, superStream)
}

// Send routes msg to one destination partition, opening its producer on
// demand, and delegates the send.
func (p *Producer) Send(ctx context.Context, publishingID uint64, msg domain.Message) error {
	if !p.IsOpen() {
		return domain.ErrAlreadyDisposed
	}

	partition, err := p.route(ctx, msg)
	if err != nil {
		return err
	}

	pp, err := p.ensurePartition(ctx, partition)
	if err != nil {
		return err
	}
	return pp.Send(ctx, publishingID, msg)
}

// BatchSend groups batch by destination partition, preserving each
// partition's relative input order, then issues one batch per partition.
func (p *Producer) BatchSend(ctx context.Context, batch []domain.PublishingMessage) error {
	if !p.IsOpen() {
		return domain.ErrAlreadyDisposed
	}

	grouped, order, err := p.groupByPartition(ctx, batch)
	if err != nil {
		return err
	}

	for _, partition := range order {
		pp, err := p.ensurePartition(ctx, partition)
		if err != nil {
			return err
		}
		if err := pp.BatchSend(ctx, grouped[partition]); err != nil {
			return err
		}
	}
	return nil
}

// SubEntrySend groups msgs by destination partition the same way
// BatchSend does, issuing one compressed sub-entry frame per partition.
// The single caller-supplied publishingID is reused verbatim across every
// destination partition — intended, not an oversight.
func (p *Producer) SubEntrySend(ctx context.Context, publishingID uint64, msgs []domain.Message, compression domain.CompressionType) error {
	if !p.IsOpen() {
		return domain.ErrAlreadyDisposed
	}

	grouped := make(map[string][]domain.Message)
	var order []string
	for _, msg := range msgs {
		partition, err := p.route(ctx, msg)
		if err != nil {
			return err
		}
		if _, ok := grouped[partition]; !ok {
			order = append(order, partition)
		}
		grouped[partition] = append(grouped[partition], msg)
	}

	for _, partition := range order {
		pp, err := p.ensurePartition(ctx, partition)
		if err != nil {
			return err
		}
		if err := pp.SubEntrySend(ctx, publishingID, grouped[partition], compression); err != nil {
			return err
		}
	}
	return nil
}

func (p *Producer) groupByPartition(ctx context.Context, batch []domain.PublishingMessage) (map[string][]domain.PublishingMessage, []string, error) {
	grouped := make(map[string][]domain.PublishingMessage)
	var order []string
	for _, pm := range batch {
		partition, err := p.route(ctx, pm.Message)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := grouped[partition]; !ok {
			order = append(order, partition)
		}
		grouped[partition] = append(grouped[partition], pm)
	}
	return grouped, order, nil
}

func (p *Producer) route(ctx context.Context, msg domain.Message) (string, error) {
	partitions, err := p.md.Get(ctx, p.cfg.SuperStream, lister{p.tr})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrRouting, err)
	}

	routed, err := p.cfg.Routing.Route(msg, partitions)
	if err != nil {
		return "", err
	}
	if len(routed) == 0 {
		return "", domain.ErrNoRoute
	}
	return routed[0], nil
}

// ensurePartition returns the cached partition producer for name, opening
// one on first use under a per-call double-checked lock. A cached producer
// stuck in Reconnecting or Closed is discarded and rebuilt: the metadata
// lookup already done by route, followed by a fresh declare here, is the
// "reconnecting -> open" recovery path a send triggers.
func (p *Producer) ensurePartition(ctx context.Context, name string) (*partitionproducer.Producer, error) {
	p.mu.RLock()
	pp, ok := p.partitions[name]
	p.mu.RUnlock()
	if ok && sendable(pp) {
		return pp, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pp, ok := p.partitions[name]; ok && sendable(pp) {
		return pp, nil
	}
	return p.rebuildPartitionLocked(ctx, name)
}

// sendable reports whether pp's cached instance can still be handed a send
// without first being rebuilt.
func sendable(pp *partitionproducer.Producer) bool {
	switch pp.State() {
	case domain.ProducerReconnecting, domain.ProducerClosed:
		return false
	default:
		return true
	}
}

// rebuildPartitionLocked opens a new partition producer for name and
// replaces whatever was cached under it. Caller holds p.mu.
func (p *Producer) rebuildPartitionLocked(ctx context.Context, name string) (*partitionproducer.Producer, error) {
	opts := partitionproducer.Options{
		Reference:          p.cfg.Reference,
		ClientProvidedName: p.cfg.ClientProvidedName,
		WaitForOpen:        p.cfg.WaitForOpen,
		MetadataHandler:    func(u domain.MetadataUpdate) { p.onMetadataUpdate(name, u) },
	}
	pp, err := partitionproducer.New(ctx, name, opts, p.tr, func(c domain.Confirmation) {
		if p.cfg.ConfirmHandler != nil {
			p.cfg.ConfirmHandler(domain.PartitionConfirmation{Partition: name, Confirmation: c})
		}
	})
	if err != nil {
		return nil, err
	}
	p.partitions[name] = pp
	return pp, nil
}

// onMetadataUpdate handles a broker signal that partition's stream moved
// or was deleted: it is pruned from the cache and from the super-stream's
// cached partition list, so later routes recompute against survivors
// (a partition removal must not wedge sends to the remaining ones).
func (p *Producer) onMetadataUpdate(partition string, update domain.MetadataUpdate) {
	p.log.WithField("partition", partition).Info("partition metadata update, pruning")
	p.mu.Lock()
	delete(p.partitions, partition)
	p.mu.Unlock()
	p.md.RemovePartition(p.cfg.SuperStream, partition)
}

// GetLastPublishingID returns the max across currently opened partitions,
// or 0 if Reference is empty or no partition has been opened yet.
func (p *Producer) GetLastPublishingID() uint64 {
	if p.cfg.Reference == "" {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var max uint64
	for _, pp := range p.partitions {
		if id := pp.LastPublishingID(); id > max {
			max = id
		}
	}
	return max
}

// IsOpen reports whether Close/Dispose has not yet been called.
func (p *Producer) IsOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

// Close closes every cached partition producer, returning the first
// non-Ok result if any partition failed to close cleanly.
func (p *Producer) Close(ctx context.Context) (domain.ResponseCode, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ResponseOK, nil
	}
	p.closed = true
	producers := make([]*partitionproducer.Producer, 0, len(p.partitions))
	for _, pp := range p.partitions {
		producers = append(producers, pp)
	}
	p.mu.Unlock()

	var firstErr error
	code := domain.ResponseOK
	for _, pp := range producers {
		if c, err := pp.Close(ctx); err != nil && firstErr == nil {
			firstErr, code = err, c
		}
	}
	return code, firstErr
}

// Dispose forces Close with a 1-second grace period.
func (p *Producer) Dispose(ctx context.Context) (domain.ResponseCode, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.Close(ctx)
}
