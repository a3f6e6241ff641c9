package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"streamx/internal/domain"
)

// DialTransport is a Transport implementation dialing a Server over TCP
// (or a unix socket), the client-side counterpart of server.go's wire
// protocol. cmd/streamxd does not use it: it always runs the reference
// broker in-process.
type DialTransport struct {
	conn net.Conn
	w    *bufio.Writer

	mu       sync.Mutex
	pending  map[string]chan *ControlResponse
	deliver  map[uint32]DeliverHandler
	update   map[string]UpdateHandler
	closed   bool
}

func Dial(ctx context.Context, network, address string) (*DialTransport, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	t := &DialTransport{
		conn:    conn,
		w:       bufio.NewWriter(conn),
		pending: make(map[string]chan *ControlResponse),
		deliver: make(map[uint32]DeliverHandler),
		update:  make(map[string]UpdateHandler),
	}
	go t.readLoop()
	return t, nil
}

func (t *DialTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *DialTransport) readLoop() {
	r := bufio.NewReader(t.conn)
	for {
		raw, err := ReadFrame(r)
		if err != nil {
			t.failPending(err)
			return
		}
		kind, payload := frameKind(raw[0]), raw[1:]
		switch kind {
		case frameControlResponse:
			res, err := UnmarshalControlResponse(payload)
			if err != nil {
				continue
			}
			t.mu.Lock()
			ch, ok := t.pending[res.RequestId]
			if ok {
				delete(t.pending, res.RequestId)
			}
			t.mu.Unlock()
			if ok {
				ch <- res
			}
		case frameDeliver:
			f, err := UnmarshalDeliverFrame(payload)
			if err != nil {
				continue
			}
			t.mu.Lock()
			h := t.deliver[f.SubscriberId]
			t.mu.Unlock()
			if h != nil {
				h(domain.Chunk{ChunkID: f.ChunkId, NumRecords: f.NumRecords, Data: f.Data})
			}
		case frameSignal:
			f, err := UnmarshalSignalFrame(payload)
			if err != nil {
				continue
			}
			t.mu.Lock()
			h := t.update[f.Stream]
			t.mu.Unlock()
			if h == nil {
				continue
			}
			var closed domain.ConnectionClosed
			var mu *domain.MetadataUpdate
			if f.ConnectionClosed {
				closed.Reason = fmt.Errorf("%s", f.Reason)
			}
			if f.MetadataUpdate {
				mu = &domain.MetadataUpdate{Stream: f.Stream, Code: domain.MetadataUpdateCode(f.UpdateCode)}
			}
			h(closed, mu)
		}
	}
}

func (t *DialTransport) failPending(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		ch <- &ControlResponse{RequestId: id, ErrorCode: int32(ErrorCodeInternal), ErrorMessage: err.Error()}
	}
	t.pending = map[string]chan *ControlResponse{}
}

func (t *DialTransport) roundTrip(ctx context.Context, req *ControlRequest) (*ControlResponse, error) {
	req.RequestId = uuid.NewString()
	ch := make(chan *ControlResponse, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	t.pending[req.RequestId] = ch
	t.mu.Unlock()

	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	framed := append([]byte{byte(frameControlRequest)}, payload...)
	if err := WriteFrame(t.w, framed); err != nil {
		return nil, err
	}
	if err := t.w.Flush(); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.ErrorCode != int32(ErrorCodeOK) {
			return res, fmt.Errorf("%s", res.ErrorMessage)
		}
		return res, nil
	}
}

func (t *DialTransport) Lookup(ctx context.Context, superStream string) ([]string, error) {
	res, err := t.roundTrip(ctx, &ControlRequest{Operation: int32(OperationLookup), Lookup: &LookupRequest{SuperStream: superStream}})
	if err != nil {
		return nil, err
	}
	return res.Lookup.Partitions, nil
}

func (t *DialTransport) Declare(ctx context.Context, cfg DeclareConfig, confirm ConfirmHandler, update UpdateHandler) (uint64, error) {
	t.mu.Lock()
	t.update[cfg.Stream] = update
	t.mu.Unlock()
	res, err := t.roundTrip(ctx, &ControlRequest{Operation: int32(OperationDeclare), Declare: &DeclareRequest{Stream: cfg.Stream, Reference: cfg.Reference, ClientProvidedName: cfg.ClientProvidedName}})
	if err != nil {
		return 0, err
	}
	return res.Declare.LastPublishingId, nil
}

func (t *DialTransport) Publish(ctx context.Context, stream string, publishingID uint64, numRecords uint32, frameBytes []byte) error {
	_, err := t.roundTrip(ctx, &ControlRequest{Operation: int32(OperationPublish), Publish: &PublishRequest{Stream: stream, Frame: frameBytes, PublishingIds: []uint64{publishingID}, NumRecords: numRecords}})
	return err
}

func (t *DialTransport) PublishBatch(ctx context.Context, stream string, publishingIDs []uint64, numRecords uint32, frameBytes []byte) error {
	_, err := t.roundTrip(ctx, &ControlRequest{Operation: int32(OperationPublish), Publish: &PublishRequest{Stream: stream, Frame: frameBytes, PublishingIds: publishingIDs, NumRecords: numRecords}})
	return err
}

func (t *DialTransport) ClosePublisher(ctx context.Context, stream string) error {
	_, err := t.roundTrip(ctx, &ControlRequest{Operation: int32(OperationClosePublisher), ClosePublisher: &ClosePublisherRequest{Stream: stream}})
	return err
}

func (t *DialTransport) Subscribe(ctx context.Context, cfg SubscribeConfig, deliver DeliverHandler, update UpdateHandler) (byte, error) {
	t.mu.Lock()
	t.update[cfg.Stream] = update
	t.mu.Unlock()

	res, err := t.roundTrip(ctx, &ControlRequest{Operation: int32(OperationSubscribe), Subscribe: &SubscribeRequest{
		Stream: cfg.Stream, OffsetKind: int32(cfg.Offset.Kind), Offset: cfg.Offset.Offset, Properties: cfg.Properties,
	}})
	if err != nil {
		return 0, err
	}
	subID := res.Subscribe.SubscriberId
	t.mu.Lock()
	t.deliver[subID] = deliver
	t.mu.Unlock()
	return byte(subID), nil
}

func (t *DialTransport) Credit(ctx context.Context, subscriberID byte, n uint16) error {
	_, err := t.roundTrip(ctx, &ControlRequest{Operation: int32(OperationCredit), Credit: &CreditRequest{SubscriberId: uint32(subscriberID), Credits: uint32(n)}})
	return err
}

func (t *DialTransport) Unsubscribe(ctx context.Context, subscriberID byte) error {
	_, err := t.roundTrip(ctx, &ControlRequest{Operation: int32(OperationUnsubscribe), Unsubscribe: &UnsubscribeRequest{SubscriberId: uint32(subscriberID)}})
	return err
}

func (t *DialTransport) StoreOffset(ctx context.Context, reference, stream string, offset uint64) error {
	_, err := t.roundTrip(ctx, &ControlRequest{Operation: int32(OperationStoreOffset), StoreOffset: &StoreOffsetRequest{Reference: reference, Stream: stream, Offset: offset}})
	return err
}
