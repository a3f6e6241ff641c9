package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"

	"streamx/internal/domain"
)

// frameKind prefixes every frame payload (before the protobuf bytes) so a
// connection can multiplex request/response control traffic with
// spontaneous chunk delivery and signal pushes over one socket.
type frameKind byte

const (
	frameControlRequest  frameKind = 0
	frameControlResponse frameKind = 1
	frameDeliver         frameKind = 2
	frameSignal          frameKind = 3
)

const shardCount = 32

// Config holds the socket server config: network/address, optional TLS,
// and the backpressure knobs (per-connection inflight cap, global queue
// limit) that keep one slow caller from starving others.
type Config struct {
	Network, Address, UnixSocketPath string
	MaxInflight, GlobalQueueLimit    int
	TLSConfig                        *tls.Config
}

// Server exposes a Transport implementation (typically internal/testbroker)
// over the length-prefixed protobuf wire protocol, so tests can exercise
// the core against a real socket instead of the in-process InMemory fake.
// cmd/streamxd does not start one.
type Server struct {
	cfg       Config
	transport Transport
	ln        net.Listener
	addr      atomic.Value
	globalQ   chan struct{}
	shards    []chan queuedRequest
	closed    atomic.Bool
	wg        sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *ControlRequest
	conn    *connection
	release func()
}

type connection struct {
	c       net.Conn
	writerQ chan frame
	inflight chan struct{}

	mu          sync.Mutex
	subscribers map[uint32]DeliverHandler
}

type frame struct {
	kind    frameKind
	payload []byte
}

func NewServer(cfg Config, tr Transport) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	s := &Server{cfg: cfg, transport: tr, globalQ: make(chan struct{}, cfg.GlobalQueueLimit), shards: make([]chan queuedRequest, shardCount)}
	for i := range s.shards {
		s.shards[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	for i := range s.shards {
		s.wg.Add(1)
		go s.runShardWorker(s.shards[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, q := range s.shards {
		close(q)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan frame, 256), inflight: make(chan struct{}, s.cfg.MaxInflight), subscribers: make(map[uint32]DeliverHandler)}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() { defer s.wg.Done(); defer raw.Close(); defer close(conn.writerQ); s.readLoop(ctx, conn) }()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for f := range conn.writerQ {
		framed := append([]byte{byte(f.kind)}, f.payload...)
		if err := WriteFrame(w, framed); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		raw, err := ReadFrame(r)
		if err != nil || len(raw) == 0 {
			return
		}
		kind, payload := frameKind(raw[0]), raw[1:]
		if kind != frameControlRequest {
			continue
		}

		req, err := UnmarshalControlRequest(payload)
		if err != nil {
			s.sendResponse(conn, &ControlResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateControlRequest(req); err != nil {
			s.sendResponse(conn, &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.sendResponse(conn, &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }

		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.sendResponse(conn, &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "server queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.shards[shardFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.sendResponse(conn, &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "shard queue overloaded"})
		}
	}
}

func (s *Server) runShardWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for qr := range q {
		res := s.handleRequest(qr.ctx, qr.conn, qr.req)
		qr.release()
		s.sendResponse(qr.conn, res)
	}
}

func (s *Server) sendResponse(conn *connection, res *ControlResponse) {
	payload, err := MarshalMessage(res)
	if err != nil {
		return
	}
	select {
	case conn.writerQ <- frame{kind: frameControlResponse, payload: payload}:
	default:
	}
}

func (s *Server) pushDeliver(conn *connection, subscriberID uint32, chunk domain.Chunk) {
	f := &DeliverFrame{SubscriberId: subscriberID, ChunkId: chunk.ChunkID, TimestampMs: chunk.Timestamp.UnixMilli(), NumRecords: chunk.NumRecords, Data: chunk.Data}
	payload, err := MarshalMessage(f)
	if err != nil {
		return
	}
	select {
	case conn.writerQ <- frame{kind: frameDeliver, payload: payload}:
	default:
	}
}

func (s *Server) pushSignal(conn *connection, stream string, closedReason error, update *domain.MetadataUpdate) {
	sf := &SignalFrame{Stream: stream}
	if closedReason != nil {
		sf.ConnectionClosed, sf.Reason = true, closedReason.Error()
	}
	if update != nil {
		sf.MetadataUpdate, sf.UpdateCode = true, int32(update.Code)
	}
	payload, err := MarshalMessage(sf)
	if err != nil {
		return
	}
	select {
	case conn.writerQ <- frame{kind: frameSignal, payload: payload}:
	default:
	}
}

func shardFor(req *ControlRequest) int {
	var key string
	switch {
	case req.Lookup != nil:
		key = req.Lookup.SuperStream
	case req.Declare != nil:
		key = req.Declare.Stream
	case req.Publish != nil:
		key = req.Publish.Stream
	case req.ClosePublisher != nil:
		key = req.ClosePublisher.Stream
	case req.Subscribe != nil:
		key = req.Subscribe.Stream
	}
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (s *Server) handleRequest(ctx context.Context, conn *connection, req *ControlRequest) *ControlResponse {
	res := &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationLookup:
		if req.Lookup == nil {
			return badReq(req, "lookup request required")
		}
		partitions, err := s.transport.Lookup(ctx, req.Lookup.SuperStream)
		if err != nil {
			return internalErr(req, err)
		}
		res.Lookup = &LookupResponse{Partitions: partitions}
	case OperationDeclare:
		if req.Declare == nil {
			return badReq(req, "declare request required")
		}
		stream := req.Declare.Stream
		last, err := s.transport.Declare(ctx, DeclareConfig{Stream: stream, Reference: req.Declare.Reference, ClientProvidedName: req.Declare.ClientProvidedName},
			func(c domain.Confirmation) {}, // confirmations are discarded here: no frame kind carries them to the remote client.
			func(closed domain.ConnectionClosed, update *domain.MetadataUpdate) { s.pushSignal(conn, stream, closed.Reason, update) })
		if err != nil {
			return internalErr(req, err)
		}
		res.Declare = &DeclareResponse{LastPublishingId: last}
	case OperationPublish:
		if req.Publish == nil {
			return badReq(req, "publish request required")
		}
		var err error
		if len(req.Publish.PublishingIds) > 1 {
			err = s.transport.PublishBatch(ctx, req.Publish.Stream, req.Publish.PublishingIds, req.Publish.NumRecords, req.Publish.Frame)
		} else {
			var id uint64
			if len(req.Publish.PublishingIds) == 1 {
				id = req.Publish.PublishingIds[0]
			}
			err = s.transport.Publish(ctx, req.Publish.Stream, id, req.Publish.NumRecords, req.Publish.Frame)
		}
		if err != nil {
			return internalErr(req, err)
		}
	case OperationClosePublisher:
		if req.ClosePublisher == nil {
			return badReq(req, "close_publisher request required")
		}
		if err := s.transport.ClosePublisher(ctx, req.ClosePublisher.Stream); err != nil {
			return internalErr(req, err)
		}
	case OperationSubscribe:
		if req.Subscribe == nil {
			return badReq(req, "subscribe request required")
		}
		stream := req.Subscribe.Stream
		offsetSpec := domain.OffsetSpec{Kind: domain.OffsetKind(req.Subscribe.OffsetKind), Offset: req.Subscribe.Offset}
		var subID byte
		var err error
		subID, err = s.transport.Subscribe(ctx, SubscribeConfig{Stream: stream, Offset: offsetSpec, Properties: req.Subscribe.Properties},
			func(chunk domain.Chunk) { s.pushDeliver(conn, uint32(subID), chunk) },
			func(closed domain.ConnectionClosed, update *domain.MetadataUpdate) { s.pushSignal(conn, stream, closed.Reason, update) })
		if err != nil {
			return internalErr(req, err)
		}
		res.Subscribe = &SubscribeResponse{SubscriberId: uint32(subID)}
	case OperationCredit:
		if req.Credit == nil {
			return badReq(req, "credit request required")
		}
		if err := s.transport.Credit(ctx, byte(req.Credit.SubscriberId), uint16(req.Credit.Credits)); err != nil {
			return internalErr(req, err)
		}
	case OperationUnsubscribe:
		if req.Unsubscribe == nil {
			return badReq(req, "unsubscribe request required")
		}
		if err := s.transport.Unsubscribe(ctx, byte(req.Unsubscribe.SubscriberId)); err != nil {
			return internalErr(req, err)
		}
	case OperationStoreOffset:
		if req.StoreOffset == nil {
			return badReq(req, "store_offset request required")
		}
		if err := s.transport.StoreOffset(ctx, req.StoreOffset.Reference, req.StoreOffset.Stream, req.StoreOffset.Offset); err != nil {
			return internalErr(req, err)
		}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *ControlRequest, msg string) *ControlResponse {
	return &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func internalErr(req *ControlRequest, err error) *ControlResponse {
	return &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeInternal), ErrorMessage: err.Error()}
}

func Retryable(code int32) bool              { return ErrorCode(code) == ErrorCodeOverloaded }
func WireError(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
