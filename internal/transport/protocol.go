package transport

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// Operation identifies which Transport method a ControlRequest carries.
type Operation int32

const (
	OperationUnknown        Operation = 0
	OperationLookup         Operation = 1
	OperationDeclare        Operation = 2
	OperationPublish        Operation = 3
	OperationClosePublisher Operation = 4
	OperationSubscribe      Operation = 5
	OperationCredit         Operation = 6
	OperationUnsubscribe    Operation = 7
	OperationStoreOffset    Operation = 8
)

// ErrorCode mirrors the broker's own Ok/error vocabulary on the wire.
type ErrorCode int32

const (
	ErrorCodeOK         ErrorCode = 0
	ErrorCodeBadRequest ErrorCode = 1
	ErrorCodeNotFound   ErrorCode = 2
	ErrorCodeOverloaded ErrorCode = 3
	ErrorCodeInternal   ErrorCode = 4
)

type ControlRequest struct {
	RequestId       string                 `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	Operation       int32                  `protobuf:"varint,2,opt,name=operation,proto3"`
	Lookup          *LookupRequest         `protobuf:"bytes,3,opt,name=lookup,proto3"`
	Declare         *DeclareRequest        `protobuf:"bytes,4,opt,name=declare,proto3"`
	Publish         *PublishRequest        `protobuf:"bytes,5,opt,name=publish,proto3"`
	ClosePublisher  *ClosePublisherRequest `protobuf:"bytes,6,opt,name=close_publisher,json=closePublisher,proto3"`
	Subscribe       *SubscribeRequest      `protobuf:"bytes,7,opt,name=subscribe,proto3"`
	Credit          *CreditRequest         `protobuf:"bytes,8,opt,name=credit,proto3"`
	Unsubscribe     *UnsubscribeRequest    `protobuf:"bytes,9,opt,name=unsubscribe,proto3"`
	StoreOffset     *StoreOffsetRequest    `protobuf:"bytes,10,opt,name=store_offset,json=storeOffset,proto3"`
}

func (*ControlRequest) Reset()         {}
func (*ControlRequest) String() string { return "ControlRequest" }
func (*ControlRequest) ProtoMessage()  {}

type ControlResponse struct {
	RequestId    string `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32  `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`

	Lookup      *LookupResponse  `protobuf:"bytes,4,opt,name=lookup,proto3"`
	Declare     *DeclareResponse `protobuf:"bytes,5,opt,name=declare,proto3"`
	Subscribe   *SubscribeResponse `protobuf:"bytes,6,opt,name=subscribe,proto3"`
}

func (*ControlResponse) Reset()         {}
func (*ControlResponse) String() string { return "ControlResponse" }
func (*ControlResponse) ProtoMessage()  {}

type LookupRequest struct {
	SuperStream string `protobuf:"bytes,1,opt,name=super_stream,json=superStream,proto3"`
}

func (*LookupRequest) Reset()         {}
func (*LookupRequest) String() string { return "LookupRequest" }
func (*LookupRequest) ProtoMessage()  {}

type LookupResponse struct {
	Partitions []string `protobuf:"bytes,1,rep,name=partitions,proto3"`
}

func (*LookupResponse) Reset()         {}
func (*LookupResponse) String() string { return "LookupResponse" }
func (*LookupResponse) ProtoMessage()  {}

type DeclareRequest struct {
	Stream             string `protobuf:"bytes,1,opt,name=stream,proto3"`
	Reference          string `protobuf:"bytes,2,opt,name=reference,proto3"`
	ClientProvidedName string `protobuf:"bytes,3,opt,name=client_provided_name,json=clientProvidedName,proto3"`
}

func (*DeclareRequest) Reset()         {}
func (*DeclareRequest) String() string { return "DeclareRequest" }
func (*DeclareRequest) ProtoMessage()  {}

type DeclareResponse struct {
	LastPublishingId uint64 `protobuf:"varint,1,opt,name=last_publishing_id,json=lastPublishingId,proto3"`
}

func (*DeclareResponse) Reset()         {}
func (*DeclareResponse) String() string { return "DeclareResponse" }
func (*DeclareResponse) ProtoMessage()  {}

type PublishRequest struct {
	Stream        string   `protobuf:"bytes,1,opt,name=stream,proto3"`
	Frame         []byte   `protobuf:"bytes,2,opt,name=frame,proto3"`
	PublishingIds []uint64 `protobuf:"varint,3,rep,name=publishing_ids,json=publishingIds,proto3"`
	NumRecords    uint32   `protobuf:"varint,4,opt,name=num_records,json=numRecords,proto3"`
}

func (*PublishRequest) Reset()         {}
func (*PublishRequest) String() string { return "PublishRequest" }
func (*PublishRequest) ProtoMessage()  {}

type ClosePublisherRequest struct {
	Stream string `protobuf:"bytes,1,opt,name=stream,proto3"`
}

func (*ClosePublisherRequest) Reset()         {}
func (*ClosePublisherRequest) String() string { return "ClosePublisherRequest" }
func (*ClosePublisherRequest) ProtoMessage()  {}

type SubscribeRequest struct {
	Stream     string            `protobuf:"bytes,1,opt,name=stream,proto3"`
	OffsetKind int32             `protobuf:"varint,2,opt,name=offset_kind,json=offsetKind,proto3"`
	Offset     uint64            `protobuf:"varint,3,opt,name=offset,proto3"`
	Properties map[string]string `protobuf:"bytes,4,rep,name=properties,proto3" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
}

func (*SubscribeRequest) Reset()         {}
func (*SubscribeRequest) String() string { return "SubscribeRequest" }
func (*SubscribeRequest) ProtoMessage()  {}

type SubscribeResponse struct {
	SubscriberId uint32 `protobuf:"varint,1,opt,name=subscriber_id,json=subscriberId,proto3"`
}

func (*SubscribeResponse) Reset()         {}
func (*SubscribeResponse) String() string { return "SubscribeResponse" }
func (*SubscribeResponse) ProtoMessage()  {}

type CreditRequest struct {
	SubscriberId uint32 `protobuf:"varint,1,opt,name=subscriber_id,json=subscriberId,proto3"`
	Credits      uint32 `protobuf:"varint,2,opt,name=credits,proto3"`
}

func (*CreditRequest) Reset()         {}
func (*CreditRequest) String() string { return "CreditRequest" }
func (*CreditRequest) ProtoMessage()  {}

type UnsubscribeRequest struct {
	SubscriberId uint32 `protobuf:"varint,1,opt,name=subscriber_id,json=subscriberId,proto3"`
}

func (*UnsubscribeRequest) Reset()         {}
func (*UnsubscribeRequest) String() string { return "UnsubscribeRequest" }
func (*UnsubscribeRequest) ProtoMessage()  {}

type StoreOffsetRequest struct {
	Reference string `protobuf:"bytes,1,opt,name=reference,proto3"`
	Stream    string `protobuf:"bytes,2,opt,name=stream,proto3"`
	Offset    uint64 `protobuf:"varint,3,opt,name=offset,proto3"`
}

func (*StoreOffsetRequest) Reset()         {}
func (*StoreOffsetRequest) String() string { return "StoreOffsetRequest" }
func (*StoreOffsetRequest) ProtoMessage()  {}

// DeliverFrame carries one chunk pushed to a subscriber out-of-band from
// the request/response cycle above.
type DeliverFrame struct {
	SubscriberId uint32 `protobuf:"varint,1,opt,name=subscriber_id,json=subscriberId,proto3"`
	ChunkId      uint64 `protobuf:"varint,2,opt,name=chunk_id,json=chunkId,proto3"`
	TimestampMs  int64  `protobuf:"varint,3,opt,name=timestamp_ms,json=timestampMs,proto3"`
	NumRecords   uint32 `protobuf:"varint,4,opt,name=num_records,json=numRecords,proto3"`
	Data         []byte `protobuf:"bytes,5,opt,name=data,proto3"`
}

func (*DeliverFrame) Reset()         {}
func (*DeliverFrame) String() string { return "DeliverFrame" }
func (*DeliverFrame) ProtoMessage()  {}

// SignalFrame carries a connection-closed or metadata-update event, pushed
// asynchronously to any producer or consumer whose route it affects.
type SignalFrame struct {
	Stream           string `protobuf:"bytes,1,opt,name=stream,proto3"`
	ConnectionClosed bool   `protobuf:"varint,2,opt,name=connection_closed,json=connectionClosed,proto3"`
	Reason           string `protobuf:"bytes,3,opt,name=reason,proto3"`
	MetadataUpdate   bool   `protobuf:"varint,4,opt,name=metadata_update,json=metadataUpdate,proto3"`
	UpdateCode       int32  `protobuf:"varint,5,opt,name=update_code,json=updateCode,proto3"`
}

func (*SignalFrame) Reset()         {}
func (*SignalFrame) String() string { return "SignalFrame" }
func (*SignalFrame) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalControlRequest(payload []byte) (*ControlRequest, error) {
	var req ControlRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalControlResponse(payload []byte) (*ControlResponse, error) {
	var res ControlResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func UnmarshalDeliverFrame(payload []byte) (*DeliverFrame, error) {
	var f DeliverFrame
	if err := proto.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func UnmarshalSignalFrame(payload []byte) (*SignalFrame, error) {
	var f SignalFrame
	if err := proto.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func ValidateControlRequest(req *ControlRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}
