package raftengine

// ChunkAppendCommand is the unit of replication for one partition's chunk
// log: a single already-framed chunk (one or more encoded records, however
// the producer side batched them) together with the publishing-ids it
// carries, so the broker can bump the reference's highwater and fan out
// per-id confirmations once the command is committed.
type ChunkAppendCommand struct {
	Partition     string   `json:"partition"`
	Reference     string   `json:"reference,omitempty"`
	PublishingIDs []uint64 `json:"publishing_ids"`
	NumRecords    uint32   `json:"num_records"`
	TimestampNs   int64    `json:"timestamp_ns"`
	Frame         []byte   `json:"frame"`
}
