// Package raftengine replicates one log per partition through
// go.etcd.io/raft: an arbitrary-cardinality, partition-name-keyed map of
// single-voter nodes, one per partition name rather than a fixed-size
// partition array. internal/testbroker's Broker is the single production
// caller: it is a reference, single-node implementation of
// transport.Transport good enough to drive integration tests, not a
// distributed deployment, so there are no peer addresses and no network
// transport for raft messages — see DESIGN.md for why a networked raft
// transport was dropped rather than adapted.
package raftengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// ErrNotLeader is returned by Propose when a partition's single-voter node
// has not elected itself within two seconds of the call.
var ErrNotLeader = errors.New("testbroker: partition leader required")

// ApplyFunc is invoked once per committed ChunkAppendCommand, on the
// partition's own goroutine (so per-partition ordering is preserved).
type ApplyFunc func(partition string, cmd ChunkAppendCommand)

// Config holds the raft tuning knobs; there is no PeerAddresses field and
// no networked transport since every partition is a single-voter cluster
// (see package doc).
type Config struct {
	NodeID          uint64
	TickInterval    time.Duration
	ElectionTicks   int
	HeartbeatTicks  int
	MaxInflightMsgs int
	MaxMessageSize  uint64
	Apply           ApplyFunc
}

// Engine owns one raft node per partition, created lazily on first use.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	workers map[string]*partitionWorker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

type partitionWorker struct {
	partition string
	node      raft.Node
	storage   *raft.MemoryStorage
}

// NewEngine fills in reasonable tuning defaults where cfg leaves them
// zero.
func NewEngine(cfg Config) *Engine {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}
	if cfg.MaxInflightMsgs == 0 {
		cfg.MaxInflightMsgs = 256
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	if cfg.NodeID == 0 {
		cfg.NodeID = 1
	}
	return &Engine{cfg: cfg, workers: make(map[string]*partitionWorker), stopCh: make(chan struct{})}
}

// Propose appends cmd to partition's log. It does not block for the
// command to commit — Publish/PublishBatch return once the
// transport has accepted the frame, with confirmation delivered later
// through ApplyFunc once raft reports the entry committed.
func (e *Engine) Propose(ctx context.Context, cmd ChunkAppendCommand) error {
	w := e.ensureWorker(cmd.Partition)

	deadline := time.Now().Add(2 * time.Second)
	for w.node.Status().RaftState != raft.StateLeader {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: partition %s", ErrNotLeader, cmd.Partition)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return w.node.Propose(ctx, b)
}

func (e *Engine) ensureWorker(partition string) *partitionWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[partition]; ok {
		return w
	}

	storage := raft.NewMemoryStorage()
	rc := &raft.Config{
		ID:              e.cfg.NodeID,
		ElectionTick:    e.cfg.ElectionTicks,
		HeartbeatTick:   e.cfg.HeartbeatTicks,
		Storage:         storage,
		MaxSizePerMsg:   e.cfg.MaxMessageSize,
		MaxInflightMsgs: e.cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
	}
	node := raft.StartNode(rc, []raft.Peer{{ID: e.cfg.NodeID}})
	w := &partitionWorker{partition: partition, node: node, storage: storage}
	e.workers[partition] = w

	e.wg.Add(1)
	go e.runPartition(w)
	return w
}

func (e *Engine) runPartition(w *partitionWorker) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			w.node.Tick()
		case rd := <-w.node.Ready():
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = w.storage.SetHardState(rd.HardState)
			}
			_ = w.storage.Append(rd.Entries)
			// Single-voter cluster: rd.Messages would only ever target
			// peers, and there are none, so nothing to send over the wire.
			for _, ent := range rd.CommittedEntries {
				if ent.Type != raftpb.EntryNormal || len(ent.Data) == 0 {
					continue
				}
				var cmd ChunkAppendCommand
				if err := json.Unmarshal(ent.Data, &cmd); err != nil {
					continue
				}
				if e.cfg.Apply != nil {
					e.cfg.Apply(w.partition, cmd)
				}
			}
			w.node.Advance()
		}
	}
}

// Stop halts every partition's node and waits for its goroutine to exit.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	workers := make([]*partitionWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	close(e.stopCh)
	for _, w := range workers {
		w.node.Stop()
	}
	e.wg.Wait()
}
