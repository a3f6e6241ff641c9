// Package sqlite persists a reference broker's per-partition chunk log:
// every chunk a partition producer appended, the broker-assigned highwater
// publishing-id per (reference, partition), and a consumer's checkpointed
// offset per (reference, partition). One sqlite file per partition, WAL
// mode, append-only via triggers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const partitionSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id INTEGER NOT NULL,
	num_records INTEGER NOT NULL,
	timestamp_ns INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (chunk_id)
);

CREATE TABLE IF NOT EXISTS publishing_highwater (
	reference TEXT PRIMARY KEY,
	publishing_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stored_offsets (
	reference TEXT PRIMARY KEY,
	offset INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS trg_chunks_no_update
BEFORE UPDATE ON chunks
BEGIN
	SELECT RAISE(ABORT, 'chunks are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_chunks_no_delete
BEFORE DELETE ON chunks
BEGIN
	SELECT RAISE(ABORT, 'chunks are append-only: DELETE forbidden');
END;
`

// ChunkRow is one persisted chunk, as read back for delivery.
type ChunkRow struct {
	ChunkID     uint64
	NumRecords  uint32
	TimestampNs int64
	Data        []byte
}

// Store owns one sqlite database per partition name, lazily opened.
type Store struct {
	baseDir string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AppendChunk persists one chunk for partition, starting at chunkID.
// Re-appending the same chunk_id is a no-op (idempotent on retry).
func (s *Store) AppendChunk(ctx context.Context, partition string, chunkID uint64, numRecords uint32, timestampNs int64, data []byte) error {
	db, err := s.partitionDB(partition)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO chunks(chunk_id, num_records, timestamp_ns, data) VALUES(?, ?, ?, ?)
ON CONFLICT(chunk_id) DO NOTHING`, int64(chunkID), int64(numRecords), timestampNs, data)
	return err
}

// NextChunkID returns the starting offset for the next chunk appended to
// partition: the last chunk's chunk_id plus its num_records (offsets are
// assigned contiguously across chunks), or 0 if the partition's log is
// empty.
func (s *Store) NextChunkID(ctx context.Context, partition string) (uint64, error) {
	db, err := s.partitionDB(partition)
	if err != nil {
		return 0, err
	}
	var end sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT chunk_id + num_records FROM chunks ORDER BY chunk_id DESC LIMIT 1`).Scan(&end); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	if !end.Valid {
		return 0, nil
	}
	return uint64(end.Int64), nil
}

// ChunksFrom returns every persisted chunk for partition with chunk_id >=
// fromChunkID, in chunk_id order.
func (s *Store) ChunksFrom(ctx context.Context, partition string, fromChunkID uint64) ([]ChunkRow, error) {
	db, err := s.partitionDB(partition)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT chunk_id, num_records, timestamp_ns, data FROM chunks
WHERE chunk_id >= ? ORDER BY chunk_id ASC`, int64(fromChunkID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChunkRow
	for rows.Next() {
		var r ChunkRow
		var chunkID int64
		if err := rows.Scan(&chunkID, &r.NumRecords, &r.TimestampNs, &r.Data); err != nil {
			return nil, err
		}
		r.ChunkID = uint64(chunkID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// BumpHighwater persists the max of the current and given publishing-id
// for (reference, partition), and returns the resulting value.
func (s *Store) BumpHighwater(ctx context.Context, partition, reference string, publishingID uint64) (uint64, error) {
	if reference == "" {
		return 0, nil
	}
	db, err := s.partitionDB(partition)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cur sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT publishing_id FROM publishing_highwater WHERE reference=?`, reference).Scan(&cur); err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	next := publishingID
	if cur.Valid && uint64(cur.Int64) > next {
		next = uint64(cur.Int64)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO publishing_highwater(reference, publishing_id) VALUES(?, ?)
ON CONFLICT(reference) DO UPDATE SET publishing_id=excluded.publishing_id`, reference, int64(next)); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

// Highwater returns the persisted publishing-id highwater for
// (reference, partition), 0 if unknown or reference is empty.
func (s *Store) Highwater(ctx context.Context, partition, reference string) (uint64, error) {
	if reference == "" {
		return 0, nil
	}
	db, err := s.partitionDB(partition)
	if err != nil {
		return 0, err
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT publishing_id FROM publishing_highwater WHERE reference=?`, reference).Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return uint64(v.Int64), nil
}

// StoreOffset persists a consumer's checkpointed offset.
func (s *Store) StoreOffset(ctx context.Context, partition, reference string, offset uint64) error {
	db, err := s.partitionDB(partition)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO stored_offsets(reference, offset) VALUES(?, ?)
ON CONFLICT(reference) DO UPDATE SET offset=excluded.offset`, reference, int64(offset))
	return err
}

// StoredOffset returns a consumer's last checkpointed offset, false if none.
func (s *Store) StoredOffset(ctx context.Context, partition, reference string) (uint64, bool, error) {
	db, err := s.partitionDB(partition)
	if err != nil {
		return 0, false, err
	}
	var v int64
	if err := db.QueryRowContext(ctx, `SELECT offset FROM stored_offsets WHERE reference=?`, reference).Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(v), true, nil
}

func (s *Store) partitionDB(partition string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[partition]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("partition-%s.db", sanitize(partition)))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(partitionSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[partition] = db
	return db, nil
}

func sanitize(partition string) string {
	out := make([]rune, 0, len(partition))
	for _, r := range partition {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
