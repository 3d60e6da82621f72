// Package kv wraps go.etcd.io/bbolt — an embedded, ordered, single-file
// key-value engine built on a copy-on-write B+tree with an mmap'd
// write-ahead log — behind a typed adapter: named maps (buckets), point
// and range scans, transactional commit/rollback, versioned value
// serialization, a facade write lock, and periodic auto-commit.
package kv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"obshub.dev/hub/obserr"
)

// Options configures an opened DB.
type Options struct {
	// ReadOnly opens the file without acquiring the exclusive file lock
	// bbolt normally takes, and rejects writes with obserr.KindReadOnly.
	ReadOnly bool
	// AutoCommitPeriod triggers a checkpoint when this much wall time has
	// elapsed since the last one.
	AutoCommitPeriod time.Duration
	// AutoCommitBufferBytes triggers a checkpoint when the dirty-byte
	// buffer (bytes written since the last checkpoint) exceeds this.
	AutoCommitBufferBytes int64
}

// DB is the embedded KV engine handle. A database facade owns exactly
// one of these.
type DB struct {
	bolt     *bolt.DB
	readOnly bool

	// writeMu serializes all mutating operations through this adapter,
	// standing in for the facade-level lock: concurrent transactions
	// are serialized by a single facade-level lock; within that lock
	// the KV engine is single-writer, multi-reader. bbolt already
	// enforces single-writer internally; writeMu additionally
	// serializes the auto-commit bookkeeping below.
	writeMu sync.Mutex

	dirtyBytes   int64
	lastCommit   atomic.Value // time.Time
	period       time.Duration
	bufferLimit  int64
	stopAutoOnce sync.Once
	stopCh       chan struct{}
}

// Open opens or creates the database file at path.
func Open(path string, opts Options) (*DB, error) {
	b, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:  2 * time.Second,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, obserr.New(obserr.KindDataStore, "kv.Open", err)
	}
	db := &DB{
		bolt:        b,
		readOnly:    opts.ReadOnly,
		period:      opts.AutoCommitPeriod,
		bufferLimit: opts.AutoCommitBufferBytes,
		stopCh:      make(chan struct{}),
	}
	db.lastCommit.Store(time.Now())
	return db, nil
}

// EnsureBucket creates a top-level named map if it does not already
// exist. Stores call this once at startup for each of their buckets.
func (db *DB) EnsureBucket(name string) error {
	if db.readOnly {
		return nil
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

// View runs fn against a read-only, point-in-time snapshot. Concurrent
// Views never block each other or a concurrent Update.
func (db *DB) View(fn func(tx *bolt.Tx) error) error {
	return db.bolt.View(fn)
}

// Update runs fn inside a single read-write transaction. Any error fn
// returns rolls the transaction back: capturing the pre-call version
// and rolling back to it on failure is exactly bbolt's per-Update-call
// transactional guarantee. Each store method runs its own Update; a
// caller wanting several buckets written atomically passes one fn that
// touches all of them.
func (db *DB) Update(fn func(tx *bolt.Tx) error) error {
	if db.readOnly {
		return obserr.New(obserr.KindReadOnly, "kv.Update", nil)
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	before := db.bolt.Stats().TxStats.Write
	err := db.bolt.Update(fn)
	if err != nil {
		return err
	}
	after := db.bolt.Stats().TxStats.Write
	atomic.AddInt64(&db.dirtyBytes, int64(after-before))
	db.maybeCheckpoint()
	return nil
}

// maybeCheckpoint resets the dirty-byte counter and commit clock once
// either auto-commit trigger fires. bbolt has already fsynced the page
// on every Update; this bookkeeping exists so /health and tests can
// observe the period-elapsed and buffer-oversize triggers.
func (db *DB) maybeCheckpoint() {
	last, _ := db.lastCommit.Load().(time.Time)
	dirty := atomic.LoadInt64(&db.dirtyBytes)
	elapsed := db.period > 0 && time.Since(last) >= db.period
	oversize := db.bufferLimit > 0 && dirty >= db.bufferLimit
	if elapsed || oversize {
		atomic.StoreInt64(&db.dirtyBytes, 0)
		db.lastCommit.Store(time.Now())
	}
}

// StartAutoCommit launches a background goroutine that calls
// maybeCheckpoint on the configured period even when no writes are
// in flight, so a long idle gap after a burst of small writes still
// checkpoints promptly. Stop with Close.
func (db *DB) StartAutoCommit() {
	if db.period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(db.period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				db.writeMu.Lock()
				db.maybeCheckpoint()
				db.writeMu.Unlock()
			case <-db.stopCh:
				return
			}
		}
	}()
}

// BeginRead opens a manual, long-lived read-only transaction for a
// lazy, explicitly-released scan. Scans returned as lazy streams must
// be explicitly closed; failure to close leaks a read snapshot until
// the next commit. Callers MUST call tx.Rollback() (a read-only
// transaction's Rollback simply releases the snapshot) when done.
func (db *DB) BeginRead() (*bolt.Tx, error) {
	tx, err := db.bolt.Begin(false)
	if err != nil {
		return nil, obserr.New(obserr.KindDataStore, "kv.BeginRead", err)
	}
	return tx, nil
}

// Bolt exposes the underlying *bolt.DB for callers that need direct
// access to the engine; nothing in this module calls it.
func (db *DB) Bolt() *bolt.DB { return db.bolt }

// Stats reports the fields the health surface exposes.
type Stats struct {
	FileSizeBytes int64
	LastCommit    time.Time
	DirtyBytes    int64
}

// Stats returns a snapshot for the health endpoint.
func (db *DB) Stats() Stats {
	last, _ := db.lastCommit.Load().(time.Time)
	var size int64
	if fi, err := os.Stat(db.bolt.Path()); err == nil {
		size = fi.Size()
	}
	return Stats{
		FileSizeBytes: size,
		LastCommit:    last,
		DirtyBytes:    atomic.LoadInt64(&db.dirtyBytes),
	}
}

// Close stops auto-commit and closes the underlying file.
func (db *DB) Close() error {
	db.stopAutoOnce.Do(func() { close(db.stopCh) })
	return db.bolt.Close()
}

// -- key encoding helpers --------------------------------------------

// BE64 encodes v as a big-endian 8-byte key component, so lexicographic
// byte ordering matches numeric ordering — required for internalID and
// time-ordered scans.
func BE64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeBE64 is the inverse of BE64.
func DecodeBE64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// TimeKey encodes t as a big-endian 8-byte UnixNano component.
func TimeKey(t time.Time) []byte {
	return BE64(t.UnixNano())
}

// DecodeTimeKey is the inverse of TimeKey.
func DecodeTimeKey(b []byte) time.Time {
	return time.Unix(0, DecodeBE64(b))
}

// Concat joins key components into a single scan key.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// -- versioned value serialization ------------------------------------

// EncodeVersioned JSON-marshals v and prefixes it with a one-byte
// schema version tag: versioned value serialization tags every stored
// value with a schema version.
func EncodeVersioned(version uint8, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kv: encode versioned value: %w", err)
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, version)
	out = append(out, payload...)
	return out, nil
}

// DecodeVersioned decodes data into v, rejecting any stored version
// newer than currentVersion. Readers accept any version <= current.
func DecodeVersioned(data []byte, currentVersion uint8, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("kv: decode versioned value: empty data")
	}
	storedVersion := data[0]
	if storedVersion > currentVersion {
		return obserr.New(obserr.KindDataStore, "kv.DecodeVersioned",
			fmt.Errorf("stored schema version %d is newer than supported version %d", storedVersion, currentVersion))
	}
	return json.Unmarshal(data[1:], v)
}

// ScanPrefix visits every key with the given prefix, in ascending key
// order, calling fn(key, value) for each. Stopping early is done by
// returning a non-nil error from fn; ScanPrefix propagates it.
func ScanPrefix(tx *bolt.Tx, bucket string, prefix []byte, fn func(k, v []byte) error) error {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ScanRange visits every key k with start <= k < end, in ascending
// order. A nil end scans to the end of the bucket.
func ScanRange(tx *bolt.Tx, bucket string, start, end []byte, fn func(k, v []byte) error) error {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if end != nil && compareBytes(k, end) >= 0 {
			break
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func compareBytes(a, b []byte) int {
	la, lb := len(a), len(b)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	default:
		return 0
	}
}
