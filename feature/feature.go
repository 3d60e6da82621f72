// Package feature implements a generic versioned entity store:
// add/addVersion/put/get CRUD over an (internalID, validTime) key,
// "closest to now" version resolution, and a lazy, explicitly-released
// scan ordered internalID-ascending then validTime-ascending. System/
// procedure and feature-of-interest entities are both thin
// instantiations of this generic core, realised as a type parameter
// plus an Entity interface rather than a class hierarchy.
//
// Removing an entity never hard-deletes its rows outright: RemoveEntries
// tombstones matching entities so they stop appearing in lookups, and
// PurgeTombstoned physically reclaims a tombstoned entity's storage once
// a caller-supplied check confirms nothing else still references it.
package feature

import (
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"obshub.dev/hub/filter"
	"obshub.dev/hub/ids"
	"obshub.dev/hub/kv"
	"obshub.dev/hub/obserr"
)

// Meta is the metadata every feature (system or FOI) carries.
type Meta struct {
	UID         string
	Name        string
	Description string
	Geom        *filter.Geometry
	Properties  map[string]any
	ParentID    int64
}

// Entity is implemented by any concrete feature value type stored in a
// Store.
type Entity interface {
	Meta() Meta
}

// Key identifies one version of a feature.
type Key struct {
	InternalID int64
	ValidTime  time.Time
}

// Ref names a feature either by its internal ID or by its UID; exactly
// one should be set.
type Ref struct {
	InternalID int64
	UID        string
}

// ByID builds a Ref from an internal ID.
func ByID(id int64) Ref { return Ref{InternalID: id} }

// ByUID builds a Ref from a unique ID.
func ByUID(uid string) Ref { return Ref{UID: uid} }

const schemaVersion uint8 = 1
const tombstoneSchemaVersion uint8 = 1

// Tombstone records that a feature has been marked deleted: the UID it
// carried (so the UID index can be cleaned up once purged) and when the
// deletion was recorded.
type Tombstone struct {
	UID    string
	Marked time.Time
}

// Store is a generic versioned feature store over a single primary
// bucket (keyed by internalID++validTime), a UID index bucket, and a
// tombstone bucket recording soft-deleted internal IDs.
type Store[T Entity] struct {
	db              *kv.DB
	bucket          string
	uidBucket       string
	tombstoneBucket string
	alloc           *ids.Allocator
}

// NewStore opens (creating if absent) the buckets backing a feature
// store named name, e.g. "systems" or "fois".
func NewStore[T Entity](db *kv.DB, name string, alloc *ids.Allocator) (*Store[T], error) {
	s := &Store[T]{db: db, bucket: name, uidBucket: name + ":uid", tombstoneBucket: name + ":tombstone", alloc: alloc}
	if err := db.EnsureBucket(s.bucket); err != nil {
		return nil, obserr.New(obserr.KindDataStore, "feature.NewStore", err)
	}
	if err := db.EnsureBucket(s.uidBucket); err != nil {
		return nil, obserr.New(obserr.KindDataStore, "feature.NewStore", err)
	}
	if err := db.EnsureBucket(s.tombstoneBucket); err != nil {
		return nil, obserr.New(obserr.KindDataStore, "feature.NewStore", err)
	}
	return s, nil
}

func validateMeta(m Meta) error {
	if len(m.UID) < 12 {
		return obserr.New(obserr.KindInvalidRequest, "feature.validate", errShortUID)
	}
	if m.Name == "" {
		return obserr.New(obserr.KindInvalidRequest, "feature.validate", errEmptyName)
	}
	return nil
}

var (
	errShortUID  = invalidErr("uid must be at least 12 characters")
	errEmptyName = invalidErr("name must not be empty")
)

type invalidErr string

func (e invalidErr) Error() string { return string(e) }

func primaryKey(internalID int64, validTime time.Time) []byte {
	return kv.Concat(kv.BE64(internalID), kv.TimeKey(validTime))
}

// Add assigns a new internalID and stores v as its first version at
// validTime (defaulting to now). Fails with KindAlreadyExists if v's UID
// already names an existing feature.
func (s *Store[T]) Add(v T, validTime time.Time) (Key, error) {
	meta := v.Meta()
	if err := validateMeta(meta); err != nil {
		return Key{}, err
	}
	if validTime.IsZero() {
		validTime = time.Now()
	}

	var key Key
	err := s.db.Update(func(tx *bolt.Tx) error {
		uidBucket := tx.Bucket([]byte(s.uidBucket))
		if uidBucket.Get([]byte(meta.UID)) != nil {
			return obserr.New(obserr.KindAlreadyExists, "feature.Add", nil)
		}
		id := s.alloc.Next()
		data, err := kv.EncodeVersioned(schemaVersion, v)
		if err != nil {
			return obserr.New(obserr.KindDataStore, "feature.Add", err)
		}
		primary := tx.Bucket([]byte(s.bucket))
		if err := primary.Put(primaryKey(id, validTime), data); err != nil {
			return err
		}
		if err := uidBucket.Put([]byte(meta.UID), kv.BE64(id)); err != nil {
			return err
		}
		key = Key{InternalID: id, ValidTime: validTime}
		return nil
	})
	if err != nil {
		return Key{}, err
	}
	return key, nil
}

// AddVersion appends a new version of an existing feature, validTime
// set to now. The UID must already exist; v's UID must match it.
func (s *Store[T]) AddVersion(v T) (Key, error) {
	meta := v.Meta()
	if err := validateMeta(meta); err != nil {
		return Key{}, err
	}

	validTime := time.Now()
	var key Key
	err := s.db.Update(func(tx *bolt.Tx) error {
		uidBucket := tx.Bucket([]byte(s.uidBucket))
		idBytes := uidBucket.Get([]byte(meta.UID))
		if idBytes == nil {
			return obserr.New(obserr.KindNotFound, "feature.AddVersion", nil)
		}
		id := kv.DecodeBE64(idBytes)
		data, err := kv.EncodeVersioned(schemaVersion, v)
		if err != nil {
			return obserr.New(obserr.KindDataStore, "feature.AddVersion", err)
		}
		primary := tx.Bucket([]byte(s.bucket))
		if err := primary.Put(primaryKey(id, validTime), data); err != nil {
			return err
		}
		key = Key{InternalID: id, ValidTime: validTime}
		return nil
	})
	if err != nil {
		return Key{}, err
	}
	return key, nil
}

// Put overwrites an existing version in place, preserving its UID, and
// returns the previous value.
func (s *Store[T]) Put(key Key, v T) (previous T, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		primary := tx.Bucket([]byte(s.bucket))
		pk := primaryKey(key.InternalID, key.ValidTime)
		existing := primary.Get(pk)
		if existing == nil {
			return obserr.New(obserr.KindNotFound, "feature.Put", nil)
		}
		if decodeErr := kv.DecodeVersioned(existing, schemaVersion, &previous); decodeErr != nil {
			return decodeErr
		}
		if previous.Meta().UID != v.Meta().UID {
			return obserr.New(obserr.KindInvalidRequest, "feature.Put", errUIDMismatch)
		}
		data, encErr := kv.EncodeVersioned(schemaVersion, v)
		if encErr != nil {
			return obserr.New(obserr.KindDataStore, "feature.Put", encErr)
		}
		return primary.Put(pk, data)
	})
	return previous, err
}

var errUIDMismatch = invalidErr("put must preserve the feature's uid")

// Get fetches the exact version named by key. A tombstoned feature
// resolves as not found.
func (s *Store[T]) Get(key Key) (T, error) {
	var v T
	err := s.db.View(func(tx *bolt.Tx) error {
		if s.isDeleted(tx, key.InternalID) {
			return obserr.New(obserr.KindNotFound, "feature.Get", nil)
		}
		primary := tx.Bucket([]byte(s.bucket))
		data := primary.Get(primaryKey(key.InternalID, key.ValidTime))
		if data == nil {
			return obserr.New(obserr.KindNotFound, "feature.Get", nil)
		}
		return kv.DecodeVersioned(data, schemaVersion, &v)
	})
	return v, err
}

func (s *Store[T]) resolveInternalID(tx *bolt.Tx, ref Ref) (int64, bool) {
	if ref.InternalID != 0 {
		return ref.InternalID, true
	}
	uidBucket := tx.Bucket([]byte(s.uidBucket))
	idBytes := uidBucket.Get([]byte(ref.UID))
	if idBytes == nil {
		return 0, false
	}
	return kv.DecodeBE64(idBytes), true
}

func (s *Store[T]) isDeleted(tx *bolt.Tx, internalID int64) bool {
	tomb := tx.Bucket([]byte(s.tombstoneBucket))
	return tomb.Get(kv.BE64(internalID)) != nil
}

// IsDeleted reports whether internalID has been tombstoned.
func (s *Store[T]) IsDeleted(internalID int64) (bool, error) {
	var deleted bool
	err := s.db.View(func(tx *bolt.Tx) error {
		deleted = s.isDeleted(tx, internalID)
		return nil
	})
	return deleted, err
}

// GetCurrentVersionKey resolves the "closest to now" version key for
// ref: the version whose valid interval contains wall-clock now, or —
// failing that — the version nearest to now, earlier preferred on tie.
// A tombstoned feature resolves as not found, even though its rows are
// still physically present until PurgeTombstoned runs.
func (s *Store[T]) GetCurrentVersionKey(ref Ref) (Key, error) {
	now := time.Now()
	var key Key
	err := s.db.View(func(tx *bolt.Tx) error {
		internalID, ok := s.resolveInternalID(tx, ref)
		if !ok || s.isDeleted(tx, internalID) {
			return obserr.New(obserr.KindNotFound, "feature.GetCurrentVersionKey", nil)
		}
		var times []time.Time
		prefix := kv.BE64(internalID)
		if err := kv.ScanPrefix(tx, s.bucket, prefix, func(k, _ []byte) error {
			times = append(times, kv.DecodeTimeKey(k[len(prefix):]))
			return nil
		}); err != nil {
			return err
		}
		if len(times) == 0 {
			return obserr.New(obserr.KindNotFound, "feature.GetCurrentVersionKey", nil)
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for i := len(times) - 1; i >= 0; i-- {
			if !times[i].After(now) {
				key = Key{InternalID: internalID, ValidTime: times[i]}
				return nil
			}
		}
		key = Key{InternalID: internalID, ValidTime: times[0]}
		return nil
	})
	return key, err
}

// GetCurrentVersion resolves and fetches the current version for ref.
func (s *Store[T]) GetCurrentVersion(ref Ref) (T, error) {
	var zero T
	key, err := s.GetCurrentVersionKey(ref)
	if err != nil {
		return zero, err
	}
	return s.Get(key)
}

// Test is a ground-truth predicate over one stored version, used by
// SelectEntries/RemoveEntries. Callers typically build this from a
// filter.SystemFilter/filter.FoiFilter closed over the resolvers it
// needs; the feature package itself stays independent of the filter
// package's resource-specific types.
type Test func(key Key, meta Meta) bool

// Iterator is a lazy, releasable scan over a feature store's primary
// bucket, in internalID-ascending, validTime-ascending order — which is
// exactly the primary bucket's natural key order, since BE64(internalID)
// sorts before the big-endian validTime suffix. Rows belonging to a
// tombstoned internalID are skipped.
type Iterator[T Entity] struct {
	tx        *bolt.Tx
	cursor    *bolt.Cursor
	tombstone *bolt.Bucket
	test      Test
	limit     int
	seen      int
	done      bool
	started   bool
}

// SelectEntries opens a lazy iterator over every version passing test,
// in key order, releasing resources only when Close is called.
func (s *Store[T]) SelectEntries(test Test, limit int) (*Iterator[T], error) {
	tx, err := s.db.BeginRead()
	if err != nil {
		return nil, err
	}
	b := tx.Bucket([]byte(s.bucket))
	tomb := tx.Bucket([]byte(s.tombstoneBucket))
	return &Iterator[T]{tx: tx, cursor: b.Cursor(), tombstone: tomb, test: test, limit: limit}, nil
}

// Next advances the iterator. ok is false once the scan is exhausted or
// the limit has been reached; the iterator should still be Closed.
func (it *Iterator[T]) Next() (key Key, value T, ok bool, err error) {
	if it.done {
		return Key{}, value, false, nil
	}
	if it.limit > 0 && it.seen >= it.limit {
		it.done = true
		return Key{}, value, false, nil
	}
	advance := it.cursor.Next
	if !it.started {
		it.started = true
		advance = it.cursor.First
	}
	for k, v := advance(); k != nil; k, v = it.cursor.Next() {
		meta := Key{InternalID: kv.DecodeBE64(k[:8]), ValidTime: kv.DecodeTimeKey(k[8:])}
		if it.tombstone != nil && it.tombstone.Get(kv.BE64(meta.InternalID)) != nil {
			continue
		}
		if err := kv.DecodeVersioned(v, schemaVersion, &value); err != nil {
			return Key{}, value, false, err
		}
		if it.test != nil && !it.test(meta, value.Meta()) {
			continue
		}
		it.seen++
		return meta, value, true, nil
	}
	it.done = true
	return Key{}, value, false, nil
}

// Close releases the underlying read transaction. Callers MUST call
// this, even after exhausting the iterator, or the snapshot leaks until
// the next commit.
func (it *Iterator[T]) Close() error {
	return it.tx.Rollback()
}

// MarkDeleted tombstones the feature named by ref at time at: it stops
// appearing in Get/GetCurrentVersion/GetCurrentVersionKey/SelectEntries from
// this call on, but its stored versions are left untouched until
// PurgeTombstoned removes them. Marking an already-tombstoned feature
// again is a harmless no-op overwrite. Returns the feature's internalID.
func (s *Store[T]) MarkDeleted(ref Ref, at time.Time) (int64, error) {
	key, err := s.GetCurrentVersionKey(ref)
	if err != nil {
		return 0, err
	}
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	uid := v.Meta().UID
	err = s.db.Update(func(tx *bolt.Tx) error {
		data, encErr := kv.EncodeVersioned(tombstoneSchemaVersion, Tombstone{UID: uid, Marked: at})
		if encErr != nil {
			return obserr.New(obserr.KindDataStore, "feature.MarkDeleted", encErr)
		}
		tomb := tx.Bucket([]byte(s.tombstoneBucket))
		return tomb.Put(kv.BE64(key.InternalID), data)
	})
	if err != nil {
		return 0, err
	}
	return key.InternalID, nil
}

// RemoveEntries tombstones every distinct feature that has at least one
// stored version matching test, and returns the count of features newly
// tombstoned. It
// never hard-deletes a row itself — deletion only reaches disk through
// PurgeTombstoned, once nothing still references the internalID.
func (s *Store[T]) RemoveEntries(test Test) (int, error) {
	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		primary := tx.Bucket([]byte(s.bucket))
		tomb := tx.Bucket([]byte(s.tombstoneBucket))
		seen := make(map[int64]bool)
		c := primary.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			meta := Key{InternalID: kv.DecodeBE64(k[:8]), ValidTime: kv.DecodeTimeKey(k[8:])}
			if seen[meta.InternalID] || tomb.Get(kv.BE64(meta.InternalID)) != nil {
				continue
			}
			var value T
			if err := kv.DecodeVersioned(v, schemaVersion, &value); err != nil {
				return err
			}
			if test == nil || test(meta, value.Meta()) {
				seen[meta.InternalID] = true
				ids = append(ids, meta.InternalID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	now := time.Now()
	for _, id := range ids {
		if _, markErr := s.MarkDeleted(ByID(id), now); markErr != nil {
			return 0, markErr
		}
	}
	return len(ids), nil
}

// PurgeTombstoned physically removes every tombstoned feature for which
// referenced reports false: its stored versions, its UID index entry,
// and its tombstone marker are all deleted. A tombstoned feature that
// referenced still reports as in-use is left alone, to be picked up by a
// later sweep once whatever references it is itself removed. Pass a nil
// referenced to purge every tombstoned feature unconditionally. Returns
// the count actually purged.
func (s *Store[T]) PurgeTombstoned(referenced func(internalID int64) bool) (int, error) {
	type candidate struct {
		id  int64
		uid string
	}
	var candidates []candidate
	if err := s.db.View(func(tx *bolt.Tx) error {
		tomb := tx.Bucket([]byte(s.tombstoneBucket))
		c := tomb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Tombstone
			if err := kv.DecodeVersioned(v, tombstoneSchemaVersion, &t); err != nil {
				return err
			}
			candidates = append(candidates, candidate{id: kv.DecodeBE64(k), uid: t.UID})
		}
		return nil
	}); err != nil {
		return 0, err
	}

	purged := 0
	for _, cand := range candidates {
		if referenced != nil && referenced(cand.id) {
			continue
		}
		err := s.db.Update(func(tx *bolt.Tx) error {
			primary := tx.Bucket([]byte(s.bucket))
			prefix := kv.BE64(cand.id)
			var toDelete [][]byte
			if scanErr := kv.ScanPrefix(tx, s.bucket, prefix, func(k, _ []byte) error {
				toDelete = append(toDelete, append([]byte(nil), k...))
				return nil
			}); scanErr != nil {
				return scanErr
			}
			for _, k := range toDelete {
				if delErr := primary.Delete(k); delErr != nil {
					return delErr
				}
			}
			if cand.uid != "" {
				uidBucket := tx.Bucket([]byte(s.uidBucket))
				if delErr := uidBucket.Delete([]byte(cand.uid)); delErr != nil {
					return delErr
				}
			}
			tomb := tx.Bucket([]byte(s.tombstoneBucket))
			return tomb.Delete(kv.BE64(cand.id))
		})
		if err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
