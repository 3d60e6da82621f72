// Package datastream implements the data-stream store: a map from
// (system, output name) to a stream descriptor, per-stream
// observed/result time ranges, and the five-step registration
// algorithm that decides between a no-op, an in-place metadata update,
// a compatible structural update, or a brand-new stream version.
package datastream

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"obshub.dev/hub/filter"
	"obshub.dev/hub/ids"
	"obshub.dev/hub/kv"
	"obshub.dev/hub/obserr"
)

const schemaVersion uint8 = 1

// Descriptor is one version of a data stream.
type Descriptor struct {
	SystemID          int64       `json:"systemId"`
	OutputName        string      `json:"outputName"`
	RecordStructure   RecordField `json:"recordStructure"`
	RecordEncoding    string      `json:"recordEncoding"`
	ValidTime         time.Time   `json:"validTime"`
	ObservedTimeBegin time.Time   `json:"observedTimeBegin,omitempty"`
	ObservedTimeEnd   time.Time   `json:"observedTimeEnd,omitempty"`
	ResultTimeBegin   time.Time   `json:"resultTimeBegin,omitempty"`
	ResultTimeEnd     time.Time   `json:"resultTimeEnd,omitempty"`
}

// Key identifies one version of a data stream.
type Key struct {
	InternalID int64
	ValidTime  time.Time
}

// Store manages data-stream descriptors.
type Store struct {
	db    *kv.DB
	alloc *ids.Allocator
}

const (
	bucketPrimary = "datastreams"
	bucketIndex   = "datastreams:by_system_output"
)

// NewStore opens (or creates) the data-stream buckets.
func NewStore(db *kv.DB, alloc *ids.Allocator) (*Store, error) {
	if err := db.EnsureBucket(bucketPrimary); err != nil {
		return nil, obserr.New(obserr.KindDataStore, "datastream.NewStore", err)
	}
	if err := db.EnsureBucket(bucketIndex); err != nil {
		return nil, obserr.New(obserr.KindDataStore, "datastream.NewStore", err)
	}
	return &Store{db: db, alloc: alloc}, nil
}

func primaryKey(internalID int64, validTime time.Time) []byte {
	return kv.Concat(kv.BE64(internalID), kv.TimeKey(validTime))
}

func indexPrefix(systemID int64, outputName string) []byte {
	return kv.Concat(kv.BE64(systemID), []byte(outputName), []byte{0})
}

func indexKey(systemID int64, outputName string, validTime time.Time) []byte {
	return kv.Concat(indexPrefix(systemID, outputName), kv.TimeKey(validTime))
}

// latestIndexEntry returns the (internalID, validTime) of the most
// recent registered version for (systemID, outputName), if any.
func latestIndexEntry(tx *bolt.Tx, systemID int64, outputName string) (internalID int64, validTime time.Time, found bool, err error) {
	prefix := indexPrefix(systemID, outputName)
	var lastKey, lastVal []byte
	scanErr := kv.ScanPrefix(tx, bucketIndex, prefix, func(k, v []byte) error {
		lastKey = append([]byte(nil), k...)
		lastVal = append([]byte(nil), v...)
		return nil
	})
	if scanErr != nil {
		return 0, time.Time{}, false, scanErr
	}
	if lastKey == nil {
		return 0, time.Time{}, false, nil
	}
	return kv.DecodeBE64(lastVal), kv.DecodeTimeKey(lastKey[len(prefix):]), true, nil
}

func getDescriptor(tx *bolt.Tx, internalID int64, validTime time.Time) (Descriptor, bool, error) {
	b := tx.Bucket([]byte(bucketPrimary))
	data := b.Get(primaryKey(internalID, validTime))
	if data == nil {
		return Descriptor{}, false, nil
	}
	var d Descriptor
	if err := kv.DecodeVersioned(data, schemaVersion, &d); err != nil {
		return Descriptor{}, false, err
	}
	return d, true, nil
}

func putDescriptor(tx *bolt.Tx, internalID int64, validTime time.Time, d Descriptor) error {
	data, err := kv.EncodeVersioned(schemaVersion, d)
	if err != nil {
		return obserr.New(obserr.KindDataStore, "datastream.put", err)
	}
	b := tx.Bucket([]byte(bucketPrimary))
	return b.Put(primaryKey(internalID, validTime), data)
}

// RegisterOutcome tells the caller which of the five registration steps
// fired, so the bridge can decide whether to log a structural-change
// notice.
type RegisterOutcome int

const (
	OutcomeCreated RegisterOutcome = iota
	OutcomeNoOp
	OutcomeUpdatedInPlace
	OutcomeNewVersion
)

// Register runs the five-step registration algorithm for a producer
// output (systemID, outputName, structure, encoding): resolve any
// existing stream for the (system, output) pair, then decide between a
// no-op, an in-place metadata update, a compatible structural update,
// or a brand-new version.
func (s *Store) Register(systemID int64, outputName string, structure RecordField, encoding string) (Key, RegisterOutcome, error) {
	now := time.Now()
	var key Key
	var outcome RegisterOutcome

	err := s.db.Update(func(tx *bolt.Tx) error {
		existingID, existingValidTime, found, err := latestIndexEntry(tx, systemID, outputName)
		if err != nil {
			return err
		}
		if !found {
			// Step 2: absent — create a new stream.
			id := s.alloc.Next()
			d := Descriptor{SystemID: systemID, OutputName: outputName, RecordStructure: structure, RecordEncoding: encoding, ValidTime: now}
			if err := putDescriptor(tx, id, now, d); err != nil {
				return err
			}
			idx := tx.Bucket([]byte(bucketIndex))
			if err := idx.Put(indexKey(systemID, outputName, now), kv.BE64(id)); err != nil {
				return err
			}
			key = Key{InternalID: id, ValidTime: now}
			outcome = OutcomeCreated
			return nil
		}

		existing, ok, err := getDescriptor(tx, existingID, existingValidTime)
		if err != nil {
			return err
		}
		if !ok {
			return obserr.New(obserr.KindDataStore, "datastream.Register", errMissingIndexedDescriptor)
		}

		switch {
		case StructurallyIdentical(existing.RecordStructure, structure) && existing.RecordEncoding == encoding:
			// Step 5: no-op.
			key = Key{InternalID: existingID, ValidTime: existingValidTime}
			outcome = OutcomeNoOp
			return nil

		case StructurallyCompatible(existing.RecordStructure, structure):
			// Step 3: compatible — update in place, advancing validTime.
			updated := existing
			updated.RecordStructure = structure
			updated.RecordEncoding = encoding
			updated.ValidTime = now
			if err := putDescriptor(tx, existingID, now, updated); err != nil {
				return err
			}
			idx := tx.Bucket([]byte(bucketIndex))
			if err := idx.Put(indexKey(systemID, outputName, now), kv.BE64(existingID)); err != nil {
				return err
			}
			key = Key{InternalID: existingID, ValidTime: now}
			outcome = OutcomeUpdatedInPlace
			return nil

		default:
			// Step 4: incompatible — new version, previous identity kept.
			id := s.alloc.Next()
			d := Descriptor{SystemID: systemID, OutputName: outputName, RecordStructure: structure, RecordEncoding: encoding, ValidTime: now}
			if err := putDescriptor(tx, id, now, d); err != nil {
				return err
			}
			idx := tx.Bucket([]byte(bucketIndex))
			if err := idx.Put(indexKey(systemID, outputName, now), kv.BE64(id)); err != nil {
				return err
			}
			key = Key{InternalID: id, ValidTime: now}
			outcome = OutcomeNewVersion
			return nil
		}
	})
	if err != nil {
		return Key{}, 0, err
	}
	return key, outcome, nil
}

func candidate(internalID int64, d Descriptor) filter.DataStreamCandidate {
	return filter.DataStreamCandidate{
		Candidate: filter.Candidate{InternalID: internalID, ValidTime: d.ValidTime},
		SystemID:  d.SystemID,
	}
}

// SelectMatching scans every stored data-stream version and returns the
// ones passing f, in (internalID, validTime) order (the same
// decode-then-test shape system.Store.SelectMatching and
// foi.Store.SelectMatching use). observedFoisOf resolves a stream's
// recorded FOIs for f's nested FOI filter; pass nil when f has none.
func (s *Store) SelectMatching(f filter.DataStreamFilter, now time.Time, observedFoisOf func(dataStreamID int64) []filter.Candidate) ([]Key, []Descriptor, error) {
	var keys []Key
	var descs []Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		return kv.ScanPrefix(tx, bucketPrimary, nil, func(k, v []byte) error {
			var d Descriptor
			if err := kv.DecodeVersioned(v, schemaVersion, &d); err != nil {
				return nil // tolerate a version this reader can't parse; skip it
			}
			internalID := kv.DecodeBE64(k[:8])
			c := candidate(internalID, d)
			var resolver func() []filter.Candidate
			if observedFoisOf != nil {
				resolver = func() []filter.Candidate { return observedFoisOf(internalID) }
			}
			if !f.Test(c, now, resolver) {
				return nil
			}
			keys = append(keys, Key{InternalID: internalID, ValidTime: kv.DecodeTimeKey(k[8:])})
			descs = append(descs, d)
			if f.Limit > 0 && len(keys) >= f.Limit {
				return errStopScan
			}
			return nil
		})
	})
	if err != nil && err != errStopScan {
		return nil, nil, err
	}
	return keys, descs, nil
}

var errStopScan = sentinelErr("datastream: scan limit reached")

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

var errMissingIndexedDescriptor = sentinelErr("datastream: index entry has no matching primary record")

// GetLatestByID returns the most recent version row for internalID —
// the one observations against that stream ID should extend.
func (s *Store) GetLatestByID(internalID int64) (Key, Descriptor, error) {
	var key Key
	var d Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := kv.BE64(internalID)
		var lastKey []byte
		if err := kv.ScanPrefix(tx, bucketPrimary, prefix, func(k, _ []byte) error {
			lastKey = append([]byte(nil), k...)
			return nil
		}); err != nil {
			return err
		}
		if lastKey == nil {
			return obserr.New(obserr.KindNotFound, "datastream.GetLatestByID", nil)
		}
		validTime := kv.DecodeTimeKey(lastKey[len(prefix):])
		desc, ok, err := getDescriptor(tx, internalID, validTime)
		if err != nil {
			return err
		}
		if !ok {
			return obserr.New(obserr.KindNotFound, "datastream.GetLatestByID", nil)
		}
		key = Key{InternalID: internalID, ValidTime: validTime}
		d = desc
		return nil
	})
	return key, d, err
}

// Get fetches the exact version named by key.
func (s *Store) Get(key Key) (Descriptor, error) {
	var d Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		desc, ok, err := getDescriptor(tx, key.InternalID, key.ValidTime)
		if err != nil {
			return err
		}
		if !ok {
			return obserr.New(obserr.KindNotFound, "datastream.Get", nil)
		}
		d = desc
		return nil
	})
	return d, err
}

// ExtendObservedTimeRange grows the current version's observedTimeRange
// to include phenomenonTime, monotonically (never shrinking), and the
// resultTimeRange to include resultTime. This is a pure metadata change
// to the same version row: an in-place update occurs only when
// structure is bit-identical and only metadata differs.
func (s *Store) ExtendObservedTimeRange(internalID int64, phenomenonTime, resultTime time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prefix := kv.BE64(internalID)
		var lastKey []byte
		if err := kv.ScanPrefix(tx, bucketPrimary, prefix, func(k, _ []byte) error {
			lastKey = append([]byte(nil), k...)
			return nil
		}); err != nil {
			return err
		}
		if lastKey == nil {
			return obserr.New(obserr.KindNotFound, "datastream.ExtendObservedTimeRange", nil)
		}
		validTime := kv.DecodeTimeKey(lastKey[len(prefix):])
		d, ok, err := getDescriptor(tx, internalID, validTime)
		if err != nil {
			return err
		}
		if !ok {
			return obserr.New(obserr.KindNotFound, "datastream.ExtendObservedTimeRange", nil)
		}
		changed := false
		if d.ObservedTimeBegin.IsZero() || phenomenonTime.Before(d.ObservedTimeBegin) {
			d.ObservedTimeBegin = phenomenonTime
			changed = true
		}
		if d.ObservedTimeEnd.IsZero() || phenomenonTime.After(d.ObservedTimeEnd) {
			d.ObservedTimeEnd = phenomenonTime
			changed = true
		}
		if d.ResultTimeBegin.IsZero() || resultTime.Before(d.ResultTimeBegin) {
			d.ResultTimeBegin = resultTime
			changed = true
		}
		if d.ResultTimeEnd.IsZero() || resultTime.After(d.ResultTimeEnd) {
			d.ResultTimeEnd = resultTime
			changed = true
		}
		if !changed {
			return nil
		}
		return putDescriptor(tx, internalID, validTime, d)
	})
}
