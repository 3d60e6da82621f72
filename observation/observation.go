// Package observation implements the observation store: a
// lazily-allocated series index keyed by (dataStreamID, foiID,
// resultTime), a primary observation index keyed by
// (seriesID, phenomenonTime), and a secondary
// (dataStreamID, phenomenonTime) index supporting stream-wide scans
// regardless of FOI.
package observation

import (
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"obshub.dev/hub/ids"
	"obshub.dev/hub/kv"
	"obshub.dev/hub/obserr"
)

const schemaVersion uint8 = 1

// NoFOI is the sentinel FOI internal ID used when an observation is not
// tied to any feature of interest. Internal IDs are always positive, so
// zero is available as the sentinel.
const NoFOI int64 = 0

// SeriesKey identifies the concrete (stream, FOI, resultTime) triple
// under which observations accumulate.
type SeriesKey struct {
	DataStreamID int64
	FoiID        int64
	ResultTime   time.Time
}

// ObsData is one observation: a decoded result block plus its two
// timestamps.
type ObsData struct {
	PhenomenonTime time.Time      `json:"phenomenonTime"`
	ResultTime     time.Time      `json:"resultTime"`
	ResultBlock    map[string]any `json:"resultBlock"`
}

const (
	bucketSeries     = "obs_series"      // seriesID -> SeriesKey
	bucketSeriesByDS = "obs_series_by_ds" // (dataStreamID, resultTime, foiID) -> seriesID
	bucketObs        = "obs_primary"     // (seriesID, phenomenonTime) -> ObsData
	bucketObsByDS    = "obs_by_ds"       // (dataStreamID, phenomenonTime, seriesID) -> nil
)

// Store manages observation series and data.
type Store struct {
	db    *kv.DB
	alloc *ids.Allocator

	// seriesLocks stripes one mutex per (dataStreamID, foiID, resultTime)
	// triple. The KV engine's Update call already serializes all writes
	// globally, so this striping does not add concurrency today; it is
	// kept as the seam a future multi-writer backend would need.
	seriesLocksMu sync.Mutex
	seriesLocks   map[SeriesKey]*sync.Mutex
}

// NewStore opens (or creates) the observation buckets.
func NewStore(db *kv.DB, alloc *ids.Allocator) (*Store, error) {
	for _, b := range []string{bucketSeries, bucketSeriesByDS, bucketObs, bucketObsByDS} {
		if err := db.EnsureBucket(b); err != nil {
			return nil, obserr.New(obserr.KindDataStore, "observation.NewStore", err)
		}
	}
	return &Store{db: db, alloc: alloc, seriesLocks: make(map[SeriesKey]*sync.Mutex)}, nil
}

func (s *Store) lockFor(key SeriesKey) *sync.Mutex {
	s.seriesLocksMu.Lock()
	defer s.seriesLocksMu.Unlock()
	m, ok := s.seriesLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.seriesLocks[key] = m
	}
	return m
}

func seriesByDsKey(k SeriesKey) []byte {
	return kv.Concat(kv.BE64(k.DataStreamID), kv.TimeKey(k.ResultTime), kv.BE64(k.FoiID))
}

func obsKey(seriesID int64, phenomenonTime time.Time) []byte {
	return kv.Concat(kv.BE64(seriesID), kv.TimeKey(phenomenonTime))
}

func obsByDsKey(dataStreamID int64, phenomenonTime time.Time, seriesID int64) []byte {
	return kv.Concat(kv.BE64(dataStreamID), kv.TimeKey(phenomenonTime), kv.BE64(seriesID))
}

// resolveOrAllocateSeries returns the seriesID for key, allocating one
// if this is the first observation on that triple.
func (s *Store) resolveOrAllocateSeries(tx *bolt.Tx, key SeriesKey) (int64, error) {
	idx := tx.Bucket([]byte(bucketSeriesByDS))
	k := seriesByDsKey(key)
	if existing := idx.Get(k); existing != nil {
		return kv.DecodeBE64(existing), nil
	}
	id := s.alloc.Next()
	data, err := kv.EncodeVersioned(schemaVersion, key)
	if err != nil {
		return 0, obserr.New(obserr.KindDataStore, "observation.resolveOrAllocateSeries", err)
	}
	seriesBucket := tx.Bucket([]byte(bucketSeries))
	if err := seriesBucket.Put(kv.BE64(id), data); err != nil {
		return 0, err
	}
	if err := idx.Put(k, kv.BE64(id)); err != nil {
		return 0, err
	}
	return id, nil
}

// Add resolves or allocates the series for (dataStreamID, foiID,
// resultTime), stores obs under it, and records it in the secondary
// stream-wide index. Callers are responsible for separately extending
// the owning data stream's observed time range (see
// datastream.Store.ExtendObservedTimeRange).
func (s *Store) Add(dataStreamID, foiID int64, resultTime time.Time, obs ObsData) (seriesID int64, err error) {
	key := SeriesKey{DataStreamID: dataStreamID, FoiID: foiID, ResultTime: resultTime}
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		id, resolveErr := s.resolveOrAllocateSeries(tx, key)
		if resolveErr != nil {
			return resolveErr
		}
		seriesID = id

		data, encErr := kv.EncodeVersioned(schemaVersion, obs)
		if encErr != nil {
			return obserr.New(obserr.KindDataStore, "observation.Add", encErr)
		}
		primary := tx.Bucket([]byte(bucketObs))
		if err := primary.Put(obsKey(id, obs.PhenomenonTime), data); err != nil {
			return err
		}
		secondary := tx.Bucket([]byte(bucketObsByDS))
		return secondary.Put(obsByDsKey(dataStreamID, obs.PhenomenonTime, id), nil)
	})
	return seriesID, err
}

// GetSeries fetches the series triple for a seriesID.
func (s *Store) GetSeries(seriesID int64) (SeriesKey, error) {
	var key SeriesKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSeries))
		data := b.Get(kv.BE64(seriesID))
		if data == nil {
			return obserr.New(obserr.KindNotFound, "observation.GetSeries", nil)
		}
		return kv.DecodeVersioned(data, schemaVersion, &key)
	})
	return key, err
}

// Row pairs a decoded observation with its series and ID, for scan results.
type Row struct {
	SeriesID int64
	Series   SeriesKey
	Data     ObsData
}

// seriesMatching returns every series whose SeriesKey passes keep, in
// seriesID-ascending order.
func (s *Store) seriesMatching(tx *bolt.Tx, keep func(SeriesKey) bool) ([]int64, map[int64]SeriesKey, error) {
	var ids []int64
	index := make(map[int64]SeriesKey)
	b := tx.Bucket([]byte(bucketSeries))
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var sk SeriesKey
		if err := kv.DecodeVersioned(v, schemaVersion, &sk); err != nil {
			return nil, nil, err
		}
		if keep != nil && !keep(sk) {
			continue
		}
		id := kv.DecodeBE64(k)
		ids = append(ids, id)
		index[id] = sk
	}
	return ids, index, nil
}

// Scan returns matching observations. When timeGlobal is false, rows
// come back ordered by (seriesID, phenomenonTime), the default. When
// timeGlobal is true, rows are merged into a single
// phenomenonTime-ascending order across all matching series.
func (s *Store) Scan(keepSeries func(SeriesKey) bool, keepObs func(Row) bool, timeGlobal bool) ([]Row, error) {
	var rows []Row
	err := s.db.View(func(tx *bolt.Tx) error {
		seriesIDs, index, err := s.seriesMatching(tx, keepSeries)
		if err != nil {
			return err
		}
		sort.Slice(seriesIDs, func(i, j int) bool { return seriesIDs[i] < seriesIDs[j] })

		primary := tx.Bucket([]byte(bucketObs))
		for _, id := range seriesIDs {
			prefix := kv.BE64(id)
			c := primary.Cursor()
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				var obs ObsData
				if decErr := kv.DecodeVersioned(v, schemaVersion, &obs); decErr != nil {
					return decErr
				}
				row := Row{SeriesID: id, Series: index[id], Data: obs}
				if keepObs != nil && !keepObs(row) {
					continue
				}
				rows = append(rows, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if timeGlobal {
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].Data.PhenomenonTime.Before(rows[j].Data.PhenomenonTime)
		})
	}
	return rows, nil
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

// Count returns the number of observations matching the same predicates
// Scan would apply. It runs the full Scan, decoding every matching
// observation, and returns the length of the result.
func (s *Store) Count(keepSeries func(SeriesKey) bool, keepObs func(Row) bool) (int, error) {
	rows, err := s.Scan(keepSeries, keepObs, false)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
