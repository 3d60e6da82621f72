// Package hub implements the database facade: composition of the four
// entity stores behind one embedded KV handle, cross-store link
// registration so nested filters (system -> data stream -> FOI) can be
// resolved, and the executeTransaction primitive that maps directly onto
// the KV engine's per-Update atomicity.
package hub

import (
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"obshub.dev/hub/config"
	"obshub.dev/hub/datastream"
	"obshub.dev/hub/feature"
	"obshub.dev/hub/filter"
	"obshub.dev/hub/foi"
	"obshub.dev/hub/ids"
	"obshub.dev/hub/kv"
	"obshub.dev/hub/observation"
	"obshub.dev/hub/system"
)

// Config configures the facade, mirroring the environment variables the
// cobra/viper CLI entry point binds.
type Config struct {
	StoragePath           string
	ReadOnly              bool
	AutoCommitPeriod      time.Duration
	AutoCommitBufferBytes int64
	ExternalIDSalt        string
}

// Hub owns exactly one embedded KV store handle and the four entity
// stores built on top of it. The facade exclusively owns all stores;
// each store exclusively owns its own KV buckets.
type Hub struct {
	db *kv.DB

	Systems      *system.Store
	Fois         *foi.Store
	DataStreams  *datastream.Store
	Observations *observation.Store
	Codec        *ids.Codec

	// writeMu is the single facade-level lock, serializing multi-step
	// operations (like the persistence bridge's data-event handling)
	// that span more than one store call and must not interleave with a
	// concurrent writer touching the same system.
	writeMu sync.Mutex
}

// Open opens the facade's KV file and every sub-store, allocating one
// process-wide ID allocator per store, seeded with the highest internal
// ID that store already holds.
func Open(cfg Config) (*Hub, error) {
	db, err := kv.Open(cfg.StoragePath, kv.Options{
		ReadOnly:              cfg.ReadOnly,
		AutoCommitPeriod:      cfg.AutoCommitPeriod,
		AutoCommitBufferBytes: cfg.AutoCommitBufferBytes,
	})
	if err != nil {
		return nil, err
	}
	db.StartAutoCommit()

	codec, err := ids.NewCodec(cfg.ExternalIDSalt)
	if err != nil {
		return nil, err
	}

	// Every store's primary keys begin with a big-endian internal ID, so
	// the last key of its primary bucket carries the highest ID stored.
	highestID := func(bucket string) int64 {
		var id int64
		_ = db.View(func(tx *bolt.Tx) error {
			if b := tx.Bucket([]byte(bucket)); b != nil {
				if k, _ := b.Cursor().Last(); len(k) >= 8 {
					id = kv.DecodeBE64(k[:8])
				}
			}
			return nil
		})
		return id
	}

	systems, err := system.NewStore(db, ids.NewAllocator(highestID("systems")))
	if err != nil {
		return nil, err
	}
	fois, err := foi.NewStore(db, ids.NewAllocator(highestID("fois")))
	if err != nil {
		return nil, err
	}
	streams, err := datastream.NewStore(db, ids.NewAllocator(highestID("datastreams")))
	if err != nil {
		return nil, err
	}
	obs, err := observation.NewStore(db, ids.NewAllocator(highestID("obs_series")))
	if err != nil {
		return nil, err
	}

	return &Hub{
		db:           db,
		Systems:      systems,
		Fois:         fois,
		DataStreams:  streams,
		Observations: obs,
		Codec:        codec,
	}, nil
}

// Close closes the facade's KV file.
func (h *Hub) Close() error { return h.db.Close() }

// OpenFromEnv opens the facade using config.LoadStoreConfig, for
// embedders that link this package directly rather than going through
// the cobra/viper CLI entry point (package cli covers the latter).
func OpenFromEnv(envPrefix string) (*Hub, error) {
	sc := config.LoadStoreConfig(envPrefix)
	return Open(Config{
		StoragePath:           sc.StoragePath,
		ReadOnly:              sc.ReadOnly,
		AutoCommitPeriod:      sc.AutoCommitPeriod,
		AutoCommitBufferBytes: sc.AutoCommitBufferBytes,
		ExternalIDSalt:        sc.ExternalIDSalt,
	})
}

// ExecuteTransaction runs fn inside a single read-write KV transaction,
// capturing the pre-call version on entry and rolling back to it on any
// failure — bbolt's per-Update-call guarantee gives this for free. Use
// this to compose writes across more than one store's buckets
// atomically; the individual store methods (system.Store.Add,
// observation.Store.Add, ...) each already run their own single-store
// transaction and compose by sequential consistency under WithWriteLock
// instead.
func (h *Hub) ExecuteTransaction(fn func(tx *bolt.Tx) error) error {
	return h.db.Update(fn)
}

// WithWriteLock serializes fn against every other facade-level writer.
// The persistence bridge uses this to make its multi-step, multi-store
// data-event handling appear atomic from an external reader's
// perspective, even though it issues several independent store-level
// transactions internally.
func (h *Hub) WithWriteLock(fn func() error) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return fn()
}

// Stats exposes the KV engine's auto-commit bookkeeping for a health
// endpoint.
func (h *Hub) Stats() kv.Stats { return h.db.Stats() }

// systemResolvers builds the cross-store resolvers SystemFilter's
// nested data-stream/FOI predicates need, registering the link between
// the system, data-stream, and observation stores.
func (h *Hub) systemResolvers() system.Resolvers {
	return system.Resolvers{
		DataStreamsOf: func(systemID int64) []filter.DataStreamCandidate {
			return h.dataStreamsOfSystem(systemID)
		},
		ObservedFoisOf: func(dataStreamID int64) []filter.Candidate {
			return h.observedFoisOfStream(dataStreamID)
		},
	}
}

// dataStreamsOfSystem scans the data-stream primary bucket and returns
// one candidate per stored data-stream version whose descriptor belongs
// to systemID; a stream with several versions appears once per version.
func (h *Hub) dataStreamsOfSystem(systemID int64) []filter.DataStreamCandidate {
	var out []filter.DataStreamCandidate
	_ = h.db.View(func(tx *bolt.Tx) error {
		return kv.ScanPrefix(tx, "datastreams", nil, func(k, v []byte) error {
			var d datastream.Descriptor
			if err := kv.DecodeVersioned(v, 1, &d); err != nil {
				return nil // tolerate a version this reader can't parse; skip it
			}
			if d.SystemID != systemID {
				return nil
			}
			out = append(out, filter.DataStreamCandidate{
				Candidate: filter.Candidate{
					InternalID: kv.DecodeBE64(k[:8]),
					ValidTime:  d.ValidTime,
				},
				SystemID: d.SystemID,
			})
			return nil
		})
	})
	return out
}

// observedFoisOfStream resolves the distinct FOIs a data stream has
// recorded observations for, used by DataStreamFilter's nested FOI test.
func (h *Hub) observedFoisOfStream(dataStreamID int64) []filter.Candidate {
	rows, err := h.Observations.Scan(func(k observation.SeriesKey) bool {
		return k.DataStreamID == dataStreamID
	}, nil, false)
	if err != nil {
		return nil
	}
	seen := make(map[int64]bool)
	var out []filter.Candidate
	for _, r := range rows {
		if r.Series.FoiID == observation.NoFOI || seen[r.Series.FoiID] {
			continue
		}
		seen[r.Series.FoiID] = true
		f, getErr := h.Fois.GetCurrentVersion(feature.ByID(r.Series.FoiID))
		if getErr != nil {
			continue
		}
		out = append(out, filter.Candidate{InternalID: r.Series.FoiID, UID: f.UID, Properties: f.Properties, Geom: f.Geom})
	}
	return out
}

// SelectSystems resolves f against the system store, using this hub's
// cross-store resolvers for any nested data-stream/FOI predicate.
func (h *Hub) SelectSystems(f filter.SystemFilter, now time.Time) ([]system.System, []feature.Key, error) {
	return h.Systems.SelectMatching(f, now, h.systemResolvers())
}

// DeleteSystem removes the system named by id: the entry is tombstoned
// immediately, and an unreferenced tombstone is purged from disk in the
// same call. A system that still has a data stream registered against
// it stays tombstoned-but-present until that data stream is gone (or
// itself reassigned), at which point a later DeleteSystem or a
// background sweep reclaims it.
func (h *Hub) DeleteSystem(id int64) (int, error) {
	count, err := h.Systems.RemoveEntries(func(key feature.Key, _ feature.Meta) bool {
		return key.InternalID == id
	})
	if err != nil {
		return count, err
	}
	if _, purgeErr := h.Systems.PurgeTombstoned(h.systemReferenced); purgeErr != nil {
		return count, purgeErr
	}
	return count, nil
}

// systemReferenced reports whether any data stream is still registered
// against systemID, gating DeleteSystem's physical purge.
func (h *Hub) systemReferenced(systemID int64) bool {
	return len(h.dataStreamsOfSystem(systemID)) > 0
}

// DeleteFoi removes the feature of interest named by id: the entry is
// tombstoned immediately, and an unreferenced tombstone is purged from
// disk in the same call. A FOI that still has an observation recorded
// against it stays tombstoned-but-present until those observations are
// gone, at which point a later DeleteFoi or a background sweep reclaims
// it.
func (h *Hub) DeleteFoi(id int64) (int, error) {
	count, err := h.Fois.RemoveEntries(func(key feature.Key, _ feature.Meta) bool {
		return key.InternalID == id
	})
	if err != nil {
		return count, err
	}
	if _, purgeErr := h.Fois.PurgeTombstoned(h.foiReferenced); purgeErr != nil {
		return count, purgeErr
	}
	return count, nil
}

// foiReferenced reports whether any observation series still points at
// foiID, gating DeleteFoi's physical purge. A scan failure is treated as
// "still referenced" so a transient error never causes a premature
// purge.
func (h *Hub) foiReferenced(foiID int64) bool {
	rows, err := h.Observations.Scan(func(k observation.SeriesKey) bool {
		return k.FoiID == foiID
	}, nil, false)
	if err != nil {
		return true
	}
	return len(rows) > 0
}

// SweepTombstones retries the physical purge for every tombstoned
// system and feature of interest, reclaiming any that became
// unreferenced since they were marked deleted. The compact CLI
// subcommand runs this before rewriting the store file; it is safe to
// call at any time, including from a periodic background job.
func (h *Hub) SweepTombstones() error {
	if _, err := h.Systems.PurgeTombstoned(h.systemReferenced); err != nil {
		return err
	}
	if _, err := h.Fois.PurgeTombstoned(h.foiReferenced); err != nil {
		return err
	}
	return nil
}
