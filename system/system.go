// Package system implements the system/procedure entity as a thin,
// domain-shaped wrapper over the generic feature.Store.
package system

import (
	"time"

	"obshub.dev/hub/feature"
	"obshub.dev/hub/filter"
	"obshub.dev/hub/ids"
	"obshub.dev/hub/kv"
)

// System is a system/procedure entity: a describing record for a
// producer.
type System struct {
	UID         string           `json:"uid"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Geom        *filter.Geometry `json:"geom,omitempty"`
	Properties  map[string]any   `json:"properties,omitempty"`
	ParentID    int64            `json:"parentId"`
	SMLVersion  string           `json:"smlVersion,omitempty"`
}

// Meta implements feature.Entity.
func (s System) Meta() feature.Meta {
	return feature.Meta{
		UID:         s.UID,
		Name:        s.Name,
		Description: s.Description,
		Geom:        s.Geom,
		Properties:  s.Properties,
		ParentID:    s.ParentID,
	}
}

// Store manages System entities.
type Store struct {
	*feature.Store[System]
}

// NewStore opens (or creates) the systems bucket.
func NewStore(db *kv.DB, alloc *ids.Allocator) (*Store, error) {
	fs, err := feature.NewStore[System](db, "systems", alloc)
	if err != nil {
		return nil, err
	}
	return &Store{Store: fs}, nil
}

// candidate builds a filter.SystemCandidate for a stored system.
func candidate(key feature.Key, s System) filter.SystemCandidate {
	return filter.SystemCandidate{
		Candidate: filter.Candidate{
			InternalID: key.InternalID,
			UID:        s.UID,
			ValidTime:  key.ValidTime,
			Geom:       s.Geom,
			Properties: s.Properties,
		},
		ParentID: s.ParentID,
	}
}

// DataStreamsOf and ObservedFoisOf let SystemFilter's nested tests
// resolve linked entities; callers (the database facade) supply these
// by closing over the data-stream and observation stores, since the
// system package itself cannot import them without a cycle.
type Resolvers struct {
	DataStreamsOf  func(systemID int64) []filter.DataStreamCandidate
	ObservedFoisOf func(dataStreamID int64) []filter.Candidate
}

// SelectMatching runs f.Test against every stored system, returning the
// matches in (internalID, validTime) order. It iterates with no
// feature.Test prefilter and applies f.Test to each decoded System.
func (s *Store) SelectMatching(f filter.SystemFilter, now time.Time, res Resolvers) ([]System, []feature.Key, error) {
	it, err := s.Store.SelectEntries(nil, 0)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()

	var values []System
	var keys []feature.Key
	for {
		key, v, ok, nextErr := it.Next()
		if nextErr != nil {
			return nil, nil, nextErr
		}
		if !ok {
			break
		}
		c := candidate(key, v)
		var dsOf func() []filter.DataStreamCandidate
		if res.DataStreamsOf != nil {
			id := key.InternalID
			dsOf = func() []filter.DataStreamCandidate { return res.DataStreamsOf(id) }
		}
		if f.Test(c, now, dsOf, res.ObservedFoisOf) {
			values = append(values, v)
			keys = append(keys, key)
			if f.Limit > 0 && len(values) >= f.Limit {
				break
			}
		}
	}
	return values, keys, nil
}
