// Package foi implements the feature-of-interest entity as a thin
// wrapper over the generic feature.Store.
package foi

import (
	"time"

	"obshub.dev/hub/feature"
	"obshub.dev/hub/filter"
	"obshub.dev/hub/ids"
	"obshub.dev/hub/kv"
)

// FOI is a feature-of-interest entity: the subject a measurement is
// about, same shape as System but without a parent/SensorML version.
type FOI struct {
	UID         string           `json:"uid"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Geom        *filter.Geometry `json:"geom,omitempty"`
	Properties  map[string]any   `json:"properties,omitempty"`
}

// Meta implements feature.Entity.
func (f FOI) Meta() feature.Meta {
	return feature.Meta{UID: f.UID, Name: f.Name, Description: f.Description, Geom: f.Geom, Properties: f.Properties}
}

// Store manages FOI entities.
type Store struct {
	*feature.Store[FOI]
}

// NewStore opens (or creates) the features-of-interest bucket.
func NewStore(db *kv.DB, alloc *ids.Allocator) (*Store, error) {
	fs, err := feature.NewStore[FOI](db, "fois", alloc)
	if err != nil {
		return nil, err
	}
	return &Store{Store: fs}, nil
}

func candidate(key feature.Key, f FOI) filter.Candidate {
	return filter.Candidate{
		InternalID: key.InternalID,
		UID:        f.UID,
		ValidTime:  key.ValidTime,
		Geom:       f.Geom,
		Properties: f.Properties,
	}
}

// SelectMatching returns every stored FOI passing f, in key order.
func (s *Store) SelectMatching(f filter.FoiFilter, now time.Time) ([]FOI, []feature.Key, error) {
	it, err := s.Store.SelectEntries(nil, 0)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()

	var values []FOI
	var keys []feature.Key
	for {
		key, v, ok, nextErr := it.Next()
		if nextErr != nil {
			return nil, nil, nextErr
		}
		if !ok {
			break
		}
		if f.Base.Test(candidate(key, v), now) {
			values = append(values, v)
			keys = append(keys, key)
			if f.Limit > 0 && len(values) >= f.Limit {
				break
			}
		}
	}
	return values, keys, nil
}

// Candidate exposes the filter candidate shape for a stored FOI, for
// use by callers resolving nested "system's observed FOIs" filters.
func Candidate(key feature.Key, f FOI) filter.Candidate { return candidate(key, f) }
