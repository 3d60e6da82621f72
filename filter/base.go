// Package filter implements a composable, intersectable filter
// algebra: immutable filter values per resource kind, a ground-truth
// test(value) predicate, and an intersect(other) combinator that
// either narrows a filter or signals that the intersection is provably
// empty.
package filter

import "time"

// Candidate is the minimal shape every filterable entity (system, FOI)
// exposes to Base.Test.
type Candidate struct {
	InternalID int64
	UID        string
	ValidTime  time.Time
	Geom       *Geometry
	Properties map[string]any
}

// Base holds the fields common to every resource-kind filter: identity
// sets, a temporal filter on validTime, an optional spatial filter, and
// property predicates.
type Base struct {
	InternalIDs *IDSet
	UIDs        *UIDSet
	Temporal    Temporal
	Spatial     *Spatial
	Properties  []Predicate
	Limit       int
}

// NewBase returns a Base matching everything: unrestricted IDs, AllTimes
// validity, no spatial constraint, no property predicates.
func NewBase() Base {
	return Base{Temporal: AllTimes()}
}

// Test is the ground-truth predicate for the common fields.
func (b Base) Test(c Candidate, now time.Time) bool {
	if !b.InternalIDs.Contains(c.InternalID) {
		return false
	}
	if !b.UIDs.Contains(c.UID) {
		return false
	}
	if !b.Temporal.Test(c.ValidTime, now) {
		return false
	}
	if b.Spatial != nil {
		if c.Geom == nil || !b.Spatial.Test(*c.Geom) {
			return false
		}
	}
	for _, p := range b.Properties {
		if !p.Test(c.Properties) {
			return false
		}
	}
	return true
}

// Intersect combines two Base filters. ok is false when any component
// (ID sets, validTime interval, spatial region) is provably disjoint.
func (b Base) Intersect(other Base, now time.Time) (Base, bool) {
	ids, ok := b.InternalIDs.Intersect(other.InternalIDs)
	if !ok {
		return Base{}, false
	}
	uids, ok := b.UIDs.Intersect(other.UIDs)
	if !ok {
		return Base{}, false
	}
	temporal, ok := b.Temporal.Intersect(other.Temporal, now)
	if !ok {
		return Base{}, false
	}

	var spatial *Spatial
	switch {
	case b.Spatial == nil:
		spatial = other.Spatial
	case other.Spatial == nil:
		spatial = b.Spatial
	default:
		merged, spatialOK := b.Spatial.Intersect(*other.Spatial)
		if !spatialOK {
			return Base{}, false
		}
		spatial = &merged
	}

	props := make([]Predicate, 0, len(b.Properties)+len(other.Properties))
	props = append(props, b.Properties...)
	props = append(props, other.Properties...)

	limit := b.Limit
	if limit == 0 || (other.Limit != 0 && other.Limit < limit) {
		limit = other.Limit
	}

	return Base{
		InternalIDs: ids,
		UIDs:        uids,
		Temporal:    temporal,
		Spatial:     spatial,
		Properties:  props,
		Limit:       limit,
	}, true
}

// WithInternalIDs returns a copy restricted to the given internal IDs.
func (b Base) WithInternalIDs(ids ...int64) Base {
	b.InternalIDs = NewIDSet(ids...)
	return b
}

// WithUIDs returns a copy restricted to the given unique IDs.
func (b Base) WithUIDs(uids ...string) Base {
	b.UIDs = NewUIDSet(uids...)
	return b
}

// WithTemporal returns a copy with the given validTime filter.
func (b Base) WithTemporal(t Temporal) Base {
	b.Temporal = t
	return b
}

// WithSpatial returns a copy with the given spatial filter.
func (b Base) WithSpatial(s Spatial) Base {
	b.Spatial = &s
	return b
}

// WithProperties returns a copy with additional property predicates
// appended (conjunctive).
func (b Base) WithProperties(preds ...Predicate) Base {
	b.Properties = append(append([]Predicate(nil), b.Properties...), preds...)
	return b
}

// WithLimit returns a copy with the page-size limit set.
func (b Base) WithLimit(n int) Base {
	b.Limit = n
	return b
}
