package filter

import "time"

// FoiFilter matches feature-of-interest entities. It shares Base's
// shape exactly; FOIs have no resource-specific fields.
type FoiFilter struct {
	Base
}

// NewFoiFilter returns a FoiFilter matching every FOI.
func NewFoiFilter() FoiFilter { return FoiFilter{Base: NewBase()} }

func (f FoiFilter) WithInternalIDs(ids ...int64) FoiFilter { f.Base = f.Base.WithInternalIDs(ids...); return f }
func (f FoiFilter) WithUIDs(uids ...string) FoiFilter      { f.Base = f.Base.WithUIDs(uids...); return f }
func (f FoiFilter) WithTemporal(t Temporal) FoiFilter      { f.Base = f.Base.WithTemporal(t); return f }
func (f FoiFilter) WithSpatial(s Spatial) FoiFilter        { f.Base = f.Base.WithSpatial(s); return f }
func (f FoiFilter) WithProperties(p ...Predicate) FoiFilter {
	f.Base = f.Base.WithProperties(p...)
	return f
}
func (f FoiFilter) WithLimit(n int) FoiFilter { f.Base = f.Base.WithLimit(n); return f }

// Intersect combines two FoiFilters.
func (f FoiFilter) Intersect(other FoiFilter, now time.Time) (FoiFilter, bool) {
	base, ok := f.Base.Intersect(other.Base, now)
	return FoiFilter{Base: base}, ok
}

// DataStreamCandidate is what the store hands DataStreamFilter.Test for
// a single data-stream version.
type DataStreamCandidate struct {
	Candidate
	SystemID int64
}

// DataStreamFilter matches data-stream entities, with an optional
// parent-system restriction and a nested FOI filter (tested against the
// stream's observed FOIs, not stored on the stream itself).
type DataStreamFilter struct {
	Base
	Systems *IDSet
	Fois    *FoiFilter
}

// NewDataStreamFilter returns a DataStreamFilter matching every stream.
func NewDataStreamFilter() DataStreamFilter { return DataStreamFilter{Base: NewBase()} }

func (f DataStreamFilter) WithInternalIDs(ids ...int64) DataStreamFilter {
	f.Base = f.Base.WithInternalIDs(ids...)
	return f
}
func (f DataStreamFilter) WithUIDs(uids ...string) DataStreamFilter {
	f.Base = f.Base.WithUIDs(uids...)
	return f
}
func (f DataStreamFilter) WithTemporal(t Temporal) DataStreamFilter {
	f.Base = f.Base.WithTemporal(t)
	return f
}
func (f DataStreamFilter) WithProperties(p ...Predicate) DataStreamFilter {
	f.Base = f.Base.WithProperties(p...)
	return f
}
func (f DataStreamFilter) WithLimit(n int) DataStreamFilter { f.Base = f.Base.WithLimit(n); return f }

// WithSystems restricts to data streams owned by one of the given
// system internal IDs.
func (f DataStreamFilter) WithSystems(ids ...int64) DataStreamFilter {
	f.Systems = NewIDSet(ids...)
	return f
}

// WithFois attaches a nested FOI filter: a stream matches only if at
// least one FOI it has observed passes foi.
func (f DataStreamFilter) WithFois(foi FoiFilter) DataStreamFilter {
	f.Fois = &foi
	return f
}

// Test evaluates the filter against c. observedFois supplies the FOI
// candidates the stream has recorded observations for, used only when
// a nested FOI filter is present; pass nil when the caller has no FOI
// filter to evaluate (avoids an unnecessary store lookup).
func (f DataStreamFilter) Test(c DataStreamCandidate, now time.Time, observedFois func() []Candidate) bool {
	if !f.Base.Test(c.Candidate, now) {
		return false
	}
	if !f.Systems.Contains(c.SystemID) {
		return false
	}
	if f.Fois != nil {
		if observedFois == nil {
			return false
		}
		matched := false
		for _, foiCandidate := range observedFois() {
			if f.Fois.Base.Test(foiCandidate, now) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Intersect combines two DataStreamFilters. Nested FOI filters combine
// by intersection when both sides have one; a side missing one simply
// carries the other's through.
func (f DataStreamFilter) Intersect(other DataStreamFilter, now time.Time) (DataStreamFilter, bool) {
	base, ok := f.Base.Intersect(other.Base, now)
	if !ok {
		return DataStreamFilter{}, false
	}
	systems, ok := f.Systems.Intersect(other.Systems)
	if !ok {
		return DataStreamFilter{}, false
	}
	fois, ok := mergeNestedFoi(f.Fois, other.Fois, now)
	if !ok {
		return DataStreamFilter{}, false
	}
	return DataStreamFilter{Base: base, Systems: systems, Fois: fois}, true
}

func mergeNestedFoi(a, b *FoiFilter, now time.Time) (*FoiFilter, bool) {
	switch {
	case a == nil:
		return b, true
	case b == nil:
		return a, true
	default:
		merged, ok := a.Intersect(*b, now)
		return &merged, ok
	}
}

// SystemFilter matches system/procedure entities, with an optional
// parent restriction and a nested data-stream filter.
type SystemFilter struct {
	Base
	Parents     *IDSet
	DataStreams *DataStreamFilter
}

// NewSystemFilter returns a SystemFilter matching every system.
func NewSystemFilter() SystemFilter { return SystemFilter{Base: NewBase()} }

func (f SystemFilter) WithInternalIDs(ids ...int64) SystemFilter {
	f.Base = f.Base.WithInternalIDs(ids...)
	return f
}
func (f SystemFilter) WithUIDs(uids ...string) SystemFilter { f.Base = f.Base.WithUIDs(uids...); return f }
func (f SystemFilter) WithTemporal(t Temporal) SystemFilter { f.Base = f.Base.WithTemporal(t); return f }
func (f SystemFilter) WithSpatial(s Spatial) SystemFilter   { f.Base = f.Base.WithSpatial(s); return f }
func (f SystemFilter) WithProperties(p ...Predicate) SystemFilter {
	f.Base = f.Base.WithProperties(p...)
	return f
}
func (f SystemFilter) WithLimit(n int) SystemFilter { f.Base = f.Base.WithLimit(n); return f }

// WithParents restricts to systems whose parent internalID is one of ids.
func (f SystemFilter) WithParents(ids ...int64) SystemFilter {
	f.Parents = NewIDSet(ids...)
	return f
}

// WithDataStreams attaches a nested data-stream filter: a system
// matches only if at least one of its data streams passes ds.
func (f SystemFilter) WithDataStreams(ds DataStreamFilter) SystemFilter {
	f.DataStreams = &ds
	return f
}

// WithFois is equivalent to WithDataStreams(DataStreamFilter{}.WithFois(foi)).
func (f SystemFilter) WithFois(foi FoiFilter) SystemFilter {
	return f.WithDataStreams(NewDataStreamFilter().WithFois(foi))
}

// SystemCandidate is what the store hands SystemFilter.Test.
type SystemCandidate struct {
	Candidate
	ParentID int64
}

// Test evaluates the filter against c. dataStreamsOf resolves the
// system's data streams, used only when a nested data-stream filter is
// present.
func (f SystemFilter) Test(c SystemCandidate, now time.Time, dataStreamsOf func() []DataStreamCandidate, observedFoisOf func(dataStreamID int64) []Candidate) bool {
	if !f.Base.Test(c.Candidate, now) {
		return false
	}
	if !f.Parents.Contains(c.ParentID) {
		return false
	}
	if f.DataStreams != nil {
		if dataStreamsOf == nil {
			return false
		}
		matched := false
		for _, ds := range dataStreamsOf() {
			var resolver func() []Candidate
			if observedFoisOf != nil {
				dsID := ds.InternalID
				resolver = func() []Candidate { return observedFoisOf(dsID) }
			}
			if f.DataStreams.Test(ds, now, resolver) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Intersect combines two SystemFilters.
func (f SystemFilter) Intersect(other SystemFilter, now time.Time) (SystemFilter, bool) {
	base, ok := f.Base.Intersect(other.Base, now)
	if !ok {
		return SystemFilter{}, false
	}
	parents, ok := f.Parents.Intersect(other.Parents)
	if !ok {
		return SystemFilter{}, false
	}
	var ds *DataStreamFilter
	switch {
	case f.DataStreams == nil:
		ds = other.DataStreams
	case other.DataStreams == nil:
		ds = f.DataStreams
	default:
		merged, dsOK := f.DataStreams.Intersect(*other.DataStreams, now)
		if !dsOK {
			return SystemFilter{}, false
		}
		ds = &merged
	}
	return SystemFilter{Base: base, Parents: parents, DataStreams: ds}, true
}

// ObsFilter matches observations. Observations have no UID or spatial
// field of their own; Base.Temporal filters phenomenonTime, and
// ResultTime independently filters resultTime. Properties predicates
// apply to the decoded result block's named fields.
type ObsFilter struct {
	Base
	DataStreams *IDSet
	Fois        *IDSet
	ResultTime  Temporal
}

// NewObsFilter returns an ObsFilter matching every observation.
func NewObsFilter() ObsFilter {
	return ObsFilter{Base: NewBase(), ResultTime: AllTimes()}
}

// WithPhenomenonTime sets the Base.Temporal (phenomenonTime) filter.
func (f ObsFilter) WithPhenomenonTime(t Temporal) ObsFilter { f.Base.Temporal = t; return f }

// WithResultTime sets the resultTime filter.
func (f ObsFilter) WithResultTime(t Temporal) ObsFilter { f.ResultTime = t; return f }

// WithDataStreams restricts to observations on one of the given stream IDs.
func (f ObsFilter) WithDataStreams(ids ...int64) ObsFilter { f.DataStreams = NewIDSet(ids...); return f }

// WithFois restricts to observations on one of the given FOI IDs.
func (f ObsFilter) WithFois(ids ...int64) ObsFilter { f.Fois = NewIDSet(ids...); return f }

// WithProperties returns a copy with additional result-field predicates.
func (f ObsFilter) WithProperties(p ...Predicate) ObsFilter {
	f.Base = f.Base.WithProperties(p...)
	return f
}

// WithLimit returns a copy with the page-size limit set.
func (f ObsFilter) WithLimit(n int) ObsFilter { f.Base = f.Base.WithLimit(n); return f }

// ObsCandidate is what the store hands ObsFilter.Test.
type ObsCandidate struct {
	DataStreamID   int64
	FoiID          int64
	PhenomenonTime time.Time
	ResultTime     time.Time
	ResultFields   map[string]any
}

// Test evaluates the filter against c.
func (f ObsFilter) Test(c ObsCandidate, now time.Time) bool {
	if !f.Base.Temporal.Test(c.PhenomenonTime, now) {
		return false
	}
	if !f.ResultTime.Test(c.ResultTime, now) {
		return false
	}
	if !f.DataStreams.Contains(c.DataStreamID) {
		return false
	}
	if !f.Fois.Contains(c.FoiID) {
		return false
	}
	for _, p := range f.Base.Properties {
		if !p.Test(c.ResultFields) {
			return false
		}
	}
	return true
}

// Intersect combines two ObsFilters.
func (f ObsFilter) Intersect(other ObsFilter, now time.Time) (ObsFilter, bool) {
	phenomenon, ok := f.Base.Temporal.Intersect(other.Base.Temporal, now)
	if !ok {
		return ObsFilter{}, false
	}
	resultTime, ok := f.ResultTime.Intersect(other.ResultTime, now)
	if !ok {
		return ObsFilter{}, false
	}
	streams, ok := f.DataStreams.Intersect(other.DataStreams)
	if !ok {
		return ObsFilter{}, false
	}
	fois, ok := f.Fois.Intersect(other.Fois)
	if !ok {
		return ObsFilter{}, false
	}
	props := make([]Predicate, 0, len(f.Base.Properties)+len(other.Base.Properties))
	props = append(props, f.Base.Properties...)
	props = append(props, other.Base.Properties...)
	limit := f.Base.Limit
	if limit == 0 || (other.Base.Limit != 0 && other.Base.Limit < limit) {
		limit = other.Base.Limit
	}
	return ObsFilter{
		Base: Base{
			Temporal:   phenomenon,
			Properties: props,
			Limit:      limit,
		},
		DataStreams: streams,
		Fois:        fois,
		ResultTime:  resultTime,
	}, true
}
