package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUIDSetIntersectScenario(t *testing.T) {
	now := time.Now()
	a := NewSystemFilter().WithUIDs("a", "b")
	b := NewSystemFilter().WithUIDs("b", "c")

	merged, ok := a.Intersect(b, now)
	require.True(t, ok)
	assert.True(t, merged.UIDs.Contains("b"))
	assert.False(t, merged.UIDs.Contains("a"))
	assert.False(t, merged.UIDs.Contains("c"))

	_, ok = merged.Intersect(NewSystemFilter().WithUIDs("z"), now)
	assert.False(t, ok)
}

func candidate(id int64, uid string, vt time.Time) SystemCandidate {
	return SystemCandidate{Candidate: Candidate{InternalID: id, UID: uid, ValidTime: vt}}
}

func TestIntersectTestConjunction(t *testing.T) {
	now := time.Now()
	a := NewSystemFilter().WithUIDs("a", "b")
	b := NewSystemFilter().WithUIDs("b", "c")
	merged, ok := a.Intersect(b, now)
	require.True(t, ok)

	for _, uid := range []string{"a", "b", "c", "z"} {
		c := candidate(1, uid, now)
		want := a.Test(c, now, nil, nil) && b.Test(c, now, nil, nil)
		got := merged.Test(c, now, nil, nil)
		assert.Equal(t, want, got, "uid=%s", uid)
	}
}

func TestTemporalRangeAndSingle(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	rng := Range(t0, t1)
	assert.True(t, rng.Test(t0, time.Now()))
	assert.True(t, rng.Test(t1, time.Now()))
	assert.False(t, rng.Test(t2, time.Now()))

	single := Single(t1)
	assert.True(t, single.Test(t1, time.Now()))
	assert.False(t, single.Test(t0, time.Now()))
}

func TestTemporalIntersectDisjointRanges(t *testing.T) {
	now := time.Now()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := Range(t0, t0.Add(time.Hour))
	b := Range(t0.Add(2*time.Hour), t0.Add(3*time.Hour))
	_, ok := a.Intersect(b, now)
	assert.False(t, ok)

	c := Range(t0.Add(30*time.Minute), t0.Add(90*time.Minute))
	merged, ok := a.Intersect(c, now)
	require.True(t, ok)
	assert.Equal(t, KindRange, merged.Kind)
	assert.True(t, merged.Begin.Equal(t0.Add(30*time.Minute)))
	assert.True(t, merged.End.Equal(t0.Add(time.Hour)))
}

func TestSpatialBBoxIntersect(t *testing.T) {
	a := NewSpatial(BBox(0, 0, 10, 10), OpIntersects, 0)
	b := NewSpatial(BBox(5, 5, 15, 15), OpIntersects, 0)
	merged, ok := a.Intersect(b)
	require.True(t, ok)
	assert.True(t, merged.Test(Point(7, 7)))
	assert.False(t, merged.Test(Point(2, 2)))

	disjoint := NewSpatial(BBox(100, 100, 110, 110), OpIntersects, 0)
	_, ok = a.Intersect(disjoint)
	assert.False(t, ok)
}

func TestSpatialWithinDistance(t *testing.T) {
	s := NewSpatial(Point(0, 0), OpWithinDistance, 200_000) // 200km
	assert.True(t, s.Test(Point(0, 1)))  // ~111km
	assert.False(t, s.Test(Point(0, 10))) // ~1110km
}

func TestPredicateWildcard(t *testing.T) {
	p := StringPattern("name", "temp-*")
	assert.True(t, p.Test(map[string]any{"name": "temp-sensor-1"}))
	assert.False(t, p.Test(map[string]any{"name": "humidity-1"}))

	single := StringPattern("name", "temp-?")
	assert.True(t, single.Test(map[string]any{"name": "temp-1"}))
	assert.False(t, single.Test(map[string]any{"name": "temp-12"}))
}

func TestPredicateNumericExact(t *testing.T) {
	p := NumericEquals("altitude", 42)
	assert.True(t, p.Test(map[string]any{"altitude": 42.0}))
	assert.False(t, p.Test(map[string]any{"altitude": 43.0}))
}

func TestIDSetIntersect(t *testing.T) {
	a := NewIDSet(1, 2, 3)
	b := NewIDSet(2, 3, 4)
	merged, ok := a.Intersect(b)
	require.True(t, ok)
	assert.True(t, merged.Contains(2))
	assert.True(t, merged.Contains(3))
	assert.False(t, merged.Contains(1))

	_, ok = a.Intersect(NewIDSet(99))
	assert.False(t, ok)

	var unrestricted *IDSet
	got, ok := unrestricted.Intersect(a)
	require.True(t, ok)
	assert.Equal(t, a, got)
}

func TestDataStreamFilterNestedFois(t *testing.T) {
	now := time.Now()
	foiFilter := NewFoiFilter().WithUIDs("urn:foi:1")
	ds := NewDataStreamFilter().WithFois(foiFilter)

	c := DataStreamCandidate{Candidate: Candidate{InternalID: 10}, SystemID: 1}
	observed := func() []Candidate {
		return []Candidate{{UID: "urn:foi:2"}, {UID: "urn:foi:1"}}
	}
	assert.True(t, ds.Test(c, now, observed))

	noneMatching := func() []Candidate { return []Candidate{{UID: "urn:foi:9"}} }
	assert.False(t, ds.Test(c, now, noneMatching))
}

func TestSystemFilterWithFoisDelegatesToDataStreams(t *testing.T) {
	foiFilter := NewFoiFilter().WithUIDs("urn:foi:1")
	sys := NewSystemFilter().WithFois(foiFilter)
	require.NotNil(t, sys.DataStreams)
	require.NotNil(t, sys.DataStreams.Fois)
	assert.True(t, sys.DataStreams.Fois.UIDs.Contains("urn:foi:1"))
}

func TestObsFilterTest(t *testing.T) {
	now := time.Now()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	f := NewObsFilter().WithPhenomenonTime(Range(t0, t1)).WithDataStreams(5)

	match := ObsCandidate{DataStreamID: 5, PhenomenonTime: t0.Add(30 * time.Minute)}
	assert.True(t, f.Test(match, now))

	wrongStream := ObsCandidate{DataStreamID: 6, PhenomenonTime: t0.Add(30 * time.Minute)}
	assert.False(t, f.Test(wrongStream, now))

	outOfRange := ObsCandidate{DataStreamID: 5, PhenomenonTime: t0.Add(2 * time.Hour)}
	assert.False(t, f.Test(outOfRange, now))
}
