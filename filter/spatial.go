package filter

import "math"

// GeometryKind distinguishes the two region shapes supported: a point
// or an axis-aligned bounding box. Concrete polygon/WKT geometry math
// is out of scope; callers that need a polygon reduce it to its
// bounding box before filtering.
type GeometryKind int

const (
	KindPoint GeometryKind = iota
	KindBBox
)

// Geometry is a minimal planar region: a point or a lon/lat bounding
// box. Longitude/latitude are plain floats, not a geodesic model —
// adequate for the INTERSECTS/CONTAINS/WITHIN_DISTANCE invariants the
// spec names, without a third-party geometry engine.
type Geometry struct {
	Kind GeometryKind
	Lon  float64
	Lat  float64

	MinLon, MinLat, MaxLon, MaxLat float64
}

// Point constructs a point geometry.
func Point(lon, lat float64) Geometry {
	return Geometry{Kind: KindPoint, Lon: lon, Lat: lat}
}

// BBox constructs an axis-aligned bounding box geometry.
func BBox(minLon, minLat, maxLon, maxLat float64) Geometry {
	return Geometry{Kind: KindBBox, MinLon: minLon, MinLat: minLat, MaxLon: maxLon, MaxLat: maxLat}
}

func (g Geometry) bounds() (minLon, minLat, maxLon, maxLat float64) {
	if g.Kind == KindPoint {
		return g.Lon, g.Lat, g.Lon, g.Lat
	}
	return g.MinLon, g.MinLat, g.MaxLon, g.MaxLat
}

func boundsIntersect(a, b Geometry) bool {
	aMinLon, aMinLat, aMaxLon, aMaxLat := a.bounds()
	bMinLon, bMinLat, bMaxLon, bMaxLat := b.bounds()
	if aMaxLon < bMinLon || bMaxLon < aMinLon {
		return false
	}
	if aMaxLat < bMinLat || bMaxLat < aMinLat {
		return false
	}
	return true
}

func boundsContain(outer, inner Geometry) bool {
	oMinLon, oMinLat, oMaxLon, oMaxLat := outer.bounds()
	iMinLon, iMinLat, iMaxLon, iMaxLat := inner.bounds()
	return iMinLon >= oMinLon && iMaxLon <= oMaxLon && iMinLat >= oMinLat && iMaxLat <= oMaxLat
}

func centroid(g Geometry) (lon, lat float64) {
	minLon, minLat, maxLon, maxLat := g.bounds()
	return (minLon + maxLon) / 2, (minLat + maxLat) / 2
}

// haversineMeters is the haversine great-circle distance on a spherical
// earth of radius 6371 km, used for WITHIN_DISTANCE filtering.
func haversineMeters(lon1, lat1, lon2, lat2 float64) float64 {
	const earthRadius = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

// SpatialOp is one of the three supported spatial operators.
type SpatialOp int

const (
	OpIntersects SpatialOp = iota
	OpContains
	OpWithinDistance
)

// Spatial is an immutable region-of-interest filter. And holds
// additional conjuncts when two Spatial filters could not be simplified
// into one primitive during Intersect; Test requires every conjunct (and
// the primitive, if set) to pass.
type Spatial struct {
	set      bool
	Region   Geometry
	Op       SpatialOp
	Distance float64

	And []Spatial
}

// NewSpatial builds a primitive spatial filter.
func NewSpatial(region Geometry, op SpatialOp, distanceMeters float64) Spatial {
	return Spatial{set: true, Region: region, Op: op, Distance: distanceMeters}
}

// Test reports whether candidate satisfies the filter.
func (s Spatial) Test(candidate Geometry) bool {
	if s.set && !s.testPrimitive(candidate) {
		return false
	}
	for _, sub := range s.And {
		if !sub.Test(candidate) {
			return false
		}
	}
	return true
}

func (s Spatial) testPrimitive(candidate Geometry) bool {
	switch s.Op {
	case OpIntersects:
		return boundsIntersect(s.Region, candidate)
	case OpContains:
		return boundsContain(s.Region, candidate)
	case OpWithinDistance:
		rLon, rLat := centroid(s.Region)
		cLon, cLat := centroid(candidate)
		return haversineMeters(rLon, rLat, cLon, cLat) <= s.Distance
	default:
		return false
	}
}

// Intersect returns a Spatial whose Test is the conjunction of s and
// other's. Two BBox/INTERSECTS primitives are simplified into one
// (signalling ok=false when their boxes are provably disjoint); any
// other combination is conservatively conjoined without attempting to
// prove emptiness. Intersect may narrow eagerly, but Test must always
// still be consulted — it is the ground truth.
func (s Spatial) Intersect(other Spatial) (Spatial, bool) {
	if !s.set {
		return other, true
	}
	if !other.set {
		return s, true
	}
	if s.Op == OpIntersects && other.Op == OpIntersects &&
		s.Region.Kind == KindBBox && other.Region.Kind == KindBBox && len(s.And) == 0 && len(other.And) == 0 {
		if !boundsIntersect(s.Region, other.Region) {
			return Spatial{}, false
		}
		minLon := math.Max(s.Region.MinLon, other.Region.MinLon)
		minLat := math.Max(s.Region.MinLat, other.Region.MinLat)
		maxLon := math.Min(s.Region.MaxLon, other.Region.MaxLon)
		maxLat := math.Min(s.Region.MaxLat, other.Region.MaxLat)
		return NewSpatial(BBox(minLon, minLat, maxLon, maxLat), OpIntersects, 0), true
	}
	return Spatial{set: false, And: []Spatial{s, other}}, true
}
