// Package resthandler implements the resource handler core: generic
// list/get/count/create/update/delete/stream dispatch over the hub's
// four entity stores, parameterized per resource by its filter builder
// and serializer, one echo.Echo method per operation, rather than a
// class-hierarchy dispatcher.
package resthandler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"obshub.dev/hub/filter"
	"obshub.dev/hub/ids"
	"obshub.dev/hub/obserr"
)

const (
	defaultLimit = 100
	maxLimit     = 10000
)

// ParsePage reads offset/limit query params, clamping limit to
// [0, maxLimit] and defaulting to defaultLimit.
func ParsePage(q url.Values) (offset, limit int) {
	offset = parseInt(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	limit = parseInt(q.Get("limit"), defaultLimit)
	if limit < 0 {
		limit = 0
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// UIDs returns the uid query param's values (repeatable).
func UIDs(q url.Values) []string {
	return q["uid"]
}

// Format returns the requested response MIME type, defaulting to JSON.
func Format(q url.Values) string {
	if f := q.Get("format"); f != "" {
		return f
	}
	return "application/json"
}

// Select returns the comma-separated field list from select=a,b, or nil
// when absent (meaning "every field").
func Select(q url.Values) []string {
	v := q.Get("select")
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// DecodeIDs decodes a repeatable external-ID query param (e.g.
// foi=<token>&foi=<token>) through codec, silently dropping any token
// that decodes to non-positive: that's a "not found" signal, not an
// error, so it simply can't match anything.
func DecodeIDs(q url.Values, param string, codec *ids.Codec) []int64 {
	tokens := q[param]
	if len(tokens) == 0 {
		return nil
	}
	out := make([]int64, 0, len(tokens))
	for _, t := range tokens {
		if id := codec.Decode(t); id > 0 {
			out = append(out, id)
		}
	}
	return out
}

// ParseTemporal parses a validTime/phenomenonTime/resultTime query
// value in one of three forms: a bare RFC3339 instant, "now", or
// "instant/instant" for a closed range.
func ParseTemporal(raw string) (filter.Temporal, error) {
	if raw == "" {
		return filter.AllTimes(), nil
	}
	if raw == "now" {
		return filter.CurrentTime(0), nil
	}
	if begin, end, ok := strings.Cut(raw, "/"); ok {
		b, err := time.Parse(time.RFC3339, begin)
		if err != nil {
			return filter.Temporal{}, obserr.New(obserr.KindInvalidRequest, "resthandler.ParseTemporal", fmt.Errorf("bad range start %q: %w", begin, err))
		}
		e, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return filter.Temporal{}, obserr.New(obserr.KindInvalidRequest, "resthandler.ParseTemporal", fmt.Errorf("bad range end %q: %w", end, err))
		}
		return filter.Range(b, e), nil
	}
	instant, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return filter.Temporal{}, obserr.New(obserr.KindInvalidRequest, "resthandler.ParseTemporal", fmt.Errorf("bad instant %q: %w", raw, err))
	}
	return filter.Single(instant), nil
}

// ParseBBox parses bbox=minLon,minLat,maxLon,maxLat into a Geometry, or
// returns nil, nil when the param is absent.
func ParseBBox(q url.Values) (*filter.Geometry, error) {
	raw := q.Get("bbox")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, obserr.New(obserr.KindInvalidRequest, "resthandler.ParseBBox", fmt.Errorf("bbox must have 4 components, got %d", len(parts)))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, obserr.New(obserr.KindInvalidRequest, "resthandler.ParseBBox", fmt.Errorf("bad bbox component %q: %w", p, err))
		}
		vals[i] = v
	}
	g := filter.BBox(vals[0], vals[1], vals[2], vals[3])
	return &g, nil
}

// ParseGeom parses geom=WKT into a Geometry. Only the two WKT shapes
// the rest of the algebra can express are recognised: POINT(lon lat)
// and POLYGON((...)), the latter reduced to its bounding box since
// concrete polygon math is out of scope.
func ParseGeom(q url.Values) (*filter.Geometry, error) {
	raw := strings.TrimSpace(q.Get("geom"))
	if raw == "" {
		return nil, nil
	}
	upper := strings.ToUpper(raw)
	switch {
	case strings.HasPrefix(upper, "POINT"):
		coords := betweenParens(raw)
		lon, lat, err := parseLonLat(coords)
		if err != nil {
			return nil, obserr.New(obserr.KindInvalidRequest, "resthandler.ParseGeom", err)
		}
		g := filter.Point(lon, lat)
		return &g, nil
	case strings.HasPrefix(upper, "POLYGON"):
		ring := betweenParens(betweenParens(raw))
		minLon, minLat := float64(0), float64(0)
		maxLon, maxLat := float64(0), float64(0)
		first := true
		for _, pair := range strings.Split(ring, ",") {
			lon, lat, err := parseLonLat(strings.TrimSpace(pair))
			if err != nil {
				return nil, obserr.New(obserr.KindInvalidRequest, "resthandler.ParseGeom", err)
			}
			if first {
				minLon, maxLon, minLat, maxLat = lon, lon, lat, lat
				first = false
				continue
			}
			if lon < minLon {
				minLon = lon
			}
			if lon > maxLon {
				maxLon = lon
			}
			if lat < minLat {
				minLat = lat
			}
			if lat > maxLat {
				maxLat = lat
			}
		}
		g := filter.BBox(minLon, minLat, maxLon, maxLat)
		return &g, nil
	default:
		return nil, obserr.New(obserr.KindInvalidRequest, "resthandler.ParseGeom", fmt.Errorf("unsupported geometry %q", raw))
	}
}

func betweenParens(s string) string {
	open := strings.Index(s, "(")
	close := strings.LastIndex(s, ")")
	if open < 0 || close < 0 || close <= open {
		return ""
	}
	return strings.TrimSpace(s[open+1 : close])
}

func parseLonLat(s string) (lon, lat float64, err error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected 'lon lat', got %q", s)
	}
	lon, err = strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, err
	}
	lat, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, err
	}
	return lon, lat, nil
}

// Properties parses every p:<name>:<pattern> query param into a
// wildcard Predicate.
func Properties(q url.Values) []filter.Predicate {
	var preds []filter.Predicate
	for key, values := range q {
		if !strings.HasPrefix(key, "p:") {
			continue
		}
		name := strings.TrimPrefix(key, "p:")
		for _, v := range values {
			preds = append(preds, filter.StringPattern(name, v))
		}
	}
	return preds
}
