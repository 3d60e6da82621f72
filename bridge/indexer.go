package bridge

import (
	"time"

	"obshub.dev/hub/datastream"
)

// timeIndexer extracts phenomenonTime from a decoded record, reporting
// false when the schema carries no time column.
type timeIndexer func(record map[string]any) (time.Time, bool)

// buildTimeIndexer walks structure depth-first for the first leaf typed
// "time" and returns an indexer that reads that field out of a record
// by name, accepting either a time.Time value or an RFC3339 string (the
// two shapes a JSON-decoded event payload can realistically carry).
func buildTimeIndexer(structure datastream.RecordField) timeIndexer {
	name, ok := findTimeField(structure)
	if !ok {
		return func(map[string]any) (time.Time, bool) { return time.Time{}, false }
	}
	return func(record map[string]any) (time.Time, bool) {
		v, present := record[name]
		if !present {
			return time.Time{}, false
		}
		switch t := v.(type) {
		case time.Time:
			return t, true
		case string:
			parsed, err := time.Parse(time.RFC3339, t)
			if err != nil {
				return time.Time{}, false
			}
			return parsed, true
		default:
			return time.Time{}, false
		}
	}
}

func findTimeField(f datastream.RecordField) (string, bool) {
	if f.Type == "time" {
		return f.Name, true
	}
	for _, child := range f.Children {
		if name, ok := findTimeField(child); ok {
			return name, true
		}
	}
	return "", false
}
