package datastream

// RecordField is a minimal recursive SWE-style data-component tree: a
// named leaf (scalar) or a named composite holding ordered children.
// Wire-format codecs for SWE Common / JSON Schema are out of scope;
// this shape only carries enough structure to drive the compatibility
// checks registration requires.
type RecordField struct {
	Name       string        `json:"name"`
	Type       string        `json:"type,omitempty"`       // leaf data type, e.g. "double", "string", "boolean", "time"
	Unit       string        `json:"unit,omitempty"`       // relaxed across compatible versions
	Constraint string        `json:"constraint,omitempty"` // relaxed across compatible versions
	Children   []RecordField `json:"children,omitempty"`
}

// StructurallyIdentical reports whether a and b are byte-identical in
// every respect: same names, types, units, constraints, and child
// order, recursively. Strict equality requires byte-identical
// structure.
func StructurallyIdentical(a, b RecordField) bool {
	if a.Name != b.Name || a.Type != b.Type || a.Unit != b.Unit || a.Constraint != b.Constraint {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !StructurallyIdentical(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// StructurallyCompatible reports whether a and b share the same tree
// shape and leaf types, allowing units and constraints to differ.
func StructurallyCompatible(a, b RecordField) bool {
	if a.Name != b.Name || a.Type != b.Type {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !StructurallyCompatible(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}
