package mapping

import (
	"slices"
	"strconv"
	"strings"
)

// Variable is the dictionary encoded id of a query variable.
type Variable uint64

// Schema is the ordered set of variables bound by the mappings of one
// operator. Schemas are sorted ascending and hold no duplicates.
type Schema []Variable

// NewSchema returns the schema holding vars.
func NewSchema(vars ...Variable) Schema {
	s := slices.Clone(vars)
	slices.Sort(s)
	return slices.Compact(s)
}

// IndexOf returns the position of v in s or -1.
func (s Schema) IndexOf(v Variable) int {
	i, found := slices.BinarySearch(s, v)
	if !found {
		return -1
	}
	return i
}

// Contains reports whether v is bound by s.
func (s Schema) Contains(v Variable) bool {
	return s.IndexOf(v) >= 0
}

// Equal reports whether both schemas bind the same variables.
func (s Schema) Equal(o Schema) bool {
	return slices.Equal(s, o)
}

// ContainsAll reports whether every variable of o is bound by s.
func (s Schema) ContainsAll(o Schema) bool {
	for _, v := range o {
		if !s.Contains(v) {
			return false
		}
	}
	return true
}

func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = "?" + strconv.FormatUint(uint64(v), 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Union returns the variables bound by a or b.
func Union(a, b Schema) Schema {
	out := make(Schema, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return NewSchema(out...)
}

// Intersect returns the variables bound by both a and b.
func Intersect(a, b Schema) Schema {
	var out Schema
	for _, v := range a {
		if b.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}
