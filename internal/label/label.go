// Package label models review labels: their names, abbreviations and the
// discrete value ranges votes are allowed to take.
package label

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// PermissionPrefix prefixes a label name to form the permission that governs
// voting on it.
const PermissionPrefix = "label-"

// Range is an inclusive, ordered span of vote values.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Empty is the range granted to an actor with no voting permission.
var Empty = Range{}

// Contains reports whether v lies within the range.
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Squash clips v to the nearest bound of the range. Values already inside the
// range come back unchanged.
func (r Range) Squash(v int) int {
	return max(r.Min, min(r.Max, v))
}

// Union returns the smallest range covering both r and o.
func (r Range) Union(o Range) Range {
	return Range{Min: min(r.Min, o.Min), Max: max(r.Max, o.Max)}
}

func (r Range) String() string {
	return fmt.Sprintf("%+d..%+d", r.Min, r.Max)
}

// Definition describes one label as configured on a project.
type Definition struct {
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation"`
	Range        Range  `json:"range"`
}

// DefaultRange is used for labels that no project configures.
var DefaultRange = Range{Min: 0, Max: 1}

// WithDefaultValues synthesizes a definition for a label the project does not
// know about, so queries on unknown labels stay well defined.
func WithDefaultValues(name string) Definition {
	return Definition{
		Name:         name,
		Abbreviation: DefaultAbbreviation(name),
		Range:        DefaultRange,
	}
}

// DefaultAbbreviation builds an abbreviation from the initial of each
// dash-separated part of name, e.g. "Code-Review" becomes "CR".
func DefaultAbbreviation(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "-") {
		if part == "" {
			continue
		}
		r, _ := utf8.DecodeRuneInString(part)
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Permission returns the permission name guarding votes on the label.
func (d Definition) Permission() string {
	return PermissionFor(d.Name)
}

// PermissionFor returns the permission name guarding votes on label name.
func PermissionFor(name string) string {
	return PermissionPrefix + name
}

// Matches reports whether a vote recorded under labelName belongs to d.
func (d Definition) Matches(labelName string) bool {
	return strings.EqualFold(labelName, d.Name)
}
