package label

import "strings"

// Resolve finds the definition a query token refers to. The first rule that
// matches wins:
//
//  1. exact name
//  2. name, ignoring case
//  3. abbreviation, ignoring case
//
// When nothing matches, a definition with default values is synthesized under
// the requested name.
func Resolve(token string, defs []Definition) Definition {
	for _, d := range defs {
		if d.Name == token {
			return d
		}
	}
	for _, d := range defs {
		if strings.EqualFold(token, d.Name) {
			return d
		}
	}
	for _, d := range defs {
		if d.Abbreviation != "" && strings.EqualFold(token, d.Abbreviation) {
			return d
		}
	}
	return WithDefaultValues(token)
}
