package ruletable

import "strings"

// MatchResult is the selected location together with the regex
// capture groups (captures[0] is the whole match), used to expand
// try-files templates.
type MatchResult struct {
	Location *Location
	Captures []string
}

// Match selects the single highest-precedence location for a request
// path. Precedence, highest first:
//
//  1. an exact location equal to the path,
//  2. the longest matching prefix location, winning outright if it is
//     prefix-stop,
//  3. otherwise the first regex location (declaration order) that
//     matches,
//  4. otherwise the longest matching prefix location.
//
// Named locations never participate. Match is total over a compiled
// table: the table invariant guarantees a "/" prefix location, so a
// failure to match is a ConfigError, not a per-request condition.
func (t *Table) Match(path string) (MatchResult, error) {
	var bestPrefix *Location
	for _, loc := range t.locations {
		if loc.isNamed() {
			continue
		}
		switch loc.matchType {
		case MatchExact:
			if loc.Pattern == path {
				return MatchResult{Location: loc}, nil
			}
		case MatchPrefix, MatchPrefixStop:
			if !strings.HasPrefix(path, loc.Pattern) {
				continue
			}
			// strictly longer replaces, so earlier declarations win ties
			if bestPrefix == nil || len(loc.Pattern) > len(bestPrefix.Pattern) {
				bestPrefix = loc
			}
		}
	}
	if bestPrefix != nil && bestPrefix.matchType == MatchPrefixStop {
		return MatchResult{Location: bestPrefix}, nil
	}
	for _, loc := range t.locations {
		if loc.isNamed() || loc.re == nil {
			continue
		}
		if captures := loc.re.FindStringSubmatch(path); captures != nil {
			return MatchResult{Location: loc, Captures: captures}, nil
		}
	}
	if bestPrefix == nil {
		return MatchResult{}, configErrorf("no location matches %q: missing default location", path)
	}
	return MatchResult{Location: bestPrefix}, nil
}
