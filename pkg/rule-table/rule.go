package ruletable

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchType selects the matching discipline of a location, following
// the usual location modifiers: "" (prefix), "=" (exact), "^~"
// (prefix, no further regex checking), "~" (regex) and "~*"
// (case-insensitive regex).
type MatchType int

const (
	MatchPrefix MatchType = iota
	MatchExact
	MatchPrefixStop
	MatchRegex
	MatchRegexNoCase
)

func (m MatchType) String() string {
	switch m {
	case MatchPrefix:
		return "prefix"
	case MatchExact:
		return "exact"
	case MatchPrefixStop:
		return "prefix-stop"
	case MatchRegex:
		return "regex"
	case MatchRegexNoCase:
		return "regex-nocase"
	}
	return fmt.Sprintf("matchtype(%d)", int(m))
}

// ParseMatchType accepts both the spelled-out names and the
// single-character modifiers used in server configs.
func ParseMatchType(s string) (MatchType, error) {
	switch s {
	case "", "prefix":
		return MatchPrefix, nil
	case "=", "exact":
		return MatchExact, nil
	case "^~", "prefix-stop":
		return MatchPrefixStop, nil
	case "~", "regex":
		return MatchRegex, nil
	case "~*", "regex-nocase":
		return MatchRegexNoCase, nil
	}
	return 0, configErrorf("unknown match type %q", s)
}

// Expires is a caching lifetime in seconds attached to a location.
// The zero value means "not configured". ExpiresMax is the "max"
// sentinel meaning effectively forever.
type Expires int

const (
	ExpiresOff Expires = 0
	ExpiresMax Expires = -1
)

// UnmarshalYAML accepts an integer number of seconds or the string
// "max".
func (e *Expires) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil && s == "max" {
		*e = ExpiresMax
		return nil
	}
	var secs int
	if err := unmarshal(&secs); err != nil {
		return err
	}
	if secs < 0 {
		return configErrorf("negative expires %d", secs)
	}
	*e = Expires(secs)
	return nil
}

// Location is one routing rule: a match pattern plus the directives
// applied when the rule is selected. Named locations (Name starting
// with "@") are never matched against request paths; they are only
// reachable as guard fallbacks.
type Location struct {
	Name       string   `yaml:"name"`
	Match      string   `yaml:"match"`
	Pattern    string   `yaml:"pattern"`
	Deny       bool     `yaml:"deny"`
	RedirectTo string   `yaml:"redirect"`
	Expires    Expires  `yaml:"expires"`
	Guards     []Guard  `yaml:"guards"`
	TryFiles   []string `yaml:"try_files"`

	matchType MatchType
	re        *regexp.Regexp
}

// MatchType returns the compiled match type. Only valid after the
// owning table has been compiled.
func (l *Location) MatchType() MatchType {
	return l.matchType
}

func (l *Location) isNamed() bool {
	return strings.HasPrefix(l.Name, "@")
}

func (l *Location) compile() error {
	mt, err := ParseMatchType(l.Match)
	if err != nil {
		return err
	}
	l.matchType = mt
	switch mt {
	case MatchRegex, MatchRegexNoCase:
		pattern := l.Pattern
		if mt == MatchRegexNoCase {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return configErrorf("location %q: %v", l.Pattern, err)
		}
		l.re = re
	default:
		if !l.isNamed() && !strings.HasPrefix(l.Pattern, "/") {
			return configErrorf("location pattern %q does not start with /", l.Pattern)
		}
	}
	for i := range l.Guards {
		if err := l.Guards[i].compile(); err != nil {
			return err
		}
	}
	return nil
}

// Table is the ordered, immutable rule table shared by all concurrent
// dispatches. Build one with New and do not mutate it afterwards.
type Table struct {
	locations []*Location
	named     map[string]*Location
}

// New compiles and validates a rule table. It returns a ConfigError
// if any location is malformed, if no plain prefix location for "/"
// exists, if a guard references a location that is not in the table,
// or if guard fallbacks form a cycle.
func New(locations []*Location) (*Table, error) {
	t := &Table{
		locations: locations,
		named:     make(map[string]*Location),
	}
	haveDefault := false
	for _, loc := range locations {
		if err := loc.compile(); err != nil {
			return nil, err
		}
		if loc.Name != "" {
			if _, dup := t.named[loc.Name]; dup {
				return nil, configErrorf("duplicate location name %q", loc.Name)
			}
			t.named[loc.Name] = loc
		}
		if loc.matchType == MatchPrefix && loc.Pattern == "/" {
			haveDefault = true
		}
	}
	if !haveDefault {
		return nil, configErrorf(`no default location: a prefix location for "/" is required`)
	}
	for _, loc := range locations {
		for _, g := range loc.Guards {
			if _, ok := t.named[g.Fallback]; !ok {
				return nil, configErrorf("location %q: guard fallback %q does not exist", loc.Pattern, g.Fallback)
			}
		}
	}
	if err := t.checkFallbackCycles(); err != nil {
		return nil, err
	}
	return t, nil
}

// Lookup returns the location with the given name.
func (t *Table) Lookup(name string) (*Location, bool) {
	loc, ok := t.named[name]
	return loc, ok
}

// Locations returns the table's locations in declaration order.
func (t *Table) Locations() []*Location {
	return t.locations
}

// checkFallbackCycles rejects tables whose guard fallback edges form
// a cycle. Fallback locations are expected not to redirect further;
// a cycle would make dispatch re-entry unbounded.
func (t *Table) checkFallbackCycles() error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[*Location]int)
	var visit func(loc *Location) error
	visit = func(loc *Location) error {
		switch state[loc] {
		case visiting:
			return configErrorf("guard fallback cycle through location %q", loc.Name)
		case done:
			return nil
		}
		state[loc] = visiting
		for _, g := range loc.Guards {
			if next, ok := t.named[g.Fallback]; ok {
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		state[loc] = done
		return nil
	}
	for _, loc := range t.locations {
		if err := visit(loc); err != nil {
			return err
		}
	}
	return nil
}

// ConfigError reports a malformed rule table. It is fatal: a table
// that fails to compile must never serve requests.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "rule table: " + e.Reason
}

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
