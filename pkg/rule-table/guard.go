package ruletable

import (
	"net/http"
	"regexp"
	"strings"
)

// GuardKind names the predicate a guard evaluates against the request.
type GuardKind string

const (
	// GuardQuery trips when the request has a non-empty query string.
	GuardQuery GuardKind = "query"
	// GuardCookie trips when any request cookie name matches the
	// configured alternation pattern.
	GuardCookie GuardKind = "cookie"
	// GuardMethod trips when the request method is not in the allowed
	// set.
	GuardMethod GuardKind = "method"
	// GuardHeader trips when the named header equals the configured
	// value (values compared case-insensitively).
	GuardHeader GuardKind = "header"
)

// Guard is a bypass condition attached to a location. When it trips,
// dispatch jumps to the named fallback location instead of probing
// this location's try-files.
type Guard struct {
	Kind     GuardKind `yaml:"kind"`
	Pattern  string    `yaml:"pattern"`
	Allow    []string  `yaml:"allow"`
	Header   string    `yaml:"header"`
	Value    string    `yaml:"value"`
	Fallback string    `yaml:"fallback"`

	re *regexp.Regexp
}

func (g *Guard) compile() error {
	if g.Fallback == "" {
		return configErrorf("%s guard has no fallback", g.Kind)
	}
	switch g.Kind {
	case GuardQuery:
	case GuardCookie:
		re, err := regexp.Compile("^(" + g.Pattern + ")$")
		if err != nil {
			return configErrorf("cookie guard pattern %q: %v", g.Pattern, err)
		}
		g.re = re
	case GuardMethod:
		if len(g.Allow) == 0 {
			return configErrorf("method guard has an empty allow set")
		}
	case GuardHeader:
		if g.Header == "" {
			return configErrorf("header guard has no header name")
		}
	default:
		return configErrorf("unknown guard kind %q", g.Kind)
	}
	return nil
}

// trips reports whether the guard's predicate holds for the request.
// Guards are pure functions of the request and never fail it.
func (g *Guard) trips(r *http.Request) bool {
	switch g.Kind {
	case GuardQuery:
		return r.URL.RawQuery != ""
	case GuardCookie:
		for _, c := range r.Cookies() {
			if g.re.MatchString(c.Name) {
				return true
			}
		}
	case GuardMethod:
		for _, m := range g.Allow {
			if strings.EqualFold(m, r.Method) {
				return false
			}
		}
		return true
	case GuardHeader:
		return strings.EqualFold(r.Header.Get(g.Header), g.Value)
	}
	return false
}

// Evaluate runs a location's guards strictly in declaration order and
// returns the fallback name of the first one that trips. An empty
// string means no guard tripped and the location's own try-files
// chain should be attempted.
func Evaluate(loc *Location, r *http.Request) string {
	for i := range loc.Guards {
		if loc.Guards[i].trips(r) {
			return loc.Guards[i].Fallback
		}
	}
	return ""
}
